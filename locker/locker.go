// Package locker implements the distributed mutex over a generation-
// numbered lock blob (spec.md §4.D). It is the concurrency primitive a
// Series Object acquires before any write, grounded on the same
// generation-precondition pattern store.Client exposes for bucket
// objects (the GCS/S3 drivers already surface a generation number per
// object; here that number IS the lock).
package locker

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/gradienthealth/codpack/cmn"
	"github.com/gradienthealth/codpack/cmn/nlog"
	"github.com/gradienthealth/codpack/metrics"
	"github.com/gradienthealth/codpack/store"
)

// State is the Locker's position in the state machine of spec.md §4.D.
type State int

const (
	Released State = iota
	Acquiring
	Held
	Failed
)

func (s State) String() string {
	switch s {
	case Released:
		return "released"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Locker guards the lock blob at <series-uri>/<lock-name> for exactly
// one Series Object. Not safe for concurrent use by multiple goroutines
// against the same instance (spec.md §4.F "Scheduling model: single-
// threaded per Series Object").
type Locker struct {
	client        store.Client
	uri           string // <series-uri>/<lock-name>
	state         State
	generation    int64 // the generation this holder last observed/wrote
	verifyTimeout time.Duration
}

// New builds a Locker for seriesURI using lockName as the blob's leaf
// name (spec.md §9: the lock filename is a frozen per-deployment
// constant, see cmn.LockName). verifyTimeout bounds the Stat call
// Verify issues; zero means no deadline is imposed beyond ctx's own.
func New(client store.Client, seriesURI, lockName string, verifyTimeout time.Duration) *Locker {
	return &Locker{client: client, uri: seriesURI + "/" + lockName, state: Released, verifyTimeout: verifyTimeout}
}

// State reports the Locker's current position.
func (l *Locker) State() State { return l.state }

// Generation returns the generation this holder currently remembers.
func (l *Locker) Generation() int64 { return l.generation }

// Acquire runs the Released -> Acquiring -> {Held, Failed} transition
// (spec.md §4.D table). payload is re-read lazily via payloadFn only if
// the blob is actually absent, to avoid building a metadata snapshot
// the caller doesn't need on the "exists and gen matches" fast path.
func (l *Locker) Acquire(ctx context.Context, payloadFn func() ([]byte, error)) error {
	l.state = Acquiring
	attrs, err := l.client.Stat(ctx, l.uri)
	switch {
	case err == nil:
		if attrs.Generation == l.generation && l.generation != 0 {
			l.state = Held
			metrics.LockAcquisitions.WithLabelValues("held").Inc()
			nlog.Infof("locker: re-adopted lock %s at generation %d", l.uri, l.generation)
			return nil
		}
		l.state = Failed
		metrics.LockAcquisitions.WithLabelValues("stolen").Inc()
		return &cmn.ErrLockAcquisitionFailed{SeriesURI: l.uri, Reason: fmt.Sprintf("held at generation %d, this holder remembers %d", attrs.Generation, l.generation)}

	case err == store.ErrNotExist:
		payload, perr := payloadFn()
		if perr != nil {
			l.state = Failed
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			return cmn.Wrap(perr, "locker: build lock payload")
		}
		newAttrs, perr := l.client.Put(ctx, l.uri, bytes.NewReader(payload), "", 0)
		if perr == store.ErrGenerationMismatch {
			l.state = Failed
			metrics.LockAcquisitions.WithLabelValues("stolen").Inc()
			return &cmn.ErrLockAcquisitionFailed{SeriesURI: l.uri, Reason: "stolen during metadata fetch"}
		}
		if perr != nil {
			l.state = Failed
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			return cmn.Wrap(perr, "locker: upload lock blob")
		}
		l.generation = newAttrs.Generation
		l.state = Held
		metrics.LockAcquisitions.WithLabelValues("held").Inc()
		nlog.Infof("locker: acquired lock %s at generation %d", l.uri, l.generation)
		return nil

	default:
		l.state = Failed
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return cmn.Wrap(err, "locker: stat lock blob")
	}
}

// Verify confirms the lock is still held by this holder at the
// generation it remembers (spec.md §4.D "Held -> verify -> Held: GET;
// if missing OR gen differs -> raise").
func (l *Locker) Verify(ctx context.Context) error {
	if l.verifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.verifyTimeout)
		defer cancel()
	}
	attrs, err := l.client.Stat(ctx, l.uri)
	if err == store.ErrNotExist {
		l.state = Failed
		return &cmn.ErrLockVerificationFailed{SeriesURI: l.uri, Reason: "lock blob is missing"}
	}
	if err != nil {
		l.state = Failed
		return cmn.Wrap(err, "locker: verify")
	}
	if attrs.Generation != l.generation {
		l.state = Failed
		return &cmn.ErrLockVerificationFailed{SeriesURI: l.uri, Reason: fmt.Sprintf("generation drifted: remembered %d, now %d", l.generation, attrs.Generation)}
	}
	return nil
}

// Release verifies then deletes the lock blob, returning to Released
// (spec.md §4.D "Held -> release -> Released: verify, then DELETE").
func (l *Locker) Release(ctx context.Context) error {
	if l.state != Held {
		return nil
	}
	if err := l.Verify(ctx); err != nil {
		return err
	}
	if err := l.client.Delete(ctx, l.uri); err != nil {
		return cmn.Wrap(err, "locker: delete lock blob")
	}
	l.state = Released
	l.generation = 0
	nlog.Infof("locker: released lock %s", l.uri)
	return nil
}

// Adopt forces this Locker into the Held state at a remembered
// generation without contacting the store, used when reconstituting a
// Series Object from a serialized snapshot (spec.md §4.F.7 "the new
// instance re-adopts the lock by generation").
func (l *Locker) Adopt(generation int64) {
	l.generation = generation
	l.state = Held
}
