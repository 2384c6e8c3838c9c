// Package series implements the Series Object (spec.md §4.F), the
// engine's unit of work: construction/quarantine checks, lock
// acquisition, the sync protocol, dirty/clean operation guards, and
// serialization for handing work between processes.
package series

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gradienthealth/codpack/appender"
	"github.com/gradienthealth/codpack/cmn"
	"github.com/gradienthealth/codpack/cmn/cos"
	"github.com/gradienthealth/codpack/cmn/nlog"
	"github.com/gradienthealth/codpack/index"
	"github.com/gradienthealth/codpack/instance"
	"github.com/gradienthealth/codpack/locker"
	"github.com/gradienthealth/codpack/metrics"
	"github.com/gradienthealth/codpack/seriesmeta"
	"github.com/gradienthealth/codpack/store"
)

// metadataFetchGroup collapses concurrent metadata-blob GETs issued by
// multiple goroutines opening the same series at once (e.g. a read-heavy
// query fan-out) into a single round trip to the store; each caller
// still decodes its own independent *seriesmeta.Metadata from the
// shared bytes, so no decoded state is aliased across Objects.
var metadataFetchGroup singleflight.Group

const minUIDLen = 1

// Object is the Series Object of spec.md §3/§4.F.
type Object struct {
	Datastore string
	StudyUID  string
	SeriesUID string
	HashedUIDs bool

	// hashFunc is the de-identification transform applied to every
	// appended instance's identity UIDs when HashedUIDs is true (spec.md
	// §3, §4.C.1). It is a live callback, not data, so it travels through
	// Options/Reconstitute rather than Snapshot.
	hashFunc func(string) string

	client store.Client
	parser instance.HeaderParser
	cfg    cmn.Config

	lock *locker.Locker // nil when constructed with lock=false
	ws   *workspace

	meta *seriesmeta.Metadata
	idx  *index.Index

	tarSynced      bool
	metadataSynced bool
}

// seriesURI is <datastore>/studies/<study>/series/<series> (spec.md §6
// "On-store layout for a series").
func seriesURI(datastore, studyUID, seriesUID string) string {
	return fmt.Sprintf("%s/studies/%s/series/%s", datastore, studyUID, seriesUID)
}

func tarBlobURI(datastore, studyUID, seriesUID string) string {
	return seriesURI(datastore, studyUID, seriesUID) + ".tar"
}

// Options configures Open.
type Options struct {
	Lock           bool
	CreateIfMissing bool
	OverrideErrors bool
	TempRoot       string
	Config         cmn.Config

	// HashedUIDs requests a de-identified-UID series when the series is
	// being newly created (spec.md §3 "hashed_uids"). For a series that
	// already exists, the loaded metadata's own HashedUIDs always wins;
	// see Open.
	HashedUIDs bool
	// HashFunc is the de-identification transform; required whenever the
	// resulting Object ends up with HashedUIDs true, whether by request
	// or by loaded state.
	HashFunc func(string) string
}

// Open constructs a Series Object per spec.md §4.F.1: validates UID
// length, checks for quarantine, then either acquires the lock or loads
// metadata read-only.
func Open(ctx context.Context, client store.Client, parser instance.HeaderParser, datastore, studyUID, seriesUID string, opts Options) (*Object, error) {
	if len(studyUID) < minUIDLen || len(seriesUID) < minUIDLen {
		return nil, fmt.Errorf("series: study/series UID must be non-empty")
	}
	uri := seriesURI(datastore, studyUID, seriesUID)

	if !opts.OverrideErrors {
		if _, err := client.Stat(ctx, uri+"/"+cmn.ErrorLogName); err == nil {
			return nil, &cmn.ErrErrorLogExists{SeriesURI: uri}
		} else if err != store.ErrNotExist {
			return nil, cmn.Wrap(err, "series: check error.log")
		}
	}

	cfg := opts.Config
	if cfg.LockName == "" {
		cfg = cmn.Defaults()
	}

	ws, err := newWorkspace(opts.TempRoot, studyUID, seriesUID)
	if err != nil {
		return nil, cmn.Wrap(err, "series: create workspace")
	}

	idx, err := index.Open(ws.idxPath)
	if err != nil {
		ws.destroy()
		return nil, cmn.Wrap(err, "series: open index")
	}

	obj := &Object{
		Datastore: datastore, StudyUID: studyUID, SeriesUID: seriesUID,
		HashedUIDs: opts.HashedUIDs, hashFunc: opts.HashFunc,
		client: client, parser: parser, cfg: cfg, ws: ws, idx: idx,
		tarSynced: true, metadataSynced: true,
	}

	meta, existed, err := obj.loadMetadata(ctx)
	if err != nil {
		idx.Close()
		ws.destroy()
		return nil, err
	}
	if !existed && !opts.CreateIfMissing {
		idx.Close()
		ws.destroy()
		return nil, &cmn.ErrSeriesNotFound{SeriesURI: uri}
	}
	obj.meta = meta

	// A loaded series' own hashed state always wins over what the caller
	// asked for (spec.md §4.C.1; grounded on the original's
	// _infer_is_hashed, which treats a pre-existing deid_study_uid key as
	// authoritative). A newly-created series adopts whatever the caller
	// requested, which is what seeded meta above via obj.HashedUIDs.
	if existed && meta.HashedUIDs != obj.HashedUIDs {
		obj.HashedUIDs = meta.HashedUIDs
	}
	if obj.HashedUIDs && obj.hashFunc == nil {
		idx.Close()
		ws.destroy()
		return nil, fmt.Errorf("series: %s uses de-identified UIDs, but no HashFunc was supplied", uri)
	}

	if opts.Lock {
		l := locker.New(client, uri, cfg.LockName, cfg.LockVerifyTimeout)
		if err := l.Acquire(ctx, func() ([]byte, error) {
			var buf bytes.Buffer
			if err := obj.meta.EncodeTo(&buf); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}); err != nil {
			idx.Close()
			ws.destroy()
			return nil, err
		}
		obj.lock = l
	}
	return obj, nil
}

// loadMetadata fetches and decodes the metadata blob, or returns a
// freshly constructed empty Metadata if none exists yet. The raw-bytes
// fetch is deduplicated across concurrent callers via
// metadataFetchGroup; decoding always happens per-caller.
func (o *Object) loadMetadata(ctx context.Context) (*seriesmeta.Metadata, bool, error) {
	uri := seriesURI(o.Datastore, o.StudyUID, o.SeriesUID) + "/" + cmn.MetadataBlobName

	v, err, _ := metadataFetchGroup.Do(uri, func() (any, error) {
		rc, _, err := o.client.Get(ctx, uri)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	})
	if err == store.ErrNotExist {
		return seriesmeta.New(o.StudyUID, o.SeriesUID, o.HashedUIDs), false, nil
	}
	if err != nil {
		return nil, false, cmn.Wrap(err, "series: fetch metadata")
	}
	meta, err := seriesmeta.Decode(bytes.NewReader(v.([]byte)), o.client, o.parser)
	if err != nil {
		return nil, false, cmn.Wrap(err, "series: decode metadata")
	}
	return meta, true, nil
}

// Locked reports whether this object currently holds the series lock.
func (o *Object) Locked() bool { return o.lock != nil && o.lock.State() == locker.Held }

// requireClean enforces spec.md §4.F.5: a clean operation needs the
// lock.
func (o *Object) requireClean(op string) error {
	if !o.Locked() {
		return &cmn.ErrCleanOpWithoutLock{Op: op}
	}
	return nil
}

// warnIfLockedDirty logs a warning when a dirty (lock-optional)
// operation runs against a locked object (spec.md §4.F.5: "emit a
// warning when run against a locked object").
func (o *Object) warnIfLockedDirty(op string) {
	if o.Locked() {
		nlog.Warningf("series: dirty operation %q run against a locked object", op)
	}
}

// Append runs the Appender's classify-and-pack pipeline (clean
// operation: requires the lock).
func (o *Object) Append(ctx context.Context, inputs []*instance.Handle, limits appender.Limits, bulk instance.BulkHandler) (*appender.AppendResult, error) {
	if err := o.requireClean("append"); err != nil {
		return nil, err
	}
	if o.HashedUIDs {
		for _, h := range inputs {
			h.HashFunc = o.hashFunc
		}
	}
	a := &appender.Appender{
		Meta:    o.meta,
		Idx:     o.idx,
		TarPath: o.ws.tarPath,
		Limits:  limits,
		Bulk:    bulk,
		TarURI:  tarBlobURI(o.Datastore, o.StudyUID, o.SeriesUID),
	}
	res, err := a.Append(ctx, inputs, o.StudyUID, o.SeriesUID, o.HashedUIDs)
	if err != nil {
		return nil, err
	}
	if res.DirtyTar {
		o.tarSynced = false
	}
	if res.DirtyMetadata {
		o.metadataSynced = false
	}
	return res, nil
}

// Truncate is a dirty operation: permitted without the lock, but warns
// when run against a locked object.
func (o *Object) Truncate(n int) error {
	o.warnIfLockedDirty("truncate")
	a := &appender.Appender{Meta: o.meta, Idx: o.idx}
	if err := a.Truncate(n); err != nil {
		return err
	}
	o.metadataSynced = false
	return nil
}

// Metadata exposes the in-memory metadata for read operations (dirty:
// safe without a lock).
func (o *Object) Metadata() *seriesmeta.Metadata { return o.meta }

// PruneDependencies deletes the source files consumed to produce every
// packed instance (spec.md §6 "dependency deletion contract"), honoring
// cfg.ValidateDependencyHash for the single-dependency hash-verified
// case. Callers run this after a successful Sync, once the tar and
// metadata blobs are the durable copy of the data; errors for
// individual instances are collected rather than stopping the sweep.
func (o *Object) PruneDependencies(ctx context.Context) error {
	var errs []error
	o.meta.Each(func(_ string, inst *instance.Handle) {
		if len(inst.Deps) == 0 {
			return
		}
		if err := inst.DeleteDependencies(ctx, o.cfg.ValidateDependencyHash); err != nil {
			errs = append(errs, err)
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("series: pruning dependencies: %w (+%d more)", errs[0], len(errs)-1)
	}
	return nil
}

// Sync flushes dirty state to the store per spec.md §4.F.3.
func (o *Object) Sync(ctx context.Context, storageClass string) error {
	start := time.Now()
	defer func() { metrics.SyncDuration.Observe(time.Since(start).Seconds()) }()

	if o.tarSynced && o.metadataSynced {
		nlog.Warningf("series: sync called with nothing dirty for %s/%s", o.StudyUID, o.SeriesUID)
		return nil
	}
	if err := o.requireClean("sync"); err != nil {
		return err
	}
	if err := o.lock.Verify(ctx); err != nil {
		return err
	}

	uri := seriesURI(o.Datastore, o.StudyUID, o.SeriesUID)

	if !o.tarSynced {
		sz, err := cos.FileSize(o.ws.tarPath)
		if err != nil {
			return cmn.Wrap(err, "series: stat tar")
		}
		if sz > 0 {
			if _, err := os.Stat(o.ws.idxPath); err != nil {
				return fmt.Errorf("series: index missing at %s: %w", o.ws.idxPath, err)
			}
			idxFile, err := os.Open(o.ws.idxPath)
			if err != nil {
				return err
			}
			if _, err := o.client.Put(ctx, uri+"/"+cmn.IndexBlobName, idxFile, "", -1); err != nil {
				idxFile.Close()
				return cmn.Wrap(err, "series: upload index")
			}
			idxFile.Close()
			if idxSz, err := cos.FileSize(o.ws.idxPath); err == nil {
				metrics.BytesUploaded.WithLabelValues("index").Add(float64(idxSz))
			}

			tarFile, err := os.Open(o.ws.tarPath)
			if err != nil {
				return err
			}
			if _, err := o.client.Put(ctx, tarBlobURI(o.Datastore, o.StudyUID, o.SeriesUID), tarFile, "", -1); err != nil {
				tarFile.Close()
				return cmn.Wrap(err, "series: upload tar")
			}
			tarFile.Close()
			metrics.BytesUploaded.WithLabelValues("tar").Add(float64(sz))

			if storageClass != "" {
				if err := o.client.SetStorageClass(ctx, tarBlobURI(o.Datastore, o.StudyUID, o.SeriesUID), storageClass); err != nil {
					return cmn.Wrap(err, "series: set storage class")
				}
			}
		}
		o.tarSynced = true
	}

	if !o.metadataSynced {
		var buf bytes.Buffer
		if err := o.meta.EncodeTo(&buf); err != nil {
			return cmn.Wrap(err, "series: encode metadata")
		}
		metaLen := buf.Len()
		if _, err := o.client.Put(ctx, uri+"/"+cmn.MetadataBlobName, &buf, "gzip", -1); err != nil {
			return cmn.Wrap(err, "series: upload metadata")
		}
		metrics.BytesUploaded.WithLabelValues("metadata").Add(float64(metaLen))
		o.metadataSynced = true
	}

	nlog.Infof("series: synced %s/%s", o.StudyUID, o.SeriesUID)
	return nil
}

// UploadErrorLog places the quarantine marker at <series-uri>/error.log
// (spec.md §4.F.4).
func (o *Object) UploadErrorLog(ctx context.Context, msg string) error {
	uri := seriesURI(o.Datastore, o.StudyUID, o.SeriesUID) + "/" + cmn.ErrorLogName
	_, err := o.client.Put(ctx, uri, bytes.NewReader([]byte(msg)), "", -1)
	return err
}

// Close ends the Object's scope (spec.md §4.F.6): if unwinding is true
// (an error is propagating), the lock is intentionally left in place;
// otherwise it is released. The temp workspace is always destroyed.
func (o *Object) Close(ctx context.Context, unwinding bool) error {
	defer o.idx.Close()
	defer o.ws.destroy()

	if unwinding {
		if o.Locked() {
			nlog.Warningf("series: leaving lock held on %s/%s due to an unwinding error", o.StudyUID, o.SeriesUID)
		}
		return nil
	}
	if o.lock != nil {
		return o.lock.Release(ctx)
	}
	return nil
}

// Snapshot is the serializable form of an Object (spec.md §4.F.7).
type Snapshot struct {
	Datastore        string
	StudyUID         string
	SeriesUID        string
	HashedUIDs       bool
	LockGeneration   int64
	Locked           bool
	MetadataSnapshot []byte // gzip+JSON, as produced by Metadata.EncodeTo
}

// Snapshot captures enough state to reconstitute this Object in another
// process (spec.md §4.F.7 "snapshotted ... and reconstituted against a
// fresh object-store client").
func (o *Object) Snapshot() (*Snapshot, error) {
	var buf bytes.Buffer
	if err := o.meta.EncodeTo(&buf); err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Datastore: o.Datastore, StudyUID: o.StudyUID, SeriesUID: o.SeriesUID,
		HashedUIDs: o.HashedUIDs, Locked: o.Locked(), MetadataSnapshot: buf.Bytes(),
	}
	if o.lock != nil {
		snap.LockGeneration = o.lock.Generation()
	}
	return snap, nil
}

// Reconstitute rebuilds an Object from a Snapshot against a fresh
// client, re-adopting the lock by generation (spec.md §4.F.7, §4.D).
func Reconstitute(ctx context.Context, client store.Client, parser instance.HeaderParser, snap *Snapshot, opts Options) (*Object, error) {
	ws, err := newWorkspace(opts.TempRoot, snap.StudyUID, snap.SeriesUID)
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(ws.idxPath)
	if err != nil {
		ws.destroy()
		return nil, err
	}
	meta, err := seriesmeta.Decode(bytes.NewReader(snap.MetadataSnapshot), client, parser)
	if err != nil {
		idx.Close()
		ws.destroy()
		return nil, err
	}
	cfg := opts.Config
	if cfg.LockName == "" {
		cfg = cmn.Defaults()
	}
	if snap.HashedUIDs && opts.HashFunc == nil {
		idx.Close()
		ws.destroy()
		return nil, fmt.Errorf("series: reconstitute %s/%s: uses de-identified UIDs, but no HashFunc was supplied", snap.StudyUID, snap.SeriesUID)
	}
	obj := &Object{
		Datastore: snap.Datastore, StudyUID: snap.StudyUID, SeriesUID: snap.SeriesUID,
		HashedUIDs: snap.HashedUIDs, hashFunc: opts.HashFunc,
		client: client, parser: parser, cfg: cfg,
		ws: ws, idx: idx, meta: meta, tarSynced: true, metadataSynced: true,
	}
	if snap.Locked {
		uri := seriesURI(snap.Datastore, snap.StudyUID, snap.SeriesUID)
		l := locker.New(client, uri, cfg.LockName, cfg.LockVerifyTimeout)
		l.Adopt(snap.LockGeneration)
		obj.lock = l
	}
	return obj, nil
}
