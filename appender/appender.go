// Package appender implements the central classify-and-pack algorithm
// (spec.md §4.E): given a batch of Instance Handles and two size caps,
// it gates, dedupes, classifies against existing Series Metadata, packs
// NEW instances into the series tar, and rebuilds the random-access
// index. Size and hash lookups for the size/hash prepass fan out through
// an errgroup, one goroutine per input (no concurrency limit is set).
package appender

import (
	"archive/tar"
	"context"
	"fmt"
	"os"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"golang.org/x/sync/errgroup"

	"github.com/gradienthealth/codpack/cmn"
	"github.com/gradienthealth/codpack/cmn/nlog"
	"github.com/gradienthealth/codpack/index"
	"github.com/gradienthealth/codpack/instance"
	"github.com/gradienthealth/codpack/metrics"
	"github.com/gradienthealth/codpack/seriesmeta"
)

// AppendResult is the outcome of one Append call (spec.md §4.E step 8).
type AppendResult struct {
	New      []string // keys of newly-packed instances
	Same     []string // keys dropped as identical to an existing instance
	Conflict []string // keys recorded as diff-hash-dupes of an existing instance
	Errors   []error  // per-instance errors that did not abort the batch

	// DirtyMetadata and DirtyTar tell the caller (Series Object) which of
	// its two synced flags (spec.md §3 "Series Object") must flip; the
	// Appender itself owns neither flag.
	DirtyMetadata bool
	DirtyTar      bool
}

// Limits carries the two size caps of spec.md §4.E step 1, expressed in
// bytes (see cmn.GBytes for GB-to-bytes conversion).
type Limits struct {
	MaxInstanceBytes int64
	MaxSeriesBytes   int64
}

// Appender executes Append against one series' metadata, tar, and
// index. It does not itself hold the lock or talk to the object store;
// callers (the Series Object) are responsible for sync.
type Appender struct {
	Meta  *seriesmeta.Metadata
	Idx   *index.Index
	TarPath string

	Limits Limits
	Bulk   instance.BulkHandler

	// tarURI is the canonical <tar-uri> prefix instances are rewritten to
	// point at after packing (spec.md §4.E step 7).
	TarURI string
}

type sizedInput struct {
	inst *instance.Handle
	key  string
	size int64
	crc  string
}

// Append runs the full pipeline of spec.md §4.E steps 1-8.
func (a *Appender) Append(ctx context.Context, inputs []*instance.Handle, seriesStudyUID, seriesSeriesUID string, hashedUIDs bool) (*AppendResult, error) {
	res := &AppendResult{}
	if len(inputs) == 0 {
		return res, nil
	}

	sized, err := a.sizeGate(ctx, inputs, hashedUIDs, res)
	if err != nil {
		return nil, err
	}
	if len(sized) == 0 {
		return res, nil
	}

	deduped := a.inputSideDedupe(sized, res)
	if len(deduped) == 0 {
		return res, nil
	}

	owned := a.ownershipCheck(deduped, seriesStudyUID, seriesSeriesUID, hashedUIDs, res)
	if len(owned) == 0 {
		return res, nil
	}

	newOnes := a.classify(owned, res)
	if len(newOnes) == 0 {
		return res, nil
	}

	if err := a.packNew(ctx, newOnes, res); err != nil {
		return nil, err
	}
	return res, nil
}

// sizeGate fetches (trusting hints) each input's size, drops anything
// over MaxInstanceBytes recording an ErrOverlargeInstance, and checks
// the accepted total against MaxSeriesBytes (spec.md §4.E step 1). Size
// and hash lookups for distinct inputs touch disjoint state, so they
// fan out through an errgroup, one goroutine per input with no limit on
// how many run at once; the first error cancels the rest. The
// key used throughout the rest of the pipeline is the de-identified
// instance UID when hashedUIDs is set (spec.md §4.C.1), matching the
// original's _get_instance_uid_for_comparison dispatch.
func (a *Appender) sizeGate(ctx context.Context, inputs []*instance.Handle, hashedUIDs bool, res *AppendResult) ([]sizedInput, error) {
	out := make([]sizedInput, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range inputs {
		i, inst := i, inst
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			sz, err := inst.Size(a.Idx, true)
			if err != nil {
				return fmt.Errorf("appender: size %s: %w", inst.URI, err)
			}
			crc, err := inst.CRC32C(a.Idx, true)
			if err != nil {
				return fmt.Errorf("appender: crc32c %s: %w", inst.URI, err)
			}
			var key string
			if hashedUIDs {
				key, err = inst.HashedInstanceUID(a.Idx, true)
			} else {
				key, err = inst.InstanceUID(a.Idx, true)
			}
			if err != nil {
				return fmt.Errorf("appender: instance_uid %s: %w", inst.URI, err)
			}
			out[i] = sizedInput{inst: inst, key: key, size: sz, crc: crc}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	accepted := make([]sizedInput, 0, len(out))
	var total int64 = a.Meta.TotalSize()
	for _, s := range out {
		if s.size > a.Limits.MaxInstanceBytes {
			res.Errors = append(res.Errors, &cmn.ErrOverlargeInstance{URI: s.inst.URI, Size: s.size, MaxBytes: a.Limits.MaxInstanceBytes})
			metrics.AppendErrors.Inc()
			continue
		}
		total += s.size
		accepted = append(accepted, s)
	}
	if total > a.Limits.MaxSeriesBytes {
		return nil, &cmn.ErrOverlargeSeries{SeriesURI: a.TarURI, Total: total, MaxBytes: a.Limits.MaxSeriesBytes}
	}
	return accepted, nil
}

// inputSideDedupe implements spec.md §4.E step 2: for each input, if an
// earlier input in this batch shares the identity UID, same-content
// is dropped (recorded as Same and logged at info level), different-content becomes a
// conflict-in-input (the dropped one's URI is appended to the kept
// one's diff-hash-dupe list if it is remote). A cuckoo filter gives a
// cheap "definitely not seen before" pre-check on large batches before
// falling back to the exact map.
func (a *Appender) inputSideDedupe(inputs []sizedInput, res *AppendResult) []sizedInput {
	filter := cuckoo.NewFilter(uint(len(inputs) + 1))
	seen := make(map[string]*sizedInput, len(inputs))
	kept := make([]sizedInput, 0, len(inputs))

	for i := range inputs {
		s := inputs[i]
		probablySeen := filter.Lookup([]byte(s.key))
		var prior *sizedInput
		if probablySeen {
			prior = seen[s.key]
		}
		if prior == nil {
			filter.Insert([]byte(s.key))
			seen[s.key] = &inputs[i]
			kept = append(kept, s)
			continue
		}
		if prior.crc == s.crc {
			res.Same = append(res.Same, s.key)
			metrics.InstancesAppended.WithLabelValues("same").Inc()
			nlog.Infof("appender: %s same-in-input, dropping duplicate", s.key)
			continue
		}
		res.Conflict = append(res.Conflict, s.key)
		metrics.InstancesAppended.WithLabelValues("conflict").Inc()
		if s.inst.IsRemote() {
			prior.inst.AppendDupeURI(s.inst.URI, true)
		}
	}
	return kept
}

// ownershipCheck enforces spec.md §4.E step 3: every remaining input's
// (study, series) UIDs must equal the series object's. studyUID/seriesUID
// are already the series' own identity values, de-identified or not; when
// hashedUIDs is set the input's UIDs are hashed before comparing, but
// studyUID/seriesUID themselves are never re-hashed here, mirroring the
// original's assert_instance_belongs_to_cod_object (it compares the
// instance's hashed UIDs directly against cod_object.study_uid/series_uid,
// which the caller is expected to have already de-identified).
func (a *Appender) ownershipCheck(inputs []sizedInput, studyUID, seriesUID string, hashedUIDs bool, res *AppendResult) []sizedInput {
	kept := make([]sizedInput, 0, len(inputs))
	for _, s := range inputs {
		var gotStudy, gotSeries string
		var err error
		if hashedUIDs {
			gotStudy, err = s.inst.HashedStudyUID(a.Idx, true)
			if err == nil {
				gotSeries, err = s.inst.HashedSeriesUID(a.Idx, true)
			}
		} else {
			gotStudy, err = s.inst.StudyUID(a.Idx, true)
			if err == nil {
				gotSeries, err = s.inst.SeriesUID(a.Idx, true)
			}
		}
		if err != nil {
			res.Errors = append(res.Errors, err)
			metrics.AppendErrors.Inc()
			continue
		}
		if gotStudy != studyUID || gotSeries != seriesUID {
			res.Errors = append(res.Errors, &cmn.ErrIdentityConflict{
				InstanceID: s.key,
				Reason:     fmt.Sprintf("belongs to (%s, %s), not series (%s, %s)", gotStudy, gotSeries, studyUID, seriesUID),
			})
			metrics.AppendErrors.Inc()
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

// classify implements spec.md §4.E step 4-6: compares each remaining
// input against existing metadata, handling SAME and DIFF inline and
// returning only the NEW ones for packing.
func (a *Appender) classify(inputs []sizedInput, res *AppendResult) []sizedInput {
	newOnes := make([]sizedInput, 0, len(inputs))
	for _, s := range inputs {
		existing, ok := a.Meta.Get(s.key)
		if !ok {
			newOnes = append(newOnes, s)
			continue
		}
		existingTruth := existing.LoadedTruths()
		if existingTruth.CRC32C == s.crc {
			res.Same = append(res.Same, s.key)
			metrics.InstancesAppended.WithLabelValues("same").Inc()
			continue
		}
		changed, err := existing.AppendDupeURI(s.inst.URI, true)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		if changed {
			res.DirtyMetadata = true
		}
		res.Conflict = append(res.Conflict, s.key)
		metrics.InstancesAppended.WithLabelValues("conflict").Inc()
	}
	return newOnes
}

// packNew implements spec.md §4.E step 7: opens the series tar in
// append mode, packs each NEW instance, rebuilds the index, extracts
// header metadata, rewrites the instance's URI into the tar, and
// inserts it into the series metadata.
func (a *Appender) packNew(ctx context.Context, newOnes []sizedInput, res *AppendResult) error {
	f, err := os.OpenFile(a.TarPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("appender: open tar %s: %w", a.TarPath, err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)

	packed := 0
	for _, s := range newOnes {
		if err := s.inst.AppendToTar(a.Idx, tw, s.key); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("appender: pack %s: %w", s.key, err))
			metrics.AppendErrors.Inc()
			continue
		}
		packed++
		res.New = append(res.New, s.key)
		metrics.InstancesAppended.WithLabelValues("new").Inc()
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if packed == 0 {
		return fmt.Errorf("appender: all %d NEW instances failed to pack", len(newOnes))
	}

	idx, err := index.Rebuild(a.Idx.Path(), a.TarPath)
	if err != nil {
		return fmt.Errorf("appender: rebuild index: %w", err)
	}
	a.Idx.Close()
	*a.Idx = *idx

	for _, key := range res.New {
		var s *sizedInput
		for i := range newOnes {
			if newOnes[i].key == key {
				s = &newOnes[i]
				break
			}
		}
		if s == nil {
			continue
		}
		internalPath := "instances/" + key + ".dcm"
		rng, err := a.Idx.Lookup(internalPath)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("appender: locate packed member %s: %w", key, err))
			continue
		}
		s.inst.Range = instance.ByteRange{Start: rng.Start, Stop: rng.Stop}

		internalURI := a.TarURI + "://instances/" + key + ".dcm"
		meta, err := s.inst.ExtractMetadata(a.Idx, internalURI, a.Bulk)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("appender: extract_metadata %s: %w", key, err))
			continue
		}
		s.inst.ExtractedMetadata = meta
		s.inst.URI = internalURI
		a.Meta.Put(key, s.inst, s.size)
	}
	res.DirtyTar = true
	res.DirtyMetadata = true
	return nil
}
