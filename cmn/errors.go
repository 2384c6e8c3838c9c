// Package cmn holds cross-cutting types shared by every codpack package:
// the error taxonomy (spec.md §7) and the library's small Config struct.
package cmn

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Wrap attaches call-site context to a lower-level (usually store/
// backend) error without discarding it. Uses the older
// github.com/pkg/errors-based wrapping idiom, which stays compatible
// with stdlib errors.Is/As via its Unwrap method.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, context)
}

// ErrLockAcquisitionFailed: another holder exists with a different
// generation, or the caller lost a race mid-acquire (spec.md §7).
type ErrLockAcquisitionFailed struct {
	SeriesURI string
	Reason    string
}

func (e *ErrLockAcquisitionFailed) Error() string {
	return fmt.Sprintf("lock acquisition failed for %s: %s", e.SeriesURI, e.Reason)
}

// ErrLockVerificationFailed: on verify/release, the lock blob is missing
// or its generation drifted from what this holder remembered.
type ErrLockVerificationFailed struct {
	SeriesURI string
	Reason    string
}

func (e *ErrLockVerificationFailed) Error() string {
	return fmt.Sprintf("lock verification failed for %s: %s", e.SeriesURI, e.Reason)
}

// ErrSeriesNotFound: create_if_missing=false and no metadata blob exists.
type ErrSeriesNotFound struct {
	SeriesURI string
}

func (e *ErrSeriesNotFound) Error() string {
	return fmt.Sprintf("series not found: %s", e.SeriesURI)
}

// ErrErrorLogExists: a prior failure quarantined this series.
type ErrErrorLogExists struct {
	SeriesURI string
}

func (e *ErrErrorLogExists) Error() string {
	return fmt.Sprintf("series %s is quarantined (error.log present)", e.SeriesURI)
}

// ErrOverlargeInstance: instance exceeds the per-instance size cap.
// Recorded in AppendResult.Errors; processing continues for other inputs.
type ErrOverlargeInstance struct {
	URI       string
	Size      int64
	MaxBytes  int64
}

func (e *ErrOverlargeInstance) Error() string {
	return fmt.Sprintf("instance %s (%d bytes) exceeds per-instance cap of %d bytes", e.URI, e.Size, e.MaxBytes)
}

// ErrOverlargeSeries: total would exceed the per-series size cap. The
// entire append is aborted when this is raised.
type ErrOverlargeSeries struct {
	SeriesURI string
	Total     int64
	MaxBytes  int64
}

func (e *ErrOverlargeSeries) Error() string {
	return fmt.Sprintf("series %s would reach %d bytes, exceeding cap of %d bytes", e.SeriesURI, e.Total, e.MaxBytes)
}

// ErrHintMismatch: a caller-declared hint disagreed with the truth
// learned on first real read.
type ErrHintMismatch struct {
	Field    string
	Hint     any
	Truth    any
}

func (e *ErrHintMismatch) Error() string {
	return fmt.Sprintf("hint mismatch on %s: declared %v, actual %v", e.Field, e.Hint, e.Truth)
}

// ErrNotDicom: the DICOM magic prefix was not found while packing a
// member into the tar.
type ErrNotDicom struct {
	URI string
}

func (e *ErrNotDicom) Error() string {
	return fmt.Sprintf("%s: DICOM magic (128 zero bytes + DICM) not found", e.URI)
}

// ErrTarMissingInstance: metadata references an instance not physically
// present in the tar at its advertised offsets (integrity check failure).
type ErrTarMissingInstance struct {
	InstanceID string
}

func (e *ErrTarMissingInstance) Error() string {
	return fmt.Sprintf("instance %s: metadata references a tar member that does not exist", e.InstanceID)
}

// ErrHashMismatch: tar content hash disagrees with the metadata's
// recorded hash (integrity check failure).
type ErrHashMismatch struct {
	InstanceID string
	Expected   string
	Actual     string
}

func (e *ErrHashMismatch) Error() string {
	return fmt.Sprintf("instance %s: crc32c mismatch, metadata says %s, tar bytes hash to %s", e.InstanceID, e.Expected, e.Actual)
}

// ErrCleanOpWithoutLock: a clean (lock-requiring) operation was
// attempted on a Series Object that does not hold the lock.
type ErrCleanOpWithoutLock struct {
	Op string
}

func (e *ErrCleanOpWithoutLock) Error() string {
	return fmt.Sprintf("operation %q requires the series lock, which this object does not hold", e.Op)
}

// ErrIdentityConflict: an instance's identity UIDs do not match what the
// operation expects — its (study, series) differ from the target series
// during Append, or a dupe URI's identity differs from the instance it is
// being recorded against.
type ErrIdentityConflict struct {
	InstanceID string
	Reason     string
}

func (e *ErrIdentityConflict) Error() string {
	return fmt.Sprintf("instance %s: %s", e.InstanceID, e.Reason)
}
