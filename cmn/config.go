package cmn

import "time"

// LockName is the fixed lock-blob filename chosen at deployment time
// (spec.md §4.D, §9 "the lock blob's filename is configurable at
// deployment; different deployments have used .cod.lock vs
// .gradient.lock. Choose one per deployment and freeze.").
//
// This deployment freezes it to ".cod.lock".
const LockName = ".cod.lock"

// ErrorLogName is the quarantine marker blob name (spec.md §4.F.1, §6).
const ErrorLogName = "error.log"

// MetadataBlobName and friends are the on-store layout (spec.md §6).
const (
	MetadataBlobName = "metadata.json"
	IndexBlobName    = "index.sqlite"
)


// Config carries the handful of knobs the Series Packer needs. Built
// with Defaults() and then overridden by the embedding application.
type Config struct {
	// MaxInstanceBytes is the per-instance size cap (spec.md §4.E step 1).
	MaxInstanceBytes int64
	// MaxSeriesBytes is the per-series size cap (spec.md §4.E step 1).
	MaxSeriesBytes int64
	// LockName overrides the deployment-frozen lock blob filename.
	LockName string
	// StorageClass is applied to the tar blob on sync (spec.md §4.F.3).
	StorageClass string
	// LockVerifyTimeout bounds the cheap GET used to verify a held lock.
	LockVerifyTimeout time.Duration
	// ValidateDependencyHash enables the hash check in dependency
	// deletion (spec.md §6, "dependency deletion contract").
	ValidateDependencyHash bool
}

// GBytes converts a size expressed in gigabytes (as spec.md's example
// scenarios do: "max_instance_size=0.0001 GB") to bytes.
func GBytes(gb float64) int64 {
	return int64(gb * 1e9)
}

// Defaults returns a Config with conservative, spec-consistent defaults.
func Defaults() Config {
	return Config{
		MaxInstanceBytes:       GBytes(2),
		MaxSeriesBytes:         GBytes(20),
		LockName:               LockName,
		StorageClass:           "STANDARD",
		LockVerifyTimeout:      5 * time.Second,
		ValidateDependencyHash: true,
	}
}
