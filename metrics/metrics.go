// Package metrics exposes the process-wide monotonic counters of
// spec.md §5 ("Metrics counters are the only process-wide mutable
// state; they are monotonic and tolerate concurrent increments"),
// wired through prometheus/client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	InstancesAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codpack",
		Name:      "instances_appended_total",
		Help:      "Instances processed by Append, by classification (only new ones are packed).",
	}, []string{"classification"}) // new, same, conflict

	AppendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "codpack",
		Name:      "append_errors_total",
		Help:      "Per-instance errors recorded during Append (size, ownership, packing).",
	})

	LockAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codpack",
		Name:      "lock_acquisitions_total",
		Help:      "Locker.Acquire outcomes.",
	}, []string{"outcome"}) // held, stolen, error

	SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "codpack",
		Name:      "sync_duration_seconds",
		Help:      "Wall-clock time spent in Series Object Sync.",
		Buckets:   prometheus.DefBuckets,
	})

	BytesUploaded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codpack",
		Name:      "bytes_uploaded_total",
		Help:      "Bytes uploaded to the object store, by blob kind.",
	}, []string{"blob"}) // tar, index, metadata
)

func init() {
	prometheus.MustRegister(InstancesAppended, AppendErrors, LockAcquisitions, SyncDuration, BytesUploaded)
}
