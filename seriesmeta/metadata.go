// Package seriesmeta implements the in-memory Series Metadata model and
// its gzip+JSON wire serialization (spec.md §4.C).
package seriesmeta

import (
	"fmt"

	"github.com/gradienthealth/codpack/instance"
)

// InstanceRecordVersion is the only record shape codpack writes or
// accepts; unknown fields are a hard error on load (spec.md §4.C.2,
// "explicit opt-in policy for schema drift").
const InstanceRecordVersion = "1.0"

// InstanceRecord is the on-wire shape of one entry in "cod.instances"
// (spec.md §4.C.2).
type InstanceRecord struct {
	Metadata           map[string]any `json:"metadata"`
	URI                string         `json:"uri"`
	Headers            HeaderRange    `json:"headers"`
	OffsetTables       []any          `json:"offset_tables"`
	CRC32C             string         `json:"crc32c"`
	Size               int64          `json:"size"`
	OriginalPath       string         `json:"original_path"`
	Dependencies       []string       `json:"dependencies"`
	DiffHashDupePaths  []string       `json:"diff_hash_dupe_paths"`
	Version            string         `json:"version"`
	ModifiedDatetime   string         `json:"modified_datetime"`
}

// HeaderRange is the tar byte range of an instance's packed content.
type HeaderRange struct {
	StartByte int64 `json:"start_byte"`
	EndByte   int64 `json:"end_byte"`
}

// Metadata is the in-memory model of one series: identity, an ordered
// instance-id -> Instance mapping, and free-form custom tags (spec.md
// §3, §4.C.1).
type Metadata struct {
	StudyUID   string
	SeriesUID  string
	HashedUIDs bool // true iff the UIDs above are de-identified

	order     []string // insertion order of instance ids (default iteration order)
	instances map[string]*instance.Handle
	sizes     map[string]int64 // cached truth size per key, for the size gate

	Custom map[string]any
}

// New creates an empty Series Metadata for (studyUID, seriesUID).
func New(studyUID, seriesUID string, hashedUIDs bool) *Metadata {
	return &Metadata{
		StudyUID:   studyUID,
		SeriesUID:  seriesUID,
		HashedUIDs: hashedUIDs,
		instances:  make(map[string]*instance.Handle),
		sizes:      make(map[string]int64),
		Custom:     make(map[string]any),
	}
}

// Key returns the mapping key for instanceUID, which is its argument
// unchanged; m.HashedUIDs is not consulted. De-identification
// is the caller's responsibility (an external transform per spec.md
// GLOSSARY "Hashed / de-identified UID"); callers pass the already
// de-identified id directly when m.HashedUIDs is true.
func (m *Metadata) Key(idOrDeidOrID string) string { return idOrDeidOrID }

// Put inserts or replaces inst under key, preserving first-insertion
// order (spec.md §4.C.1). size is the instance's truth size, cached for
// the per-series size gate without re-touching the file.
func (m *Metadata) Put(key string, inst *instance.Handle, size int64) {
	if _, exists := m.instances[key]; !exists {
		m.order = append(m.order, key)
	}
	m.instances[key] = inst
	m.sizes[key] = size
}

// Get returns the instance stored under key, if any.
func (m *Metadata) Get(key string) (*instance.Handle, bool) {
	inst, ok := m.instances[key]
	return inst, ok
}

// Delete removes key from both the map and the order slice (used by
// appender.Truncate's metadata-only undo).
func (m *Metadata) Delete(key string) {
	if _, ok := m.instances[key]; !ok {
		return
	}
	delete(m.instances, key)
	delete(m.sizes, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of instances currently tracked.
func (m *Metadata) Len() int { return len(m.order) }

// Keys returns instance keys in insertion order (spec.md §4.C.1,
// "Insertion order is preserved and is used as the default iteration
// order").
func (m *Metadata) Keys() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Each iterates instances in insertion order.
func (m *Metadata) Each(fn func(key string, inst *instance.Handle)) {
	for _, k := range m.order {
		fn(k, m.instances[k])
	}
}

// TotalSize sums the recorded size of every instance currently tracked
// (used by the Appender's per-series size gate, spec.md §4.E step 1).
func (m *Metadata) TotalSize() int64 {
	var total int64
	for _, sz := range m.sizes {
		total += sz
	}
	return total
}

func (m *Metadata) String() string {
	return fmt.Sprintf("series(%s/%s, %d instances)", m.StudyUID, m.SeriesUID, m.Len())
}
