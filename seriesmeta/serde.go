package seriesmeta

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/gradienthealth/codpack/instance"
	"github.com/gradienthealth/codpack/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const codKey = "cod"
const instancesKey = "instances"

// wireDoc is the top-level on-wire shape (spec.md §4.C.2).
type wireDoc map[string]any

// studyKey and seriesKey pick "study_uid"/"deid_study_uid" (and the
// series equivalent) depending on hashedUIDs.
func studyKey(hashed bool) string {
	if hashed {
		return "deid_study_uid"
	}
	return "study_uid"
}

func seriesKey(hashed bool) string {
	if hashed {
		return "deid_series_uid"
	}
	return "series_uid"
}

// EncodeTo gzip-compresses m's JSON encoding directly onto w, never
// buffering the full JSON document in addition to its gzip form
// (spec.md §9 "Gzip + JSON + blob upload -> streaming encode... encode
// to the gzip stream directly").
func (m *Metadata) EncodeTo(w io.Writer) error {
	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	doc := m.toWireDoc()
	if err := enc.Encode(doc); err != nil {
		gz.Close()
		return fmt.Errorf("seriesmeta: encode: %w", err)
	}
	return gz.Close()
}

func (m *Metadata) toWireDoc() wireDoc {
	doc := wireDoc{}
	doc[studyKey(m.HashedUIDs)] = m.StudyUID
	doc[seriesKey(m.HashedUIDs)] = m.SeriesUID
	instances := make(map[string]InstanceRecord, m.Len())
	m.Each(func(key string, inst *instance.Handle) {
		t := inst.LoadedTruths()
		instances[key] = InstanceRecord{
			Metadata:          inst.ExtractedMetadata,
			URI:               inst.URI,
			Headers:           HeaderRange{StartByte: inst.Range.Start, EndByte: inst.Range.Stop},
			OffsetTables:      []any{},
			CRC32C:            t.CRC32C,
			Size:              t.Size,
			OriginalPath:      inst.URI,
			Dependencies:      inst.Deps,
			DiffHashDupePaths: inst.DupeURIs,
			Version:           InstanceRecordVersion,
			ModifiedDatetime:  inst.ModifiedAt,
		}
	})
	doc[codKey] = map[string]any{instancesKey: instances}
	for k, v := range m.Custom {
		doc[k] = v
	}
	return doc
}

// Decode reads a gzip+JSON Series Metadata document from r, rehydrating
// Instance Handles bound against client/parser for subsequent reads
// (spec.md §4.C.2, §3 "resurrected from metadata on subsequent reads").
// Missing required fields are a hard error; unknown fields in an
// instance record are rejected (explicit opt-in schema policy).
func Decode(r io.Reader, client store.Client, parser instance.HeaderParser) (*Metadata, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("seriesmeta: gzip: %w", err)
	}
	defer gz.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, gz); err != nil {
		return nil, fmt.Errorf("seriesmeta: read: %w", err)
	}

	var doc wireDoc
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		return nil, fmt.Errorf("seriesmeta: unmarshal: %w", err)
	}

	hashed := false
	studyUID, ok := doc["deid_study_uid"].(string)
	if ok {
		hashed = true
	} else {
		studyUID, ok = doc["study_uid"].(string)
		if !ok {
			return nil, fmt.Errorf("seriesmeta: missing study_uid/deid_study_uid")
		}
	}
	var seriesUID string
	if hashed {
		seriesUID, ok = doc["deid_series_uid"].(string)
	} else {
		seriesUID, ok = doc["series_uid"].(string)
	}
	if !ok {
		return nil, fmt.Errorf("seriesmeta: missing series_uid/deid_series_uid")
	}

	m := New(studyUID, seriesUID, hashed)

	codRaw, ok := doc[codKey]
	if !ok {
		return nil, fmt.Errorf("seriesmeta: missing %q block", codKey)
	}
	codBytes, err := json.Marshal(codRaw)
	if err != nil {
		return nil, err
	}
	var cod struct {
		Instances map[string]json.RawMessage `json:"instances"`
	}
	if err := json.Unmarshal(codBytes, &cod); err != nil {
		return nil, fmt.Errorf("seriesmeta: decode cod.instances: %w", err)
	}

	for key, raw := range cod.Instances {
		rec, err := decodeInstanceRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("seriesmeta: instance %s: %w", key, err)
		}
		truths := instance.Truths{Size: rec.Size, CRC32C: rec.CRC32C}
		rng := instance.ByteRange{Start: rec.Headers.StartByte, Stop: rec.Headers.EndByte}
		inst := instance.Resurrect(rec.URI, truths, false, rng, rec.Dependencies, rec.DiffHashDupePaths, rec.ModifiedDatetime, client, parser)
		inst.ExtractedMetadata = rec.Metadata
		m.Put(key, inst, rec.Size)
	}

	known := map[string]bool{
		studyKey(hashed): true, seriesKey(hashed): true, codKey: true,
	}
	for k, v := range doc {
		if known[k] {
			continue
		}
		m.Custom[k] = v
	}
	return m, nil
}

// decodeInstanceRecord enforces the "missing fields are a hard error,
// unknown fields are rejected" policy from spec.md §4.C.2.
func decodeInstanceRecord(raw json.RawMessage) (InstanceRecord, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return InstanceRecord{}, err
	}
	required := []string{"uri", "headers", "crc32c", "size", "dependencies",
		"diff_hash_dupe_paths", "version", "modified_datetime"}
	for _, f := range required {
		if _, ok := generic[f]; !ok {
			return InstanceRecord{}, fmt.Errorf("missing required field %q", f)
		}
	}
	allowed := map[string]bool{
		"metadata": true, "uri": true, "headers": true, "offset_tables": true,
		"crc32c": true, "size": true, "original_path": true, "dependencies": true,
		"diff_hash_dupe_paths": true, "version": true, "modified_datetime": true,
	}
	for f := range generic {
		if !allowed[f] {
			return InstanceRecord{}, fmt.Errorf("unknown field %q", f)
		}
	}
	var rec InstanceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return InstanceRecord{}, err
	}
	if rec.Version != InstanceRecordVersion {
		return InstanceRecord{}, fmt.Errorf("unsupported instance record version %q", rec.Version)
	}
	return rec, nil
}
