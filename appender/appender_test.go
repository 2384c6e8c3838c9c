package appender

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gradienthealth/codpack/index"
	"github.com/gradienthealth/codpack/instance"
	"github.com/gradienthealth/codpack/seriesmeta"
	"github.com/gradienthealth/codpack/store"
)

const preambleLen = 128

func dicomBytes(payload string) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, preambleLen))
	buf.WriteString("DICM")
	buf.WriteString(payload)
	return buf.Bytes()
}

// parserByContent dispatches to a canned ParsedHeader keyed by the exact
// bytes a fakeParser is asked to parse, since each fixture file carries
// its own identity.
type parserByContent struct {
	byPayload map[string]instance.ParsedHeader
}

func (p parserByContent) Parse(r io.Reader) (instance.ParsedHeader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return instance.ParsedHeader{}, err
	}
	return p.byPayload[string(data)], nil
}

func noopBulk(tag, uri string, head []byte) any { return string(head) }

func newFixture(t *testing.T) (*Appender, *parserByContent, string) {
	t.Helper()
	dir := t.TempDir()
	idx, err := index.Open(filepath.Join(dir, "series.index"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	meta := seriesmeta.New("1.study", "1.series", false)
	a := &Appender{
		Meta:    meta,
		Idx:     idx,
		TarPath: filepath.Join(dir, "series.tar"),
		Limits:  Limits{MaxInstanceBytes: 1 << 20, MaxSeriesBytes: 1 << 30},
		Bulk:    noopBulk,
		TarURI:  "gs://bucket/studies/1.study/series/1.series/series",
	}
	return a, &parserByContent{byPayload: map[string]instance.ParsedHeader{}}, dir
}

func writeFixtureFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAppendPacksNewInstances(t *testing.T) {
	a, parser, dir := newFixture(t)
	client := store.NewMem()

	data := dicomBytes("alpha")
	parser.byPayload[string(data)] = instance.ParsedHeader{
		InstanceUID: "1.inst.a", SeriesUID: "1.series", StudyUID: "1.study",
		Tags: map[string]any{"PatientName": "Doe^Jane"},
	}
	path := writeFixtureFile(t, dir, "a.dcm", data)
	h := instance.New(path, instance.Hints{}, client, parser)

	res, err := a.Append(context.Background(), []*instance.Handle{h}, "1.study", "1.series", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.New) != 1 || res.New[0] != "1.inst.a" {
		t.Fatalf("expected one new instance, got %+v", res)
	}
	if !res.DirtyTar || !res.DirtyMetadata {
		t.Fatal("expected both tar and metadata to be marked dirty")
	}
	got, ok := a.Meta.Get("1.inst.a")
	if !ok {
		t.Fatal("packed instance should be present in metadata")
	}
	if got.ExtractedMetadata["PatientName"] == nil {
		t.Fatal("expected extracted header metadata to be attached to the packed instance")
	}
}

func TestAppendRejectsWrongSeries(t *testing.T) {
	a, parser, dir := newFixture(t)
	client := store.NewMem()

	data := dicomBytes("beta")
	parser.byPayload[string(data)] = instance.ParsedHeader{
		InstanceUID: "1.inst.b", SeriesUID: "9.other-series", StudyUID: "1.study",
	}
	path := writeFixtureFile(t, dir, "b.dcm", data)
	h := instance.New(path, instance.Hints{}, client, parser)

	res, err := a.Append(context.Background(), []*instance.Handle{h}, "1.study", "1.series", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.New) != 0 {
		t.Fatalf("expected no new instances, got %+v", res.New)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected one ownership error, got %+v", res.Errors)
	}
}

func TestAppendClassifiesSameAndConflict(t *testing.T) {
	a, parser, dir := newFixture(t)
	client := store.NewMem()

	dataSame := dicomBytes("gamma")
	parser.byPayload[string(dataSame)] = instance.ParsedHeader{
		InstanceUID: "1.inst.c", SeriesUID: "1.series", StudyUID: "1.study",
	}
	path1 := writeFixtureFile(t, dir, "c.dcm", dataSame)
	h1 := instance.New(path1, instance.Hints{}, client, parser)
	if _, err := a.Append(context.Background(), []*instance.Handle{h1}, "1.study", "1.series", false); err != nil {
		t.Fatal(err)
	}

	path2 := writeFixtureFile(t, dir, "c-again.dcm", dataSame)
	h2 := instance.New(path2, instance.Hints{}, client, parser)
	res, err := a.Append(context.Background(), []*instance.Handle{h2}, "1.study", "1.series", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Same) != 1 {
		t.Fatalf("expected one Same classification, got %+v", res)
	}

	dataDiff := dicomBytes("gamma-altered")
	parser.byPayload[string(dataDiff)] = instance.ParsedHeader{
		InstanceUID: "1.inst.c", SeriesUID: "1.series", StudyUID: "1.study",
	}
	path3 := writeFixtureFile(t, dir, "c-conflict.dcm", dataDiff)
	h3 := instance.New(path3, instance.Hints{}, client, parser)
	res2, err := a.Append(context.Background(), []*instance.Handle{h3}, "1.study", "1.series", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res2.Conflict) != 1 {
		t.Fatalf("expected one Conflict classification, got %+v", res2)
	}
}

func TestAppendKeysByHashedUIDAndComparesOwnershipHashed(t *testing.T) {
	a, parser, dir := newFixture(t)
	client := store.NewMem()

	data := dicomBytes("delta")
	parser.byPayload[string(data)] = instance.ParsedHeader{
		InstanceUID: "1.inst.e", SeriesUID: "1.series", StudyUID: "1.study",
	}
	path := writeFixtureFile(t, dir, "e.dcm", data)
	h := instance.New(path, instance.Hints{}, client, parser)
	h.HashFunc = func(uid string) string { return uid + "-deid" }

	res, err := a.Append(context.Background(), []*instance.Handle{h}, "1.study-deid", "1.series-deid", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.New) != 1 || res.New[0] != "1.inst.e-deid" {
		t.Fatalf("expected one new instance keyed by the hashed UID, got %+v", res)
	}
	if _, ok := a.Meta.Get("1.inst.e-deid"); !ok {
		t.Fatal("packed instance should be present in metadata under its hashed key")
	}
	if _, ok := a.Meta.Get("1.inst.e"); ok {
		t.Fatal("the raw (non-hashed) key must not be used when hashedUIDs is set")
	}
}

func TestAppendRejectsWrongSeriesHashed(t *testing.T) {
	a, parser, dir := newFixture(t)
	client := store.NewMem()

	data := dicomBytes("epsilon")
	parser.byPayload[string(data)] = instance.ParsedHeader{
		InstanceUID: "1.inst.f", SeriesUID: "9.other-series", StudyUID: "1.study",
	}
	path := writeFixtureFile(t, dir, "f.dcm", data)
	h := instance.New(path, instance.Hints{}, client, parser)
	h.HashFunc = func(uid string) string { return uid + "-deid" }

	res, err := a.Append(context.Background(), []*instance.Handle{h}, "1.study-deid", "1.series-deid", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.New) != 0 {
		t.Fatalf("expected no new instances, got %+v", res.New)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected one ownership error, got %+v", res.Errors)
	}
}

func TestAppendRejectsOverlargeInstance(t *testing.T) {
	a, parser, dir := newFixture(t)
	a.Limits.MaxInstanceBytes = 10
	client := store.NewMem()

	data := dicomBytes("this-payload-is-too-long-to-fit-the-cap")
	parser.byPayload[string(data)] = instance.ParsedHeader{
		InstanceUID: "1.inst.d", SeriesUID: "1.series", StudyUID: "1.study",
	}
	path := writeFixtureFile(t, dir, "d.dcm", data)
	h := instance.New(path, instance.Hints{}, client, parser)

	res, err := a.Append(context.Background(), []*instance.Handle{h}, "1.study", "1.series", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected an overlarge-instance error, got %+v", res.Errors)
	}
	if len(res.New) != 0 {
		t.Fatal("an overlarge instance must not be packed")
	}
}
