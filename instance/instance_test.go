package instance

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gradienthealth/codpack/index"
	"github.com/gradienthealth/codpack/store"
)

// fakeParser yields a canned ParsedHeader regardless of bytes read,
// standing in for the external DICOM parser in tests.
type fakeParser struct {
	hdr ParsedHeader
	err error
}

func (f *fakeParser) Parse(r io.Reader) (ParsedHeader, error) {
	io.Copy(io.Discard, r)
	return f.hdr, f.err
}

func dicomBytes(payload string) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, preambleLen))
	buf.WriteString(dicomMagic)
	buf.WriteString(payload)
	return buf.Bytes()
}

func TestSizeForcesPopulateWithoutHint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.dcm")
	data := dicomBytes("hello")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	parser := &fakeParser{hdr: ParsedHeader{InstanceUID: "1.2.3"}}
	h := New(path, Hints{}, store.NewMem(), parser)

	sz, err := h.Size(nil, true)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if sz != int64(len(data)) {
		t.Fatalf("got size %d, want %d", sz, len(data))
	}
}

func TestSizeTrustsHintWithoutReading(t *testing.T) {
	h := New("/does/not/exist.dcm", Hints{Size: ptrInt64(42)}, store.NewMem(), &fakeParser{})
	sz, err := h.Size(nil, true)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if sz != 42 {
		t.Fatalf("got %d, want 42 (should not have touched the file)", sz)
	}
}

func TestHintMismatchIsHardError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.dcm")
	data := dicomBytes("hello")
	os.WriteFile(path, data, 0o644)

	h := New(path, Hints{Size: ptrInt64(int64(len(data)) + 1)}, store.NewMem(), &fakeParser{})
	if _, err := h.Size(nil, false); err == nil {
		t.Fatal("expected hint mismatch error, got nil")
	}
}

func TestFindDicomMagic(t *testing.T) {
	data := dicomBytes("payload")
	off, err := findDicomMagic(data)
	if err != nil {
		t.Fatal(err)
	}
	if off != 0 {
		t.Fatalf("got offset %d, want 0", off)
	}
	if string(data[off+preambleLen:off+preambleLen+len(dicomMagic)]) != dicomMagic {
		t.Fatal("magic not where expected")
	}
}

func TestFindDicomMagicMissing(t *testing.T) {
	if _, err := findDicomMagic([]byte("not a dicom file at all, too short")); err == nil {
		t.Fatal("expected an error for a non-DICOM buffer")
	}
}

func TestAppendDupeURIRules(t *testing.T) {
	h := New("local.dcm", Hints{}, store.NewMem(), &fakeParser{})

	if _, err := h.AppendDupeURI("gs://b/o", false); err == nil {
		t.Fatal("expected identity conflict error when sameIdentity is false")
	}

	changed, err := h.AppendDupeURI("local/other.dcm", true)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("a local (non-remote) dupe URI must not be recorded")
	}

	changed, err = h.AppendDupeURI("gs://bucket/object.dcm", true)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected the first remote dupe append to change the list")
	}
	changed, err = h.AppendDupeURI("gs://bucket/object.dcm", true)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("appending an already-listed dupe URI must be a no-op")
	}
}

func TestDeleteDependenciesRejectsNestedURIs(t *testing.T) {
	h := New("local.dcm", Hints{}, store.NewMem(), &fakeParser{})
	h.Deps = []string{"a.tar://instances/1.dcm"}
	if err := h.DeleteDependencies(context.Background(), false); err == nil {
		t.Fatal("expected nested dependency URI to be rejected")
	}
}

func TestDeleteDependenciesUnconditionalWhenMultiple(t *testing.T) {
	client := store.NewMem()
	ctx := context.Background()
	client.Put(ctx, "gs://b/dep1", bytes.NewReader([]byte("x")), "", -1)
	client.Put(ctx, "gs://b/dep2", bytes.NewReader([]byte("y")), "", -1)

	h := New("local.dcm", Hints{}, client, &fakeParser{})
	h.Deps = []string{"gs://b/dep1", "gs://b/dep2"}
	if err := h.DeleteDependencies(ctx, true); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Stat(ctx, "gs://b/dep1"); err != store.ErrNotExist {
		t.Fatal("dep1 should have been deleted unconditionally")
	}
	if _, err := client.Stat(ctx, "gs://b/dep2"); err != store.ErrNotExist {
		t.Fatal("dep2 should have been deleted unconditionally")
	}
}

func TestOpenNestedInTar(t *testing.T) {
	dir := t.TempDir()
	tarPath := filepath.Join(dir, "series.tar")
	idxPath := filepath.Join(dir, "series.index")

	content := dicomBytes("body")
	writeMinimalTar(t, tarPath, "instances/1.dcm", content)

	idx, err := index.Rebuild(idxPath, tarPath)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	h := New(tarPath+"://instances/1.dcm", Hints{}, store.NewMem(), &fakeParser{})
	rc, err := h.Open(idx)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestHashedInstanceUIDAppliesHashFunc(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.dcm")
	data := dicomBytes("hello")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	parser := &fakeParser{hdr: ParsedHeader{InstanceUID: "1.2.3", SeriesUID: "1.2", StudyUID: "1"}}
	h := New(path, Hints{}, store.NewMem(), parser)
	h.HashFunc = func(uid string) string { return uid + "-deid" }

	got, err := h.HashedInstanceUID(nil, true)
	if err != nil {
		t.Fatalf("HashedInstanceUID: %v", err)
	}
	if got != "1.2.3-deid" {
		t.Fatalf("got %q, want %q", got, "1.2.3-deid")
	}

	gotSeries, err := h.HashedSeriesUID(nil, true)
	if err != nil {
		t.Fatalf("HashedSeriesUID: %v", err)
	}
	if gotSeries != "1.2-deid" {
		t.Fatalf("got %q, want %q", gotSeries, "1.2-deid")
	}

	gotStudy, err := h.HashedStudyUID(nil, true)
	if err != nil {
		t.Fatalf("HashedStudyUID: %v", err)
	}
	if gotStudy != "1-deid" {
		t.Fatalf("got %q, want %q", gotStudy, "1-deid")
	}
}

func TestHashedInstanceUIDWithoutHashFuncIsError(t *testing.T) {
	h := New("local.dcm", Hints{InstanceUID: ptrString("1.2.3")}, store.NewMem(), &fakeParser{})
	if _, err := h.HashedInstanceUID(nil, true); err == nil {
		t.Fatal("expected an error when HashFunc is unset")
	}
}

func ptrString(v string) *string { return &v }

func ptrInt64(v int64) *int64 { return &v }
