// Package instance implements the Instance Handle and its Hints
// (spec.md §4.A, §4.B): a lazy, cached view over one file that fetches,
// hashes, and extracts identity from it on first real access, much like
// a lazily-populated local-object-metadata cache for a stored object.
package instance

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gradienthealth/codpack/cmn"
	"github.com/gradienthealth/codpack/cmn/cos"
	"github.com/gradienthealth/codpack/cmn/debug"
	"github.com/gradienthealth/codpack/index"
	"github.com/gradienthealth/codpack/store"
)

// dicomMagic and preambleLen describe the 128 zero bytes followed by "DICM" every DICOM
// stream begins its content with (spec.md §4.A, §6).
const dicomMagic = "DICM"
const preambleLen = 128

// state tracks the Unloaded -> Loaded transition spec.md §9 calls for
// ("Lazy cached getters -> explicit populate-on-first-read").
type state int

const (
	unloaded state = iota
	loaded
)

// ByteRange is an [start, stop) offset pair inside an enclosing tar.
type ByteRange struct {
	Start int64
	Stop  int64
}

// Handle is one Instance: a pointer to an external file plus whatever
// hints the caller declared, gaining truths on first real access and
// byte-offsets once packed into a series tar (spec.md §3).
type Handle struct {
	URI   string
	Hints Hints

	Deps       []string // dependency URIs consumed to produce this instance
	DupeURIs   []string // diff-hash-dupe URIs recorded against this identity
	Range      ByteRange
	ModifiedAt string // ISO-8601

	// ExtractedMetadata holds the header tags produced by the last
	// ExtractMetadata call, cached for immediate reuse by seriesmeta's
	// wire serialization (spec.md §4.C.2 "instance-v1-record.metadata").
	ExtractedMetadata map[string]any

	st     state
	truths Truths
	hasPixel bool

	// HashFunc, when set, de-identifies a UID for the Hashed*UID getters
	// below (spec.md §3 "hashed_uids"). Left nil for instances belonging
	// to a series that does not de-identify; calling a Hashed*UID getter
	// without one set is an error, mirroring the original's ValueError
	// when uid_hash_func is unset.
	HashFunc func(string) string

	client store.Client
	parser HeaderParser
}

// New creates an Instance Handle pointing at uri, not yet opened.
func New(uri string, hints Hints, client store.Client, parser HeaderParser) *Handle {
	return &Handle{URI: uri, Hints: hints, client: client, parser: parser}
}

// Resurrect rebuilds a Handle from a previously-serialized metadata
// record (spec.md §3: "resurrected from metadata on subsequent reads").
func Resurrect(uri string, t Truths, hasPixel bool, rng ByteRange, deps, dupes []string, modifiedAt string, client store.Client, parser HeaderParser) *Handle {
	return &Handle{
		URI: uri, st: loaded, truths: t, hasPixel: hasPixel,
		Range: rng, Deps: deps, DupeURIs: dupes, ModifiedAt: modifiedAt,
		client: client, parser: parser,
	}
}

// IsRemote reports whether the handle's current URI is a remote blob
// (as opposed to a local path or a path already rewritten to local
// after fetching).
func (h *Handle) IsRemote() bool {
	return store.IsRemote(h.URI) && !strings.Contains(h.URI, ".tar://")
}

// isNestedInTar reports whether URI has the `<tar>://instances/<id>.dcm`
// shape (spec.md §3).
func isNestedInTar(uri string) (tarPath, internal string, ok bool) {
	i := strings.Index(uri, ".tar://")
	if i < 0 {
		return "", "", false
	}
	return uri[:i+4], uri[i+len(".tar://"):], true
}

// Fetch ensures the instance's bytes are reachable on local disk,
// rewriting URI in place (spec.md §4.A: "if the URI is remote ... stream
// it to a unique temp file and rewrite the URI to the local path.
// Idempotent."). Nested-in-tar URIs are left untouched; Open handles
// those directly via the random-access index.
func (h *Handle) Fetch(ctx context.Context, tmpDir string) error {
	if !h.IsRemote() {
		return nil
	}
	if _, _, ok := isNestedInTar(h.URI); ok {
		return nil
	}
	dst, err := cos.UniqueTempPath(tmpDir, h.URI)
	if err != nil {
		return err
	}
	rc, _, err := h.client.Get(ctx, h.URI)
	if err != nil {
		return fmt.Errorf("instance: fetch %s: %w", h.URI, err)
	}
	defer rc.Close()
	if _, err := cos.CopyToFile(dst, rc); err != nil {
		return fmt.Errorf("instance: fetch %s: %w", h.URI, err)
	}
	h.URI = dst
	return nil
}

// Open returns a ReadCloser over the instance's raw bytes. A URI nested
// inside another tar is served via the index's byte range (spec.md
// §4.A "Open-nested-in-tar"); everything else is a local file by the
// time Open is called (Fetch must run first for remote URIs).
func (h *Handle) Open(idx *index.Index) (io.ReadCloser, error) {
	if tarPath, internal, ok := isNestedInTar(h.URI); ok {
		rng, err := idx.Lookup(internal)
		if err != nil {
			return nil, fmt.Errorf("instance: %s: %w", h.URI, err)
		}
		f, err := os.Open(tarPath)
		if err != nil {
			return nil, err
		}
		return newBoundedReader(f, rng.Start, rng.Stop), nil
	}
	return os.Open(h.URI)
}

// boundedReader enforces [start, stop) bounds atop an already-open file
// (spec.md §4.A "return a virtual pointer that enforces [start, stop)
// bounds atop the opened tar file").
type boundedReader struct {
	f          *os.File
	pos, stop  int64
}

func newBoundedReader(f *os.File, start, stop int64) *boundedReader {
	f.Seek(start, io.SeekStart)
	return &boundedReader{f: f, pos: start, stop: stop}
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.pos >= b.stop {
		return 0, io.EOF
	}
	if remain := b.stop - b.pos; int64(len(p)) > remain {
		p = p[:remain]
	}
	n, err := b.f.Read(p)
	b.pos += int64(n)
	return n, err
}

func (b *boundedReader) Close() error { return b.f.Close() }

// populate reads the file once, learning truths and validating hints
// (spec.md §4.B: "on the first real access the file is read and every
// set hint is compared against the truth").
func (h *Handle) populate(idx *index.Index) error {
	if h.st == loaded {
		return nil
	}
	rc, err := h.Open(idx)
	if err != nil {
		return err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return err
	}
	data := buf.Bytes()

	crc := cos.CRC32CBytes(data)
	parsed, err := h.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("instance: parse %s: %w", h.URI, err)
	}

	t := Truths{
		Size:        int64(len(data)),
		CRC32C:      crc,
		InstanceUID: parsed.InstanceUID,
		SeriesUID:   parsed.SeriesUID,
		StudyUID:    parsed.StudyUID,
	}
	if err := h.Hints.Validate(t); err != nil {
		return err
	}
	h.truths = t
	h.hasPixel = parsed.HasPixelPayload
	h.st = loaded
	return nil
}

// Size (like the other trust-aware getters below) returns the hint value
// if trustHints is set and the hint is present, else forces a real
// populate and returns the truth.
func (h *Handle) Size(idx *index.Index, trustHints bool) (int64, error) {
	if trustHints && h.Hints.Size != nil {
		return *h.Hints.Size, nil
	}
	if err := h.populate(idx); err != nil {
		return 0, err
	}
	return h.truths.Size, nil
}

func (h *Handle) CRC32C(idx *index.Index, trustHints bool) (string, error) {
	if trustHints && h.Hints.CRC32C != nil {
		return *h.Hints.CRC32C, nil
	}
	if err := h.populate(idx); err != nil {
		return "", err
	}
	return h.truths.CRC32C, nil
}

func (h *Handle) InstanceUID(idx *index.Index, trustHints bool) (string, error) {
	if trustHints && h.Hints.InstanceUID != nil {
		return *h.Hints.InstanceUID, nil
	}
	if err := h.populate(idx); err != nil {
		return "", err
	}
	return h.truths.InstanceUID, nil
}

func (h *Handle) SeriesUID(idx *index.Index, trustHints bool) (string, error) {
	if trustHints && h.Hints.SeriesUID != nil {
		return *h.Hints.SeriesUID, nil
	}
	if err := h.populate(idx); err != nil {
		return "", err
	}
	return h.truths.SeriesUID, nil
}

func (h *Handle) StudyUID(idx *index.Index, trustHints bool) (string, error) {
	if trustHints && h.Hints.StudyUID != nil {
		return *h.Hints.StudyUID, nil
	}
	if err := h.populate(idx); err != nil {
		return "", err
	}
	return h.truths.StudyUID, nil
}

// HashedInstanceUID applies HashFunc to the raw instance UID (spec.md
// §4.C.1: "keys into the instances mapping are the de-identified UIDs
// when hashed_uids is true").
func (h *Handle) HashedInstanceUID(idx *index.Index, trustHints bool) (string, error) {
	if h.HashFunc == nil {
		return "", fmt.Errorf("instance: hashed_instance_uid: no HashFunc set on %s", h.URI)
	}
	uid, err := h.InstanceUID(idx, trustHints)
	if err != nil {
		return "", err
	}
	return h.HashFunc(uid), nil
}

// HashedSeriesUID applies HashFunc to the raw series UID.
func (h *Handle) HashedSeriesUID(idx *index.Index, trustHints bool) (string, error) {
	if h.HashFunc == nil {
		return "", fmt.Errorf("instance: hashed_series_uid: no HashFunc set on %s", h.URI)
	}
	uid, err := h.SeriesUID(idx, trustHints)
	if err != nil {
		return "", err
	}
	return h.HashFunc(uid), nil
}

// HashedStudyUID applies HashFunc to the raw study UID.
func (h *Handle) HashedStudyUID(idx *index.Index, trustHints bool) (string, error) {
	if h.HashFunc == nil {
		return "", fmt.Errorf("instance: hashed_study_uid: no HashFunc set on %s", h.URI)
	}
	uid, err := h.StudyUID(idx, trustHints)
	if err != nil {
		return "", err
	}
	return h.HashFunc(uid), nil
}

// HasPixelPayload forces a populate (it has no hint) and returns the
// parsed truth.
func (h *Handle) HasPixelPayload(idx *index.Index) (bool, error) {
	if err := h.populate(idx); err != nil {
		return false, err
	}
	return h.hasPixel, nil
}

// LoadedTruths exposes the already-learned facts (call populate first via any
// of the trust-aware getters above).
func (h *Handle) LoadedTruths() Truths { return h.truths }

// ExtractMetadata parses the instance's header tags, substituting each
// out-of-band bulk element via bulk (spec.md §4.E step 7, §4.A
// "extract_metadata"). outputURI is recorded alongside bulk placeholders
// so a reader can fetch the original bytes later.
func (h *Handle) ExtractMetadata(idx *index.Index, outputURI string, bulk BulkHandler) (map[string]any, error) {
	rc, err := h.Open(idx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, err
	}
	parsed, err := h.parser.Parse(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(parsed.Tags))
	for tag, v := range parsed.Tags {
		if raw, ok := v.([]byte); ok {
			head := raw
			if len(head) > 512 {
				head = head[:512]
			}
			out[tag] = bulk(tag, outputURI, head)
			continue
		}
		out[tag] = v
	}
	return out, nil
}

// AppendToTar writes the instance as tar member /instances/<id>.dcm,
// where <id> is the (possibly de-identified) instance UID, and
// validates that the member's content actually carries the DICOM magic
// prefix (spec.md §4.A "Append-to-tar"). It does not record h.Range:
// archive/tar does not expose a writer's absolute byte position, and
// long member names push the real header past a single 512-byte block
// (GNU/PAX long-name extensions), so hand-deriving the member's offset
// from a running counter is unreliable. The caller derives Range from
// the rebuilt index instead, which computes it by actually scanning
// the tar (see index.Rebuild and appender.packNew).
func (h *Handle) AppendToTar(idx *index.Index, tw *tar.Writer, id string) error {
	rc, err := h.Open(idx)
	if err != nil {
		return err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return err
	}
	data := buf.Bytes()

	name := "/instances/" + id + ".dcm"
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}

	if _, err := findDicomMagic(data); err != nil {
		return &cmn.ErrNotDicom{URI: h.URI}
	}
	return nil
}

// findDicomMagic returns the byte offset of the DICOM content start:
// 128 zero bytes followed by "DICM" (spec.md §4.A, §6).
func findDicomMagic(data []byte) (int, error) {
	if len(data) < preambleLen+len(dicomMagic) {
		return 0, fmt.Errorf("instance: too short to contain DICOM magic")
	}
	for i := 0; i+preambleLen+len(dicomMagic) <= len(data); i++ {
		if allZero(data[i:i+preambleLen]) && string(data[i+preambleLen:i+preambleLen+len(dicomMagic)]) == dicomMagic {
			return i, nil
		}
	}
	return 0, fmt.Errorf("instance: DICOM magic not found")
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// AppendDupeURI records uri as a diff-hash-dupe of this instance,
// provided the three conditions in spec.md §4.A hold: identity UIDs
// match, the dupe is remote, and it is not already present. Returns
// whether the list actually changed.
func (h *Handle) AppendDupeURI(uri string, sameIdentity bool) (bool, error) {
	if !sameIdentity {
		return false, &cmn.ErrIdentityConflict{InstanceID: h.URI, Reason: "dupe identity UIDs do not match"}
	}
	if !store.IsRemote(uri) {
		return false, nil
	}
	for _, existing := range h.DupeURIs {
		if existing == uri {
			return false, nil
		}
	}
	h.DupeURIs = append(h.DupeURIs, uri)
	return true, nil
}

// DeleteDependencies removes the files at h.Deps (spec.md §6 "Dependency
// deletion contract"): with exactly one dependency and hash validation
// enabled, the dependency is fetched and hashed before deletion and only
// removed on a match; otherwise it is removed unconditionally. Nested
// dependency URIs (containing ".tar://" or ".zip://") are rejected.
func (h *Handle) DeleteDependencies(ctx context.Context, validateHash bool) error {
	for _, dep := range h.Deps {
		if strings.Contains(dep, ".tar://") || strings.Contains(dep, ".zip://") {
			return fmt.Errorf("instance: refusing to delete nested dependency %s", dep)
		}
	}
	debug.Assert(len(h.Deps) != 1 || h.truths.CRC32C != "", "single-dependency hash check requires loaded truths")
	if len(h.Deps) == 1 && validateHash {
		dep := h.Deps[0]
		rc, _, err := h.client.Get(ctx, dep)
		if err != nil {
			return err
		}
		crc, err := cos.CRC32C(rc)
		rc.Close()
		if err != nil {
			return err
		}
		if crc != h.truths.CRC32C {
			return nil // hash mismatch: do not delete
		}
		return h.client.Delete(ctx, dep)
	}
	for _, dep := range h.Deps {
		if err := h.client.Delete(ctx, dep); err != nil {
			return err
		}
	}
	return nil
}
