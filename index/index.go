// Package index implements the random-access tar index (spec.md
// §4.C.3): a side artifact, built by scanning the tar's headers, that
// maps an internal member path to its byte range without needing to
// re-scan the tar on every random read. Backed by buntdb, an embedded,
// file-persisted key-value store — a lightweight local index rather
// than a full SQL engine for a purely local lookup structure.
package index

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/OneOfOne/xxhash"
	"github.com/tidwall/buntdb"
)

// Range is a [start, stop) byte range inside the enclosing tar.
type Range struct {
	Start int64
	Stop  int64
}

// Index wraps an open buntdb database at a fixed path alongside the tar.
type Index struct {
	db   *buntdb.DB
	path string
}

// Open opens (creating if absent) the index file at path. Per spec.md
// §4.C.3, "before it is used for random access, it must exist on disk" —
// callers are expected to call Rebuild at least once before Open is
// meaningful for lookups.
func Open(path string) (*Index, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	return &Index{db: db, path: path}, nil
}

// Path returns the on-disk path this Index was opened against.
func (idx *Index) Path() string { return idx.path }

func (idx *Index) Close() error {
	if idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// key fingerprints an internal tar path into a fixed-width buntdb key
// via a fast non-cryptographic hash, so very long instance URIs do not
// bloat the index's key space.
func key(internalPath string) string {
	h := xxhash.New64()
	h.WriteString(internalPath)
	return strconv.FormatUint(h.Sum64(), 16)
}

func encode(r Range) string {
	return strconv.FormatInt(r.Start, 10) + "," + strconv.FormatInt(r.Stop, 10)
}

func decode(s string) (Range, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return Range{}, fmt.Errorf("index: malformed record %q", s)
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Range{}, err
	}
	stop, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Range{}, err
	}
	return Range{Start: start, Stop: stop}, nil
}

// Put records the byte range for an internal path.
func (idx *Index) Put(internalPath string, r Range) error {
	return idx.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key(internalPath), encode(r), nil)
		return err
	})
}

// Lookup returns the byte range recorded for internalPath.
func (idx *Index) Lookup(internalPath string) (Range, error) {
	var rng Range
	err := idx.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key(internalPath))
		if err != nil {
			return fmt.Errorf("index: %s: %w", internalPath, err)
		}
		rng, err = decode(v)
		return err
	})
	return rng, err
}

// Rebuild wipes the index and re-derives it from tarPath by scanning
// every member's header, recording each /instances/<id>.dcm member's
// content byte range (the content-start offset is whatever the member's
// metadata already advertised when it was packed — the scan here only
// needs the member's own [start, stop) span, computed from tar header
// offsets) (spec.md §4.C.3, §4.E step 7: "rebuild the random-access index
// by scanning the tar").
func Rebuild(indexPath, tarPath string) (*Index, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	os.Remove(indexPath)
	idx, err := Open(indexPath)
	if err != nil {
		return nil, err
	}

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			idx.Close()
			return nil, fmt.Errorf("index: scan %s: %w", tarPath, err)
		}
		// tar.Reader does not expose the header's own byte length, but
		// the content immediately follows the header block(s) at the
		// reader's current position; recompute via Seek on the
		// underlying file handle position instead of tracking blocks
		// by hand.
		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			idx.Close()
			return nil, err
		}
		contentStart := pos
		contentStop := contentStart + hdr.Size
		name := strings.TrimPrefix(hdr.Name, "/")
		if strings.HasPrefix(name, "instances/") {
			if err := idx.Put(name, Range{Start: contentStart, Stop: contentStop}); err != nil {
				idx.Close()
				return nil, err
			}
		}
	}
	return idx, nil
}
