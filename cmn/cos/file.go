package cos

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/teris-io/shortid"
)

// UniqueTempPath returns a fresh path under dir for a fetched instance,
// named after its original basename plus a short random suffix so
// concurrent fetches of different remote instances never collide
// (spec.md §4.A Fetch: "stream it to a unique temp file").
func UniqueTempPath(dir, base string) (string, error) {
	sid, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("cos: generate temp name: %w", err)
	}
	name := fmt.Sprintf("%s.%s", sid, filepath.Base(base))
	return filepath.Join(dir, name), nil
}

// EnsureDir creates dir (and parents) if it does not already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// FileSize stats path and returns its size in bytes.
func FileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// CopyToFile streams r into a newly created file at path, returning the
// number of bytes written.
func CopyToFile(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.Copy(f, r)
	if err != nil {
		return n, err
	}
	return n, f.Sync()
}

// RemoveQuiet removes path, ignoring any error (best-effort cleanup
// paths don't need to report it).
func RemoveQuiet(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
