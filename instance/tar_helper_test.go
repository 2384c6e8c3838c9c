package instance

import (
	"archive/tar"
	"os"
	"testing"
)

// writeMinimalTar writes a single-member tar file for tests exercising
// the index's byte-range scan and the nested-in-tar open path.
func writeMinimalTar(t *testing.T, path, memberName string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	tw := tar.NewWriter(f)
	hdr := &tar.Header{Name: memberName, Mode: 0o644, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
}
