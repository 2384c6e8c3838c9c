package seriesmeta

import (
	"bytes"
	"compress/gzip"
	"testing"
)

func gzipString(t *testing.T, dst *bytes.Buffer, s string) {
	t.Helper()
	gz := gzip.NewWriter(dst)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}
