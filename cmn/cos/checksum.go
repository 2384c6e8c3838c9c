// Package cos ("common os") bundles small IO and checksum helpers used
// across codpack.
package cos

import (
	"encoding/base64"
	"hash/crc32"
	"io"
)

// castagnoliTable is the CRC32C polynomial the wire format requires
// (spec.md §3: "its content identity is the CRC32C"). This is one of
// the rare spots the standard library is used by design rather than a
// third-party package: crc32.MakeTable(crc32.Castagnoli) is the exact,
// bit-identical algorithm the on-disk/on-wire format specifies, so
// reaching for an external CRC32C implementation would only risk a
// mismatched polynomial for zero benefit.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the base64-encoded (RFC 4648 standard) CRC32C checksum
// of r's content. This is the same encoding GCS object metadata uses for
// its crc32c field, which the original Python implementation compares
// against directly.
func CRC32C(r io.Reader) (string, error) {
	h := crc32.New(castagnoliTable)
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// CRC32CBytes is the []byte convenience form of CRC32C.
func CRC32CBytes(b []byte) string {
	h := crc32.New(castagnoliTable)
	h.Write(b)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
