package instance

import "io"

// HeaderParser is the file-format adapter contract (spec.md §6): given a
// byte stream, it yields the three identity UIDs, whether the instance
// carries a pixel payload, and a free-form map of header tags. The
// actual DICOM parser is an external collaborator (spec.md §1 "the
// parser for the domain file format (treated as a black box...)");
// production wiring plugs in a real implementation, tests use a fake.
type HeaderParser interface {
	Parse(r io.Reader) (ParsedHeader, error)
}

// BulkHandler substitutes an out-of-band bulk element (e.g. pixel data)
// encountered while parsing metadata with a compact placeholder, per
// spec.md §4.E step 7 ("substitutes each out-of-band bulk element with
// {uri, head: first-512-bytes-as-utf8}").
type BulkHandler func(tag string, uri string, head []byte) any

// ParsedHeader is what a HeaderParser yields.
type ParsedHeader struct {
	InstanceUID     string
	SeriesUID       string
	StudyUID        string
	HasPixelPayload bool
	Tags            map[string]any
}
