// Package store abstracts the object-store backend the Series Packer
// runs against (spec.md §6 "Object store contract"). Concrete drivers
// live alongside this file: gcs.go, s3.go, azure.go, hdfs.go. Tests use
// the in-process driver in mem.go.
package store

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotExist is returned by Get/Stat when the blob does not exist.
var ErrNotExist = errors.New("store: blob does not exist")

// ErrGenerationMismatch is returned by Client.Put (and PutIfAbsent) when
// the blob already exists under ifGenerationMatch == 0, and, on backends
// that check it, when the blob's current generation does not match a
// positive ifGenerationMatch.
var ErrGenerationMismatch = errors.New("store: generation precondition failed")

// Attrs describes a stored blob's metadata as returned by Stat/Get.
type Attrs struct {
	Generation      int64
	Size            int64
	ContentEncoding string
	StorageClass    string
}

// Client is the contract every backend driver implements. It is
// intentionally narrow: the Series Packer only ever needs existence
// checks, whole-blob GET/PUT with an optional generation precondition,
// DELETE, and prefix listing (spec.md §6).
type Client interface {
	// Stat returns the blob's current Attrs, or ErrNotExist.
	Stat(ctx context.Context, uri string) (Attrs, error)

	// Get streams the blob's full content along with its Attrs.
	Get(ctx context.Context, uri string) (io.ReadCloser, Attrs, error)

	// Put uploads the full content of r, optionally gated by a
	// generation precondition:
	//   ifGenerationMatch == 0  -> create-if-absent (fails if it exists)
	//   ifGenerationMatch  < 0  -> unconditional overwrite
	//   ifGenerationMatch  > 0  -> must currently be at that generation
	// The > 0 check is enforced by the mem and GCS drivers only; the S3,
	// Azure and HDFS drivers treat any ifGenerationMatch other than 0 as
	// an unconditional overwrite.
	// Returns the new Attrs (including the assigned generation) on success.
	Put(ctx context.Context, uri string, r io.Reader, contentEncoding string, ifGenerationMatch int64) (Attrs, error)

	// Delete removes the blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, uri string) error

	// List returns the URIs of blobs under prefix. The mem, GCS, S3 and
	// Azure drivers return every key starting with prefix, nested keys
	// included; the HDFS driver returns only the direct entries of the
	// prefix directory.
	List(ctx context.Context, prefix string) ([]string, error)

	// SetStorageClass applies a tiered-retention class to an existing
	// blob (spec.md §4.F.3 "apply the requested storage-class").
	SetStorageClass(ctx context.Context, uri string, class string) error
}

// Scheme returns the URI scheme codpack recognizes for remote blobs
// (spec.md §6: "distinguishing local vs remote via the prefix set
// {http, https, s3://, gs://}"), extended here with az:// and hdfs://
// for the Azure and HDFS drivers. Local paths have no matching scheme.
func Scheme(uri string) string {
	for _, s := range []string{"https://", "http://", "s3://", "gs://", "az://", "hdfs://"} {
		if strings.HasPrefix(uri, s) {
			return strings.TrimSuffix(s, "://")
		}
	}
	return ""
}

// IsRemote reports whether uri points at an object store / HTTP
// endpoint rather than the local filesystem.
func IsRemote(uri string) bool {
	return Scheme(uri) != ""
}

// PutIfAbsent is sugar for a create-if-absent Put (ifGenerationMatch 0,
// the precondition spec.md §4.D uses for lock creation); the Locker
// itself calls Client.Put with 0 directly.
func PutIfAbsent(ctx context.Context, c Client, uri string, r io.Reader) (Attrs, error) {
	return c.Put(ctx, uri, r, "", 0)
}
