package store

import (
	"context"
	"io"
	"net/url"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// gcsClient backs Client with Google Cloud Storage. This is the
// backend the Locker's state machine (spec.md §4.D) was modeled on:
// GCS blobs carry a native, monotonic Generation number and support
// conditional writes via Conditions{DoesNotExist: true} /
// Conditions{GenerationMatch: g}, which map directly onto
// ifGenerationMatch == 0 / > 0 below.
type gcsClient struct {
	cl *gcs.Client
}

// NewGCS constructs a Client backed by Google Cloud Storage. opts are
// forwarded to the underlying client (credentials, endpoint override).
func NewGCS(ctx context.Context, opts ...option.ClientOption) (Client, error) {
	cl, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &gcsClient{cl: cl}, nil
}

func gcsSplit(uri string) (bucket, object string) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", ""
	}
	return u.Host, strings.TrimPrefix(u.Path, "/")
}

func (c *gcsClient) obj(uri string) *gcs.ObjectHandle {
	bucket, object := gcsSplit(uri)
	return c.cl.Bucket(bucket).Object(object)
}

func (c *gcsClient) Stat(ctx context.Context, uri string) (Attrs, error) {
	attrs, err := c.obj(uri).Attrs(ctx)
	if err == gcs.ErrObjectNotExist {
		return Attrs{}, ErrNotExist
	}
	if err != nil {
		return Attrs{}, err
	}
	return toAttrs(attrs), nil
}

func (c *gcsClient) Get(ctx context.Context, uri string) (io.ReadCloser, Attrs, error) {
	o := c.obj(uri)
	attrs, err := o.Attrs(ctx)
	if err == gcs.ErrObjectNotExist {
		return nil, Attrs{}, ErrNotExist
	}
	if err != nil {
		return nil, Attrs{}, err
	}
	rc, err := o.NewReader(ctx)
	if err != nil {
		return nil, Attrs{}, err
	}
	return rc, toAttrs(attrs), nil
}

func (c *gcsClient) Put(ctx context.Context, uri string, r io.Reader, contentEncoding string, ifGenerationMatch int64) (Attrs, error) {
	o := c.obj(uri)
	switch {
	case ifGenerationMatch == 0:
		o = o.If(gcs.Conditions{DoesNotExist: true})
	case ifGenerationMatch > 0:
		o = o.If(gcs.Conditions{GenerationMatch: ifGenerationMatch})
	}
	w := o.NewWriter(ctx)
	w.ContentEncoding = contentEncoding
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return Attrs{}, err
	}
	if err := w.Close(); err != nil {
		if isPrecondFailed(err) {
			return Attrs{}, ErrGenerationMismatch
		}
		return Attrs{}, err
	}
	return toAttrs(w.Attrs()), nil
}

func (c *gcsClient) Delete(ctx context.Context, uri string) error {
	err := c.obj(uri).Delete(ctx)
	if err == gcs.ErrObjectNotExist {
		return nil
	}
	return err
}

func (c *gcsClient) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, object := gcsSplit(prefix)
	it := c.cl.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: object})
	var out []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, "gs://"+bucket+"/"+attrs.Name)
	}
	return out, nil
}

func (c *gcsClient) SetStorageClass(ctx context.Context, uri string, class string) error {
	_, err := c.obj(uri).Update(ctx, gcs.ObjectAttrsToUpdate{StorageClass: class})
	return err
}

func toAttrs(a *gcs.ObjectAttrs) Attrs {
	return Attrs{
		Generation:      a.Generation,
		Size:            a.Size,
		ContentEncoding: a.ContentEncoding,
		StorageClass:    a.StorageClass,
	}
}

func isPrecondFailed(err error) bool {
	// GCS surfaces failed preconditions as a googleapi.Error{Code: 412}.
	return strings.Contains(err.Error(), "412")
}
