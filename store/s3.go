package store

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
)

// s3Client backs Client with Amazon S3. S3 has no generation number, so
// the ETag (quoted MD5 of the content, for non-multipart uploads) is
// used as the generation surrogate, and the "create if absent"
// precondition is emulated with IfNoneMatch: "*" (conditional writes),
// via the aws-sdk-go-v2 client.
type s3Client struct {
	cl *s3.Client
}

func NewS3(cl *s3.Client) Client {
	return &s3Client{cl: cl}
}

func s3Split(uri string) (bucket, key string) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", ""
	}
	return u.Host, strings.TrimPrefix(u.Path, "/")
}

func (c *s3Client) Stat(ctx context.Context, uri string) (Attrs, error) {
	bucket, key := s3Split(uri)
	out, err := c.cl.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if isS3NotFound(err) {
		return Attrs{}, ErrNotExist
	}
	if err != nil {
		return Attrs{}, err
	}
	return s3Attrs(out.ETag, aws.ToInt64(out.ContentLength), aws.ToString(out.ContentEncoding), string(out.StorageClass)), nil
}

func (c *s3Client) Get(ctx context.Context, uri string) (io.ReadCloser, Attrs, error) {
	bucket, key := s3Split(uri)
	out, err := c.cl.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if isS3NotFound(err) {
		return nil, Attrs{}, ErrNotExist
	}
	if err != nil {
		return nil, Attrs{}, err
	}
	attrs := s3Attrs(out.ETag, aws.ToInt64(out.ContentLength), aws.ToString(out.ContentEncoding), string(out.StorageClass))
	return out.Body, attrs, nil
}

func (c *s3Client) Put(ctx context.Context, uri string, r io.Reader, contentEncoding string, ifGenerationMatch int64) (Attrs, error) {
	bucket, key := s3Split(uri)
	in := &s3.PutObjectInput{Bucket: &bucket, Key: &key, Body: r}
	if contentEncoding != "" {
		in.ContentEncoding = aws.String(contentEncoding)
	}
	if ifGenerationMatch == 0 {
		in.IfNoneMatch = aws.String("*")
	}
	out, err := c.cl.PutObject(ctx, in)
	if isS3PrecondFailed(err) {
		return Attrs{}, ErrGenerationMismatch
	}
	if err != nil {
		return Attrs{}, err
	}
	return s3Attrs(out.ETag, 0, contentEncoding, ""), nil
}

func (c *s3Client) Delete(ctx context.Context, uri string) error {
	bucket, key := s3Split(uri)
	_, err := c.cl.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key})
	return err
}

func (c *s3Client) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, key := s3Split(prefix)
	out, err := c.cl.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &bucket, Prefix: &key})
	if err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		uris = append(uris, "s3://"+bucket+"/"+aws.ToString(obj.Key))
	}
	return uris, nil
}

func (c *s3Client) SetStorageClass(ctx context.Context, uri string, class string) error {
	bucket, key := s3Split(uri)
	source := bucket + "/" + key
	_, err := c.cl.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            &bucket,
		Key:               &key,
		CopySource:        &source,
		StorageClass:      types.StorageClass(class),
		MetadataDirective: types.MetadataDirectiveCopy,
	})
	return err
}

func s3Attrs(etag *string, size int64, contentEncoding, storageClass string) Attrs {
	return Attrs{
		Generation:      int64(fnv32(aws.ToString(etag))),
		Size:            size,
		ContentEncoding: contentEncoding,
		StorageClass:    storageClass,
	}
}

// fnv32 folds an S3 ETag into an int64 "generation" surrogate so callers
// (the Locker in particular) can compare S3 lock holders the same way
// they compare a GCS generation number.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound")
}

func isS3PrecondFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}
