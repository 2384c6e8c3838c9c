package store

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// azureClient backs Client with Azure Blob Storage. Like S3, Azure has
// no generation counter; the blob ETag stands in for one, and
// create-if-absent is emulated with an If-None-Match: * access
// condition, the same pattern as the GCS/S3 drivers above.
type azureClient struct {
	cl *azblob.Client
}

func NewAzure(cl *azblob.Client) Client {
	return &azureClient{cl: cl}
}

func azSplit(uri string) (container, blobName string) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", ""
	}
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 {
		return u.Host, parts[0]
	}
	return u.Host, parts[1]
}

func (c *azureClient) Stat(ctx context.Context, uri string) (Attrs, error) {
	cnt, name := azSplit(uri)
	props, err := c.cl.ServiceClient().NewContainerClient(cnt).NewBlobClient(name).GetProperties(ctx, nil)
	if isAzNotFound(err) {
		return Attrs{}, ErrNotExist
	}
	if err != nil {
		return Attrs{}, err
	}
	return azAttrs(props.ETag, props.ContentLength, props.ContentEncoding, props.AccessTier), nil
}

func (c *azureClient) Get(ctx context.Context, uri string) (io.ReadCloser, Attrs, error) {
	cnt, name := azSplit(uri)
	resp, err := c.cl.DownloadStream(ctx, cnt, name, nil)
	if isAzNotFound(err) {
		return nil, Attrs{}, ErrNotExist
	}
	if err != nil {
		return nil, Attrs{}, err
	}
	attrs := azAttrs(resp.ETag, resp.ContentLength, resp.ContentEncoding, nil)
	return resp.Body, attrs, nil
}

func (c *azureClient) Put(ctx context.Context, uri string, r io.Reader, contentEncoding string, ifGenerationMatch int64) (Attrs, error) {
	cnt, name := azSplit(uri)
	buf, err := io.ReadAll(r)
	if err != nil {
		return Attrs{}, err
	}
	opts := &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentEncoding: to.Ptr(contentEncoding)},
	}
	if ifGenerationMatch == 0 {
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		}
	}
	resp, err := c.cl.UploadBuffer(ctx, cnt, name, buf, opts)
	if isAzPrecondFailed(err) {
		return Attrs{}, ErrGenerationMismatch
	}
	if err != nil {
		return Attrs{}, err
	}
	return azAttrs(resp.ETag, nil, &contentEncoding, nil), nil
}

func (c *azureClient) Delete(ctx context.Context, uri string) error {
	cnt, name := azSplit(uri)
	_, err := c.cl.DeleteBlob(ctx, cnt, name, nil)
	if isAzNotFound(err) {
		return nil
	}
	return err
}

func (c *azureClient) List(ctx context.Context, prefix string) ([]string, error) {
	cnt, key := azSplit(prefix)
	pager := c.cl.NewListBlobsFlatPager(cnt, &container.ListBlobsFlatOptions{Prefix: &key})
	var out []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			out = append(out, "az://"+cnt+"/"+*item.Name)
		}
	}
	return out, nil
}

func (c *azureClient) SetStorageClass(ctx context.Context, uri string, class string) error {
	cnt, name := azSplit(uri)
	_, err := c.cl.ServiceClient().NewContainerClient(cnt).NewBlobClient(name).SetTier(ctx, blob.AccessTier(class), nil)
	return err
}

func azAttrs(etag *azcore.ETag, size *int64, contentEncoding *string, tier any) Attrs {
	var g int64
	if etag != nil {
		g = int64(fnv32(string(*etag)))
	}
	var sz int64
	if size != nil {
		sz = *size
	}
	var ce string
	if contentEncoding != nil {
		ce = *contentEncoding
	}
	return Attrs{Generation: g, Size: sz, ContentEncoding: ce}
}

func isAzNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), strconv.Itoa(404))
}

func isAzPrecondFailed(err error) bool {
	return err != nil && strings.Contains(err.Error(), strconv.Itoa(412))
}
