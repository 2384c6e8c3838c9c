package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/valyala/fasthttp"
)

// httpClient backs Client with a plain HTTP(S) GET endpoint, used for
// dependency URIs that point at a non-bucket source (spec.md §4.A
// "dependencies ... may be any URI the store's scheme set recognizes").
// It is read-only: an http(s) source for a dependency instance is never
// itself a write target, so Put/Delete/List/SetStorageClass exist only
// to satisfy Client and always fail.
type httpClient struct {
	cl *fasthttp.Client
}

// NewHTTP constructs a read-only Client over plain HTTP(S) GET, reusing
// a shared fasthttp.Client for connection pooling across calls.
func NewHTTP() Client {
	return &httpClient{cl: &fasthttp.Client{}}
}

func (c *httpClient) Stat(ctx context.Context, uri string) (Attrs, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodHead)
	req.SetRequestURI(uri)
	if err := c.cl.Do(req, resp); err != nil {
		return Attrs{}, fmt.Errorf("store: http head %s: %w", uri, err)
	}
	if resp.StatusCode() == fasthttp.StatusNotFound {
		return Attrs{}, ErrNotExist
	}
	if resp.StatusCode() >= 300 {
		return Attrs{}, fmt.Errorf("store: http head %s: status %d", uri, resp.StatusCode())
	}
	return Attrs{Size: int64(resp.Header.ContentLength())}, nil
}

func (c *httpClient) Get(ctx context.Context, uri string) (io.ReadCloser, Attrs, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(uri)

	if err := c.cl.Do(req, resp); err != nil {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
		return nil, Attrs{}, fmt.Errorf("store: http get %s: %w", uri, err)
	}
	status := resp.StatusCode()
	if status == fasthttp.StatusNotFound {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
		return nil, Attrs{}, ErrNotExist
	}
	if status >= 300 {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
		return nil, Attrs{}, fmt.Errorf("store: http get %s: status %d", uri, status)
	}

	body := append([]byte(nil), resp.Body()...)
	attrs := Attrs{Size: int64(len(body))}
	fasthttp.ReleaseRequest(req)
	fasthttp.ReleaseResponse(resp)
	return io.NopCloser(bytes.NewReader(body)), attrs, nil
}

func (c *httpClient) Put(context.Context, string, io.Reader, string, int64) (Attrs, error) {
	return Attrs{}, fmt.Errorf("store: http backend is read-only")
}

func (c *httpClient) Delete(context.Context, string) error {
	return fmt.Errorf("store: http backend is read-only")
}

func (c *httpClient) List(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("store: http backend does not support listing")
}

func (c *httpClient) SetStorageClass(context.Context, string, string) error {
	return fmt.Errorf("store: http backend does not support storage classes")
}
