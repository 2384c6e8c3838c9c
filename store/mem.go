package store

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
)

// memClient is an in-process Client used by tests: it implements the
// same generation semantics as the GCS backend (monotonically
// increasing generation per blob, create-if-absent via
// ifGenerationMatch == 0, a positive ifGenerationMatch checked against
// the current generation) without needing network access or credentials.
// The S3, Azure and HDFS drivers use surrogate generations and do not
// check a positive ifGenerationMatch.
type memClient struct {
	mu   sync.Mutex
	objs map[string]*memObj
}

type memObj struct {
	data       []byte
	generation int64
	encoding   string
	class      string
}

func NewMem() Client {
	return &memClient{objs: make(map[string]*memObj)}
}

func (m *memClient) Stat(_ context.Context, uri string) (Attrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objs[uri]
	if !ok {
		return Attrs{}, ErrNotExist
	}
	return toMemAttrs(o), nil
}

func (m *memClient) Get(_ context.Context, uri string) (io.ReadCloser, Attrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objs[uri]
	if !ok {
		return nil, Attrs{}, ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(o.data)), toMemAttrs(o), nil
}

func (m *memClient) Put(_ context.Context, uri string, r io.Reader, contentEncoding string, ifGenerationMatch int64) (Attrs, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Attrs{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, exists := m.objs[uri]
	switch {
	case ifGenerationMatch == 0 && exists:
		return Attrs{}, ErrGenerationMismatch
	case ifGenerationMatch > 0 && (!exists || existing.generation != ifGenerationMatch):
		return Attrs{}, ErrGenerationMismatch
	}
	gen := int64(1)
	if exists {
		gen = existing.generation + 1
	}
	o := &memObj{data: data, generation: gen, encoding: contentEncoding}
	if exists {
		o.class = existing.class
	}
	m.objs[uri] = o
	return toMemAttrs(o), nil
}

func (m *memClient) Delete(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objs, uri)
	return nil
}

func (m *memClient) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.objs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memClient) SetStorageClass(_ context.Context, uri string, class string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.objs[uri]; ok {
		o.class = class
	}
	return nil
}

func toMemAttrs(o *memObj) Attrs {
	return Attrs{Generation: o.generation, Size: int64(len(o.data)), ContentEncoding: o.encoding, StorageClass: o.class}
}
