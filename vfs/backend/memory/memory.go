// Package memory implements an in-RAM core.StorageBackend, used as the
// intermediate backend between steps so a well's pipeline never touches disk
// except where materialization explicitly demands it (§4.4).
package memory

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/ohcserrors"
	"github.com/openhcs/enginego/utils"
)

// Backend is a thread-safe map-backed StorageBackend.
type Backend struct {
	id string

	mu   sync.RWMutex
	data map[string][]byte
	meta map[string]map[string]string
}

// New returns an empty Backend identified by id (conventionally "memory").
func New(id string) *Backend {
	if id == "" {
		id = "memory"
	}
	return &Backend{id: id, data: make(map[string][]byte), meta: make(map[string]map[string]string)}
}

func (b *Backend) ID() string { return b.id }

func (b *Backend) Load(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	raw, ok := b.data[path]
	b.mu.RUnlock()
	if !ok {
		return nil, ohcserrors.IO("memory.load", b.id, path, ohcserrors.ErrEmptyPattern, false)
	}
	return utils.CloneBytes(raw), nil
}

func (b *Backend) Save(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.data[path] = utils.CloneBytes(data)
	b.mu.Unlock()
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for k := range b.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.RLock()
	_, ok := b.data[path]
	b.mu.RUnlock()
	return ok, nil
}

func (b *Backend) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.data, path)
	delete(b.meta, path)
	b.mu.Unlock()
	return nil
}

// memWriter buffers writes and commits them to the backend map on Close,
// since the in-memory map has no notion of a partial/streamed write.
type memWriter struct {
	b    *Backend
	path string
	buf  []byte
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *memWriter) Close() error {
	w.b.mu.Lock()
	w.b.data[w.path] = w.buf
	w.b.mu.Unlock()
	return nil
}

func (b *Backend) OpenWriter(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memWriter{b: b, path: path}, nil
}

func (b *Backend) Metadata(ctx context.Context, path string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	m := b.meta[path]
	b.mu.RUnlock()
	return m, nil
}

var _ core.StorageBackend = (*Backend)(nil)
