// Package archive implements a chunked, zstd-compressed core.StorageBackend
// used as the materialization backend for plate-scale outputs (§4.4). The
// client-injection shape (an ArchiveStore interface wrapping whatever
// underlying container format is in use) is adapted from the teacher's
// storage.S3 adapter, which injects an S3Client the same way this package
// injects an ArchiveStore.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/openhcs/enginego/config"
	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/ohcserrors"
	"github.com/openhcs/enginego/utils"
)

// ArchiveStore is the minimal persistence contract a chunked container must
// satisfy; production deployments inject a store backed by a real zarr/n5
// container or an object store, test code injects an in-memory one.
type ArchiveStore interface {
	PutChunk(ctx context.Context, chunkKey uint64, data []byte) error
	GetChunk(ctx context.Context, chunkKey uint64) ([]byte, error)
	HasChunk(ctx context.Context, chunkKey uint64) (bool, error)
	DeleteChunk(ctx context.Context, chunkKey uint64) error
	ListChunks(ctx context.Context) ([]uint64, error)
}

// Backend is a StorageBackend that compresses every value with zstd and
// keys chunks by an xxhash digest of the virtual path, partitioned by the
// configured chunk strategy.
type Backend struct {
	id       string
	store    ArchiveStore
	strategy config.ChunkStrategy
	level    zstd.EncoderLevel

	mu    sync.RWMutex
	index map[uint64]string // chunk key -> virtual path, for List/Metadata
}

// New creates an archive Backend over store, compressing at the given Zarr
// config's level and chunking per its strategy.
func New(id string, store ArchiveStore, zc config.ZarrConfig) *Backend {
	level := zstd.EncoderLevelFromZstd(zc.CompressionLevel)
	return &Backend{
		id:       id,
		store:    store,
		strategy: zc.ChunkStrategy,
		level:    level,
		index:    make(map[uint64]string),
	}
}

func (b *Backend) ID() string { return b.id }

// chunkKey derives the chunk address for a virtual path under the
// configured strategy: WELL groups every path sharing a leading well
// segment into one chunk, FILE addresses each path independently.
func (b *Backend) chunkKey(path string) uint64 {
	key := path
	if b.strategy == config.ChunkWell {
		if idx := indexOfSlash(path); idx >= 0 {
			key = path[:idx]
		}
	}
	return xxhash.Sum64String(key)
}

func indexOfSlash(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func (b *Backend) compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(b.level))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func (b *Backend) decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func (b *Backend) Load(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := b.store.GetChunk(ctx, b.chunkKey(path))
	if err != nil {
		return nil, ohcserrors.IO("archive.load", b.id, path, err, true)
	}
	out, err := b.decompress(raw)
	if err != nil {
		return nil, ohcserrors.IO("archive.load.decompress", b.id, path, err, false)
	}
	return out, nil
}

func (b *Backend) Save(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	compressed, err := b.compress(data)
	if err != nil {
		return ohcserrors.IO("archive.save.compress", b.id, path, err, false)
	}
	key := b.chunkKey(path)
	if err := b.store.PutChunk(ctx, key, compressed); err != nil {
		return ohcserrors.IO("archive.save", b.id, path, err, true)
	}
	b.mu.Lock()
	b.index[key] = path
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
	for _, p := range b.index {
		if len(prefix) == 0 || (len(p) >= len(prefix) && p[:len(prefix)] == prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := b.store.HasChunk(ctx, b.chunkKey(path))
	if err != nil {
		return false, ohcserrors.IO("archive.exists", b.id, path, err, false)
	}
	return ok, nil
}

func (b *Backend) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := b.chunkKey(path)
	if err := b.store.DeleteChunk(ctx, key); err != nil {
		return ohcserrors.IO("archive.delete", b.id, path, err, false)
	}
	b.mu.Lock()
	delete(b.index, key)
	b.mu.Unlock()
	return nil
}

// archiveWriter buffers a full write then compresses and commits on Close,
// since zstd framing needs the whole payload (streamed chunk-by-chunk
// writes would fragment the compression window for no benefit at this
// backend's chunk sizes).
type archiveWriter struct {
	b    *Backend
	path string
	buf  *bytes.Buffer
}

func (w *archiveWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *archiveWriter) Close() error {
	defer utils.ReleaseBuffer(w.buf)
	return w.b.Save(context.Background(), w.path, w.buf.Bytes())
}

func (b *Backend) OpenWriter(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &archiveWriter{b: b, path: path, buf: utils.AcquireBuffer()}, nil
}

func (b *Backend) Metadata(ctx context.Context, path string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := b.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return map[string]string{"chunk_key": fmt.Sprintf("%d", b.chunkKey(path)), "strategy": string(b.strategy)}, nil
}

var _ core.StorageBackend = (*Backend)(nil)

// MemoryStore is an in-RAM ArchiveStore, used in tests and for plates small
// enough that a real container backend would be overkill.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[uint64][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[uint64][]byte)}
}

func (s *MemoryStore) PutChunk(_ context.Context, key uint64, data []byte) error {
	s.mu.Lock()
	s.chunks[key] = utils.CloneBytes(data)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetChunk(_ context.Context, key uint64) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.chunks[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("archive: chunk %d not found", key)
	}
	return data, nil
}

func (s *MemoryStore) HasChunk(_ context.Context, key uint64) (bool, error) {
	s.mu.RLock()
	_, ok := s.chunks[key]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStore) DeleteChunk(_ context.Context, key uint64) error {
	s.mu.Lock()
	delete(s.chunks, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListChunks(_ context.Context) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, 0, len(s.chunks))
	for k := range s.chunks {
		out = append(out, k)
	}
	return out, nil
}

var _ ArchiveStore = (*MemoryStore)(nil)
