// Package disk implements an on-filesystem core.StorageBackend, adapted
// from the teacher's storage.Local adapter: same MkdirAll-then-write shape,
// same metadata-as-sidecar-JSON convention, generalized from a
// bucket+key StorageKey to a flat virtual path.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/ohcserrors"
)

// Backend persists files under a root directory on the local filesystem.
type Backend struct {
	id      string
	rootDir string
	perm    os.FileMode
}

// New creates a Backend rooted at dir, creating it if necessary.
func New(id, dir string, perm os.FileMode) (*Backend, error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ohcserrors.IO("disk.new", id, dir, err, false)
	}
	return &Backend{id: id, rootDir: dir, perm: perm}, nil
}

func (b *Backend) ID() string { return b.id }

func (b *Backend) absPath(path string) string {
	return filepath.Join(b.rootDir, filepath.Clean("/"+path))
}

func (b *Backend) Load(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(b.absPath(path))
	if err != nil {
		return nil, ohcserrors.IO("disk.load", b.id, path, err, !errors.Is(err, os.ErrNotExist))
	}
	return raw, nil
}

func (b *Backend) Save(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs := b.absPath(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return ohcserrors.IO("disk.save.mkdir", b.id, path, err, false)
	}
	if err := os.WriteFile(abs, data, b.perm); err != nil {
		return ohcserrors.IO("disk.save", b.id, path, err, true)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := b.absPath(prefix)
	var out []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".meta.json") {
			return nil
		}
		rel, _ := filepath.Rel(b.rootDir, p)
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, ohcserrors.IO("disk.list", b.id, prefix, err, false)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(b.absPath(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, ohcserrors.IO("disk.exists", b.id, path, err, false)
}

func (b *Backend) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs := b.absPath(path)
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ohcserrors.IO("disk.delete", b.id, path, err, false)
	}
	_ = os.Remove(abs + ".meta.json")
	return nil
}

func (b *Backend) OpenWriter(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs := b.absPath(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, ohcserrors.IO("disk.open_writer.mkdir", b.id, path, err, false)
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, b.perm)
	if err != nil {
		return nil, ohcserrors.IO("disk.open_writer", b.id, path, err, true)
	}
	return f, nil
}

func (b *Backend) Metadata(ctx context.Context, path string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(b.absPath(path) + ".meta.json")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, ohcserrors.IO("disk.metadata", b.id, path, err, false)
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, ohcserrors.IO("disk.metadata.decode", b.id, path, err, false)
	}
	return meta, nil
}

// WriteMetadata persists a sidecar metadata file for path, mirroring the
// teacher's side-car-JSON convention.
func (b *Backend) WriteMetadata(path string, meta map[string]string) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return ohcserrors.IO("disk.write_metadata", b.id, path, err, false)
	}
	return os.WriteFile(b.absPath(path)+".meta.json", raw, b.perm)
}

var _ core.StorageBackend = (*Backend)(nil)
