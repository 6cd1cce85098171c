// Package vfs implements core.FileManager: the single I/O chokepoint that
// mediates every read/write a step performs, dispatching to whichever
// core.StorageBackend a call names by ID. No step ever imports a backend
// package directly (§4.4, §5).
package vfs

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/ohcserrors"
)

// wireImage is the on-the-wire encoding of an ImageArray. GOB is used for
// this internal chokepoint format rather than a content codec, since the
// payload here is never meant to be read by a tool outside the engine — only
// round-tripped between this package's own Save and Load calls.
type wireImage struct {
	Shape  [3]int
	Dtype  core.Dtype
	Memory core.MemoryType
	Data   []float64
}

// Manager implements core.FileManager over a set of registered backends.
type Manager struct {
	mu       sync.RWMutex
	backends map[string]core.StorageBackend
}

// New returns an empty Manager; backends are added via RegisterBackend.
func New() *Manager {
	return &Manager{backends: make(map[string]core.StorageBackend)}
}

func (m *Manager) RegisterBackend(b core.StorageBackend) {
	m.mu.Lock()
	m.backends[b.ID()] = b
	m.mu.Unlock()
}

func (m *Manager) Backend(id string) (core.StorageBackend, bool) {
	m.mu.RLock()
	b, ok := m.backends[id]
	m.mu.RUnlock()
	return b, ok
}

func (m *Manager) backendOrErr(op, id string) (core.StorageBackend, error) {
	b, ok := m.Backend(id)
	if !ok {
		return nil, ohcserrors.Configuration(op, fmt.Errorf("%w: backend %q is not registered", ohcserrors.ErrNoWritableBackend, id))
	}
	return b, nil
}

// ReadPattern loads every file in a pattern's slice and stacks them into one
// ImageArray along the Z axis, in the pattern's declared file order.
func (m *Manager) ReadPattern(ctx context.Context, pattern core.Pattern, backend string) (*core.ImageArray, error) {
	if len(pattern.Files) == 0 {
		return nil, ohcserrors.Configuration("vfs.read_pattern", ohcserrors.ErrEmptyPattern)
	}
	b, err := m.backendOrErr("vfs.read_pattern", backend)
	if err != nil {
		return nil, err
	}

	var planes []wireImage
	for _, f := range pattern.Files {
		raw, err := b.Load(ctx, f.Path)
		if err != nil {
			return nil, ohcserrors.IO("vfs.read_pattern", backend, f.Path, err, true)
		}
		var wi wireImage
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&wi); err != nil {
			return nil, ohcserrors.IO("vfs.read_pattern", backend, f.Path, err, false)
		}
		planes = append(planes, wi)
	}

	first := planes[0]
	y, x := first.Shape[1], first.Shape[2]
	totalZ := 0
	for _, p := range planes {
		if p.Shape[1] != y || p.Shape[2] != x {
			return nil, ohcserrors.Compilation(ohcserrors.SubkindMemoryContract, "vfs.read_pattern", "", "",
				fmt.Errorf("pattern %q mixes incompatible plane shapes", pattern.PatternKey))
		}
		totalZ += p.Shape[0]
	}

	data := make([]float64, 0, totalZ*y*x)
	for _, p := range planes {
		data = append(data, p.Data...)
	}

	return &core.ImageArray{
		Shape:  [3]int{totalZ, y, x},
		Dtype:  first.Dtype,
		Memory: first.Memory,
		Data:   data,
	}, nil
}

// WritePattern splits arr back along Z into one plane per pattern.Files
// entry — the inverse of ReadPattern's stacking — and saves each under its
// original file's basename, rooted at subdir when subdir is non-empty or at
// the file's own declared directory otherwise (§4.4: write_pattern output
// must itself be valid ReadPattern input for the next step).
func (m *Manager) WritePattern(ctx context.Context, arr *core.ImageArray, pattern core.Pattern, backend, subdir string) error {
	if len(pattern.Files) == 0 {
		return ohcserrors.Configuration("vfs.write_pattern", ohcserrors.ErrEmptyPattern)
	}
	b, err := m.backendOrErr("vfs.write_pattern", backend)
	if err != nil {
		return err
	}

	z, y, x := arr.Shape[0], arr.Shape[1], arr.Shape[2]
	if z != len(pattern.Files) {
		return ohcserrors.Compilation(ohcserrors.SubkindMemoryContract, "vfs.write_pattern", "", "",
			fmt.Errorf("pattern %q declares %d files but array has %d planes", pattern.PatternKey, len(pattern.Files), z))
	}
	planeLen := y * x

	for i, f := range pattern.Files {
		plane := wireImage{
			Shape:  [3]int{1, y, x},
			Dtype:  arr.Dtype,
			Memory: arr.Memory,
			Data:   arr.Data[i*planeLen : (i+1)*planeLen],
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(plane); err != nil {
			return ohcserrors.IO("vfs.write_pattern", backend, f.Path, err, false)
		}

		path := f.Path
		if subdir != "" {
			path = filepath.Join(subdir, filepath.Base(f.Path))
		}
		if err := b.Save(ctx, path, buf.Bytes()); err != nil {
			return ohcserrors.IO("vfs.write_pattern", backend, path, err, true)
		}
	}
	return nil
}

// wireNamed wraps an arbitrary named value (special inputs/outputs such as
// segmentation masks, ROI tables, feature CSVs) for GOB round-tripping.
type wireNamed struct {
	Value interface{}
}

func (m *Manager) ReadNamed(ctx context.Context, name, backend string) (interface{}, error) {
	b, err := m.backendOrErr("vfs.read_named", backend)
	if err != nil {
		return nil, err
	}
	raw, err := b.Load(ctx, name)
	if err != nil {
		return nil, ohcserrors.IO("vfs.read_named", backend, name, err, true)
	}
	var wn wireNamed
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&wn); err != nil {
		return nil, ohcserrors.IO("vfs.read_named", backend, name, err, false)
	}
	return wn.Value, nil
}

func (m *Manager) WriteNamed(ctx context.Context, name string, value interface{}, backend string) error {
	b, err := m.backendOrErr("vfs.write_named", backend)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wireNamed{Value: value}); err != nil {
		return ohcserrors.IO("vfs.write_named", backend, name, err, false)
	}
	if err := b.Save(ctx, name, buf.Bytes()); err != nil {
		return ohcserrors.IO("vfs.write_named", backend, name, err, true)
	}
	return nil
}

var _ core.FileManager = (*Manager)(nil)

func init() {
	// Named values frequently carry plain Go scalars/maps; registering them
	// up front avoids a gob registration footgun for the common cases.
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}
