package core

import (
	"context"
	"io"
)

// StorageBackend is the capability interface every storage backend
// (in-memory, on-disk, chunked archive) implements. Operations are
// addressed by virtual path; the FileManager is the only caller.
type StorageBackend interface {
	ID() string
	Load(ctx context.Context, path string) ([]byte, error)
	Save(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	OpenWriter(ctx context.Context, path string) (io.WriteCloser, error)
	Metadata(ctx context.Context, path string) (map[string]string, error)
}

// FileManager is the single I/O chokepoint mediating all backend access.
// Steps never talk to a StorageBackend directly.
type FileManager interface {
	ReadPattern(ctx context.Context, pattern Pattern, backend string) (*ImageArray, error)
	WritePattern(ctx context.Context, arr *ImageArray, pattern Pattern, backend, subdir string) error
	ReadNamed(ctx context.Context, name, backend string) (interface{}, error)
	WriteNamed(ctx context.Context, name string, value interface{}, backend string) error

	RegisterBackend(b StorageBackend)
	Backend(id string) (StorageBackend, bool)
}

// MicroscopeHandler is the external capability the engine treats as an
// opaque collaborator: it knows how to parse a plate's filenames and
// enumerate its wells.
type MicroscopeHandler interface {
	Parse(filePath string) (ComponentValues, error)
	ListWells(inputDir string) ([]string, error)
	GridDimensions() (rows, cols int)
	PixelSize() float64
}

// ConverterFunc transforms an ImageArray from one memory type to another.
type ConverterFunc func(ctx context.Context, in *ImageArray, policy DtypeConversionPolicy) (*ImageArray, error)

// ConverterEdge is one directed edge in the memory-type converter graph.
type ConverterEdge struct {
	From MemoryType
	To   MemoryType
	Fn   ConverterFunc
}

// VisualizerSink is the small contract live viewers (napari, Fiji) speak.
// Implementations live out-of-process; the executor never waits on them.
type VisualizerSink interface {
	Open(ctx context.Context, channel string) error
	PushImage(ctx context.Context, id StreamImageID, data []byte) error
	PushROI(ctx context.Context, id StreamImageID, rois []ROI) error
	Close(ctx context.Context) error
}

// StreamImageID identifies one pushed image for a visualizer.
type StreamImageID struct {
	Well      string
	Site      int
	Channel   int
	ZIndex    int
	Timepoint int
	StepIndex int
}

// ROI is a labeled geometric extraction of a segmentation mask.
type ROI struct {
	Label  string
	Points [][2]float64
}

// FunctionRecord is the metadata attached to a registered processing
// function at registration time — not discovered reflectively.
type FunctionRecord struct {
	Name            string
	InputMemory     MemoryType
	OutputMemory    MemoryType
	SpecialInputs   []string
	SpecialOutputs  []string
	ChainBreaker    bool
	CPUOnly         bool
	Call            func(ctx context.Context, arr *ImageArray, params map[string]interface{}, special map[string]interface{}) (*ImageArray, map[string]interface{}, error)
}

// Registry exposes the function catalog the compiler and executor read.
type Registry interface {
	Get(name string) (FunctionRecord, bool)
	List() []FunctionRecord
}
