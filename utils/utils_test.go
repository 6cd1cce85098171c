package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneBytes_ReturnsIndependentCopy(t *testing.T) {
	src := []byte{1, 2, 3}
	out := CloneBytes(src)
	out[0] = 99
	assert.Equal(t, byte(1), src[0], "mutating the clone must not affect the source")
}

func TestAcquireBuffer_ReturnsEmptyBuffer(t *testing.T) {
	b := AcquireBuffer()
	defer ReleaseBuffer(b)
	assert.Equal(t, 0, b.Len())
}

func TestAcquireBuffer_IsClearedAfterRelease(t *testing.T) {
	b := AcquireBuffer()
	b.WriteString("leftover")
	ReleaseBuffer(b)

	b2 := AcquireBuffer()
	assert.Equal(t, 0, b2.Len())
	ReleaseBuffer(b2)
}

func TestChunkedWriter_SplitsIntoConfiguredChunkSizes(t *testing.T) {
	var sink recordingWriter
	cw := &ChunkedWriter{W: &sink, ChunkSize: 3}

	n, err := cw.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []string{"abc", "def", "gh"}, sink.writes)
}

func TestChunkedWriter_NonPositiveChunkSizeDefaultsInsteadOfLooping(t *testing.T) {
	var sink recordingWriter
	cw := &ChunkedWriter{W: &sink, ChunkSize: 0}

	n, err := cw.Write([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, []string{"payload"}, sink.writes, "a payload under the 32KiB default chunk size writes in one call")
}

func TestChunkedWriter_PropagatesUnderlyingWriteError(t *testing.T) {
	cw := &ChunkedWriter{W: errWriter{}, ChunkSize: 4}
	_, err := cw.Write([]byte("abcdefgh"))
	require.Error(t, err)
}

type recordingWriter struct {
	writes []string
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	r.writes = append(r.writes, string(p))
	return len(p), nil
}

type errWriter struct{}

func (errWriter) Write(p []byte) (int, error) { return 0, errors.New("write failed") }
