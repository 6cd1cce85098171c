package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	b, err := New("disk1", t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, b.Save(context.Background(), "A01/site1.tif", []byte("pixels")))
	raw, err := b.Load(context.Background(), "A01/site1.tif")
	require.NoError(t, err)
	assert.Equal(t, []byte("pixels"), raw)
}

func TestLoad_MissingPathErrors(t *testing.T) {
	b, err := New("disk1", t.TempDir(), 0)
	require.NoError(t, err)

	_, err = b.Load(context.Background(), "missing.tif")
	require.Error(t, err)
}

func TestExistsDelete(t *testing.T) {
	b, err := New("disk1", t.TempDir(), 0)
	require.NoError(t, err)

	ok, err := b.Exists(context.Background(), "a.tif")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Save(context.Background(), "a.tif", []byte("x")))
	ok, err = b.Exists(context.Background(), "a.tif")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.Delete(context.Background(), "a.tif"))
	ok, err = b.Exists(context.Background(), "a.tif")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestList_FiltersByPrefixAndSkipsMetaFiles(t *testing.T) {
	b, err := New("disk1", t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, b.Save(context.Background(), "A01/s1_w1.tif", []byte("x")))
	require.NoError(t, b.Save(context.Background(), "A01/s2_w1.tif", []byte("x")))
	require.NoError(t, b.Save(context.Background(), "A02/s1_w1.tif", []byte("x")))
	require.NoError(t, b.WriteMetadata("A01/s1_w1.tif", map[string]string{"k": "v"}))

	out, err := b.List(context.Background(), "A01")
	require.NoError(t, err)
	assert.Equal(t, []string{"A01/s1_w1.tif", "A01/s2_w1.tif"}, out)
}

func TestMetadata_RoundTripsViaSidecarJSON(t *testing.T) {
	b, err := New("disk1", t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, b.Save(context.Background(), "a.tif", []byte("x")))
	require.NoError(t, b.WriteMetadata("a.tif", map[string]string{"channel": "1"}))

	meta, err := b.Metadata(context.Background(), "a.tif")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"channel": "1"}, meta)
}

func TestMetadata_MissingSidecarReturnsNilNotError(t *testing.T) {
	b, err := New("disk1", t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, b.Save(context.Background(), "a.tif", []byte("x")))

	meta, err := b.Metadata(context.Background(), "a.tif")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestOpenWriter_CommitsOnClose(t *testing.T) {
	dir := t.TempDir()
	b, err := New("disk1", dir, 0)
	require.NoError(t, err)

	w, err := b.OpenWriter(context.Background(), "sub/out.tif")
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "sub", "out.tif"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), raw)
}

func TestNew_CreatesRootDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "root")
	_, err := New("disk1", dir, 0)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
