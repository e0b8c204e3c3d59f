package storage_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/chunkdl/internal/storage"
)

func TestLocalFileLifecycle(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "video.mp4")
	f := storage.NewLocalFile(path, storage.KindVideo)

	assert.False(t, f.Exists())
	require.NoError(t, f.Create())
	assert.True(t, f.Exists())
	assert.Equal(t, "video.mp4", f.Name())
	assert.Equal(t, storage.KindVideo, f.Tag())

	s, err := f.OpenStream()
	require.NoError(t, err)
	_, err = s.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	n, err := f.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	require.NoError(t, f.Delete())
	assert.False(t, f.Exists())
	require.NoError(t, f.Delete(), "deleting a missing file is not an error")
}

func TestLocalFileOpenMissing(t *testing.T) {
	t.Parallel()
	f := storage.NewLocalFile(filepath.Join(t.TempDir(), "gone"), storage.KindOther)
	_, err := f.OpenStream()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocalFileInvalidate(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	f := storage.NewLocalFile(path, storage.KindOther)
	require.True(t, f.Exists())

	f.Invalidate()
	assert.True(t, f.IsInvalid())
	assert.False(t, f.Exists())
	_, err := f.OpenStream()
	require.ErrorIs(t, err, storage.ErrInvalidated)
	require.ErrorIs(t, f.Create(), storage.ErrInvalidated)
}

func TestLocalFileEqual(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := storage.NewLocalFile(filepath.Join(dir, "x"), storage.KindOther)
	b := storage.NewLocalFile(filepath.Join(dir, "sub", "..", "x"), storage.KindAudio)
	c := storage.NewLocalFile(filepath.Join(dir, "y"), storage.KindOther)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, storage.Same(a, b))
	assert.False(t, storage.Same(a, nil))
	assert.False(t, storage.Same(nil, nil))
}

func TestLocalTreeCreateFile(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "downloads")
	tree, err := storage.NewLocalTree(dir)
	require.NoError(t, err)

	h, err := tree.CreateFile("song.opus", storage.KindAudio)
	require.NoError(t, err)
	assert.True(t, h.Exists())
	assert.Equal(t, storage.KindAudio, h.Tag())

	// Existing content is kept when the handle is recreated.
	s, err := h.OpenStream()
	require.NoError(t, err)
	_, err = io.WriteString(s, "data")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	again, err := tree.CreateFile("song.opus", storage.KindAudio)
	require.NoError(t, err)
	n, err := again.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.True(t, again.Equal(h))

	_, err = tree.CreateFile("../escape", storage.KindOther)
	require.Error(t, err)
	_, err = tree.CreateFile("", storage.KindOther)
	require.Error(t, err)
}

func TestKind(t *testing.T) {
	t.Parallel()
	assert.Equal(t, storage.KindVideo, storage.ParseKind('v'))
	assert.Equal(t, storage.KindAudio, storage.ParseKind('a'))
	assert.Equal(t, storage.KindOther, storage.ParseKind('z'))
	assert.Equal(t, "audio", storage.KindAudio.String())
}
