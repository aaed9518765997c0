package library

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_PlainFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "book.fb2")
	require.NoError(t, os.WriteFile(p, []byte("<FictionBook/>"), 0644))

	f, err := Open(p)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, int64(14), f.Size())

	b, err := io.ReadAll(f.Reader())
	require.NoError(t, err)
	assert.Equal(t, "<FictionBook/>", string(b))

	// A second Reader starts over from the beginning.
	b, err = io.ReadAll(f.Reader())
	require.NoError(t, err)
	assert.Equal(t, "<FictionBook/>", string(b))
}

func TestOpen_ArchivedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "books.zip")

	zf, err := os.Create(archive)
	require.NoError(t, err)
	w := zip.NewWriter(zf)
	e, err := w.Create("inner/book.fb2")
	require.NoError(t, err)
	_, err = e.Write([]byte("archived content"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, zf.Close())

	f, err := Open(archive + "@inner/book.fb2")
	require.NoError(t, err)
	defer f.Close()

	b, err := io.ReadAll(f.Reader())
	require.NoError(t, err)
	assert.Equal(t, "archived content", string(b))
}

func TestOpen_ArchivedEntryMissing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "books.zip")

	zf, err := os.Create(archive)
	require.NoError(t, err)
	w := zip.NewWriter(zf)
	_, err = w.Create("other.fb2")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, zf.Close())

	_, err = Open(archive + "@missing.fb2")
	require.Error(t, err)
}

func TestOpen_Missing(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "nope.fb2"))
	require.Error(t, err)
}
