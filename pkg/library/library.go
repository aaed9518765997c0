// Package library gives uniform read access to book files, whether they sit
// on disk directly or inside a zip archive. Archived books are addressed with
// the composite "archive.zip@inner/path.fb2" form used throughout the catalog.
package library

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/models"
)

// File is an opened book. Reader returns a fresh stream each call, so parsers
// that need two passes over the same file just ask twice.
type File struct {
	ra    io.ReaderAt
	size  int64
	close func() error
}

func (f *File) Reader() io.Reader {
	return io.NewSectionReader(f.ra, 0, f.size)
}

func (f *File) ReaderAt() (io.ReaderAt, int64) {
	return f.ra, f.size
}

func (f *File) Size() int64 {
	return f.size
}

func (f *File) Close() error {
	if f.close == nil {
		return nil
	}
	return f.close()
}

// Open opens a book by its catalog file path. For archived books the inner
// entry is pulled into memory; book files are small enough that this beats
// juggling nested zip readers.
func Open(filePath string) (*File, error) {
	archive, inner, ok := strings.Cut(filePath, models.ArchiveSeparator)
	if !ok {
		return openPlain(filePath)
	}

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer zr.Close()

	entry := findEntry(&zr.Reader, inner)
	if entry == nil {
		return nil, errors.Errorf("no entry %q in archive %s", inner, archive)
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &File{ra: bytes.NewReader(b), size: int64(len(b))}, nil
}

func openPlain(filePath string) (*File, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	stats, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.WithStack(err)
	}
	return &File{ra: f, size: stats.Size(), close: f.Close}, nil
}

// findEntry matches an inner path against the archive listing. Entry names in
// the wild mix separators and leading "./", so both sides are cleaned.
func findEntry(zr *zip.Reader, inner string) *zip.File {
	want := path.Clean(strings.ReplaceAll(inner, `\`, "/"))
	for _, file := range zr.File {
		name := path.Clean(strings.ReplaceAll(file.Name, `\`, "/"))
		if name == want {
			return file
		}
	}
	return nil
}
