// Package epub reads catalog metadata out of EPUB archives. Only the OPF
// package document and the cover image are ever touched; content documents
// stay unread.
package epub

import (
	"archive/zip"
	"encoding/xml"
	"io"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/bookfile"
)

type container struct {
	Rootfile []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

// Parse reads the package metadata from an EPUB. The io.ReaderAt form keeps
// it usable for books nested inside other zip archives.
func Parse(ra io.ReaderAt, size int64) (*bookfile.ParsedMetadata, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	opfFile, err := findOPF(zr)
	if err != nil {
		return nil, err
	}

	r, err := opfFile.Open()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer r.Close()

	return ParseOPF(opfFile.Name, r)
}

// ParseFile is the convenience form of Parse for books sitting directly on
// the filesystem.
func ParseFile(filepath string) (*bookfile.ParsedMetadata, error) {
	f, err := os.Open(filepath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	stats, err := f.Stat()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return Parse(f, stats.Size())
}

// Cover extracts the cover image bytes and their MIME type. Returns nil data
// when the book declares no cover.
func Cover(ra io.ReaderAt, size int64) ([]byte, string, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, "", errors.WithStack(err)
	}

	opfFile, err := findOPF(zr)
	if err != nil {
		return nil, "", err
	}

	r, err := opfFile.Open()
	if err != nil {
		return nil, "", errors.WithStack(err)
	}
	meta, err := ParseOPF(opfFile.Name, r)
	r.Close()
	if err != nil {
		return nil, "", err
	}
	if meta.CoverRef == "" {
		return nil, "", nil
	}

	want := path.Clean(meta.CoverRef)
	for _, file := range zr.File {
		if path.Clean(file.Name) != want {
			continue
		}
		cr, err := file.Open()
		if err != nil {
			return nil, "", errors.WithStack(err)
		}
		b, err := io.ReadAll(cr)
		cr.Close()
		if err != nil {
			return nil, "", errors.WithStack(err)
		}
		return b, mimetype.Detect(b).String(), nil
	}
	return nil, "", nil
}

// findOPF locates the package document, preferring the rootfile named by
// META-INF/container.xml and falling back to the first .opf entry for
// archives with a missing or broken container.
func findOPF(zr *zip.Reader) (*zip.File, error) {
	byName := make(map[string]*zip.File, len(zr.File))
	for _, file := range zr.File {
		byName[path.Clean(file.Name)] = file
	}

	if cf, ok := byName["META-INF/container.xml"]; ok {
		if f := rootfileFromContainer(cf, byName); f != nil {
			return f, nil
		}
	}

	for _, file := range zr.File {
		if strings.EqualFold(path.Ext(file.Name), ".opf") {
			return file, nil
		}
	}
	return nil, errors.New("no opf package document found")
}

func rootfileFromContainer(cf *zip.File, byName map[string]*zip.File) *zip.File {
	r, err := cf.Open()
	if err != nil {
		return nil
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	var c container
	if err := xml.Unmarshal(b, &c); err != nil {
		return nil
	}
	for _, rf := range c.Rootfile {
		if f, ok := byName[path.Clean(rf.FullPath)]; ok {
			return f
		}
	}
	return nil
}
