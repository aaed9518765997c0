package server

import (
	"archive/zip"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/covers"
	"github.com/tinyopds/tinyopds/pkg/downloads"
	"github.com/tinyopds/tinyopds/pkg/errcodes"
	"github.com/tinyopds/tinyopds/pkg/httpauth"
	"github.com/tinyopds/tinyopds/pkg/library"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/tinyopds/tinyopds/pkg/opds"
)

type handler struct {
	books     *books.Service
	covers    *covers.Service
	downloads *downloads.Service
	auth      *httpauth.Service
	converter Converter
}

// download serves a book file. FB2 books go out wrapped in a zip, matching
// the application/fb2+zip type the catalog advertises; EPUBs go out as-is.
// Asking for the epub of an FB2-only book goes through the converter hook.
func (h *handler) download(c echo.Context) error {
	ctx := c.Request().Context()

	id := pathParam(c, "id")
	format := c.Param("format")
	if format != models.BookTypeFB2 && format != models.BookTypeEPUB {
		return errcodes.NotFound("File")
	}

	book, err := h.books.RetrieveBook(ctx, books.RetrieveBookOptions{ID: &id})
	if err != nil {
		return err
	}

	if format != book.BookType {
		if book.BookType == models.BookTypeFB2 && format == models.BookTypeEPUB {
			return h.downloadConverted(c, book)
		}
		return errcodes.NotFound("File")
	}

	f, err := library.Open(book.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errcodes.NotFound("File")
		}
		return err
	}
	defer f.Close()

	h.recordDownload(c, book.ID)

	name := downloadFileName(book)
	if book.BookType == models.BookTypeEPUB {
		setAttachment(c, name+".epub")
		return c.Stream(http.StatusOK, opds.MimeTypeEPUB, f.Reader())
	}

	setAttachment(c, name+".fb2.zip")
	c.Response().Header().Set(echo.HeaderContentType, opds.MimeTypeFB2)
	c.Response().WriteHeader(http.StatusOK)

	zw := zip.NewWriter(c.Response())
	entry, err := zw.Create(name + ".fb2")
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.Copy(entry, f.Reader()); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(zw.Close())
}

// downloadConverted materializes the FB2 to a plain file when it sits inside
// an archive, hands it to the converter, and serves the result.
func (h *handler) downloadConverted(c echo.Context, book *models.Book) error {
	ctx := c.Request().Context()

	if h.converter == nil {
		return errcodes.NotFound("File")
	}

	inputPath := book.FilePath
	if book.IsArchived() {
		f, err := library.Open(book.FilePath)
		if err != nil {
			return err
		}
		defer f.Close()

		tmp, err := os.CreateTemp("", "tinyopds-*.fb2")
		if err != nil {
			return errors.WithStack(err)
		}
		defer os.Remove(tmp.Name())
		_, err = io.Copy(tmp, f.Reader())
		if closeErr := tmp.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return errors.WithStack(err)
		}
		inputPath = tmp.Name()
	}

	outputPath, err := h.converter.Convert(ctx, inputPath)
	if err != nil {
		logger.FromContext(c.Request().Context()).Err(err).Warn("conversion failed")
		return errcodes.NotFound("File")
	}

	h.recordDownload(c, book.ID)
	setAttachment(c, downloadFileName(book)+".epub")
	return c.File(outputPath)
}

// cover serves the scaled cover or thumbnail JPEG for /cover/{id}.jpeg and
// /thumbnail/{id}.jpeg.
func (h *handler) cover(kind covers.Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		file := pathParam(c, "file")
		id := strings.TrimSuffix(file, ".jpeg")
		if id == file || id == "" {
			return errcodes.NotFound("Cover")
		}

		path, err := h.covers.Path(ctx, id, kind)
		if err != nil {
			return err
		}

		h.auth.CountImage()
		return c.File(path)
	}
}

func (h *handler) recordDownload(c echo.Context, bookID string) {
	ctx := c.Request().Context()
	err := h.downloads.Record(ctx, bookID, downloads.Fingerprint(c.Request()))
	if err != nil {
		logger.FromContext(c.Request().Context()).Err(err).Warn("download record error")
	}
	h.auth.CountBook()
}

// downloadFileName builds an ASCII attachment name from the first author and
// the title; Cyrillic goes through slug's transliteration so every client
// saves a readable file.
func downloadFileName(b *models.Book) string {
	var parts []string
	if names := b.AuthorNames(); len(names) > 0 {
		parts = append(parts, names[0])
	}
	if b.Title != "" {
		parts = append(parts, b.Title)
	}
	name := slug.Make(strings.Join(parts, " - "))
	if name == "" {
		name = slug.Make(strings.TrimSuffix(b.FileName, filepath.Ext(b.FileName)))
	}
	if name == "" {
		name = b.ID
	}
	return name
}

func setAttachment(c echo.Context, filename string) {
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
}

// pathParam returns a URL-decoded path parameter.
func pathParam(c echo.Context, name string) string {
	raw := c.Param(name)
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}
