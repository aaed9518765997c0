// Package covers extracts cover images from book files on demand, scales
// them, and keeps the JPEG results in an on-disk cache.
package covers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/epub"
	"github.com/tinyopds/tinyopds/pkg/errcodes"
	"github.com/tinyopds/tinyopds/pkg/fb2"
	"github.com/tinyopds/tinyopds/pkg/library"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/uptrace/bun"

	// imaging covers jpeg/png/gif/tiff/bmp; webp covers still need a decoder.
	_ "golang.org/x/image/webp"
)

const (
	// CoverWidth caps full-size covers; OPDS readers rarely render wider.
	CoverWidth = 480
	// ThumbnailWidth matches the list-view thumbnails OPDS clients request.
	ThumbnailWidth = 192

	jpegQuality = 80
)

type Kind string

const (
	KindCover     Kind = "cover"
	KindThumbnail Kind = "thumbnail"
)

type Service struct {
	db      *bun.DB
	dir     string
	maxSize int64
}

// NewService creates a cover cache rooted at dir. maxSizeBytes bounds the
// cache; the least recently served covers are evicted past it.
func NewService(db *bun.DB, dir string, maxSizeBytes int64) *Service {
	return &Service{db: db, dir: dir, maxSize: maxSizeBytes}
}

// Path returns the on-disk path of the scaled cover for a book, extracting
// and caching it on first request.
func (s *Service) Path(ctx context.Context, bookID string, kind Kind) (string, error) {
	book := new(models.Book)
	err := s.db.NewSelect().Model(book).Where("id = ?", bookID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errcodes.NotFound("Book")
	}
	if err != nil {
		return "", errors.WithStack(err)
	}
	if !book.HasCover {
		return "", errcodes.NotFound("Cover")
	}

	p := s.cachedPath(book.ID, kind)
	if _, err := os.Stat(p); err == nil {
		// Mtime doubles as the last-served marker for eviction.
		now := time.Now()
		_ = os.Chtimes(p, now, now)
		return p, nil
	}

	raw, err := s.extract(book)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", errcodes.NotFound("Cover")
	}

	scaled, err := scale(raw, kind)
	if err != nil {
		return "", err
	}
	if err := s.store(p, scaled); err != nil {
		return "", err
	}

	go s.TriggerCleanup()

	return p, nil
}

// Invalidate drops the cached images for a book. Called when a book is
// replaced or removed so stale art cannot outlive it.
func (s *Service) Invalidate(bookID string) {
	os.Remove(s.cachedPath(bookID, KindCover))
	os.Remove(s.cachedPath(bookID, KindThumbnail))
}

func (s *Service) cachedPath(bookID string, kind Kind) string {
	// Book ids come out of book files and can hold anything; hash them into
	// safe filenames.
	sum := sha256.Sum256([]byte(bookID))
	name := hex.EncodeToString(sum[:16])
	if kind == KindThumbnail {
		name += ".thumb"
	}
	return filepath.Join(s.dir, name+".jpeg")
}

func (s *Service) extract(book *models.Book) ([]byte, error) {
	f, err := library.Open(book.FilePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if book.BookType == models.BookTypeEPUB {
		ra, size := f.ReaderAt()
		data, _, err := epub.Cover(ra, size)
		return data, err
	}

	meta, err := fb2.ParseDescription(f.Reader())
	if err != nil {
		return nil, err
	}
	if meta.CoverRef == "" {
		return nil, nil
	}
	data, _, err := fb2.ParseCover(f.Reader(), meta.CoverRef)
	return data, err
}

func (s *Service) store(p string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errors.WithStack(err)
	}
	tmp, err := os.CreateTemp(s.dir, ".cover-*")
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	return nil
}

func scale(raw []byte, kind Kind) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	width := CoverWidth
	if kind == KindThumbnail {
		width = ThumbnailWidth
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	err = imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}
