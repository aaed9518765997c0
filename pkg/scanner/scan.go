package scanner

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/tinyopds/tinyopds/pkg/bookfile"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/epub"
	"github.com/tinyopds/tinyopds/pkg/fb2"
	"github.com/tinyopds/tinyopds/pkg/models"
)

// extensionsToScan maps the extensions the walk picks up to the content
// types a bare file may sniff as. Files can carry any extension, so the
// sniff keeps a renamed JPEG out of the parser.
var extensionsToScan = map[string][]string{
	".fb2":  {"text/xml"},
	".epub": {"application/epub+zip"},
	".zip":  {"application/zip"},
}

type run struct {
	s     *Scanner
	batch []*books.NewBook
}

func (s *Scanner) scan(ctx context.Context, root string) {
	log := logger.FromContext(ctx)
	log.Info("scan started")

	files := s.collectFiles(ctx, root)
	s.update(func(p *Progress) { p.TotalFiles = len(files) })
	log.Info("collected files", logger.Data{"count": len(files)})

	r := &run{s: s}
	for _, path := range files {
		if s.stopped() {
			log.Info("scan stopped")
			break
		}
		if strings.EqualFold(filepath.Ext(path), ".zip") {
			r.scanArchive(ctx, path)
		} else {
			r.scanBareFile(ctx, path)
		}
		s.update(func(p *Progress) { p.ProcessedFiles++ })
		if len(r.batch) >= batchSize {
			r.flush(ctx)
		}
	}
	r.finish(ctx)

	p := s.Snapshot()
	log.Info("scan finished", logger.Data{
		"books_found": p.BooksFound,
		"skipped":     p.Skipped,
		"invalid":     p.Invalid,
		"duplicates":  p.Duplicates,
		"elapsed":     p.Elapsed.String(),
	})
}

// collectFiles walks root up front so the total is known before any real
// work starts and the progress numbers mean something.
func (s *Scanner) collectFiles(ctx context.Context, root string) []string {
	log := logger.FromContext(ctx)

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn("walk error", logger.Data{"path": path, "err": err.Error()})
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := extensionsToScan[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		log.Warn("walk aborted", logger.Data{"err": err.Error()})
	}
	return files
}

func (r *run) scanBareFile(ctx context.Context, path string) {
	log := logger.FromContext(ctx).Data(logger.Data{"path": path})

	known, err := r.s.books.HasFilePath(ctx, path)
	if err != nil {
		log.Err(err).Error("store lookup error")
		return
	}
	if known {
		r.s.update(func(p *Progress) { p.Skipped++ })
		return
	}

	nb, err := parseFile(path)
	if err != nil {
		log.Warn("invalid book file", logger.Data{"err": err.Error()})
		r.s.update(func(p *Progress) { p.Invalid++ })
		return
	}
	r.batch = append(r.batch, nb)
}

func (r *run) scanArchive(ctx context.Context, path string) {
	log := logger.FromContext(ctx).Data(logger.Data{"archive": path})

	zr, err := zip.OpenReader(path)
	if err != nil {
		log.Warn("can't open archive", logger.Data{"err": err.Error()})
		r.s.update(func(p *Progress) { p.Invalid++ })
		return
	}
	defer zr.Close()

	for _, f := range zr.File {
		if r.s.stopped() {
			return
		}
		ext := strings.ToLower(filepath.Ext(f.Name))
		if f.FileInfo().IsDir() || (ext != ".fb2" && ext != ".epub") {
			continue
		}

		composite := path + models.ArchiveSeparator + f.Name
		known, err := r.s.books.HasFilePath(ctx, composite)
		if err != nil {
			log.Err(err).Error("store lookup error")
			continue
		}
		if known {
			r.s.update(func(p *Progress) { p.Skipped++ })
			continue
		}

		nb, err := parseEntry(f, composite)
		if err != nil {
			log.Warn("invalid archive entry", logger.Data{"entry": f.Name, "err": err.Error()})
			r.s.update(func(p *Progress) { p.Invalid++ })
			continue
		}
		r.batch = append(r.batch, nb)
		if len(r.batch) >= batchSize {
			r.flush(ctx)
		}
	}
}

// finish ends a scan run. A stopped run discards whatever accumulated since
// the last flush; only batches already committed stay in the store.
func (r *run) finish(ctx context.Context) {
	if r.s.stopped() {
		r.batch = r.batch[:0]
	}
	r.flush(ctx)
}

// flush writes the pending batch in one transaction and publishes a
// progress event. A store error drops the batch; the scan moves on so one
// bad batch does not end the whole run.
func (r *run) flush(ctx context.Context) {
	if len(r.batch) > 0 {
		log := logger.FromContext(ctx)

		res, err := r.s.books.CreateBooks(ctx, r.batch)
		if err != nil {
			log.Err(err).Error("store batch error", logger.Data{"batch_size": len(r.batch)})
		} else {
			r.s.update(func(p *Progress) {
				p.BooksFound += res.Created + res.Replaced
				p.Duplicates += res.Duplicates
			})
			for _, id := range res.ReplacedIDs {
				r.s.covers.Invalidate(id)
			}
		}
		r.batch = r.batch[:0]
	}
	r.s.emit()
}

// ScanPaths parses the given files and writes them in a single batch. The
// watcher uses it for files that appear while the server runs; scan
// progress is not touched.
func (s *Scanner) ScanPaths(ctx context.Context, paths []string) (books.BatchResult, error) {
	log := logger.FromContext(ctx)

	var batch []*books.NewBook
	for _, path := range paths {
		if strings.EqualFold(filepath.Ext(path), ".zip") {
			zr, err := zip.OpenReader(path)
			if err != nil {
				log.Warn("can't open archive", logger.Data{"archive": path, "err": err.Error()})
				continue
			}
			for _, f := range zr.File {
				ext := strings.ToLower(filepath.Ext(f.Name))
				if f.FileInfo().IsDir() || (ext != ".fb2" && ext != ".epub") {
					continue
				}
				composite := path + models.ArchiveSeparator + f.Name
				if known, err := s.books.HasFilePath(ctx, composite); err != nil || known {
					continue
				}
				nb, err := parseEntry(f, composite)
				if err != nil {
					log.Warn("invalid archive entry", logger.Data{"archive": path, "entry": f.Name, "err": err.Error()})
					continue
				}
				batch = append(batch, nb)
			}
			zr.Close()
			continue
		}

		if known, err := s.books.HasFilePath(ctx, path); err != nil || known {
			continue
		}
		nb, err := parseFile(path)
		if err != nil {
			log.Warn("invalid book file", logger.Data{"path": path, "err": err.Error()})
			continue
		}
		batch = append(batch, nb)
	}

	if len(batch) == 0 {
		return books.BatchResult{}, nil
	}
	res, err := s.books.CreateBooks(ctx, batch)
	if err != nil {
		return books.BatchResult{}, err
	}
	for _, id := range res.ReplacedIDs {
		s.covers.Invalidate(id)
	}
	return *res, nil
}

// parseFile parses a bare .fb2 or .epub from disk.
func parseFile(path string) (*books.NewBook, error) {
	ext := strings.ToLower(filepath.Ext(path))

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !mimeMatches(mtype, extensionsToScan[ext]) {
		return nil, errors.Errorf("unexpected content type %s for %s file", mtype.String(), ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var meta *bookfile.ParsedMetadata
	switch ext {
	case ".fb2":
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		defer f.Close()
		meta, err = fb2.ParseDescription(f)
		if err != nil {
			return nil, err
		}
	case ".epub":
		meta, err = epub.ParseFile(path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unsupported extension %s", ext)
	}

	return newBookFromMetadata(meta, path, filepath.Base(path), info.Size(), bookTypeFor(ext)), nil
}

// parseEntry parses one archive entry. EPUB needs random access, so the
// entry is copied to memory first; FB2 streams straight from the archive.
func parseEntry(f *zip.File, compositePath string) (*books.NewBook, error) {
	ext := strings.ToLower(filepath.Ext(f.Name))

	rc, err := f.Open()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rc.Close()

	var meta *bookfile.ParsedMetadata
	switch ext {
	case ".fb2":
		meta, err = fb2.ParseDescription(rc)
	case ".epub":
		var data []byte
		data, err = io.ReadAll(rc)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		meta, err = epub.Parse(bytes.NewReader(data), int64(len(data)))
	default:
		return nil, errors.Errorf("unsupported extension %s", ext)
	}
	if err != nil {
		return nil, err
	}

	size := int64(f.UncompressedSize64)
	return newBookFromMetadata(meta, compositePath, filepath.Base(f.Name), size, bookTypeFor(ext)), nil
}

func bookTypeFor(ext string) string {
	if ext == ".epub" {
		return models.BookTypeEPUB
	}
	return models.BookTypeFB2
}

// bookIDNamespace seeds the name-based UUIDs minted for files that carry no
// publisher identifier. Deriving the id from the catalog path keeps it stable
// across scans, so a rescan never mints a second identity for the same file.
var bookIDNamespace = uuid.MustParse("9f4f5a60-9e2b-4c8e-9a6e-3f6f0d2c1b7a")

// newBookFromMetadata maps parsed metadata onto a store row. Files without
// an identifier get a generated one; files without a title borrow the file
// name, and the store fills in the Unknown author when the list is empty.
func newBookFromMetadata(meta *bookfile.ParsedMetadata, filePath, fileName string, size int64, bookType string) *books.NewBook {
	id := strings.TrimSpace(meta.ID)
	if id == "" {
		id = uuid.NewSHA1(bookIDNamespace, []byte(filePath)).String()
	}
	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}

	return &books.NewBook{
		Book: &models.Book{
			ID:           id,
			Title:        title,
			Annotation:   meta.Annotation,
			Language:     meta.Language,
			BookDate:     meta.BookDate,
			DocumentDate: meta.DocumentDate,
			DocVersion:   meta.DocVersion,
			BookType:     bookType,
			FilePath:     filePath,
			FileName:     fileName,
			DocumentSize: size,
			HasCover:     meta.HasCover,
			Translators:  meta.Translators,
		},
		Authors:   meta.Authors,
		Genres:    meta.Genres,
		Sequences: meta.Sequences,
	}
}

// mimeMatches walks the detected type and its ancestors, so a format the
// sniffer knows specifically (an XML dialect, say) still matches the broad
// type its extension expects.
func mimeMatches(mtype *mimetype.MIME, allowed []string) bool {
	for m := mtype; m != nil; m = m.Parent() {
		for _, a := range allowed {
			if m.Is(a) {
				return true
			}
		}
	}
	return false
}
