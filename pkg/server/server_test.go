package server

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyopds/tinyopds/pkg/aliases"
	"github.com/tinyopds/tinyopds/pkg/authors"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/config"
	"github.com/tinyopds/tinyopds/pkg/covers"
	"github.com/tinyopds/tinyopds/pkg/downloads"
	"github.com/tinyopds/tinyopds/pkg/genres"
	"github.com/tinyopds/tinyopds/pkg/httpauth"
	"github.com/tinyopds/tinyopds/pkg/migrations"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/tinyopds/tinyopds/pkg/opds"
	"github.com/tinyopds/tinyopds/pkg/scanner"
	"github.com/tinyopds/tinyopds/pkg/sequences"
	"github.com/tinyopds/tinyopds/pkg/stats"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type testServer struct {
	handler   http.Handler
	cfg       *config.Config
	books     *books.Service
	downloads *downloads.Service
	scanner   *scanner.Scanner
}

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	// One connection, or every pool conn gets its own empty :memory: database.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func setupTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()

	cfg := config.NewForTest()
	cfg.LibraryPath = t.TempDir()
	cfg.DataDirectory = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	db := setupTestDB(t)

	catalog, err := genres.Load()
	require.NoError(t, err)
	genreService := genres.NewService(db, catalog)
	require.NoError(t, genreService.Seed(context.Background()))

	resolver, err := aliases.Load()
	require.NoError(t, err)

	bookService := books.NewService(db, catalog, resolver, cfg.UseAuthorsAliases)
	authorService := authors.NewService(db)
	sequenceService := sequences.NewService(db)
	coverService := covers.NewService(db, filepath.Join(cfg.DataDirectory, "covers"), 1<<20)
	downloadService := downloads.NewService(db, bookService)

	statsCache := stats.New(bookService, authorService, sequenceService, genreService, 30*24*time.Hour, cfg.CyrillicFirst())
	bookService.OnMutation(statsCache.Invalidate)

	scan := scanner.New(bookService, coverService)
	t.Cleanup(scan.Shutdown)

	authService := httpauth.NewService(cfg)
	opdsService := opds.NewService(
		opds.OptionsFromConfig(cfg),
		bookService, authorService, sequenceService, genreService, downloadService, statsCache,
	)

	srv, err := New(Deps{
		Config:    cfg,
		Books:     bookService,
		Covers:    coverService,
		Downloads: downloadService,
		OPDS:      opdsService,
		Auth:      authService,
		Stats:     statsCache,
		Scanner:   scan,
	})
	require.NoError(t, err)

	return &testServer{
		handler:   srv.Handler,
		cfg:       cfg,
		books:     bookService,
		downloads: downloadService,
		scanner:   scan,
	}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

// seedBook writes content to a file inside the library and registers it.
func seedBook(t *testing.T, ts *testServer, id, title, fileName, content string) *models.Book {
	t.Helper()

	path := filepath.Join(ts.cfg.LibraryPath, fileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	bookType := models.BookTypeFB2
	if strings.HasSuffix(fileName, ".epub") {
		bookType = models.BookTypeEPUB
	}

	outcome, err := ts.books.CreateBook(context.Background(), &books.NewBook{
		Book: &models.Book{
			ID:           id,
			Title:        title,
			BookType:     bookType,
			FilePath:     path,
			FileName:     fileName,
			DocumentSize: int64(len(content)),
		},
		Authors: []string{"Tolstoy Leo"},
	})
	require.NoError(t, err)
	require.Equal(t, books.InsertNew, outcome.Decision)

	book, err := ts.books.RetrieveBook(context.Background(), books.RetrieveBookOptions{ID: &id})
	require.NoError(t, err)
	return book
}

func TestDownloadFB2WrappedInZip(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, nil)

	const content = "<?xml version=\"1.0\"?><FictionBook/>"
	seedBook(t, ts, "book-1", "War and Peace", "war.fb2", content)

	req := httptest.NewRequest(http.MethodGet, "/opds/download/book-1/fb2", nil)
	rec := ts.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, opds.MimeTypeFB2, rec.Header().Get(echoHeaderContentType))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "tolstoy-leo-war-and-peace.fb2.zip")

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "tolstoy-leo-war-and-peace.fb2", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	inner, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, string(inner))

	count, err := ts.downloads.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDownloadEPUBServedRaw(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, nil)

	seedBook(t, ts, "book-2", "Novel", "novel.epub", "PK-epub-bytes")

	req := httptest.NewRequest(http.MethodGet, "/opds/download/book-2/epub", nil)
	rec := ts.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, opds.MimeTypeEPUB, rec.Header().Get(echoHeaderContentType))
	assert.Equal(t, "PK-epub-bytes", rec.Body.String())
}

func TestDownloadUnknownBook(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/opds/download/nope/fb2", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadWrongFormat(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, nil)

	seedBook(t, ts, "book-3", "Epub Only", "only.epub", "PK")

	// No converter wired, so the fb2-to-epub fallback cannot trigger and an
	// epub book never serves as fb2.
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/opds/download/book-3/fb2", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCoverNotFound(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, nil)

	seedBook(t, ts, "book-4", "No Art", "noart.fb2", "<FictionBook/>")

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/opds/cover/book-4.jpeg", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFavicon(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/x-icon", rec.Header().Get(echoHeaderContentType))
	assert.NotZero(t, rec.Body.Len())
}

func TestRootCatalogUnderPrefix(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/opds", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echoHeaderContentType), "application/atom+xml")
	assert.Contains(t, rec.Body.String(), "<feed")
}

const echoHeaderContentType = "Content-Type"
