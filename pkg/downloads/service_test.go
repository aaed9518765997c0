package downloads

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyopds/tinyopds/pkg/aliases"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/genres"
	"github.com/tinyopds/tinyopds/pkg/migrations"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
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

func setupServices(t *testing.T, db *bun.DB) (*books.Service, *Service) {
	t.Helper()

	catalog, err := genres.Load()
	require.NoError(t, err)
	resolver, err := aliases.Load()
	require.NoError(t, err)

	bookSvc := books.NewService(db, catalog, resolver, true)
	return bookSvc, NewService(db, bookSvc)
}

func createBook(t *testing.T, bookSvc *books.Service, id, title string) {
	t.Helper()

	_, err := bookSvc.CreateBook(context.Background(), &books.NewBook{
		Book: &models.Book{
			ID:       id,
			Title:    title,
			BookType: models.BookTypeFB2,
			FilePath: "/lib/" + id + ".fb2",
			FileName: id + ".fb2",
		},
		Authors: []string{"Автор"},
	})
	require.NoError(t, err)
}

func recordAt(t *testing.T, db *bun.DB, bookID, client string, at time.Time) {
	t.Helper()

	d := &models.Download{BookID: bookID, ClientFingerprint: client, DownloadedAt: at}
	_, err := db.NewInsert().Model(d).Exec(context.Background())
	require.NoError(t, err)
}

func TestRecord_WritesRowAndNotifies(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	bookSvc, svc := setupServices(t, db)

	createBook(t, bookSvc, "dl-1", "Книга")

	fired := 0
	svc.OnRecord(func() { fired++ })

	require.NoError(t, svc.Record(ctx, "dl-1", "client-a"))
	require.NoError(t, svc.Record(ctx, "dl-1", "client-b"))

	n, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, fired)
}

func TestListDownloadedBooks_CollapsesToLatestFetch(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	bookSvc, svc := setupServices(t, db)

	createBook(t, bookSvc, "u-1", "Первая")
	createBook(t, bookSvc, "u-2", "Вторая")

	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	recordAt(t, db, "u-1", "c1", base)
	recordAt(t, db, "u-1", "c2", base.Add(2*time.Hour))
	recordAt(t, db, "u-2", "c1", base.Add(time.Hour))

	list, total, err := svc.ListDownloadedBooks(ctx, ListDownloadedOptions{Order: OrderByDateDesc})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 2)
	// u-1's latest fetch outranks u-2's single one.
	assert.Equal(t, "u-1", list[0].ID)
	assert.Equal(t, "u-2", list[1].ID)
}

func TestListDownloadedBooks_AlphabeticOrderAndPaging(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	bookSvc, svc := setupServices(t, db)

	createBook(t, bookSvc, "al-1", "Яма")
	createBook(t, bookSvc, "al-2", "Аэлита")
	createBook(t, bookSvc, "al-3", "Мы")

	now := time.Now().UTC()
	recordAt(t, db, "al-1", "c", now)
	recordAt(t, db, "al-2", "c", now)
	recordAt(t, db, "al-3", "c", now)

	list, total, err := svc.ListDownloadedBooks(ctx, ListDownloadedOptions{
		Order:         OrderByTitle,
		CyrillicFirst: true,
		Limit:         intPtr(2),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 2)
	assert.Equal(t, "Аэлита", list[0].Title)
	assert.Equal(t, "Мы", list[1].Title)

	list, _, err = svc.ListDownloadedBooks(ctx, ListDownloadedOptions{
		Order:         OrderByTitle,
		CyrillicFirst: true,
		Offset:        intPtr(2),
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Яма", list[0].Title)
}

func TestListDownloadedBooks_EmptyWithoutDownloads(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	bookSvc, svc := setupServices(t, db)

	createBook(t, bookSvc, "e-1", "Никем не скачана")

	list, total, err := svc.ListDownloadedBooks(ctx, ListDownloadedOptions{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	r1 := httptest.NewRequest("GET", "/download/x/fb2", nil)
	r1.RemoteAddr = "192.0.2.10:51234"
	r1.Header.Set("User-Agent", "FBReader/3.1")

	r2 := httptest.NewRequest("GET", "/download/y/epub", nil)
	r2.RemoteAddr = "192.0.2.10:9999" // same host, different source port
	r2.Header.Set("User-Agent", "FBReader/3.1")

	assert.Equal(t, Fingerprint(r1), Fingerprint(r2))
	assert.Len(t, Fingerprint(r1), 16)

	r3 := httptest.NewRequest("GET", "/", nil)
	r3.RemoteAddr = "192.0.2.10:51234"
	r3.Header.Set("User-Agent", "Calibre/7.0")
	assert.NotEqual(t, Fingerprint(r1), Fingerprint(r3))

	// The first forwarded hop wins over the proxy's own address.
	r4 := httptest.NewRequest("GET", "/", nil)
	r4.RemoteAddr = "10.0.0.1:80"
	r4.Header.Set("X-Forwarded-For", "192.0.2.10, 10.0.0.1")
	r4.Header.Set("User-Agent", "FBReader/3.1")
	assert.Equal(t, Fingerprint(r1), Fingerprint(r4))
}

func intPtr(i int) *int { return &i }
