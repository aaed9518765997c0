package watcher

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyopds/tinyopds/pkg/aliases"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/covers"
	"github.com/tinyopds/tinyopds/pkg/genres"
	"github.com/tinyopds/tinyopds/pkg/migrations"
	"github.com/tinyopds/tinyopds/pkg/scanner"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const waitFor = 15 * time.Second

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
		require.NoError(t, db.Close())
	})
	return db
}

func setupWatcher(t *testing.T) (*Watcher, *books.Service, string) {
	t.Helper()

	db := setupTestDB(t)
	catalog, err := genres.Load()
	require.NoError(t, err)
	resolver, err := aliases.Load()
	require.NoError(t, err)

	bookSvc := books.NewService(db, catalog, resolver, true)
	coverSvc := covers.NewService(db, t.TempDir(), 1<<20)
	scan := scanner.New(bookSvc, coverSvc)
	w := New(scan, bookSvc, coverSvc)

	root := t.TempDir()
	require.NoError(t, w.Start(root))
	t.Cleanup(w.Stop)
	return w, bookSvc, root
}

func fb2XML(id, title string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<FictionBook xmlns="http://www.gribuser.ru/xml/fictionbook/2.0">
<description>
	<title-info>
		<genre>sf</genre>
		<author><first-name>Тест</first-name><last-name>Автор</last-name></author>
		<book-title>%s</book-title>
		<lang>ru</lang>
	</title-info>
	<document-info>
		<id>%s</id>
		<version>1.0</version>
	</document-info>
</description>
<body><p>text</p></body>
</FictionBook>`, title, id))
}

func hasPath(svc *books.Service, path string) func() bool {
	return func() bool {
		known, err := svc.HasFilePath(context.Background(), path)
		return err == nil && known
	}
}

func TestWatcher_ImportsCreatedFile(t *testing.T) {
	t.Parallel()

	_, bookSvc, root := setupWatcher(t)

	path := filepath.Join(root, "new.fb2")
	require.NoError(t, os.WriteFile(path, fb2XML("w-1", "Новая Книга"), 0o644))

	require.Eventually(t, hasPath(bookSvc, path), waitFor, 100*time.Millisecond,
		"the created file should be imported")
}

func TestWatcher_RemovesDeletedFile(t *testing.T) {
	t.Parallel()

	_, bookSvc, root := setupWatcher(t)

	path := filepath.Join(root, "gone.fb2")
	require.NoError(t, os.WriteFile(path, fb2XML("w-2", "Уходящая Книга"), 0o644))
	require.Eventually(t, hasPath(bookSvc, path), waitFor, 100*time.Millisecond)

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		return !hasPath(bookSvc, path)()
	}, waitFor, 100*time.Millisecond, "the deleted file should leave the store")
}

func TestWatcher_RenameMovesTheBook(t *testing.T) {
	t.Parallel()

	_, bookSvc, root := setupWatcher(t)

	oldPath := filepath.Join(root, "old.fb2")
	newPath := filepath.Join(root, "new-name.fb2")
	require.NoError(t, os.WriteFile(oldPath, fb2XML("w-3", "Переименованная"), 0o644))
	require.Eventually(t, hasPath(bookSvc, oldPath), waitFor, 100*time.Millisecond)

	require.NoError(t, os.Rename(oldPath, newPath))

	require.Eventually(t, func() bool {
		return hasPath(bookSvc, newPath)() && !hasPath(bookSvc, oldPath)()
	}, waitFor, 100*time.Millisecond, "the book should follow the file to its new path")
}

func TestWatcher_WatchesNewDirectories(t *testing.T) {
	t.Parallel()

	_, bookSvc, root := setupWatcher(t)

	sub := filepath.Join(root, "incoming")
	require.NoError(t, os.Mkdir(sub, 0o755))
	path := filepath.Join(sub, "dropped.fb2")
	require.NoError(t, os.WriteFile(path, fb2XML("w-4", "Подкинутая"), 0o644))

	require.Eventually(t, hasPath(bookSvc, path), waitFor, 100*time.Millisecond,
		"files inside a freshly created directory should be picked up")
}

func TestWatcher_StartIsExclusiveAndStopIdempotent(t *testing.T) {
	t.Parallel()

	w, _, root := setupWatcher(t)

	err := w.Start(root)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, w.Running())

	w.Stop()
	assert.False(t, w.Running())
	w.Stop()
}

func TestCancelPairs(t *testing.T) {
	t.Parallel()

	added := []string{"/a.fb2", "/b.fb2", "/c.fb2"}
	deleted := []string{"/b.fb2", "/d.fb2"}
	cancelPairs(&added, &deleted)

	assert.Equal(t, []string{"/a.fb2", "/c.fb2"}, added)
	assert.Equal(t, []string{"/d.fb2"}, deleted)

	// Nothing in common leaves both untouched.
	added = []string{"/x.fb2"}
	deleted = []string{"/y.fb2"}
	cancelPairs(&added, &deleted)
	assert.Equal(t, []string{"/x.fb2"}, added)
	assert.Equal(t, []string{"/y.fb2"}, deleted)
}

func TestTake(t *testing.T) {
	t.Parallel()

	queue := []string{"a", "b", "c"}
	batch := take(&queue, 2)
	assert.Equal(t, []string{"a", "b"}, batch)
	assert.Equal(t, []string{"c"}, queue)

	batch = take(&queue, 10)
	assert.Equal(t, []string{"c"}, batch)
	assert.Empty(t, queue)
}

func TestIsFileBusy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	assert.False(t, isFileBusy(filepath.Join(dir, "missing.fb2")),
		"a vanished file is not busy")

	settled := filepath.Join(dir, "settled.fb2")
	require.NoError(t, os.WriteFile(settled, []byte("content"), 0o644))
	assert.False(t, isFileBusy(settled))
}
