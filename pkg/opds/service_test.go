package opds

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyopds/tinyopds/pkg/aliases"
	"github.com/tinyopds/tinyopds/pkg/authors"
	"github.com/tinyopds/tinyopds/pkg/bookfile"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/downloads"
	"github.com/tinyopds/tinyopds/pkg/genres"
	"github.com/tinyopds/tinyopds/pkg/migrations"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/tinyopds/tinyopds/pkg/sequences"
	"github.com/tinyopds/tinyopds/pkg/stats"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

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

type testCatalog struct {
	books     *books.Service
	downloads *downloads.Service
	service   *Service
}

func setupCatalog(t *testing.T, opts Options) *testCatalog {
	t.Helper()

	db := setupTestDB(t)
	catalog, err := genres.Load()
	require.NoError(t, err)
	resolver, err := aliases.Load()
	require.NoError(t, err)

	bookSvc := books.NewService(db, catalog, resolver, true)
	authorSvc := authors.NewService(db)
	sequenceSvc := sequences.NewService(db)
	genreSvc := genres.NewService(db, catalog)
	downloadSvc := downloads.NewService(db, bookSvc)
	cache := stats.New(bookSvc, authorSvc, sequenceSvc, genreSvc, 30*24*time.Hour, true)
	bookSvc.OnMutation(cache.Invalidate)

	return &testCatalog{
		books:     bookSvc,
		downloads: downloadSvc,
		service:   NewService(opts, bookSvc, authorSvc, sequenceSvc, genreSvc, downloadSvc, cache),
	}
}

func defaultOptions() Options {
	return Options{
		ServerName:    "TinyOPDS test",
		PageSize:      100,
		CyrillicFirst: true,
		Structure:     63,
	}
}

func seed(t *testing.T, tc *testCatalog, nb *books.NewBook) {
	t.Helper()
	_, err := tc.books.CreateBook(context.Background(), nb)
	require.NoError(t, err)
}

func fb2Book(id, title, path string, authorNames ...string) *books.NewBook {
	return &books.NewBook{
		Book: &models.Book{
			ID:           id,
			Title:        title,
			BookType:     models.BookTypeFB2,
			FilePath:     path,
			FileName:     path,
			DocumentSize: 1000,
			DocVersion:   1.0,
		},
		Authors: authorNames,
	}
}

func entryTitles(f *Feed) []string {
	titles := make([]string, len(f.Entries))
	for i, e := range f.Entries {
		titles[i] = e.Title
	}
	return titles
}

func navigationHref(t *testing.T, e Entry) string {
	t.Helper()
	for _, l := range e.Links {
		if l.Rel == RelSubsection {
			return l.Href
		}
	}
	t.Fatalf("entry %q has no navigation link", e.Title)
	return ""
}

func TestRoot_EntriesFollowStructureBitmap(t *testing.T) {
	t.Parallel()
	tc := setupCatalog(t, defaultOptions())

	f, err := tc.service.Root(context.Background())
	require.NoError(t, err)

	titles := entryTitles(f)
	assert.Contains(t, titles, "New books (by date)")
	assert.Contains(t, titles, "New books (alphabetically)")
	assert.Contains(t, titles, "By authors")
	assert.Contains(t, titles, "By series")
	assert.Contains(t, titles, "By genres")
	assert.Contains(t, titles, "Downloaded books (by date)")

	// Every feed carries the fixed link set.
	rels := map[string]int{}
	for _, l := range f.Links {
		rels[l.Rel]++
	}
	assert.Equal(t, 1, rels[RelSelf])
	assert.Equal(t, 1, rels[RelStart])
	assert.Equal(t, 2, rels[RelSearch])
}

func TestRoot_DisabledSectionsAreHidden(t *testing.T) {
	t.Parallel()
	opts := defaultOptions()
	opts.Structure = StructureAuthors | StructureGenres
	tc := setupCatalog(t, opts)

	f, err := tc.service.Root(context.Background())
	require.NoError(t, err)

	titles := entryTitles(f)
	assert.Equal(t, []string{"By authors", "By genres"}, titles)
}

func TestSequenceFeed_OrderedBySeriesNumber(t *testing.T) {
	t.Parallel()
	tc := setupCatalog(t, defaultOptions())
	ctx := context.Background()

	for i, title := range []string{"Третья", "Первая", "Вторая"} {
		nb := fb2Book(fmt.Sprintf("seq-%d", i), title, fmt.Sprintf("/lib/%d.fb2", i), "Толстой Лев Николаевич")
		nb.Sequences = []bookfile.ParsedSequence{{Name: "Классика", Number: []int{3, 1, 2}[i]}}
		seed(t, tc, nb)
	}

	f, err := tc.service.Sequence(ctx, "Классика", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Первая", "Вторая", "Третья"}, entryTitles(f))
	require.NotNil(t, f.TotalResults)
	assert.Equal(t, 3, *f.TotalResults)
}

func TestAuthorDetails_RedirectsWhenOneKind(t *testing.T) {
	t.Parallel()
	tc := setupCatalog(t, defaultOptions())
	ctx := context.Background()

	nb := fb2Book("b1", "Война и мир", "/lib/war.fb2", "Толстой Лев Николаевич")
	nb.Sequences = []bookfile.ParsedSequence{{Name: "Классика", Number: 1}}
	seed(t, tc, nb)
	seed(t, tc, fb2Book("b2", "Бедные люди", "/lib/poor.fb2", "Достоевский Фёдор Михайлович"))

	// All books in series: straight to the series view.
	_, redirect, err := tc.service.AuthorDetails(ctx, "Толстой Лев Николаевич")
	require.NoError(t, err)
	assert.Contains(t, redirect, "/author-series/")

	// No series at all: straight to the by-date view.
	_, redirect, err = tc.service.AuthorDetails(ctx, "Достоевский Фёдор Михайлович")
	require.NoError(t, err)
	assert.Contains(t, redirect, "/author-by-date/")

	// Both kinds: the intermediate page.
	seed(t, tc, fb2Book("b3", "Детство", "/lib/childhood.fb2", "Толстой Лев Николаевич"))
	f, redirect, err := tc.service.AuthorDetails(ctx, "Толстой Лев Николаевич")
	require.NoError(t, err)
	assert.Empty(t, redirect)
	require.NotNil(t, f)
	assert.Equal(t, []string{"By series", "Books without series", "Books alphabetically", "Books by date"}, entryTitles(f))
}

func TestSearch_DisambiguatesWhenBothKindsMatch(t *testing.T) {
	t.Parallel()
	tc := setupCatalog(t, defaultOptions())
	ctx := context.Background()

	seed(t, tc, fb2Book("b1", "Pushkin in art", "/lib/art.fb2", "Smith John"))
	seed(t, tc, fb2Book("b2", "Евгений Онегин", "/lib/onegin.fb2", "Pushkin Alexander"))

	f, err := tc.service.Search(ctx, "Pushkin", "", 0)
	require.NoError(t, err)
	require.Len(t, f.Entries, 2)
	assert.Contains(t, navigationHref(t, f.Entries[0]), "searchType=authors")
	assert.Contains(t, navigationHref(t, f.Entries[0]), "searchTerm=Pushkin")
	assert.Contains(t, navigationHref(t, f.Entries[1]), "searchType=books")
}

func TestSearch_ReportsTransliterationStage(t *testing.T) {
	t.Parallel()
	tc := setupCatalog(t, defaultOptions())
	ctx := context.Background()

	seed(t, tc, fb2Book("b1", "Бедные люди", "/lib/poor.fb2", "Достоевский Фёдор Михайлович"))

	f, err := tc.service.Search(ctx, "Dostoevskij Fyodor Mihajlovich", SearchTypeAuthors, 0)
	require.NoError(t, err)
	require.Len(t, f.Entries, 1)
	assert.Equal(t, "Достоевский Фёдор Михайлович", f.Entries[0].Title)
	assert.Contains(t, f.Title, "translit match")
}

func TestBookEntry_CarriesFullLinkSet(t *testing.T) {
	t.Parallel()
	opts := defaultOptions()
	opts.RootPrefix = "opds"
	tc := setupCatalog(t, opts)
	ctx := context.Background()

	nb := fb2Book("b1", "Война и мир", "/lib/war.fb2", "Толстой Лев Николаевич")
	nb.Book.Annotation = "Роман-эпопея."
	nb.Book.Language = "ru"
	nb.Book.BookDate = 1869
	nb.Book.HasCover = true
	nb.Book.Translators = []string{"Maude Aylmer"}
	nb.Genres = []string{"prose_classic"}
	nb.Sequences = []bookfile.ParsedSequence{{Name: "Классика", Number: 1}}
	seed(t, tc, nb)

	f, err := tc.service.NewByDate(ctx, 0)
	require.NoError(t, err)
	require.Len(t, f.Entries, 1)
	e := f.Entries[0]

	assert.Equal(t, "tag:book:b1", e.ID)
	require.Len(t, e.Authors, 1)
	assert.Equal(t, "/opds/author-details/%D0%A2%D0%BE%D0%BB%D1%81%D1%82%D0%BE%D0%B9%20%D0%9B%D0%B5%D0%B2%20%D0%9D%D0%B8%D0%BA%D0%BE%D0%BB%D0%B0%D0%B5%D0%B2%D0%B8%D1%87", e.Authors[0].URI)
	require.Len(t, e.Categories, 1)
	assert.Equal(t, "prose_classic", e.Categories[0].Term)
	assert.Equal(t, "ru", e.Language)
	assert.Equal(t, "fb2", e.Format)
	assert.Equal(t, int64(1000), e.Size)

	require.NotNil(t, e.Content)
	assert.Contains(t, e.Content.Value, "Роман-эпопея.")
	assert.Contains(t, e.Content.Value, "Translation: Maude Aylmer")
	assert.Contains(t, e.Content.Value, "Year: 1869")
	assert.Contains(t, e.Content.Value, "Series: Классика #1")

	rels := map[string]int{}
	var acquisition Link
	for _, l := range e.Links {
		rels[l.Rel]++
		if l.Rel == RelOpenAcquisition {
			acquisition = l
		}
	}
	assert.Equal(t, 1, rels[RelImage])
	assert.Equal(t, 1, rels[RelThumbnail])
	assert.Equal(t, 1, rels[RelStanzaImage])
	assert.Equal(t, 1, rels[RelStanzaThumbnail])
	assert.Equal(t, 1, rels[RelOpenAcquisition])
	assert.Equal(t, 2, rels[RelRelated])
	assert.Equal(t, "/opds/download/b1/fb2", acquisition.Href)
	assert.Equal(t, MimeTypeFB2, acquisition.Type)
}

func TestDownloadedFeed_UniquePerBookNewestFirst(t *testing.T) {
	t.Parallel()
	tc := setupCatalog(t, defaultOptions())
	ctx := context.Background()

	seed(t, tc, fb2Book("b1", "Первая", "/lib/1.fb2", "Автор Один"))
	seed(t, tc, fb2Book("b2", "Вторая", "/lib/2.fb2", "Автор Два"))

	require.NoError(t, tc.downloads.Record(ctx, "b1", "client-a"))
	require.NoError(t, tc.downloads.Record(ctx, "b2", "client-a"))
	require.NoError(t, tc.downloads.Record(ctx, "b1", "client-b"))

	f, err := tc.service.Downloaded(ctx, true, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Первая", "Вторая"}, entryTitles(f))
}

func TestPagination_PagesArePrefixClosed(t *testing.T) {
	t.Parallel()
	opts := defaultOptions()
	opts.PageSize = 3
	tc := setupCatalog(t, opts)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		seed(t, tc, fb2Book(fmt.Sprintf("b%d", i), fmt.Sprintf("Книга %02d", i), fmt.Sprintf("/lib/%d.fb2", i), "Автор Тест"))
	}

	var paged []string
	for page := 0; page < 3; page++ {
		f, err := tc.service.NewByTitle(ctx, page)
		require.NoError(t, err)
		paged = append(paged, entryTitles(f)...)

		if page == 0 {
			for _, l := range f.Links {
				assert.NotEqual(t, RelPrevious, l.Rel)
			}
		} else {
			rels := map[string]bool{}
			for _, l := range f.Links {
				rels[l.Rel] = true
			}
			assert.True(t, rels[RelPrevious])
			assert.True(t, rels[RelFirst])
		}
	}

	whole := setupWholeListing(t, tc, ctx)
	assert.Equal(t, whole, paged)
}

func setupWholeListing(t *testing.T, tc *testCatalog, ctx context.Context) []string {
	t.Helper()
	svc := NewService(defaultOptions(), tc.books, nil, nil, nil, nil, tc.service.stats)
	f, err := svc.NewByTitle(ctx, 0)
	require.NoError(t, err)
	return entryTitles(f)
}

func TestBuildIndexNodes_GroupsOnlyLettersSharedByTwo(t *testing.T) {
	t.Parallel()

	items := make([]indexItem, 0, 12)
	// Five names under "Aa", five under "Ab", one lone "Ac...", one leading
	// digit.
	for i := 0; i < 5; i++ {
		items = append(items, indexItem{Name: fmt.Sprintf("Aardvark %d", i), Count: 1})
	}
	for i := 0; i < 5; i++ {
		items = append(items, indexItem{Name: fmt.Sprintf("Abbot %d", i), Count: 1})
	}
	items = append(items, indexItem{Name: "Ackroyd Peter", Count: 2})
	items = append(items, indexItem{Name: "A123 Collective", Count: 1})

	nodes := buildIndexNodes(items, "A", 10)

	require.Len(t, nodes, 4)
	assert.True(t, nodes[0].Group)
	assert.Equal(t, "Aa", nodes[0].Label)
	assert.Equal(t, 5, nodes[0].Count)
	assert.True(t, nodes[1].Group)
	assert.Equal(t, "Ab", nodes[1].Label)
	// A lone name and a digit prefix stay as leaves.
	assert.False(t, nodes[2].Group)
	assert.Equal(t, "Ackroyd Peter", nodes[2].Label)
	assert.False(t, nodes[3].Group)
	assert.Equal(t, "A123 Collective", nodes[3].Label)
}

func TestBuildIndexNodes_SmallLevelListsEverything(t *testing.T) {
	t.Parallel()

	items := []indexItem{{Name: "Абрамов", Count: 3}, {Name: "Аксёнов", Count: 1}}
	nodes := buildIndexNodes(items, "А", 100)
	require.Len(t, nodes, 2)
	assert.False(t, nodes[0].Group)
	assert.False(t, nodes[1].Group)
}

func TestAuthorsIndex_GroupsPastThreshold(t *testing.T) {
	t.Parallel()
	tc := setupCatalog(t, defaultOptions())
	ctx := context.Background()

	// 101 авторов на "А" force grouping at the top level.
	for i := 0; i < 101; i++ {
		second := 'а' + rune(i%20)
		name := fmt.Sprintf("А%cвтор %03d", second, i)
		seed(t, tc, fb2Book(fmt.Sprintf("b%d", i), fmt.Sprintf("Книга %03d", i), fmt.Sprintf("/lib/%d.fb2", i), name))
	}

	f, err := tc.service.AuthorsIndex(ctx, "")
	require.NoError(t, err)
	require.Len(t, f.Entries, 1)
	assert.True(t, len(f.Entries) < 101)
	assert.Equal(t, "А", f.Entries[0].Title)
	assert.Equal(t, "101 authors", f.Entries[0].Content.Value)
	assert.Contains(t, navigationHref(t, f.Entries[0]), "/authorsindex/")
}
