package genres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyopds/tinyopds/pkg/migrations"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = db.Exec("PRAGMA foreign_keys=ON")
	require.NoError(t, err)

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestLoad(t *testing.T) {
	t.Parallel()

	c, err := Load()
	require.NoError(t, err)

	g, ok := c.Lookup("sf_fantasy")
	require.True(t, ok)
	assert.Equal(t, "sf", g.ParentTag)
	assert.Equal(t, "Fantasy", g.EnglishName)
	assert.Equal(t, "Фэнтези", g.Translation)

	assert.True(t, c.HasChildren("det"))
	assert.False(t, c.HasChildren("det_classic"))
	assert.NotEmpty(t, c.Roots())
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sf_fantasy", c.Normalize("SF Fantasy"))
	assert.Equal(t, "sf_fantasy", c.Normalize("sf-fantasy"))
	assert.Equal(t, "prose", c.Normalize(" prose "))
	assert.Equal(t, "", c.Normalize(""))

	// misspellings are pulled in through soundex
	assert.Equal(t, "sf_fantasy", c.Normalize("sf_fantazy"))

	// an unknown tag survives verbatim after cleanup
	assert.Equal(t, "periodic", c.Normalize("Periodic"))
}

func TestSeedIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := newTestDB(t)
	c, err := Load()
	require.NoError(t, err)
	svc := NewService(db, c)

	require.NoError(t, svc.Seed(ctx))
	require.NoError(t, svc.Seed(ctx))

	count, err := db.NewSelect().Model((*models.Genre)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(c.byTag), count)
}

func TestGroupsWithBooks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := newTestDB(t)
	c, err := Load()
	require.NoError(t, err)
	svc := NewService(db, c)
	require.NoError(t, svc.Seed(ctx))

	book := &models.Book{
		ID:              "b1",
		Title:           "Solaris",
		TitleNormalized: "solaris",
		BookType:        models.BookTypeFB2,
		FilePath:        "solaris.fb2",
		FileName:        "solaris.fb2",
		AddedDate:       time.Now().UTC(),
	}
	_, err = db.NewInsert().Model(book).Exec(ctx)
	require.NoError(t, err)
	_, err = db.NewInsert().Model(&models.BookGenre{BookID: "b1", GenreTag: "sf_space"}).Exec(ctx)
	require.NoError(t, err)

	groups, err := svc.GroupsWithBooks(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "sf", groups[0].Tag)
	assert.Equal(t, 1, groups[0].BookCount)

	subs, err := svc.SubgenresWithBooks(ctx, "sf")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sf_space", subs[0].Tag)
	assert.Equal(t, 1, subs[0].BookCount)
}

func TestSubgenresWithBooks_GroupTaggedBooks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := newTestDB(t)
	c, err := Load()
	require.NoError(t, err)
	svc := NewService(db, c)
	require.NoError(t, svc.Seed(ctx))

	book := &models.Book{
		ID:              "b1",
		Title:           "Пикник на обочине",
		TitleNormalized: "пикник на обочине",
		BookType:        models.BookTypeFB2,
		FilePath:        "picnic.fb2",
		FileName:        "picnic.fb2",
		AddedDate:       time.Now().UTC(),
	}
	_, err = db.NewInsert().Model(book).Exec(ctx)
	require.NoError(t, err)
	// tagged with the bare group tag, which some files in the wild carry
	_, err = db.NewInsert().Model(&models.BookGenre{BookID: "b1", GenreTag: "sf"}).Exec(ctx)
	require.NoError(t, err)

	subs, err := svc.SubgenresWithBooks(ctx, "sf")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sf", subs[0].Tag)
}
