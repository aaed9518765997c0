package genres

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/uptrace/bun"
)

type Service struct {
	db      *bun.DB
	catalog *Catalog
}

func NewService(db *bun.DB, catalog *Catalog) *Service {
	return &Service{db: db, catalog: catalog}
}

// Catalog exposes the embedded taxonomy.
func (svc *Service) Catalog() *Catalog {
	return svc.catalog
}

// Seed upserts the embedded taxonomy into the genres table. Existing rows
// are refreshed so a new binary can update names and translations in place.
func (svc *Service) Seed(ctx context.Context) error {
	genres := make([]*models.Genre, 0, len(svc.catalog.byTag))
	for _, g := range svc.catalog.byTag {
		genres = append(genres, g)
	}
	_, err := svc.db.
		NewInsert().
		Model(&genres).
		On("CONFLICT (tag) DO UPDATE").
		Set("english_name = EXCLUDED.english_name").
		Set("translation = EXCLUDED.translation").
		Set("parent_tag = EXCLUDED.parent_tag").
		Exec(ctx)
	return errors.WithStack(err)
}

// BookCounts returns the number of books per genre tag, counting only tags
// that have at least one book.
func (svc *Service) BookCounts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		GenreTag string `bun:"genre_tag"`
		Count    int    `bun:"count"`
	}
	err := svc.db.
		NewSelect().
		TableExpr("book_genres AS bg").
		ColumnExpr("bg.genre_tag").
		ColumnExpr("count(DISTINCT bg.book_id) AS count").
		GroupExpr("bg.genre_tag").
		Scan(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.GenreTag] = r.Count
	}
	return counts, nil
}

// GroupsWithBooks returns the taxonomy roots that have at least one book in
// the group or any of its subgenres, with BookCount filled in.
func (svc *Service) GroupsWithBooks(ctx context.Context) ([]*models.Genre, error) {
	counts, err := svc.BookCounts(ctx)
	if err != nil {
		return nil, err
	}

	var groups []*models.Genre
	for _, root := range svc.catalog.Roots() {
		total := counts[root.Tag]
		for _, child := range svc.catalog.Children(root.Tag) {
			total += counts[child.Tag]
		}
		if total == 0 {
			continue
		}
		g := *root
		g.BookCount = total
		groups = append(groups, &g)
	}
	return groups, nil
}

// SubgenresWithBooks returns the children of a group that have books, with
// BookCount filled in. Books attached to the group tag itself are reported
// under a copy of the group row, mirroring how mixed groups are catalogued.
func (svc *Service) SubgenresWithBooks(ctx context.Context, groupTag string) ([]*models.Genre, error) {
	counts, err := svc.BookCounts(ctx)
	if err != nil {
		return nil, err
	}

	var out []*models.Genre
	if n := counts[groupTag]; n > 0 {
		if root, ok := svc.catalog.Lookup(groupTag); ok {
			g := *root
			g.BookCount = n
			out = append(out, &g)
		}
	}
	for _, child := range svc.catalog.Children(groupTag) {
		n := counts[child.Tag]
		if n == 0 {
			continue
		}
		g := *child
		g.BookCount = n
		out = append(out, &g)
	}
	return out, nil
}
