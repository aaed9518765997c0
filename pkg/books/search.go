package books

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/tinyopds/tinyopds/pkg/translit"
)

// searchLimit caps how many FTS hits are pulled for ranking. Personal
// libraries rarely produce more; anything past this would page uselessly.
const searchLimit = 1000

// Search runs the free-text book search: an FTS5 match over title,
// annotation and author text, retried through the reverse transliteration
// table when a Latin query finds nothing in a Cyrillic catalog. Results are
// ordered by how directly the title matches: exact, then prefix, then word
// start, then substring, then hits on the other columns.
func (svc *Service) Search(ctx context.Context, query string, cyrillicFirst bool) ([]*models.Book, error) {
	q := strings.Join(strings.Fields(query), " ")
	if q == "" {
		return nil, nil
	}

	found, err := svc.searchOnce(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		if back := translit.Back(q); back != q {
			found, err = svc.searchOnce(ctx, back)
			if err != nil {
				return nil, err
			}
			q = back
		}
	}

	needle := strings.ToLower(q)
	sort.SliceStable(found, func(i, j int) bool {
		ri, rj := titleRank(found[i].Title, needle), titleRank(found[j].Title, needle)
		if ri != rj {
			return ri < rj
		}
		return translit.Less(found[i].Title, found[j].Title, cyrillicFirst)
	})
	return found, nil
}

func (svc *Service) searchOnce(ctx context.Context, q string) ([]*models.Book, error) {
	match := ftsQuery(q)
	if match == "" {
		return nil, nil
	}

	var ids []string
	err := svc.db.NewSelect().
		Table("books_fts").
		Column("book_id").
		Where("books_fts MATCH ?", match).
		Limit(searchLimit).
		Scan(ctx, &ids)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	return svc.ListBooks(ctx, ListBooksOptions{IDs: ids})
}

// ftsQuery turns free text into an FTS5 match expression: every token is
// quoted to disarm the query syntax, and the last one becomes a prefix term
// so a half-typed word still matches.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	for i, f := range fields {
		f = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
		if i == len(fields)-1 {
			f += "*"
		}
		fields[i] = f
	}
	return strings.Join(fields, " ")
}

// titleRank buckets a title by match directness against a lowercased query.
func titleRank(title, needle string) int {
	t := strings.ToLower(title)
	switch {
	case t == needle:
		return 0
	case strings.HasPrefix(t, needle):
		return 1
	case strings.Contains(t, " "+needle):
		return 2
	case strings.Contains(t, needle):
		return 3
	}
	// Matched via annotation or author text only.
	return 4
}
