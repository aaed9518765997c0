package authors

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/errcodes"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/tinyopds/tinyopds/pkg/translit"
	"github.com/uptrace/bun"
)

// SearchStage identifies which strategy produced the author search hits.
// Stages run in order and the first one with results wins.
type SearchStage int

const (
	StageNone SearchStage = iota
	StageExact
	StagePartial
	StageTranslit
	StageSoundex
)

func (s SearchStage) String() string {
	switch s {
	case StageExact:
		return "exact"
	case StagePartial:
		return "partial"
	case StageTranslit:
		return "translit"
	case StageSoundex:
		return "soundex"
	}
	return "none"
}

type RetrieveAuthorOptions struct {
	ID   *int64
	Name *string
}

type ListAuthorsOptions struct {
	// Prefix filters on the name as stored. Index prefixes are carved out of
	// stored names, so a byte-exact LIKE is enough.
	Prefix        *string
	Limit         *int
	Offset        *int
	CyrillicFirst bool

	includeTotal bool
}

type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db}
}

func (svc *Service) RetrieveAuthor(ctx context.Context, opts RetrieveAuthorOptions) (*models.Author, error) {
	author := &models.Author{}

	q := svc.db.
		NewSelect().
		Model(author).
		ColumnExpr("a.*").
		ColumnExpr("(SELECT count(*) FROM book_authors AS ba WHERE ba.author_id = a.id) AS book_count")

	if opts.ID != nil {
		q = q.Where("a.id = ?", *opts.ID)
	}
	if opts.Name != nil {
		q = q.Where("a.name = ? COLLATE NOCASE", *opts.Name)
	}

	err := q.Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Author")
		}
		return nil, errors.WithStack(err)
	}

	return author, nil
}

func (svc *Service) ListAuthors(ctx context.Context, opts ListAuthorsOptions) ([]*models.Author, error) {
	a, _, err := svc.listAuthorsWithTotal(ctx, opts)
	return a, err
}

func (svc *Service) ListAuthorsWithTotal(ctx context.Context, opts ListAuthorsOptions) ([]*models.Author, int, error) {
	opts.includeTotal = true
	return svc.listAuthorsWithTotal(ctx, opts)
}

// listAuthorsWithTotal always fetches the filtered set whole: index pages
// sort with the culture comparator, which has no SQL collation.
func (svc *Service) listAuthorsWithTotal(ctx context.Context, opts ListAuthorsOptions) ([]*models.Author, int, error) {
	authors := []*models.Author{}

	q := svc.db.
		NewSelect().
		Model(&authors).
		ColumnExpr("a.*").
		ColumnExpr("(SELECT count(*) FROM book_authors AS ba WHERE ba.author_id = a.id) AS book_count")

	if opts.Prefix != nil {
		q = q.Where("a.name LIKE ? ESCAPE '\\'", likeEscape(*opts.Prefix)+"%")
	}

	if err := q.Scan(ctx); err != nil {
		return nil, 0, errors.WithStack(err)
	}

	sortAuthors(authors, opts.CyrillicFirst)
	total := len(authors)

	start := 0
	if opts.Offset != nil {
		start = *opts.Offset
	}
	if start >= len(authors) {
		return nil, total, nil
	}
	end := len(authors)
	if opts.Limit != nil && start+*opts.Limit < end {
		end = start + *opts.Limit
	}
	return authors[start:end], total, nil
}

func (svc *Service) CountAuthors(ctx context.Context) (int, error) {
	n, err := svc.db.NewSelect().Model((*models.Author)(nil)).Count(ctx)
	return n, errors.WithStack(err)
}

// OpenSearch resolves a free-text author query in four stages: exact name,
// substring, the same two against the stored ISO-9 transliteration, then
// Russian Soundex. SQLite's NOCASE stops at ASCII, so the case folding for
// Cyrillic happens here rather than in SQL.
func (svc *Service) OpenSearch(ctx context.Context, query string, cyrillicFirst bool) ([]*models.Author, SearchStage, error) {
	q := strings.Join(strings.Fields(query), " ")
	if q == "" {
		return nil, StageNone, nil
	}

	all, err := svc.ListAuthors(ctx, ListAuthorsOptions{CyrillicFirst: cyrillicFirst})
	if err != nil {
		return nil, StageNone, err
	}

	needle := strings.ToLower(q)
	if hits := match(all, func(a *models.Author) bool {
		return strings.ToLower(a.Name) == needle
	}); len(hits) > 0 {
		return hits, StageExact, nil
	}
	if hits := match(all, func(a *models.Author) bool {
		return strings.Contains(strings.ToLower(a.Name), needle)
	}); len(hits) > 0 {
		return hits, StagePartial, nil
	}

	translitNeedle := strings.ToLower(translit.Front(q, translit.ISO))
	if hits := match(all, func(a *models.Author) bool {
		return strings.ToLower(a.NameTranslit) == translitNeedle
	}); len(hits) > 0 {
		return hits, StageTranslit, nil
	}
	if hits := match(all, func(a *models.Author) bool {
		return strings.Contains(strings.ToLower(a.NameTranslit), translitNeedle)
	}); len(hits) > 0 {
		return hits, StageTranslit, nil
	}

	// The transliteration stage also works backwards: a romanized query is
	// translated to Cyrillic and compared against the stored names. Surname
	// endings romanize inconsistently (-ий, -ый, -y, -i), so after the exact
	// try the comparison drops the variable tail.
	if back := strings.ToLower(translit.Back(q)); translit.HasCyrillic(back) {
		if hits := match(all, func(a *models.Author) bool {
			return strings.ToLower(a.Name) == back
		}); len(hits) > 0 {
			return hits, StageTranslit, nil
		}
		if stem := trimNameEnding(back); stem != "" {
			if hits := match(all, func(a *models.Author) bool {
				return strings.Contains(strings.ToLower(a.Name), stem)
			}); len(hits) > 0 {
				return hits, StageTranslit, nil
			}
		}
	}

	code := translit.Soundex(q)
	if hits := match(all, func(a *models.Author) bool {
		return a.NameSoundex == code
	}); len(hits) > 0 {
		return hits, StageSoundex, nil
	}

	return nil, StageNone, nil
}

// trimNameEnding strips the grammatical tail a back-translated surname can
// carry ("Dostoevsky" comes back as "достоевскы", the catalog stores
// "достоевский"). At least three runes are kept so short queries do not
// collapse into near-empty prefixes.
func trimNameEnding(s string) string {
	r := []rune(s)
	for len(r) > 3 {
		switch r[len(r)-1] {
		case 'ы', 'й', 'и', 'ь':
			r = r[:len(r)-1]
		default:
			return string(r)
		}
	}
	return string(r)
}

func match(all []*models.Author, pred func(*models.Author) bool) []*models.Author {
	var hits []*models.Author
	for _, a := range all {
		if pred(a) {
			hits = append(hits, a)
		}
	}
	return hits
}

func sortAuthors(authors []*models.Author, cyrillicFirst bool) {
	sort.SliceStable(authors, func(i, j int) bool {
		return translit.Less(authors[i].Name, authors[j].Name, cyrillicFirst)
	})
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeEscape(s string) string {
	return likeEscaper.Replace(s)
}
