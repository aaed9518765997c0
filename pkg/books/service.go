package books

import (
	"context"
	"database/sql"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/aliases"
	"github.com/tinyopds/tinyopds/pkg/bookfile"
	"github.com/tinyopds/tinyopds/pkg/errcodes"
	"github.com/tinyopds/tinyopds/pkg/genres"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/tinyopds/tinyopds/pkg/translit"
	"github.com/uptrace/bun"
)

// UnknownAuthor fills the author slot for books whose file names nobody.
const UnknownAuthor = "Unknown"

// NewBook carries a parsed book into the store: the row itself plus the
// parsed lists that become join rows after name resolution.
type NewBook struct {
	Book      *models.Book
	Authors   []string
	Genres    []string
	Sequences []bookfile.ParsedSequence
}

// Outcome reports what the store did with one candidate.
type Outcome struct {
	Decision   Decision
	ReplacedID string
}

// BatchResult sums outcomes over one CreateBooks call.
type BatchResult struct {
	Created     int
	Replaced    int
	Duplicates  int
	ReplacedIDs []string
}

type RetrieveBookOptions struct {
	ID       *string
	FilePath *string
}

// BooksOrder selects the ordering of a book listing.
type BooksOrder int

const (
	// OrderByTitle sorts with the culture-aware comparator. The whole result
	// set is fetched and sorted in memory; SQL collation cannot express the
	// Cyrillic-first rule.
	OrderByTitle BooksOrder = iota
	// OrderByAddedDesc pages newest-first in SQL.
	OrderByAddedDesc
	// OrderBySequenceNumber orders by the book's number within the filtered
	// sequence.
	OrderBySequenceNumber
)

type ListBooksOptions struct {
	Limit  *int
	Offset *int

	IDs           []string
	AuthorID      *int64
	SequenceID    *int64
	GenreTag      *string
	AddedSince    *time.Time
	TitlePrefix   *string
	HasSequence   *bool
	Order         BooksOrder
	CyrillicFirst bool

	includeTotal bool
}

type Service struct {
	db       *bun.DB
	catalog  *genres.Catalog
	resolver *aliases.Resolver

	// Writes are serialized: SQLite holds one write lock anyway, and a single
	// writer keeps the duplicate detector's read-then-decide honest.
	mu         sync.Mutex
	useAliases bool
	onMutation []func()
}

func NewService(db *bun.DB, catalog *genres.Catalog, resolver *aliases.Resolver, useAliases bool) *Service {
	return &Service{db: db, catalog: catalog, resolver: resolver, useAliases: useAliases}
}

// OnMutation registers a callback fired after any successful write. The
// statistics cache hangs its invalidation here.
func (svc *Service) OnMutation(fn func()) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.onMutation = append(svc.onMutation, fn)
}

// SetUseAliases toggles alias resolution for subsequent writes.
func (svc *Service) SetUseAliases(enabled bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.useAliases = enabled
}

func (svc *Service) notifyMutation() {
	for _, fn := range svc.onMutation {
		fn()
	}
}

// CreateBook stores a single parsed book, running it through the duplicate
// detector first.
func (svc *Service) CreateBook(ctx context.Context, nb *NewBook) (*Outcome, error) {
	res, err := svc.CreateBooks(ctx, []*NewBook{nb})
	if err != nil {
		return nil, err
	}
	out := &Outcome{Decision: Reject}
	switch {
	case res.Created == 1:
		out.Decision = InsertNew
	case res.Replaced == 1:
		out.Decision = ReplaceExisting
		out.ReplacedID = res.ReplacedIDs[0]
	}
	return out, nil
}

// CreateBooks stores a batch of parsed books in one transaction. The scanner
// dispatches in groups; a batch is all-or-nothing.
func (svc *Service) CreateBooks(ctx context.Context, batch []*NewBook) (*BatchResult, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	res := &BatchResult{}
	err := svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for _, nb := range batch {
			out, err := svc.createOne(ctx, tx, nb)
			if err != nil {
				return err
			}
			switch out.Decision {
			case InsertNew:
				res.Created++
			case ReplaceExisting:
				res.Replaced++
				res.ReplacedIDs = append(res.ReplacedIDs, out.ReplacedID)
			case Reject:
				res.Duplicates++
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if res.Created+res.Replaced > 0 {
		svc.notifyMutation()
	}
	return res, nil
}

func (svc *Service) createOne(ctx context.Context, tx bun.Tx, nb *NewBook) (Outcome, error) {
	book := nb.Book
	if book.AddedDate.IsZero() {
		book.AddedDate = time.Now().UTC()
	}
	book.TitleNormalized = NormalizeTitle(book.Title)

	authors := svc.resolveAuthors(nb.Authors)

	decision, existing, err := decide(ctx, tx, book, authors[0])
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Decision: decision}
	switch decision {
	case Reject:
		return out, nil
	case ReplaceExisting:
		out.ReplacedID = existing.ID
		if err := deleteBooksTx(ctx, tx, []string{existing.ID}); err != nil {
			return Outcome{}, err
		}
	}

	if _, err := tx.NewInsert().Model(book).Exec(ctx); err != nil {
		return Outcome{}, errors.WithStack(err)
	}

	for i, name := range authors {
		author, err := findOrCreateAuthor(ctx, tx, name)
		if err != nil {
			return Outcome{}, err
		}
		ba := &models.BookAuthor{BookID: book.ID, AuthorID: author.ID, Position: i}
		if _, err := tx.NewInsert().Model(ba).Exec(ctx); err != nil {
			return Outcome{}, errors.WithStack(err)
		}
	}

	seenTags := map[string]bool{}
	for _, raw := range nb.Genres {
		tag := svc.catalog.Normalize(raw)
		if tag == "" || seenTags[tag] {
			continue
		}
		seenTags[tag] = true

		// Unknown tags still get a row so the book keeps its category; the
		// catalog-backed ones were seeded by migration already.
		genre := &models.Genre{Tag: tag, EnglishName: tag}
		if known, ok := svc.catalog.Lookup(tag); ok {
			genre = &models.Genre{
				Tag:         known.Tag,
				EnglishName: known.EnglishName,
				Translation: known.Translation,
				ParentTag:   known.ParentTag,
			}
		}
		_, err := tx.NewInsert().Model(genre).On("CONFLICT (tag) DO NOTHING").Exec(ctx)
		if err != nil {
			return Outcome{}, errors.WithStack(err)
		}
		bg := &models.BookGenre{BookID: book.ID, GenreTag: tag}
		if _, err := tx.NewInsert().Model(bg).Exec(ctx); err != nil {
			return Outcome{}, errors.WithStack(err)
		}
	}

	seenSeqs := map[string]bool{}
	for _, ps := range nb.Sequences {
		name := strings.TrimSpace(ps.Name)
		key := strings.ToLower(name)
		if name == "" || seenSeqs[key] {
			continue
		}
		seenSeqs[key] = true

		seq, err := findOrCreateSequence(ctx, tx, name)
		if err != nil {
			return Outcome{}, err
		}
		bs := &models.BookSequence{BookID: book.ID, SequenceID: seq.ID, NumberInSequence: ps.Number}
		if _, err := tx.NewInsert().Model(bs).Exec(ctx); err != nil {
			return Outcome{}, errors.WithStack(err)
		}
	}

	// The insert trigger only sees the books row; the denormalized author
	// text for full-text search goes in here, inside the same transaction.
	_, err = tx.Exec("UPDATE books_fts SET authors = ? WHERE book_id = ?",
		strings.Join(authors, " "), book.ID)
	if err != nil {
		return Outcome{}, errors.WithStack(err)
	}

	return out, nil
}

// resolveAuthors canonicalizes the parsed author list: trims, applies aliases
// when enabled, dedupes case-insensitively, and falls back to UnknownAuthor
// so every book ends up with at least one author row.
func (svc *Service) resolveAuthors(names []string) []string {
	hasCyrillic := false
	for _, n := range names {
		if translit.HasCyrillic(n) {
			hasCyrillic = true
			break
		}
	}

	var out []string
	seen := map[string]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if svc.useAliases && svc.resolver != nil {
			n = svc.resolver.Resolve(n, hasCyrillic)
		}
		key := strings.ToLower(n)
		if !seen[key] {
			seen[key] = true
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		out = []string{UnknownAuthor}
	}
	return out
}

func findOrCreateAuthor(ctx context.Context, tx bun.IDB, name string) (*models.Author, error) {
	author := new(models.Author)
	err := tx.NewSelect().Model(author).Where("a.name = ? COLLATE NOCASE", name).Scan(ctx)
	if err == nil {
		return author, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithStack(err)
	}

	author = &models.Author{
		Name:         name,
		NameSoundex:  translit.Soundex(name),
		NameTranslit: translit.Front(name, translit.ISO),
	}
	_, err = tx.NewInsert().Model(author).Returning("*").Exec(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return author, nil
}

func findOrCreateSequence(ctx context.Context, tx bun.IDB, name string) (*models.Sequence, error) {
	seq := new(models.Sequence)
	err := tx.NewSelect().Model(seq).Where("s.name = ? COLLATE NOCASE", name).Scan(ctx)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithStack(err)
	}

	seq = &models.Sequence{Name: name, NameSoundex: translit.Soundex(name)}
	_, err = tx.NewInsert().Model(seq).Returning("*").Exec(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return seq, nil
}

// deleteBooksTx removes book rows and prunes authors and sequences that lost
// their last book. Join rows go via ON DELETE CASCADE; genre rows stay, the
// navigation feeds filter out empty ones.
func deleteBooksTx(ctx context.Context, tx bun.Tx, ids []string) error {
	_, err := tx.NewDelete().
		Model((*models.Book)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = tx.Exec("DELETE FROM authors WHERE id NOT IN (SELECT DISTINCT author_id FROM book_authors)")
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = tx.Exec("DELETE FROM sequences WHERE id NOT IN (SELECT DISTINCT sequence_id FROM book_sequences)")
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// DeleteBook removes one book by id.
func (svc *Service) DeleteBook(ctx context.Context, id string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	exists, err := svc.db.NewSelect().Model((*models.Book)(nil)).Where("id = ?", id).Exists(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	if !exists {
		return errcodes.NotFound("Book")
	}

	err = svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return deleteBooksTx(ctx, tx, []string{id})
	})
	if err != nil {
		return errors.WithStack(err)
	}
	svc.notifyMutation()
	return nil
}

// DeleteByPath removes every book a filesystem path was backing: the exact
// file, all entries of a deleted archive, or everything under a deleted
// directory. Returns the removed ids so cover caches can drop them.
func (svc *Service) DeleteByPath(ctx context.Context, filePath string) ([]string, error) {
	var ids []string
	err := svc.db.NewSelect().
		Model((*models.Book)(nil)).
		Column("id").
		Where("file_path = ?", filePath).
		WhereOr("file_path LIKE ? ESCAPE '\\'", likeEscape(filePath)+models.ArchiveSeparator+"%").
		WhereOr("file_path LIKE ? ESCAPE '\\'", likeEscape(filePath)+string(os.PathSeparator)+"%").
		Scan(ctx, &ids)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	err = svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return deleteBooksTx(ctx, tx, ids)
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	svc.notifyMutation()
	return ids, nil
}

// DeleteMissing sweeps the catalog for books whose backing file is gone.
// Archived books are checked against the archive file itself.
func (svc *Service) DeleteMissing(ctx context.Context) ([]string, error) {
	type row struct {
		ID       string
		FilePath string
	}
	var rows []row
	err := svc.db.NewSelect().
		Model((*models.Book)(nil)).
		Column("id", "file_path").
		Scan(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var gone []string
	for _, r := range rows {
		outer := r.FilePath
		if i := strings.Index(outer, models.ArchiveSeparator); i >= 0 {
			outer = outer[:i]
		}
		if _, err := os.Stat(outer); os.IsNotExist(err) {
			gone = append(gone, r.ID)
		}
	}
	if len(gone) == 0 {
		return nil, nil
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	err = svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return deleteBooksTx(ctx, tx, gone)
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	svc.notifyMutation()
	return gone, nil
}

func (svc *Service) RetrieveBook(ctx context.Context, opts RetrieveBookOptions) (*models.Book, error) {
	book := &models.Book{}

	q := svc.db.
		NewSelect().
		Model(book).
		Relation("BookAuthors", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Order("ba.position ASC")
		}).
		Relation("BookAuthors.Author").
		Relation("BookGenres").
		Relation("BookGenres.Genre").
		Relation("BookSequences", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Order("bs.number_in_sequence ASC")
		}).
		Relation("BookSequences.Sequence")

	if opts.ID != nil {
		q = q.Where("b.id = ?", *opts.ID)
	}
	if opts.FilePath != nil {
		q = q.Where("b.file_path = ?", *opts.FilePath)
	}

	err := q.Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Book")
		}
		return nil, errors.WithStack(err)
	}
	return book, nil
}

// HasFilePath reports whether a catalog path (plain or composite) is already
// stored. The scanner's skip counter runs on this.
func (svc *Service) HasFilePath(ctx context.Context, filePath string) (bool, error) {
	exists, err := svc.db.NewSelect().
		Model((*models.Book)(nil)).
		Where("file_path = ?", filePath).
		Exists(ctx)
	return exists, errors.WithStack(err)
}

func (svc *Service) ListBooks(ctx context.Context, opts ListBooksOptions) ([]*models.Book, error) {
	b, _, err := svc.listBooksWithTotal(ctx, opts)
	return b, err
}

func (svc *Service) ListBooksWithTotal(ctx context.Context, opts ListBooksOptions) ([]*models.Book, int, error) {
	opts.includeTotal = true
	return svc.listBooksWithTotal(ctx, opts)
}

func (svc *Service) listBooksWithTotal(ctx context.Context, opts ListBooksOptions) ([]*models.Book, int, error) {
	books := []*models.Book{}

	q := svc.db.
		NewSelect().
		Model(&books).
		Relation("BookAuthors", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Order("ba.position ASC")
		}).
		Relation("BookAuthors.Author").
		Relation("BookGenres").
		Relation("BookGenres.Genre").
		Relation("BookSequences").
		Relation("BookSequences.Sequence")

	if len(opts.IDs) > 0 {
		q = q.Where("b.id IN (?)", bun.In(opts.IDs))
	}
	if opts.AuthorID != nil {
		q = q.Where("b.id IN (SELECT book_id FROM book_authors WHERE author_id = ?)", *opts.AuthorID)
	}
	if opts.SequenceID != nil {
		q = q.Where("b.id IN (SELECT book_id FROM book_sequences WHERE sequence_id = ?)", *opts.SequenceID)
	}
	if opts.GenreTag != nil {
		q = q.Where("b.id IN (SELECT book_id FROM book_genres WHERE genre_tag = ?)", *opts.GenreTag)
	}
	if opts.AddedSince != nil {
		q = q.Where("b.added_date >= ?", *opts.AddedSince)
	}
	if opts.TitlePrefix != nil {
		q = q.Where("b.title_normalized LIKE ? ESCAPE '\\'",
			likeEscape(strings.ToLower(*opts.TitlePrefix))+"%")
	}
	if opts.HasSequence != nil {
		if *opts.HasSequence {
			q = q.Where("EXISTS (SELECT 1 FROM book_sequences WHERE book_id = b.id)")
		} else {
			q = q.Where("NOT EXISTS (SELECT 1 FROM book_sequences WHERE book_id = b.id)")
		}
	}

	// Title order runs through the culture comparator, which SQL collations
	// cannot express; those listings are fetched whole and paged in memory.
	if opts.Order == OrderByTitle {
		if err := q.Scan(ctx); err != nil {
			return nil, 0, errors.WithStack(err)
		}
		sort.SliceStable(books, func(i, j int) bool {
			return translit.Less(books[i].Title, books[j].Title, opts.CyrillicFirst)
		})
		total := len(books)
		books = pageOf(books, opts.Limit, opts.Offset)
		return books, total, nil
	}

	switch opts.Order {
	case OrderByAddedDesc:
		q = q.Order("b.added_date DESC", "b.title_normalized ASC")
	case OrderBySequenceNumber:
		if opts.SequenceID != nil {
			q = q.OrderExpr(
				"(SELECT number_in_sequence FROM book_sequences WHERE book_id = b.id AND sequence_id = ?) ASC, b.title_normalized ASC",
				*opts.SequenceID)
		} else {
			q = q.Order("b.title_normalized ASC")
		}
	}
	if opts.Limit != nil {
		q = q.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		q = q.Offset(*opts.Offset)
	}

	var total int
	var err error
	if opts.includeTotal {
		total, err = q.ScanAndCount(ctx)
	} else {
		err = q.Scan(ctx)
	}
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	return books, total, nil
}

// CountBooks returns the total and per-format book counts.
func (svc *Service) CountBooks(ctx context.Context) (int, map[string]int, error) {
	var rows []struct {
		BookType string
		Count    int
	}
	err := svc.db.NewSelect().
		Model((*models.Book)(nil)).
		Column("book_type").
		ColumnExpr("count(*) AS count").
		Group("book_type").
		Scan(ctx, &rows)
	if err != nil {
		return 0, nil, errors.WithStack(err)
	}

	total := 0
	byType := map[string]int{}
	for _, r := range rows {
		byType[r.BookType] = r.Count
		total += r.Count
	}
	return total, byType, nil
}

// CountNewBooks counts books added within the new-books window.
func (svc *Service) CountNewBooks(ctx context.Context, since time.Time) (int, error) {
	n, err := svc.db.NewSelect().
		Model((*models.Book)(nil)).
		Where("added_date >= ?", since).
		Count(ctx)
	return n, errors.WithStack(err)
}

func pageOf[T any](items []T, limit, offset *int) []T {
	start := 0
	if offset != nil {
		start = *offset
	}
	if start >= len(items) {
		return nil
	}
	end := len(items)
	if limit != nil && start+*limit < end {
		end = start + *limit
	}
	return items[start:end]
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeEscape(s string) string {
	return likeEscaper.Replace(s)
}
