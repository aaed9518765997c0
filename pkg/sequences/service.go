package sequences

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

type RetrieveSequenceOptions struct {
	ID   *int64
	Name *string
}

type ListSequencesOptions struct {
	// Prefix filters on the name as stored, same contract as the author
	// index.
	Prefix *string
	// AuthorID narrows to sequences holding at least one book by the author.
	AuthorID      *int64
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

func (svc *Service) RetrieveSequence(ctx context.Context, opts RetrieveSequenceOptions) (*models.Sequence, error) {
	seq := &models.Sequence{}

	q := svc.db.
		NewSelect().
		Model(seq).
		ColumnExpr("s.*").
		ColumnExpr("(SELECT count(*) FROM book_sequences AS bs WHERE bs.sequence_id = s.id) AS book_count")

	if opts.ID != nil {
		q = q.Where("s.id = ?", *opts.ID)
	}
	if opts.Name != nil {
		q = q.Where("s.name = ? COLLATE NOCASE", *opts.Name)
	}

	err := q.Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Sequence")
		}
		return nil, errors.WithStack(err)
	}

	return seq, nil
}

func (svc *Service) ListSequences(ctx context.Context, opts ListSequencesOptions) ([]*models.Sequence, error) {
	s, _, err := svc.listSequencesWithTotal(ctx, opts)
	return s, err
}

func (svc *Service) ListSequencesWithTotal(ctx context.Context, opts ListSequencesOptions) ([]*models.Sequence, int, error) {
	opts.includeTotal = true
	return svc.listSequencesWithTotal(ctx, opts)
}

func (svc *Service) listSequencesWithTotal(ctx context.Context, opts ListSequencesOptions) ([]*models.Sequence, int, error) {
	sequences := []*models.Sequence{}

	q := svc.db.
		NewSelect().
		Model(&sequences).
		ColumnExpr("s.*")

	if opts.AuthorID != nil {
		// Book count narrows with the author filter: the series page of one
		// author shows how many of their books sit in each sequence.
		q = q.ColumnExpr(`(SELECT count(*) FROM book_sequences AS bs
			JOIN book_authors AS ba ON ba.book_id = bs.book_id
			WHERE bs.sequence_id = s.id AND ba.author_id = ?) AS book_count`, *opts.AuthorID).
			Where(`EXISTS (SELECT 1 FROM book_sequences AS bs
				JOIN book_authors AS ba ON ba.book_id = bs.book_id
				WHERE bs.sequence_id = s.id AND ba.author_id = ?)`, *opts.AuthorID)
	} else {
		q = q.ColumnExpr("(SELECT count(*) FROM book_sequences AS bs WHERE bs.sequence_id = s.id) AS book_count")
	}

	if opts.Prefix != nil {
		q = q.Where("s.name LIKE ? ESCAPE '\\'", likeEscape(*opts.Prefix)+"%")
	}

	if err := q.Scan(ctx); err != nil {
		return nil, 0, errors.WithStack(err)
	}

	sort.SliceStable(sequences, func(i, j int) bool {
		return translit.Less(sequences[i].Name, sequences[j].Name, opts.CyrillicFirst)
	})
	total := len(sequences)

	start := 0
	if opts.Offset != nil {
		start = *opts.Offset
	}
	if start >= len(sequences) {
		return nil, total, nil
	}
	end := len(sequences)
	if opts.Limit != nil && start+*opts.Limit < end {
		end = start + *opts.Limit
	}
	return sequences[start:end], total, nil
}

func (svc *Service) CountSequences(ctx context.Context) (int, error) {
	n, err := svc.db.NewSelect().Model((*models.Sequence)(nil)).Count(ctx)
	return n, errors.WithStack(err)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeEscape(s string) string {
	return likeEscaper.Replace(s)
}
