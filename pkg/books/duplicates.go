package books

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/uptrace/bun"
)

// Decision is the duplicate detector's verdict for a candidate book.
type Decision int

const (
	// InsertNew stores the candidate as a new row.
	InsertNew Decision = iota
	// ReplaceExisting removes the existing row and stores the candidate.
	ReplaceExisting
	// Reject drops the candidate.
	Reject
)

func (d Decision) String() string {
	switch d {
	case InsertNew:
		return "insert"
	case ReplaceExisting:
		return "replace"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// decide runs the duplicate checks against the store's current state. It is
// the only place that judges collisions; callers never pre-check. Returns the
// existing row when the decision is ReplaceExisting.
//
// Collision keys, strongest first: exact id, then (normalized title, primary
// author).
func decide(ctx context.Context, db bun.IDB, candidate *models.Book, primaryAuthor string) (Decision, *models.Book, error) {
	existing := new(models.Book)
	err := db.NewSelect().Model(existing).Where("b.id = ?", candidate.ID).Scan(ctx)
	switch {
	case err == nil:
		d, ex, derr := decideCollision(candidate, existing, true)
		if derr != nil || d != InsertNew {
			return d, ex, derr
		}
		// An id-collision InsertNew means the id was disambiguated; the
		// suffixed id may itself exist from an earlier scan.
		existing = new(models.Book)
		err = db.NewSelect().Model(existing).Where("b.id = ?", candidate.ID).Scan(ctx)
		switch {
		case err == nil:
			return decideCollision(candidate, existing, true)
		case errors.Is(err, sql.ErrNoRows):
			return InsertNew, nil, nil
		default:
			return Reject, nil, errors.WithStack(err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return Reject, nil, errors.WithStack(err)
	}

	if primaryAuthor == "" {
		return InsertNew, nil, nil
	}

	existing = new(models.Book)
	err = db.NewSelect().
		Model(existing).
		Join("JOIN book_authors AS ba ON ba.book_id = b.id AND ba.position = 0").
		Join("JOIN authors AS a ON a.id = ba.author_id").
		Where("b.title_normalized = ?", candidate.TitleNormalized).
		Where("a.name = ? COLLATE NOCASE", primaryAuthor).
		Limit(1).
		Scan(ctx)
	switch {
	case err == nil:
		return decideCollision(candidate, existing, false)
	case errors.Is(err, sql.ErrNoRows):
		return InsertNew, nil, nil
	default:
		return Reject, nil, errors.WithStack(err)
	}
}

func decideCollision(candidate, existing *models.Book, sameID bool) (Decision, *models.Book, error) {
	if candidate.FilePath == existing.FilePath {
		// Rescan of the very same file.
		return Reject, nil, nil
	}

	// The same book carried by a second archive adds nothing.
	if sameID && candidate.IsArchived() && existing.IsArchived() {
		ca, _ := candidate.ArchivePath()
		ea, _ := existing.ArchivePath()
		if ca != ea {
			return Reject, nil, nil
		}
	}

	if candidate.BookType != existing.BookType {
		if !sameID {
			// Same title and author in two formats: both stay, OPDS offers
			// both download links.
			return InsertNew, nil, nil
		}
		// Same id in two formats cannot share the primary key; disambiguate
		// the newcomer and keep both.
		candidate.ID = candidate.ID + "-" + candidate.BookType
		return InsertNew, nil, nil
	}

	// Same format: better version wins. FB2 carries an explicit document
	// version; for EPUB both sides are zero and size alone decides.
	if candidate.DocVersion > existing.DocVersion {
		return ReplaceExisting, existing, nil
	}
	if candidate.DocVersion == existing.DocVersion && candidate.DocumentSize > existing.DocumentSize {
		return ReplaceExisting, existing, nil
	}
	return Reject, nil, nil
}
