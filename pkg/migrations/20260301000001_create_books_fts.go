package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		// remove_diacritics 2 folds accents inside east European Latin text
		// too, so "Čapek" matches "Capek".
		_, err := db.Exec(`
			CREATE VIRTUAL TABLE books_fts USING fts5(
				book_id UNINDEXED,
				title,
				annotation,
				authors,
				tokenize = 'unicode61 remove_diacritics 2'
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		// Triggers keep title and annotation in lockstep with books no matter
		// which code path writes the row. The authors column is denormalized
		// and refreshed by the books service inside the same transaction that
		// writes book_authors.
		_, err = db.Exec(`
			CREATE TRIGGER books_fts_after_insert AFTER INSERT ON books BEGIN
				INSERT INTO books_fts (book_id, title, annotation, authors)
				VALUES (new.id, new.title, new.annotation, '');
			END
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TRIGGER books_fts_after_delete AFTER DELETE ON books BEGIN
				DELETE FROM books_fts WHERE book_id = old.id;
			END
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TRIGGER books_fts_after_update AFTER UPDATE OF title, annotation ON books BEGIN
				UPDATE books_fts SET title = new.title, annotation = new.annotation
				WHERE book_id = old.id;
			END
`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec("DROP TRIGGER IF EXISTS books_fts_after_update")
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec("DROP TRIGGER IF EXISTS books_fts_after_delete")
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec("DROP TRIGGER IF EXISTS books_fts_after_insert")
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec("DROP TABLE IF EXISTS books_fts")
		return errors.WithStack(err)
	}

	Migrations.MustRegister(up, down)
}
