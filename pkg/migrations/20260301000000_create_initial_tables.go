package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE books (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				title_normalized TEXT NOT NULL,
				annotation TEXT NOT NULL DEFAULT '',
				language TEXT NOT NULL DEFAULT '',
				book_date INTEGER NOT NULL DEFAULT 0,
				document_date TIMESTAMPTZ,
				added_date TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				doc_version REAL NOT NULL DEFAULT 0,
				book_type TEXT NOT NULL,
				file_path TEXT NOT NULL,
				file_name TEXT NOT NULL,
				document_size INTEGER NOT NULL DEFAULT 0,
				has_cover BOOLEAN NOT NULL DEFAULT FALSE,
				translators TEXT
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_books_file_path ON books (file_path)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_books_title_normalized ON books (title_normalized)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_books_added_date ON books (added_date)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE authors (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				name_soundex TEXT NOT NULL DEFAULT '',
				name_translit TEXT NOT NULL DEFAULT ''
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		// Case-insensitive so "толстой лев" and "Толстой Лев" stay one row
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_authors_name ON authors (name COLLATE NOCASE)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_authors_name_soundex ON authors (name_soundex)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_authors_name_translit ON authors (name_translit)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE book_authors (
				book_id TEXT REFERENCES books (id) ON DELETE CASCADE NOT NULL,
				author_id INTEGER REFERENCES authors (id) NOT NULL,
				position INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (book_id, author_id)
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_book_authors_author_id ON book_authors (author_id)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE genres (
				tag TEXT PRIMARY KEY,
				english_name TEXT NOT NULL,
				translation TEXT,
				parent_tag TEXT
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE book_genres (
				book_id TEXT REFERENCES books (id) ON DELETE CASCADE NOT NULL,
				genre_tag TEXT NOT NULL,
				PRIMARY KEY (book_id, genre_tag)
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_book_genres_genre_tag ON book_genres (genre_tag)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE sequences (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				name_soundex TEXT NOT NULL DEFAULT ''
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_sequences_name ON sequences (name COLLATE NOCASE)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_sequences_name_soundex ON sequences (name_soundex)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE book_sequences (
				book_id TEXT REFERENCES books (id) ON DELETE CASCADE NOT NULL,
				sequence_id INTEGER REFERENCES sequences (id) NOT NULL,
				number_in_sequence INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (book_id, sequence_id)
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_book_sequences_sequence_id ON book_sequences (sequence_id)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE downloads (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				book_id TEXT REFERENCES books (id) ON DELETE CASCADE NOT NULL,
				client_fingerprint TEXT NOT NULL DEFAULT '',
				downloaded_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_downloads_book_id ON downloads (book_id)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_downloads_downloaded_at ON downloads (downloaded_at)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE aliases (
				alias_name TEXT PRIMARY KEY,
				canonical_name TEXT NOT NULL
			)
`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec("DROP TABLE IF EXISTS aliases")
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec("DROP TABLE IF EXISTS downloads")
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec("DROP TABLE IF EXISTS book_sequences")
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec("DROP TABLE IF EXISTS sequences")
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec("DROP TABLE IF EXISTS book_genres")
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec("DROP TABLE IF EXISTS genres")
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec("DROP TABLE IF EXISTS book_authors")
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec("DROP TABLE IF EXISTS authors")
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec("DROP TABLE IF EXISTS books")
		return errors.WithStack(err)
	}

	Migrations.MustRegister(up, down)
}
