package models

import "github.com/uptrace/bun"

type Author struct {
	bun.BaseModel `bun:"table:authors,alias:a"`

	ID           int64  `bun:",pk,autoincrement" json:"id"`
	Name         string `bun:",nullzero" json:"name"`
	NameSoundex  string `bun:",nullzero" json:"-"`
	NameTranslit string `bun:",nullzero" json:"-"`

	BookCount int `bun:",scanonly" json:"book_count,omitempty"`
}

// Names are stored in "Last First [Middle]" order, so index navigation can
// prefix-match on the string as stored.

type BookAuthor struct {
	bun.BaseModel `bun:"table:book_authors,alias:ba"`

	BookID   string `bun:",pk" json:"-"`
	AuthorID int64  `bun:",pk" json:"-"`
	Position int    `json:"-"`

	Author *Author `bun:"rel:belongs-to,join:author_id=id" json:"author,omitempty"`
}

type Alias struct {
	bun.BaseModel `bun:"table:aliases,alias:al"`

	AliasName     string `bun:",pk" json:"alias_name"`
	CanonicalName string `bun:",nullzero" json:"canonical_name"`
}
