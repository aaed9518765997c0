package models

import "github.com/uptrace/bun"

type Genre struct {
	bun.BaseModel `bun:"table:genres,alias:g"`

	Tag         string `bun:",pk" json:"tag"`
	EnglishName string `bun:",nullzero" json:"english_name"`
	Translation string `bun:",nullzero" json:"translation,omitempty"`
	ParentTag   string `bun:",nullzero" json:"parent_tag,omitempty"`

	BookCount int `bun:",scanonly" json:"book_count,omitempty"`
}

// DisplayName returns the localized translation when one exists, falling back
// to the English taxonomy name.
func (g *Genre) DisplayName(useTranslation bool) string {
	if useTranslation && g.Translation != "" {
		return g.Translation
	}
	if g.EnglishName != "" {
		return g.EnglishName
	}
	return g.Tag
}

type BookGenre struct {
	bun.BaseModel `bun:"table:book_genres,alias:bg"`

	BookID   string `bun:",pk" json:"-"`
	GenreTag string `bun:",pk" json:"tag"`

	Genre *Genre `bun:"rel:belongs-to,join:genre_tag=tag" json:"genre,omitempty"`
}
