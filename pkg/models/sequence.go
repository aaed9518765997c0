package models

import "github.com/uptrace/bun"

type Sequence struct {
	bun.BaseModel `bun:"table:sequences,alias:s"`

	ID          int64  `bun:",pk,autoincrement" json:"id"`
	Name        string `bun:",nullzero" json:"name"`
	NameSoundex string `bun:",nullzero" json:"-"`

	BookCount int `bun:",scanonly" json:"book_count,omitempty"`
}

type BookSequence struct {
	bun.BaseModel `bun:"table:book_sequences,alias:bs"`

	BookID           string `bun:",pk" json:"-"`
	SequenceID       int64  `bun:",pk" json:"-"`
	NumberInSequence int    `json:"number_in_sequence,omitempty"`

	Sequence *Sequence `bun:"rel:belongs-to,join:sequence_id=id" json:"sequence,omitempty"`
}
