package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Download struct {
	bun.BaseModel `bun:"table:downloads,alias:d"`

	ID                int64     `bun:",pk,autoincrement" json:"id"`
	BookID            string    `bun:",nullzero" json:"book_id"`
	ClientFingerprint string    `bun:",nullzero" json:"-"`
	DownloadedAt      time.Time `bun:",nullzero" json:"downloaded_at"`

	Book *Book `bun:"rel:belongs-to,join:book_id=id" json:"book,omitempty"`
}
