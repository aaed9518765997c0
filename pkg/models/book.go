package models

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

const (
	BookTypeFB2  = "fb2"
	BookTypeEPUB = "epub"
)

// ArchiveSeparator joins an archive path with the path of an entry inside it,
// e.g. "lib.zip@books/war.fb2". The composite form is part of the download
// URL contract, so it never changes.
const ArchiveSeparator = "@"

type Book struct {
	bun.BaseModel `bun:"table:books,alias:b"`

	ID              string     `bun:",pk" json:"id"`
	Title           string     `bun:",nullzero" json:"title"`
	TitleNormalized string     `bun:",nullzero" json:"-"`
	Annotation      string     `json:"annotation,omitempty"`
	Language        string     `json:"language,omitempty"`
	BookDate        int        `json:"book_date,omitempty"`
	DocumentDate    *time.Time `json:"document_date,omitempty"`
	AddedDate       time.Time  `bun:",nullzero" json:"added_date"`
	DocVersion      float64    `json:"doc_version"`
	BookType        string     `bun:",nullzero" json:"book_type"`
	FilePath        string     `bun:",nullzero" json:"file_path"`
	FileName        string     `bun:",nullzero" json:"file_name"`
	DocumentSize    int64      `json:"document_size"`
	HasCover        bool       `json:"has_cover"`
	Translators     []string   `bun:",nullzero" json:"translators,omitempty"`

	BookAuthors   []*BookAuthor   `bun:"rel:has-many,join:id=book_id" json:"authors,omitempty"`
	BookGenres    []*BookGenre    `bun:"rel:has-many,join:id=book_id" json:"genres,omitempty"`
	BookSequences []*BookSequence `bun:"rel:has-many,join:id=book_id" json:"sequences,omitempty"`
}

// AuthorNames returns the canonical author names in position order.
// Relations must already be loaded.
func (b *Book) AuthorNames() []string {
	names := make([]string, 0, len(b.BookAuthors))
	for _, ba := range b.BookAuthors {
		if ba.Author != nil {
			names = append(names, ba.Author.Name)
		}
	}
	return names
}

// PrimaryAuthor returns the name at position 0, or "" when none is loaded.
func (b *Book) PrimaryAuthor() string {
	if len(b.BookAuthors) > 0 && b.BookAuthors[0].Author != nil {
		return b.BookAuthors[0].Author.Name
	}
	return ""
}

// GenreTags returns the genre tags attached to the book.
func (b *Book) GenreTags() []string {
	tags := make([]string, 0, len(b.BookGenres))
	for _, bg := range b.BookGenres {
		tags = append(tags, bg.GenreTag)
	}
	return tags
}

// IsArchived reports whether the book lives inside a ZIP archive.
func (b *Book) IsArchived() bool {
	return strings.Contains(b.FilePath, ArchiveSeparator)
}

// ArchivePath splits a composite file path into the archive part and the
// entry part. For plain files the archive part is empty.
func (b *Book) ArchivePath() (archive, inner string) {
	idx := strings.Index(b.FilePath, ArchiveSeparator)
	if idx < 0 {
		return "", b.FilePath
	}
	return b.FilePath[:idx], b.FilePath[idx+1:]
}

// ContentType returns the acquisition MIME type for the book's format.
func (b *Book) ContentType() string {
	if b.BookType == BookTypeEPUB {
		return "application/epub+zip"
	}
	return "application/fb2+zip"
}
