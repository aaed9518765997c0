// Package fb2 reads FictionBook 2 metadata. Parsing is streaming: the
// decoder stops at the end of <description>, so the book body is never
// tokenized. Cover extraction is a separate pass because the <binary>
// payload sits after the body.
package fb2

import (
	"encoding/base64"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/bookfile"
	"github.com/tinyopds/tinyopds/pkg/htmlutil"
)

// ParseDescription reads the <description> header and returns the book
// metadata. The reader is consumed only up to the end of the header.
func ParseDescription(r io.Reader) (*bookfile.ParsedMetadata, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charsetReader
	decoder.Strict = false

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return nil, errors.New("no description element found")
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "FictionBook":
			continue
		case "description":
			var desc description
			if err := decoder.DecodeElement(&desc, &start); err != nil {
				return nil, errors.WithStack(err)
			}
			return metadataFromDescription(&desc), nil
		case "body", "binary":
			// The header must come first; hitting content means there is none.
			return nil, errors.New("no description element found")
		default:
			// stylesheet and other prolog elements
			if err := decoder.Skip(); err != nil {
				return nil, errors.WithStack(err)
			}
		}
	}
}

func metadataFromDescription(desc *description) *bookfile.ParsedMetadata {
	ti := &desc.TitleInfo

	meta := &bookfile.ParsedMetadata{
		ID:         strings.TrimSpace(desc.DocumentInfo.ID),
		Title:      strings.TrimSpace(ti.BookTitle),
		Language:   strings.ToLower(strings.TrimSpace(ti.Lang)),
		DocVersion: parseVersion(desc.DocumentInfo.Version),
	}

	for _, a := range ti.Authors {
		if name := personName(a); name != "" {
			meta.Authors = append(meta.Authors, name)
		}
	}
	for _, tr := range ti.Translators {
		if name := personName(tr); name != "" {
			meta.Translators = append(meta.Translators, name)
		}
	}

	for _, g := range ti.Genres {
		if g = strings.TrimSpace(g); g != "" {
			meta.Genres = append(meta.Genres, g)
		}
	}

	for _, seq := range ti.Sequences {
		name := strings.TrimSpace(seq.Name)
		if name == "" {
			continue
		}
		number := 0
		if n, err := strconv.Atoi(strings.TrimSpace(seq.Number)); err == nil && n >= 0 {
			number = n
		}
		meta.Sequences = append(meta.Sequences, bookfile.ParsedSequence{Name: name, Number: number})
	}

	if ti.Annotation != nil {
		meta.Annotation = htmlutil.StripTags(ti.Annotation.Raw)
	}

	meta.BookDate = bookfile.YearOf(ti.Date.Value, ti.Date.Text)
	if meta.BookDate == 0 && desc.PublishInfo != nil {
		meta.BookDate = bookfile.YearOf(desc.PublishInfo.Year)
	}
	meta.DocumentDate = parseDate(desc.DocumentInfo.Date)

	if ti.Coverpage != nil {
		for _, img := range ti.Coverpage.Images {
			if href := strings.TrimPrefix(strings.TrimSpace(img.Href), "#"); href != "" {
				meta.CoverRef = href
				meta.HasCover = true
				break
			}
		}
	}

	return meta
}

// ParseCover extracts the cover image named by coverRef. The body element is
// skipped token-wise, so memory stays bounded by the image itself. Returns
// the raw image bytes and their MIME type, or nil when the file has no
// matching binary.
func ParseCover(r io.Reader, coverRef string) ([]byte, string, error) {
	if coverRef == "" {
		return nil, "", nil
	}

	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charsetReader
	decoder.Strict = false

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return nil, "", nil
		}
		if err != nil {
			return nil, "", errors.WithStack(err)
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "body":
			if err := decoder.Skip(); err != nil {
				return nil, "", errors.WithStack(err)
			}
		case "binary":
			var bin binary
			if err := decoder.DecodeElement(&bin, &start); err != nil {
				return nil, "", errors.WithStack(err)
			}
			if bin.ID != coverRef {
				continue
			}
			data, err := decodeBase64(bin.Data)
			if err != nil {
				return nil, "", errors.Wrap(err, "decode cover binary")
			}
			mime := strings.TrimSpace(bin.ContentType)
			if mime == "" {
				mime = mimetype.Detect(data).String()
			}
			return data, mime, nil
		}
	}
}

func personName(p person) string {
	if name := bookfile.FormatPersonName(p.LastName, p.FirstName, p.MiddleName); name != "" {
		return name
	}
	return bookfile.FormatPersonName(p.Nickname)
}

// parseVersion reads document-info/version, tolerating comma decimals and
// stray whitespace. Unparseable versions count as zero.
func parseVersion(raw string) float64 {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func parseDate(d dateValue) *time.Time {
	for _, raw := range []string{d.Value, d.Text} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			return &t
		}
		if y := bookfile.YearOf(raw); y != 0 {
			t := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
			return &t
		}
	}
	return nil
}

func decodeBase64(data string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, data)
	return base64.StdEncoding.DecodeString(clean)
}
