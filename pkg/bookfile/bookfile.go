// Package bookfile defines the shape the format parsers hand to the scanner.
// One struct serves FB2 and EPUB; fields a format cannot supply stay zero.
package bookfile

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

type ParsedMetadata struct {
	ID           string // publisher identifier from the file, if any
	Title        string
	Annotation   string
	Language     string // 2-letter code
	BookDate     int    // publication year
	DocumentDate *time.Time
	DocVersion   float64
	Authors      []string // "Last First [Middle]", capitalized
	Translators  []string
	Genres       []string // raw tags; taxonomy normalization happens at write time
	Sequences    []ParsedSequence
	HasCover     bool
	CoverRef     string // format-internal cover handle for on-demand extraction
}

type ParsedSequence struct {
	Name   string
	Number int
}

func (m *ParsedMetadata) String() string {
	return fmt.Sprintf("Title:      %s\nAuthor(s):  %s\nLanguage:   %s\nHas Cover:  %v",
		m.Title, strings.Join(m.Authors, ", "), m.Language, m.HasCover)
}

// FormatPersonName joins the non-empty parts of a person name and title-cases
// each word, so "толстой"+"лев" becomes "Толстой Лев".
func FormatPersonName(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return Capitalize(strings.Join(kept, " "))
}

// YearOf pulls a plausible publication year out of the first candidate that
// starts with one. Book files write dates as "1869", "1869-01-01" or worse.
func YearOf(candidates ...string) int {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if len(c) < 4 {
			continue
		}
		y, err := strconv.Atoi(c[:4])
		if err != nil || y < 1000 || y > time.Now().Year()+1 {
			continue
		}
		return y
	}
	return 0
}

// Capitalize uppercases the first letter of every word and lowercases the
// rest, leaving digits and punctuation alone.
func Capitalize(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		runes := []rune(w)
		for j, r := range runes {
			if j == 0 {
				runes[j] = unicode.ToUpper(r)
			} else {
				runes[j] = unicode.ToLower(r)
			}
		}
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
