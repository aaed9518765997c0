// Package aliases canonicalizes Russian author name variants at write time.
// The variant table ships inside the binary as a gzip-compressed TSV; once a
// book is stored its names are already canonical and nothing is re-resolved
// on the read path.
package aliases

import (
	"bufio"
	"bytes"
	"compress/gzip"
	_ "embed"
	"strings"

	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/translit"
)

//go:embed aliases.tsv.gz
var aliasData []byte

type Resolver struct {
	canonical map[string]string
	variants  map[string][]string
}

// Load parses the embedded table. Rows are variant name and canonical name,
// tab-separated.
func Load() (*Resolver, error) {
	gz, err := gzip.NewReader(bytes.NewReader(aliasData))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer gz.Close()

	r := &Resolver{
		canonical: map[string]string{},
		variants:  map[string][]string{},
	}

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		variant, canon, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, errors.Errorf("malformed alias row: %q", line)
		}
		r.canonical[normalizeKey(variant)] = canon
		r.variants[canon] = append(r.variants[canon], variant)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return r, nil
}

// normalizeKey makes lookup tolerant of case, initials punctuation and spare
// whitespace: "Пушкин А.С." and "пушкин а с" hit the same row.
func normalizeKey(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, ".", " ")
	return strings.Join(strings.Fields(name), " ")
}

// Resolve maps an author name to its canonical form. Resolution only applies
// to Cyrillic names on books that have Cyrillic authorship in the first
// place; every other name passes through untouched.
func (r *Resolver) Resolve(name string, bookHasCyrillicAuthors bool) string {
	if !bookHasCyrillicAuthors || !translit.HasCyrillic(name) {
		return name
	}
	if canon, ok := r.canonical[normalizeKey(name)]; ok {
		return canon
	}
	return name
}

// Variants returns the known variant spellings of a canonical name. Used for
// diagnostics only.
func (r *Resolver) Variants(canonical string) []string {
	return r.variants[canonical]
}

// Len reports the number of loaded variant rows.
func (r *Resolver) Len() int {
	return len(r.canonical)
}
