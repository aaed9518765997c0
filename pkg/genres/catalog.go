// Package genres carries the FB2 genre taxonomy. The table ships inside the
// binary as a gzip-compressed TSV and is seeded into the genres table on
// startup, so feeds and the parser agree on one tag set.
package genres

import (
	"bufio"
	"bytes"
	"compress/gzip"
	_ "embed"
	"strings"

	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/tinyopds/tinyopds/pkg/translit"
)

//go:embed genres.tsv.gz
var genresData []byte

// Catalog is the in-memory taxonomy: tag → genre plus the group tree.
type Catalog struct {
	byTag     map[string]*models.Genre
	bySoundex map[string]string
	roots     []*models.Genre
	children  map[string][]*models.Genre
}

// Load parses the embedded taxonomy. Rows are tag, parent tag, English name
// and Russian translation, tab-separated; group rows have an empty parent.
func Load() (*Catalog, error) {
	gz, err := gzip.NewReader(bytes.NewReader(genresData))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer gz.Close()

	c := &Catalog{
		byTag:     map[string]*models.Genre{},
		bySoundex: map[string]string{},
		children:  map[string][]*models.Genre{},
	}

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			return nil, errors.Errorf("malformed genre row: %q", line)
		}
		g := &models.Genre{
			Tag:         fields[0],
			ParentTag:   fields[1],
			EnglishName: fields[2],
			Translation: fields[3],
		}
		c.byTag[g.Tag] = g
		// The all-zero code means a letterless tag; indexing it would make
		// arbitrary junk normalize to whichever tag registered first.
		if sx := translit.Soundex(g.Tag); sx != "0000" {
			if _, taken := c.bySoundex[sx]; !taken {
				c.bySoundex[sx] = g.Tag
			}
		}
		if g.ParentTag == "" {
			c.roots = append(c.roots, g)
		} else {
			c.children[g.ParentTag] = append(c.children[g.ParentTag], g)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return c, nil
}

// Lookup returns the genre for an exact tag.
func (c *Catalog) Lookup(tag string) (*models.Genre, bool) {
	g, ok := c.byTag[tag]
	return g, ok
}

// Normalize maps a raw FB2 genre string to a known tag, tolerating the case
// and separator variants found in the wild ("SF Fantasy", "sf-fantasy").
// When cleanup still misses, a soundex comparison against the taxonomy
// catches misspellings; failing that the cleaned value is kept verbatim so
// an unknown but deliberate tag survives round-trips.
func (c *Catalog) Normalize(raw string) string {
	tag := strings.ToLower(strings.TrimSpace(raw))
	tag = strings.ReplaceAll(tag, " ", "_")
	tag = strings.ReplaceAll(tag, "-", "_")
	if tag == "" {
		return ""
	}
	if _, ok := c.byTag[tag]; ok {
		return tag
	}
	if match, ok := c.bySoundex[translit.Soundex(tag)]; ok {
		return match
	}
	return tag
}

// Roots returns the top-level genre groups in taxonomy order.
func (c *Catalog) Roots() []*models.Genre {
	return c.roots
}

// Children returns the subgenres of a group in taxonomy order.
func (c *Catalog) Children(tag string) []*models.Genre {
	return c.children[tag]
}

// HasChildren reports whether the tag is a group with subgenres.
func (c *Catalog) HasChildren(tag string) bool {
	return len(c.children[tag]) > 0
}
