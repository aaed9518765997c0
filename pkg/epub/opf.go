package epub

import (
	"encoding/xml"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/bookfile"
	"github.com/tinyopds/tinyopds/pkg/htmlutil"
)

// Package mirrors the OPF package document. The same struct reads both EPUB 2
// (attributes in the opf namespace, meta name/content pairs) and EPUB 3
// (refines metadata) files.
type Package struct {
	XMLName          xml.Name `xml:"package"`
	Version          string   `xml:"version,attr"`
	UniqueIdentifier string   `xml:"unique-identifier,attr"`
	Metadata         struct {
		Title []struct {
			Text string `xml:",chardata"`
			ID   string `xml:"id,attr"`
		} `xml:"title"`
		Creator []struct {
			Text   string `xml:",chardata"`
			ID     string `xml:"id,attr"`
			Role   string `xml:"role,attr"`
			FileAs string `xml:"file-as,attr"`
		} `xml:"creator"`
		Contributor []struct {
			Text   string `xml:",chardata"`
			ID     string `xml:"id,attr"`
			Role   string `xml:"role,attr"`
			FileAs string `xml:"file-as,attr"`
		} `xml:"contributor"`
		Identifier []struct {
			Text string `xml:",chardata"`
			ID   string `xml:"id,attr"`
		} `xml:"identifier"`
		Language    []string `xml:"language"`
		Subject     []string `xml:"subject"`
		Description string   `xml:"description"`
		Date        []string `xml:"date"`
		Meta        []struct {
			Text     string `xml:",chardata"`
			ID       string `xml:"id,attr"`
			Name     string `xml:"name,attr"`
			Content  string `xml:"content,attr"`
			Refines  string `xml:"refines,attr"`
			Property string `xml:"property,attr"`
		} `xml:"meta"`
	} `xml:"metadata"`
	Manifest struct {
		Item []struct {
			ID         string `xml:"id,attr"`
			Href       string `xml:"href,attr"`
			MediaType  string `xml:"media-type,attr"`
			Properties string `xml:"properties,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
}

// ParseOPF reads an OPF package document and maps it onto the shared metadata
// struct. filename is the document's path inside the archive; manifest hrefs
// are resolved relative to it, so CoverRef comes out as a full in-archive path.
func ParseOPF(filename string, r io.Reader) (*bookfile.ParsedMetadata, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	pkg := &Package{}
	if err := xml.Unmarshal(b, pkg); err != nil {
		return nil, errors.WithStack(err)
	}

	// Manifest hrefs are relative to the OPF file's own directory. When the
	// OPF sits at the archive root there is nothing to prepend.
	basePath := path.Dir(filename)
	if basePath == "." {
		basePath = ""
	} else {
		basePath += "/"
	}

	// Flatten the meta elements into lookup-friendly maps: refines metadata
	// keyed by the element id it refines, and plain name/content pairs.
	metaProperties := map[string]map[string]string{}
	metaContent := map[string]string{}
	for _, m := range pkg.Metadata.Meta {
		if m.Refines != "" {
			key := strings.TrimPrefix(m.Refines, "#")
			if _, ok := metaProperties[key]; !ok {
				metaProperties[key] = map[string]string{}
			}
			metaProperties[key][m.Property] = m.Text
		} else if m.Content != "" {
			metaContent[m.Name] = m.Content
		}
	}

	meta := &bookfile.ParsedMetadata{
		ID:         packageID(pkg),
		Title:      mainTitle(pkg, metaProperties),
		Annotation: htmlutil.StripTags(pkg.Metadata.Description),
		BookDate:   bookfile.YearOf(pkg.Metadata.Date...),
	}

	for _, lang := range pkg.Metadata.Language {
		if lang = strings.TrimSpace(lang); lang != "" {
			// "ru-RU" and friends collapse to the primary subtag.
			primary, _, _ := strings.Cut(strings.ToLower(lang), "-")
			meta.Language = primary
			break
		}
	}

	for _, c := range pkg.Metadata.Creator {
		role := c.Role
		if role == "" && c.ID != "" {
			role = metaProperties[c.ID]["role"]
		}
		fileAs := c.FileAs
		if fileAs == "" && c.ID != "" {
			fileAs = metaProperties[c.ID]["file-as"]
		}
		name := personName(c.Text, fileAs)
		if name == "" {
			continue
		}
		switch role {
		case "", "aut":
			meta.Authors = append(meta.Authors, name)
		case "trl":
			meta.Translators = append(meta.Translators, name)
		}
	}
	for _, c := range pkg.Metadata.Contributor {
		role := c.Role
		if role == "" && c.ID != "" {
			role = metaProperties[c.ID]["role"]
		}
		if role != "trl" {
			continue
		}
		if name := personName(c.Text, c.FileAs); name != "" {
			meta.Translators = append(meta.Translators, name)
		}
	}

	for _, s := range pkg.Metadata.Subject {
		if s = strings.TrimSpace(s); s != "" {
			meta.Genres = append(meta.Genres, s)
		}
	}

	meta.Sequences = sequences(pkg, metaProperties, metaContent)

	if v := metaContent["dcterms:modified"]; v == "" {
		for _, m := range pkg.Metadata.Meta {
			if m.Refines == "" && m.Property == "dcterms:modified" {
				meta.DocumentDate = parseModified(m.Text)
				break
			}
		}
	} else {
		meta.DocumentDate = parseModified(v)
	}

	if href, _ := coverItem(pkg, metaContent); href != "" {
		if unescaped, err := url.PathUnescape(href); err == nil {
			href = unescaped
		}
		meta.CoverRef = basePath + href
		meta.HasCover = true
	}

	return meta, nil
}

// packageID picks the identifier the package element points at, falling back
// to the first non-empty one. The urn:uuid: wrapper is noise for catalog ids.
func packageID(pkg *Package) string {
	id := ""
	for _, ident := range pkg.Metadata.Identifier {
		v := strings.TrimSpace(ident.Text)
		if v == "" {
			continue
		}
		if id == "" {
			id = v
		}
		if pkg.UniqueIdentifier != "" && ident.ID == pkg.UniqueIdentifier {
			id = v
			break
		}
	}
	return strings.TrimPrefix(id, "urn:uuid:")
}

func mainTitle(pkg *Package, metaProperties map[string]map[string]string) string {
	titles := pkg.Metadata.Title
	if len(titles) == 0 {
		return ""
	}
	for _, t := range titles {
		if t.ID != "" && metaProperties[t.ID]["title-type"] == "main" {
			return strings.TrimSpace(t.Text)
		}
	}
	return strings.TrimSpace(titles[0].Text)
}

// personName turns a display-order creator name into "Last First [Middle]"
// order. A file-as attribute ("Last, First") wins; otherwise the last word is
// taken for the surname.
func personName(display, fileAs string) string {
	if fileAs = strings.TrimSpace(fileAs); fileAs != "" {
		if last, rest, ok := strings.Cut(fileAs, ","); ok {
			return bookfile.FormatPersonName(last, rest)
		}
		return bookfile.FormatPersonName(fileAs)
	}
	words := strings.Fields(display)
	if len(words) < 2 {
		return bookfile.FormatPersonName(display)
	}
	last := words[len(words)-1]
	rest := strings.Join(words[:len(words)-1], " ")
	return bookfile.FormatPersonName(last, rest)
}

// sequences merges calibre:series meta pairs with EPUB 3 belongs-to-collection
// entries, keeping the first occurrence of each series name.
func sequences(pkg *Package, metaProperties map[string]map[string]string, metaContent map[string]string) []bookfile.ParsedSequence {
	var out []bookfile.ParsedSequence
	seen := map[string]bool{}

	if name := strings.TrimSpace(metaContent["calibre:series"]); name != "" {
		number := 0
		if idx := metaContent["calibre:series_index"]; idx != "" {
			if f, err := strconv.ParseFloat(idx, 64); err == nil && f >= 0 {
				number = int(f)
			}
		}
		out = append(out, bookfile.ParsedSequence{Name: name, Number: number})
		seen[name] = true
	}

	for _, m := range pkg.Metadata.Meta {
		if m.Refines != "" || m.Property != "belongs-to-collection" {
			continue
		}
		name := strings.TrimSpace(m.Text)
		if name == "" || seen[name] {
			continue
		}
		props := metaProperties[m.ID]
		if ct := props["collection-type"]; ct != "" && ct != "series" {
			continue
		}
		number := 0
		if pos := props["group-position"]; pos != "" {
			if f, err := strconv.ParseFloat(pos, 64); err == nil && f >= 0 {
				number = int(f)
			}
		}
		out = append(out, bookfile.ParsedSequence{Name: name, Number: number})
		seen[name] = true
	}

	return out
}

// coverItem finds the manifest entry for the cover image: EPUB 3 marks it
// with a cover-image property, EPUB 2 points at it through a meta named
// "cover", and some producers just call the item "cover".
func coverItem(pkg *Package, metaContent map[string]string) (href, mediaType string) {
	for _, item := range pkg.Manifest.Item {
		for _, p := range strings.Fields(item.Properties) {
			if p == "cover-image" {
				return item.Href, item.MediaType
			}
		}
	}
	if coverID := metaContent["cover"]; coverID != "" {
		for _, item := range pkg.Manifest.Item {
			if item.ID == coverID {
				return item.Href, item.MediaType
			}
		}
	}
	for _, item := range pkg.Manifest.Item {
		if item.ID == "cover" && strings.HasPrefix(item.MediaType, "image/") {
			return item.Href, item.MediaType
		}
	}
	return "", ""
}

func parseModified(v string) *time.Time {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.UTC()
		return &t
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return &t
	}
	return nil
}
