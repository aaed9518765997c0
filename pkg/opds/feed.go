package opds

import (
	"encoding/xml"
	"time"
)

// Feed namespaces.
const (
	AtomNS       = "http://www.w3.org/2005/Atom"
	DCNS         = "http://purl.org/dc/terms/"
	OPDSNS       = "http://opds-spec.org/2010/catalog"
	OpenSearchNS = "http://a9.com/-/spec/opensearch/1.1/"
)

// Link relation types.
const (
	RelSelf       = "self"
	RelStart      = "start"
	RelUp         = "up"
	RelSubsection = "subsection"
	RelNext       = "next"
	RelPrevious   = "previous"
	RelFirst      = "first"
	RelSearch     = "search"
	RelRelated    = "related"
	// RelOpenAcquisition marks download links; the catalog serves everything
	// it has without payment hoops, so open-access is the only kind used.
	RelOpenAcquisition = "http://opds-spec.org/acquisition/open-access"
	RelImage           = "http://opds-spec.org/image"
	RelThumbnail       = "http://opds-spec.org/image/thumbnail"
	// Stanza-era cover relations. Legacy e-readers still look for these, so
	// every book entry carries the pair alongside the OPDS ones.
	RelStanzaImage     = "x-stanza-cover-image"
	RelStanzaThumbnail = "x-stanza-cover-image-thumbnail"
)

// MIME types.
const (
	MimeTypeAtom        = "application/atom+xml"
	MimeTypeCatalog     = "application/atom+xml;profile=opds-catalog"
	MimeTypeNavigation  = "application/atom+xml;profile=opds-catalog;kind=navigation"
	MimeTypeAcquisition = "application/atom+xml;profile=opds-catalog;kind=acquisition"
	MimeTypeOpenSearch  = "application/opensearchdescription+xml"
	MimeTypeFB2         = "application/fb2+zip"
	MimeTypeEPUB        = "application/epub+zip"
	MimeTypeJPEG        = "image/jpeg"
)

// Feed is one OPDS Atom document.
type Feed struct {
	XMLName   xml.Name  `xml:"feed"`
	Xmlns     string    `xml:"xmlns,attr"`
	XmlnsDC   string    `xml:"xmlns:dc,attr"`
	XmlnsOS   string    `xml:"xmlns:os,attr"`
	XmlnsOPDS string    `xml:"xmlns:opds,attr"`
	ID        string    `xml:"id"`
	Title     string    `xml:"title"`
	Updated   time.Time `xml:"updated"`
	Icon      string    `xml:"icon,omitempty"`

	// OpenSearch pagination elements, set on paginated feeds.
	TotalResults *int `xml:"os:totalResults,omitempty"`
	ItemsPerPage *int `xml:"os:itemsPerPage,omitempty"`
	StartIndex   *int `xml:"os:startIndex,omitempty"`

	Links   []Link  `xml:"link"`
	Entries []Entry `xml:"entry"`
}

// NewFeed creates a feed with the catalog namespaces declared.
func NewFeed(id, title string) *Feed {
	return &Feed{
		Xmlns:     AtomNS,
		XmlnsDC:   DCNS,
		XmlnsOS:   OpenSearchNS,
		XmlnsOPDS: OPDSNS,
		ID:        id,
		Title:     title,
		Updated:   time.Now().UTC(),
		Links:     []Link{},
		Entries:   []Entry{},
	}
}

// AddLink appends a link to the feed.
func (f *Feed) AddLink(rel, href, linkType string) {
	f.Links = append(f.Links, Link{Rel: rel, Href: href, Type: linkType})
}

// AddEntry appends an entry to the feed.
func (f *Feed) AddEntry(entry Entry) {
	f.Entries = append(f.Entries, entry)
}

// SetPagination fills the OpenSearch paging elements.
func (f *Feed) SetPagination(total, perPage, startIndex int) {
	f.TotalResults = &total
	f.ItemsPerPage = &perPage
	f.StartIndex = &startIndex
}

// Entry is a book or a navigation item.
type Entry struct {
	ID         string     `xml:"id"`
	Title      string     `xml:"title"`
	Updated    time.Time  `xml:"updated"`
	Authors    []Author   `xml:"author,omitempty"`
	Categories []Category `xml:"category,omitempty"`
	Content    *Content   `xml:"content,omitempty"`

	// Dublin Core elements on book entries.
	Language string `xml:"dc:language,omitempty"`
	DCFormat string `xml:"dc:format,omitempty"`

	// Catalog extras some readers display in list views.
	Format string `xml:"format,omitempty"`
	Size   int64  `xml:"size,omitempty"`

	Links []Link `xml:"link"`
}

// NewEntry creates an entry.
func NewEntry(id, title string) Entry {
	return Entry{
		ID:      id,
		Title:   title,
		Updated: time.Now().UTC(),
		Links:   []Link{},
	}
}

// AddLink appends a link to the entry.
func (e *Entry) AddLink(rel, href, linkType string) {
	e.Links = append(e.Links, Link{Rel: rel, Href: href, Type: linkType})
}

// AddNavigationLink adds a subsection link, the one navigation clients follow.
func (e *Entry) AddNavigationLink(href string) {
	e.AddLink(RelSubsection, href, MimeTypeCatalog)
}

// AddAcquisitionLink adds a download link for a book file.
func (e *Entry) AddAcquisitionLink(href, mimeType string) {
	e.AddLink(RelOpenAcquisition, href, mimeType)
}

// AddCoverLinks attaches the full set of cover relations, OPDS and Stanza.
func (e *Entry) AddCoverLinks(coverHref, thumbHref string) {
	e.AddLink(RelImage, coverHref, MimeTypeJPEG)
	e.AddLink(RelStanzaImage, coverHref, MimeTypeJPEG)
	e.AddLink(RelThumbnail, thumbHref, MimeTypeJPEG)
	e.AddLink(RelStanzaThumbnail, thumbHref, MimeTypeJPEG)
}

// Author is an Atom author element.
type Author struct {
	Name string `xml:"name"`
	URI  string `xml:"uri,omitempty"`
}

// Category is an Atom category element carrying a genre tag.
type Category struct {
	Term  string `xml:"term,attr"`
	Label string `xml:"label,attr,omitempty"`
}

// Link is an Atom link element.
type Link struct {
	Rel   string `xml:"rel,attr,omitempty"`
	Href  string `xml:"href,attr"`
	Type  string `xml:"type,attr,omitempty"`
	Title string `xml:"title,attr,omitempty"`
}

// Content is entry content with its type attribute.
type Content struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// OpenSearchDescription is the search description document served at
// /opensearch.xml.
type OpenSearchDescription struct {
	XMLName        xml.Name        `xml:"OpenSearchDescription"`
	Xmlns          string          `xml:"xmlns,attr"`
	ShortName      string          `xml:"ShortName"`
	Description    string          `xml:"Description"`
	InputEncoding  string          `xml:"InputEncoding"`
	OutputEncoding string          `xml:"OutputEncoding"`
	URLs           []OpenSearchURL `xml:"Url"`
}

// OpenSearchURL is one OpenSearch URL template.
type OpenSearchURL struct {
	Type     string `xml:"type,attr"`
	Template string `xml:"template,attr"`
}

// NewOpenSearchDescription creates the description document.
func NewOpenSearchDescription(shortName, description, searchTemplate string) *OpenSearchDescription {
	return &OpenSearchDescription{
		Xmlns:          OpenSearchNS,
		ShortName:      shortName,
		Description:    description,
		InputEncoding:  "UTF-8",
		OutputEncoding: "UTF-8",
		URLs: []OpenSearchURL{
			{Type: MimeTypeAtom, Template: searchTemplate},
		},
	}
}
