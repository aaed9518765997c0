package fb2

// XML mapping for the FB2 <description> header. Only header elements are
// modeled; the parser never materializes the body.

type description struct {
	TitleInfo    titleInfo    `xml:"title-info"`
	DocumentInfo documentInfo `xml:"document-info"`
	PublishInfo  *publishInfo `xml:"publish-info"`
}

type titleInfo struct {
	Genres      []string      `xml:"genre"`
	Authors     []person      `xml:"author"`
	Translators []person      `xml:"translator"`
	BookTitle   string        `xml:"book-title"`
	Annotation  *annotation   `xml:"annotation"`
	Date        dateValue     `xml:"date"`
	Coverpage   *coverpage    `xml:"coverpage"`
	Lang        string        `xml:"lang"`
	Sequences   []sequenceRef `xml:"sequence"`
}

type person struct {
	FirstName  string `xml:"first-name"`
	MiddleName string `xml:"middle-name"`
	LastName   string `xml:"last-name"`
	Nickname   string `xml:"nickname"`
}

type documentInfo struct {
	ID      string    `xml:"id"`
	Version string    `xml:"version"`
	Date    dateValue `xml:"date"`
}

type publishInfo struct {
	Year string `xml:"year"`
}

type dateValue struct {
	Value string `xml:"value,attr"`
	Text  string `xml:",chardata"`
}

type annotation struct {
	Raw string `xml:",innerxml"`
}

type coverpage struct {
	Images []image `xml:"image"`
}

// The href attribute arrives under assorted prefixes (xlink:href, l:href,
// bare href); leaving the space empty matches all of them.
type image struct {
	Href string `xml:"href,attr"`
}

type sequenceRef struct {
	Name   string `xml:"name,attr"`
	Number string `xml:"number,attr"`
}

type binary struct {
	ID          string `xml:"id,attr"`
	ContentType string `xml:"content-type,attr"`
	Data        string `xml:",chardata"`
}
