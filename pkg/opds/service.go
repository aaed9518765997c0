// Package opds composes the Atom catalog feeds served to e-readers. The
// generator is stateless: every feed is a pure function of the store, the
// configuration and the request parameters.
package opds

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/tinyopds/tinyopds/pkg/authors"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/config"
	"github.com/tinyopds/tinyopds/pkg/downloads"
	"github.com/tinyopds/tinyopds/pkg/errcodes"
	"github.com/tinyopds/tinyopds/pkg/genres"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/tinyopds/tinyopds/pkg/sequences"
	"github.com/tinyopds/tinyopds/pkg/stats"
)

// Structure bits enable the root catalog's navigation sections. The default
// configuration has all of them on.
const (
	StructureNewDate = 1 << iota
	StructureNewTitle
	StructureAuthors
	StructureSequences
	StructureGenres
	StructureDownloadStats
)

// groupThreshold is the index size past which the alphabet feeds group
// entries by their next character instead of listing them.
const groupThreshold = 100

// Options captures the slice of configuration the generator depends on.
type Options struct {
	ServerName string
	// RootPrefix is the path prefix of every catalog URL, without slashes.
	RootPrefix string
	PageSize   int
	// CyrillicFirst selects the collation of index feeds.
	CyrillicFirst bool
	// TranslateGenres switches category labels to the taxonomy translations.
	TranslateGenres bool
	// Structure is the navigation bitmap from the configuration.
	Structure int
	// ConvertFB2 advertises an EPUB acquisition link on FB2 books.
	ConvertFB2 bool
}

// OptionsFromConfig derives generator options from the runtime configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ServerName:      cfg.ServerName,
		RootPrefix:      cfg.RootPrefix,
		PageSize:        cfg.ItemsPerPage,
		CyrillicFirst:   cfg.CyrillicFirst(),
		TranslateGenres: cfg.CatalogLanguage != "en",
		Structure:       cfg.OPDSStructure,
		ConvertFB2:      cfg.ConverterPath != "",
	}
}

type Service struct {
	opts      Options
	books     *books.Service
	authors   *authors.Service
	sequences *sequences.Service
	genres    *genres.Service
	downloads *downloads.Service
	stats     *stats.Cache
}

func NewService(opts Options, bookSvc *books.Service, authorSvc *authors.Service, sequenceSvc *sequences.Service, genreSvc *genres.Service, downloadSvc *downloads.Service, statsCache *stats.Cache) *Service {
	if opts.PageSize < 1 {
		opts.PageSize = 100
	}
	return &Service{
		opts:      opts,
		books:     bookSvc,
		authors:   authorSvc,
		sequences: sequenceSvc,
		genres:    genreSvc,
		downloads: downloadSvc,
		stats:     statsCache,
	}
}

// PageSize returns the configured acquisition page size.
func (s *Service) PageSize() int {
	return s.opts.PageSize
}

// href prefixes a catalog path with the configured root prefix.
func (s *Service) href(path string) string {
	if s.opts.RootPrefix == "" {
		return path
	}
	return "/" + s.opts.RootPrefix + path
}

func (s *Service) enabled(bit int) bool {
	return s.opts.Structure&bit != 0
}

// newFeed builds a feed with the fixed link set every catalog page carries.
func (s *Service) newFeed(id, title, selfPath string) *Feed {
	f := NewFeed(id, title)
	f.AddLink(RelSelf, selfPath, MimeTypeCatalog)
	f.AddLink(RelStart, s.href("/"), MimeTypeCatalog)
	f.AddLink(RelSearch, s.href("/opensearch.xml"), MimeTypeOpenSearch)
	f.AddLink(RelSearch, s.href("/search?searchTerm={searchTerms}"), MimeTypeAtom)
	return f
}

// paginate slices items to the requested page, fills the OpenSearch paging
// elements and attaches next/previous/first links. basePath must not carry a
// page parameter yet.
func paginate[T any](f *Feed, items []T, page, pageSize int, basePath string) []T {
	total := len(items)
	f.SetPagination(total, pageSize, page*pageSize+1)
	if page > 0 {
		f.AddLink(RelFirst, basePath, MimeTypeCatalog)
		f.AddLink(RelPrevious, pagedHref(basePath, page-1), MimeTypeCatalog)
	}
	if (page+1)*pageSize < total {
		f.AddLink(RelNext, pagedHref(basePath, page+1), MimeTypeCatalog)
	}

	start := page * pageSize
	if start >= total {
		return nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return items[start:end]
}

// Description returns the OpenSearch description document.
func (s *Service) Description() *OpenSearchDescription {
	return NewOpenSearchDescription(
		s.opts.ServerName,
		"Search the "+s.opts.ServerName+" catalog",
		s.href("/search?searchTerm={searchTerms}"),
	)
}

// Root builds the catalog root: one navigation entry per enabled section,
// with the library counters in the entry texts.
func (s *Service) Root(ctx context.Context) (*Feed, error) {
	totals, err := s.stats.Totals(ctx)
	if err != nil {
		return nil, err
	}

	f := s.newFeed("tag:root", s.opts.ServerName, s.href("/"))

	if s.enabled(StructureNewDate) || s.enabled(StructureNewTitle) {
		newCount, err := s.stats.NewBooksCount(ctx)
		if err != nil {
			return nil, err
		}
		if s.enabled(StructureNewDate) {
			e := NewEntry("tag:root:newdate", "New books (by date)")
			e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d new books", newCount)}
			e.AddNavigationLink(s.href("/newdate"))
			f.AddEntry(e)
		}
		if s.enabled(StructureNewTitle) {
			e := NewEntry("tag:root:newtitle", "New books (alphabetically)")
			e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d new books", newCount)}
			e.AddNavigationLink(s.href("/newtitle"))
			f.AddEntry(e)
		}
	}

	if s.enabled(StructureAuthors) {
		e := NewEntry("tag:root:authors", "By authors")
		e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d authors", totals.Authors)}
		e.AddNavigationLink(s.href("/authorsindex"))
		f.AddEntry(e)
	}
	if s.enabled(StructureSequences) {
		e := NewEntry("tag:root:sequences", "By series")
		e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d series", totals.Sequences)}
		e.AddNavigationLink(s.href("/sequencesindex"))
		f.AddEntry(e)
	}
	if s.enabled(StructureGenres) {
		e := NewEntry("tag:root:genres", "By genres")
		e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d books in %d genres", totals.Books, totals.Genres)}
		e.AddNavigationLink(s.href("/genres"))
		f.AddEntry(e)
	}
	if s.enabled(StructureDownloadStats) {
		e := NewEntry("tag:root:downstat:date", "Downloaded books (by date)")
		e.AddNavigationLink(s.href("/downstat/date"))
		f.AddEntry(e)
		e = NewEntry("tag:root:downstat:alpha", "Downloaded books (alphabetically)")
		e.AddNavigationLink(s.href("/downstat/alpha"))
		f.AddEntry(e)
	}

	return f, nil
}

// NewByDate builds the new-books feed, most recent first.
func (s *Service) NewByDate(ctx context.Context, page int) (*Feed, error) {
	list, err := s.books.ListBooks(ctx, books.ListBooksOptions{
		AddedSince:    ptr(s.stats.NewBooksSince()),
		Order:         books.OrderByAddedDesc,
		CyrillicFirst: s.opts.CyrillicFirst,
	})
	if err != nil {
		return nil, err
	}

	base := s.href("/newdate")
	f := s.newFeed("tag:newdate", "New books (by date)", pagedHref(base, page))
	s.addBookEntries(f, paginate(f, list, page, s.opts.PageSize, base))
	return f, nil
}

// NewByTitle builds the new-books feed, alphabetically.
func (s *Service) NewByTitle(ctx context.Context, page int) (*Feed, error) {
	list, err := s.books.ListBooks(ctx, books.ListBooksOptions{
		AddedSince:    ptr(s.stats.NewBooksSince()),
		Order:         books.OrderByTitle,
		CyrillicFirst: s.opts.CyrillicFirst,
	})
	if err != nil {
		return nil, err
	}

	base := s.href("/newtitle")
	f := s.newFeed("tag:newtitle", "New books (alphabetically)", pagedHref(base, page))
	s.addBookEntries(f, paginate(f, list, page, s.opts.PageSize, base))
	return f, nil
}

// AuthorsIndex builds the alphabet navigation over author names. Levels with
// more entries than the threshold are grouped by the next character.
func (s *Service) AuthorsIndex(ctx context.Context, prefix string) (*Feed, error) {
	var list []*models.Author
	var err error
	if prefix == "" {
		list, err = s.stats.Authors(ctx)
	} else {
		list, err = s.authors.ListAuthors(ctx, authors.ListAuthorsOptions{
			Prefix:        &prefix,
			CyrillicFirst: s.opts.CyrillicFirst,
		})
	}
	if err != nil {
		return nil, err
	}

	title := "Books by authors"
	selfPath := s.href("/authorsindex")
	if prefix != "" {
		title = fmt.Sprintf("Authors starting with %q", prefix)
		selfPath += "/" + url.PathEscape(prefix)
	}
	f := s.newFeed("tag:authors:"+prefix, title, selfPath)

	items := make([]indexItem, len(list))
	for i, a := range list {
		items[i] = indexItem{Name: a.Name, Count: a.BookCount}
	}
	for _, node := range buildIndexNodes(items, prefix, groupThreshold) {
		if node.Group {
			e := NewEntry("tag:authors:"+node.Label, node.Label)
			e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d authors", node.Count)}
			e.AddNavigationLink(s.href("/authorsindex/" + url.PathEscape(node.Label)))
			f.AddEntry(e)
			continue
		}
		e := NewEntry("tag:author:"+node.Label, node.Label)
		e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d books", node.Count)}
		e.AddNavigationLink(s.href("/author-details/" + url.PathEscape(node.Label)))
		f.AddEntry(e)
	}
	return f, nil
}

// AuthorView names one of the concrete book listings under an author.
type AuthorView string

const (
	ViewNoSeries   AuthorView = "no-series"
	ViewAlphabetic AuthorView = "alphabetic"
	ViewByDate     AuthorView = "by-date"
)

// AuthorDetails builds the intermediate page for an author, or reports a
// redirect when only one kind of listing applies: authors whose books all sit
// in series land on the series view, authors with no series on the by-date
// view.
func (s *Service) AuthorDetails(ctx context.Context, name string) (*Feed, string, error) {
	author, err := s.authors.RetrieveAuthor(ctx, authors.RetrieveAuthorOptions{Name: &name})
	if err != nil {
		return nil, "", err
	}

	seqs, err := s.sequences.ListSequences(ctx, sequences.ListSequencesOptions{AuthorID: &author.ID})
	if err != nil {
		return nil, "", err
	}
	_, noSeriesCount, err := s.books.ListBooksWithTotal(ctx, books.ListBooksOptions{
		AuthorID:    &author.ID,
		HasSequence: ptr(false),
		Limit:       ptr(1),
	})
	if err != nil {
		return nil, "", err
	}

	escaped := url.PathEscape(author.Name)
	switch {
	case len(seqs) > 0 && noSeriesCount == 0:
		return nil, s.href("/author-series/" + escaped), nil
	case len(seqs) == 0:
		return nil, s.href("/author-by-date/" + escaped), nil
	}

	f := s.newFeed("tag:author-details:"+author.Name, "Books by "+author.Name,
		s.href("/author-details/"+escaped))

	e := NewEntry("tag:author-details:"+author.Name+":series", "By series")
	e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d series", len(seqs))}
	e.AddNavigationLink(s.href("/author-series/" + escaped))
	f.AddEntry(e)

	e = NewEntry("tag:author-details:"+author.Name+":no-series", "Books without series")
	e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d books", noSeriesCount)}
	e.AddNavigationLink(s.href("/author-no-series/" + escaped))
	f.AddEntry(e)

	e = NewEntry("tag:author-details:"+author.Name+":alphabetic", "Books alphabetically")
	e.AddNavigationLink(s.href("/author-alphabetic/" + escaped))
	f.AddEntry(e)

	e = NewEntry("tag:author-details:"+author.Name+":by-date", "Books by date")
	e.AddNavigationLink(s.href("/author-by-date/" + escaped))
	f.AddEntry(e)

	return f, "", nil
}

// AuthorSeries lists the series an author has books in.
func (s *Service) AuthorSeries(ctx context.Context, name string) (*Feed, error) {
	author, err := s.authors.RetrieveAuthor(ctx, authors.RetrieveAuthorOptions{Name: &name})
	if err != nil {
		return nil, err
	}
	seqs, err := s.sequences.ListSequences(ctx, sequences.ListSequencesOptions{
		AuthorID:      &author.ID,
		CyrillicFirst: s.opts.CyrillicFirst,
	})
	if err != nil {
		return nil, err
	}

	escapedAuthor := url.PathEscape(author.Name)
	f := s.newFeed("tag:author-series:"+author.Name, "Series of "+author.Name,
		s.href("/author-series/"+escapedAuthor))
	for _, seq := range seqs {
		e := NewEntry("tag:author-series:"+author.Name+":"+seq.Name, seq.Name)
		e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d books", seq.BookCount)}
		e.AddNavigationLink(s.href("/author-sequence/" + escapedAuthor + "/" + url.PathEscape(seq.Name)))
		f.AddEntry(e)
	}
	return f, nil
}

// AuthorBooks builds a concrete book listing for one author view.
func (s *Service) AuthorBooks(ctx context.Context, name string, view AuthorView, page int) (*Feed, error) {
	author, err := s.authors.RetrieveAuthor(ctx, authors.RetrieveAuthorOptions{Name: &name})
	if err != nil {
		return nil, err
	}

	opts := books.ListBooksOptions{
		AuthorID:      &author.ID,
		Order:         books.OrderByTitle,
		CyrillicFirst: s.opts.CyrillicFirst,
	}
	title := "Books by " + author.Name
	route := "/author-alphabetic/"
	switch view {
	case ViewNoSeries:
		opts.HasSequence = ptr(false)
		title = "Books without series by " + author.Name
		route = "/author-no-series/"
	case ViewByDate:
		opts.Order = books.OrderByAddedDesc
		title = "Books by date by " + author.Name
		route = "/author-by-date/"
	}

	list, err := s.books.ListBooks(ctx, opts)
	if err != nil {
		return nil, err
	}

	base := s.href(route + url.PathEscape(author.Name))
	f := s.newFeed("tag:"+strings.Trim(route, "/")+":"+author.Name, title, pagedHref(base, page))
	s.addBookEntries(f, paginate(f, list, page, s.opts.PageSize, base))
	return f, nil
}

// AuthorSequence lists one author's books inside one series, in series order.
func (s *Service) AuthorSequence(ctx context.Context, name, sequenceName string, page int) (*Feed, error) {
	author, err := s.authors.RetrieveAuthor(ctx, authors.RetrieveAuthorOptions{Name: &name})
	if err != nil {
		return nil, err
	}
	seq, err := s.sequences.RetrieveSequence(ctx, sequences.RetrieveSequenceOptions{Name: &sequenceName})
	if err != nil {
		return nil, err
	}

	list, err := s.books.ListBooks(ctx, books.ListBooksOptions{
		AuthorID:      &author.ID,
		SequenceID:    &seq.ID,
		Order:         books.OrderBySequenceNumber,
		CyrillicFirst: s.opts.CyrillicFirst,
	})
	if err != nil {
		return nil, err
	}

	base := s.href("/author-sequence/" + url.PathEscape(author.Name) + "/" + url.PathEscape(seq.Name))
	f := s.newFeed("tag:author-sequence:"+author.Name+":"+seq.Name,
		author.Name+": "+seq.Name, pagedHref(base, page))
	s.addBookEntries(f, paginate(f, list, page, s.opts.PageSize, base))
	return f, nil
}

// SequencesIndex builds the alphabet navigation over series names.
func (s *Service) SequencesIndex(ctx context.Context, prefix string) (*Feed, error) {
	var list []*models.Sequence
	var err error
	if prefix == "" {
		list, err = s.stats.Sequences(ctx)
	} else {
		list, err = s.sequences.ListSequences(ctx, sequences.ListSequencesOptions{
			Prefix:        &prefix,
			CyrillicFirst: s.opts.CyrillicFirst,
		})
	}
	if err != nil {
		return nil, err
	}

	title := "Books by series"
	selfPath := s.href("/sequencesindex")
	if prefix != "" {
		title = fmt.Sprintf("Series starting with %q", prefix)
		selfPath += "/" + url.PathEscape(prefix)
	}
	f := s.newFeed("tag:sequences:"+prefix, title, selfPath)

	items := make([]indexItem, len(list))
	for i, seq := range list {
		items[i] = indexItem{Name: seq.Name, Count: seq.BookCount}
	}
	for _, node := range buildIndexNodes(items, prefix, groupThreshold) {
		if node.Group {
			e := NewEntry("tag:sequences:"+node.Label, node.Label)
			e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d series", node.Count)}
			e.AddNavigationLink(s.href("/sequencesindex/" + url.PathEscape(node.Label)))
			f.AddEntry(e)
			continue
		}
		e := NewEntry("tag:sequence:"+node.Label, node.Label)
		e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d books", node.Count)}
		e.AddNavigationLink(s.href("/sequence/" + url.PathEscape(node.Label)))
		f.AddEntry(e)
	}
	return f, nil
}

// Sequence lists the books of one series in series order.
func (s *Service) Sequence(ctx context.Context, name string, page int) (*Feed, error) {
	seq, err := s.sequences.RetrieveSequence(ctx, sequences.RetrieveSequenceOptions{Name: &name})
	if err != nil {
		return nil, err
	}

	list, err := s.books.ListBooks(ctx, books.ListBooksOptions{
		SequenceID:    &seq.ID,
		Order:         books.OrderBySequenceNumber,
		CyrillicFirst: s.opts.CyrillicFirst,
	})
	if err != nil {
		return nil, err
	}

	base := s.href("/sequence/" + url.PathEscape(seq.Name))
	f := s.newFeed("tag:sequence:"+seq.Name, seq.Name, pagedHref(base, page))
	s.addBookEntries(f, paginate(f, list, page, s.opts.PageSize, base))
	return f, nil
}

// Genres builds the genre navigation. With an empty main it lists the
// taxonomy groups that have books; with a group tag it lists the subgenres.
func (s *Service) Genres(ctx context.Context, main string) (*Feed, error) {
	if main == "" {
		groups, err := s.stats.GenreGroups(ctx)
		if err != nil {
			return nil, err
		}
		f := s.newFeed("tag:genres", "Books by genres", s.href("/genres"))
		for _, g := range groups {
			e := NewEntry("tag:genres:"+g.Tag, g.DisplayName(s.opts.TranslateGenres))
			e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d books", g.BookCount)}
			e.AddNavigationLink(s.href("/genres/" + url.PathEscape(g.Tag)))
			f.AddEntry(e)
		}
		return f, nil
	}

	group, ok := s.genres.Catalog().Lookup(main)
	if !ok {
		return nil, errcodes.NotFound("Genre")
	}
	subs, err := s.genres.SubgenresWithBooks(ctx, group.Tag)
	if err != nil {
		return nil, err
	}

	f := s.newFeed("tag:genres:"+group.Tag, group.DisplayName(s.opts.TranslateGenres),
		s.href("/genres/"+url.PathEscape(group.Tag)))
	for _, g := range subs {
		e := NewEntry("tag:genre:"+g.Tag, g.DisplayName(s.opts.TranslateGenres))
		e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d books", g.BookCount)}
		e.AddNavigationLink(s.href("/genre/" + url.PathEscape(g.Tag)))
		f.AddEntry(e)
	}
	return f, nil
}

// Genre lists the books of one genre tag.
func (s *Service) Genre(ctx context.Context, tag string, page int) (*Feed, error) {
	genre, ok := s.genres.Catalog().Lookup(tag)
	if !ok {
		// Books can carry tags outside the taxonomy; they still get a feed.
		genre = &models.Genre{Tag: tag, EnglishName: tag}
	}

	list, err := s.books.ListBooks(ctx, books.ListBooksOptions{
		GenreTag:      &tag,
		Order:         books.OrderByTitle,
		CyrillicFirst: s.opts.CyrillicFirst,
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errcodes.NotFound("Genre")
	}

	base := s.href("/genre/" + url.PathEscape(tag))
	f := s.newFeed("tag:genre:"+tag, genre.DisplayName(s.opts.TranslateGenres), pagedHref(base, page))
	s.addBookEntries(f, paginate(f, list, page, s.opts.PageSize, base))
	return f, nil
}

// Search type values of the searchType parameter.
const (
	SearchTypeAuthors = "authors"
	SearchTypeBooks   = "books"
)

// Search resolves an OpenSearch query. Without an explicit type it probes
// both kinds and answers with a two-entry disambiguation feed when both
// match.
func (s *Service) Search(ctx context.Context, term, searchType string, page int) (*Feed, error) {
	term = strings.TrimSpace(term)

	switch searchType {
	case SearchTypeAuthors:
		return s.searchAuthors(ctx, term)
	case SearchTypeBooks:
		return s.searchBooks(ctx, term, page)
	}

	foundAuthors, _, err := s.authors.OpenSearch(ctx, term, s.opts.CyrillicFirst)
	if err != nil {
		return nil, err
	}
	foundBooks, err := s.books.Search(ctx, term, s.opts.CyrillicFirst)
	if err != nil {
		return nil, err
	}

	switch {
	case len(foundAuthors) > 0 && len(foundBooks) > 0:
		f := s.newFeed("tag:search", fmt.Sprintf("Search results for %q", term),
			s.href("/search?searchTerm="+url.QueryEscape(term)))
		e := NewEntry("tag:search:authors", fmt.Sprintf("Authors (%d)", len(foundAuthors)))
		e.Content = &Content{Type: "text", Value: "Authors matching the query"}
		e.AddNavigationLink(s.href("/search?searchType=authors&searchTerm=" + url.QueryEscape(term)))
		f.AddEntry(e)
		e = NewEntry("tag:search:books", fmt.Sprintf("Books (%d)", len(foundBooks)))
		e.Content = &Content{Type: "text", Value: "Books matching the query"}
		e.AddNavigationLink(s.href("/search?searchType=books&searchTerm=" + url.QueryEscape(term)))
		f.AddEntry(e)
		return f, nil
	case len(foundAuthors) > 0:
		return s.searchAuthors(ctx, term)
	default:
		return s.searchBooks(ctx, term, page)
	}
}

func (s *Service) searchAuthors(ctx context.Context, term string) (*Feed, error) {
	found, stage, err := s.authors.OpenSearch(ctx, term, s.opts.CyrillicFirst)
	if err != nil {
		return nil, err
	}

	title := fmt.Sprintf("Authors found for %q", term)
	if stage != authors.StageNone {
		title += fmt.Sprintf(" (%s match)", stage)
	}
	f := s.newFeed("tag:search:authors:"+term, title,
		s.href("/search?searchType=authors&searchTerm="+url.QueryEscape(term)))
	for _, a := range found {
		e := NewEntry("tag:author:"+a.Name, a.Name)
		e.Content = &Content{Type: "text", Value: fmt.Sprintf("%d books", a.BookCount)}
		e.AddNavigationLink(s.href("/author-details/" + url.PathEscape(a.Name)))
		f.AddEntry(e)
	}
	return f, nil
}

func (s *Service) searchBooks(ctx context.Context, term string, page int) (*Feed, error) {
	found, err := s.books.Search(ctx, term, s.opts.CyrillicFirst)
	if err != nil {
		return nil, err
	}

	base := s.href("/search?searchType=books&searchTerm=" + url.QueryEscape(term))
	f := s.newFeed("tag:search:books:"+term, fmt.Sprintf("Books found for %q", term), pagedHref(base, page))
	s.addBookEntries(f, paginate(f, found, page, s.opts.PageSize, base))
	return f, nil
}

// Downloaded builds the download-history feeds over the unique-downloads
// view.
func (s *Service) Downloaded(ctx context.Context, byDate bool, page int) (*Feed, error) {
	order := downloads.OrderByTitle
	id, title, route := "tag:downstat:alpha", "Downloaded books (alphabetically)", "/downstat/alpha"
	if byDate {
		order = downloads.OrderByDateDesc
		id, title, route = "tag:downstat:date", "Downloaded books (by date)", "/downstat/date"
	}

	list, _, err := s.downloads.ListDownloadedBooks(ctx, downloads.ListDownloadedOptions{
		Order:         order,
		CyrillicFirst: s.opts.CyrillicFirst,
	})
	if err != nil {
		return nil, err
	}

	base := s.href(route)
	f := s.newFeed(id, title, pagedHref(base, page))
	s.addBookEntries(f, paginate(f, list, page, s.opts.PageSize, base))
	return f, nil
}

// addBookEntries appends one acquisition entry per book.
func (s *Service) addBookEntries(f *Feed, list []*models.Book) {
	for _, b := range list {
		f.AddEntry(s.bookEntry(b))
	}
}

// bookEntry renders one book as an Atom entry with the full OPDS link set.
func (s *Service) bookEntry(b *models.Book) Entry {
	e := NewEntry("tag:book:"+b.ID, b.Title)
	e.Updated = b.AddedDate

	for _, name := range b.AuthorNames() {
		e.Authors = append(e.Authors, Author{
			Name: name,
			URI:  s.href("/author-details/" + url.PathEscape(name)),
		})
	}

	for _, bg := range b.BookGenres {
		label := bg.GenreTag
		if bg.Genre != nil {
			label = bg.Genre.DisplayName(s.opts.TranslateGenres)
		}
		e.Categories = append(e.Categories, Category{Term: bg.GenreTag, Label: label})
	}

	e.Language = b.Language
	e.DCFormat = b.BookType
	e.Format = b.BookType
	e.Size = b.DocumentSize
	e.Content = &Content{Type: "text", Value: bookContentText(b)}

	if b.HasCover {
		e.AddCoverLinks(
			s.href("/cover/"+url.PathEscape(b.ID)+".jpeg"),
			s.href("/thumbnail/"+url.PathEscape(b.ID)+".jpeg"),
		)
	}

	escapedID := url.PathEscape(b.ID)
	if b.BookType == models.BookTypeEPUB {
		e.AddAcquisitionLink(s.href("/download/"+escapedID+"/epub"), MimeTypeEPUB)
	} else {
		e.AddAcquisitionLink(s.href("/download/"+escapedID+"/fb2"), MimeTypeFB2)
		if s.opts.ConvertFB2 {
			e.AddAcquisitionLink(s.href("/download/"+escapedID+"/epub"), MimeTypeEPUB)
		}
	}

	for _, name := range b.AuthorNames() {
		e.AddLink(RelRelated, s.href("/author-details/"+url.PathEscape(name)), MimeTypeCatalog)
	}
	for _, bs := range b.BookSequences {
		if bs.Sequence != nil {
			e.AddLink(RelRelated, s.href("/sequence/"+url.PathEscape(bs.Sequence.Name)), MimeTypeCatalog)
		}
	}

	return e
}

// bookContentText flattens the entry description: annotation, translators,
// year and series, one block per line.
func bookContentText(b *models.Book) string {
	var parts []string
	if b.Annotation != "" {
		parts = append(parts, b.Annotation)
	}
	if len(b.Translators) > 0 {
		parts = append(parts, "Translation: "+strings.Join(b.Translators, ", "))
	}
	if b.BookDate != 0 {
		parts = append(parts, fmt.Sprintf("Year: %d", b.BookDate))
	}
	for _, bs := range b.BookSequences {
		if bs.Sequence == nil {
			continue
		}
		line := "Series: " + bs.Sequence.Name
		if bs.NumberInSequence > 0 {
			line += fmt.Sprintf(" #%d", bs.NumberInSequence)
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, "\n")
}

// indexItem is one named row of an alphabet index.
type indexItem struct {
	Name  string
	Count int
}

// indexNode is one rendered index entry: a deeper navigation group or a leaf.
type indexNode struct {
	Group bool
	Label string
	Count int
}

// buildIndexNodes turns a sorted index level into entries. Small levels list
// every item. Large levels group by the character after the prefix, but only
// when that character is a letter and at least two names share it; everything
// else stays a leaf. Input order is preserved.
func buildIndexNodes(items []indexItem, prefix string, threshold int) []indexNode {
	nodes := make([]indexNode, 0, len(items))
	if len(items) <= threshold {
		for _, it := range items {
			nodes = append(nodes, indexNode{Label: it.Name, Count: it.Count})
		}
		return nodes
	}

	prefixLen := len([]rune(prefix))
	type bucket struct {
		next  rune
		items []indexItem
	}
	var buckets []*bucket
	index := map[rune]*bucket{}

	for _, it := range items {
		runes := []rune(it.Name)
		if len(runes) <= prefixLen {
			// The name is the prefix itself; nothing left to group by.
			buckets = append(buckets, &bucket{next: -1, items: []indexItem{it}})
			continue
		}
		next := runes[prefixLen]
		if b, ok := index[next]; ok {
			b.items = append(b.items, it)
			continue
		}
		b := &bucket{next: next, items: []indexItem{it}}
		index[next] = b
		buckets = append(buckets, b)
	}

	for _, b := range buckets {
		if b.next >= 0 && unicode.IsLetter(b.next) && len(b.items) >= 2 {
			nodes = append(nodes, indexNode{
				Group: true,
				Label: prefix + string(b.next),
				Count: len(b.items),
			})
			continue
		}
		for _, it := range b.items {
			nodes = append(nodes, indexNode{Label: it.Name, Count: it.Count})
		}
	}
	return nodes
}

func pagedHref(base string, page int) string {
	if page == 0 {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage=%d", base, sep, page)
}

func ptr[T any](v T) *T {
	return &v
}
