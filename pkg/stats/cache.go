// Package stats memoizes the catalog-wide counts and index lists that OPDS
// navigation feeds repeat on every page: totals for the root feed, the sorted
// author and sequence lists, and per-genre book counts. Everything is
// recomputed lazily after a TTL or a library mutation, whichever comes first.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/tinyopds/tinyopds/pkg/authors"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/genres"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/tinyopds/tinyopds/pkg/sequences"
)

const (
	// slowTTL bounds staleness for values that only drift when the library
	// changes behind the watcher's back.
	slowTTL = 60 * time.Minute
	// newBooksTTL is shorter: the new-books count decays with time alone as
	// books age out of the window.
	newBooksTTL = 5 * time.Minute
)

// Totals carries the root feed's counters.
type Totals struct {
	Books     int `json:"books"`
	FB2Books  int `json:"fb2_books"`
	EPUBBooks int `json:"epub_books"`
	Authors   int `json:"authors"`
	Sequences int `json:"sequences"`
	Genres    int `json:"genres"`
}

type Cache struct {
	books         *books.Service
	authors       *authors.Service
	sequences     *sequences.Service
	genres        *genres.Service
	newWindow     time.Duration
	cyrillicFirst bool

	now func() time.Time

	mu          sync.Mutex
	totals      *Totals
	totalsAt    time.Time
	newCount    int
	newCountAt  time.Time
	authorList  []*models.Author
	authorsAt   time.Time
	seqList     []*models.Sequence
	seqAt       time.Time
	genreCounts map[string]int
	genresAt    time.Time
	genreGroups []*models.Genre
	groupsAt    time.Time
}

func New(bookSvc *books.Service, authorSvc *authors.Service, sequenceSvc *sequences.Service, genreSvc *genres.Service, newWindow time.Duration, cyrillicFirst bool) *Cache {
	return &Cache{
		books:         bookSvc,
		authors:       authorSvc,
		sequences:     sequenceSvc,
		genres:        genreSvc,
		newWindow:     newWindow,
		cyrillicFirst: cyrillicFirst,
		now:           time.Now,
	}
}

// Invalidate drops every memoized value. The books service calls this from
// its mutation hook, so a scan or a watcher event refreshes the feeds on the
// next request.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalsAt = time.Time{}
	c.newCountAt = time.Time{}
	c.authorsAt = time.Time{}
	c.seqAt = time.Time{}
	c.genresAt = time.Time{}
	c.groupsAt = time.Time{}
}

// WarmUp fills every entry once so the first catalog request after startup
// does not pay for the whole fan-out.
func (c *Cache) WarmUp(ctx context.Context) error {
	if _, err := c.Totals(ctx); err != nil {
		return err
	}
	if _, err := c.Authors(ctx); err != nil {
		return err
	}
	if _, err := c.Sequences(ctx); err != nil {
		return err
	}
	if _, err := c.GenreGroups(ctx); err != nil {
		return err
	}
	_, err := c.NewBooksCount(ctx)
	return err
}

// NewBooksSince returns the cutoff of the new-books window.
func (c *Cache) NewBooksSince() time.Time {
	return c.now().Add(-c.newWindow).UTC()
}

func (c *Cache) Totals(ctx context.Context) (Totals, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.totals != nil && c.now().Sub(c.totalsAt) < slowTTL {
		return *c.totals, nil
	}

	total, byType, err := c.books.CountBooks(ctx)
	if err != nil {
		return Totals{}, err
	}
	authorCount, err := c.authors.CountAuthors(ctx)
	if err != nil {
		return Totals{}, err
	}
	seqCount, err := c.sequences.CountSequences(ctx)
	if err != nil {
		return Totals{}, err
	}
	genreCounts, err := c.genreBookCountsLocked(ctx)
	if err != nil {
		return Totals{}, err
	}

	c.totals = &Totals{
		Books:     total,
		FB2Books:  byType[models.BookTypeFB2],
		EPUBBooks: byType[models.BookTypeEPUB],
		Authors:   authorCount,
		Sequences: seqCount,
		Genres:    len(genreCounts),
	}
	c.totalsAt = c.now()
	return *c.totals, nil
}

// NewBooksCount counts books inside the new-books window.
func (c *Cache) NewBooksCount(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.newCountAt.IsZero() && c.now().Sub(c.newCountAt) < newBooksTTL {
		return c.newCount, nil
	}

	n, err := c.books.CountNewBooks(ctx, c.now().Add(-c.newWindow).UTC())
	if err != nil {
		return 0, err
	}
	c.newCount = n
	c.newCountAt = c.now()
	return n, nil
}

// Authors returns the full author list, sorted for index navigation, with
// book counts. Callers treat the slice as read-only.
func (c *Cache) Authors(ctx context.Context) ([]*models.Author, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authorList != nil && c.now().Sub(c.authorsAt) < slowTTL {
		return c.authorList, nil
	}

	list, err := c.authors.ListAuthors(ctx, authors.ListAuthorsOptions{CyrillicFirst: c.cyrillicFirst})
	if err != nil {
		return nil, err
	}
	c.authorList = list
	c.authorsAt = c.now()
	return list, nil
}

// Sequences returns the full sequence list, sorted, with book counts.
func (c *Cache) Sequences(ctx context.Context) ([]*models.Sequence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seqList != nil && c.now().Sub(c.seqAt) < slowTTL {
		return c.seqList, nil
	}

	list, err := c.sequences.ListSequences(ctx, sequences.ListSequencesOptions{CyrillicFirst: c.cyrillicFirst})
	if err != nil {
		return nil, err
	}
	c.seqList = list
	c.seqAt = c.now()
	return list, nil
}

// GenreBookCounts returns tag → number of books. Tags with no books are
// absent, which is how the genre feeds hide empty taxonomy branches.
func (c *Cache) GenreBookCounts(ctx context.Context) (map[string]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genreBookCountsLocked(ctx)
}

func (c *Cache) genreBookCountsLocked(ctx context.Context) (map[string]int, error) {
	if c.genreCounts != nil && c.now().Sub(c.genresAt) < slowTTL {
		return c.genreCounts, nil
	}

	counts, err := c.genres.BookCounts(ctx)
	if err != nil {
		return nil, err
	}
	c.genreCounts = counts
	c.genresAt = c.now()
	return counts, nil
}

// GenreGroups returns the taxonomy roots that have books, with rolled-up
// counts, for the top-level genres feed.
func (c *Cache) GenreGroups(ctx context.Context) ([]*models.Genre, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.genreGroups != nil && c.now().Sub(c.groupsAt) < slowTTL {
		return c.genreGroups, nil
	}

	groups, err := c.genres.GroupsWithBooks(ctx)
	if err != nil {
		return nil, err
	}
	c.genreGroups = groups
	c.groupsAt = c.now()
	return groups, nil
}
