package downloads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/models"
	"github.com/tinyopds/tinyopds/pkg/translit"
	"github.com/uptrace/bun"
)

// DownloadsOrder selects the ordering of the downloaded-books views.
type DownloadsOrder int

const (
	// OrderByDateDesc lists most recently fetched first.
	OrderByDateDesc DownloadsOrder = iota
	// OrderByTitle lists alphabetically with the culture comparator.
	OrderByTitle
)

type ListDownloadedOptions struct {
	Limit         *int
	Offset        *int
	Order         DownloadsOrder
	CyrillicFirst bool
}

type Service struct {
	db       *bun.DB
	books    *books.Service
	onRecord []func()
}

func NewService(db *bun.DB, bookService *books.Service) *Service {
	return &Service{db: db, books: bookService}
}

// OnRecord registers a callback fired after every recorded download.
func (svc *Service) OnRecord(fn func()) {
	svc.onRecord = append(svc.onRecord, fn)
}

// Record writes one acquisition row. Every download hits this, including
// repeat fetches by the same client; the unique view collapses them later.
func (svc *Service) Record(ctx context.Context, bookID, clientFingerprint string) error {
	d := &models.Download{
		BookID:            bookID,
		ClientFingerprint: clientFingerprint,
		DownloadedAt:      time.Now().UTC(),
	}
	if _, err := svc.db.NewInsert().Model(d).Exec(ctx); err != nil {
		return errors.WithStack(err)
	}
	for _, fn := range svc.onRecord {
		fn()
	}
	return nil
}

// Count returns the total number of recorded downloads.
func (svc *Service) Count(ctx context.Context) (int, error) {
	n, err := svc.db.NewSelect().Model((*models.Download)(nil)).Count(ctx)
	return n, errors.WithStack(err)
}

// ListDownloadedBooks returns the unique downloaded books: each book once,
// keyed by its latest fetch.
func (svc *Service) ListDownloadedBooks(ctx context.Context, opts ListDownloadedOptions) ([]*models.Book, int, error) {
	var rows []struct {
		BookID string
		Last   time.Time
	}
	err := svc.db.NewSelect().
		Model((*models.Download)(nil)).
		ColumnExpr("d.book_id").
		ColumnExpr("max(d.downloaded_at) AS last").
		Group("d.book_id").
		Scan(ctx, &rows)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	if len(rows) == 0 {
		return nil, 0, nil
	}

	lastByID := make(map[string]time.Time, len(rows))
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		lastByID[r.BookID] = r.Last
		ids = append(ids, r.BookID)
	}

	loaded, err := svc.books.ListBooks(ctx, books.ListBooksOptions{IDs: ids})
	if err != nil {
		return nil, 0, err
	}

	switch opts.Order {
	case OrderByDateDesc:
		sort.SliceStable(loaded, func(i, j int) bool {
			li, lj := lastByID[loaded[i].ID], lastByID[loaded[j].ID]
			if !li.Equal(lj) {
				return li.After(lj)
			}
			return translit.Less(loaded[i].Title, loaded[j].Title, opts.CyrillicFirst)
		})
	case OrderByTitle:
		sort.SliceStable(loaded, func(i, j int) bool {
			return translit.Less(loaded[i].Title, loaded[j].Title, opts.CyrillicFirst)
		})
	}

	total := len(loaded)
	start := 0
	if opts.Offset != nil {
		start = *opts.Offset
	}
	if start >= len(loaded) {
		return nil, total, nil
	}
	end := len(loaded)
	if opts.Limit != nil && start+*opts.Limit < end {
		end = start + *opts.Limit
	}
	return loaded[start:end], total, nil
}

// Fingerprint derives a stable client id from the request: the remote address
// (trusting the first forwarded hop when present) and the user agent, hashed
// so raw addresses never reach the database.
func Fingerprint(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		if i := strings.IndexByte(ip, ','); i >= 0 {
			ip = ip[:i]
		}
		ip = strings.TrimSpace(ip)
	} else {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}

	sum := sha256.Sum256([]byte(ip + "|" + r.UserAgent()))
	return hex.EncodeToString(sum[:8])
}
