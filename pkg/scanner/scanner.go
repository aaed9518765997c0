// Package scanner walks the library root, parses every FB2 and EPUB it can
// reach (including entries inside ZIP archives) and feeds the store in
// batches. One scan runs at a time; progress is published to subscribers
// after every batch so the admin API can show a live status line.
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/covers"
)

// batchSize is how many parsed books accumulate before a store flush.
const batchSize = 500

// ErrAlreadyRunning is returned by Start while a scan is in flight.
var ErrAlreadyRunning = errors.New("scan already running")

// Progress is the scan status snapshot handed to subscribers and served by
// the admin API.
type Progress struct {
	Running        bool          `json:"running"`
	TotalFiles     int           `json:"total_files"`
	ProcessedFiles int           `json:"processed_files"`
	BooksFound     int           `json:"books_found"`
	Skipped        int           `json:"skipped"`
	Invalid        int           `json:"invalid"`
	Duplicates     int           `json:"duplicates"`
	Elapsed        time.Duration `json:"elapsed"`
	Rate           float64       `json:"rate"` // books per minute
}

type Scanner struct {
	books  *books.Service
	covers *covers.Service
	log    logger.Logger

	stopFlag atomic.Bool
	wg       sync.WaitGroup

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	progress  Progress
	subs      []func(Progress)
}

func New(bookService *books.Service, coverService *covers.Service) *Scanner {
	return &Scanner{
		books:  bookService,
		covers: coverService,
		log:    logger.New(),
	}
}

// Subscribe registers a callback invoked after every batch flush and once
// more when the scan finishes. Callbacks run on the scan goroutine.
func (s *Scanner) Subscribe(fn func(Progress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Start launches a scan of root in the background. Only one scan runs at a
// time.
func (s *Scanner) Start(root string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.WithStack(ErrAlreadyRunning)
	}
	s.running = true
	s.startedAt = time.Now()
	s.progress = Progress{Running: true}
	s.mu.Unlock()

	s.stopFlag.Store(false)

	id, _ := uuid.NewRandom()
	log := s.log.ID(id.String()).Root(logger.Data{"root": root})
	ctx := log.WithContext(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scan(ctx, root)

		s.mu.Lock()
		s.running = false
		s.progress.Running = false
		s.mu.Unlock()
		s.emit()
	}()
	return nil
}

// Stop requests a cooperative stop. It is idempotent and safe to call when
// no scan is running. The unflushed partial batch is discarded; batches
// already written stay.
func (s *Scanner) Stop() {
	s.stopFlag.Store(true)
}

// Shutdown stops the scan and waits for the scan goroutine to exit.
func (s *Scanner) Shutdown() {
	s.Stop()
	s.wg.Wait()
}

// Running reports whether a scan is in flight.
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Snapshot returns the current progress with elapsed time and rate filled
// in.
func (s *Scanner) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scanner) snapshotLocked() Progress {
	p := s.progress
	if !s.startedAt.IsZero() {
		p.Elapsed = time.Since(s.startedAt)
	}
	if mins := p.Elapsed.Minutes(); mins > 0 {
		p.Rate = float64(p.BooksFound) / mins
	}
	return p
}

func (s *Scanner) stopped() bool {
	return s.stopFlag.Load()
}

// update mutates the progress counters under the lock.
func (s *Scanner) update(fn func(p *Progress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.progress)
}

// emit delivers the current snapshot to every subscriber.
func (s *Scanner) emit() {
	s.mu.Lock()
	p := s.snapshotLocked()
	subs := make([]func(Progress), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}
