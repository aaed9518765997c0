package covers

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// cleanupThreshold is the fraction of maxSize the cache shrinks to when it
// overflows, so back-to-back requests don't re-trigger eviction.
const cleanupThreshold = 0.8

// TriggerCleanup evicts least recently served covers if the cache grew past
// its limit. Errors are swallowed; the cache is always rebuildable.
func (s *Service) TriggerCleanup() {
	if s.maxSize <= 0 {
		return
	}

	// A lock file keeps concurrent requests from racing through eviction.
	lockPath := filepath.Join(s.dir, ".cleanup.lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer func() {
		lockFile.Close()
		os.Remove(lockPath)
	}()

	_ = s.runCleanup()
}

type cacheEntry struct {
	path    string
	size    int64
	modTime int64
}

func (s *Service) runCleanup() error {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	var entries []cacheEntry
	var total int64
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jpeg") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, cacheEntry{
			path:    filepath.Join(s.dir, de.Name()),
			size:    info.Size(),
			modTime: info.ModTime().UnixNano(),
		})
		total += info.Size()
	}

	if total <= s.maxSize {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime < entries[j].modTime
	})

	target := int64(float64(s.maxSize) * cleanupThreshold)
	for _, e := range entries {
		if total <= target {
			break
		}
		if err := os.Remove(e.path); err != nil {
			continue
		}
		total -= e.size
	}
	return nil
}
