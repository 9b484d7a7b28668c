// Package suppress implements the suppression-regex hot-reloader: a
// list of regular expressions loaded from a text file, shared by
// every tail executor in the process, reloaded whenever the backing
// file's modification time changes.
package suppress

import (
	"bufio"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// DefaultRefreshInterval is the interval the background refresher
// scans the backing file at.
const DefaultRefreshInterval = 30 * time.Second

// Store holds the current suppression pattern list and the state
// needed to decide when to reload it.
type Store struct {
	filePath string
	lockPath string

	mu       sync.RWMutex
	patterns []string
	modTime  time.Time
	loaded   bool
}

// NewStore returns a Store backed by filePath, advisory-locked via
// lockPath during reloads.
func NewStore(filePath, lockPath string) *Store {
	return &Store{filePath: filePath, lockPath: lockPath}
}

// Patterns returns a snapshot of the current suppression list.
func (s *Store) Patterns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.patterns))
	copy(out, s.patterns)
	return out
}

// Matches reports whether brief matches any suppression pattern.
// Patterns that fail to compile are logged and skipped for this call;
// a broken pattern never suppresses.
func (s *Store) Matches(brief string) bool {
	for _, pattern := range s.Patterns() {
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Printf("E! [suppress] pattern %q failed to compile, skipping for this line: %v", pattern, err)
			continue
		}
		if re.MatchString(brief) {
			return true
		}
	}
	return false
}

// Refresh performs one reload check: if the backing file is absent
// and the list is non-empty, it is cleared; if the file's mtime
// differs from the last-seen snapshot, it is reloaded under the
// advisory lock.
func (s *Store) Refresh() error {
	info, err := os.Stat(s.filePath)
	if os.IsNotExist(err) {
		s.mu.Lock()
		hadPatterns := len(s.patterns) != 0
		s.patterns = nil
		s.loaded = false
		s.mu.Unlock()
		if hadPatterns {
			log.Printf("I! [suppress] regex file %s removed, suppression list cleared", s.filePath)
		}
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.RLock()
	unchanged := s.loaded && info.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if unchanged {
		return nil
	}

	return s.reload(info.ModTime())
}

// reload takes the advisory file lock, re-reads the backing file line
// by line, and swaps in the new pattern list. It retries briefly with
// jittered back-off if the lock is momentarily contended by a
// concurrent writer, giving up until the next refresh tick if it
// never clears.
func (s *Store) reload(modTime time.Time) error {
	b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 200 * time.Millisecond, Jitter: true}

	var lockErr error
	for attempt := 0; attempt < 5; attempt++ {
		var unlock func() error
		unlock, lockErr = acquireLock(s.lockPath)
		if lockErr == nil {
			defer unlock()
			break
		}
		time.Sleep(b.Duration())
	}
	if lockErr != nil {
		return lockErr
	}

	lines, err := readLines(s.filePath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.patterns = lines
	s.modTime = modTime
	s.loaded = true
	s.mu.Unlock()

	log.Printf("I! [suppress] suppression list reloaded, %d pattern(s)", len(lines))
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// StartRefresher runs Refresh once per interval until stop is closed.
// One refresher runs per executor.
func (s *Store) StartRefresher(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Refresh(); err != nil {
				log.Printf("W! [suppress] refresh failed: %v", err)
			}
		}
	}
}
