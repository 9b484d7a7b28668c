// Package checkpoint implements the per-file checkpoint cell: a small
// persisted region that records the last-processed timestamp for one
// tail executor, protected by a one-byte spinlock.
//
// The cell is backed by a memory-mapped file so it survives a restart
// of the whole tailpipe process, not just an individual executor.
package checkpoint

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// MaxPayloadBytes is the maximum length of the ISO-8601 timestamp
// string a cell can hold. The schema is fixed; a longer string is a
// programmer error.
const MaxPayloadBytes = 35

// cellSize is the lock byte plus the payload.
const cellSize = 1 + MaxPayloadBytes

// TimestampLayout is the ISO-8601-with-comma-millis layout every
// checkpoint value is written and parsed with.
const TimestampLayout = "2006-01-02 15:04:05,000"

// Name returns the checkpoint cell name for a given service and log
// file basename: tail_executor~<service>~<basename>.
func Name(service, basename string) string {
	return fmt.Sprintf("tail_executor~%s~%s", service, basename)
}

// Store opens checkpoint cells backed by files under dir.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. The directory must already
// exist; Store does not create it. The watcher creates each cell
// before spawning its executor, and the executor only ever attaches.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".chk")
}

// encode writes ts into the MaxPayloadBytes-byte payload, left-justified
// and NUL-padded, failing if it doesn't fit.
func encode(ts string) ([MaxPayloadBytes]byte, error) {
	var buf [MaxPayloadBytes]byte
	b := []byte(ts)
	if len(b) > MaxPayloadBytes {
		return buf, fmt.Errorf("timestamp %q is %d bytes, exceeds the %d-byte checkpoint cell", ts, len(b), MaxPayloadBytes)
	}
	copy(buf[:], b)
	return buf, nil
}

func decode(buf [MaxPayloadBytes]byte) string {
	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}
	return strings.TrimRight(string(buf[:end]), "\x00")
}

// ParseTimestamp parses a checkpoint's raw payload as the timestamp
// layout every executor writes.
func ParseTimestamp(raw string) (time.Time, error) {
	return time.Parse(TimestampLayout, raw)
}

// FormatTimestamp renders t in the layout every checkpoint cell
// expects.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}
