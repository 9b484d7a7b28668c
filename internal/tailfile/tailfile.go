// Package tailfile implements the tail reader: given a log file and
// an optional resume timestamp, it produces a stream of raw text
// lines already filtered down to whatever matches one of the
// configured prefix patterns, following the file by name so rotation
// and late creation are tolerated passively.
//
// github.com/influxdata/tail provides follow-by-name, ReOpen-on-rotate
// and a channel of lines natively, so no external tail utility is
// spawned.
package tailfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tail"

	"github.com/soumyarai2050/tailpipe/event"
)

// Line is one raw line handed to the executor's analyzer loop. Err is
// set when the underlying tail reported a read failure on a single
// line (e.g. a decode error); it does not necessarily mean the reader
// is dead, which is signalled by the Lines channel closing.
type Line struct {
	Text string
	Err  error
}

// GaveUp is delivered as the final Line's Err when the tail reader
// stopped following the file on its own (the file was removed and
// never reappeared, or the library's goroutine exited abnormally):
// the equivalent of GNU tail's "giving up on this name".
var GaveUp = fmt.Errorf("tail reader gave up on this file")

// Reconnected is delivered as a Line with this as Err, non-fatally,
// when the file was recreated and following resumed: the equivalent
// of GNU tail's "has appeared;  following new file". The tail library
// reopens a recreated file silently, so the Reader runs its own
// recreate watcher (see watchRecreate) to surface this condition.
var Reconnected = fmt.Errorf("tail reader reconnected to a recreated file")

// recreatePollInterval is how often the recreate watcher stats the
// followed path to detect a new file identity.
const recreatePollInterval = 250 * time.Millisecond

// Reader follows one file, yielding lines that match at least one
// configured prefix pattern.
type Reader struct {
	tail     *tail.Tail
	prefixes []*regexp.Regexp
	out      chan Line
	recreate chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	stopping int32
}

// Start begins following detail.LogFilePath from the resume point
// computed from resumeTimestamp (see ResumeOffset), filtering lines
// to those matching one of detail's configured prefix patterns.
func Start(detail *event.LogDetail, resumeTimestamp string) (*Reader, error) {
	seek, err := seekInfo(detail.LogFilePath, resumeTimestamp)
	if err != nil {
		return nil, fmt.Errorf("computing resume point for %s: %w", detail.LogFilePath, err)
	}

	t, err := tail.TailFile(detail.LogFilePath, tail.Config{
		ReOpen:    true,
		Follow:    true,
		MustExist: false,
		Location:  seek,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("starting tail for %s: %w", detail.LogFilePath, err)
	}

	prefixes := make([]*regexp.Regexp, 0, len(detail.PrefixOrder))
	for _, pattern := range detail.PrefixOrder {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue // invalid patterns are reported by the classifier per-line, not here
		}
		prefixes = append(prefixes, re)
	}

	r := &Reader{
		tail:     t,
		prefixes: prefixes,
		out:      make(chan Line, 256),
		recreate: make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	go r.watchRecreate(detail.LogFilePath)
	go r.pump()
	return r, nil
}

// pump forwards every tail.Line that matches a configured prefix
// pattern (or carries an error, which is always forwarded) onto r.out,
// interleaving Reconnected lines from the recreate watcher, then
// closes r.out, appending a GaveUp line if the tail ended without
// Stop having been called.
func (r *Reader) pump() {
	defer close(r.out)
	defer r.closeQuit()

	for {
		select {
		case line, ok := <-r.tail.Lines:
			if !ok {
				if atomic.LoadInt32(&r.stopping) == 0 {
					r.out <- Line{Err: GaveUp}
				}
				return
			}
			if line.Err != nil {
				r.out <- Line{Err: line.Err}
				continue
			}

			text := strings.TrimRight(line.Text, "\r")
			if text == "" {
				continue
			}
			if !r.matchesAnyPrefix(text) {
				continue
			}
			r.out <- Line{Text: text}
		case <-r.recreate:
			r.out <- Line{Err: Reconnected}
		}
	}
}

// watchRecreate stats path on an interval and signals pump when the
// file's identity changes: it vanished and reappeared, or was
// replaced in place by a new inode. Pure truncation keeps the same
// identity and is handled by the tail library itself, so it does not
// signal here.
func (r *Reader) watchRecreate(path string) {
	var prev os.FileInfo
	if info, err := os.Stat(path); err == nil {
		prev = info
	}
	seen := prev != nil

	ticker := time.NewTicker(recreatePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			cur, err := os.Stat(path)
			if err != nil {
				prev = nil
				continue
			}
			if seen && (prev == nil || !os.SameFile(prev, cur)) {
				select {
				case r.recreate <- struct{}{}:
				default:
				}
			}
			prev = cur
			seen = true
		}
	}
}

func (r *Reader) closeQuit() {
	r.quitOnce.Do(func() { close(r.quit) })
}

func (r *Reader) matchesAnyPrefix(line string) bool {
	for _, re := range r.prefixes {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Lines returns the channel of filtered lines. It is closed when the
// reader stops, with a final Line carrying GaveUp as Err if the stop
// was not requested via Stop.
func (r *Reader) Lines() <-chan Line {
	return r.out
}

// Stop kills the tail follower and the recreate watcher. Safe to call
// once; the reader is not reusable afterward.
func (r *Reader) Stop() error {
	atomic.StoreInt32(&r.stopping, 1)
	r.closeQuit()
	return r.tail.Stop()
}

// Cleanup releases any OS resources (e.g. inotify watches) the
// underlying tail library is holding.
func (r *Reader) Cleanup() {
	r.tail.Cleanup()
}

// seekInfo computes the resume point: if resumeTimestamp is
// non-empty, find the byte offset of the first line whose start
// matches the longest prefix of resumeTimestamp for which some line
// in the file matches; if no such line exists, fall back to the last
// 10 lines. If resumeTimestamp is empty, start from the beginning.
func seekInfo(path, resumeTimestamp string) (*tail.SeekInfo, error) {
	if resumeTimestamp == "" {
		return &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}, nil
	}

	offset, found, err := resumeOffsetFromTimestamp(path, resumeTimestamp)
	if err != nil {
		if os.IsNotExist(err) {
			// file doesn't exist yet; ReOpen/Follow will pick it up once created
			return &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}, nil
		}
		return nil, err
	}
	if found {
		return &tail.SeekInfo{Offset: offset, Whence: io.SeekStart}, nil
	}

	offset, err = lastNLinesOffset(path, 10)
	if err != nil {
		return nil, err
	}
	return &tail.SeekInfo{Offset: offset, Whence: io.SeekStart}, nil
}

// resumeOffsetFromTimestamp searches path for the first line starting
// with the longest prefix of timestamp that matches the start of any
// line, trying progressively shorter prefixes (down to a 10-character
// floor, i.e. at least "YYYY-MM-DD") before giving up.
func resumeOffsetFromTimestamp(path, timestamp string) (offset int64, found bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	const minPrefixLen = 10
	for length := len(timestamp); length >= minPrefixLen; length-- {
		prefix := timestamp[:length]
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return 0, false, err
		}
		offset, found = scanForPrefix(f, prefix)
		if found {
			return offset, true, nil
		}
	}
	return 0, false, nil
}

func scanForPrefix(f *os.File, prefix string) (int64, bool) {
	reader := bufio.NewReader(f)
	var pos int64
	for {
		line, err := reader.ReadString('\n')
		if strings.HasPrefix(line, prefix) {
			return pos, true
		}
		pos += int64(len(line))
		if err != nil {
			return 0, false
		}
	}
}

// lastNLinesOffset returns the byte offset at which the last n lines
// of the file begin.
func lastNLinesOffset(path string, n int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var offsets []int64
	reader := bufio.NewReader(f)
	var pos int64
	for {
		start := pos
		line, err := reader.ReadString('\n')
		pos += int64(len(line))
		if line != "" {
			offsets = append(offsets, start)
		}
		if err != nil {
			break
		}
	}

	if len(offsets) <= n {
		return 0, nil
	}
	return offsets[len(offsets)-n], nil
}
