// Package classify implements the pure line-classification function:
// given a raw log line and a prefix pattern, decide whether the line
// is an event of interest and extract its prefix, body, timestamp and
// source location.
package classify

import (
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/soumyarai2050/tailpipe/event"
)

// Result is the outcome of classifying one line against one prefix
// pattern. Matched is false when the prefix pattern did not match the
// line at all, in which case the caller should continue to the next
// configured prefix rather than treat this as an error.
type Result struct {
	Matched          bool
	Prefix           string
	Message          string
	Timestamp        time.Time
	HasTimestamp     bool
	SourceFile       string
	SourceLineNumber int
}

// compiledCache avoids recompiling the same prefix/timestamp/source
// patterns for every line; patterns are static for the lifetime of an
// executor so a simple map guarded by the caller's single-goroutine
// access pattern (the analyzer loop never runs two lines concurrently
// for the same LogDetail) is sufficient.
type compiledCache struct {
	patterns map[string]*regexp.Regexp
}

func newCompiledCache() *compiledCache {
	return &compiledCache{patterns: make(map[string]*regexp.Regexp)}
}

func (c *compiledCache) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := c.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.patterns[pattern] = re
	return re, nil
}

// Classifier wraps pattern compilation so the same regexes aren't
// recompiled for every line; one Classifier is owned per executor.
type Classifier struct {
	cache *compiledCache
}

// New returns a Classifier ready to classify lines.
func New() *Classifier {
	return &Classifier{cache: newCompiledCache()}
}

// Classify matches line against prefixPattern and, if it matches,
// extracts the timestamp (via timestampPattern, if any) and the
// source file/line (via sourcePattern, if any).
//
// The prefix pattern is searched anywhere in the line: callers
// conventionally anchor it with ^ but nothing here enforces that.
func (c *Classifier) Classify(line, prefixPattern, timestampPattern, sourcePattern string) (Result, error) {
	prefixRe, err := c.cache.compile(prefixPattern)
	if err != nil {
		return Result{}, err
	}

	loc := prefixRe.FindStringIndex(line)
	if loc == nil {
		return Result{}, nil
	}

	prefix := line[loc[0]:loc[1]]
	message := strings.TrimSpace(line[loc[1]:])

	res := Result{
		Matched: true,
		Prefix:  prefix,
		Message: message,
	}

	if timestampPattern != "" {
		ts, ok := extractTimestamp(c.cache, line, timestampPattern)
		res.Timestamp = ts
		res.HasTimestamp = ok
	}

	if sourcePattern != "" {
		src, lineNum := extractSource(c.cache, line, sourcePattern)
		res.SourceFile = src
		res.SourceLineNumber = lineNum
	}

	return res, nil
}

// extractTimestamp searches the whole line for the first capture
// group of timestampPattern, parses it in the machine's local zone,
// and converts it to UTC. A parse failure logs once per line and
// leaves the timestamp empty.
func extractTimestamp(cache *compiledCache, line, timestampPattern string) (time.Time, bool) {
	re, err := cache.compile(timestampPattern)
	if err != nil {
		log.Printf("E! [classify] timestamp pattern %q failed to compile: %v", timestampPattern, err)
		return time.Time{}, false
	}

	match := re.FindStringSubmatch(line)
	if match == nil || len(match) < 2 {
		log.Printf("E! [classify] no timestamp match for pattern %q in line", timestampPattern)
		return time.Time{}, false
	}

	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, match[1], time.Local); err == nil {
			return t.UTC(), true
		}
	}
	log.Printf("E! [classify] failed to parse timestamp %q with any known layout", match[1])
	return time.Time{}, false
}

// timestampLayouts covers the ISO-8601-with-comma-millis format used
// throughout the log lines this package is built to classify, plus
// the dotted-millis and bare-second variants.
var timestampLayouts = []string{
	"2006-01-02 15:04:05,000",
	"2006-01-02T15:04:05,000",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// extractSource extracts (source_file, source_line_number) from the
// first two capture groups of sourcePattern. If the source looks like
// a full path, only the basename is kept.
func extractSource(cache *compiledCache, line, sourcePattern string) (string, int) {
	re, err := cache.compile(sourcePattern)
	if err != nil {
		log.Printf("E! [classify] source pattern %q failed to compile: %v", sourcePattern, err)
		return "", 0
	}

	match := re.FindStringSubmatch(line)
	if match == nil || len(match) < 3 {
		log.Printf("E! [classify] no source match for pattern %q in line", sourcePattern)
		return "", 0
	}

	source := strings.TrimSpace(match[1])
	if idx := strings.LastIndexByte(source, os.PathSeparator); idx != -1 {
		source = source[idx+1:]
	}
	if idx := strings.LastIndexByte(source, '/'); idx != -1 {
		source = source[idx+1:]
	}

	lineNum, _ := strconv.Atoi(strings.TrimSpace(match[2]))
	return source, lineNum
}

// genericTimestampPattern recognizes an ISO-8601 timestamp with
// comma- or dot-millisecond precision anywhere in a line, independent
// of any configured per-prefix timestamp pattern. The analyzer loop
// uses this to keep processed_timestamp (and the checkpoint cell)
// current on every line, not just ones matching a declared prefix.
var genericTimestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}[,.]\d{3}`)

// ScanTimestamp searches line for an ISO-8601 timestamp anywhere in
// its text (not anchored to any particular prefix) and parses it in
// the machine's local zone, converting to UTC.
func ScanTimestamp(line string) (time.Time, bool) {
	match := genericTimestampPattern.FindString(line)
	if match == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, match, time.Local); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// EnforceBriefSizePolicy truncates brief to event.MaxBriefSizeBytes
// when it exceeds that limit, returning the (possibly truncated)
// brief and whether truncation occurred.
func EnforceBriefSizePolicy(brief string) (string, bool) {
	if len(brief) <= event.MaxBriefSizeBytes {
		return brief, false
	}
	return brief[:event.MaxBriefSizeBytes], true
}
