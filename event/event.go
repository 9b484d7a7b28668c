// Package event defines the data model shared by tailpipe's tail
// executors, classifier and batching queue: the descriptor for one
// tail target (LogDetail), the structured unit produced for a
// matching line (Event), and the performance sample records the
// batching queue hands to the sink.
package event

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// LogSeparator splits a log message into a short brief and a longer
// detail. Only the brief is subject to the size policy and to
// suppression matching.
const LogSeparator = ";;;"

// MaxBriefSizeBytes is the size policy enforced on a classified
// message's brief before it is handed to a handler.
const MaxBriefSizeBytes = 2048

// LogDetail describes one tail target: a file (or glob of files) for
// one logical service, the prefix patterns that mark lines of
// interest, and the handlers that own each prefix.
type LogDetail struct {
	Service     string
	LogFilePath string

	// LogFilePathIsRegex, despite the name (kept for config-key
	// compatibility with existing deployments), means "glob", not
	// "regex": a shell-style glob pattern including the doublestar
	// "**" super asterisk.
	LogFilePathIsRegex bool

	// PrefixToCallableName maps a prefix regex (matched against the
	// start of a candidate log line) to the name of the handler that
	// must be invoked for a match. Patterns are matched in iteration
	// order; since Go map iteration order is undefined, tailpipe
	// tracks declaration order separately in PrefixOrder.
	PrefixToCallableName map[string]string
	PrefixOrder          []string

	PrefixToTimestampPattern map[string]string
	PrefixToSourcePattern    map[string]string

	PollTimeout time.Duration
	Critical    bool

	// ProcessedTimestamp is the last-seen event timestamp, formatted
	// as ISO-8601 with millisecond precision. It is mutated by the
	// executor and used to compute the resume point on restart.
	ProcessedTimestamp string

	IsRunning bool
	ForceKill bool
}

// Clone returns a deep copy of d with LogFilePath replaced, used when
// a glob expands to multiple concrete files sharing one LogDetail.
func (d *LogDetail) Clone(expandedPath string) *LogDetail {
	clone := *d
	clone.LogFilePath = expandedPath
	clone.PrefixToCallableName = copyStringMap(d.PrefixToCallableName)
	clone.PrefixOrder = append([]string(nil), d.PrefixOrder...)
	clone.PrefixToTimestampPattern = copyStringMap(d.PrefixToTimestampPattern)
	clone.PrefixToSourcePattern = copyStringMap(d.PrefixToSourcePattern)
	return &clone
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Validate enforces the LogDetail invariants from the data model:
// non-empty service, at least one prefix pattern, a positive poll
// timeout, and patterns that compile.
func (d *LogDetail) Validate() error {
	if d.Service == "" {
		return fmt.Errorf("log detail for %q: service must not be empty", d.LogFilePath)
	}
	if len(d.PrefixToCallableName) == 0 {
		return fmt.Errorf("log detail for service %q: at least one prefix pattern is required", d.Service)
	}
	if d.PollTimeout <= 0 {
		return fmt.Errorf("log detail for service %q: poll_timeout_seconds must be > 0", d.Service)
	}
	for _, pattern := range d.PrefixOrder {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("log detail for service %q: prefix pattern %q does not compile: %w", d.Service, pattern, err)
		}
	}
	return nil
}

// Basename returns the file name component of LogFilePath cut at its
// first '.', e.g. "/var/log/svc.log" -> "svc" and
// "/var/log/svc.2024.log" -> "svc".
func (d *LogDetail) Basename() string {
	base := filepath.Base(d.LogFilePath)
	if idx := strings.IndexByte(base, '.'); idx >= 0 {
		return base[:idx]
	}
	return base
}

// CheckpointName is the name of the checkpoint cell owned by the
// executor for this log detail: tail_executor~<service>~<basename>.
func (d *LogDetail) CheckpointName() string {
	return fmt.Sprintf("tail_executor~%s~%s", d.Service, d.Basename())
}

// WatcherCacheKey identifies a (path, service) pair in the watcher's
// dedup cache.
type WatcherCacheKey struct {
	Path    string
	Service string
}

// Event is the structured unit extracted from one classified log line.
type Event struct {
	Detail           *LogDetail
	LogPrefix        string
	LogMessage       string
	LogTimestamp     time.Time
	HasTimestamp     bool
	SourceFile       string
	SourceLineNumber int
}

// Brief returns the portion of LogMessage before the first
// LogSeparator, or the whole message if the separator is absent.
func (e *Event) Brief() string {
	if idx := strings.Index(e.LogMessage, LogSeparator); idx != -1 {
		return e.LogMessage[:idx]
	}
	return e.LogMessage
}

// PerfSample is the record constructed from a performance-sampling
// prefix match (callable_name;;;start_time;;;delta) and put on the
// batching queue for the performance sink.
type PerfSample struct {
	ID           string
	CallableName string
	StartTime    time.Time
	DeltaSeconds float64
	Service      string
}
