package tailfile

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soumyarai2050/tailpipe/event"
)

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSeekInfoFromBeginningWhenNoResumeTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeLines(t, path, "2024-01-01 00:00:00,000 hello")

	seek, err := seekInfo(path, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seek.Offset)
}

func TestResumeOffsetFromTimestampExactMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeLines(t, path,
		"2024-01-01 00:00:00,000 first",
		"2024-01-01 00:00:01,000 second",
		"2024-01-01 00:00:02,000 third",
	)

	offset, found, err := resumeOffsetFromTimestamp(path, "2024-01-01 00:00:01,000")
	require.NoError(t, err)
	require.True(t, found)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, len("2024-01-01 00:00:01,000 second"))
	_, err = f.ReadAt(buf, offset)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01 00:00:01,000 second", string(buf))
}

func TestResumeOffsetFromTimestampFallsBackToShorterPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	// the exact millisecond differs from what we search for, but the
	// date-and-second prefix still matches.
	writeLines(t, path,
		"2024-01-01 00:00:00,000 first",
		"2024-01-01 00:00:01,999 second",
	)

	offset, found, err := resumeOffsetFromTimestamp(path, "2024-01-01 00:00:01,000")
	require.NoError(t, err)
	require.True(t, found)
	assert.Positive(t, offset)
}

func TestResumeOffsetFromTimestampNoMatchReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeLines(t, path, "2020-06-06 00:00:00,000 unrelated")

	_, found, err := resumeOffsetFromTimestamp(path, "2024-01-01 00:00:01,000")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLastNLinesOffsetWithFewerLinesThanN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeLines(t, path, "only one line")

	offset, err := lastNLinesOffset(path, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)
}

func TestLastNLinesOffsetSkipsEarlierLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeLines(t, path, "one", "two", "three")

	offset, err := lastNLinesOffset(path, 2)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, len("two"))
	_, err = f.ReadAt(buf, offset)
	require.NoError(t, err)
	assert.Equal(t, "two", string(buf))
}

func TestMatchesAnyPrefixFiltersUnrelatedLines(t *testing.T) {
	r := &Reader{prefixes: []*regexp.Regexp{regexp.MustCompile(`^ERROR`)}}

	assert.True(t, r.matchesAnyPrefix("ERROR something broke"))
	assert.False(t, r.matchesAnyPrefix("INFO all fine"))
}

func TestMatchesAnyPrefixWithNoPrefixesMatchesNothing(t *testing.T) {
	r := &Reader{}
	assert.False(t, r.matchesAnyPrefix("anything at all"))
}

func TestReaderEmitsReconnectedOnRecreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeLines(t, path, "ERROR first")

	detail := &event.LogDetail{
		Service:              "svc",
		LogFilePath:          path,
		PrefixToCallableName: map[string]string{`^ERROR`: "handle_error"},
		PrefixOrder:          []string{`^ERROR`},
		PollTimeout:          time.Second,
	}

	r, err := Start(detail, "")
	require.NoError(t, err)
	defer func() {
		_ = r.Stop()
		r.Cleanup()
	}()

	waitForLine(t, r, func(l Line) bool { return l.Text == "ERROR first" })

	require.NoError(t, os.Remove(path))
	// give the recreate watcher a tick to observe the absence
	time.Sleep(2 * recreatePollInterval)
	writeLines(t, path, "ERROR second")

	var sawReconnect, sawSecond bool
	deadline := time.After(10 * time.Second)
	for !sawReconnect || !sawSecond {
		select {
		case l, ok := <-r.Lines():
			require.True(t, ok, "reader closed before recreate was observed")
			if errors.Is(l.Err, Reconnected) {
				sawReconnect = true
			}
			if l.Text == "ERROR second" {
				sawSecond = true
			}
		case <-deadline:
			t.Fatalf("timed out: reconnect=%v second-line=%v", sawReconnect, sawSecond)
		}
	}
}

func waitForLine(t *testing.T, r *Reader, match func(Line) bool) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case l, ok := <-r.Lines():
			require.True(t, ok, "reader closed before expected line")
			if match(l) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for expected line")
		}
	}
}
