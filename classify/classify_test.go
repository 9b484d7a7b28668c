package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soumyarai2050/tailpipe/event"
)

func TestClassifyHappyPath(t *testing.T) {
	c := New()
	line := "2024-01-01 00:00:00,000 : TESTRUN : [mod.py : 42] : hello world"
	prefix := `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3} : TESTRUN : \[[^]]+\] : `

	res, err := c.Classify(line, prefix, "", "")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "hello world", res.Message)
}

func TestClassifyNoMatchContinues(t *testing.T) {
	c := New()
	res, err := c.Classify("not a matching line", `^FOO`, "", "")
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestClassifyExtractsTimestamp(t *testing.T) {
	c := New()
	line := "2024-01-01 00:00:01,500 : TESTRUN : [m : 1] : payload"
	prefix := `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3} : TESTRUN : \[[^]]+\] : `
	tsPattern := `(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3})`

	res, err := c.Classify(line, prefix, tsPattern, "")
	require.NoError(t, err)
	require.True(t, res.HasTimestamp)
	assert.Equal(t, 2024, res.Timestamp.Year())
}

func TestClassifyExtractsSourceAndTakesBasename(t *testing.T) {
	c := New()
	line := "2024-01-01 00:00:01,500 : TESTRUN : [/opt/app/mod.py : 42] : payload"
	prefix := `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3} : TESTRUN : \[[^]]+\] : `
	srcPattern := `\[([^:\]]+)\s*:\s*(\d+)\]`

	res, err := c.Classify(line, prefix, "", srcPattern)
	require.NoError(t, err)
	assert.Equal(t, "mod.py", res.SourceFile)
	assert.Equal(t, 42, res.SourceLineNumber)
}

func TestClassifyBadTimestampPatternLeavesTimestampEmpty(t *testing.T) {
	c := New()
	line := "2024-01-01 00:00:01,500 : TESTRUN : [m : 1] : payload"
	prefix := `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3} : TESTRUN : \[[^]]+\] : `

	res, err := c.Classify(line, prefix, `(no such group here)`, "")
	require.NoError(t, err)
	assert.False(t, res.HasTimestamp)
}

func TestEnforceBriefSizePolicy(t *testing.T) {
	exact := strings.Repeat("a", event.MaxBriefSizeBytes)
	brief, truncated := EnforceBriefSizePolicy(exact)
	assert.False(t, truncated)
	assert.Equal(t, exact, brief)

	over := strings.Repeat("a", event.MaxBriefSizeBytes+1)
	brief, truncated = EnforceBriefSizePolicy(over)
	assert.True(t, truncated)
	assert.Len(t, brief, event.MaxBriefSizeBytes)
}
