package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTOML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tailpipe.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

const sampleTOML = `
regex_file_name = "/etc/tailpipe/suppress.regex"
regex_lock_file_name = "/etc/tailpipe/suppress.regex.lock"
regex_list_refresh_time_wait = 15
transaction_counts_per_call_for_server = 50
transaction_counts_per_call_for_tail_ex = 5
transaction_timeout_secs = 2

[[log_detail]]
service = "order-gateway"
log_file_path = "/var/log/order-gateway.log"
poll_timeout_seconds = 1.5
critical = true

  [[log_detail.prefix]]
  pattern = "^ERROR"
  handler = "record_error"
  timestamp_pattern = "\\d{4}-\\d{2}-\\d{2} \\d{2}:\\d{2}:\\d{2}"

  [[log_detail.prefix]]
  pattern = "^WARN"
  handler = "record_warning"
`

func TestLoadDecodesOperationalKeysAndLogDetails(t *testing.T) {
	path := writeTOML(t, sampleTOML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.RegexFileName != "/etc/tailpipe/suppress.regex" {
		t.Errorf("RegexFileName = %q", cfg.RegexFileName)
	}
	if cfg.RegexListRefreshInterval() != 15*time.Second {
		t.Errorf("RegexListRefreshInterval = %v", cfg.RegexListRefreshInterval())
	}
	if cfg.TransactionCountsPerCallForServer != 50 {
		t.Errorf("TransactionCountsPerCallForServer = %d", cfg.TransactionCountsPerCallForServer)
	}

	details, err := cfg.LogDetailList()
	if err != nil {
		t.Fatalf("LogDetailList: %v", err)
	}
	if len(details) != 1 {
		t.Fatalf("expected 1 log detail, got %d", len(details))
	}
	d := details[0]
	if d.Service != "order-gateway" || d.LogFilePath != "/var/log/order-gateway.log" {
		t.Errorf("unexpected log detail: %+v", d)
	}
	if d.PollTimeout != 1500*time.Millisecond {
		t.Errorf("PollTimeout = %v", d.PollTimeout)
	}
	if !d.Critical {
		t.Error("expected Critical to be true")
	}
	if got := d.PrefixOrder; len(got) != 2 || got[0] != "^ERROR" || got[1] != "^WARN" {
		t.Errorf("PrefixOrder = %v, want declaration order", got)
	}
	if d.PrefixToCallableName["^ERROR"] != "record_error" {
		t.Errorf("handler for ^ERROR = %q", d.PrefixToCallableName["^ERROR"])
	}
	if d.PrefixToTimestampPattern["^ERROR"] == "" {
		t.Error("expected a timestamp pattern for ^ERROR")
	}
	if _, ok := d.PrefixToTimestampPattern["^WARN"]; ok {
		t.Error("did not expect a timestamp pattern for ^WARN")
	}
}

func TestLoadRejectsMissingRegexFileName(t *testing.T) {
	path := writeTOML(t, `regex_lock_file_name = "/etc/tailpipe/suppress.regex.lock"`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when regex_file_name is missing")
	}
}

func TestLoadRejectsMissingRegexLockFileName(t *testing.T) {
	path := writeTOML(t, `regex_file_name = "/etc/tailpipe/suppress.regex"`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when regex_lock_file_name is missing")
	}
}

func TestLogDetailConfigToLogDetailPreservesDeclarationOrder(t *testing.T) {
	entry := LogDetailConfig{
		Service:            "risk-engine",
		LogFilePath:        "/var/log/risk-engine.log",
		PollTimeoutSeconds: 2,
		Prefixes: []PrefixConfig{
			{Pattern: "^C", Handler: "h1"},
			{Pattern: "^A", Handler: "h2"},
			{Pattern: "^B", Handler: "h3"},
		},
	}

	d := entry.ToLogDetail()
	want := []string{"^C", "^A", "^B"}
	for i, p := range want {
		if d.PrefixOrder[i] != p {
			t.Errorf("PrefixOrder[%d] = %q, want %q", i, d.PrefixOrder[i], p)
		}
	}
}

func TestLogDetailListRejectsInvalidEntry(t *testing.T) {
	cfg := &Config{
		LogDetails: []LogDetailConfig{
			{Service: "no-prefixes", LogFilePath: "/var/log/x.log", PollTimeoutSeconds: 1},
		},
	}

	if _, err := cfg.LogDetailList(); err == nil {
		t.Fatal("expected an error for a log detail with no prefixes")
	}
}

func TestRegexListRefreshIntervalDefaultsWhenUnset(t *testing.T) {
	cfg := &Config{}
	if got, want := cfg.RegexListRefreshInterval(), 30*time.Second; got != want {
		t.Errorf("RegexListRefreshInterval = %v, want %v", got, want)
	}
}

func TestConnectionRefusedBackoffDefaultsWhenUnset(t *testing.T) {
	cfg := &Config{}
	if got, want := cfg.ConnectionRefusedBackoff(), 5*time.Minute; got != want {
		t.Errorf("ConnectionRefusedBackoff = %v, want %v", got, want)
	}
}

func TestConnectionRefusedBackoffHonorsConfiguredValue(t *testing.T) {
	cfg := &Config{ClientConnectionFailRetrySecs: 90}
	if got, want := cfg.ConnectionRefusedBackoff(), 90*time.Second; got != want {
		t.Errorf("ConnectionRefusedBackoff = %v, want %v", got, want)
	}
}
