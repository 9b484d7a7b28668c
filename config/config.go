// Package config loads tailpipe's deployment configuration: the
// per-deployment operational keys (suppression file location and
// refresh cadence, transaction batching sizes, the connection-refused
// back-off), the secret-store definitions that back @{store:key}
// references, and the list of LogDetail tail targets.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/soumyarai2050/tailpipe/event"
	"github.com/soumyarai2050/tailpipe/secretstore"
)

// PrefixConfig is one entry in a LogDetail's prefix-to-handler mapping.
type PrefixConfig struct {
	Pattern          string `toml:"pattern"`
	Handler          string `toml:"handler"`
	TimestampPattern string `toml:"timestamp_pattern"`
	SourcePattern    string `toml:"source_pattern"`
}

// LogDetailConfig is the TOML-decodable shape of one tail target. It
// exists separately from event.LogDetail because TOML array tables
// preserve declaration order (event.LogDetail.PrefixOrder needs that
// order; a bare map does not).
type LogDetailConfig struct {
	Service            string         `toml:"service"`
	LogFilePath        string         `toml:"log_file_path"`
	LogFilePathIsRegex bool           `toml:"log_file_path_is_regex"`
	PollTimeoutSeconds float64        `toml:"poll_timeout_seconds"`
	Critical           bool           `toml:"critical"`
	Prefixes           []PrefixConfig `toml:"prefix"`
}

// ToLogDetail builds the runtime event.LogDetail this config entry
// describes.
func (c LogDetailConfig) ToLogDetail() *event.LogDetail {
	d := &event.LogDetail{
		Service:                  c.Service,
		LogFilePath:              c.LogFilePath,
		LogFilePathIsRegex:       c.LogFilePathIsRegex,
		PollTimeout:              time.Duration(c.PollTimeoutSeconds * float64(time.Second)),
		Critical:                 c.Critical,
		PrefixToCallableName:     make(map[string]string, len(c.Prefixes)),
		PrefixOrder:              make([]string, 0, len(c.Prefixes)),
		PrefixToTimestampPattern: make(map[string]string, len(c.Prefixes)),
		PrefixToSourcePattern:    make(map[string]string, len(c.Prefixes)),
	}
	for _, p := range c.Prefixes {
		d.PrefixToCallableName[p.Pattern] = p.Handler
		d.PrefixOrder = append(d.PrefixOrder, p.Pattern)
		if p.TimestampPattern != "" {
			d.PrefixToTimestampPattern[p.Pattern] = p.TimestampPattern
		}
		if p.SourcePattern != "" {
			d.PrefixToSourcePattern[p.Pattern] = p.SourcePattern
		}
	}
	return d
}

// Config is tailpipe's deployment configuration: the per-deployment
// operational map plus the tail-target descriptor list.
type Config struct {
	RegexFileName                     string  `toml:"regex_file_name"`
	RegexLockFileName                 string  `toml:"regex_lock_file_name"`
	RegexListRefreshTimeWaitSecs      float64 `toml:"regex_list_refresh_time_wait"`
	TransactionCountsPerCallForServer int     `toml:"transaction_counts_per_call_for_server"`
	TransactionCountsPerCallForTailEx int     `toml:"transaction_counts_per_call_for_tail_ex"`
	TransactionTimeoutSecs            float64 `toml:"transaction_timeout_secs"`
	ClientConnectionFailRetrySecs     float64 `toml:"client_connection_fail_retry_secs"`

	SecretStores []*secretstore.SecretStore `toml:"secretstore"`
	LogDetails   []LogDetailConfig          `toml:"log_detail"`
}

// RegexListRefreshInterval returns the suppression refresh cadence as
// a time.Duration, falling back to suppress.DefaultRefreshInterval's
// value (30s) when unset.
func (c *Config) RegexListRefreshInterval() time.Duration {
	if c.RegexListRefreshTimeWaitSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RegexListRefreshTimeWaitSecs * float64(time.Second))
}

// ConnectionRefusedBackoff returns the batching queue's configured
// back-off, falling back to 5 minutes when unset.
func (c *Config) ConnectionRefusedBackoff() time.Duration {
	if c.ClientConnectionFailRetrySecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.ClientConnectionFailRetrySecs * float64(time.Second))
}

// Load decodes a TOML deployment configuration from path, initializes
// every configured secret store, and resolves @{store:key} references
// throughout the document.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, fmt.Errorf("resolving secrets in %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate rejects a missing regex filename at load time rather than
// letting the suppression refresher discover it later.
func (c *Config) Validate() error {
	if c.RegexFileName == "" {
		return fmt.Errorf("config: regex_file_name is required")
	}
	if c.RegexLockFileName == "" {
		return fmt.Errorf("config: regex_lock_file_name is required")
	}
	return nil
}

// LogDetailList converts every configured LogDetailConfig into a
// runtime event.LogDetail, validating each.
func (c *Config) LogDetailList() ([]*event.LogDetail, error) {
	details := make([]*event.LogDetail, 0, len(c.LogDetails))
	for _, entry := range c.LogDetails {
		d := entry.ToLogDetail()
		if err := d.Validate(); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, nil
}
