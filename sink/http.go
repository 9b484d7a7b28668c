// Package sink implements the stock performance-sample HTTP sink. The
// batching queue (batch.Queue) knows it only through the batch.Sink
// interface, but tailpipe ships one concrete implementation so the
// module is runnable end to end without a host supplying its own.
package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/soumyarai2050/tailpipe/batch"
	"github.com/soumyarai2050/tailpipe/config/secret"
)

// HTTPSink delivers batches of batch.Record to a single HTTP endpoint
// as a JSON array. Success is a 2xx with no body interpretation
// required; a partial miss is reported as a 207 whose body contains
// the "objects with ids: {...} out of requested" phrase; a connection
// failure surfaces as a transport error reshaped into
// batch.ConnectionRefusedError so batch.Queue's error routing
// recognizes it regardless of which sink implementation raised it.
type HTTPSink struct {
	client   *resty.Client
	endpoint string
}

// Config tunes the HTTP sink's transport.
type Config struct {
	Endpoint           string
	Timeout            time.Duration
	BearerToken        *secret.Secret
	Username, Password string
	InsecureSkipVerify bool
}

// NewHTTPSink builds a sink bound to cfg.Endpoint. The bearer token,
// when set, is resolved at request time (not cached): a Secret's
// plaintext is only ever materialized for as long as a single use
// requires.
func NewHTTPSink(cfg Config) *HTTPSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}) //nolint:gosec

	if cfg.Username != "" {
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}
	if cfg.BearerToken != nil {
		client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			token, err := cfg.BearerToken.Get()
			if err != nil {
				return fmt.Errorf("sink: resolving bearer token: %w", err)
			}
			req.SetAuthToken(token)
			return nil
		})
	}

	return &HTTPSink{client: client, endpoint: cfg.Endpoint}
}

// Send implements batch.Sink.
func (s *HTTPSink) Send(ctx context.Context, records []batch.Record) error {
	payload := make([]map[string]any, len(records))
	for i, r := range records {
		payload[i] = map[string]any{
			"id":      r.ID.String(),
			"payload": r.Payload,
		}
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(s.endpoint)
	if err != nil {
		if isConnectionRefused(err) {
			return &batch.ConnectionRefusedError{Cause: err}
		}
		return fmt.Errorf("sink: posting batch to %s: %w", s.endpoint, err)
	}

	if resp.StatusCode() == 207 {
		return fmt.Errorf("sink: partial acceptance from %s: %s", s.endpoint, resp.String())
	}
	if resp.IsError() {
		return fmt.Errorf("sink: %s responded %s: %s", s.endpoint, resp.Status(), resp.String())
	}
	return nil
}

// isConnectionRefused recognizes a refused TCP connection; resty
// surfaces it as a wrapped net.OpError whose string representation
// contains "connection refused" on every platform tailpipe targets.
func isConnectionRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused")
}
