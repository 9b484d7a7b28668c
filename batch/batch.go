// Package batch implements the batching delivery queue: an unbounded
// FIFO of records drained into a Sink with dual count/time triggers,
// and error routing that distinguishes partial-miss,
// connection-refused, and catch-all sink failures.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/uuid/v5"
)

// Record is one opaque payload routed through the queue, tagged with
// a stable ID so a sink's partial-miss protocol can name it.
type Record struct {
	ID      uuid.UUID
	Payload any
}

// NewRecord mints a Record with a fresh random ID.
func NewRecord(payload any) Record {
	return Record{ID: uuid.Must(uuid.NewV4()), Payload: payload}
}

// Sink is the downstream delivery target. Returning one of the
// sentinel error types below gets specialized error routing; a plain
// error gets the same routing when its message carries the textual
// partial-miss or connection-refused phrase (see classify), and
// otherwise routes the whole batch to the error callback.
type Sink interface {
	Send(ctx context.Context, records []Record) error
}

// PartialMissError reports that records named by MissingIDs do not
// exist at the destination; the rest of the batch is presumed
// accepted.
type PartialMissError struct {
	MissingIDs []uuid.UUID
}

func (e *PartialMissError) Error() string {
	ids := make([]string, len(e.MissingIDs))
	for i, id := range e.MissingIDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("objects with ids: {%s} out of requested batch", strings.Join(ids, ", "))
}

// ConnectionRefusedError reports a transient connectivity failure: the
// sink's acceptance state of the batch is unknown.
type ConnectionRefusedError struct {
	Cause error
}

func (e *ConnectionRefusedError) Error() string {
	return fmt.Sprintf("Failed to establish a new connection: [Errno 111] Connection refused: %v", e.Cause)
}

func (e *ConnectionRefusedError) Unwrap() error { return e.Cause }

var partialMissPattern = regexp.MustCompile(`objects with ids: \{([^}]*)\} out of requested`)

// classify inspects an arbitrary sink error (including ones not
// constructed via the sentinel types above, e.g. a wrapped error whose
// message matches the textual protocol some sinks speak) and returns
// the routing decision.
func classify(err error) (partial *PartialMissError, connRefused bool) {
	var pm *PartialMissError
	if errors.As(err, &pm) {
		return pm, false
	}
	var cr *ConnectionRefusedError
	if errors.As(err, &cr) {
		return nil, true
	}

	msg := err.Error()
	if m := partialMissPattern.FindStringSubmatch(msg); m != nil {
		return &PartialMissError{MissingIDs: parseIDList(m[1])}, false
	}
	if strings.Contains(msg, "Failed to establish a new connection") && strings.Contains(msg, "Connection refused") {
		return nil, true
	}
	return nil, false
}

// parseIDList extracts the UUIDs from a textual partial-miss id set.
// Every Record is minted with a UUID, so anything that doesn't parse
// as one can never match a pending record and is dropped.
func parseIDList(raw string) []uuid.UUID {
	var ids []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := uuid.FromString(part); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Config tunes the dual triggers and error-recovery timing.
type Config struct {
	CountTrigger       int
	TimeTrigger        time.Duration
	ConnRefusedBackoff time.Duration
}

// DefaultConfig returns the stock trigger and back-off settings.
func DefaultConfig() Config {
	return Config{
		CountTrigger:       5,
		TimeTrigger:        2 * time.Second,
		ConnRefusedBackoff: 5 * time.Minute,
	}
}

// ErrorCallback receives records the sink could not deliver, whether
// individually (partial miss) or as a whole batch (catch-all route).
type ErrorCallback func(records []Record, cause error)

// Queue is the batching delivery queue. One Queue exists per sink per
// executor.
type Queue struct {
	cfg     Config
	sink    Sink
	onError ErrorCallback

	mu      sync.Mutex
	pending []Record
	oldest  time.Time

	incoming chan Record
	stop     chan struct{}
	done     chan struct{}
}

// New constructs a Queue. Start must be called to begin draining.
func New(cfg Config, sink Sink, onError ErrorCallback) *Queue {
	if cfg.CountTrigger <= 0 {
		cfg.CountTrigger = DefaultConfig().CountTrigger
	}
	if cfg.TimeTrigger <= 0 {
		cfg.TimeTrigger = DefaultConfig().TimeTrigger
	}
	if cfg.ConnRefusedBackoff <= 0 {
		cfg.ConnRefusedBackoff = DefaultConfig().ConnRefusedBackoff
	}
	return &Queue{
		cfg:      cfg,
		sink:     sink,
		onError:  onError,
		incoming: make(chan Record, 1024),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue adds a record to the tail of the queue. The pending batch
// has no bounded capacity, but records reach it through a 1024-slot
// hand-off buffer: while the drain loop is inside a sink call or a
// connection-refused back-off and that buffer is full, Enqueue blocks.
func (q *Queue) Enqueue(r Record) {
	select {
	case q.incoming <- r:
	case <-q.stop:
	}
}

// enqueueHead re-enqueues surviving records at the front of the
// pending batch, ahead of anything arriving afterward. They are still
// pending delivery after a partial miss.
func (q *Queue) enqueueHead(records []Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(append([]Record{}, records...), q.pending...)
	if len(records) > 0 && q.oldest.IsZero() {
		q.oldest = time.Now()
	}
}

// Start launches the drain loop. Stop unblocks it.
func (q *Queue) Start(ctx context.Context) {
	go q.run(ctx)
}

// Stop signals the drain loop to exit after delivering or dropping its
// current batch.
func (q *Queue) Stop() {
	close(q.stop)
	<-q.done
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	for {
		remaining := q.cfg.TimeTrigger
		q.mu.Lock()
		if len(q.pending) > 0 {
			remaining = q.cfg.TimeTrigger - time.Since(q.oldest)
		}
		atCount := len(q.pending) >= q.cfg.CountTrigger
		q.mu.Unlock()

		if atCount || remaining <= 0 {
			q.drain(ctx)
			continue
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.stop:
			timer.Stop()
			q.drainIfNonEmpty(ctx)
			return
		case <-timer.C:
			q.drain(ctx)
		case rec, ok := <-q.incoming:
			timer.Stop()
			if !ok {
				return
			}
			q.append(rec)
		}
	}
}

func (q *Queue) append(r Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		q.oldest = time.Now()
	}
	q.pending = append(q.pending, r)
}

func (q *Queue) drainIfNonEmpty(ctx context.Context) {
	q.mu.Lock()
	empty := len(q.pending) == 0
	q.mu.Unlock()
	if !empty {
		q.drain(ctx)
	}
}

// drain calls the sink with the whole pending batch and applies the
// three-way error routing.
func (q *Queue) drain(ctx context.Context) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.oldest = time.Time{}
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	err := q.sink.Send(ctx, batch)
	if err == nil {
		return
	}

	partial, connRefused := classify(err)
	switch {
	case partial != nil:
		missingSet := make(map[uuid.UUID]bool, len(partial.MissingIDs))
		for _, id := range partial.MissingIDs {
			missingSet[id] = true
		}
		var surviving []Record
		var failed []Record
		for _, r := range batch {
			if missingSet[r.ID] {
				failed = append(failed, r)
			} else {
				surviving = append(surviving, r)
			}
		}
		log.Printf("W! [batch] partial miss: %d of %d records rejected by id", len(failed), len(batch))
		if q.onError != nil && len(failed) > 0 {
			q.onError(failed, err)
		}
		q.enqueueHead(surviving)

	case connRefused:
		log.Printf("E! [batch] sink connection refused, backing off %s and dropping current batch", q.cfg.ConnRefusedBackoff)
		q.backoffConnectionRefused(ctx)

	default:
		log.Printf("E! [batch] sink call failed, routing %d record(s) to error callback: %v", len(batch), err)
		if q.onError != nil {
			q.onError(batch, err)
		}
	}
}

// backoffConnectionRefused blocks for the configured back-off, honoring
// context cancellation and Stop. It never rebuilds the dropped batch:
// the sink's acceptance state is unknown, the data source is presumed
// still producing, and the next attempt starts clean from fresh
// arrivals.
func (q *Queue) backoffConnectionRefused(ctx context.Context) {
	b := backoff.NewConstantBackOff(q.cfg.ConnRefusedBackoff)
	timer := time.NewTimer(b.NextBackOff())
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-q.stop:
	case <-timer.C:
	}
}
