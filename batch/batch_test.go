package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu    sync.Mutex
	calls [][]Record
	fn    func(records []Record) error
}

func (f *fakeSink) Send(_ context.Context, records []Record) error {
	f.mu.Lock()
	f.calls = append(f.calls, records)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(records)
	}
	return nil
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSink) call(i int) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestCountTriggerFiresBeforeTimeTrigger(t *testing.T) {
	sink := &fakeSink{}
	q := New(Config{CountTrigger: 5, TimeTrigger: 60 * time.Second}, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	for i := 0; i < 5; i++ {
		q.Enqueue(NewRecord(i))
	}

	waitFor(t, 2*time.Second, func() bool { return sink.callCount() == 1 })
	assert.Len(t, sink.call(0), 5)
}

func TestTimeTriggerFiresWithFewerThanCount(t *testing.T) {
	sink := &fakeSink{}
	q := New(Config{CountTrigger: 100, TimeTrigger: 200 * time.Millisecond}, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	q.Enqueue(NewRecord("a"))
	q.Enqueue(NewRecord("b"))

	waitFor(t, 2*time.Second, func() bool { return sink.callCount() == 1 })
	assert.Len(t, sink.call(0), 2)
}

func TestPartialMissRoutesOffendingIDsAndReEnqueuesRest(t *testing.T) {
	var errCalls [][]Record
	var errMu sync.Mutex

	first := true
	sink := &fakeSink{fn: func(records []Record) error {
		if first {
			first = false
			return &PartialMissError{MissingIDs: []uuid.UUID{records[0].ID, records[2].ID}}
		}
		return nil
	}}

	q := New(Config{CountTrigger: 3, TimeTrigger: 60 * time.Second}, sink, func(records []Record, cause error) {
		errMu.Lock()
		errCalls = append(errCalls, records)
		errMu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	r0, r1, r2 := NewRecord(0), NewRecord(1), NewRecord(2)
	q.Enqueue(r0)
	q.Enqueue(r1)
	q.Enqueue(r2)

	waitFor(t, 2*time.Second, func() bool { return sink.callCount() == 1 })

	errMu.Lock()
	require.Len(t, errCalls, 1)
	assert.ElementsMatch(t, []uuid.UUID{r0.ID, r2.ID}, []uuid.UUID{errCalls[0][0].ID, errCalls[0][1].ID})
	errMu.Unlock()

	// surviving record r1 should be re-enqueued at the head and delivered
	// on the next batch.
	waitFor(t, 2*time.Second, func() bool { return sink.callCount() == 2 })
	second := sink.call(1)
	require.Len(t, second, 1)
	assert.Equal(t, r1.ID, second[0].ID)
}

func TestConnectionRefusedDropsBatchWithoutErrorCallback(t *testing.T) {
	var errCalled bool
	sink := &fakeSink{fn: func(records []Record) error {
		return &ConnectionRefusedError{Cause: errors.New("dial tcp: refused")}
	}}

	q := New(Config{CountTrigger: 1, TimeTrigger: 60 * time.Second, ConnRefusedBackoff: 30 * time.Millisecond}, sink, func(records []Record, cause error) {
		errCalled = true
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue(NewRecord("x"))
	waitFor(t, 2*time.Second, func() bool { return sink.callCount() == 1 })
	q.Stop()

	assert.False(t, errCalled)
}

func TestOtherErrorRoutesWholeBatchToErrorCallback(t *testing.T) {
	var received []Record
	var mu sync.Mutex
	sink := &fakeSink{fn: func(records []Record) error {
		return errors.New("destination exploded")
	}}

	q := New(Config{CountTrigger: 2, TimeTrigger: 60 * time.Second}, sink, func(records []Record, cause error) {
		mu.Lock()
		received = records
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	q.Enqueue(NewRecord(1))
	q.Enqueue(NewRecord(2))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})
}

func TestPartialMissErrorMessageFormat(t *testing.T) {
	id := uuid.Must(uuid.NewV4())
	err := &PartialMissError{MissingIDs: []uuid.UUID{id}}
	assert.Contains(t, err.Error(), id.String())
	assert.Contains(t, err.Error(), "objects with ids:")
}

func TestClassifyRecognizesTextualConnectionRefused(t *testing.T) {
	err := errors.New("Failed to establish a new connection: [Errno 111] Connection refused")
	_, connRefused := classify(err)
	assert.True(t, connRefused)
}
