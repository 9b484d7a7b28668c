// Package testutil holds thread-safe test doubles shared across
// tailpipe's packages: small mutex-guarded recorders rather than
// generated mocks. RecordingSink stands in for batch.Sink,
// RecordingNotifier for executor.Notifier.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/soumyarai2050/tailpipe/batch"
	"github.com/soumyarai2050/tailpipe/event"
)

// RecordingSink is a batch.Sink that records every batch it receives
// instead of delivering it anywhere. SendFn, when set, lets a test
// script a particular response (a partial miss, a connection-refused
// error) for a call instead of always succeeding.
type RecordingSink struct {
	mu      sync.Mutex
	batches [][]batch.Record
	SendFn  func(records []batch.Record) error
}

func (s *RecordingSink) Send(_ context.Context, records []batch.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, records)
	if s.SendFn != nil {
		return s.SendFn(records)
	}
	return nil
}

// CallCount reports how many times Send has been called.
func (s *RecordingSink) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// Call returns the records passed to the i'th call to Send.
func (s *RecordingSink) Call(i int) []batch.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[i]
}

// RecordingNotifier is an executor.Notifier that counts and records
// every callback it receives.
type RecordingNotifier struct {
	mu         sync.Mutex
	Errors     []string
	NoActivity int
	Restarts   int
	TailEvents int
	Unexpected int
}

func (f *RecordingNotifier) NotifyNoActivity(_ *event.LogDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NoActivity++
}

func (f *RecordingNotifier) NotifyTailEvent(_, _ string, _ *event.LogDetail, _ string, _ int, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TailEvents++
}

func (f *RecordingNotifier) NotifyError(message string, _ string, _ int, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors = append(f.Errors, message)
}

func (f *RecordingNotifier) HandleTailRestart(_ *event.LogDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Restarts++
}

func (f *RecordingNotifier) NotifyUnexpectedActivity(_ *event.LogDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unexpected++
}

// ErrorCount reports how many NotifyError callbacks have fired.
func (f *RecordingNotifier) ErrorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Errors)
}

// RestartCount reports how many HandleTailRestart callbacks have fired.
func (f *RecordingNotifier) RestartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Restarts
}

// TailEventCount reports how many NotifyTailEvent callbacks have fired.
func (f *RecordingNotifier) TailEventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TailEvents
}
