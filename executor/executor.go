// Package executor implements the tail executor: the per-file worker
// that composes the checkpoint store, suppression store, tail reader
// and line classifier, dispatches matching lines to named handlers,
// and recovers in place when its tail reader dies.
//
// Executors run one goroutine per tailed file. A panicking handler is
// caught with recover and logged, so one file's handler chain can
// never take down the watcher or any other executor.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/soumyarai2050/tailpipe/batch"
	"github.com/soumyarai2050/tailpipe/classify"
	"github.com/soumyarai2050/tailpipe/event"
	"github.com/soumyarai2050/tailpipe/internal/checkpoint"
	"github.com/soumyarai2050/tailpipe/internal/suppress"
	"github.com/soumyarai2050/tailpipe/internal/tailfile"
)

// State is one of the executor lifecycle states.
type State int

const (
	Starting State = iota
	Running
	Restarting
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Restarting:
		return "Restarting"
	case Stopping:
		return "Stopping"
	default:
		return "Terminated"
	}
}

// PerfSampleCallableName is the reserved handler name that marks a
// prefix as performance-sampling: its body is a
// callable_name;;;start_time;;;delta triple that the executor itself
// turns into an event.PerfSample and enqueues on PerfQueue, rather
// than dispatching to a host handler.
const PerfSampleCallableName = "record_performance_sample"

// Handler processes one classified event. A returned error, or a
// panic, is caught by the executor and logged; it never tears down
// the executor.
type Handler func(ev event.Event) error

// Notifier is the set of notification capabilities the host must
// provide. tailpipe never implements these concretely; tests use
// testutil.RecordingNotifier.
type Notifier interface {
	NotifyNoActivity(detail *event.LogDetail)
	NotifyTailEvent(severity, brief string, detail *event.LogDetail, source string, line int, timestamp time.Time)
	NotifyError(message string, source string, line int, timestamp time.Time)
	HandleTailRestart(detail *event.LogDetail)
	NotifyUnexpectedActivity(detail *event.LogDetail)
}

// Config wires one Executor to its dependencies.
type Config struct {
	Detail          *event.LogDetail
	Checkpoints     *checkpoint.Store
	Suppression     *suppress.Store
	SuppressionFreq time.Duration
	Handlers        map[string]Handler
	Notifier        Notifier
	PerfQueue       *batch.Queue

	// SelfReferentialCallables names callables that would, if sampled,
	// feed a performance sample back into the same sink that reports on
	// them. Samples naming one of these are dropped rather than
	// enqueued, to avoid runaway recursion.
	SelfReferentialCallables map[string]bool

	// InitialResumeTimestamp is the resume point used on a true cold
	// start, when neither the checkpoint cell nor the detail's
	// ProcessedTimestamp holds a value; it is not written to the cell.
	// The watcher computes it as the service's start time so a fresh
	// deployment doesn't replay a file's entire backlog.
	InitialResumeTimestamp string
}

// Executor runs the lifecycle for one LogDetail until its context is
// canceled or it receives a termination signal via Stop.
type Executor struct {
	cfg Config

	classifier *classify.Classifier

	cell   *checkpoint.Cell
	reader *tailfile.Reader

	shutdownCh chan struct{}
	terminated int32

	fault  error
	detail *event.LogDetail
}

// New constructs an Executor. It does not start any goroutines; call
// Run to do that.
func New(cfg Config) *Executor {
	detail := cfg.Detail
	return &Executor{
		cfg:        cfg,
		classifier: classify.New(),
		shutdownCh: make(chan struct{}),
		detail:     detail,
	}
}

// Stop triggers the Stopping state. Idempotent: a second and
// subsequent call is a no-op, so double-teardown is impossible.
func (e *Executor) Stop() {
	if atomic.CompareAndSwapInt32(&e.terminated, 0, 1) {
		close(e.shutdownCh)
	}
}

// Run drives the executor through its lifecycle until it reaches
// Terminated, returning any fault that caused termination (nil on a
// clean Stop-triggered shutdown).
func (e *Executor) Run(ctx context.Context) error {
	if e.cfg.Suppression != nil {
		stop := make(chan struct{})
		go func() {
			select {
			case <-e.shutdownCh:
			case <-ctx.Done():
			}
			close(stop)
		}()
		go e.cfg.Suppression.StartRefresher(e.cfg.SuppressionFreq, stop)
	}

	state := Starting
	for state != Terminated {
		switch state {
		case Starting:
			state = e.doStart(ctx)
		case Running:
			state = e.doRun(ctx)
		case Restarting:
			state = e.doRestart()
		case Stopping:
			state = e.doStop()
		}
	}
	return e.fault
}

func (e *Executor) doStart(ctx context.Context) State {
	if e.cell == nil {
		cell, err := e.cfg.Checkpoints.Open(e.detail.CheckpointName())
		if err != nil {
			e.fault = fmt.Errorf("executor %s: %w", e.detail.CheckpointName(), err)
			return Terminated
		}
		e.cell = cell
	}

	resume := e.detail.ProcessedTimestamp
	if raw, ok := e.cell.Get(); ok {
		resume = raw
	} else if resume == "" {
		resume = e.cfg.InitialResumeTimestamp
	}

	reader, err := tailfile.Start(e.detail, resume)
	if err != nil {
		log.Printf("E! [executor] %s: tail reader failed to start: %v", e.detail.CheckpointName(), err)
		e.fault = err
		return Terminated
	}
	e.reader = reader
	e.detail.IsRunning = true
	return Running
}

func (e *Executor) doRun(ctx context.Context) State {
	pollTimeout := e.detail.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	lastActivity := time.Now()

	for {
		select {
		case <-e.shutdownCh:
			return Stopping
		case <-ctx.Done():
			return Stopping
		case line, ok := <-e.reader.Lines():
			if !ok {
				return Restarting
			}
			lastActivity = time.Now()
			if next, handled := e.handleReaderSignal(line); handled {
				if next != Running {
					return next
				}
				continue
			}
			e.analyzeLine(line.Text)
		case <-time.After(pollTimeout):
			if e.detail.Critical && time.Since(lastActivity) >= pollTimeout {
				if e.cfg.Notifier != nil {
					e.cfg.Notifier.NotifyNoActivity(e.detail)
				}
			}
		}
	}
}

// handleReaderSignal interprets a Line carrying an error as a tail
// diagnostic: gave-up means the file rotated or vanished and the
// executor must restart; reconnected means following resumed on a
// recreated file. handled is false when the line is ordinary text the
// analyzer should classify.
func (e *Executor) handleReaderSignal(line tailfile.Line) (State, bool) {
	if line.Err == nil {
		return Running, false
	}

	switch {
	case errors.Is(line.Err, tailfile.GaveUp):
		log.Printf("W! [executor] %s: tail reader gave up on this file, restarting", e.detail.CheckpointName())
		if e.cfg.Notifier != nil {
			e.cfg.Notifier.NotifyTailEvent("warning", fmt.Sprintf("tail gave up on %s, restarting", e.detail.LogFilePath), e.detail, "", 0, time.Now().UTC())
		}
		return Restarting, true
	case errors.Is(line.Err, tailfile.Reconnected):
		if e.cfg.Notifier != nil {
			e.cfg.Notifier.NotifyTailEvent("warning", fmt.Sprintf("%s has appeared, following new file", e.detail.LogFilePath), e.detail, "", 0, time.Now().UTC())
		}
		return Running, true
	default:
		log.Printf("W! [executor] %s: tail reader warning: %v", e.detail.CheckpointName(), line.Err)
		return Running, true
	}
}

// analyzeLine is the analyzer loop body: skip tail infrastructure
// lines, keep the checkpoint current, then classify and dispatch
// against every configured prefix in declaration order.
func (e *Executor) analyzeLine(text string) {
	if strings.HasPrefix(text, "==>") {
		return
	}
	if strings.HasPrefix(text, "tail:") {
		log.Printf("W! [executor] %s: %s", e.detail.CheckpointName(), text)
		return
	}

	if ts, ok := classify.ScanTimestamp(text); ok {
		formatted := checkpoint.FormatTimestamp(ts)
		e.detail.ProcessedTimestamp = formatted
		if e.cell != nil {
			if err := e.cell.Set(formatted); err != nil {
				log.Printf("E! [executor] %s: checkpoint write failed: %v", e.detail.CheckpointName(), err)
			}
		}
	}

	for _, prefix := range e.detail.PrefixOrder {
		result, err := e.classifier.Classify(text, prefix, e.detail.PrefixToTimestampPattern[prefix], e.detail.PrefixToSourcePattern[prefix])
		if err != nil {
			if e.cfg.Notifier != nil {
				e.cfg.Notifier.NotifyError(fmt.Sprintf("prefix pattern %q failed to compile: %v", prefix, err), "", 0, time.Time{})
			}
			continue
		}
		if !result.Matched {
			continue
		}

		ev := event.Event{
			Detail:           e.detail,
			LogPrefix:        result.Prefix,
			LogMessage:       result.Message,
			LogTimestamp:     result.Timestamp,
			HasTimestamp:     result.HasTimestamp,
			SourceFile:       result.SourceFile,
			SourceLineNumber: result.SourceLineNumber,
		}

		brief, truncated := classify.EnforceBriefSizePolicy(ev.Brief())
		if truncated {
			if idx := strings.Index(ev.LogMessage, event.LogSeparator); idx != -1 {
				ev.LogMessage = brief + ev.LogMessage[idx:]
			} else {
				ev.LogMessage = brief
			}
			if e.cfg.Notifier != nil {
				e.cfg.Notifier.NotifyError("log message brief exceeded size policy and was truncated", ev.SourceFile, ev.SourceLineNumber, ev.LogTimestamp)
			}
		}

		if e.cfg.Suppression != nil && e.cfg.Suppression.Matches(brief) {
			break
		}

		callable := e.detail.PrefixToCallableName[prefix]
		e.dispatch(callable, ev)
	}
}

// dispatch routes ev either to the performance-sample path or to the
// named host handler. A missing handler is an error notification, not
// a crash.
func (e *Executor) dispatch(callable string, ev event.Event) {
	if callable == PerfSampleCallableName {
		e.dispatchPerfSample(ev)
		return
	}

	handler, ok := e.cfg.Handlers[callable]
	if !ok {
		if e.cfg.Notifier != nil {
			e.cfg.Notifier.NotifyError(fmt.Sprintf("handler %q is not resolvable", callable), ev.SourceFile, ev.SourceLineNumber, ev.LogTimestamp)
		}
		return
	}

	e.invokeHandler(handler, ev)
}

// invokeHandler calls handler, catching both a returned error and a
// panic so a single bad handler can never take the executor down.
func (e *Executor) invokeHandler(handler Handler, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("E! [executor] %s: handler panicked on event %q: %v", e.detail.CheckpointName(), ev.Brief(), r)
		}
	}()

	if err := handler(ev); err != nil {
		log.Printf("E! [executor] %s: handler returned error on event %q: %v", e.detail.CheckpointName(), ev.Brief(), err)
	}
}

// dispatchPerfSample parses the callable_name;;;start_time;;;delta
// triple carried in ev.LogMessage and, unless the named callable is
// self-referential, enqueues a PerfSample on cfg.PerfQueue.
func (e *Executor) dispatchPerfSample(ev event.Event) {
	fields := strings.Split(ev.LogMessage, event.LogSeparator)
	if len(fields) != 3 {
		if e.cfg.Notifier != nil {
			e.cfg.Notifier.NotifyError("performance sample body did not have the expected 3-field triple", ev.SourceFile, ev.SourceLineNumber, ev.LogTimestamp)
		}
		return
	}
	callableName := strings.TrimSpace(fields[0])
	startTimeRaw := strings.TrimSpace(fields[1])
	deltaRaw := strings.TrimSpace(fields[2])

	if e.cfg.SelfReferentialCallables != nil && e.cfg.SelfReferentialCallables[callableName] {
		return
	}

	startTime, err := checkpoint.ParseTimestamp(startTimeRaw)
	if err != nil {
		if e.cfg.Notifier != nil {
			e.cfg.Notifier.NotifyError(fmt.Sprintf("performance sample start_time %q did not parse: %v", startTimeRaw, err), ev.SourceFile, ev.SourceLineNumber, ev.LogTimestamp)
		}
		return
	}

	delta, err := strconv.ParseFloat(deltaRaw, 64)
	if err != nil {
		if e.cfg.Notifier != nil {
			e.cfg.Notifier.NotifyError(fmt.Sprintf("performance sample delta %q did not parse: %v", deltaRaw, err), ev.SourceFile, ev.SourceLineNumber, ev.LogTimestamp)
		}
		return
	}

	sample := event.PerfSample{
		ID:           uuid.Must(uuid.NewV4()).String(),
		CallableName: callableName,
		StartTime:    startTime,
		DeltaSeconds: delta,
		Service:      e.detail.Service,
	}

	if e.cfg.PerfQueue != nil {
		e.cfg.PerfQueue.Enqueue(batch.NewRecord(sample))
	}
}

func (e *Executor) doRestart() State {
	if e.reader != nil {
		_ = e.reader.Stop()
		e.reader.Cleanup()
		e.reader = nil
	}
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.HandleTailRestart(e.detail)
	}
	return Starting
}

func (e *Executor) doStop() State {
	e.detail.IsRunning = false
	if e.reader != nil {
		_ = e.reader.Stop()
		e.reader.Cleanup()
		e.reader = nil
	}
	if e.cell != nil {
		if err := e.cell.Close(); err != nil {
			log.Printf("W! [executor] %s: checkpoint close failed: %v", e.detail.CheckpointName(), err)
		}
	}
	return Terminated
}
