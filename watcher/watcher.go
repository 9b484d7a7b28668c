// Package watcher implements the file watcher/supervisor and its
// cache-clear channel: discovery of literal and glob log paths,
// de-duplication against a cache of already-spawned (path, service)
// pairs, and the spawn-side bookkeeping (checkpoint cell creation,
// cold-start vs warm-restart resume seeding) that happens before an
// executor is launched.
package watcher

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/soumyarai2050/tailpipe/event"
	"github.com/soumyarai2050/tailpipe/internal/checkpoint"
	"github.com/soumyarai2050/tailpipe/internal/globpath"
)

// PollInterval is the discovery cadence, roughly 2 Hz.
const PollInterval = 500 * time.Millisecond

// ErrNoDescriptors is reported to the watcher-error callback when the
// configured descriptor list is empty; the watcher keeps polling so a
// late configuration push can recover.
var ErrNoDescriptors = errors.New("watcher: no log details configured")

// SpawnFunc launches an executor for detail, resuming from
// initialResume (already seeded into the checkpoint cell by the
// watcher). It returns a function that stops the executor, or an
// error if the executor could not even be constructed (e.g. an
// invalid LogDetail).
type SpawnFunc func(ctx context.Context, detail *event.LogDetail, initialResume string) (stop func(), err error)

// ErrorCallback reports watcher-level configuration and filesystem
// errors that don't belong to any one executor.
type ErrorCallback func(error)

// Watcher discovers log targets and spawns one executor per
// (path, service) pair, de-duplicated by an in-memory cache.
type Watcher struct {
	checkpoints *checkpoint.Store
	startTime   time.Time
	spawn       SpawnFunc
	onError     ErrorCallback

	spawnCh chan *event.LogDetail

	mu    sync.Mutex
	cache map[event.WatcherCacheKey]func()
}

// New constructs a Watcher. checkpoints is where per-executor
// checkpoint cells are created; startTime seeds a cold-start resume
// point (the service's own start time, never the log's history).
func New(checkpoints *checkpoint.Store, startTime time.Time, spawn SpawnFunc, onError ErrorCallback) *Watcher {
	return &Watcher{
		checkpoints: checkpoints,
		startTime:   startTime,
		spawn:       spawn,
		onError:     onError,
		spawnCh:     make(chan *event.LogDetail, 64),
		cache:       make(map[event.WatcherCacheKey]func()),
	}
}

// Run polls descriptors at PollInterval until ctx is canceled. It
// blocks; call it in its own goroutine.
func (w *Watcher) Run(ctx context.Context, descriptors []*event.LogDetail) {
	go w.consumeSpawns(ctx)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(w.spawnCh)
			return
		case <-ticker.C:
			if len(descriptors) == 0 {
				if w.onError != nil {
					w.onError(ErrNoDescriptors)
				}
				continue
			}
			for _, d := range descriptors {
				w.discover(d)
			}
		}
	}
}

// discover expands one descriptor (literal or glob) and offers every
// currently-matching (path, service) pair to maybeSpawn.
func (w *Watcher) discover(d *event.LogDetail) {
	if !d.LogFilePathIsRegex {
		if _, err := os.Stat(d.LogFilePath); err != nil {
			return
		}
		w.maybeSpawn(event.WatcherCacheKey{Path: d.LogFilePath, Service: d.Service}, d)
		return
	}

	gp, _ := globpath.Compile(d.LogFilePath)
	for _, path := range gp.Match() {
		w.maybeSpawn(event.WatcherCacheKey{Path: path, Service: d.Service}, d.Clone(path))
	}
}

// maybeSpawn reserves key in the cache and offers detail to the spawn
// consumer, unless key is already present (a duplicate match, or a
// file already being followed).
func (w *Watcher) maybeSpawn(key event.WatcherCacheKey, detail *event.LogDetail) {
	w.mu.Lock()
	if _, ok := w.cache[key]; ok {
		w.mu.Unlock()
		return
	}
	w.cache[key] = nil // reserved; filled in once the spawn consumer succeeds
	w.mu.Unlock()

	w.spawnCh <- detail
}

// consumeSpawns drains the spawn channel: it creates the checkpoint
// cell, seeds the initial resume timestamp, and launches the executor.
func (w *Watcher) consumeSpawns(ctx context.Context) {
	for detail := range w.spawnCh {
		key := event.WatcherCacheKey{Path: detail.LogFilePath, Service: detail.Service}

		if err := detail.Validate(); err != nil {
			log.Printf("E! [watcher] %v", err)
			w.forgetReservation(key)
			continue
		}

		name := detail.CheckpointName()
		cell, err := w.checkpoints.Create(name)
		if err != nil {
			log.Printf("E! [watcher] creating checkpoint cell for %s: %v", name, err)
			w.forgetReservation(key)
			continue
		}

		initial := detail.ProcessedTimestamp
		if initial == "" {
			initial = checkpoint.FormatTimestamp(w.startTime)
		}
		if err := cell.Set(initial); err != nil {
			log.Printf("E! [watcher] seeding checkpoint cell for %s: %v", name, err)
		}
		if err := cell.Close(); err != nil {
			log.Printf("W! [watcher] closing checkpoint cell for %s: %v", name, err)
		}

		stop, err := w.spawn(ctx, detail, initial)
		if err != nil {
			log.Printf("E! [watcher] %s: %v; cache entry kept, use the cache-clear channel to retry", name, err)
			// a spawn failure keeps the cache entry rather than
			// auto-retrying; the operator clears it to respawn.
			continue
		}

		w.mu.Lock()
		w.cache[key] = stop
		w.mu.Unlock()
	}
}

func (w *Watcher) forgetReservation(key event.WatcherCacheKey) {
	w.mu.Lock()
	delete(w.cache, key)
	w.mu.Unlock()
}

// ClearCache implements C8: an out-of-band request to forget a
// (path, service) entry so the next watcher pass respawns it. Unknown
// keys are logged, not treated as an error.
func (w *Watcher) ClearCache(key event.WatcherCacheKey) {
	w.mu.Lock()
	stop, ok := w.cache[key]
	if ok {
		delete(w.cache, key)
	}
	w.mu.Unlock()

	if !ok {
		log.Printf("W! [watcher] cache-clear requested for unknown path %q service %q", key.Path, key.Service)
		return
	}

	if stop != nil {
		stop()
	}
	log.Printf("I! [watcher] cache entry cleared for path %q service %q, eligible for respawn", key.Path, key.Service)
}

// CacheSize reports how many (path, service) pairs are currently
// tracked, exposed mainly for tests and diagnostics.
func (w *Watcher) CacheSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cache)
}
