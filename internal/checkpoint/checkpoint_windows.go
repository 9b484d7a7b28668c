//go:build windows

package checkpoint

import (
	"fmt"
	"os"
	"sync"
)

// Cell on Windows falls back to a plain file plus an in-process
// mutex: golang.org/x/sys/windows exposes file mapping but not the
// single-byte spinlock primitive the unix build uses, and tailpipe
// only ever runs one process per checkpoint directory, so a mutex
// gives the same single-writer guarantee without the extra
// CreateFileMapping/MapViewOfFile plumbing.
type Cell struct {
	mu   sync.Mutex
	path string
}

// Create creates (or truncates) the backing file for name.
func (s *Store) Create(name string) (*Cell, error) {
	path := s.path(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating checkpoint cell %q: %w", name, err)
	}
	if err := f.Truncate(cellSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing checkpoint cell %q: %w", name, err)
	}
	f.Close()
	return &Cell{path: path}, nil
}

// Open attaches to an existing checkpoint cell.
func (s *Store) Open(name string) (*Cell, error) {
	path := s.path(name)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("attaching to checkpoint cell %q: checkpoint not created by watcher: %w", name, err)
	}
	return &Cell{path: path}, nil
}

func (c *Cell) Set(ts string) error {
	payload, err := encode(ts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("writing checkpoint cell: %w", err)
	}
	defer f.Close()

	buf := make([]byte, cellSize)
	buf[0] = 0
	copy(buf[1:], payload[:])
	_, err = f.WriteAt(buf, 0)
	return err
}

func (c *Cell) Get() (raw string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.Open(c.path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	buf := make([]byte, cellSize)
	_, _ = f.ReadAt(buf, 0)

	var payload [MaxPayloadBytes]byte
	copy(payload[:], buf[1:])
	raw = decode(payload)
	return raw, raw != ""
}

func (c *Cell) Close() error {
	return nil
}
