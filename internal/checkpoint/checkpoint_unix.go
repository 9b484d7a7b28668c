//go:build !windows

package checkpoint

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Cell is one memory-mapped checkpoint region: a one-byte spinlock
// followed by MaxPayloadBytes of timestamp payload.
type Cell struct {
	file *os.File
	mmap []byte
}

// Create creates (or truncates) the backing file for name, sized to
// exactly cellSize bytes, and maps it. Called once by the watcher
// before spawning the owning executor.
func (s *Store) Create(name string) (*Cell, error) {
	f, err := os.OpenFile(s.path(name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating checkpoint cell %q: %w", name, err)
	}
	if err := f.Truncate(cellSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing checkpoint cell %q: %w", name, err)
	}
	return mapCell(f)
}

// Open attaches to an existing checkpoint cell. It fails loudly if
// the backing file is missing, since the watcher is expected to have
// created it before the executor starts.
func (s *Store) Open(name string) (*Cell, error) {
	f, err := os.OpenFile(s.path(name), os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("attaching to checkpoint cell %q: checkpoint not created by watcher: %w", name, err)
	}
	return mapCell(f)
}

func mapCell(f *os.File) (*Cell, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, cellSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap checkpoint cell: %w", err)
	}
	return &Cell{file: f, mmap: data}, nil
}

// Set acquires the spinlock, writes ts, and releases it. Hold times
// are sub-microsecond and there is exactly one writer per cell (its
// owning executor), so the busy-wait is deliberate.
func (c *Cell) Set(ts string) error {
	payload, err := encode(ts)
	if err != nil {
		return err
	}

	c.lock()
	defer c.unlock()

	for i := range payload {
		c.mmap[1+i] = 0
	}
	copy(c.mmap[1:], payload[:])
	return nil
}

// Get reads the current payload under the spinlock and returns it as
// the raw string; it does not parse it (ParseTimestamp does that). ok
// is false if the cell is empty (never written).
func (c *Cell) Get() (raw string, ok bool) {
	c.lock()
	defer c.unlock()

	var payload [MaxPayloadBytes]byte
	copy(payload[:], c.mmap[1:])
	raw = decode(payload)
	return raw, raw != ""
}

func (c *Cell) lock() {
	for {
		if c.mmap[0] == 0 {
			c.mmap[0] = 1
			return
		}
	}
}

func (c *Cell) unlock() {
	c.mmap[0] = 0
}

// Close unmaps and closes the backing file. The file itself is left
// in place so a later Open can reattach to the same checkpoint
// history; a later Create truncates it.
func (c *Cell) Close() error {
	if err := unix.Munmap(c.mmap); err != nil {
		c.file.Close()
		return fmt.Errorf("munmap checkpoint cell: %w", err)
	}
	return c.file.Close()
}
