// Package checkpoint persists the last successful pull time outside the
// structured store.
package checkpoint

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/screensync/internal/errors"
)

// FileName is the checkpoint file created inside the data directory.
const FileName = "last_sync_time"

// Cell holds a single timestamp. An unset cell reads as the Unix epoch.
type Cell interface {
	Get(ctx context.Context) (time.Time, error)
	Set(ctx context.Context, t time.Time) error
}

// Epoch is the value of a cell that has never been set.
var Epoch = time.Unix(0, 0).UTC()

// FileCell stores the timestamp as one RFC3339 line in a file.
type FileCell struct {
	mu   sync.Mutex
	path string
}

// NewFileCell creates a cell backed by <dir>/last_sync_time.
func NewFileCell(dir string) *FileCell {
	return &FileCell{path: filepath.Join(dir, FileName)}
}

// Path returns the backing file path.
func (c *FileCell) Path() string {
	return c.path
}

// Get reads the stored time.
func (c *FileCell) Get(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return Epoch, nil
	}
	if err != nil {
		return time.Time{}, apperrors.Storage("read checkpoint", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Epoch, nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, apperrors.Storage("parse checkpoint", err)
	}
	return t.UTC(), nil
}

// Set replaces the stored time. The file is written to a temp path and
// renamed so a crash never leaves a torn value.
func (c *FileCell) Set(ctx context.Context, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return apperrors.Storage("create checkpoint directory", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(t.UTC().Format(time.RFC3339Nano)+"\n"), 0o644); err != nil {
		return apperrors.Storage("write checkpoint", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return apperrors.Storage("replace checkpoint", err)
	}
	return nil
}

// Reset removes the stored value.
func (c *FileCell) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return apperrors.Storage("remove checkpoint", err)
	}
	return nil
}

// MemoryCell is an in-memory Cell.
type MemoryCell struct {
	mu sync.Mutex
	t  time.Time
}

// Get returns the stored time or Epoch.
func (c *MemoryCell) Get(context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t.IsZero() {
		return Epoch, nil
	}
	return c.t, nil
}

// Set stores t.
func (c *MemoryCell) Set(_ context.Context, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
	return nil
}

// Advance sets cell to max(current, t) and returns the stored value.
func Advance(ctx context.Context, cell Cell, t time.Time) (time.Time, error) {
	prev, err := cell.Get(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if !t.After(prev) {
		return prev, nil
	}
	if err := cell.Set(ctx, t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}
