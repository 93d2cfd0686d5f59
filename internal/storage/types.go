package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCorrupt is returned by Load when persisted data exists but cannot be
	// parsed as a set of chat ids.
	ErrCorrupt = errors.New("registry store corrupt")
	ErrClosed  = errors.New("registry store closed")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON array at Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store persists the full subscriber set.
type Store interface {
	// Load returns the persisted ids, or an empty slice when nothing was saved yet.
	Load(ctx context.Context) ([]int64, error)
	// Save replaces the persisted set with ids.
	Save(ctx context.Context, ids []int64) error
	Close() error
}
