package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	logx "ratebot/pkg/logx"
)

// fileStore keeps the registry as a pretty-printed JSON array of chat ids.
//
// Saves go to a temp file in the same directory which is fsynced and renamed
// over the target, so a crash mid-write never leaves a half-written file.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

func NewFileStore(path string, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &fileStore{path: path, log: log}
}

func (s *fileStore) Load(ctx context.Context) ([]int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Info("registry file not found; starting empty", logx.String("path", s.path))
		return []int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	ids, err := decodeIDs(b)
	if err != nil {
		// Keep the damaged bytes around; the next Save replaces the original.
		backup := s.path + ".corrupt"
		if werr := os.WriteFile(backup, b, 0o600); werr != nil {
			s.log.Warn("registry backup failed", logx.String("path", backup), logx.Err(werr))
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	s.log.Info("registry loaded", logx.String("path", s.path), logx.Int("count", len(ids)))
	return ids, nil
}

func (s *fileStore) Save(ctx context.Context, ids []int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	b, err := encodeIDs(ids)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return err
	}
	s.log.Debug("registry saved", logx.String("path", s.path), logx.Int("count", len(ids)))
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func decodeIDs(b []byte) ([]int64, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errors.New("empty file")
	}
	var raw []int64
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data")
	}
	return normalizeIDs(raw), nil
}

func encodeIDs(ids []int64) ([]byte, error) {
	out := normalizeIDs(ids)
	b, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// normalizeIDs returns a sorted copy without duplicates (never nil).
func normalizeIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	out = append(out, ids...)
	slices.Sort(out)
	return slices.Compact(out)
}
