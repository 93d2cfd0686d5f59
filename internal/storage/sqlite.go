package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "ratebot/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS subscribers (
	chat_id  INTEGER PRIMARY KEY,
	added_at TEXT NOT NULL
);`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// Save computes a diff against the table; serialize it so two saves
	// never interleave their diffs.
	mu sync.Mutex
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required when storage.driver=sqlite")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	st, err := openSQLiteFile(path, cfg.BusyTimeout, log)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrCorrupt) {
		return nil, err
	}
	// Move the damaged database aside and start with an empty one.
	backup := path + ".corrupt"
	log.Warn("registry database corrupt; moving aside", logx.String("path", path), logx.String("backup", backup), logx.Err(err))
	if rerr := os.Rename(path, backup); rerr != nil {
		return nil, fmt.Errorf("%w (backup failed: %v)", err, rerr)
	}
	st, err = openSQLiteFile(path, cfg.BusyTimeout, log)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func openSQLiteFile(path string, busy time.Duration, log logx.Logger) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busy > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, mapSQLiteErr(path, err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Load(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM subscribers ORDER BY chat_id`)
	if err != nil {
		return nil, mapSQLiteErr("subscribers", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteErr("subscribers", err)
	}
	s.log.Info("registry loaded", logx.String("driver", "sqlite"), logx.Int("count", len(ids)))
	return ids, nil
}

func (s *sqliteStore) Save(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT chat_id FROM subscribers`)
	if err != nil {
		return err
	}
	var stale []int64
	have := map[int64]struct{}{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		have[id] = struct{}{}
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscribers WHERE chat_id = ?`, id); err != nil {
			return err
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for id := range want {
		if _, ok := have[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO subscribers(chat_id, added_at) VALUES(?, ?)`, id, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("registry saved", logx.String("driver", "sqlite"), logx.Int("count", len(want)))
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// mapSQLiteErr flags damaged database files as ErrCorrupt.
func mapSQLiteErr(what string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed") {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, what, err)
	}
	return err
}
