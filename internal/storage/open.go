package storage

import (
	"fmt"
	"strings"

	logx "ratebot/pkg/logx"
)

const DefaultPath = "./usuarios_bot.json"

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file", "json":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			path = DefaultPath
		}
		return NewFileStore(path, log), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}
