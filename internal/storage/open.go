package storage

import (
	"errors"
	"strings"
	"time"

	logx "timerd/pkg/logx"
)

// Open initializes the configured store. An empty driver means "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func prepareNew(n Notification) (Notification, error) {
	if strings.TrimSpace(n.ID) == "" {
		return Notification{}, errors.New("notification id required")
	}
	if strings.TrimSpace(n.UserID) == "" {
		return Notification{}, errors.New("notification user required")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	// Millisecond precision matches what the SQL drivers store.
	n.CreatedAt = time.UnixMilli(n.CreatedAt.UnixMilli())
	return n, nil
}
