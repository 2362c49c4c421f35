package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/karin0/bili-live-bot/pkg/logx"
)

// Store is the persistence API used by the app and the room resolver.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	PutRoomAlias(ctx context.Context, id, canonical int64) error
	GetRoomAlias(ctx context.Context, id int64) (canonical int64, ok bool, err error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.AliasTTL <= 0 {
		cfg.AliasTTL = DefaultAliasTTL
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
