// Package storage opens the configured engine store.
package storage

import (
	"fmt"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
	"github.com/tjfontaine/polyglot-turn-engine/internal/storage/memory"
	"github.com/tjfontaine/polyglot-turn-engine/internal/storage/sqldb"
)

// Config selects a storage backend.
type Config struct {
	// Type is "memory", "sqlite" or "postgres".
	Type string
	DSN  string
}

// Open returns the store for cfg. SQL stores also expose their *sqldb.Store
// so the durable bus can share the connection pool.
func Open(cfg Config) (ports.Store, *sqldb.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil, nil
	case "sqlite", "postgres", "pgx":
		s, err := sqldb.New(sqldb.Config{Driver: cfg.Type, DSN: cfg.DSN})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
