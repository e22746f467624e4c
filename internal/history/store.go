// Package history persists the ordered list of placed anchors so a later
// session can replay them.
package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalsfoundry/geospatial-session/model"
)

// DefaultScope is the storage key used when none is configured.
const DefaultScope = "default"

// Store is an append-only, ordered anchor history bound to one scope.
type Store interface {
	Append(ctx context.Context, e model.AnchorHistoryEntry) error
	Load(ctx context.Context) ([]model.AnchorHistoryEntry, error)
	Clear(ctx context.Context) error
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Backend string // memory | json | sqlite
	Path    string
	Scope   string
}

// Open builds the store named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	scope := cfg.Scope
	if scope == "" {
		scope = DefaultScope
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "json", "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("history: json backend requires a path")
		}
		return NewFileStore(cfg.Path, scope), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("history: sqlite backend requires a path")
		}
		return OpenSQLite(ctx, cfg.Path, scope)
	default:
		return nil, fmt.Errorf("history: unsupported backend %q", cfg.Backend)
	}
}
