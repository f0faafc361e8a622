// Package storage provides the durable turn store used by the persistence synchronizer.
//
// Every driver implements Store with idempotent writes keyed by the turn id, so
// concurrent sessions never touch each other's rows and a retried write is harmless.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opencode-ai/turnstream/pkg/types"
)

var (
	ErrNotFound = errors.New("not found")
)

// Store is the durable read/write surface for turn records.
type Store interface {
	// UpsertTurn inserts or replaces the record with rec.ID. The first write's
	// CreatedAt is kept on later writes.
	UpsertTurn(ctx context.Context, rec types.TurnRecord) error
	// GetTurn returns ErrNotFound when no record exists.
	GetTurn(ctx context.Context, id string) (types.TurnRecord, error)
	// ListTurns returns the records of a conversation scope, oldest first.
	ListTurns(ctx context.Context, scope string) ([]types.TurnRecord, error)
	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg types.StoreConfig) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return NewFileStore(cfg.Path), nil
	case "sqlite", "postgres", "mysql":
		return NewGormStore(driver, cfg.DSN)
	case "redis":
		return NewRedisStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func validateRecord(rec types.TurnRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("turn id is required")
	}
	if rec.Status == "" {
		return fmt.Errorf("turn status is required")
	}
	return nil
}
