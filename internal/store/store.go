// Package store defines the row-level persistence interface behind the
// trading-state resources. Implementations include PostgreSQL (source of
// truth), SQLite via gorm (single-operator deployments), Redis (read-through
// cache) and in-memory (for testing).
//
// Every method is atomic for the single row or single statement it touches
// and nothing more. Merge and replace policies live one layer up.
package store

import (
	"context"
	"errors"

	"github.com/polyflip/tradestate/internal/model"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface for the four trading-state tables.
type Store interface {
	// --- event_state ---

	// GetEventState returns the row for slug or ErrNotFound.
	GetEventState(ctx context.Context, slug string) (*model.EventState, error)

	// ListEventStates returns every row, most recently updated first.
	ListEventStates(ctx context.Context) ([]model.EventState, error)

	// UpsertEventState inserts or overwrites the row keyed by EventSlug.
	UpsertEventState(ctx context.Context, st *model.EventState) error

	// --- strategy_config ---

	// GetStrategyConfig returns the row for scope or ErrNotFound.
	GetStrategyConfig(ctx context.Context, scope string) (*model.StrategyConfig, error)

	// ListStrategyConfigs returns every row.
	ListStrategyConfigs(ctx context.Context) ([]model.StrategyConfig, error)

	// UpsertStrategyConfig inserts or overwrites the row keyed by Scope.
	UpsertStrategyConfig(ctx context.Context, cfg *model.StrategyConfig) error

	// --- trades ---

	// ListTrades returns the scope's trades, newest timestamp first.
	ListTrades(ctx context.Context, scope string) ([]model.Trade, error)

	// UpsertTrade inserts or overwrites the row keyed by (scope, ID).
	UpsertTrade(ctx context.Context, scope string, t *model.Trade) error

	// --- positions ---

	// ListPositions returns the scope's positions in no particular order.
	ListPositions(ctx context.Context, scope string) ([]model.Position, error)

	// DeletePositions removes every position row of scope.
	DeletePositions(ctx context.Context, scope string) error

	// InsertPositions inserts rows for scope. Existing (scope, id) keys fail.
	InsertPositions(ctx context.Context, scope string, positions []model.Position) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
