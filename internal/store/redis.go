package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polyflip/tradestate/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary.
//
// Invalidation happens after the primary write, so a reader racing the
// write may repopulate the cache with the old value until the TTL expires.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertEventState(ctx context.Context, st *model.EventState) error {
	if err := s.primary.UpsertEventState(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, eventStatesKey())
	return nil
}

func (s *CachedStore) UpsertStrategyConfig(ctx context.Context, cfg *model.StrategyConfig) error {
	if err := s.primary.UpsertStrategyConfig(ctx, cfg); err != nil {
		return err
	}
	s.rdb.Del(ctx, configKey(cfg.Scope))
	return nil
}

func (s *CachedStore) UpsertTrade(ctx context.Context, scope string, t *model.Trade) error {
	if err := s.primary.UpsertTrade(ctx, scope, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradesKey(scope))
	return nil
}

func (s *CachedStore) DeletePositions(ctx context.Context, scope string) error {
	// Invalidate even on failure: the delete may have partially applied.
	defer s.rdb.Del(ctx, positionsKey(scope))
	return s.primary.DeletePositions(ctx, scope)
}

func (s *CachedStore) InsertPositions(ctx context.Context, scope string, positions []model.Position) error {
	defer s.rdb.Del(ctx, positionsKey(scope))
	return s.primary.InsertPositions(ctx, scope, positions)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListEventStates(ctx context.Context) ([]model.EventState, error) {
	var states []model.EventState
	if s.readCache(ctx, eventStatesKey(), &states) {
		return states, nil
	}
	states, err := s.primary.ListEventStates(ctx)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, eventStatesKey(), states)
	return states, nil
}

func (s *CachedStore) GetStrategyConfig(ctx context.Context, scope string) (*model.StrategyConfig, error) {
	var cfg model.StrategyConfig
	if s.readCache(ctx, configKey(scope), &cfg) {
		return &cfg, nil
	}
	// Misses (ErrNotFound) are not cached.
	c, err := s.primary.GetStrategyConfig(ctx, scope)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, configKey(scope), c)
	return c, nil
}

func (s *CachedStore) ListTrades(ctx context.Context, scope string) ([]model.Trade, error) {
	var trades []model.Trade
	if s.readCache(ctx, tradesKey(scope), &trades) {
		return trades, nil
	}
	trades, err := s.primary.ListTrades(ctx, scope)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, tradesKey(scope), trades)
	return trades, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, scope string) ([]model.Position, error) {
	var positions []model.Position
	if s.readCache(ctx, positionsKey(scope), &positions) {
		return positions, nil
	}
	positions, err := s.primary.ListPositions(ctx, scope)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, positionsKey(scope), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

// GetEventState feeds the read-merge-write path and must see the primary.
func (s *CachedStore) GetEventState(ctx context.Context, slug string) (*model.EventState, error) {
	return s.primary.GetEventState(ctx, slug)
}

func (s *CachedStore) ListStrategyConfigs(ctx context.Context) ([]model.StrategyConfig, error) {
	return s.primary.ListStrategyConfigs(ctx)
}

func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return s.primary.Ping(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) readCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) writeCache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func eventStatesKey() string           { return "tradestate:event_state" }
func configKey(scope string) string    { return fmt.Sprintf("tradestate:strategy_config:%s", scope) }
func tradesKey(scope string) string    { return fmt.Sprintf("tradestate:trades:%s", scope) }
func positionsKey(scope string) string { return fmt.Sprintf("tradestate:positions:%s", scope) }
