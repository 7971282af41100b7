package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/polyflip/tradestate/internal/model"
)

type scopedKey struct {
	scope string
	id    string
}

// MemoryStore keeps every table in maps. It backs the tests and the
// "memory" driver; nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string]model.EventState
	configs   map[string]model.StrategyConfig
	trades    map[scopedKey]model.Trade
	positions map[scopedKey]model.Position
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string]model.EventState),
		configs:   make(map[string]model.StrategyConfig),
		trades:    make(map[scopedKey]model.Trade),
		positions: make(map[scopedKey]model.Position),
	}
}

func (s *MemoryStore) GetEventState(_ context.Context, slug string) (*model.EventState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.events[slug]
	if !ok {
		return nil, fmt.Errorf("event state %s: %w", slug, ErrNotFound)
	}
	return &st, nil
}

func (s *MemoryStore) ListEventStates(_ context.Context) ([]model.EventState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.EventState, 0, len(s.events))
	for _, st := range s.events {
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpsertEventState(_ context.Context, st *model.EventState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[st.EventSlug] = *st
	return nil
}

func (s *MemoryStore) GetStrategyConfig(_ context.Context, scope string) (*model.StrategyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[scope]
	if !ok {
		return nil, fmt.Errorf("strategy config %s: %w", scope, ErrNotFound)
	}
	cfg.Config = append([]byte(nil), cfg.Config...)
	return &cfg, nil
}

func (s *MemoryStore) ListStrategyConfigs(_ context.Context) ([]model.StrategyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.StrategyConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		cfg.Config = append([]byte(nil), cfg.Config...)
		out = append(out, cfg)
	}
	return out, nil
}

func (s *MemoryStore) UpsertStrategyConfig(_ context.Context, cfg *model.StrategyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	c := *cfg
	c.Config = append([]byte(nil), cfg.Config...)
	s.configs[cfg.Scope] = c
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, scope string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.Trade{}
	for k, t := range s.trades {
		if k.scope == scope {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpsertTrade(_ context.Context, scope string, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades[scopedKey{scope: scope, id: t.ID}] = *t
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, scope string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.Position{}
	for k, p := range s.positions {
		if k.scope == scope {
			p.FilledOrders = cloneFills(p.FilledOrders)
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeletePositions(_ context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.positions {
		if k.scope == scope {
			delete(s.positions, k)
		}
	}
	return nil
}

// InsertPositions is all-or-nothing for the batch, like a multi-row INSERT.
func (s *MemoryStore) InsertPositions(_ context.Context, scope string, positions []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		k := scopedKey{scope: scope, id: p.ID}
		if _, exists := s.positions[k]; exists || seen[p.ID] {
			return fmt.Errorf("duplicate key value violates unique constraint positions_pkey (%s, %s)", scope, p.ID)
		}
		seen[p.ID] = true
	}
	for _, p := range positions {
		p.FilledOrders = cloneFills(p.FilledOrders)
		s.positions[scopedKey{scope: scope, id: p.ID}] = p
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func cloneFills(fills []model.FilledOrder) []model.FilledOrder {
	if fills == nil {
		return nil
	}
	return append(make([]model.FilledOrder, 0, len(fills)), fills...)
}
