// Package resource implements the four persisted resources (event state,
// strategy config, trades and positions) on top of a store.Store. It owns
// the write policies: event-state merge, whole-document config replacement,
// trade upsert and whole-set position replacement.
//
// Operations are independent request-scoped units of work. Nothing here
// takes an in-process lock; per-row uniqueness is the backend's job.
package resource

import (
	"errors"
	"strings"
	"time"

	"github.com/polyflip/tradestate/internal/metrics"
	"github.com/polyflip/tradestate/internal/model"
	"github.com/polyflip/tradestate/internal/store"
)

// Resource names as they appear in URLs, logs and metrics.
const (
	EventStateName     = "event-state"
	StrategyConfigName = "strategy-config"
	TradesName         = "trades"
	PositionsName      = "positions"
)

// Names lists every resource in routing order.
var Names = []string{EventStateName, StrategyConfigName, TradesName, PositionsName}

// Stores bundles the four resources over one backend.
type Stores struct {
	EventStates     *EventStates
	StrategyConfigs *StrategyConfigs
	Trades          *TradeLog
	Positions       *PositionSet

	backend store.Store
}

// New wires every resource to st.
func New(st store.Store) *Stores {
	clock := func() time.Time { return time.Now().UTC() }
	return &Stores{
		EventStates:     &EventStates{st: st, now: clock},
		StrategyConfigs: &StrategyConfigs{st: st, now: clock},
		Trades:          &TradeLog{st: st},
		Positions:       &PositionSet{st: st},
		backend:         st,
	}
}

// Backend returns the row store the resources write through.
func (s *Stores) Backend() store.Store { return s.backend }

// NormalizeScope trims s and substitutes the default scope when empty.
func NormalizeScope(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.DefaultScope
	}
	return s
}

// storeErr wraps a backend failure for resource/op and records it. A nil
// err is recorded as success.
func storeErr(resource, op string, started time.Time, err error) error {
	switch {
	case err == nil:
		metrics.ObserveResource(resource, op, "ok", started)
		return nil
	case isValidation(err):
		metrics.ObserveResource(resource, op, "invalid", started)
		return err
	default:
		metrics.ObserveResource(resource, op, "error", started)
		return &StoreError{Resource: resource, Op: op, Err: err}
	}
}

func isValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
