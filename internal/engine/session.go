// Package engine holds the in-memory state of one asset's trading engine:
// strategy config, trade history, open positions and the last market data.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"

	"github.com/polyflip/tradestate/internal/model"
)

// ErrMissingCredentials is returned by StartTrading before credentials are set.
var ErrMissingCredentials = errors.New("engine: API credentials not set")

// Session is one asset's engine state. It is safe for concurrent use.
// Callbacks run on the caller's goroutine after the lock is released.
type Session struct {
	mu        sync.Mutex
	cfg       StrategyConfig
	active    bool
	creds     *Credentials
	trades    []model.Trade // newest first
	positions []model.Position
	market    MarketData

	onStatus func(Status)
	onTrade  func(model.Trade)
	now      func() time.Time
}

// NewSession returns an idle session with the default config.
func NewSession() *Session {
	return &Session{
		cfg:       DefaultStrategyConfig(),
		positions: []model.Position{},
		now:       time.Now,
	}
}

// SetStatusCallback replaces the status callback.
func (s *Session) SetStatusCallback(f func(Status)) {
	s.mu.Lock()
	s.onStatus = f
	s.mu.Unlock()
}

// SetTradeCallback replaces the trade callback.
func (s *Session) SetTradeCallback(f func(model.Trade)) {
	s.mu.Lock()
	s.onTrade = f
	s.mu.Unlock()
}

// SetAPICredentials stores the exchange credentials.
func (s *Session) SetAPICredentials(c Credentials) {
	s.mu.Lock()
	s.creds = &c
	s.mu.Unlock()
}

// StartTrading marks the engine active.
func (s *Session) StartTrading(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.creds == nil || !s.creds.Complete() {
		s.mu.Unlock()
		return ErrMissingCredentials
	}
	s.active = true
	st, cb := s.statusLocked(), s.onStatus
	s.mu.Unlock()

	if cb != nil {
		cb(st)
	}
	return nil
}

// StopTrading marks the engine idle. Stopping an idle engine is a no-op.
func (s *Session) StopTrading() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	st, cb := s.statusLocked(), s.onStatus
	s.mu.Unlock()

	if cb != nil {
		cb(st)
	}
}

// UpdateMarketData records the latest price feed. Nil prices keep the
// previous value.
func (s *Session) UpdateMarketData(currentPrice, priceToBeat *decimal.Decimal, event *ActiveEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if currentPrice != nil {
		s.market.CurrentPrice = currentPrice
	}
	if priceToBeat != nil {
		s.market.PriceToBeat = priceToBeat
	}
	if event != nil {
		e := *event
		s.market.Event = &e
	}
	s.market.ReceivedAt = s.now().UnixMilli()
}

// Market returns the last market data.
func (s *Session) Market() MarketData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.market
}

// StrategyConfig returns the current config.
func (s *Session) StrategyConfig() StrategyConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateStrategyConfig applies the keys present in partial over the current
// config. Unknown keys are ignored; a null priceDifference clears it. On
// error the config is unchanged.
func (s *Session) UpdateStrategyConfig(partial map[string]any) (StrategyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := applyConfig(s.cfg, partial)
	if err != nil {
		return s.cfg, err
	}
	s.cfg = next
	return next, nil
}

// Status returns the aggregate status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Trades returns the trade history, newest first.
func (s *Session) Trades() []model.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Trade{}, s.trades...)
}

// Positions returns the open positions.
func (s *Session) Positions() []model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Position{}, s.positions...)
}

// RecordTrade inserts t, or replaces the trade with the same id in place.
// A missing id is generated and a missing timestamp set to now.
func (s *Session) RecordTrade(t model.Trade) model.Trade {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Side = model.ParseSide(string(t.Side))
	t.Status = model.ParseTradeStatus(string(t.Status))
	t.OrderType = model.ParseOrderType(string(t.OrderType))
	t.Direction = model.ParseDirection(string(t.Direction))

	s.mu.Lock()
	if t.Timestamp == 0 {
		t.Timestamp = s.now().UnixMilli()
	}
	replaced := false
	for i := range s.trades {
		if s.trades[i].ID == t.ID {
			s.trades[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		s.trades = append([]model.Trade{t}, s.trades...)
	}
	st, onStatus, onTrade := s.statusLocked(), s.onStatus, s.onTrade
	s.mu.Unlock()

	if onTrade != nil {
		onTrade(t)
	}
	if onStatus != nil {
		onStatus(st)
	}
	return t
}

// ReplacePositions makes positions the open set.
func (s *Session) ReplacePositions(positions []model.Position) {
	s.mu.Lock()
	s.positions = append([]model.Position{}, positions...)
	st, cb := s.statusLocked(), s.onStatus
	s.mu.Unlock()

	if cb != nil {
		cb(st)
	}
}

// Restore loads persisted state without emitting callbacks.
func (s *Session) Restore(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Config != nil {
		cfg, err := applyConfig(s.cfg, snap.Config)
		if err != nil {
			return fmt.Errorf("restore config: %w", err)
		}
		s.cfg = cfg
	}
	if snap.Trades != nil {
		s.trades = append([]model.Trade{}, snap.Trades...)
	}
	if snap.Positions != nil {
		s.positions = append([]model.Position{}, snap.Positions...)
	}
	return nil
}

func (s *Session) statusLocked() Status {
	st := Status{
		IsActive:    s.active,
		TotalTrades: len(s.trades),
		Positions:   append([]model.Position{}, s.positions...),
	}
	for _, t := range s.trades {
		switch t.Status {
		case model.StatusFilled:
			st.SuccessfulTrades++
		case model.StatusFailed:
			st.FailedTrades++
		case model.StatusPending:
			if t.OrderType == model.OrderLimit {
				st.PendingLimitOrders++
			}
		}
		if t.Profit != nil {
			st.TotalProfit = st.TotalProfit.Add(*t.Profit)
		}
	}
	for _, p := range s.positions {
		if p.Size.Valid {
			st.TotalPositionSize = st.TotalPositionSize.Add(p.Size.Decimal)
		}
	}
	return st
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func applyConfig(cur StrategyConfig, partial map[string]any) (StrategyConfig, error) {
	next := cur
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decimalHook,
		Result:           &next,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cur, err
	}
	if err := dec.Decode(partial); err != nil {
		return cur, fmt.Errorf("decode strategy config: %w", err)
	}
	// mapstructure skips nil inputs.
	if v, ok := partial["priceDifference"]; ok && v == nil {
		next.PriceDifference = nil
	}
	return next, nil
}

func decimalHook(_, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return data, nil
}
