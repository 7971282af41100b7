// Package fanout routes trading operations to one engine per supported
// asset and re-emits every engine event tagged with its asset.
package fanout

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/polyflip/tradestate/internal/engine"
	"github.com/polyflip/tradestate/internal/metrics"
	"github.com/polyflip/tradestate/internal/model"
)

// Asset is a supported underlying. The set is closed.
type Asset string

const (
	BTC Asset = "btc"
	ETH Asset = "eth"
	SOL Asset = "sol"
	XRP Asset = "xrp"
)

var assets = []Asset{BTC, ETH, SOL, XRP}

// ParseAsset matches s case-insensitively against the supported assets.
func ParseAsset(s string) (Asset, bool) {
	a := Asset(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range assets {
		if a == known {
			return a, true
		}
	}
	return "", false
}

// Engine is what the fan-out needs from a per-asset engine.
type Engine interface {
	SetStatusCallback(func(engine.Status))
	SetTradeCallback(func(model.Trade))
	SetAPICredentials(engine.Credentials)
	StartTrading(ctx context.Context) error
	StopTrading()
	UpdateMarketData(currentPrice, priceToBeat *decimal.Decimal, event *engine.ActiveEvent)
	Market() engine.MarketData
	StrategyConfig() engine.StrategyConfig
	UpdateStrategyConfig(partial map[string]any) (engine.StrategyConfig, error)
	Status() engine.Status
	Positions() []model.Position
	Trades() []model.Trade
	RecordTrade(model.Trade) model.Trade
	ReplacePositions([]model.Position)
	Restore(engine.Snapshot) error
}

// Listener receives every engine event. Methods are called synchronously
// on the goroutine that caused the event and must not block.
type Listener interface {
	OnStatus(asset Asset, st engine.Status)
	OnTrade(asset Asset, t model.Trade)
	OnConfig(asset Asset, cfg engine.StrategyConfig)
	OnMarketData(asset Asset, md engine.MarketData)
}

// Manager owns one engine per asset, built once at construction.
type Manager struct {
	engines map[Asset]Engine

	mu        sync.RWMutex
	onStatus  func(Asset, engine.Status)
	onTrade   func(Asset, model.Trade)
	listeners map[int]Listener
	nextID    int
	active    map[Asset]bool
}

// New builds an engine for every asset with factory.
func New(factory func(Asset) Engine) *Manager {
	m := &Manager{
		engines:   make(map[Asset]Engine, len(assets)),
		listeners: make(map[int]Listener),
		active:    make(map[Asset]bool),
	}
	for _, a := range assets {
		eng := factory(a)
		eng.SetStatusCallback(func(st engine.Status) { m.emitStatus(a, st) })
		eng.SetTradeCallback(func(t model.Trade) { m.emitTrade(a, t) })
		m.engines[a] = eng
	}
	return m
}

// SetStatusCallback installs the process-wide status callback, replacing
// any previous one.
func (m *Manager) SetStatusCallback(f func(Asset, engine.Status)) {
	m.mu.Lock()
	m.onStatus = f
	m.mu.Unlock()
}

// SetTradeCallback installs the process-wide trade callback, replacing any
// previous one.
func (m *Manager) SetTradeCallback(f func(Asset, model.Trade)) {
	m.mu.Lock()
	m.onTrade = f
	m.mu.Unlock()
}

// Subscribe adds l to the listeners. The returned func removes it.
func (m *Manager) Subscribe(l Listener) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Assets returns the supported assets.
func (m *Manager) Assets() []Asset {
	return append([]Asset{}, assets...)
}

// UpdateMarketData forwards a price feed to the asset's engine.
func (m *Manager) UpdateMarketData(asset Asset, currentPrice, priceToBeat *decimal.Decimal, event *engine.ActiveEvent) {
	eng, ok := m.engines[asset]
	if !ok {
		return
	}
	eng.UpdateMarketData(currentPrice, priceToBeat, event)
	md := eng.Market()
	metrics.FanoutEvents.WithLabelValues(string(asset), "market").Inc()
	for _, l := range m.snapshotListeners() {
		l.OnMarketData(asset, md)
	}
}

// Market returns the asset's last market data.
func (m *Manager) Market(asset Asset) engine.MarketData {
	if eng, ok := m.engines[asset]; ok {
		return eng.Market()
	}
	return engine.MarketData{}
}

// StartTrading starts the asset's engine.
func (m *Manager) StartTrading(ctx context.Context, asset Asset) error {
	if eng, ok := m.engines[asset]; ok {
		return eng.StartTrading(ctx)
	}
	return nil
}

// StopTrading stops the asset's engine.
func (m *Manager) StopTrading(asset Asset) {
	if eng, ok := m.engines[asset]; ok {
		eng.StopTrading()
	}
}

// StopAllTrading stops every engine.
func (m *Manager) StopAllTrading() {
	for _, a := range assets {
		m.engines[a].StopTrading()
	}
}

// StrategyConfig returns the asset's config, or the defaults for an
// unknown asset.
func (m *Manager) StrategyConfig(asset Asset) engine.StrategyConfig {
	if eng, ok := m.engines[asset]; ok {
		return eng.StrategyConfig()
	}
	return engine.DefaultStrategyConfig()
}

// UpdateStrategyConfig applies a partial config and notifies listeners with
// the result.
func (m *Manager) UpdateStrategyConfig(asset Asset, partial map[string]any) (engine.StrategyConfig, error) {
	eng, ok := m.engines[asset]
	if !ok {
		return engine.DefaultStrategyConfig(), nil
	}
	cfg, err := eng.UpdateStrategyConfig(partial)
	if err != nil {
		return cfg, err
	}
	metrics.FanoutEvents.WithLabelValues(string(asset), "config").Inc()
	for _, l := range m.snapshotListeners() {
		l.OnConfig(asset, cfg)
	}
	return cfg, nil
}

// Status returns the asset's status, or an idle status for an unknown asset.
func (m *Manager) Status(asset Asset) engine.Status {
	if eng, ok := m.engines[asset]; ok {
		return eng.Status()
	}
	return engine.DefaultStatus()
}

// Positions returns the asset's open positions.
func (m *Manager) Positions(asset Asset) []model.Position {
	if eng, ok := m.engines[asset]; ok {
		return eng.Positions()
	}
	return []model.Position{}
}

// Trades returns the asset's trades, newest first.
func (m *Manager) Trades(asset Asset) []model.Trade {
	if eng, ok := m.engines[asset]; ok {
		return eng.Trades()
	}
	return []model.Trade{}
}

// RecordTrade hands a trade report to the asset's engine.
func (m *Manager) RecordTrade(asset Asset, t model.Trade) (model.Trade, bool) {
	eng, ok := m.engines[asset]
	if !ok {
		return model.Trade{}, false
	}
	return eng.RecordTrade(t), true
}

// ReplacePositions sets the asset's open positions.
func (m *Manager) ReplacePositions(asset Asset, positions []model.Position) bool {
	eng, ok := m.engines[asset]
	if ok {
		eng.ReplacePositions(positions)
	}
	return ok
}

// SetAPICredentials sets credentials on one engine, or on every engine
// when asset is empty.
func (m *Manager) SetAPICredentials(asset Asset, creds engine.Credentials) {
	if asset == "" {
		for _, eng := range m.engines {
			eng.SetAPICredentials(creds)
		}
		return
	}
	if eng, ok := m.engines[asset]; ok {
		eng.SetAPICredentials(creds)
	}
}

// Restore hands persisted state to the asset's engine.
func (m *Manager) Restore(asset Asset, snap engine.Snapshot) error {
	if eng, ok := m.engines[asset]; ok {
		return eng.Restore(snap)
	}
	return nil
}

func (m *Manager) emitStatus(asset Asset, st engine.Status) {
	metrics.FanoutEvents.WithLabelValues(string(asset), "status").Inc()

	m.mu.Lock()
	m.active[asset] = st.IsActive
	n := 0
	for _, on := range m.active {
		if on {
			n++
		}
	}
	cb := m.onStatus
	m.mu.Unlock()
	metrics.ActiveEngines.Set(float64(n))

	if cb != nil {
		cb(asset, st)
	}
	for _, l := range m.snapshotListeners() {
		l.OnStatus(asset, st)
	}
}

func (m *Manager) emitTrade(asset Asset, t model.Trade) {
	metrics.FanoutEvents.WithLabelValues(string(asset), "trade").Inc()

	m.mu.RLock()
	cb := m.onTrade
	m.mu.RUnlock()

	if cb != nil {
		cb(asset, t)
	}
	for _, l := range m.snapshotListeners() {
		l.OnTrade(asset, t)
	}
}

func (m *Manager) snapshotListeners() []Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Listener, 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if l, ok := m.listeners[id]; ok {
			out = append(out, l)
		}
	}
	return out
}
