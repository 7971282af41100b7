package persist

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/polyflip/tradestate/internal/engine"
	"github.com/polyflip/tradestate/internal/fanout"
	"github.com/polyflip/tradestate/internal/model"
	"github.com/polyflip/tradestate/internal/resource"
	"github.com/polyflip/tradestate/internal/store"
)

// countingStore counts writes and can be told to fail trade upserts.
type countingStore struct {
	*store.MemoryStore
	positionDeletes atomic.Int32
	eventUpserts    atomic.Int32
	failTrades      atomic.Bool
}

func (c *countingStore) DeletePositions(ctx context.Context, scope string) error {
	c.positionDeletes.Add(1)
	return c.MemoryStore.DeletePositions(ctx, scope)
}

func (c *countingStore) UpsertEventState(ctx context.Context, st *model.EventState) error {
	c.eventUpserts.Add(1)
	return c.MemoryStore.UpsertEventState(ctx, st)
}

func (c *countingStore) UpsertTrade(ctx context.Context, scope string, t *model.Trade) error {
	if c.failTrades.Load() {
		return errors.New("connection refused")
	}
	return c.MemoryStore.UpsertTrade(ctx, scope, t)
}

type fixture struct {
	st     *countingStore
	stores *resource.Stores
	fan    *fanout.Manager
	p      *Persister
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, run bool) *fixture {
	t.Helper()
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	stores := resource.New(st)
	fan := fanout.New(func(fanout.Asset) fanout.Engine { return engine.NewSession() })
	core, logs := observer.New(zap.InfoLevel)
	p := New(stores, fan, zap.New(core), Options{QueueSize: 16, WriteTimeout: time.Second})

	if run {
		cancel := p.Attach()
		ctx, stop := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			p.Run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			stop()
			<-done
		})
	}
	return &fixture{st: st, stores: stores, fan: fan, p: p, logs: logs}
}

func dp(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestPersister_TradeWritten(t *testing.T) {
	f := newFixture(t, true)
	f.fan.RecordTrade(fanout.BTC, model.Trade{ID: "t1", Status: model.StatusFilled})

	assert.Eventually(t, func() bool {
		trades, err := f.stores.Trades.List(context.Background(), "btc")
		return err == nil && len(trades) == 1 && trades[0].Status == model.StatusFilled
	}, time.Second, 10*time.Millisecond)
}

func TestPersister_PositionsWrittenOnlyOnChange(t *testing.T) {
	f := newFixture(t, true)
	positions := []model.Position{{ID: "p1", Size: decimal.NullDecimal{Decimal: decimal.NewFromInt(3), Valid: true}}}

	f.fan.ReplacePositions(fanout.SOL, positions)
	assert.Eventually(t, func() bool {
		got, _ := f.stores.Positions.List(context.Background(), "sol")
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)
	writes := f.st.positionDeletes.Load()

	// A status change that leaves positions alone.
	f.fan.RecordTrade(fanout.SOL, model.Trade{ID: "t1"})
	assert.Eventually(t, func() bool {
		trades, _ := f.stores.Trades.List(context.Background(), "sol")
		return len(trades) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, writes, f.st.positionDeletes.Load())
}

func TestPersister_ConfigWritten(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.fan.UpdateStrategyConfig(fanout.ETH, map[string]any{"tradeSize": 75.0})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		raw, err := f.stores.StrategyConfigs.Get(context.Background(), "eth")
		if err != nil || raw == nil {
			return false
		}
		var doc map[string]any
		return json.Unmarshal(raw, &doc) == nil && doc["tradeSize"] == 75.0
	}, time.Second, 10*time.Millisecond)
}

func TestPersister_EventStateOnPriceToBeatChange(t *testing.T) {
	f := newFixture(t, true)
	ev := &engine.ActiveEvent{Slug: "btc-updown-1"}

	f.fan.UpdateMarketData(fanout.BTC, dp("97000"), dp("96950"), ev)
	assert.Eventually(t, func() bool {
		snap, _ := f.stores.EventStates.Get(context.Background())
		v, ok := snap.PriceToBeat["btc-updown-1"]
		return ok && v.Equal(decimal.RequireFromString("96950"))
	}, time.Second, 10*time.Millisecond)

	f.fan.UpdateMarketData(fanout.BTC, dp("97001"), nil, nil)
	f.fan.UpdateMarketData(fanout.BTC, dp("97002"), dp("96950"), ev)
	f.fan.RecordTrade(fanout.BTC, model.Trade{ID: "sentinel"})
	assert.Eventually(t, func() bool {
		trades, _ := f.stores.Trades.List(context.Background(), "btc")
		return len(trades) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), f.st.eventUpserts.Load(), "unchanged priceToBeat is not rewritten")
}

func TestPersister_FailureLoggedNotRetried(t *testing.T) {
	f := newFixture(t, true)
	f.st.failTrades.Store(true)

	f.fan.RecordTrade(fanout.XRP, model.Trade{ID: "t1"})
	assert.Eventually(t, func() bool {
		return f.logs.FilterMessage("persist failed").Len() == 1
	}, time.Second, 10*time.Millisecond)

	entry := f.logs.FilterMessage("persist failed").All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, "trades", fields["resource"])
	assert.Equal(t, "xrp", fields["asset"])
	assert.Equal(t, "connection refused", fields["error"])
	assert.Equal(t, "persist", fields["component"])
}

func TestPersister_Hydrate(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.stores.StrategyConfigs.Put(ctx, "eth", json.RawMessage(`{"tradeSize":20,"enabled":true}`)))
	require.NoError(t, f.stores.Trades.Put(ctx, "eth", model.Trade{ID: "t1", Timestamp: 1}))
	require.NoError(t, f.stores.Trades.Put(ctx, "eth", model.Trade{ID: "t2", Timestamp: 2}))
	require.NoError(t, f.stores.Positions.Put(ctx, "eth", []model.Position{{ID: "p1"}}))
	require.NoError(t, f.stores.StrategyConfigs.Put(ctx, "sol", json.RawMessage(`[1,2,3]`)))

	require.NoError(t, f.p.Hydrate(ctx))

	cfg := f.fan.StrategyConfig(fanout.ETH)
	assert.True(t, cfg.Enabled)
	assert.True(t, cfg.TradeSize.Equal(decimal.NewFromInt(20)))
	trades := f.fan.Trades(fanout.ETH)
	require.Len(t, trades, 2)
	assert.Equal(t, "t2", trades[0].ID)
	assert.Len(t, f.fan.Positions(fanout.ETH), 1)

	assert.Equal(t, engine.DefaultStrategyConfig(), f.fan.StrategyConfig(fanout.SOL), "non-object config ignored")
	assert.Empty(t, f.fan.Trades(fanout.BTC))
}

func TestPersister_Checkpoint(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.fan.ReplacePositions(fanout.BTC, []model.Position{{ID: "p1"}})
	f.fan.UpdateMarketData(fanout.BTC, dp("97123"), dp("97000"), &engine.ActiveEvent{Slug: "btc-updown-2"})

	require.NoError(t, f.p.Checkpoint(ctx))

	got, err := f.stores.Positions.List(ctx, "btc")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	snap, err := f.stores.EventStates.Get(ctx)
	require.NoError(t, err)
	assert.True(t, snap.LastPrice["btc-updown-2"].Equal(decimal.RequireFromString("97123")))
	_, ok := snap.PriceToBeat["btc-updown-2"]
	assert.False(t, ok, "checkpoint records lastPrice only")
}

func TestPersister_HydrateKeepsStateWhenConfigDoesNotFit(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// Valid JSON numbers, but entryTimeRemainingMaxSeconds is whole seconds.
	require.NoError(t, f.stores.StrategyConfigs.Put(ctx, "btc", json.RawMessage(`{"entryTimeRemainingMaxSeconds":1.5}`)))
	require.NoError(t, f.stores.Trades.Put(ctx, "btc", model.Trade{ID: "t1", Timestamp: 1}))
	require.NoError(t, f.stores.Positions.Put(ctx, "btc", []model.Position{{ID: "p1"}, {ID: "p2"}}))

	require.NoError(t, f.p.Hydrate(ctx))

	assert.Equal(t, engine.DefaultStrategyConfig(), f.fan.StrategyConfig(fanout.BTC))
	assert.Len(t, f.fan.Trades(fanout.BTC), 1)
	assert.Len(t, f.fan.Positions(fanout.BTC), 2)
	assert.Equal(t, 1, f.logs.FilterMessage("stored strategy config does not fit the engine, using defaults").Len())

	require.NoError(t, f.p.Checkpoint(ctx))
	got, err := f.stores.Positions.List(ctx, "btc")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// unreadablePositions fails position reads for one scope.
type unreadablePositions struct {
	*countingStore
	scope string
}

func (u unreadablePositions) ListPositions(ctx context.Context, scope string) ([]model.Position, error) {
	if scope == u.scope {
		return nil, errors.New("read timeout")
	}
	return u.countingStore.ListPositions(ctx, scope)
}

func TestPersister_FailedHydrateNeverOverwritesPositions(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	ctx := context.Background()
	require.NoError(t, resource.New(st).Positions.Put(ctx, "eth", []model.Position{{ID: "p1"}, {ID: "p2"}}))
	require.NoError(t, resource.New(st).Positions.Put(ctx, "sol", []model.Position{{ID: "s1"}}))

	stores := resource.New(unreadablePositions{countingStore: st, scope: "eth"})
	fan := fanout.New(func(fanout.Asset) fanout.Engine { return engine.NewSession() })
	p := New(stores, fan, zap.NewNop(), Options{QueueSize: 16, WriteTimeout: time.Second})

	err := p.Hydrate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hydrate eth")

	// Other assets still load.
	assert.Len(t, fan.Positions(fanout.SOL), 1)
	assert.Empty(t, fan.Positions(fanout.ETH))

	deletes := st.positionDeletes.Load()
	require.NoError(t, p.Checkpoint(ctx))
	got, err := st.ListPositions(ctx, "eth")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Every asset but eth was rewritten, and an engine event for eth is
	// skipped too.
	assert.Equal(t, deletes+int32(len(fan.Assets())-1), st.positionDeletes.Load())
	p.OnStatus(fanout.ETH, engine.DefaultStatus())
	p.exec(ctx, <-p.queue)
	got, err = st.ListPositions(ctx, "eth")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
