package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyflip/tradestate/internal/model"
	"github.com/polyflip/tradestate/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func nd(f float64) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d(f), Valid: true}
}

// runConformance exercises the row contract every backend must honor.
func runConformance(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("event state upsert overwrites", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		_, err := st.GetEventState(ctx, "btc-updown-1")
		require.ErrorIs(t, err, store.ErrNotFound)

		t0 := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, st.UpsertEventState(ctx, &model.EventState{
			EventSlug: "btc-updown-1", PriceToBeat: model.DecimalPtr(d(10)), UpdatedAt: t0,
		}))
		require.NoError(t, st.UpsertEventState(ctx, &model.EventState{
			EventSlug: "btc-updown-2", LastPrice: model.DecimalPtr(d(7)), UpdatedAt: t0.Add(time.Second),
		}))
		require.NoError(t, st.UpsertEventState(ctx, &model.EventState{
			EventSlug: "btc-updown-1", PriceToBeat: model.DecimalPtr(d(10)), LastPrice: model.DecimalPtr(d(6)),
			UpdatedAt: t0.Add(2 * time.Second),
		}))

		got, err := st.GetEventState(ctx, "btc-updown-1")
		require.NoError(t, err)
		require.NotNil(t, got.PriceToBeat)
		require.NotNil(t, got.LastPrice)
		assert.True(t, got.PriceToBeat.Equal(d(10)))
		assert.True(t, got.LastPrice.Equal(d(6)))

		all, err := st.ListEventStates(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "btc-updown-1", all[0].EventSlug, "most recently updated first")
		assert.Nil(t, all[1].PriceToBeat)
	})

	t.Run("strategy config replaced wholesale", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		require.NoError(t, st.UpsertStrategyConfig(ctx, &model.StrategyConfig{
			Scope: "btc", Config: json.RawMessage(`{"entryPrice":96,"tradeSize":50}`), UpdatedAt: time.Now().UTC(),
		}))
		require.NoError(t, st.UpsertStrategyConfig(ctx, &model.StrategyConfig{
			Scope: "btc", Config: json.RawMessage(`{"entryPrice":97}`), UpdatedAt: time.Now().UTC(),
		}))

		got, err := st.GetStrategyConfig(ctx, "btc")
		require.NoError(t, err)
		assert.JSONEq(t, `{"entryPrice":97}`, string(got.Config))

		_, err = st.GetStrategyConfig(ctx, "eth")
		require.ErrorIs(t, err, store.ErrNotFound)

		all, err := st.ListStrategyConfigs(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("trades keyed by scope and id", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		pending := model.Trade{
			ID: "t1", EventSlug: "btc-updown-1", TokenID: "tok", Side: model.SideBuy,
			Size: nd(50), Price: nd(0.96), Timestamp: 1000, Status: model.StatusPending,
			OrderType: model.OrderLimit, LimitPrice: model.DecimalPtr(d(0.96)), Direction: model.DirectionUp,
		}
		require.NoError(t, st.UpsertTrade(ctx, "btc", &pending))

		filled := pending
		filled.Status = model.StatusFilled
		hash := "0xabc"
		filled.TransactionHash = &hash
		require.NoError(t, st.UpsertTrade(ctx, "btc", &filled))

		later := model.Trade{ID: "t2", Side: model.SideSell, Timestamp: 2000,
			Status: model.StatusPending, OrderType: model.OrderMarket}
		require.NoError(t, st.UpsertTrade(ctx, "btc", &later))

		trades, err := st.ListTrades(ctx, "btc")
		require.NoError(t, err)
		require.Len(t, trades, 2)
		assert.Equal(t, "t2", trades[0].ID, "newest first")
		assert.Equal(t, model.StatusFilled, trades[1].Status)
		require.NotNil(t, trades[1].TransactionHash)
		assert.Equal(t, "0xabc", *trades[1].TransactionHash)
		assert.True(t, trades[1].Size.Valid)
		assert.True(t, trades[1].Size.Decimal.Equal(d(50)))
		assert.Equal(t, model.DirectionUp, trades[1].Direction)
		assert.False(t, trades[0].Size.Valid)
		assert.Nil(t, trades[0].Profit)

		other, err := st.ListTrades(ctx, "eth")
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("positions delete and insert per scope", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		fills := []model.FilledOrder{{OrderID: "o1", Price: d(0.95), Size: d(10), Timestamp: 1}}
		require.NoError(t, st.InsertPositions(ctx, "eth", []model.Position{
			{ID: "p1", Side: model.SideBuy, EntryPrice: nd(0.95), Size: nd(10), EntryTimestamp: 1, FilledOrders: fills},
			{ID: "p2", Side: model.SideSell, EntryPrice: nd(0.4), Size: nd(5), EntryTimestamp: 2},
		}))
		require.NoError(t, st.InsertPositions(ctx, "btc", []model.Position{
			{ID: "p1", Side: model.SideBuy, EntryPrice: nd(0.9), Size: nd(1)},
		}))

		got, err := st.ListPositions(ctx, "eth")
		require.NoError(t, err)
		require.Len(t, got, 2)
		byID := map[string]model.Position{}
		for _, p := range got {
			byID[p.ID] = p
		}
		require.Len(t, byID["p1"].FilledOrders, 1)
		assert.Equal(t, "o1", byID["p1"].FilledOrders[0].OrderID)
		assert.Nil(t, byID["p2"].FilledOrders)

		require.NoError(t, st.DeletePositions(ctx, "eth"))
		got, err = st.ListPositions(ctx, "eth")
		require.NoError(t, err)
		assert.Empty(t, got)

		btc, err := st.ListPositions(ctx, "btc")
		require.NoError(t, err)
		assert.Len(t, btc, 1, "other scopes untouched")
	})

	t.Run("empty fills stay distinct from no fills", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		require.NoError(t, st.InsertPositions(ctx, "sol", []model.Position{
			{ID: "none", Side: model.SideBuy, EntryPrice: nd(0.5), Size: nd(1)},
			{ID: "empty", Side: model.SideBuy, EntryPrice: nd(0.5), Size: nd(1), FilledOrders: []model.FilledOrder{}},
		}))

		got, err := st.ListPositions(ctx, "sol")
		require.NoError(t, err)
		require.Len(t, got, 2)
		byID := map[string]model.Position{}
		for _, p := range got {
			byID[p.ID] = p
		}
		assert.Nil(t, byID["none"].FilledOrders)
		require.NotNil(t, byID["empty"].FilledOrders)
		assert.Empty(t, byID["empty"].FilledOrders)

		data, err := json.Marshal(byID["empty"])
		require.NoError(t, err)
		assert.Contains(t, string(data), `"filledOrders":[]`)
	})
}

func TestMemoryStore(t *testing.T) {
	runConformance(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestMemoryStore_InsertDuplicateRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	err := ms.InsertPositions(ctx, "btc", []model.Position{{ID: "p1"}, {ID: "p1"}})
	require.Error(t, err)

	got, err := ms.ListPositions(ctx, "btc")
	require.NoError(t, err)
	assert.Empty(t, got, "failed batch leaves nothing behind")
}

func TestGormStore(t *testing.T) {
	runConformance(t, func(t *testing.T) store.Store {
		gs, err := store.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { gs.Close() })
		require.NoError(t, gs.Migrate(context.Background()))
		return gs
	})
}

func newCached(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	primary := store.NewMemoryStore()
	return store.NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore(t *testing.T) {
	runConformance(t, func(t *testing.T) store.Store {
		cs, _, _ := newCached(t)
		return cs
	})
}

func TestCachedStore_ReadThroughAndInvalidate(t *testing.T) {
	cs, primary, mr := newCached(t)
	ctx := context.Background()

	require.NoError(t, cs.UpsertTrade(ctx, "btc", &model.Trade{ID: "t1", Timestamp: 1}))

	trades, err := cs.ListTrades(ctx, "btc")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, mr.Exists("tradestate:trades:btc"), "read populates cache")

	// A write that bypasses the decorator is invisible until invalidation.
	require.NoError(t, primary.UpsertTrade(ctx, "btc", &model.Trade{ID: "t2", Timestamp: 2}))
	trades, err = cs.ListTrades(ctx, "btc")
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	require.NoError(t, cs.UpsertTrade(ctx, "btc", &model.Trade{ID: "t3", Timestamp: 3}))
	assert.False(t, mr.Exists("tradestate:trades:btc"), "write invalidates")
	trades, err = cs.ListTrades(ctx, "btc")
	require.NoError(t, err)
	assert.Len(t, trades, 3)
}

func TestCachedStore_PositionsInvalidatedOnDelete(t *testing.T) {
	cs, _, mr := newCached(t)
	ctx := context.Background()

	require.NoError(t, cs.InsertPositions(ctx, "sol", []model.Position{{ID: "p1", Size: nd(1)}}))
	got, err := cs.ListPositions(ctx, "sol")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, mr.Exists("tradestate:positions:sol"))

	require.NoError(t, cs.DeletePositions(ctx, "sol"))
	assert.False(t, mr.Exists("tradestate:positions:sol"))
	got, err = cs.ListPositions(ctx, "sol")
	require.NoError(t, err)
	assert.Empty(t, got)
}
