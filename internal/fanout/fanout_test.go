package fanout_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyflip/tradestate/internal/engine"
	"github.com/polyflip/tradestate/internal/fanout"
	"github.com/polyflip/tradestate/internal/model"
)

func newManager(t *testing.T) (*fanout.Manager, map[fanout.Asset]*engine.Session) {
	t.Helper()
	sessions := make(map[fanout.Asset]*engine.Session)
	m := fanout.New(func(a fanout.Asset) fanout.Engine {
		s := engine.NewSession()
		sessions[a] = s
		return s
	})
	return m, sessions
}

var creds = engine.Credentials{Key: "k", Secret: "s", Passphrase: "p"}

func TestParseAsset(t *testing.T) {
	for in, want := range map[string]fanout.Asset{"btc": fanout.BTC, "ETH": fanout.ETH, " Sol ": fanout.SOL, "xrp": fanout.XRP} {
		got, ok := fanout.ParseAsset(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	_, ok := fanout.ParseAsset("doge")
	assert.False(t, ok)
}

func TestAssets(t *testing.T) {
	m, sessions := newManager(t)
	assert.Equal(t, []fanout.Asset{fanout.BTC, fanout.ETH, fanout.SOL, fanout.XRP}, m.Assets())
	assert.Len(t, sessions, 4, "one engine per asset")
}

func TestStatusCallback_TaggedAndReplaced(t *testing.T) {
	m, _ := newManager(t)
	m.SetAPICredentials("", creds)

	var first, second []fanout.Asset
	m.SetStatusCallback(func(a fanout.Asset, _ engine.Status) { first = append(first, a) })
	m.SetStatusCallback(func(a fanout.Asset, _ engine.Status) { second = append(second, a) })

	require.NoError(t, m.StartTrading(context.Background(), fanout.ETH))
	require.NoError(t, m.StartTrading(context.Background(), fanout.XRP))

	assert.Empty(t, first, "replaced callback no longer fires")
	assert.Equal(t, []fanout.Asset{fanout.ETH, fanout.XRP}, second)
}

func TestTradeCallback_Tagged(t *testing.T) {
	m, sessions := newManager(t)

	var got []string
	m.SetTradeCallback(func(a fanout.Asset, tr model.Trade) { got = append(got, string(a)+":"+tr.ID) })

	sessions[fanout.SOL].RecordTrade(model.Trade{ID: "t1"})
	_, ok := m.RecordTrade(fanout.BTC, model.Trade{ID: "t2"})
	require.True(t, ok)

	assert.Equal(t, []string{"sol:t1", "btc:t2"}, got)
}

func TestSubscribe_AdditiveAndCancel(t *testing.T) {
	m, _ := newManager(t)

	var a, b int
	cancelA := m.Subscribe(fanout.ListenerFuncs{Trade: func(fanout.Asset, model.Trade) { a++ }})
	m.Subscribe(fanout.ListenerFuncs{Trade: func(fanout.Asset, model.Trade) { b++ }})

	m.RecordTrade(fanout.BTC, model.Trade{ID: "t1"})
	cancelA()
	cancelA()
	m.RecordTrade(fanout.BTC, model.Trade{ID: "t2"})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestUnknownAsset_Defaults(t *testing.T) {
	m, _ := newManager(t)
	doge := fanout.Asset("doge")

	assert.Equal(t, engine.DefaultStrategyConfig(), m.StrategyConfig(doge))
	assert.Equal(t, engine.DefaultStatus(), m.Status(doge))
	assert.Empty(t, m.Positions(doge))
	assert.Empty(t, m.Trades(doge))
	assert.NoError(t, m.StartTrading(context.Background(), doge))
	m.StopTrading(doge)
	m.UpdateMarketData(doge, nil, nil, nil)
	_, ok := m.RecordTrade(doge, model.Trade{ID: "t1"})
	assert.False(t, ok)
	cfg, err := m.UpdateStrategyConfig(doge, map[string]any{"tradeSize": 1})
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultStrategyConfig(), cfg)
}

func TestStartTrading_PropagatesEngineError(t *testing.T) {
	m, _ := newManager(t)
	assert.ErrorIs(t, m.StartTrading(context.Background(), fanout.BTC), engine.ErrMissingCredentials)
}

func TestSetAPICredentials_SingleAsset(t *testing.T) {
	m, _ := newManager(t)
	m.SetAPICredentials(fanout.SOL, creds)

	assert.NoError(t, m.StartTrading(context.Background(), fanout.SOL))
	assert.Error(t, m.StartTrading(context.Background(), fanout.BTC))
}

func TestStopAllTrading(t *testing.T) {
	m, _ := newManager(t)
	m.SetAPICredentials("", creds)
	for _, a := range m.Assets() {
		require.NoError(t, m.StartTrading(context.Background(), a))
	}

	m.StopAllTrading()
	for _, a := range m.Assets() {
		assert.False(t, m.Status(a).IsActive, a)
	}
}

func TestUpdateStrategyConfig_NotifiesListeners(t *testing.T) {
	m, _ := newManager(t)

	var got engine.StrategyConfig
	var asset fanout.Asset
	m.Subscribe(fanout.ListenerFuncs{Config: func(a fanout.Asset, cfg engine.StrategyConfig) { asset, got = a, cfg }})

	cfg, err := m.UpdateStrategyConfig(fanout.ETH, map[string]any{"tradeSize": 75.0})
	require.NoError(t, err)
	assert.Equal(t, fanout.ETH, asset)
	assert.True(t, got.TradeSize.Equal(decimal.NewFromInt(75)))
	assert.Equal(t, cfg, m.StrategyConfig(fanout.ETH))
}

func TestUpdateMarketData_ForwardsAndNotifies(t *testing.T) {
	m, _ := newManager(t)

	var md engine.MarketData
	m.Subscribe(fanout.ListenerFuncs{MarketData: func(_ fanout.Asset, got engine.MarketData) { md = got }})

	price := decimal.NewFromInt(3100)
	m.UpdateMarketData(fanout.ETH, &price, nil, &engine.ActiveEvent{Slug: "eth-updown-1"})

	require.NotNil(t, md.CurrentPrice)
	assert.True(t, md.CurrentPrice.Equal(price))
	require.NotNil(t, md.Event)
	assert.Equal(t, "eth-updown-1", md.Event.Slug)
	assert.True(t, m.Market(fanout.ETH).CurrentPrice.Equal(price))
}

func TestRestore(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Restore(fanout.BTC, engine.Snapshot{Trades: []model.Trade{{ID: "old"}}}))
	assert.Len(t, m.Trades(fanout.BTC), 1)
	assert.Empty(t, m.Trades(fanout.ETH))
}
