package resource

import (
	"context"
	"time"

	"github.com/polyflip/tradestate/internal/model"
	"github.com/polyflip/tradestate/internal/store"
)

// TradeLog is the append-or-update trade history per scope.
type TradeLog struct {
	st store.Store
}

// List returns the trades of scope, newest first.
func (l *TradeLog) List(ctx context.Context, scope string) ([]model.Trade, error) {
	started := time.Now()
	trades, err := l.st.ListTrades(ctx, NormalizeScope(scope))
	if err != nil {
		return nil, storeErr(TradesName, "get", started, err)
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, storeErr(TradesName, "get", started, nil)
}

// Put upserts t on (scope, t.ID). Writing the same trade twice leaves one
// row; a later write with new status overwrites it.
func (l *TradeLog) Put(ctx context.Context, scope string, t model.Trade) error {
	started := time.Now()
	if t.ID == "" {
		return storeErr(TradesName, "put", started, invalid("trade.id", "trade with id is required"))
	}
	t.Side = model.ParseSide(string(t.Side))
	t.Status = model.ParseTradeStatus(string(t.Status))
	t.OrderType = model.ParseOrderType(string(t.OrderType))
	t.Direction = model.ParseDirection(string(t.Direction))
	return storeErr(TradesName, "put", started, l.st.UpsertTrade(ctx, NormalizeScope(scope), &t))
}
