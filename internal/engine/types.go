package engine

import (
	"github.com/shopspring/decimal"

	"github.com/polyflip/tradestate/internal/model"
)

// StrategyConfig is the tunable behaviour of one asset's engine.
type StrategyConfig struct {
	Enabled                      bool             `json:"enabled"`
	EntryPrice                   decimal.Decimal  `json:"entryPrice"`
	ProfitTargetPrice            decimal.Decimal  `json:"profitTargetPrice"`
	StopLossPrice                decimal.Decimal  `json:"stopLossPrice"`
	TradeSize                    decimal.Decimal  `json:"tradeSize"`
	PriceDifference              *decimal.Decimal `json:"priceDifference"`
	FlipGuardPendingDistanceUsd  decimal.Decimal  `json:"flipGuardPendingDistanceUsd"`
	FlipGuardFilledDistanceUsd   decimal.Decimal  `json:"flipGuardFilledDistanceUsd"`
	EntryTimeRemainingMaxSeconds int              `json:"entryTimeRemainingMaxSeconds"`
}

// DefaultStrategyConfig is the config of a fresh engine, and what the
// fan-out reports for an asset it does not know.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		Enabled:                      false,
		EntryPrice:                   decimal.NewFromInt(96),
		ProfitTargetPrice:            decimal.NewFromInt(99),
		StopLossPrice:                decimal.NewFromInt(91),
		TradeSize:                    decimal.NewFromInt(50),
		PriceDifference:              nil,
		FlipGuardPendingDistanceUsd:  decimal.NewFromInt(15),
		FlipGuardFilledDistanceUsd:   decimal.NewFromInt(5),
		EntryTimeRemainingMaxSeconds: 180,
	}
}

// Status is the aggregate view of an engine's activity.
type Status struct {
	IsActive           bool             `json:"isActive"`
	TotalTrades        int              `json:"totalTrades"`
	SuccessfulTrades   int              `json:"successfulTrades"`
	FailedTrades       int              `json:"failedTrades"`
	TotalProfit        decimal.Decimal  `json:"totalProfit"`
	PendingLimitOrders int              `json:"pendingLimitOrders"`
	Positions          []model.Position `json:"positions"`
	TotalPositionSize  decimal.Decimal  `json:"totalPositionSize"`
}

// DefaultStatus is an idle engine with no history.
func DefaultStatus() Status {
	return Status{Positions: []model.Position{}}
}

// Credentials authenticate an engine against the exchange.
type Credentials struct {
	Key        string `json:"key"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Complete reports whether every part is set.
func (c Credentials) Complete() bool {
	return c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

// ActiveEvent is the market event an engine is currently watching.
type ActiveEvent struct {
	Slug        string `json:"slug"`
	Title       string `json:"title,omitempty"`
	EndDate     int64  `json:"endDate,omitempty"`
	UpTokenID   string `json:"upTokenId,omitempty"`
	DownTokenID string `json:"downTokenId,omitempty"`
}

// MarketData is the last price feed an engine received.
type MarketData struct {
	CurrentPrice *decimal.Decimal `json:"currentPrice"`
	PriceToBeat  *decimal.Decimal `json:"priceToBeat"`
	Event        *ActiveEvent     `json:"activeEvent,omitempty"`
	ReceivedAt   int64            `json:"receivedAt"`
}

// Snapshot is persisted state handed to an engine at startup. Config is
// the stored document, applied over the defaults like a partial update.
type Snapshot struct {
	Config    map[string]any
	Trades    []model.Trade
	Positions []model.Position
}
