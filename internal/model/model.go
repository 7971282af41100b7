// Package model defines the trading-state records persisted per scope.
// Prices and sizes use shopspring/decimal and travel as bare JSON numbers.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Clients read prices as numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// DefaultScope partitions state written without an explicit scope.
const DefaultScope = "default"

// Side is the order side of a trade or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide returns the canonical side, defaulting to BUY.
func ParseSide(s string) Side {
	if Side(s) == SideSell {
		return SideSell
	}
	return SideBuy
}

// TradeStatus tracks an order from placement to resolution.
type TradeStatus string

const (
	StatusPending   TradeStatus = "pending"
	StatusFilled    TradeStatus = "filled"
	StatusFailed    TradeStatus = "failed"
	StatusCancelled TradeStatus = "cancelled"
)

// ParseTradeStatus returns the canonical status, defaulting to pending.
func ParseTradeStatus(s string) TradeStatus {
	switch st := TradeStatus(s); st {
	case StatusPending, StatusFilled, StatusFailed, StatusCancelled:
		return st
	}
	return StatusPending
}

// OrderType is LIMIT or MARKET.
type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderMarket OrderType = "MARKET"
)

// ParseOrderType returns the canonical order type, defaulting to MARKET.
func ParseOrderType(s string) OrderType {
	if OrderType(s) == OrderLimit {
		return OrderLimit
	}
	return OrderMarket
}

// Direction is the outcome a position is betting on. Empty means unknown.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// ParseDirection returns UP, DOWN, or "" for anything else.
func ParseDirection(s string) Direction {
	switch d := Direction(s); d {
	case DirectionUp, DirectionDown:
		return d
	}
	return ""
}

// EventState holds the watched price thresholds of one market event.
// Nil fields are unknown and never overwrite a stored value.
type EventState struct {
	EventSlug   string           `json:"eventSlug"`
	PriceToBeat *decimal.Decimal `json:"priceToBeat,omitempty"`
	LastPrice   *decimal.Decimal `json:"lastPrice,omitempty"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// StrategyConfig is the opaque strategy document of one scope.
type StrategyConfig struct {
	Scope     string          `json:"scope"`
	Config    json.RawMessage `json:"config"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Trade is one entry of a scope's trade log. Rewriting the same ID is how
// status transitions (pending -> filled) are recorded.
//
// Size and Price are invalid when the producer sent an unparsable number.
type Trade struct {
	ID              string              `json:"id"`
	EventSlug       string              `json:"eventSlug"`
	TokenID         string              `json:"tokenId"`
	Side            Side                `json:"side"`
	Size            decimal.NullDecimal `json:"size"`
	Price           decimal.NullDecimal `json:"price"`
	Timestamp       int64               `json:"timestamp"`
	Status          TradeStatus         `json:"status"`
	Reason          string              `json:"reason"`
	OrderType       OrderType           `json:"orderType"`
	TransactionHash *string             `json:"transactionHash,omitempty"`
	Profit          *decimal.Decimal    `json:"profit,omitempty"`
	LimitPrice      *decimal.Decimal    `json:"limitPrice,omitempty"`
	Direction       Direction           `json:"direction,omitempty"`
}

// Position is one open position. Positions are only ever replaced as a set.
// FilledOrders keeps nil (no fills recorded, omitted from JSON) apart from an
// empty list (encoded as []).
type Position struct {
	ID               string              `json:"id"`
	EventSlug        string              `json:"eventSlug"`
	TokenID          string              `json:"tokenId"`
	Side             Side                `json:"side"`
	EntryPrice       decimal.NullDecimal `json:"entryPrice"`
	Size             decimal.NullDecimal `json:"size"`
	EntryTimestamp   int64               `json:"entryTimestamp"`
	CurrentPrice     *decimal.Decimal    `json:"currentPrice,omitempty"`
	UnrealizedProfit *decimal.Decimal    `json:"unrealizedProfit,omitempty"`
	Direction        Direction           `json:"direction,omitempty"`
	FilledOrders     []FilledOrder       `json:"filledOrders,omitzero"`
}

// FilledOrder is one fill that contributed to a position.
type FilledOrder struct {
	OrderID   string          `json:"orderId"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp int64           `json:"timestamp"`
}

// EncodeFilledOrders serializes fills for the blob column. Nil fills encode
// to nil so the column stays NULL.
func EncodeFilledOrders(fills []FilledOrder) []byte {
	if fills == nil {
		return nil
	}
	data, err := json.Marshal(fills)
	if err != nil {
		return nil
	}
	return data
}

// DecodeFilledOrders parses a blob column. Malformed blobs are treated as
// absent rather than failing the read.
func DecodeFilledOrders(raw []byte) []FilledOrder {
	if len(raw) == 0 {
		return nil
	}
	// Rows written by older clients hold the array as a JSON string.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil
		}
		raw = []byte(inner)
	}
	var fills []FilledOrder
	if err := json.Unmarshal(raw, &fills); err != nil {
		return nil
	}
	return fills
}

// DecimalPtr returns a pointer to d.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
