package resource

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/polyflip/tradestate/internal/model"
)

// Request bodies come from browser clients and trading engines that do not
// always agree on types, so they are read field by field with gjson rather
// than decoded into structs: one odd field must not reject the whole body.

// DecodeEventUpdate reads {eventSlug, priceToBeat?, lastPrice?}. A price
// counts as present only when it is a JSON number.
func DecodeEventUpdate(body gjson.Result) (string, EventUpdate) {
	return strings.TrimSpace(body.Get("eventSlug").String()), EventUpdate{
		PriceToBeat: jsonNumber(body.Get("priceToBeat")),
		LastPrice:   jsonNumber(body.Get("lastPrice")),
	}
}

// DecodeTrade coerces a trade object to canonical types. It fails only when
// the object or its string id is missing.
func DecodeTrade(v gjson.Result) (model.Trade, error) {
	id := v.Get("id")
	if !v.IsObject() || id.Type != gjson.String || id.Str == "" {
		return model.Trade{}, invalid("trade.id", "trade with id is required")
	}
	t := model.Trade{
		ID:         id.Str,
		EventSlug:  stringField(v.Get("eventSlug"), ""),
		TokenID:    stringField(v.Get("tokenId"), ""),
		Side:       model.ParseSide(stringField(v.Get("side"), string(model.SideBuy))),
		Size:       decimalField(v.Get("size")),
		Price:      decimalField(v.Get("price")),
		Timestamp:  int64Field(v.Get("timestamp")),
		Status:     model.ParseTradeStatus(stringField(v.Get("status"), string(model.StatusPending))),
		Reason:     stringField(v.Get("reason"), ""),
		OrderType:  model.ParseOrderType(stringField(v.Get("orderType"), string(model.OrderMarket))),
		Profit:     optionalDecimal(v.Get("profit")),
		LimitPrice: optionalDecimal(v.Get("limitPrice")),
		Direction:  model.ParseDirection(stringField(v.Get("direction"), "")),
	}
	if h := v.Get("transactionHash"); h.Exists() && h.Type != gjson.Null {
		hash := h.String()
		t.TransactionHash = &hash
	}
	return t, nil
}

// DecodePositions reads a position array. Elements that are not objects or
// lack a string id are dropped; a non-array decodes to an empty set.
func DecodePositions(v gjson.Result) []model.Position {
	positions := []model.Position{}
	if !v.IsArray() {
		return positions
	}
	v.ForEach(func(_, el gjson.Result) bool {
		id := el.Get("id")
		if !el.IsObject() || id.Type != gjson.String || id.Str == "" {
			return true
		}
		positions = append(positions, model.Position{
			ID:               id.Str,
			EventSlug:        stringField(el.Get("eventSlug"), ""),
			TokenID:          stringField(el.Get("tokenId"), ""),
			Side:             model.ParseSide(stringField(el.Get("side"), string(model.SideBuy))),
			EntryPrice:       decimalField(el.Get("entryPrice")),
			Size:             decimalField(el.Get("size")),
			EntryTimestamp:   int64Field(el.Get("entryTimestamp")),
			CurrentPrice:     optionalDecimal(el.Get("currentPrice")),
			UnrealizedProfit: optionalDecimal(el.Get("unrealizedProfit")),
			Direction:        model.ParseDirection(stringField(el.Get("direction"), "")),
			FilledOrders:     decodeFills(el.Get("filledOrders")),
		})
		return true
	})
	return positions
}

func decodeFills(v gjson.Result) []model.FilledOrder {
	if !v.IsArray() {
		return nil
	}
	fills := []model.FilledOrder{}
	v.ForEach(func(_, f gjson.Result) bool {
		if !f.IsObject() {
			return true
		}
		price := decimalField(f.Get("price"))
		size := decimalField(f.Get("size"))
		fills = append(fills, model.FilledOrder{
			OrderID:   stringField(f.Get("orderId"), ""),
			Price:     price.Decimal,
			Size:      size.Decimal,
			Timestamp: int64Field(f.Get("timestamp")),
		})
		return true
	})
	return fills
}

// stringField stringifies scalars; absent or null yields def.
func stringField(v gjson.Result, def string) string {
	if !v.Exists() || v.Type == gjson.Null {
		return def
	}
	return v.String()
}

// decimalField parses a JSON number or numeric string. Anything else is
// invalid, the stored stand-in for "not a number".
func decimalField(v gjson.Result) decimal.NullDecimal {
	var raw string
	switch v.Type {
	case gjson.Number:
		raw = v.Raw
	case gjson.String:
		raw = strings.TrimSpace(v.Str)
	default:
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func optionalDecimal(v gjson.Result) *decimal.Decimal {
	nd := decimalField(v)
	if !nd.Valid {
		return nil
	}
	return &nd.Decimal
}

func jsonNumber(v gjson.Result) *decimal.Decimal {
	if v.Type != gjson.Number {
		return nil
	}
	return optionalDecimal(v)
}

// int64Field reads millisecond timestamps; unparsable values become 0.
func int64Field(v gjson.Result) int64 {
	switch v.Type {
	case gjson.Number, gjson.String:
		d := decimalField(v)
		if d.Valid {
			return d.Decimal.IntPart()
		}
	}
	return 0
}
