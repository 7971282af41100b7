package model

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	assert.Equal(t, SideSell, ParseSide("SELL"))
	assert.Equal(t, SideBuy, ParseSide("sell"))
	assert.Equal(t, SideBuy, ParseSide(""))

	assert.Equal(t, StatusFilled, ParseTradeStatus("filled"))
	assert.Equal(t, StatusPending, ParseTradeStatus("FILLED"))
	assert.Equal(t, StatusPending, ParseTradeStatus("unknown"))

	assert.Equal(t, OrderLimit, ParseOrderType("LIMIT"))
	assert.Equal(t, OrderMarket, ParseOrderType("limit"))

	assert.Equal(t, DirectionDown, ParseDirection("DOWN"))
	assert.Equal(t, Direction(""), ParseDirection("SIDEWAYS"))
}

func TestFilledOrders_RoundTrip(t *testing.T) {
	fills := []FilledOrder{
		{OrderID: "o1", Price: decimal.RequireFromString("0.51"), Size: decimal.NewFromInt(10), Timestamp: 1700000000000},
	}
	raw := EncodeFilledOrders(fills)
	assert.JSONEq(t, `[{"orderId":"o1","price":0.51,"size":10,"timestamp":1700000000000}]`, string(raw))

	got := DecodeFilledOrders(raw)
	require.Len(t, got, 1)
	assert.Equal(t, "o1", got[0].OrderID)
	assert.True(t, got[0].Price.Equal(fills[0].Price))
}

func TestFilledOrders_NilStaysNull(t *testing.T) {
	assert.Nil(t, EncodeFilledOrders(nil))
	assert.Nil(t, DecodeFilledOrders(nil))
}

func TestPositionJSON_EmptyFillsKept(t *testing.T) {
	data, err := json.Marshal(Position{ID: "p1", FilledOrders: []FilledOrder{}})
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, []any{}, out["filledOrders"])

	data, err = json.Marshal(Position{ID: "p2"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "filledOrders")

	var back Position
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p3","filledOrders":[]}`), &back))
	require.NotNil(t, back.FilledOrders)
	assert.Empty(t, back.FilledOrders)
	assert.Equal(t, []FilledOrder{}, DecodeFilledOrders(EncodeFilledOrders(back.FilledOrders)))
}

func TestDecodeFilledOrders_StringWrapped(t *testing.T) {
	raw := []byte(`"[{\"orderId\":\"o2\",\"price\":0.4,\"size\":3,\"timestamp\":5}]"`)
	got := DecodeFilledOrders(raw)
	require.Len(t, got, 1)
	assert.Equal(t, "o2", got[0].OrderID)
	assert.Equal(t, int64(5), got[0].Timestamp)
}

func TestDecodeFilledOrders_MalformedIsAbsent(t *testing.T) {
	for _, raw := range []string{`{`, `{"orderId":"x"}`, `"not json"`, `[{"price":"abc"}]`} {
		assert.Nil(t, DecodeFilledOrders([]byte(raw)), raw)
	}
}

func TestTradeJSON_NumbersAndNulls(t *testing.T) {
	tr := Trade{
		ID:     "t1",
		Side:   SideBuy,
		Size:   decimal.NewNullDecimal(decimal.NewFromInt(10)),
		Status: StatusPending,
	}
	data, err := json.Marshal(tr)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 10.0, out["size"])
	assert.Nil(t, out["price"])
	assert.NotContains(t, out, "profit")
	assert.NotContains(t, out, "direction")
}
