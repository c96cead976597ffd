package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKlineValidate(t *testing.T) {
	valid := Kline{
		Symbol:   "BTCUSDT",
		Interval: "60",
		OpenTime: 1700000000000,
		// Close of an hourly bar sits one ms before the next open.
		CloseTime: 1700003599999,
		Open:      dec("50000"),
		Close:     dec("50100"),
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.Symbol = ""
	assert.Error(t, missing.Validate())

	inverted := valid
	inverted.CloseTime = valid.OpenTime - 1
	assert.Error(t, inverted.Validate())
}

func TestPriceLevelWireForm(t *testing.T) {
	level := PriceLevel{Price: dec("50000.10"), Quantity: dec("0.25")}

	data, err := json.Marshal(level)
	require.NoError(t, err)
	assert.JSONEq(t, `["50000.1","0.25"]`, string(data))

	var parsed PriceLevel
	require.NoError(t, json.Unmarshal([]byte(`["49999.9","1.5"]`), &parsed))
	assert.True(t, parsed.Price.Equal(dec("49999.9")))
	assert.True(t, parsed.Quantity.Equal(dec("1.5")))
}

func TestPriceLevelRejectsGarbage(t *testing.T) {
	var parsed PriceLevel
	assert.Error(t, json.Unmarshal([]byte(`["not-a-number","1.5"]`), &parsed))
	assert.Error(t, json.Unmarshal([]byte(`{"price":"1"}`), &parsed))
}

func TestDepthRoundTrip(t *testing.T) {
	depth := Depth{
		Symbol:       "BTCUSDT",
		LastUpdateID: 42,
		Bids:         []PriceLevel{{Price: dec("50000"), Quantity: dec("1")}},
		Asks:         []PriceLevel{{Price: dec("50001"), Quantity: dec("2")}},
		EventTime:    1700000000000,
	}

	data, err := json.Marshal(&depth)
	require.NoError(t, err)

	var parsed Depth
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Len(t, parsed.Bids, 1)
	assert.True(t, parsed.Bids[0].Price.Equal(dec("50000")))
	assert.True(t, parsed.Asks[0].Quantity.Equal(dec("2")))
}

func TestQuoteValidate(t *testing.T) {
	q := Quote{Symbol: "BTCUSDT", BidPrice: dec("50000"), AskPrice: dec("50001")}
	assert.NoError(t, q.Validate())

	q.Symbol = ""
	assert.Error(t, q.Validate())
}
