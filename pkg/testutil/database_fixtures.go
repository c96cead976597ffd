package testutil

import (
	"database/sql/driver"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mj2154/tickbus/pkg/models"
)

// DatabaseFixtures provides test data fixtures for database testing
type DatabaseFixtures struct{}

// NewDatabaseFixtures creates a new database fixtures helper
func NewDatabaseFixtures() *DatabaseFixtures {
	return &DatabaseFixtures{}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// KlineClosed creates a sealed hourly bar
func (f *DatabaseFixtures) KlineClosed() *models.Kline {
	return &models.Kline{
		Symbol:      "BTCUSDT",
		Interval:    "60",
		OpenTime:    1700000000000,
		CloseTime:   1700003599999,
		Open:        mustDecimal("50000.00"),
		High:        mustDecimal("50250.50"),
		Low:         mustDecimal("49900.10"),
		Close:       mustDecimal("50100.00"),
		Volume:      mustDecimal("123.456"),
		QuoteVolume: mustDecimal("6180000.12"),
		TradeCount:  4321,
		IsClosed:    true,
	}
}

// KlineLive creates an in-progress bar for the same slot
func (f *DatabaseFixtures) KlineLive() *models.Kline {
	k := f.KlineClosed()
	k.IsClosed = false
	k.Close = mustDecimal("50050.00")
	k.Volume = mustDecimal("61.7")
	k.TradeCount = 2100
	return k
}

// QuoteValid creates a top-of-book snapshot
func (f *DatabaseFixtures) QuoteValid() *models.Quote {
	return &models.Quote{
		Symbol:    "BTCUSDT",
		BidPrice:  mustDecimal("50099.90"),
		BidQty:    mustDecimal("1.2"),
		AskPrice:  mustDecimal("50100.10"),
		AskQty:    mustDecimal("0.8"),
		EventTime: 1700000000123,
	}
}

// TaskPending creates a queued history fetch
func (f *DatabaseFixtures) TaskPending() *models.Task {
	return &models.Task{
		ID:     "11111111-2222-3333-4444-555555555555",
		Type:   models.TaskFetchHistory,
		Status: models.TaskPending,
		Payload: models.JSONB{
			"symbol":   "BTCUSDT",
			"interval": "60",
			"from":     float64(1700000000000),
			"to":       float64(1700086400000),
		},
		OriginSessionID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		OriginRequestID: "req-1",
		Attempts:        0,
		NotBefore:       time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		CreatedAt:       time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

// AlertConfigValid creates an enabled strategy alert
func (f *DatabaseFixtures) AlertConfigValid() *models.AlertConfig {
	return &models.AlertConfig{
		ID:       "99999999-8888-7777-6666-555555555555",
		Name:     "btc-hourly-cross",
		Symbol:   "BTCUSDT",
		Interval: "60",
		Strategy: "ma_cross",
		Enabled:  true,
		Config: models.JSONB{
			"fast": float64(9),
			"slow": float64(21),
		},
		CreatedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

// GetKlineHistoryColumns returns the column names for history queries
func (f *DatabaseFixtures) GetKlineHistoryColumns() []string {
	return []string{
		"symbol", "interval", "open_time", "close_time",
		"open", "high", "low", "close",
		"volume", "quote_volume", "trade_count",
	}
}

// GetKlineHistoryRowData returns row data for a given Kline model
func (f *DatabaseFixtures) GetKlineHistoryRowData(k *models.Kline) []driver.Value {
	return []driver.Value{
		k.Symbol, k.Interval, k.OpenTime, k.CloseTime,
		k.Open.String(), k.High.String(), k.Low.String(), k.Close.String(),
		k.Volume.String(), k.QuoteVolume.String(), k.TradeCount,
	}
}

// GetTaskColumns returns the column names for task claim queries
func (f *DatabaseFixtures) GetTaskColumns() []string {
	return []string{
		"id", "type", "payload", "status",
		"origin_session_id", "origin_request_id",
		"attempts", "not_before", "created_at",
	}
}

// GetTaskRowData returns row data for a given Task model
func (f *DatabaseFixtures) GetTaskRowData(t *models.Task) []driver.Value {
	payload, err := t.Payload.Value()
	if err != nil {
		panic(err)
	}
	return []driver.Value{
		t.ID, string(t.Type), payload, string(t.Status),
		t.OriginSessionID, t.OriginRequestID,
		t.Attempts, t.NotBefore, t.CreatedAt,
	}
}

// GetAlertConfigColumns returns the column names for alert config queries
func (f *DatabaseFixtures) GetAlertConfigColumns() []string {
	return []string{
		"id", "name", "symbol", "interval", "strategy",
		"enabled", "config", "created_at", "updated_at",
	}
}

// GetAlertConfigRowData returns row data for a given AlertConfig model
func (f *DatabaseFixtures) GetAlertConfigRowData(a *models.AlertConfig) []driver.Value {
	config, err := a.Config.Value()
	if err != nil {
		panic(err)
	}
	return []driver.Value{
		a.ID, a.Name, a.Symbol, a.Interval, a.Strategy,
		a.Enabled, config, a.CreatedAt, a.UpdatedAt,
	}
}

// NullTimeValue represents a nullable time value for SQL mocking
type NullTimeValue struct {
	Time  time.Time
	Valid bool
}

// Match implements sqlmock.Argument interface
func (n NullTimeValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case time.Time:
		return n.Valid && val.Equal(n.Time)
	case nil:
		return !n.Valid
	default:
		return false
	}
}

// NullStringValue represents a nullable string value for SQL mocking
type NullStringValue struct {
	String string
	Valid  bool
}

// Match implements sqlmock.Argument interface
func (n NullStringValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case string:
		return n.Valid && val == n.String
	case nil:
		return !n.Valid
	default:
		return false
	}
}

// NullIntValue represents a nullable int value for SQL mocking
type NullIntValue struct {
	Int   int
	Valid bool
}

// Match implements sqlmock.Argument interface
func (n NullIntValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case int:
		return n.Valid && val == n.Int
	case int64:
		return n.Valid && int64(n.Int) == val
	case nil:
		return !n.Valid
	default:
		return false
	}
}

// DecimalValue matches a numeric argument against a decimal, accepting
// the string form drivers send for NUMERIC columns
type DecimalValue struct {
	Decimal decimal.Decimal
}

// Match implements sqlmock.Argument interface
func (d DecimalValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case string:
		parsed, err := decimal.NewFromString(val)
		return err == nil && parsed.Equal(d.Decimal)
	case []byte:
		parsed, err := decimal.NewFromString(string(val))
		return err == nil && parsed.Equal(d.Decimal)
	case float64:
		return decimal.NewFromFloat(val).Equal(d.Decimal)
	default:
		return false
	}
}
