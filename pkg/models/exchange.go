package models

import (
	"time"
)

// Market type identifiers used across subscription keys, tasks, and
// exchange metadata.
const (
	MarketSpot    = "SPOT"
	MarketFutures = "FUTURES"
)

// SymbolInfo is one tradable instrument from the exchange's symbol
// table, refreshed whole per (exchange, market type).
type SymbolInfo struct {
	Exchange   string    `json:"exchange"`
	MarketType string    `json:"market_type"`
	Symbol     string    `json:"symbol"`
	BaseAsset  string    `json:"base_asset"`
	QuoteAsset string    `json:"quote_asset"`
	Status     string    `json:"status"`
	Payload    JSONB     `json:"payload"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Tradable reports whether the instrument currently accepts orders.
func (s *SymbolInfo) Tradable() bool {
	return s.Status == "TRADING"
}
