package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the state of a single asset in an account.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Position is one open futures position. Spot accounts carry none.
type Position struct {
	Symbol           string          `json:"symbol"`
	PositionSide     string          `json:"position_side"`
	PositionAmount   decimal.Decimal `json:"position_amount"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	UnrealizedProfit decimal.Decimal `json:"unrealized_profit"`
	Leverage         decimal.Decimal `json:"leverage"`
	MarginType       string          `json:"margin_type"`
}

// Key identifies a position slot within an account. Hedge-mode accounts
// hold LONG and SHORT slots for the same symbol.
func (p Position) Key() string {
	if p.PositionSide == "" {
		return p.Symbol + "|BOTH"
	}
	return p.Symbol + "|" + p.PositionSide
}

// Account is the materialized state of one exchange account. A full
// snapshot replaces it, incremental user-stream events overlay it.
type Account struct {
	AccountKey string              `json:"account_key"`
	MarketType string              `json:"market_type"`
	Balances   map[string]Balance  `json:"balances"`
	Positions  map[string]Position `json:"positions,omitempty"`
	EventTime  int64               `json:"event_time"`
	Snapshot   bool                `json:"snapshot"`
}

// NewAccount returns an empty account state for the given key.
func NewAccount(accountKey, marketType string) *Account {
	return &Account{
		AccountKey: accountKey,
		MarketType: marketType,
		Balances:   make(map[string]Balance),
		Positions:  make(map[string]Position),
	}
}

// Overlay merges an update into the account. Snapshots replace the whole
// state, deltas touch only the assets and positions they carry. Events
// older than the current state are dropped, the stream can replay after
// a reconnect. Reports whether the update was applied.
func (a *Account) Overlay(update *Account) bool {
	if update == nil {
		return false
	}
	if update.EventTime < a.EventTime {
		return false
	}

	if update.Snapshot {
		a.Balances = make(map[string]Balance, len(update.Balances))
		a.Positions = make(map[string]Position, len(update.Positions))
	} else {
		if a.Balances == nil {
			a.Balances = make(map[string]Balance, len(update.Balances))
		}
		if a.Positions == nil {
			a.Positions = make(map[string]Position, len(update.Positions))
		}
	}

	for asset, bal := range update.Balances {
		a.Balances[asset] = bal
	}
	for key, pos := range update.Positions {
		if pos.PositionAmount.IsZero() && !update.Snapshot {
			delete(a.Positions, key)
			continue
		}
		a.Positions[key] = pos
	}

	a.EventTime = update.EventTime
	return true
}

// AccountState is the persisted row for one account key. The payload
// is the serialized Account; market type and balances live inside it.
type AccountState struct {
	AccountKey string    `json:"account_key"`
	Payload    JSONB     `json:"payload"`
	EventTime  int64     `json:"event_time"`
	UpdatedAt  time.Time `json:"updated_at"`
}
