package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kline is a single OHLCV bar. Live bars carry IsClosed=false and are
// overwritten in place until the exchange seals the interval.
type Kline struct {
	Symbol      string          `json:"symbol"`
	Interval    string          `json:"interval"`
	OpenTime    int64           `json:"open_time"`
	CloseTime   int64           `json:"close_time"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	TradeCount  int64           `json:"trade_count"`
	IsClosed    bool            `json:"is_closed"`
}

// Validate checks the fields a bar must carry before it is persisted.
func (k *Kline) Validate() error {
	if k.Symbol == "" {
		return fmt.Errorf("kline missing symbol")
	}
	if k.Interval == "" {
		return fmt.Errorf("kline missing interval")
	}
	if k.OpenTime <= 0 {
		return fmt.Errorf("kline %s has invalid open_time %d", k.Symbol, k.OpenTime)
	}
	if k.CloseTime < k.OpenTime {
		return fmt.Errorf("kline %s close_time %d precedes open_time %d", k.Symbol, k.CloseTime, k.OpenTime)
	}
	return nil
}

// OpenedAt returns the bar open as wall-clock time.
func (k *Kline) OpenedAt() time.Time {
	return time.UnixMilli(k.OpenTime)
}

// Quote is a top-of-book snapshot from the bookTicker stream.
type Quote struct {
	Symbol    string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidQty    decimal.Decimal `json:"bid_qty"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskQty    decimal.Decimal `json:"ask_qty"`
	EventTime int64           `json:"event_time"`
}

// Validate checks quote fields before persistence.
func (q *Quote) Validate() error {
	if q.Symbol == "" {
		return fmt.Errorf("quote missing symbol")
	}
	if q.BidPrice.IsNegative() || q.AskPrice.IsNegative() {
		return fmt.Errorf("quote %s has negative price", q.Symbol)
	}
	return nil
}

// Trade is a single executed trade.
type Trade struct {
	Symbol       string          `json:"symbol"`
	TradeID      int64           `json:"trade_id"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	TradeTime    int64           `json:"trade_time"`
	IsBuyerMaker bool            `json:"is_buyer_maker"`
}

// Validate checks trade fields before persistence.
func (t *Trade) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("trade missing symbol")
	}
	if t.Price.IsNegative() || t.Quantity.IsNegative() {
		return fmt.Errorf("trade %s has negative price or quantity", t.Symbol)
	}
	return nil
}

// PriceLevel is one side entry of an order book, serialized in the
// compact ["price","qty"] array form used on the wire.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// MarshalJSON renders the level as a two-element string array.
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Price.String(), l.Quantity.String()})
}

// UnmarshalJSON parses the two-element string array form.
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var raw [2]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	price, err := decimal.NewFromString(raw[0])
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", raw[0], err)
	}
	qty, err := decimal.NewFromString(raw[1])
	if err != nil {
		return fmt.Errorf("invalid quantity %q: %w", raw[1], err)
	}
	l.Price = price
	l.Quantity = qty
	return nil
}

// Depth is an order book snapshot limited to the subscribed level count.
type Depth struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"last_update_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	EventTime    int64        `json:"event_time"`
}

// Validate checks depth fields before persistence.
func (d *Depth) Validate() error {
	if d.Symbol == "" {
		return fmt.Errorf("depth missing symbol")
	}
	return nil
}
