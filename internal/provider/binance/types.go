package binance

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mj2154/tickbus/internal/streamkey"
	"github.com/mj2154/tickbus/pkg/models"
)

// combinedFrame is the envelope on /stream connections.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wsRequest is a SUBSCRIBE/UNSUBSCRIBE control message on a market
// connection.
type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     uint64   `json:"id"`
}

// wsResponse acks a control message. Result is null on success.
type wsResponse struct {
	Result json.RawMessage `json:"result"`
	ID     uint64          `json:"id"`
	Error  *APIError       `json:"error,omitempty"`
}

// klineEvent is a kline stream payload. The upstream quotes all prices
// as decimal strings.
type klineEvent struct {
	EventTime int64 `json:"E"`
	Kline     struct {
		OpenTime    int64           `json:"t"`
		CloseTime   int64           `json:"T"`
		Symbol      string          `json:"s"`
		Interval    string          `json:"i"`
		Open        decimal.Decimal `json:"o"`
		Close       decimal.Decimal `json:"c"`
		High        decimal.Decimal `json:"h"`
		Low         decimal.Decimal `json:"l"`
		Volume      decimal.Decimal `json:"v"`
		TradeCount  int64           `json:"n"`
		IsClosed    bool            `json:"x"`
		QuoteVolume decimal.Decimal `json:"q"`
	} `json:"k"`
}

// bookTickerEvent is a top-of-book payload. The spot stream carries no
// event time, the futures stream does.
type bookTickerEvent struct {
	UpdateID  int64           `json:"u"`
	Symbol    string          `json:"s"`
	BidPrice  decimal.Decimal `json:"b"`
	BidQty    decimal.Decimal `json:"B"`
	AskPrice  decimal.Decimal `json:"a"`
	AskQty    decimal.Decimal `json:"A"`
	EventTime int64           `json:"E"`
}

// aggTradeEvent is an aggregated trade payload.
type aggTradeEvent struct {
	EventTime    int64           `json:"E"`
	Symbol       string          `json:"s"`
	TradeID      int64           `json:"a"`
	Price        decimal.Decimal `json:"p"`
	Quantity     decimal.Decimal `json:"q"`
	TradeTime    int64           `json:"T"`
	IsBuyerMaker bool            `json:"m"`
}

// depthEvent covers both partial-book shapes: spot sends
// lastUpdateId/bids/asks, futures wraps the same levels in an event
// envelope with single-letter fields.
type depthEvent struct {
	LastUpdateID int64               `json:"lastUpdateId"`
	Bids         []models.PriceLevel `json:"bids"`
	Asks         []models.PriceLevel `json:"asks"`

	EventTime     int64               `json:"E"`
	Symbol        string              `json:"s"`
	FinalUpdateID int64               `json:"u"`
	FuturesBids   []models.PriceLevel `json:"b"`
	FuturesAsks   []models.PriceLevel `json:"a"`
}

// userEventHead peeks at the event type of a user-data payload.
type userEventHead struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// spotAccountPosition is the outboundAccountPosition event, absolute
// balances for the assets that changed.
type spotAccountPosition struct {
	EventTime int64 `json:"E"`
	Balances  []struct {
		Asset  string          `json:"a"`
		Free   decimal.Decimal `json:"f"`
		Locked decimal.Decimal `json:"l"`
	} `json:"B"`
}

// spotBalanceUpdate is the balanceUpdate event, a relative adjustment
// of one asset's free balance.
type spotBalanceUpdate struct {
	EventTime int64           `json:"E"`
	Asset     string          `json:"a"`
	Delta     decimal.Decimal `json:"d"`
}

// futuresAccountUpdate is the ACCOUNT_UPDATE event, absolute wallet
// balances and position states for what changed.
type futuresAccountUpdate struct {
	EventTime int64 `json:"E"`
	Account   struct {
		Balances []struct {
			Asset         string          `json:"a"`
			WalletBalance decimal.Decimal `json:"wb"`
		} `json:"B"`
		Positions []struct {
			Symbol           string          `json:"s"`
			PositionAmount   decimal.Decimal `json:"pa"`
			EntryPrice       decimal.Decimal `json:"ep"`
			UnrealizedProfit decimal.Decimal `json:"up"`
			MarginType       string          `json:"mt"`
			PositionSide     string          `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

// listenKeyResponse is the body of listen-key create requests.
type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// serverTimeResponse is the body of the time endpoint.
type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// restBookTicker is the REST top-of-book shape, camelCase unlike the
// stream event.
type restBookTicker struct {
	Symbol   string          `json:"symbol"`
	BidPrice decimal.Decimal `json:"bidPrice"`
	BidQty   decimal.Decimal `json:"bidQty"`
	AskPrice decimal.Decimal `json:"askPrice"`
	AskQty   decimal.Decimal `json:"askQty"`
	Time     int64           `json:"time"`
}

// restSpotAccount is the spot account endpoint body.
type restSpotAccount struct {
	UpdateTime int64 `json:"updateTime"`
	Balances   []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
	} `json:"balances"`
}

// restFuturesAccount is the futures account endpoint body.
type restFuturesAccount struct {
	UpdateTime int64 `json:"updateTime"`
	Assets     []struct {
		Asset            string          `json:"asset"`
		WalletBalance    decimal.Decimal `json:"walletBalance"`
		AvailableBalance decimal.Decimal `json:"availableBalance"`
	} `json:"assets"`
	Positions []struct {
		Symbol           string          `json:"symbol"`
		PositionSide     string          `json:"positionSide"`
		PositionAmount   decimal.Decimal `json:"positionAmt"`
		EntryPrice       decimal.Decimal `json:"entryPrice"`
		UnrealizedProfit decimal.Decimal `json:"unrealizedProfit"`
		Leverage         decimal.Decimal `json:"leverage"`
		Isolated         bool            `json:"isolated"`
	} `json:"positions"`
}

// restKline is one row of the klines endpoint, a positional array of
// timestamps, decimal strings, and counts.
type restKline struct {
	OpenTime    int64
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	CloseTime   int64
	QuoteVolume decimal.Decimal
	TradeCount  int64
}

func (r *restKline) UnmarshalJSON(data []byte) error {
	var cells []json.RawMessage
	if err := json.Unmarshal(data, &cells); err != nil {
		return err
	}
	if len(cells) < 9 {
		return fmt.Errorf("kline row has %d cells, want at least 9", len(cells))
	}
	fields := []interface{}{
		&r.OpenTime, &r.Open, &r.High, &r.Low, &r.Close,
		&r.Volume, &r.CloseTime, &r.QuoteVolume, &r.TradeCount,
	}
	for i, dst := range fields {
		if err := json.Unmarshal(cells[i], dst); err != nil {
			return fmt.Errorf("kline row cell %d: %w", i, err)
		}
	}
	return nil
}

// APIError is an upstream rejection, either the JSON error body or a
// bare HTTP status when no body parses.
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"msg"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("upstream error %d: %s (http %d)", e.Code, e.Message, e.HTTPStatus)
	}
	return fmt.Sprintf("upstream http %d: %s", e.HTTPStatus, e.Message)
}

// Error codes the upstream documents as retryable conditions.
var transientAPICodes = map[int]bool{
	-1003: true, // too many requests
	-1015: true, // too many orders
	-1021: true, // timestamp outside recvWindow
	-1001: true, // internal error / disconnected
}

// Transient reports whether the failure may clear on retry. Rate-limit
// and server-side failures are transient, everything else (bad symbol,
// bad signature, revoked key) will fail the same way again.
func (e *APIError) Transient() bool {
	if e.HTTPStatus == 429 || e.HTTPStatus == 418 || e.HTTPStatus >= 500 {
		return true
	}
	return transientAPICodes[e.Code]
}

// RateLimited reports whether the upstream throttled or banned us.
func (e *APIError) RateLimited() bool {
	return e.HTTPStatus == 429 || e.HTTPStatus == 418 || e.Code == -1003
}

// Frame is one decoded market-data event, keyed and ready for
// ingestion.
type Frame struct {
	Key       streamkey.Key
	EventTime int64
	IsClosed  bool
	Kline     *models.Kline
	Quote     *models.Quote
	Trade     *models.Trade
	Depth     *models.Depth
}

// Payload returns the decoded event as the wire payload for pg_notify.
func (f *Frame) Payload() interface{} {
	switch {
	case f.Kline != nil:
		return f.Kline
	case f.Quote != nil:
		return f.Quote
	case f.Trade != nil:
		return f.Trade
	case f.Depth != nil:
		return f.Depth
	}
	return nil
}

// DecodeFrame decodes one combined-stream payload into a Frame keyed
// for the given exchange slot.
func DecodeFrame(exchange, stream string, data []byte) (*Frame, error) {
	key, err := StreamKey(exchange, stream)
	if err != nil {
		return nil, err
	}

	switch key.Stream {
	case streamkey.StreamKline:
		var ev klineEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("kline event: %w", err)
		}
		bar := &models.Kline{
			Symbol:      ev.Kline.Symbol,
			Interval:    key.Param,
			OpenTime:    ev.Kline.OpenTime,
			CloseTime:   ev.Kline.CloseTime,
			Open:        ev.Kline.Open,
			High:        ev.Kline.High,
			Low:         ev.Kline.Low,
			Close:       ev.Kline.Close,
			Volume:      ev.Kline.Volume,
			QuoteVolume: ev.Kline.QuoteVolume,
			TradeCount:  ev.Kline.TradeCount,
			IsClosed:    ev.Kline.IsClosed,
		}
		if err := bar.Validate(); err != nil {
			return nil, err
		}
		return &Frame{Key: key, EventTime: ev.EventTime, IsClosed: bar.IsClosed, Kline: bar}, nil

	case streamkey.StreamQuotes:
		var ev bookTickerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("bookTicker event: %w", err)
		}
		quote := &models.Quote{
			Symbol:    ev.Symbol,
			BidPrice:  ev.BidPrice,
			BidQty:    ev.BidQty,
			AskPrice:  ev.AskPrice,
			AskQty:    ev.AskQty,
			EventTime: ev.EventTime,
		}
		if err := quote.Validate(); err != nil {
			return nil, err
		}
		return &Frame{Key: key, EventTime: ev.EventTime, Quote: quote}, nil

	case streamkey.StreamTrade:
		var ev aggTradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("aggTrade event: %w", err)
		}
		trade := &models.Trade{
			Symbol:       ev.Symbol,
			TradeID:      ev.TradeID,
			Price:        ev.Price,
			Quantity:     ev.Quantity,
			TradeTime:    ev.TradeTime,
			IsBuyerMaker: ev.IsBuyerMaker,
		}
		if err := trade.Validate(); err != nil {
			return nil, err
		}
		return &Frame{Key: key, EventTime: ev.EventTime, Trade: trade}, nil

	case streamkey.StreamDepth:
		var ev depthEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("depth event: %w", err)
		}
		depth := &models.Depth{
			Symbol:       key.Symbol,
			LastUpdateID: ev.LastUpdateID,
			Bids:         ev.Bids,
			Asks:         ev.Asks,
			EventTime:    ev.EventTime,
		}
		if ev.Symbol != "" {
			depth.Symbol = ev.Symbol
			depth.LastUpdateID = ev.FinalUpdateID
			depth.Bids = ev.FuturesBids
			depth.Asks = ev.FuturesAsks
		}
		if err := depth.Validate(); err != nil {
			return nil, err
		}
		return &Frame{Key: key, EventTime: ev.EventTime, Depth: depth}, nil
	}

	return nil, fmt.Errorf("stream %q: no decoder", stream)
}

// User-data event kinds surfaced to the account manager.
const (
	// UserEventBalances carries absolute balance and position states.
	UserEventBalances = "BALANCES"
	// UserEventBalanceDelta carries a relative single-asset adjustment.
	UserEventBalanceDelta = "BALANCE_DELTA"
	// UserEventExpired signals the upstream invalidated the stream key.
	UserEventExpired = "EXPIRED"
)

// UserEvent is one decoded user-data stream event.
type UserEvent struct {
	Type      string
	EventTime int64
	Balances  []models.Balance
	Positions []models.Position
	Asset     string
	Delta     decimal.Decimal
}

// DecodeSpotUserEvent decodes a spot user-data payload. Events that do
// not affect account state (order reports and friends) return nil.
func DecodeSpotUserEvent(data []byte) (*UserEvent, error) {
	var head userEventHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("user event: %w", err)
	}

	switch head.EventType {
	case "outboundAccountPosition":
		var ev spotAccountPosition
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("outboundAccountPosition: %w", err)
		}
		out := &UserEvent{Type: UserEventBalances, EventTime: ev.EventTime}
		for _, b := range ev.Balances {
			out.Balances = append(out.Balances, models.Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
		}
		return out, nil

	case "balanceUpdate":
		var ev spotBalanceUpdate
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("balanceUpdate: %w", err)
		}
		return &UserEvent{
			Type:      UserEventBalanceDelta,
			EventTime: ev.EventTime,
			Asset:     ev.Asset,
			Delta:     ev.Delta,
		}, nil
	}

	return nil, nil
}

// DecodeFuturesUserEvent decodes a futures user-data payload. Only
// account updates and listen-key expiry matter here.
func DecodeFuturesUserEvent(data []byte) (*UserEvent, error) {
	var head userEventHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("user event: %w", err)
	}

	switch head.EventType {
	case "ACCOUNT_UPDATE":
		var ev futuresAccountUpdate
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("ACCOUNT_UPDATE: %w", err)
		}
		out := &UserEvent{Type: UserEventBalances, EventTime: ev.EventTime}
		for _, b := range ev.Account.Balances {
			out.Balances = append(out.Balances, models.Balance{Asset: b.Asset, Free: b.WalletBalance})
		}
		for _, p := range ev.Account.Positions {
			out.Positions = append(out.Positions, models.Position{
				Symbol:           p.Symbol,
				PositionSide:     p.PositionSide,
				PositionAmount:   p.PositionAmount,
				EntryPrice:       p.EntryPrice,
				UnrealizedProfit: p.UnrealizedProfit,
				MarginType:       p.MarginType,
			})
		}
		return out, nil

	case "listenKeyExpired":
		return &UserEvent{Type: UserEventExpired, EventTime: head.EventTime}, nil
	}

	return nil, nil
}
