package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mj2154/tickbus/internal/store"
	"github.com/mj2154/tickbus/internal/streamkey"
	"github.com/mj2154/tickbus/pkg/logging"
	"github.com/mj2154/tickbus/pkg/models"
	"github.com/mj2154/tickbus/pkg/pagination"
	"github.com/mj2154/tickbus/pkg/version"
)

// requestTimeout bounds the database work done inline for one request.
const requestTimeout = 10 * time.Second

// Handlers owns the request side of the gateway: the WebSocket
// endpoint, the per-type dispatch table, and session teardown.
type Handlers struct {
	store      *store.Store
	hub        *Hub
	correlator *Correlator
	cfg        Config
	logger     logging.Logger
	metrics    *Metrics
	upgrader   websocket.Upgrader
	started    time.Time
}

// NewHandlers wires the gateway request handlers.
func NewHandlers(st *store.Store, hub *Hub, correlator *Correlator, cfg Config, logger logging.Logger, metrics *Metrics) *Handlers {
	return &Handlers{
		store:      st,
		hub:        hub,
		correlator: correlator,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// ServeWS upgrades the connection and runs the session until it ends.
func (h *Handlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	s := newSession(uuid.New().String(), conn, h.cfg, h.logger, h.metrics)
	s.Remote = r.RemoteAddr
	s.onMessage = h.handleMessage
	s.onClose = h.teardown
	h.hub.register(s)
	s.run()
}

// teardown releases everything the session held: fan-out memberships,
// registry rows, task watches. Ref counts dropping to zero here emit
// the subscription.remove events the adapter reconciles on.
func (h *Handlers) teardown(s *Session) {
	h.hub.unregister(s)
	h.correlator.DropSession(s.ID)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := h.store.ReleaseAll(ctx, s.ID); err != nil {
		h.logger.WithError(err).WithField("session_id", s.ID).Error("Failed to release session subscriptions")
	}
	if err := h.store.MarkOriginGone(ctx, s.ID); err != nil {
		h.logger.WithError(err).WithField("session_id", s.ID).Error("Failed to flag session tasks origin-gone")
	}
}

type handlerFunc func(*Handlers, *Session, *Request)

// handlerTable routes data.type to its handler. Membership doubles as
// the list of request types the gateway understands.
var handlerTable = map[string]handlerFunc{
	"config":                (*Handlers).handleConfig,
	"server_time":           (*Handlers).handleServerTime,
	"subscriptions":         (*Handlers).handleSubscriptions,
	"metrics":               (*Handlers).handleMetrics,
	"subscribe":             (*Handlers).handleSubscribe,
	"unsubscribe":           (*Handlers).handleUnsubscribe,
	"klines":                (*Handlers).handleKlines,
	"quotes":                (*Handlers).handleQuotes,
	"search_symbols":        (*Handlers).handleSearchSymbols,
	"resolve_symbol":        (*Handlers).handleResolveSymbol,
	"exchange_info":         (*Handlers).handleExchangeInfo,
	"get_spot_account":      (*Handlers).handleSpotAccount,
	"get_futures_account":   (*Handlers).handleFuturesAccount,
	"create_alert_config":   (*Handlers).handleCreateAlertConfig,
	"update_alert_config":   (*Handlers).handleUpdateAlertConfig,
	"delete_alert_config":   (*Handlers).handleDeleteAlertConfig,
	"enable_alert_config":   (*Handlers).handleEnableAlertConfig,
	"disable_alert_config":  (*Handlers).handleDisableAlertConfig,
	"list_alert_configs":    (*Handlers).handleListAlertConfigs,
	"list_signals":          (*Handlers).handleListSignals,
	"get_strategy_metadata": (*Handlers).handleStrategyMetadata,
}

// handleMessage is the read pump's entry point: validate the envelope,
// ack, then dispatch on data.type. Requests on one session are handled
// in arrival order.
func (h *Handlers) handleMessage(s *Session, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		h.metrics.request("invalid", "error")
		s.sendError("", CodeInvalidRequest, "malformed frame: "+err.Error())
		return
	}
	if req.ProtocolVersion != ProtocolVersion {
		h.metrics.request("invalid", "error")
		s.sendError(req.RequestID, CodeInvalidRequest, "unsupported protocolVersion")
		return
	}
	if req.RequestID == "" {
		h.metrics.request("invalid", "error")
		s.sendError("", CodeInvalidRequest, "requestId required")
		return
	}
	switch req.Action {
	case ActionGet, ActionSubscribe, ActionUnsubscribe:
	default:
		h.metrics.request("invalid", "error")
		s.sendError(req.RequestID, CodeInvalidRequest, "unknown action "+req.Action)
		return
	}

	s.sendAck(req.RequestID)

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(req.Data, &head); err != nil || head.Type == "" {
		h.metrics.request("invalid", "error")
		s.sendError(req.RequestID, CodeInvalidRequest, "data.type required")
		return
	}
	fn, ok := handlerTable[head.Type]
	if !ok {
		h.metrics.request(head.Type, "error")
		s.sendError(req.RequestID, CodeUnknownType, "unknown data.type "+head.Type)
		return
	}
	fn(h, s, &req)
	h.metrics.request(head.Type, "handled")
}

func (h *Handlers) reqCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// storeErrCode maps a store error onto the wire vocabulary.
func storeErrCode(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return CodeNotFound
	}
	return CodeStoreUnavailable
}

// exchangeAllowed reports whether subscriptions may target the key.
// Gateway-local signal keys are always allowed.
func (h *Handlers) exchangeAllowed(k streamkey.Key) bool {
	if k.Local() {
		return true
	}
	for _, ex := range h.cfg.Exchanges {
		if k.Exchange == ex {
			return true
		}
	}
	return false
}

// splitSymbol splits a possibly exchange-qualified symbol. A bare
// symbol defaults to the first configured exchange.
func (h *Handlers) splitSymbol(s string) (exchange, symbol string) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	if len(h.cfg.Exchanges) > 0 {
		return h.cfg.Exchanges[0], s
	}
	return "", s
}

// --- local reads -----------------------------------------------------

func (h *Handlers) handleConfig(s *Session, req *Request) {
	s.sendSuccess(req.RequestID, map[string]interface{}{
		"protocolVersion":  ProtocolVersion,
		"serverVersion":    version.Version,
		"exchanges":        h.cfg.Exchanges,
		"intervals":        streamkey.Intervals(),
		"pingIntervalMs":   h.cfg.PingInterval.Milliseconds(),
		"pingTimeoutMs":    h.cfg.PingTimeout.Milliseconds(),
		"outboundCapacity": h.cfg.OutboundCapacity,
	})
}

func (h *Handlers) handleServerTime(s *Session, req *Request) {
	s.sendSuccess(req.RequestID, map[string]interface{}{
		"serverTime": time.Now().UnixMilli(),
	})
}

func (h *Handlers) handleSubscriptions(s *Session, req *Request) {
	s.sendSuccess(req.RequestID, map[string]interface{}{
		"keys": h.hub.sessionKeys(s.ID),
	})
}

func (h *Handlers) handleMetrics(s *Session, req *Request) {
	stats := h.hub.Stats()
	s.sendSuccess(req.RequestID, map[string]interface{}{
		"sessions":      stats.Sessions,
		"keys":          stats.Keys,
		"subscriptions": stats.Subscriptions,
		"pendingTasks":  h.correlator.PendingCount(),
		"uptimeS":       int64(time.Since(h.started).Seconds()),
		"version":       version.Version,
	})
}

// --- subscriptions ---------------------------------------------------

type subscribeBody struct {
	Keys []string `json:"keys"`
}

type rejectedKey struct {
	Key     string `json:"key"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handlers) handleSubscribe(s *Session, req *Request) {
	var body subscribeBody
	if err := json.Unmarshal(req.Data, &body); err != nil || len(body.Keys) == 0 {
		s.sendError(req.RequestID, CodeInvalidRequest, "keys required")
		return
	}
	accepted := make([]string, 0, len(body.Keys))
	var rejected []rejectedKey
	for _, raw := range body.Keys {
		k, err := streamkey.Parse(raw)
		if err != nil {
			rejected = append(rejected, rejectedKey{Key: raw, Code: CodeUnknownKey, Message: err.Error()})
			continue
		}
		if !h.exchangeAllowed(k) {
			rejected = append(rejected, rejectedKey{Key: raw, Code: CodeUnknownKey, Message: "unsupported exchange " + k.Exchange})
			continue
		}
		canon := k.String()
		// Index first so no event between the registry commit and the
		// index update can be missed; duplicates are idempotent.
		if !h.hub.subscribe(s, canon) {
			accepted = append(accepted, canon)
			continue
		}
		ctx, cancel := h.reqCtx()
		_, err = h.store.Acquire(ctx, s.ID, canon)
		cancel()
		if err != nil {
			h.hub.unsubscribe(s, canon)
			h.logger.WithError(err).WithField("key", canon).Error("Registry acquire failed")
			rejected = append(rejected, rejectedKey{Key: raw, Code: CodeStoreUnavailable, Message: "registry unavailable"})
			continue
		}
		accepted = append(accepted, canon)
	}
	if len(accepted) == 0 && len(rejected) > 0 {
		s.sendError(req.RequestID, rejected[0].Code, rejected[0].Message)
		return
	}
	s.sendSuccess(req.RequestID, map[string]interface{}{
		"accepted": accepted,
		"rejected": rejected,
	})
}

func (h *Handlers) handleUnsubscribe(s *Session, req *Request) {
	var body subscribeBody
	if err := json.Unmarshal(req.Data, &body); err != nil || len(body.Keys) == 0 {
		s.sendError(req.RequestID, CodeInvalidRequest, "keys required")
		return
	}
	accepted := make([]string, 0, len(body.Keys))
	var rejected []rejectedKey
	for _, raw := range body.Keys {
		k, err := streamkey.Parse(raw)
		if err != nil {
			rejected = append(rejected, rejectedKey{Key: raw, Code: CodeUnknownKey, Message: err.Error()})
			continue
		}
		canon := k.String()
		if h.hub.unsubscribe(s, canon) {
			ctx, cancel := h.reqCtx()
			_, err = h.store.Release(ctx, s.ID, canon)
			cancel()
			if err != nil {
				// Registry row lingers; disconnect teardown or a clean
				// sweep reconciles it.
				h.logger.WithError(err).WithField("key", canon).Error("Registry release failed")
			}
		}
		// Unsubscribing an unheld key succeeds idempotently.
		accepted = append(accepted, canon)
	}
	if len(accepted) == 0 && len(rejected) > 0 {
		s.sendError(req.RequestID, rejected[0].Code, rejected[0].Message)
		return
	}
	s.sendSuccess(req.RequestID, map[string]interface{}{
		"accepted": accepted,
		"rejected": rejected,
	})
}

// --- one-shot task requests ------------------------------------------

// startTask registers the completion watch, then inserts the task. The
// watch goes first so the completion notification can never race past
// it; the terminal response arrives via the correlator.
func (h *Handlers) startTask(s *Session, req *Request, taskType models.TaskType, payload models.JSONB) {
	taskID := uuid.New().String()
	h.correlator.Track(taskID, s, req.RequestID, taskType.Deadline())
	ctx, cancel := h.reqCtx()
	defer cancel()
	err := h.store.EnqueueTaskWithID(ctx, taskID, taskType, payload,
		store.TaskOrigin{SessionID: s.ID, RequestID: req.RequestID})
	if err != nil {
		h.correlator.Untrack(taskID)
		h.logger.WithError(err).WithField("type", string(taskType)).Error("Task enqueue failed")
		s.sendError(req.RequestID, CodeStoreUnavailable, "could not queue request")
	}
}

type klinesBody struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	From     int64  `json:"from"`
	To       int64  `json:"to"`
	Limit    int    `json:"limit"`
}

func (h *Handlers) handleKlines(s *Session, req *Request) {
	var body klinesBody
	if err := json.Unmarshal(req.Data, &body); err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, "malformed klines request")
		return
	}
	exchange, symbol := h.splitSymbol(body.Symbol)
	if symbol == "" {
		s.sendError(req.RequestID, CodeInvalidRequest, "symbol required")
		return
	}
	if !streamkey.ValidInterval(body.Interval) {
		s.sendError(req.RequestID, CodeInvalidRequest, "unknown interval "+body.Interval)
		return
	}
	if body.From < 0 || body.To < 0 || (body.To > 0 && body.From > body.To) {
		s.sendError(req.RequestID, CodeInvalidRequest, "bad time range")
		return
	}
	h.startTask(s, req, models.TaskFetchHistory, models.JSONB{
		"exchange": exchange,
		"symbol":   symbol,
		"interval": body.Interval,
		"from":     body.From,
		"to":       body.To,
		"limit":    body.Limit,
	})
}

type symbolBody struct {
	Symbol     string `json:"symbol"`
	MarketType string `json:"marketType"`
}

func marketTypeOrDefault(mt string) string {
	mt = strings.ToUpper(strings.TrimSpace(mt))
	if mt == "" {
		return models.MarketSpot
	}
	return mt
}

func (h *Handlers) handleQuotes(s *Session, req *Request) {
	var body symbolBody
	if err := json.Unmarshal(req.Data, &body); err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, "malformed quotes request")
		return
	}
	exchange, symbol := h.splitSymbol(body.Symbol)
	if symbol == "" {
		s.sendError(req.RequestID, CodeInvalidRequest, "symbol required")
		return
	}
	h.startTask(s, req, models.TaskFetchQuotes, models.JSONB{
		"exchange": exchange,
		"symbol":   symbol,
	})
}

type searchBody struct {
	Query      string `json:"query"`
	MarketType string `json:"marketType"`
	Limit      int    `json:"limit"`
}

func (h *Handlers) handleSearchSymbols(s *Session, req *Request) {
	var body searchBody
	if err := json.Unmarshal(req.Data, &body); err != nil || strings.TrimSpace(body.Query) == "" {
		s.sendError(req.RequestID, CodeInvalidRequest, "query required")
		return
	}
	exchange := ""
	if len(h.cfg.Exchanges) > 0 {
		exchange = h.cfg.Exchanges[0]
	}
	h.startTask(s, req, models.TaskSearchSymbols, models.JSONB{
		"exchange":    exchange,
		"market_type": marketTypeOrDefault(body.MarketType),
		"query":       strings.ToUpper(strings.TrimSpace(body.Query)),
		"limit":       body.Limit,
	})
}

func (h *Handlers) handleResolveSymbol(s *Session, req *Request) {
	var body symbolBody
	if err := json.Unmarshal(req.Data, &body); err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, "malformed resolve_symbol request")
		return
	}
	exchange, symbol := h.splitSymbol(body.Symbol)
	if symbol == "" {
		s.sendError(req.RequestID, CodeInvalidRequest, "symbol required")
		return
	}
	h.startTask(s, req, models.TaskResolveSymbol, models.JSONB{
		"exchange":    exchange,
		"symbol":      symbol,
		"market_type": marketTypeOrDefault(body.MarketType),
	})
}

type marketBody struct {
	MarketType string `json:"marketType"`
}

func (h *Handlers) handleExchangeInfo(s *Session, req *Request) {
	var body marketBody
	if err := json.Unmarshal(req.Data, &body); err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, "malformed exchange_info request")
		return
	}
	exchange := ""
	if len(h.cfg.Exchanges) > 0 {
		exchange = h.cfg.Exchanges[0]
	}
	h.startTask(s, req, models.TaskFetchExchangeInfo, models.JSONB{
		"exchange":    exchange,
		"market_type": marketTypeOrDefault(body.MarketType),
	})
}

func (h *Handlers) handleSpotAccount(s *Session, req *Request) {
	h.startTask(s, req, models.TaskGetSpotAccount, models.JSONB{})
}

func (h *Handlers) handleFuturesAccount(s *Session, req *Request) {
	h.startTask(s, req, models.TaskGetFuturesAccount, models.JSONB{})
}

// --- alert configs and signals ---------------------------------------

type alertBody struct {
	AlertID  string       `json:"alertId"`
	Name     string       `json:"name"`
	Symbol   string       `json:"symbol"`
	Interval string       `json:"interval"`
	Strategy string       `json:"strategy"`
	Enabled  *bool        `json:"enabled"`
	Config   models.JSONB `json:"config"`
}

func (h *Handlers) sendAlertConfig(s *Session, req *Request, cfg *models.AlertConfig) {
	payload, err := camelizeValue(cfg)
	if err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, "response serialization failed")
		return
	}
	s.sendSuccess(req.RequestID, map[string]interface{}{"alertConfig": payload})
}

func (h *Handlers) handleCreateAlertConfig(s *Session, req *Request) {
	var body alertBody
	if err := json.Unmarshal(req.Data, &body); err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, "malformed alert config")
		return
	}
	if body.Interval != "" && !streamkey.ValidInterval(body.Interval) {
		s.sendError(req.RequestID, CodeInvalidRequest, "unknown interval "+body.Interval)
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	cfg := &models.AlertConfig{
		ID:       uuid.New().String(),
		Name:     strings.TrimSpace(body.Name),
		Symbol:   strings.ToUpper(strings.TrimSpace(body.Symbol)),
		Interval: body.Interval,
		Strategy: body.Strategy,
		Enabled:  enabled,
		Config:   body.Config,
	}
	if err := cfg.Validate(); err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, err.Error())
		return
	}
	ctx, cancel := h.reqCtx()
	defer cancel()
	if err := h.store.CreateAlertConfig(ctx, cfg); err != nil {
		h.logger.WithError(err).Error("Alert config create failed")
		s.sendError(req.RequestID, CodeStoreUnavailable, "could not store alert config")
		return
	}
	h.sendAlertConfig(s, req, cfg)
}

func (h *Handlers) handleUpdateAlertConfig(s *Session, req *Request) {
	var body alertBody
	if err := json.Unmarshal(req.Data, &body); err != nil || body.AlertID == "" {
		s.sendError(req.RequestID, CodeInvalidRequest, "alertId required")
		return
	}
	if body.Interval != "" && !streamkey.ValidInterval(body.Interval) {
		s.sendError(req.RequestID, CodeInvalidRequest, "unknown interval "+body.Interval)
		return
	}
	ctx, cancel := h.reqCtx()
	defer cancel()
	cfg, err := h.store.GetAlertConfig(ctx, body.AlertID)
	if err != nil {
		s.sendError(req.RequestID, storeErrCode(err), "alert config "+body.AlertID+" not loadable")
		return
	}
	if body.Name != "" {
		cfg.Name = strings.TrimSpace(body.Name)
	}
	if body.Symbol != "" {
		cfg.Symbol = strings.ToUpper(strings.TrimSpace(body.Symbol))
	}
	if body.Interval != "" {
		cfg.Interval = body.Interval
	}
	if body.Strategy != "" {
		cfg.Strategy = body.Strategy
	}
	if body.Enabled != nil {
		cfg.Enabled = *body.Enabled
	}
	if body.Config != nil {
		cfg.Config = body.Config
	}
	if err := h.store.UpdateAlertConfig(ctx, cfg); err != nil {
		s.sendError(req.RequestID, storeErrCode(err), "could not update alert config")
		return
	}
	h.sendAlertConfig(s, req, cfg)
}

func (h *Handlers) handleDeleteAlertConfig(s *Session, req *Request) {
	var body alertBody
	if err := json.Unmarshal(req.Data, &body); err != nil || body.AlertID == "" {
		s.sendError(req.RequestID, CodeInvalidRequest, "alertId required")
		return
	}
	ctx, cancel := h.reqCtx()
	defer cancel()
	if err := h.store.DeleteAlertConfig(ctx, body.AlertID); err != nil {
		s.sendError(req.RequestID, storeErrCode(err), "could not delete alert config")
		return
	}
	s.sendSuccess(req.RequestID, map[string]interface{}{
		"alertId": body.AlertID,
		"deleted": true,
	})
}

func (h *Handlers) setAlertEnabled(s *Session, req *Request, enabled bool) {
	var body alertBody
	if err := json.Unmarshal(req.Data, &body); err != nil || body.AlertID == "" {
		s.sendError(req.RequestID, CodeInvalidRequest, "alertId required")
		return
	}
	ctx, cancel := h.reqCtx()
	defer cancel()
	cfg, err := h.store.SetAlertConfigEnabled(ctx, body.AlertID, enabled)
	if err != nil {
		s.sendError(req.RequestID, storeErrCode(err), "could not update alert config")
		return
	}
	h.sendAlertConfig(s, req, cfg)
}

func (h *Handlers) handleEnableAlertConfig(s *Session, req *Request) {
	h.setAlertEnabled(s, req, true)
}

func (h *Handlers) handleDisableAlertConfig(s *Session, req *Request) {
	h.setAlertEnabled(s, req, false)
}

func (h *Handlers) handleListAlertConfigs(s *Session, req *Request) {
	ctx, cancel := h.reqCtx()
	defer cancel()
	configs, err := h.store.ListAlertConfigs(ctx)
	if err != nil {
		s.sendError(req.RequestID, CodeStoreUnavailable, "could not list alert configs")
		return
	}
	payload, err := camelizeValue(configs)
	if err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, "response serialization failed")
		return
	}
	s.sendSuccess(req.RequestID, map[string]interface{}{"alertConfigs": payload})
}

type signalsBody struct {
	AlertID string `json:"alertId"`
	Limit   int    `json:"limit"`
	After   string `json:"after"`
}

func (h *Handlers) handleListSignals(s *Session, req *Request) {
	var body signalsBody
	if err := json.Unmarshal(req.Data, &body); err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, "malformed list_signals request")
		return
	}
	params, err := pagination.Parse(body.Limit, body.After)
	if err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, err.Error())
		return
	}
	ctx, cancel := h.reqCtx()
	defer cancel()
	signals, page, err := h.store.ListSignals(ctx, body.AlertID, params)
	if err != nil {
		s.sendError(req.RequestID, CodeStoreUnavailable, "could not list signals")
		return
	}
	payload, err := camelizeValue(signals)
	if err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, "response serialization failed")
		return
	}
	pageInfo, err := camelizeValue(page)
	if err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, "response serialization failed")
		return
	}
	s.sendSuccess(req.RequestID, map[string]interface{}{
		"signals":  payload,
		"pageInfo": pageInfo,
	})
}

func (h *Handlers) handleStrategyMetadata(s *Session, req *Request) {
	ctx, cancel := h.reqCtx()
	defer cancel()
	strategies, err := h.store.ListStrategyMetadata(ctx)
	if err != nil {
		s.sendError(req.RequestID, CodeStoreUnavailable, "could not list strategies")
		return
	}
	payload, err := camelizeValue(strategies)
	if err != nil {
		s.sendError(req.RequestID, CodeInvalidRequest, "response serialization failed")
		return
	}
	s.sendSuccess(req.RequestID, map[string]interface{}{"strategies": payload})
}
