// Package gateway terminates client WebSocket sessions for floorman.
// It speaks a framed JSON protocol (camelCase on the wire), owns the
// per-session subscription state, and bridges store notifications and
// task completions back onto the right sessions.
package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mj2154/tickbus/pkg/models"
)

// ProtocolVersion is the only wire version this gateway speaks.
const ProtocolVersion = 1

// Client-initiated actions.
const (
	ActionGet         = "get"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Server-initiated actions. Every request gets an ack and then exactly
// one success or error; update frames are pushes and carry no requestId.
const (
	ActionAck     = "ack"
	ActionSuccess = "success"
	ActionError   = "error"
	ActionUpdate  = "update"
)

// Canonical error codes.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeUnknownType       = "UNKNOWN_TYPE"
	CodeUnknownKey        = "UNKNOWN_KEY"
	CodeNotSubscribed     = "NOT_SUBSCRIBED"
	CodeNotFound          = "NOT_FOUND"
	CodeUpstream          = "UPSTREAM"
	CodeUpstreamTransient = "UPSTREAM_TRANSIENT"
	CodeUpstreamPermanent = "UPSTREAM_PERMANENT"
	CodeTimeout           = "TIMEOUT"
	CodeSlowConsumer      = "SLOW_CONSUMER"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
)

// data.type values on update frames.
const (
	UpdateKline       = "kline"
	UpdateQuote       = "quote"
	UpdateTrade       = "trade"
	UpdateDepth       = "depth"
	UpdateAccount     = "account"
	UpdateAlertConfig = "alert_config"
	UpdateSignal      = "signal"
)

// Request is the envelope of every inbound client frame. Data stays raw
// until the handler for data.type decodes its own body.
type Request struct {
	ProtocolVersion int             `json:"protocolVersion"`
	Action          string          `json:"action"`
	RequestID       string          `json:"requestId"`
	Timestamp       int64           `json:"timestamp"`
	Data            json.RawMessage `json:"data"`
}

// Response is the envelope of every outbound frame.
type Response struct {
	ProtocolVersion int         `json:"protocolVersion"`
	Action          string      `json:"action"`
	RequestID       string      `json:"requestId,omitempty"`
	Timestamp       int64       `json:"timestamp"`
	Data            interface{} `json:"data,omitempty"`
	Error           *WireError  `json:"error,omitempty"`
}

// WireError is the error object on error frames.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newResponse(action, requestID string) Response {
	return Response{
		ProtocolVersion: ProtocolVersion,
		Action:          action,
		RequestID:       requestID,
		Timestamp:       time.Now().UnixMilli(),
	}
}

// NewAck frames the immediate receipt acknowledgement for a request.
func NewAck(requestID string) ([]byte, error) {
	return json.Marshal(newResponse(ActionAck, requestID))
}

// NewSuccess frames the terminal success response for a request.
func NewSuccess(requestID string, data interface{}) ([]byte, error) {
	resp := newResponse(ActionSuccess, requestID)
	resp.Data = data
	return json.Marshal(resp)
}

// NewErrorFrame frames the terminal error response for a request. An
// empty requestID is allowed for connection-level errors (parse
// failures, slow-consumer closes).
func NewErrorFrame(requestID, code, message string) ([]byte, error) {
	resp := newResponse(ActionError, requestID)
	resp.Error = &WireError{Code: code, Message: message}
	return json.Marshal(resp)
}

// NewUpdate frames a push for a subscription key. Payload is camelized
// here so store shapes never leak snake_case onto the wire.
func NewUpdate(updateType, key string, payload interface{}) ([]byte, error) {
	resp := newResponse(ActionUpdate, "")
	resp.Data = map[string]interface{}{
		"type":    updateType,
		"key":     key,
		"payload": CamelizeKeys(payload),
	}
	return json.Marshal(resp)
}

// CamelizeKeys rewrites snake_case object keys to camelCase, walking
// nested objects and arrays. Keys without underscores (asset codes,
// symbols, already-camel keys) pass through untouched. Applied once at
// the serialization boundary; internal shapes stay snake_case.
func CamelizeKeys(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[snakeToCamel(k)] = CamelizeKeys(inner)
		}
		return out
	case models.JSONB:
		return CamelizeKeys(map[string]interface{}(val))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = CamelizeKeys(inner)
		}
		return out
	default:
		return v
	}
}

// camelizeValue marshals any value through JSON and camelizes the
// result, for payloads that are typed structs rather than JSONB maps.
func camelizeValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return CamelizeKeys(decoded), nil
}

func snakeToCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	parts := strings.Split(s, "_")
	var b strings.Builder
	wrote := false
	for _, p := range parts {
		if p == "" {
			continue
		}
		if !wrote {
			b.WriteString(p)
			wrote = true
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	if !wrote {
		return s
	}
	return b.String()
}

// taskErrorCode maps a failed task's error code onto the wire error
// vocabulary.
func taskErrorCode(code string) string {
	switch code {
	case models.TaskErrTimeout:
		return CodeTimeout
	case models.TaskErrRateLimited:
		return CodeUpstreamTransient
	case models.TaskErrBadRequest, models.TaskErrUnauthorized:
		return CodeUpstreamPermanent
	case models.TaskErrNotFound:
		return CodeNotFound
	case models.TaskErrUpstream, models.TaskErrInternal:
		return CodeUpstream
	default:
		if code == "" {
			return CodeUpstream
		}
		return code
	}
}
