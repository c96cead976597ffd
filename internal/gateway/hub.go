package gateway

import (
	"sort"
	"sync"

	"github.com/mj2154/tickbus/pkg/logging"
)

// Hub tracks connected sessions and the key -> sessions index used to
// fan live updates out. Registry rows in the store are the shared,
// durable view; the hub is this process's in-memory mirror for its own
// sessions, so delivery never touches the database.
type Hub struct {
	logger  logging.Logger
	metrics *Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	// byKey indexes sessions by subscription key for fan-out.
	byKey map[string]map[string]*Session
	// keysBySession is the reverse index, used for teardown and the
	// subscriptions read.
	keysBySession map[string]map[string]struct{}
}

// NewHub returns an empty hub.
func NewHub(logger logging.Logger, metrics *Metrics) *Hub {
	return &Hub{
		logger:        logger,
		metrics:       metrics,
		sessions:      make(map[string]*Session),
		byKey:         make(map[string]map[string]*Session),
		keysBySession: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.keysBySession[s.ID] = make(map[string]struct{})
	h.mu.Unlock()
	h.metrics.sessionOpened()
	h.logger.WithFields(logging.Fields{
		"session_id": s.ID,
		"remote":     s.Remote,
	}).Info("Session connected")
}

// unregister removes the session and returns the keys it still held.
func (h *Hub) unregister(s *Session) []string {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	held := h.keysBySession[s.ID]
	delete(h.keysBySession, s.ID)
	keys := make([]string, 0, len(held))
	for key := range held {
		keys = append(keys, key)
		if subs := h.byKey[key]; subs != nil {
			delete(subs, s.ID)
			if len(subs) == 0 {
				delete(h.byKey, key)
			}
		}
	}
	h.mu.Unlock()
	h.metrics.sessionClosed()
	h.logger.WithFields(logging.Fields{
		"session_id": s.ID,
		"keys_held":  len(keys),
	}).Info("Session disconnected")
	return keys
}

// subscribe adds the session to the key's fan-out set, reporting
// whether the membership is new for this session.
func (h *Hub) subscribe(s *Session, key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	held, ok := h.keysBySession[s.ID]
	if !ok {
		// Session already torn down.
		return false
	}
	if _, exists := held[key]; exists {
		return false
	}
	held[key] = struct{}{}
	subs := h.byKey[key]
	if subs == nil {
		subs = make(map[string]*Session)
		h.byKey[key] = subs
	}
	subs[s.ID] = s
	return true
}

// unsubscribe removes the membership, reporting whether it existed.
func (h *Hub) unsubscribe(s *Session, key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	held, ok := h.keysBySession[s.ID]
	if !ok {
		return false
	}
	if _, exists := held[key]; !exists {
		return false
	}
	delete(held, key)
	if subs := h.byKey[key]; subs != nil {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(h.byKey, key)
		}
	}
	return true
}

// sessionKeys returns the session's subscriptions, sorted.
func (h *Hub) sessionKeys(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	held := h.keysBySession[sessionID]
	keys := make([]string, 0, len(held))
	for key := range held {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Publish fans one frame out to every session subscribed to the key at
// this moment, returning the delivery count. The frame bytes are built
// once and shared; sessions apply their own backpressure policy.
func (h *Hub) Publish(key string, data []byte, droppable bool) int {
	h.mu.RLock()
	subs := h.byKey[key]
	targets := make([]*Session, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		s.enqueue(data, droppable)
	}
	return len(targets)
}

// HubStats is a point-in-time diagnostic snapshot.
type HubStats struct {
	Sessions      int `json:"sessions"`
	Keys          int `json:"keys"`
	Subscriptions int `json:"subscriptions"`
}

// Stats snapshots session and subscription counts.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, held := range h.keysBySession {
		total += len(held)
	}
	return HubStats{
		Sessions:      len(h.sessions),
		Keys:          len(h.byKey),
		Subscriptions: total,
	}
}

// CloseAll closes every session, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		s.Close()
	}
}
