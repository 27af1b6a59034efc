// Package hub tracks open sessions, fans messages out to them, and owns the
// process-wide shared text buffer. Delivery is fire-and-forget: a session
// whose transport has closed is skipped, never queued for.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
)

// Hub is the session registry and broadcast surface.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}

	// text is the buffer being co-edited outside the named-file model.
	// The hub is its single writer surface; it is never persisted.
	text string

	bridge *Bridge
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{sessions: make(map[*Session]struct{})}
}

// Register adds a session to the fanout set.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a session. Safe to call for sessions never registered.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

// Len reports the number of registered sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Text returns the shared buffer.
func (h *Hub) Text() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.text
}

// SetText overwrites the shared buffer. Last writer wins.
func (h *Hub) SetText(s string) {
	h.mu.Lock()
	h.text = s
	h.mu.Unlock()
}

// Broadcast serializes v once and delivers it to every open session, then
// hands it to the Redis bridge when one is attached. Closed sessions are
// skipped and dropped from the registry; nothing is rolled back when part of
// the fanout fails.
func (h *Hub) Broadcast(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.broadcastLocal(data)
	if h.bridge != nil {
		h.bridge.Publish(ctx, data)
	}
	return nil
}

func (h *Hub) broadcastLocal(data []byte) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.SendRaw(data); err != nil {
			log.Printf("fanout: dropping session %s: %v", s.ID(), err)
			h.Unregister(s)
		}
	}
}

// Close closes the bridge and every remaining session.
func (h *Hub) Close() error {
	if h.bridge != nil {
		h.bridge.Close()
	}
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[*Session]struct{})
	h.mu.Unlock()
	for s := range sessions {
		_ = s.Close()
	}
	return nil
}
