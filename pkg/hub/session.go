package hub

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrSessionClosed indicates the session's transport is no longer writable.
var ErrSessionClosed = errors.New("hub: session closed")

// Conn is the transport surface a session needs. *websocket.Conn satisfies
// it; tests substitute fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one open client connection. It holds no server-side state
// beyond the transport; the shared text buffer lives on the Hub.
type Session struct {
	id   string
	conn Conn

	// mu serializes writes; the websocket transport allows one writer.
	mu     sync.Mutex
	closed bool
}

// NewSession wraps a transport in a session with a fresh identity.
func NewSession(conn Conn) *Session {
	return &Session{id: uuid.NewString(), conn: conn}
}

// ID returns the session identity, used only for logging.
func (s *Session) ID() string { return s.id }

// Send marshals v and writes it as one text frame.
func (s *Session) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw writes one pre-serialized text frame. A write failure marks the
// session closed; further sends return ErrSessionClosed.
func (s *Session) SendRaw(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.closed = true
		return err
	}
	return nil
}

// Close marks the session closed and closes the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
