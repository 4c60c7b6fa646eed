// Package session provides the process-wide registry mapping session
// identifiers to active streaming connections.
package session

import (
	"errors"
	"sync"
	"time"
)

// Session errors
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionDisconnected = errors.New("session is disconnected")
	ErrMessageChannelFull  = errors.New("session message channel is full")
)

// messageBuffer is the per-session outbound queue depth.
const messageBuffer = 100

// StreamSession is one admitted streaming connection. The registry is
// its sole owner; it is created on connection accept and destroyed when
// the connection closes.
type StreamSession struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	messageCh    chan string
	disconnected bool
}

func newStreamSession(id string) *StreamSession {
	return &StreamSession{
		id:        id,
		createdAt: time.Now(),
		messageCh: make(chan string, messageBuffer),
	}
}

// ID returns the session identifier.
func (s *StreamSession) ID() string { return s.id }

// CreatedAt returns when the session was admitted.
func (s *StreamSession) CreatedAt() time.Time { return s.createdAt }

// Messages returns the channel the connection handler drains. The
// channel is closed when the session disconnects.
func (s *StreamSession) Messages() <-chan string { return s.messageCh }

// Send queues one message for delivery to the connection. It never
// blocks: a full queue or a disconnected session is reported as an error.
func (s *StreamSession) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disconnected {
		return ErrSessionDisconnected
	}

	select {
	case s.messageCh <- msg:
		return nil
	default:
		return ErrMessageChannelFull
	}
}

// Disconnect marks the session closed and releases its message channel.
// Safe to call more than once.
func (s *StreamSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disconnected {
		return
	}
	s.disconnected = true
	close(s.messageCh)
}
