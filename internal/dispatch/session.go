package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

const (
	// writeWait is the deadline for a single outbound write.
	writeWait = 10 * time.Second

	// pongWait is how long a device may stay silent before the read side
	// gives up on the connection. pingPeriod must be shorter than pongWait.
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// maxMessageSize bounds inbound frames. Result payloads are the largest
	// legitimate messages.
	maxMessageSize = 4 << 20

	sendBufferSize = 16
)

var ErrSessionClosed = errors.New("dispatch session is closed")

// Session is one live dispatch connection of a device. All writes go through
// the send buffer so the write pump is the only goroutine touching the
// connection's write side.
type Session struct {
	ID       string
	DeviceID string
	UserID   string

	conn      *websocket.Conn
	send      chan *Envelope
	done      chan struct{}
	closeOnce sync.Once

	mu              sync.Mutex
	activeSubtaskID string
}

func newSession(conn *websocket.Conn, deviceID, userID string) *Session {
	return &Session{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		UserID:   userID,
		conn:     conn,
		send:     make(chan *Envelope, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// Reserve marks the session as executing subtaskID. It refuses when a
// different subtask is already outstanding, so at most one pushed execution
// is in flight per device.
func (s *Session) Reserve(subtaskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSubtaskID != "" && s.activeSubtaskID != subtaskID {
		return false
	}
	s.activeSubtaskID = subtaskID
	return true
}

// Release clears the outstanding reservation if it still names subtaskID.
func (s *Session) Release(subtaskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSubtaskID == subtaskID {
		s.activeSubtaskID = ""
	}
}

// ActiveSubtaskID returns the subtask currently reserved on this session, or
// the empty string when the device is idle.
func (s *Session) ActiveSubtaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSubtaskID
}

// Send enqueues an envelope for the write pump. It never blocks: a full
// buffer means the device stopped draining and the session is better torn
// down than stalled.
func (s *Session) Send(envelope *Envelope) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.send <- envelope:
		return nil
	default:
		return errors.New("session send buffer is full")
	}
}

// Close tears the connection down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) writePump(ctx context.Context) {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case envelope := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(envelope); err != nil {
				log.Ctx(ctx).Warnf("writing %s to device %s: %v", envelope.Method, s.DeviceID, err)
				return
			}
		case <-pingTicker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump owns the read side until the connection dies. Every pong and
// every inbound envelope refreshes the read deadline.
func (s *Session) readPump(ctx context.Context, onEnvelope func(*Envelope), onPong func()) {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		onPong()
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var envelope Envelope
		if err := s.conn.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Ctx(ctx).Warnf("dispatch connection of device %s dropped: %v", s.DeviceID, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		onEnvelope(&envelope)
	}
}
