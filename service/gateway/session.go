package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"EProject/logger"
)

// Conn is the slice of *websocket.Conn the registry needs. Tests substitute
// an in-memory implementation.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const binaryMessage = 2 // websocket.BinaryMessage, avoids importing gorilla here

// Session is one live authenticated connection. A user may hold several
// sessions at once (multi-device); each is registered and torn down
// independently. The registry is the only owner: nothing outside it may
// reach into ws directly.
type Session struct {
	ID          string
	UserID      string
	DisplayName string
	Roles       []string
	Remote      string
	JoinedAt    time.Time

	ws   Conn
	send chan []byte
	done chan struct{}

	lastActivity atomic.Int64 // unix milli

	closeOnce sync.Once

	// guarded by the registry lock
	rooms map[string]struct{}
}

func newSession(id string, ident Identity, ws Conn, remote string, queue int, now time.Time) *Session {
	s := &Session{
		ID:          id,
		UserID:      ident.UserID,
		DisplayName: ident.DisplayName,
		Roles:       ident.Roles,
		Remote:      remote,
		JoinedAt:    now,
		ws:          ws,
		send:        make(chan []byte, queue),
		done:        make(chan struct{}),
		rooms:       make(map[string]struct{}),
	}
	s.lastActivity.Store(now.UnixMilli())
	return s
}

// Touch refreshes the activity timestamp; called on every inbound frame and
// on pong.
func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixMilli())
}

func (s *Session) LastActivity() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

// Enqueue hands a payload to the session's writer queue without ever
// blocking the caller. When the queue is full the oldest entry is dropped
// first; if it is still full the frame is lost and false is returned so the
// registry can decide to cut the connection.
func (s *Session) Enqueue(data []byte) bool {
	select {
	case <-s.done:
		return true // closed sessions swallow sends, they are discarded anyway
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
	}
	// full: drop oldest, then retry once
	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// writeLoop is the single goroutine allowed to write to the socket. It ends
// when the session is closed; pending queue entries are discarded, never
// retried against a closed peer.
func (s *Session) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				logger.Debugf("[session] set write deadline sid=%s err=%v", s.ID, err)
			}
			if err := s.ws.WriteMessage(binaryMessage, data); err != nil {
				logger.Infof("[session] write err sid=%s user=%s err=%v", s.ID, s.UserID, err)
				return
			}
		}
	}
}

// closeLocked stops the writer and closes the socket. Idempotent.
func (s *Session) closeLocked() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ws != nil {
			_ = s.ws.Close()
		}
	})
}
