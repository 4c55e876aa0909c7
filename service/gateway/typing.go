package gateway

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type TypingConf struct {
	IdleStop time.Duration // implicit stop after no typing activity (default 4s)
	Clock    clock.Clock
}

func (c *TypingConf) norm() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.IdleStop <= 0 {
		c.IdleStop = 4 * time.Second
	}
}

type typingKey struct {
	userID string
	roomID string
}

// TypingCoordinator relays typing indicators and owns one cancellable timer
// per (user, room) that fires an implicit stop after the idle window. The
// timer is reset by every typing event and cancelled on explicit stop or
// disconnect, so it can never fire against a gone session.
type TypingCoordinator struct {
	mu        sync.Mutex
	timers    map[typingKey]*clock.Timer
	conf      TypingConf
	broadcast func(userID, roomID string, typing bool)
}

func NewTypingCoordinator(conf TypingConf, broadcast func(userID, roomID string, typing bool)) *TypingCoordinator {
	conf.norm()
	return &TypingCoordinator{
		timers:    make(map[typingKey]*clock.Timer),
		conf:      conf,
		broadcast: broadcast,
	}
}

// Start relays typing-start and (re)arms the implicit stop timer.
func (t *TypingCoordinator) Start(userID, roomID string) {
	key := typingKey{userID, roomID}
	t.mu.Lock()
	if tm := t.timers[key]; tm != nil {
		tm.Stop()
	}
	t.timers[key] = t.conf.Clock.AfterFunc(t.conf.IdleStop, func() {
		t.implicitStop(key)
	})
	t.mu.Unlock()

	t.broadcast(userID, roomID, true)
}

// Stop relays an explicit typing-stop and cancels the pending timer.
func (t *TypingCoordinator) Stop(userID, roomID string) {
	key := typingKey{userID, roomID}
	t.mu.Lock()
	tm := t.timers[key]
	if tm != nil {
		tm.Stop()
		delete(t.timers, key)
	}
	t.mu.Unlock()

	// relay even without a pending timer: an explicit stop may race the
	// implicit one and peers tolerate duplicate stops
	t.broadcast(userID, roomID, false)
}

func (t *TypingCoordinator) implicitStop(key typingKey) {
	t.mu.Lock()
	if _, ok := t.timers[key]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.timers, key)
	t.mu.Unlock()

	t.broadcast(key.userID, key.roomID, false)
}

// CancelUser drops every pending timer for a user when their last session
// goes away, broadcasting a final stop for rooms still marked typing.
func (t *TypingCoordinator) CancelUser(userID string) {
	t.mu.Lock()
	var stopped []typingKey
	for key, tm := range t.timers {
		if key.userID == userID {
			tm.Stop()
			delete(t.timers, key)
			stopped = append(stopped, key)
		}
	}
	t.mu.Unlock()

	for _, key := range stopped {
		t.broadcast(key.userID, key.roomID, false)
	}
}
