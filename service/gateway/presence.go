package gateway

import (
	"sync"
	"time"

	"EProject/logger"

	"github.com/benbjohnson/clock"
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceEvent fires only on OFFLINE<->ONLINE edge transitions, never on
// every connect of an already-online multi-device user.
type PresenceEvent struct {
	UserID     string
	Status     PresenceStatus
	LastSeenAt time.Time
}

type PresenceConf struct {
	Debounce time.Duration // offline grace absorbing reconnect flaps (default 2s)
	Clock    clock.Clock
}

func (c *PresenceConf) norm() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
}

type userPresence struct {
	online   bool
	lastSeen time.Time
	offTimer *clock.Timer // pending offline debounce, nil when none
	retry    bool         // lookup failed mid-transition, retry on next sweep
}

// PresenceTracker derives one authoritative online/offline record per user
// from registry edge transitions. It owns all debounce timers; they touch
// connection state only through the injected session counter.
type PresenceTracker struct {
	mu     sync.Mutex
	users  map[string]*userPresence
	conf   PresenceConf
	counts func(userID string) (int, error) // live session count lookup
	emit   func(PresenceEvent)
}

func NewPresenceTracker(conf PresenceConf, counts func(string) (int, error), emit func(PresenceEvent)) *PresenceTracker {
	conf.norm()
	return &PresenceTracker{
		users:  make(map[string]*userPresence),
		conf:   conf,
		counts: counts,
		emit:   emit,
	}
}

// SessionOpened is the registry register hook.
func (p *PresenceTracker) SessionOpened(userID string) {
	var ev *PresenceEvent
	p.mu.Lock()
	u := p.users[userID]
	if u == nil {
		u = &userPresence{}
		p.users[userID] = u
	}
	now := p.conf.Clock.Now()
	u.lastSeen = now
	if u.offTimer != nil {
		// reconnect flap inside the debounce window: absorb, no event
		u.offTimer.Stop()
		u.offTimer = nil
	}
	if !u.online {
		u.online = true
		ev = &PresenceEvent{UserID: userID, Status: PresenceOnline, LastSeenAt: now}
	}
	p.mu.Unlock()

	if ev != nil {
		p.emit(*ev)
	}
}

// SessionClosed is the registry deregister hook. remaining is the user's
// session count after removal; only the last session arms the debounce.
func (p *PresenceTracker) SessionClosed(userID string, remaining int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.users[userID]
	if u == nil || !u.online {
		return
	}
	u.lastSeen = p.conf.Clock.Now()
	if remaining > 0 {
		return
	}
	if u.offTimer != nil {
		u.offTimer.Stop()
	}
	u.offTimer = p.conf.Clock.AfterFunc(p.conf.Debounce, func() {
		p.confirmOffline(userID)
	})
}

// confirmOffline re-checks the registry when the debounce fires. A lookup
// failure conservatively retains the previous value; the transition is
// retried on the next heartbeat sweep.
func (p *PresenceTracker) confirmOffline(userID string) {
	n, err := p.counts(userID)

	var ev *PresenceEvent
	p.mu.Lock()
	u := p.users[userID]
	if u == nil {
		p.mu.Unlock()
		return
	}
	u.offTimer = nil
	switch {
	case err != nil:
		u.retry = true
		logger.Warnf("[presence] count lookup failed user=%s err=%v, retaining %v", userID, err, u.online)
	case n > 0:
		// user came back while the timer was in flight
	case u.online:
		u.online = false
		u.retry = false
		ev = &PresenceEvent{UserID: userID, Status: PresenceOffline, LastSeenAt: u.lastSeen}
	}
	p.mu.Unlock()

	if ev != nil {
		p.emit(*ev)
	}
}

// Sweep retries transitions that were blocked by lookup failures. Wired to
// the gateway heartbeat tick.
func (p *PresenceTracker) Sweep() {
	p.mu.Lock()
	var pending []string
	for userID, u := range p.users {
		if u.retry {
			pending = append(pending, userID)
		}
	}
	p.mu.Unlock()

	for _, userID := range pending {
		p.confirmOffline(userID)
	}
}

// Snapshot returns every user currently considered online. Served to a
// freshly connected session so it starts with a coherent view.
func (p *PresenceTracker) Snapshot() []PresenceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PresenceEvent, 0, len(p.users))
	for userID, u := range p.users {
		if u.online {
			out = append(out, PresenceEvent{UserID: userID, Status: PresenceOnline, LastSeenAt: u.lastSeen})
		}
	}
	return out
}

// IsOnline reports the authoritative state for one user.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.users[userID]
	return u != nil && u.online
}
