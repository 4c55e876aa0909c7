package gateway

import (
	"sync"
	"time"

	"EProject/logger"
	errs "EProject/tools/errs"
	"EProject/tools/ids"

	"github.com/benbjohnson/clock"
)

// ===== config =====

type RegistryConf struct {
	SendQueueSize    int           // per-session outbound queue (default 256)
	WriteTimeout     time.Duration // per-frame write deadline (default 5s)
	IdleTTL          time.Duration // session expiry without activity (default 2m)
	SweepEvery       time.Duration // sweeper period (default 10s)
	MaxPerUser       int           // max concurrent sessions per user (<=0 unlimited)
	EvictOldest      bool          // above the cap: evict oldest instead of erroring
	DisconnectOnFull bool          // full send queue: cut the session instead of dropping
	Clock            clock.Clock   // injectable for tests; nil => wall clock
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 2 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
}

// ===== registry =====

// Registry is the single authoritative table of live sessions. Every other
// component goes through its API; nobody holds raw socket references.
type Registry struct {
	mu        sync.RWMutex
	bySession map[string]*Session
	byUser    map[string]map[string]*Session // userID -> sessionID -> session
	byRoom    map[string]map[string]*Session // roomID -> sessionID -> session
	bySocket  map[Conn]*Session              // physical socket -> session (idempotent register)

	conf     RegistryConf
	stopOnce sync.Once
	stopCh   chan struct{}

	// transition hooks, wired before serving starts
	onRegister   []func(s *Session, userSessions int)
	onDeregister []func(s *Session, userSessions int)
}

func NewRegistry(conf RegistryConf) *Registry {
	conf.norm()
	r := &Registry{
		bySession: make(map[string]*Session),
		byUser:    make(map[string]map[string]*Session),
		byRoom:    make(map[string]map[string]*Session),
		bySocket:  make(map[Conn]*Session),
		conf:      conf,
		stopCh:    make(chan struct{}),
	}
	go r.sweeper()
	return r
}

// OnRegister adds a hook fired after a session lands in the table. The count
// argument is the user's session count including the new one.
func (r *Registry) OnRegister(f func(s *Session, userSessions int)) {
	r.onRegister = append(r.onRegister, f)
}

// OnDeregister adds a hook fired after a session leaves the table. The count
// argument is the user's remaining session count.
func (r *Registry) OnDeregister(f func(s *Session, userSessions int)) {
	r.onDeregister = append(r.onDeregister, f)
}

// Register creates a session for an authenticated socket and starts its
// writer. Registering the same physical socket twice returns the existing
// session unchanged.
func (r *Registry) Register(ident Identity, ws Conn, remote string) (*Session, error) {
	if ident.UserID == "" || ws == nil {
		return nil, errs.New("user/conn empty")
	}
	now := r.conf.Clock.Now()

	r.mu.Lock()
	if existing, ok := r.bySocket[ws]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	if r.conf.MaxPerUser > 0 && len(r.byUser[ident.UserID]) >= r.conf.MaxPerUser {
		if !r.conf.EvictOldest {
			r.mu.Unlock()
			return nil, errs.New("session cap reached", "user", ident.UserID)
		}
		r.evictOldestLocked(ident.UserID)
	}

	s := newSession(ids.GenerateString(), ident, ws, remote, r.conf.SendQueueSize, now)
	r.bySession[s.ID] = s
	r.bySocket[ws] = s
	mm := r.byUser[s.UserID]
	if mm == nil {
		mm = make(map[string]*Session)
		r.byUser[s.UserID] = mm
	}
	mm[s.ID] = s
	count := len(mm)
	r.mu.Unlock()

	go s.writeLoop(r.conf.WriteTimeout)

	for _, f := range r.onRegister {
		f(s, count)
	}
	logger.Infof("[registry] register sid=%s user=%s remote=%s sessions=%d", s.ID, s.UserID, remote, count)
	return s, nil
}

// Deregister removes a session and closes its socket. It is idempotent and
// must run on every exit path of a connection's read loop, normal or not.
func (r *Registry) Deregister(sessionID string) {
	r.mu.Lock()
	s, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(s)
	remaining := len(r.byUser[s.UserID])
	r.mu.Unlock()

	s.closeLocked()
	for _, f := range r.onDeregister {
		f(s, remaining)
	}
	logger.Infof("[registry] deregister sid=%s user=%s remaining=%d", s.ID, s.UserID, remaining)
}

// caller holds r.mu
func (r *Registry) removeLocked(s *Session) {
	delete(r.bySession, s.ID)
	delete(r.bySocket, s.ws)
	if mm := r.byUser[s.UserID]; mm != nil {
		delete(mm, s.ID)
		if len(mm) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	for room := range s.rooms {
		if rm := r.byRoom[room]; rm != nil {
			delete(rm, s.ID)
			if len(rm) == 0 {
				delete(r.byRoom, room)
			}
		}
	}
}

// caller holds r.mu
func (r *Registry) evictOldestLocked(userID string) {
	var oldest *Session
	for _, s := range r.byUser[userID] {
		if oldest == nil || s.JoinedAt.Before(oldest.JoinedAt) {
			oldest = s
		}
	}
	if oldest != nil {
		r.removeLocked(oldest)
		go oldest.closeLocked()
		logger.Infof("[registry] evict oldest sid=%s user=%s", oldest.ID, userID)
	}
}

// Join subscribes a session to a room.
func (r *Registry) Join(sessionID, roomID string) error {
	if roomID == "" {
		return errs.New("room empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySession[sessionID]
	if !ok {
		return errs.New("session not found", "sid", sessionID)
	}
	s.rooms[roomID] = struct{}{}
	rm := r.byRoom[roomID]
	if rm == nil {
		rm = make(map[string]*Session)
		r.byRoom[roomID] = rm
	}
	rm[sessionID] = s
	return nil
}

// Leave unsubscribes a session from a room.
func (r *Registry) Leave(sessionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(s.rooms, roomID)
	if rm := r.byRoom[roomID]; rm != nil {
		delete(rm, sessionID)
		if len(rm) == 0 {
			delete(r.byRoom, roomID)
		}
	}
}

// Get returns a session by ID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySession[sessionID]
	return s, ok
}

// ListSessions returns all live sessions for a user.
func (r *Registry) ListSessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mm := r.byUser[userID]
	if len(mm) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(mm))
	for _, s := range mm {
		out = append(out, s)
	}
	return out
}

// SessionCount returns the user's live session count.
func (r *Registry) SessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// ListAll enumerates every live session. Broadcast-scoped, not for hot paths.
func (r *Registry) ListAll() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.bySession))
	for _, s := range r.bySession {
		out = append(out, s)
	}
	return out
}

// BroadcastRoom fans a payload out to every session subscribed to the room,
// minus excludeSessionID. Enumeration happens under the read lock, delivery
// outside it: a slow recipient only ever costs itself its own queue.
func (r *Registry) BroadcastRoom(roomID string, data []byte, excludeSessionID string) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.byRoom[roomID]))
	for sid, s := range r.byRoom[roomID] {
		if sid == excludeSessionID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	return r.deliver(targets, data)
}

// BroadcastRoomExcludingUser fans out to a room while skipping every session
// of one user. Typing indicators use this so a user's other devices do not
// see their own typing echoed back.
func (r *Registry) BroadcastRoomExcludingUser(roomID string, data []byte, excludeUserID string) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.byRoom[roomID]))
	for _, s := range r.byRoom[roomID] {
		if s.UserID == excludeUserID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	return r.deliver(targets, data)
}

// BroadcastUser fans a payload out to every session of one user.
func (r *Registry) BroadcastUser(userID string, data []byte, excludeSessionID string) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.byUser[userID]))
	for sid, s := range r.byUser[userID] {
		if sid == excludeSessionID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	return r.deliver(targets, data)
}

func (r *Registry) deliver(targets []*Session, data []byte) int {
	n := 0
	for _, s := range targets {
		if s.Enqueue(data) {
			n++
			continue
		}
		if r.conf.DisconnectOnFull {
			logger.Warnf("[registry] send queue full, disconnecting sid=%s user=%s", s.ID, s.UserID)
			go r.Deregister(s.ID)
		} else {
			logger.Warnf("[registry] send queue full, dropping frame sid=%s user=%s", s.ID, s.UserID)
		}
	}
	return n
}

// Close stops the sweeper and tears down every session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	all := make([]*Session, 0, len(r.bySession))
	for _, s := range r.bySession {
		all = append(all, s)
	}
	r.bySession = make(map[string]*Session)
	r.byUser = make(map[string]map[string]*Session)
	r.byRoom = make(map[string]map[string]*Session)
	r.bySocket = make(map[Conn]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.closeLocked()
	}
}

// ===== sweeper =====

func (r *Registry) sweeper() {
	t := r.conf.Clock.Ticker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-t.C:
			r.sweepOnce(now)
		}
	}
}

func (r *Registry) sweepOnce(now time.Time) {
	r.mu.RLock()
	var expired []string
	for sid, s := range r.bySession {
		if now.Sub(s.LastActivity()) > r.conf.IdleTTL {
			expired = append(expired, sid)
		}
	}
	r.mu.RUnlock()

	for _, sid := range expired {
		logger.Infof("[registry] expire idle sid=%s", sid)
		r.Deregister(sid)
	}
}
