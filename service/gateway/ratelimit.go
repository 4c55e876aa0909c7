package gateway

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"EProject/logger"

	"github.com/benbjohnson/clock"
)

type LimiterConf struct {
	Limit         int           // messages per window per key (default 20)
	Window        time.Duration // sliding window span (default 10s)
	EscalateAfter int           // consecutive window violations before forced close (default 3)
	Cooldown      time.Duration // identity cooldown after escalation (default 5m)
	RepeatGuard   int           // identical payloads within one window arming the heuristic (default 10, <=0 off)
	Clock         clock.Clock
}

func (c *LimiterConf) norm() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Limit <= 0 {
		c.Limit = 20
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.RepeatGuard == 0 {
		c.RepeatGuard = 10
	}
}

// Verdict is the guard's answer for one inbound message.
type Verdict struct {
	OK         bool
	RetryAfter time.Duration
	Disconnect bool // escalation threshold crossed: cut the connection
}

// window holds the timestamps inside the current sliding window for one key.
// Ephemeral by design: it lives in memory only and dies with the process.
type window struct {
	hits []time.Time

	// violation bookkeeping (user windows only)
	strikes    int
	lastStrike time.Time

	// content heuristic
	lastHash  [32]byte
	repeats   int
	heuristic bool
}

func (w *window) prune(now time.Time, span time.Duration) {
	cut := 0
	for cut < len(w.hits) && now.Sub(w.hits[cut]) >= span {
		cut++
	}
	if cut > 0 {
		w.hits = w.hits[cut:]
	}
}

// AbuseGuard applies independent sliding windows per user and per remote
// endpoint. Rejection is a soft throttle; only repeated whole-window
// violations escalate to a forced disconnect plus a per-identity cooldown
// that survives reconnects. The content heuristic lowers the escalation
// threshold by one but never substitutes for counting.
type AbuseGuard struct {
	mu       sync.Mutex
	byUser   map[string]*window
	byAddr   map[string]*window
	cooldown map[string]time.Time // userID -> until

	conf  LimiterConf
	flags CooldownStore // optional mirror, survives restarts
}

func NewAbuseGuard(conf LimiterConf, flags CooldownStore) *AbuseGuard {
	conf.norm()
	return &AbuseGuard{
		byUser:   make(map[string]*window),
		byAddr:   make(map[string]*window),
		cooldown: make(map[string]time.Time),
		conf:     conf,
		flags:    flags,
	}
}

// InCooldown reports whether an identity is flagged. Checked at handshake
// time too, so a flagged user cannot dodge the cooldown by reconnecting.
func (g *AbuseGuard) InCooldown(ctx context.Context, userID string) (bool, time.Duration) {
	now := g.conf.Clock.Now()

	g.mu.Lock()
	until, ok := g.cooldown[userID]
	if ok && now.Before(until) {
		g.mu.Unlock()
		return true, until.Sub(now)
	}
	if ok {
		delete(g.cooldown, userID)
	}
	g.mu.Unlock()

	if g.flags != nil {
		stored, err := g.flags.GetCooldown(ctx, userID)
		if err == nil && now.Before(stored) {
			g.mu.Lock()
			g.cooldown[userID] = stored
			g.mu.Unlock()
			return true, stored.Sub(now)
		}
	}
	return false, 0
}

// Check runs one message through both windows. payload feeds the repeat
// heuristic only; its content is never inspected beyond equality.
func (g *AbuseGuard) Check(ctx context.Context, userID, addr string, payload []byte) Verdict {
	now := g.conf.Clock.Now()

	if ok, left := g.InCooldown(ctx, userID); ok {
		return Verdict{OK: false, RetryAfter: left, Disconnect: true}
	}

	g.mu.Lock()

	uw := g.byUser[userID]
	if uw == nil {
		uw = &window{}
		g.byUser[userID] = uw
	}
	aw := g.byAddr[addr]
	if aw == nil {
		aw = &window{}
		g.byAddr[addr] = aw
	}
	uw.prune(now, g.conf.Window)
	aw.prune(now, g.conf.Window)

	if g.conf.RepeatGuard > 0 && len(payload) > 0 {
		h := sha256.Sum256(payload)
		if h == uw.lastHash {
			uw.repeats++
			if uw.repeats >= g.conf.RepeatGuard {
				uw.heuristic = true
			}
		} else {
			uw.lastHash = h
			uw.repeats = 1
		}
	}

	if len(uw.hits) < g.conf.Limit && len(aw.hits) < g.conf.Limit {
		uw.hits = append(uw.hits, now)
		aw.hits = append(aw.hits, now)
		// a clean window since the last strike clears the slate
		if uw.strikes > 0 && now.Sub(uw.lastStrike) >= g.conf.Window {
			uw.strikes = 0
			uw.heuristic = false
		}
		g.mu.Unlock()
		return Verdict{OK: true}
	}

	// rejected: one strike per window span, not per rejected message
	if uw.strikes == 0 || now.Sub(uw.lastStrike) >= g.conf.Window {
		uw.strikes++
		uw.lastStrike = now
	}

	threshold := g.conf.EscalateAfter
	if uw.heuristic && threshold > 1 {
		threshold--
	}

	retryAfter := g.retryAfterLocked(uw, aw, now)

	if uw.strikes >= threshold {
		until := now.Add(g.conf.Cooldown)
		g.cooldown[userID] = until
		uw.strikes = 0
		uw.heuristic = false
		g.mu.Unlock()

		if g.flags != nil {
			if err := g.flags.SetCooldown(ctx, userID, until); err != nil {
				logger.Warnf("[guard] cooldown mirror failed user=%s err=%v", userID, err)
			}
		}
		logger.Warnf("[guard] escalation user=%s addr=%s cooldown=%s", userID, addr, g.conf.Cooldown)
		return Verdict{OK: false, RetryAfter: g.conf.Cooldown, Disconnect: true}
	}

	g.mu.Unlock()
	return Verdict{OK: false, RetryAfter: retryAfter}
}

// caller holds g.mu
func (g *AbuseGuard) retryAfterLocked(uw, aw *window, now time.Time) time.Duration {
	oldest := now
	if len(uw.hits) >= g.conf.Limit && uw.hits[0].Before(oldest) {
		oldest = uw.hits[0]
	}
	if len(aw.hits) >= g.conf.Limit && aw.hits[0].Before(oldest) {
		oldest = aw.hits[0]
	}
	left := g.conf.Window - now.Sub(oldest)
	if left < 0 {
		left = 0
	}
	return left
}

// Forget drops the per-address window when a connection goes away. User
// windows and cooldowns deliberately survive: abuse is tracked by identity,
// not by socket.
func (g *AbuseGuard) Forget(addr string) {
	g.mu.Lock()
	delete(g.byAddr, addr)
	g.mu.Unlock()
}
