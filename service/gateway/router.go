package gateway

import (
	"context"
	"sync"
	"time"

	"EProject/logger"
	errs "EProject/tools/errs"

	"github.com/benbjohnson/clock"
)

type RouterConf struct {
	MaxPayload int           // bytes, validation bound (default 64KiB)
	DedupTTL   time.Duration // how long a client_msg_id stays deduplicated (default 10m)
	Clock      clock.Clock
}

func (c *RouterConf) norm() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 64 << 10
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
}

type dedupKey struct {
	senderID    string
	clientMsgID string
}

type dedupEntry struct {
	result StoreResult
	at     time.Time
}

// Router validates envelopes, persists them through the store collaborator,
// and fans out to subscribed sessions. The durable write strictly precedes
// both the sender ack and any fan-out: a persistence failure yields an
// explicit retryable error and zero broadcasts.
type Router struct {
	reg    *Registry
	store  MessageStore
	bridge Publisher // optional cross-node fan-out

	mu    sync.Mutex
	dedup map[dedupKey]dedupEntry

	conf RouterConf
}

func NewRouter(conf RouterConf, reg *Registry, store MessageStore, bridge Publisher) *Router {
	conf.norm()
	return &Router{
		reg:    reg,
		store:  store,
		bridge: bridge,
		dedup:  make(map[dedupKey]dedupEntry),
		conf:   conf,
	}
}

// Accept runs one message frame through validate -> dedup -> persist ->
// ack/fan-out and returns the ack frame for the sender. The error return is
// non-nil only for persistence problems, already reflected in the ack.
func (r *Router) Accept(ctx context.Context, sess *Session, f *Frame) (*Frame, error) {
	now := r.conf.Clock.Now()

	if cerr := r.validate(f); cerr != nil {
		return BuildErrorAck(f, *cerr, 0, now), nil
	}

	env := &Envelope{
		SenderID:    sess.UserID,
		RoomID:      f.RoomID,
		RecipientID: f.RecipientID,
		Kind:        FrameMessage,
		Payload:     f.Payload,
		ClientMsgID: f.ClientMsgID,
		SentAt:      now,
	}

	// duplicate submission: hand back the original stored result, do not
	// persist or broadcast a second time
	if f.ClientMsgID != "" {
		if res, ok := r.seen(sess.UserID, f.ClientMsgID, now); ok {
			logger.Debugf("[router] dedup hit user=%s client_msg_id=%s msg=%s", sess.UserID, f.ClientMsgID, res.ID)
			return BuildAck(f, res.ID, now), nil
		}
	}

	res, err := r.store.Store(ctx, env)
	if err != nil {
		logger.Errorf("[router] store failed user=%s room=%s err=%v", sess.UserID, f.RoomID, err)
		return BuildErrorAck(f, errs.ErrPersistence, time.Second, now), errs.ErrPersistence.WrapMsg("store", "user", sess.UserID)
	}
	env.ID = res.ID

	if f.ClientMsgID != "" {
		r.remember(sess.UserID, f.ClientMsgID, res, now)
	}

	r.fanout(sess, env)
	return BuildAck(f, res.ID, now), nil
}

func (r *Router) validate(f *Frame) *errs.CodeError {
	if len(f.Payload) == 0 {
		e := errs.ErrValidation.WithDetail("empty payload")
		return &e
	}
	if len(f.Payload) > r.conf.MaxPayload {
		e := errs.ErrValidation.WithDetail("payload too large")
		return &e
	}
	if f.RoomID == "" && f.RecipientID == "" {
		e := errs.ErrValidation.WithDetail("missing room_id or recipient_id")
		return &e
	}
	if f.RoomID != "" && f.RecipientID != "" {
		e := errs.ErrValidation.WithDetail("room_id and recipient_id are exclusive")
		return &e
	}
	return nil
}

// fanout delivers to local subscribers (sender excluded: the synchronous ack
// is the sender's echo) and forwards to sibling nodes when bridged. Offline
// recipients are not an error; history catch-up is a separate REST concern.
func (r *Router) fanout(sess *Session, env *Envelope) {
	data := BuildMessage(env).Encode()
	var delivered int
	if env.RoomID != "" {
		delivered = r.reg.BroadcastRoom(env.RoomID, data, sess.ID)
		if r.bridge != nil {
			if err := r.bridge.PublishRoom(env.RoomID, data); err != nil {
				logger.Warnf("[router] bridge publish room=%s err=%v", env.RoomID, err)
			}
		}
	} else {
		delivered = r.reg.BroadcastUser(env.RecipientID, data, sess.ID)
		if r.bridge != nil {
			if err := r.bridge.PublishUser(env.RecipientID, data); err != nil {
				logger.Warnf("[router] bridge publish user=%s err=%v", env.RecipientID, err)
			}
		}
	}
	logger.Debugf("[router] fanout msg=%s room=%s to=%s delivered=%d", env.ID, env.RoomID, env.RecipientID, delivered)
}

func (r *Router) seen(senderID, clientMsgID string, now time.Time) (StoreResult, bool) {
	key := dedupKey{senderID, clientMsgID}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.dedup[key]
	if !ok {
		return StoreResult{}, false
	}
	if now.Sub(e.at) > r.conf.DedupTTL {
		delete(r.dedup, key)
		return StoreResult{}, false
	}
	return e.result, true
}

func (r *Router) remember(senderID, clientMsgID string, res StoreResult, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dedup[dedupKey{senderID, clientMsgID}] = dedupEntry{result: res, at: now}
	// opportunistic pruning keeps the table bounded without a timer
	if len(r.dedup) > 4096 {
		for k, e := range r.dedup {
			if now.Sub(e.at) > r.conf.DedupTTL {
				delete(r.dedup, k)
			}
		}
	}
}
