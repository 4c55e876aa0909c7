package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"EProject/logger"
	errs "EProject/tools/errs"
	"EProject/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Conf struct {
	Addr      string
	GatewayID string

	ReadLimit int64         // max inbound frame size (default 1MiB)
	PongWait  time.Duration // read deadline refreshed on pong/frames (default 60s)
	PingEvery time.Duration // server ping cadence (default 30s)

	Registry RegistryConf
	Presence PresenceConf
	Typing   TypingConf
	Limiter  LimiterConf
	Router   RouterConf
}

func (c *Conf) norm() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.GatewayID == "" {
		c.GatewayID = "msg_gw-1"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingEvery <= 0 {
		c.PingEvery = 30 * time.Second
	}
}

// Server ties the gateway together: handshake auth, registry, presence,
// typing, the router and the abuse guard, one read goroutine per connection.
type Server struct {
	conf     Conf
	reg      *Registry
	presence *PresenceTracker
	typing   *TypingCoordinator
	guard    *AbuseGuard
	router   *Router
	resolver IdentityResolver
	mirror   PresenceMirror // optional
}

func NewServer(conf Conf, resolver IdentityResolver, store MessageStore, bridge Publisher, mirror PresenceMirror, flags CooldownStore) *Server {
	conf.norm()
	s := &Server{
		conf:     conf,
		resolver: resolver,
		mirror:   mirror,
	}
	s.reg = NewRegistry(conf.Registry)
	s.guard = NewAbuseGuard(conf.Limiter, flags)
	s.router = NewRouter(conf.Router, s.reg, store, bridge)
	s.typing = NewTypingCoordinator(conf.Typing, s.broadcastTyping)
	s.presence = NewPresenceTracker(conf.Presence, s.sessionCount, s.emitPresence)

	s.reg.OnRegister(func(sess *Session, _ int) {
		s.presence.SessionOpened(sess.UserID)
		// hand the new session a coherent view of who is online right now;
		// history replay stays out of scope
		for _, ev := range s.presence.Snapshot() {
			sess.Enqueue(BuildPresence(ev).Encode())
		}
	})
	s.reg.OnDeregister(func(sess *Session, remaining int) {
		s.presence.SessionClosed(sess.UserID, remaining)
		if remaining == 0 {
			s.typing.CancelUser(sess.UserID)
		}
		s.guard.Forget(sess.Remote)
	})
	return s
}

func (s *Server) Registry() *Registry        { return s.reg }
func (s *Server) Presence() *PresenceTracker { return s.presence }
func (s *Server) Guard() *AbuseGuard         { return s.guard }
func (s *Server) Router() *Router            { return s.router }

func (s *Server) sessionCount(userID string) (int, error) {
	return s.reg.SessionCount(userID), nil
}

// emitPresence pushes one edge transition to every live session and mirrors
// it to the shared store. Mirror failures never block delivery.
func (s *Server) emitPresence(ev PresenceEvent) {
	data := BuildPresence(ev).Encode()
	for _, sess := range s.reg.ListAll() {
		sess.Enqueue(data)
	}
	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var err error
		if ev.Status == PresenceOnline {
			err = s.mirror.SetOnline(ctx, ev.UserID)
		} else {
			err = s.mirror.SetOffline(ctx, ev.UserID, ev.LastSeenAt)
		}
		if err != nil {
			logger.Warnf("[presence] mirror failed user=%s status=%s err=%v", ev.UserID, ev.Status, err)
		}
	}
	logger.Infof("[presence] %s user=%s", ev.Status, ev.UserID)
}

func (s *Server) broadcastTyping(userID, roomID string, typing bool) {
	f := BuildTyping(userID, roomID, typing, s.conf.Typing.Clock.Now())
	s.reg.BroadcastRoomExcludingUser(roomID, f.Encode(), userID)
}

// Routes mounts the gateway endpoints.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/ws", s.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "gateway": s.conf.GatewayID})
	})
}

// HandleWS authenticates the upgrade request and runs the connection's read
// loop. Identity is resolved before any socket state is allocated, so a bad
// token is rejected with a plain HTTP status and costs nothing.
func (s *Server) HandleWS(c *gin.Context) {
	token := BearerToken(c.Request)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	ident, err := s.resolver.ResolveToken(ctx, token)
	cancel()
	if err != nil {
		logger.Infof("[ws] handshake rejected remote=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusUnauthorized, gin.H{"code": 1101, "msg": "authentication failed"})
		return
	}

	if flagged, left := s.guard.InCooldown(c.Request.Context(), ident.UserID); flagged {
		logger.Infof("[ws] cooldown reject user=%s left=%s", ident.UserID, left)
		c.Header("Retry-After", left.Round(time.Second).String())
		c.JSON(http.StatusTooManyRequests, gin.H{"code": 1401, "msg": "rate limited"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade error remote=%s err=%v", c.ClientIP(), err)
		return
	}

	remote := c.ClientIP()
	sess, err := s.reg.Register(*ident, ws, remote)
	if err != nil {
		logger.Infof("[ws] register failed user=%s err=%v", ident.UserID, err)
		_ = ws.Close()
		return
	}
	// teardown is unconditional: every exit path of the read loop lands here
	defer s.reg.Deregister(sess.ID)

	ws.SetReadLimit(s.conf.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	ws.SetPongHandler(func(string) error {
		sess.Touch(time.Now())
		return ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	safe.Go(func() { s.pingLoop(ws, stopPing) })

	s.readLoop(sess, ws)
}

func (s *Server) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(s.conf.PingEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(sess *Session, ws *websocket.Conn) {
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed sid=%s", sess.ID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout sid=%s", sess.ID)
			} else {
				logger.Infof("[ws] read err sid=%s err=%v", sess.ID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		sess.Touch(time.Now())
		_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))

		f, perr := ParseFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad frame sid=%s err=%v sample=%q", sess.ID, perr, sample)
			sess.Enqueue(BuildErrorAck(nil, errs.ErrValidation.WithDetail("malformed frame"), 0, time.Now()).Encode())
			continue
		}

		if disconnect := s.dispatch(sess, f); disconnect {
			return
		}
	}
}

// dispatch handles one parsed frame; a true return cuts the connection.
func (s *Server) dispatch(sess *Session, f *Frame) bool {
	now := time.Now()
	switch f.Type {
	case FrameJoin:
		if f.RoomID == "" {
			sess.Enqueue(BuildErrorAck(f, errs.ErrValidation.WithDetail("missing room_id"), 0, now).Encode())
			return false
		}
		if err := s.reg.Join(sess.ID, f.RoomID); err != nil {
			sess.Enqueue(BuildErrorAck(f, errs.ErrValidation.WithDetail(err.Error()), 0, now).Encode())
			return false
		}
		sess.Enqueue(BuildAck(f, "", now).Encode())

	case FrameLeave:
		s.reg.Leave(sess.ID, f.RoomID)
		sess.Enqueue(BuildAck(f, "", now).Encode())

	case FrameMessage:
		v := s.guard.Check(context.Background(), sess.UserID, sess.Remote, f.Payload)
		if !v.OK {
			sess.Enqueue(BuildErrorAck(f, errs.ErrRateLimited, v.RetryAfter, now).Encode())
			if v.Disconnect {
				logger.Warnf("[ws] forced disconnect sid=%s user=%s", sess.ID, sess.UserID)
				return true
			}
			return false
		}
		ack, err := s.router.Accept(context.Background(), sess, f)
		if err != nil {
			logger.Infof("[ws] accept err sid=%s err=%v", sess.ID, err)
		}
		sess.Enqueue(ack.Encode())

	case FrameTypingStart:
		if f.RoomID != "" {
			s.typing.Start(sess.UserID, f.RoomID)
		}

	case FrameTypingStop:
		if f.RoomID != "" {
			s.typing.Stop(sess.UserID, f.RoomID)
		}

	default:
		sess.Enqueue(BuildErrorAck(f, errs.ErrValidation.WithDetail("unsupported frame type"), 0, now).Encode())
	}
	return false
}

// Run serves HTTP until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	r := gin.New()
	r.Use(gin.Recovery())
	s.Routes(r)

	srv := &http.Server{Addr: s.conf.Addr, Handler: r}

	// heartbeat: retries presence transitions that were blocked by lookup
	// failures
	safe.Go(func() {
		t := time.NewTicker(s.conf.PingEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.presence.Sweep()
			}
		}
	})

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		s.reg.Close()
	}()

	logger.Infof("[http] gateway %s listening on %s", s.conf.GatewayID, s.conf.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
