package client

import (
	"math/rand"
	"net/http"
	"sync"
	"time"

	"EProject/logger"
	"EProject/service/gateway"
	errs "EProject/tools/errs"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// State is the client connection state machine. Reconnects run on an owned,
// cancellable timer instead of recursive callbacks, so the whole machine is
// testable against a mock clock.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateGivenUp // attempts exhausted, surfaced as persistent disconnect
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGivenUp:
		return "given-up"
	default:
		return "unknown"
	}
}

// Socket is the minimal connection surface; gorilla's *websocket.Conn
// satisfies it and tests substitute a scripted fake.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(url string, header http.Header) (Socket, error)
}

type wsDialer struct{}

func (wsDialer) Dial(url string, header http.Header) (Socket, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type Conf struct {
	URL   string
	Token string

	BackoffBase time.Duration // first retry delay (default 1s)
	BackoffCap  time.Duration // delay ceiling (default 30s)
	Jitter      float64       // +/- fraction of the delay (default 0.2)
	MaxAttempts int           // before StateGivenUp (default 10)
	QueueSize   int           // offline queue, drop-oldest (default 64)

	Clock  clock.Clock
	Dialer Dialer
	Rand   *rand.Rand
}

func (c *Conf) norm() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.Jitter <= 0 || c.Jitter >= 1 {
		c.Jitter = 0.2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Dialer == nil {
		c.Dialer = wsDialer{}
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

// Client is the gateway's client-side counterpart: it dials with the bearer
// token, queues frames composed while offline in a bounded drop-oldest
// buffer, and replays them in original order right after the next successful
// handshake, before anything newly composed.
type Client struct {
	conf Conf

	mu         sync.Mutex
	state      State
	ws         Socket
	queue      [][]byte
	attempts   int
	retryTimer *clock.Timer
	closed     bool // explicit logout, never reconnect

	onFrame func(*gateway.Frame)
	onState func(State)
}

func New(conf Conf, onFrame func(*gateway.Frame), onState func(State)) *Client {
	conf.norm()
	return &Client{
		conf:    conf,
		onFrame: onFrame,
		onState: onState,
	}
}

// Connect starts the first dial attempt. Subsequent reconnects are driven by
// the internal timer; callers never re-invoke Connect after a drop.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	go c.attempt()
}

// Close is the explicit logout: it cancels any pending retry and the
// connection stays down for good.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	ws := c.ws
	c.ws = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
}

// State returns the current machine state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Queued returns how many frames wait for the next successful handshake.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Send writes the frame when connected and queues it otherwise. The queue is
// bounded: at capacity the oldest composed frame is dropped first.
func (c *Client) Send(f *gateway.Frame) error {
	data := f.Encode()

	c.mu.Lock()
	if c.state != StateConnected || c.ws == nil {
		if len(c.queue) >= c.conf.QueueSize {
			c.queue = c.queue[1:]
		}
		c.queue = append(c.queue, data)
		c.mu.Unlock()
		return nil
	}
	ws := c.ws
	c.mu.Unlock()

	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.connectionLost(ws)
		return errs.WrapMsg(err, "send")
	}
	return nil
}

func (c *Client) attempt() {
	header := http.Header{}
	if c.conf.Token != "" {
		header.Set("Authorization", "Bearer "+c.conf.Token)
	}

	ws, err := c.conf.Dialer.Dial(c.conf.URL, header)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		logger.Infof("[client] dial failed attempt=%d err=%v", c.attempts+1, err)
		c.scheduleRetryLocked()
		c.mu.Unlock()
		return
	}

	c.ws = ws
	c.attempts = 0
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	// replay the offline queue in original order before anything new; Send
	// keeps queueing until the state flips below
	for _, data := range pending {
		if werr := ws.WriteMessage(websocket.TextMessage, data); werr != nil {
			c.mu.Lock()
			// unreplayed tail goes back to the front of the queue
			c.queue = append(pending, c.queue...)
			c.mu.Unlock()
			c.connectionLost(ws)
			return
		}
		pending = pending[1:]
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(ws)
}

func (c *Client) readLoop(ws Socket) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.connectionLost(ws)
			return
		}
		if c.onFrame == nil {
			continue
		}
		f, perr := gateway.ParseFrame(data)
		if perr != nil {
			logger.Debugf("[client] bad frame err=%v", perr)
			continue
		}
		c.onFrame(f)
	}
}

// connectionLost handles an unexpected close: not an error surfaced to the
// caller, just the trigger for the reconnection policy.
func (c *Client) connectionLost(ws Socket) {
	_ = ws.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ws != ws {
		return
	}
	c.ws = nil
	c.setStateLocked(StateDisconnected)
	c.scheduleRetryLocked()
}

// caller holds c.mu
func (c *Client) scheduleRetryLocked() {
	if c.attempts >= c.conf.MaxAttempts {
		logger.Warnf("[client] giving up after %d attempts", c.attempts)
		c.setStateLocked(StateGivenUp)
		return
	}
	delay := c.nextBackoff(c.attempts)
	c.attempts++
	c.setStateLocked(StateConnecting)
	c.retryTimer = c.conf.Clock.AfterFunc(delay, c.attempt)
	logger.Infof("[client] reconnect in %s attempt=%d", delay, c.attempts)
}

// nextBackoff doubles from the base up to the cap and spreads the result by
// the jitter fraction so simultaneous reconnect storms decorrelate.
func (c *Client) nextBackoff(attempt int) time.Duration {
	d := c.conf.BackoffBase
	for i := 0; i < attempt && d < c.conf.BackoffCap; i++ {
		d *= 2
	}
	if d > c.conf.BackoffCap {
		d = c.conf.BackoffCap
	}
	spread := 1 + c.conf.Jitter*(2*c.conf.Rand.Float64()-1)
	return time.Duration(float64(d) * spread)
}

// caller holds c.mu
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onState != nil {
		go c.onState(s)
	}
}
