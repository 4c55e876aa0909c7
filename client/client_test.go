package client

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"EProject/service/gateway"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	mu        sync.Mutex
	writes    [][]byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	<-s.closed
	return 0, nil, fmt.Errorf("socket closed")
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return fmt.Errorf("write on closed socket")
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.writes = append(s.writes, cp)
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) clientMsgIDs(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.writes))
	for _, raw := range s.writes {
		f, err := gateway.ParseFrame(raw)
		require.NoError(t, err)
		out = append(out, f.ClientMsgID)
	}
	return out
}

// scriptDialer fails the first failCount dials and succeeds after that. Every
// call signals on attempts; successful sockets land on dialed.
type scriptDialer struct {
	mu        sync.Mutex
	failCount int
	calls     int
	lastAuth  string

	attempts chan struct{}
	dialed   chan *fakeSocket
}

func newScriptDialer(failCount int) *scriptDialer {
	return &scriptDialer{
		failCount: failCount,
		attempts:  make(chan struct{}, 64),
		dialed:    make(chan *fakeSocket, 8),
	}
}

func (d *scriptDialer) Dial(_ string, header http.Header) (Socket, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.lastAuth = header.Get("Authorization")
	d.mu.Unlock()

	d.attempts <- struct{}{}
	if n <= d.failCount {
		return nil, fmt.Errorf("connection refused")
	}
	s := newFakeSocket()
	d.dialed <- s
	return s, nil
}

func (d *scriptDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// waitAttempt advances the mock clock until the dialer reports another call.
func waitAttempt(t *testing.T, d *scriptDialer, mk *clock.Mock) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		select {
		case <-d.attempts:
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("no dial attempt observed")
		}
		mk.Add(500 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}

func waitSocket(t *testing.T, d *scriptDialer) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.dialed:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("dial never succeeded")
		return nil
	}
}

func frame(clientMsgID string) *gateway.Frame {
	return &gateway.Frame{
		Type:        gateway.FrameMessage,
		RoomID:      "general",
		Payload:     json.RawMessage(`{"text":"hi"}`),
		ClientMsgID: clientMsgID,
	}
}

func TestBackoffDoublesWithJitterBounds(t *testing.T) {
	c := New(Conf{
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
		Rand:        rand.New(rand.NewSource(7)),
	}, nil, nil)

	ladder := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, base := range ladder {
		for trial := 0; trial < 50; trial++ {
			d := c.nextBackoff(attempt)
			lo := time.Duration(float64(base) * 0.8)
			hi := time.Duration(float64(base) * 1.2)
			require.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			require.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
	}
}

func TestOfflineQueueDropsOldest(t *testing.T) {
	c := New(Conf{QueueSize: 2, Dialer: newScriptDialer(0)}, nil, nil)

	require.NoError(t, c.Send(frame("c-1")))
	require.NoError(t, c.Send(frame("c-2")))
	require.NoError(t, c.Send(frame("c-3")))
	assert.Equal(t, 2, c.Queued(), "queue is bounded, oldest dropped")
}

func TestQueueReplayedInOrderBeforeNewSends(t *testing.T) {
	d := newScriptDialer(0)
	c := New(Conf{URL: "ws://gw/ws", Token: "tok-1", Dialer: d, Clock: clock.NewMock(), QueueSize: 8}, nil, nil)

	require.NoError(t, c.Send(frame("c-1")))
	require.NoError(t, c.Send(frame("c-2")))
	require.NoError(t, c.Send(frame("c-3")))

	c.Connect()
	sock := waitSocket(t, d)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"c-1", "c-2", "c-3"}, sock.clientMsgIDs(t), "offline queue replays in compose order")
	assert.Equal(t, 0, c.Queued())

	require.NoError(t, c.Send(frame("c-4")))
	assert.Equal(t, []string{"c-1", "c-2", "c-3", "c-4"}, sock.clientMsgIDs(t))

	d.mu.Lock()
	auth := d.lastAuth
	d.mu.Unlock()
	assert.Equal(t, "Bearer tok-1", auth)

	c.Close()
}

func TestReconnectAfterDrop(t *testing.T) {
	d := newScriptDialer(0)
	mk := clock.NewMock()
	c := New(Conf{Dialer: d, Clock: mk, BackoffBase: time.Second}, nil, nil)

	c.Connect()
	waitAttempt(t, d, mk)
	sock := waitSocket(t, d)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	// server drops us; a message composed meanwhile waits for the next handshake
	_ = sock.Close()
	require.Eventually(t, func() bool { return c.State() != StateConnected }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Send(frame("c-after-drop")))

	waitAttempt(t, d, mk)
	sock2 := waitSocket(t, d)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c-after-drop"}, sock2.clientMsgIDs(t))

	c.Close()
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	d := newScriptDialer(1 << 30) // never succeeds
	mk := clock.NewMock()

	var mu sync.Mutex
	var states []State
	c := New(Conf{Dialer: d, Clock: mk, MaxAttempts: 2, BackoffBase: time.Second}, nil, func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	c.Connect()
	for i := 0; i < 3; i++ { // initial attempt + 2 retries
		waitAttempt(t, d, mk)
	}
	require.Eventually(t, func() bool { return c.State() == StateGivenUp }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, d.callCount())

	// no further attempts once given up
	for i := 0; i < 10; i++ {
		mk.Add(time.Minute)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 3, d.callCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateGivenUp)
}

func TestCloseSuppressesReconnect(t *testing.T) {
	d := newScriptDialer(0)
	mk := clock.NewMock()
	c := New(Conf{Dialer: d, Clock: mk}, nil, nil)

	c.Connect()
	waitAttempt(t, d, mk)
	waitSocket(t, d)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	c.Close()
	assert.Equal(t, StateDisconnected, c.State())

	// the explicit logout must not trigger the retry machinery
	for i := 0; i < 10; i++ {
		mk.Add(time.Minute)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, d.callCount())
}
