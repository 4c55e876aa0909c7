package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	errs "EProject/tools/errs"
)

// fakeConn is an in-memory Conn; the writer goroutine drains sessions into it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("write on closed conn")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Frames decodes everything written so far.
func (c *fakeConn) Frames(t *testing.T) []*Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Frame, 0, len(c.frames))
	for _, raw := range c.frames {
		f, err := ParseFrame(raw)
		if err != nil {
			t.Fatalf("undecodable frame %q: %v", raw, err)
		}
		out = append(out, f)
	}
	return out
}

func (c *fakeConn) CountType(t *testing.T, ft FrameType) int {
	t.Helper()
	n := 0
	for _, f := range c.Frames(t) {
		if f.Type == ft {
			n++
		}
	}
	return n
}

// fakeStore is a scriptable MessageStore.
type fakeStore struct {
	mu    sync.Mutex
	fail  bool
	seq   int
	calls int
}

func (s *fakeStore) Store(_ context.Context, _ *Envelope) (StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return StoreResult{}, errs.ErrPersistence.WrapMsg("store down")
	}
	s.seq++
	return StoreResult{ID: fmt.Sprintf("m-%d", s.seq), StoredAt: time.Now()}, nil
}

func (s *fakeStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeStore) SetFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func newTestRegistry(t *testing.T, conf RegistryConf) *Registry {
	t.Helper()
	r := NewRegistry(conf)
	t.Cleanup(r.Close)
	return r
}
