package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentPerSocket(t *testing.T) {
	r := newTestRegistry(t, RegistryConf{})
	conn := &fakeConn{}

	s1, err := r.Register(Identity{UserID: "alice"}, conn, "10.0.0.1")
	require.NoError(t, err)
	s2, err := r.Register(Identity{UserID: "alice"}, conn, "10.0.0.1")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, r.SessionCount("alice"))
}

func TestMultiDeviceSessionsAreIndependent(t *testing.T) {
	r := newTestRegistry(t, RegistryConf{})

	phone := &fakeConn{}
	laptop := &fakeConn{}
	s1, err := r.Register(Identity{UserID: "alice"}, phone, "10.0.0.1")
	require.NoError(t, err)
	s2, err := r.Register(Identity{UserID: "alice"}, laptop, "10.0.0.2")
	require.NoError(t, err)

	require.NotEqual(t, s1.ID, s2.ID)
	require.Equal(t, 2, r.SessionCount("alice"))

	r.Deregister(s1.ID)

	assert.Equal(t, 1, r.SessionCount("alice"))
	_, ok := r.Get(s2.ID)
	assert.True(t, ok, "remaining device must stay registered")
	assert.True(t, phone.Closed())
	assert.False(t, laptop.Closed())
}

func TestDeregisterIdempotent(t *testing.T) {
	r := newTestRegistry(t, RegistryConf{})

	var mu sync.Mutex
	var fired int
	r.OnDeregister(func(*Session, int) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	s, err := r.Register(Identity{UserID: "alice"}, &fakeConn{}, "10.0.0.1")
	require.NoError(t, err)

	r.Deregister(s.ID)
	r.Deregister(s.ID)
	r.Deregister("no-such-session")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired, "deregister hook fires once per session")
}

func TestBroadcastRoomExcludesSender(t *testing.T) {
	r := newTestRegistry(t, RegistryConf{})

	conns := make([]*fakeConn, 3)
	sessions := make([]*Session, 3)
	users := []string{"alice", "bob", "carol"}
	for i := range conns {
		conns[i] = &fakeConn{}
		s, err := r.Register(Identity{UserID: users[i]}, conns[i], "10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, r.Join(s.ID, "general"))
		sessions[i] = s
	}

	n := r.BroadcastRoom("general", []byte(`{"type":"message"}`), sessions[0].ID)
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool {
		return conns[1].Count() == 1 && conns[2].Count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, conns[0].Count(), "excluded session must receive nothing")
}

func TestBroadcastRoomExcludingUserSkipsAllDevices(t *testing.T) {
	r := newTestRegistry(t, RegistryConf{})

	alicePhone, aliceLaptop, bob := &fakeConn{}, &fakeConn{}, &fakeConn{}
	for _, c := range []struct {
		user string
		conn *fakeConn
	}{
		{"alice", alicePhone}, {"alice", aliceLaptop}, {"bob", bob},
	} {
		s, err := r.Register(Identity{UserID: c.user}, c.conn, "10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, r.Join(s.ID, "general"))
	}

	n := r.BroadcastRoomExcludingUser("general", []byte(`{"type":"typing-start"}`), "alice")
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool { return bob.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, alicePhone.Count())
	assert.Equal(t, 0, aliceLaptop.Count())
}

func TestLeaveStopsRoomDelivery(t *testing.T) {
	r := newTestRegistry(t, RegistryConf{})

	conn := &fakeConn{}
	s, err := r.Register(Identity{UserID: "alice"}, conn, "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, r.Join(s.ID, "general"))
	r.Leave(s.ID, "general")

	n := r.BroadcastRoom("general", []byte(`{"type":"message"}`), "")
	assert.Equal(t, 0, n)
}

func TestEvictOldestAboveCap(t *testing.T) {
	r := newTestRegistry(t, RegistryConf{MaxPerUser: 2, EvictOldest: true})

	first := &fakeConn{}
	s1, err := r.Register(Identity{UserID: "alice"}, first, "10.0.0.1")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond) // JoinedAt ordering
	_, err = r.Register(Identity{UserID: "alice"}, &fakeConn{}, "10.0.0.2")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = r.Register(Identity{UserID: "alice"}, &fakeConn{}, "10.0.0.3")
	require.NoError(t, err)

	assert.Equal(t, 2, r.SessionCount("alice"))
	_, ok := r.Get(s1.ID)
	assert.False(t, ok, "oldest session evicted")
	require.Eventually(t, func() bool { return first.Closed() }, time.Second, 5*time.Millisecond)
}

func TestSessionCapWithoutEviction(t *testing.T) {
	r := newTestRegistry(t, RegistryConf{MaxPerUser: 1})

	_, err := r.Register(Identity{UserID: "alice"}, &fakeConn{}, "10.0.0.1")
	require.NoError(t, err)
	_, err = r.Register(Identity{UserID: "alice"}, &fakeConn{}, "10.0.0.2")
	assert.Error(t, err)
	assert.Equal(t, 1, r.SessionCount("alice"))
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	// no writer goroutine: the queue fills and stays full
	s := newSession("s1", Identity{UserID: "alice"}, &fakeConn{}, "10.0.0.1", 2, time.Now())

	assert.True(t, s.Enqueue([]byte("a")))
	assert.True(t, s.Enqueue([]byte("b")))
	assert.True(t, s.Enqueue([]byte("c"))) // displaces "a"

	assert.Equal(t, "b", string(<-s.send))
	assert.Equal(t, "c", string(<-s.send))
	select {
	case extra := <-s.send:
		t.Fatalf("unexpected queued frame %q", extra)
	default:
	}
}

func TestSlowConsumerDoesNotBlockBroadcast(t *testing.T) {
	r := newTestRegistry(t, RegistryConf{SendQueueSize: 1})

	fast, slow := &fakeConn{}, &fakeConn{}
	fs, err := r.Register(Identity{UserID: "fast"}, fast, "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, r.Join(fs.ID, "general"))

	ss, err := r.Register(Identity{UserID: "slow"}, slow, "10.0.0.2")
	require.NoError(t, err)
	require.NoError(t, r.Join(ss.ID, "general"))
	_ = slow.Close() // writer dies on its first write, the queue backs up after that

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			r.BroadcastRoom("general", []byte(`{"type":"message"}`), "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow consumer")
	}
	require.Eventually(t, func() bool { return fast.Count() == 50 }, time.Second, 5*time.Millisecond)
}

func TestSweeperExpiresIdleSessions(t *testing.T) {
	mk := clock.NewMock()
	r := newTestRegistry(t, RegistryConf{
		IdleTTL:    time.Minute,
		SweepEvery: 10 * time.Second,
		Clock:      mk,
	})

	s, err := r.Register(Identity{UserID: "alice"}, &fakeConn{}, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 1, r.SessionCount("alice"))

	require.Eventually(t, func() bool {
		mk.Add(30 * time.Second)
		return r.SessionCount("alice") == 0
	}, 2*time.Second, 5*time.Millisecond)

	_, ok := r.Get(s.ID)
	assert.False(t, ok)
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	mk := clock.NewMock()
	r := newTestRegistry(t, RegistryConf{
		IdleTTL:    time.Minute,
		SweepEvery: 10 * time.Second,
		Clock:      mk,
	})

	s, err := r.Register(Identity{UserID: "alice"}, &fakeConn{}, "10.0.0.1")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		mk.Add(10 * time.Second)
		s.Touch(mk.Now())
		time.Sleep(time.Millisecond) // let a pending sweep run
	}
	assert.Equal(t, 1, r.SessionCount("alice"), "active session must survive sweeps")
}
