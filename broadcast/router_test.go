package broadcast

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wfunc/tycoon/network"
	"github.com/wfunc/tycoon/session"
)

// pendingDialer never completes, leaving handles in Connecting. Tests use
// those handles only as frame tags.
type pendingDialer struct{}

func (pendingDialer) Dial(ctx context.Context, url string) (network.Connection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestHandle(t *testing.T, gen uint64) *network.Handle {
	t.Helper()
	h := network.NewHandle(network.Options{
		Target:     network.Target{RoomID: "r1", ParticipantID: "alice"},
		URL:        "ws://test/ws/r1/alice",
		Generation: gen,
		Dialer:     pendingDialer{},
	})
	t.Cleanup(h.Close)
	return h
}

type collector struct {
	mu     sync.Mutex
	events []network.Event
	got    chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) receive(ev network.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []network.Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d events", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]network.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type countingObserver struct {
	received, stale, latencies atomic.Int32
}

func (o *countingObserver) MessageReceived()              { o.received.Add(1) }
func (o *countingObserver) StaleMessageDropped()          { o.stale.Add(1) }
func (o *countingObserver) DispatchLatency(time.Duration) { o.latencies.Add(1) }

func startRouter(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-r.Done()
	})
}

func TestRouter_PreservesOrder(t *testing.T) {
	r := NewRouter(nil)
	c := newCollector()
	r.Subscribe(c.receive)
	h := newTestHandle(t, 1)
	r.Attach(1)
	startRouter(t, r)

	r.Deliver(h, []byte(`{"type":"player_joined","data":{"players":["alice"]}}`))
	r.Deliver(h, []byte(`{"type":"player_joined","data":{"players":["alice","bob"]}}`))
	r.Deliver(h, []byte(`{"type":"player_joined","data":{"players":["alice","bob","carol"]}}`))

	events := c.wait(t, 3)
	for i, ev := range events {
		pj, ok := ev.(network.PlayerJoined)
		if !ok {
			t.Fatalf("event %d: expected PlayerJoined, got %T", i, ev)
		}
		if len(pj.Players) != i+1 {
			t.Errorf("event %d: expected %d players, got %v", i, i+1, pj.Players)
		}
	}
}

func TestRouter_DropsSupersededGeneration(t *testing.T) {
	obs := &countingObserver{}
	r := NewRouter(obs)
	c := newCollector()
	r.Subscribe(c.receive)

	old := newTestHandle(t, 1)
	r.Attach(1)
	// Queued while generation 1 was active, dispatched after the switch.
	r.Deliver(old, []byte(`{"type":"player_joined","data":{"players":["alice"]}}`))
	r.Deliver(old, []byte(`{"type":"player_joined","data":{"players":["alice","bob"]}}`))

	fresh := newTestHandle(t, 2)
	r.Attach(2)
	r.Deliver(fresh, []byte(`{"type":"player_joined","data":{"players":["dave"]}}`))
	startRouter(t, r)

	events := c.wait(t, 1)
	pj := events[0].(network.PlayerJoined)
	if len(pj.Players) != 1 || pj.Players[0] != "dave" {
		t.Errorf("expected only the new connection's event, got %v", pj.Players)
	}
	if got := obs.stale.Load(); got != 2 {
		t.Errorf("expected 2 stale frames, got %d", got)
	}
	if got := obs.received.Load(); got != 1 {
		t.Errorf("expected 1 received frame, got %d", got)
	}
}

func TestRouter_DetachedDropsEverything(t *testing.T) {
	obs := &countingObserver{}
	r := NewRouter(obs)
	c := newCollector()
	r.Subscribe(c.receive)
	h := newTestHandle(t, 3)
	r.Attach(3)
	r.Attach(0)
	startRouter(t, r)

	r.Deliver(h, []byte(`{"type":"player_joined","data":{"players":["alice"]}}`))
	deadline := time.Now().Add(2 * time.Second)
	for obs.stale.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if obs.stale.Load() != 1 {
		t.Fatal("expected the frame to be dropped as stale")
	}
	if c.count() != 0 {
		t.Errorf("expected no events, got %d", c.count())
	}
}

func TestRouter_MalformedBecomesUnknown(t *testing.T) {
	r := NewRouter(nil)
	c := newCollector()
	r.Subscribe(c.receive)
	h := newTestHandle(t, 1)
	r.Attach(1)
	startRouter(t, r)

	r.Deliver(h, []byte(`not json`))
	r.Deliver(h, []byte(`{"type":"room_deleted","data":{}}`))
	r.Deliver(h, []byte(`{"type":"player_joined","data":{"players":["alice"]}}`))

	events := c.wait(t, 3)
	u, ok := events[0].(network.Unknown)
	if !ok || u.Err == nil || string(u.Raw) != "not json" {
		t.Errorf("expected Unknown with decode error, got %#v", events[0])
	}
	u, ok = events[1].(network.Unknown)
	if !ok || u.Type != "room_deleted" || u.Err != nil {
		t.Errorf("expected Unknown room_deleted, got %#v", events[1])
	}
	if _, ok := events[2].(network.PlayerJoined); !ok {
		t.Errorf("expected routing to continue after malformed frames, got %T", events[2])
	}
}

func TestRouter_SubscribersInRegistrationOrder(t *testing.T) {
	r := NewRouter(nil)
	var mu sync.Mutex
	var calls []string
	done := make(chan struct{}, 1)

	r.Subscribe(func(network.Event) {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
	})
	r.Subscribe(func(network.Event) { panic("boom") })
	unsubscribe := r.Subscribe(func(network.Event) {
		mu.Lock()
		calls = append(calls, "removed")
		mu.Unlock()
	})
	r.Subscribe(func(network.Event) {
		mu.Lock()
		calls = append(calls, "last")
		mu.Unlock()
		done <- struct{}{}
	})
	unsubscribe()

	h := newTestHandle(t, 1)
	r.Attach(1)
	startRouter(t, r)
	r.Deliver(h, []byte(`{"type":"player_joined","data":{"players":[]}}`))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("last subscriber never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "last" {
		t.Errorf("unexpected call order %v", calls)
	}
}

func TestRouter_CloseUnblocksDeliver(t *testing.T) {
	r := NewRouter(nil)
	h := newTestHandle(t, 1)
	r.Attach(1)

	finished := make(chan struct{})
	go func() {
		// Nothing is draining the queue, so this blocks once it fills.
		for i := 0; i < queueSize+10; i++ {
			r.Deliver(h, []byte(`{}`))
		}
		close(finished)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Close()
	r.Close()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver stayed blocked after Close")
	}
}

// scriptedConn serves frames pushed by the test until closed.
type scriptedConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{frames: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *scriptedConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}
func (c *scriptedConn) Ping() error { return nil }
func (c *scriptedConn) Close(int, string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
func (c *scriptedConn) RemoteAddr() net.Addr { return &net.TCPAddr{} }

type scriptedDialer struct {
	mu    sync.Mutex
	conns map[string]*scriptedConn
}

func (d *scriptedDialer) Dial(ctx context.Context, url string) (network.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newScriptedConn()
	d.conns[url] = c
	return c, nil
}

func (d *scriptedDialer) conn(t *testing.T, url string) *scriptedConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		c := d.conns[url]
		d.mu.Unlock()
		if c != nil {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no connection dialed to %s", url)
	return nil
}

func TestRouter_TargetSwitchWithManager(t *testing.T) {
	dialer := &scriptedDialer{conns: map[string]*scriptedConn{}}
	r := NewRouter(nil)
	m := session.NewManager(session.Options{
		BaseAddress: "game.test/ws",
		Dialer:      dialer,
		Sink:        r,
		Attacher:    r,
	})
	defer m.Close()
	c := newCollector()
	r.Subscribe(c.receive)
	startRouter(t, r)

	if _, err := m.Connect(network.Target{RoomID: "a", ParticipantID: "alice"}); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	connA := dialer.conn(t, "ws://game.test/ws/a/alice")
	connA.frames <- []byte(`{"type":"player_joined","data":{"players":["alice"]}}`)
	c.wait(t, 1)

	if _, err := m.Connect(network.Target{RoomID: "b", ParticipantID: "alice"}); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	connB := dialer.conn(t, "ws://game.test/ws/b/alice")
	connB.frames <- []byte(`{"type":"player_joined","data":{"players":["bob","alice"]}}`)

	events := c.wait(t, 1)
	last := events[len(events)-1].(network.PlayerJoined)
	if len(last.Players) != 2 || last.Players[0] != "bob" {
		t.Errorf("expected room b roster, got %v", last.Players)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events total, got %d", len(events))
	}
}

func TestRouter_PostRunsInQueueOrder(t *testing.T) {
	r := NewRouter(nil)
	var mu sync.Mutex
	var order []string
	r.Subscribe(func(ev network.Event) {
		mu.Lock()
		order = append(order, "event")
		mu.Unlock()
	})
	h := newTestHandle(t, 1)
	r.Attach(1)

	r.Deliver(h, []byte(`{"type":"player_joined","data":{"players":["alice"]}}`))
	done := r.Post(func() {
		mu.Lock()
		order = append(order, "posted")
		mu.Unlock()
	})
	r.Post(func() { panic("boom") })
	last := r.Post(func() {})
	startRouter(t, r)

	for _, ch := range []<-chan struct{}{done, last} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("posted func never ran")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "event" || order[1] != "posted" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestRouter_PostAfterClose(t *testing.T) {
	r := NewRouter(nil)
	r.Close()
	ran := false
	select {
	case <-r.Post(func() { ran = true }):
	case <-time.After(2 * time.Second):
		t.Fatal("Post blocked on a closed router")
	}
	if ran {
		t.Error("posted func ran on a closed router")
	}
}
