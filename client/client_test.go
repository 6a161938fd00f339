package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wfunc/tycoon/config"
	"github.com/wfunc/tycoon/models"
	"github.com/wfunc/tycoon/network"
	"github.com/wfunc/tycoon/persistence"
	"github.com/wfunc/tycoon/services"
)

type mockConnection struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (m *mockConnection) ReadMessage() ([]byte, error) {
	select {
	case <-m.closed:
		return nil, net.ErrClosed
	default:
	}
	select {
	case f := <-m.frames:
		return f, nil
	case <-m.closed:
		return nil, net.ErrClosed
	}
}
func (m *mockConnection) Ping() error { return nil }
func (m *mockConnection) Close(int, string) error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
func (m *mockConnection) RemoteAddr() net.Addr { return &net.TCPAddr{} }

type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*mockConnection
	dials int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: map[string]*mockConnection{}}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (network.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	c := &mockConnection{frames: make(chan []byte, 8), closed: make(chan struct{})}
	d.conns[url] = c
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(url string) *mockConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[url]
}

type call struct {
	op     string
	method string
	path   string
	params url.Values
}

// fakeCaller answers control-plane calls from canned JSON keyed by path.
type fakeCaller struct {
	mu        sync.Mutex
	calls     []call
	responses map[string]string
	fail      map[string]error
}

func (f *fakeCaller) Call(ctx context.Context, op, method, path string, params url.Values, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, method: method, path: path, params: params})
	if err := f.fail[path]; err != nil {
		return err
	}
	body, ok := f.responses[path]
	if !ok || out == nil {
		return nil
	}
	return json.Unmarshal([]byte(body), out)
}

func (f *fakeCaller) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.op)
	}
	return out
}

type fakeArchive struct {
	mu      sync.Mutex
	saved   []persistence.SnapshotRecord
	closed  bool
	saveErr error
}

func (a *fakeArchive) SaveSnapshot(ctx context.Context, rec persistence.SnapshotRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, rec)
	return a.saveErr
}

func (a *fakeArchive) LatestSnapshot(ctx context.Context, roomID, playerName string) (persistence.SnapshotRecord, error) {
	return persistence.SnapshotRecord{}, persistence.ErrRecordNotFound
}

func (a *fakeArchive) History(ctx context.Context, roomID string, limit int) ([]persistence.SnapshotRecord, error) {
	return nil, nil
}

func (a *fakeArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func roomJSON(id, host string, players ...string) string {
	quoted := make([]string, len(players))
	for i, p := range players {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	return fmt.Sprintf(`{"room_id":%q,"host_player_id":%q,"max_players":6,"players":[%s],"status":"waiting"}`,
		id, host, strings.Join(quoted, ","))
}

func newTestClient(t *testing.T, name string, caller *fakeCaller, archive persistence.Archive) (*Client, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	cfg := &config.Config{Server: config.ServerConfig{BaseAddress: "game.test/ws"}}
	c, err := New(Options{
		Config:     cfg,
		PlayerName: name,
		Dialer:     dialer,
		Caller:     caller,
		Archive:    archive,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, dialer
}

func TestClient_EnterSeedsAndFolds(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{
		"/room/r1": roomJSON("r1", "alice", "alice", "bob"),
	}}
	c, dialer := newTestClient(t, "bob", caller, nil)

	if err := c.Enter(context.Background(), "r1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	s := c.State()
	if s.Membership.RoomID != "r1" || !s.Membership.IsHost("alice") {
		t.Errorf("unexpected membership %+v", s.Membership)
	}
	if seat, ok := s.Membership.Self(); !ok || seat != 1 {
		t.Errorf("expected bob at seat 1, got %d", seat)
	}

	var conn *mockConnection
	waitFor(t, "dial", func() bool { conn = dialer.conn("ws://game.test/ws/r1/bob"); return conn != nil })
	conn.frames <- []byte(`{"type":"player_joined","data":{"players":["alice","bob","carol"]}}`)
	conn.frames <- []byte(`{"type":"game_started","data":{"players":{},"market":[],"deck_count":20,"current_player_id":"alice","round_number":1,"status":"active"}}`)

	waitFor(t, "game start", func() bool { return c.State().Game != nil })
	s = c.State()
	if len(s.Membership.Players) != 3 || s.Game.Status != models.StatusActive || s.Game.DeckCount != 20 {
		t.Errorf("unexpected state %+v / %+v", s.Membership, s.Game)
	}

	// Same room again keeps the connection and the state.
	if err := c.Enter(context.Background(), "r1"); err != nil {
		t.Fatalf("re-Enter: %v", err)
	}
	if n := dialer.count(); n != 1 {
		t.Errorf("expected one dial, got %d", n)
	}
	if c.State().Game == nil {
		t.Error("re-entering the same room must not reset state")
	}
}

func TestClient_ReconnectRefreshesGame(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{
		"/room/r1": roomJSON("r1", "alice", "alice", "bob"),
	}}
	c, dialer := newTestClient(t, "alice", caller, nil)
	ctx := context.Background()

	if err := c.Enter(ctx, "r1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	var conn *mockConnection
	waitFor(t, "dial", func() bool { conn = dialer.conn("ws://game.test/ws/r1/alice"); return conn != nil })
	conn.frames <- []byte(`{"type":"game_started","data":{"players":{},"market":[],"deck_count":20,"current_player_id":"alice","round_number":1,"status":"active"}}`)
	waitFor(t, "game start", func() bool { return c.State().Game != nil })

	// The connection drops and the game moves on while we are away.
	conn.Close(1006, "")
	waitFor(t, "connection lost", func() bool {
		h := c.Manager().Current()
		return h == nil || !h.State().Live()
	})
	caller.mu.Lock()
	caller.responses["/room/r1"] = `{"room_id":"r1","host_player_id":"alice","max_players":6,"players":["alice","bob"],"status":"active",` +
		`"game_state":{"players":{},"market":[],"deck_count":3,"current_player_id":"bob","round_number":5,"status":"active"}}`
	caller.mu.Unlock()

	if err := c.Enter(ctx, "r1"); err != nil {
		t.Fatalf("re-Enter: %v", err)
	}
	g := c.State().Game
	if g == nil || g.RoundNumber != 5 || g.DeckCount != 3 || g.CurrentPlayerID != "bob" {
		t.Fatalf("expected the refreshed game, got %+v", g)
	}
	if c.State().Membership.RoomID != "r1" {
		t.Errorf("membership should survive the reconnect, got %+v", c.State().Membership)
	}
	waitFor(t, "second dial", func() bool { return dialer.count() == 2 })
}

func TestClient_SwitchRoomsIgnoresOldConnection(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{
		"/room/a": roomJSON("a", "alice", "alice", "x"),
		"/room/b": roomJSON("b", "bob", "bob", "x"),
	}}
	c, dialer := newTestClient(t, "x", caller, nil)
	ctx := context.Background()

	if err := c.Enter(ctx, "a"); err != nil {
		t.Fatalf("Enter a: %v", err)
	}
	var connA *mockConnection
	waitFor(t, "dial a", func() bool { connA = dialer.conn("ws://game.test/ws/a/x"); return connA != nil })

	if err := c.Enter(ctx, "b"); err != nil {
		t.Fatalf("Enter b: %v", err)
	}
	if c.RoomID() != "b" {
		t.Errorf("expected room b, got %q", c.RoomID())
	}
	connA.frames <- []byte(`{"type":"player_joined","data":{"players":["intruder"]}}`)

	var connB *mockConnection
	waitFor(t, "dial b", func() bool { connB = dialer.conn("ws://game.test/ws/b/x"); return connB != nil })
	connB.frames <- []byte(`{"type":"player_joined","data":{"players":["bob","x","y"]}}`)
	waitFor(t, "roster b", func() bool { return len(c.State().Membership.Players) == 3 })

	s := c.State()
	if s.Membership.RoomID != "b" || s.Membership.Contains("intruder") {
		t.Errorf("old room leaked into state: %+v", s.Membership)
	}
	waitFor(t, "old connection closed", func() bool {
		select {
		case <-connA.closed:
			return true
		default:
			return false
		}
	})
}

func TestClient_ActionsNeedARoom(t *testing.T) {
	caller := &fakeCaller{}
	c, _ := newTestClient(t, "alice", caller, nil)
	ctx := context.Background()

	if _, err := c.Draw(ctx); !errors.Is(err, ErrNoRoom) {
		t.Errorf("Draw: expected ErrNoRoom, got %v", err)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrNoRoom) {
		t.Errorf("Start: expected ErrNoRoom, got %v", err)
	}
	if err := c.Leave(ctx); !errors.Is(err, ErrNoRoom) {
		t.Errorf("Leave: expected ErrNoRoom, got %v", err)
	}
	if len(caller.ops()) != 0 {
		t.Errorf("expected no requests, got %v", caller.ops())
	}
}

func TestClient_CreatePlayLeave(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{
		"/room/create":      `{"room_id":"r9","message":"Room created"}`,
		"/room/r9":          roomJSON("r9", "alice", "alice"),
		"/room/action/take": `{"taken":"Beta","coins_gained":2}`,
	}}
	c, dialer := newTestClient(t, "alice", caller, nil)
	ctx := context.Background()

	roomID, err := c.Create(ctx, 4)
	if err != nil || roomID != "r9" {
		t.Fatalf("Create: %q %v", roomID, err)
	}
	waitFor(t, "dial r9", func() bool { return dialer.conn("ws://game.test/ws/r9/alice") != nil })
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Draw(ctx); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	res, err := c.Take(ctx, 1)
	if err != nil || res.Taken != "Beta" || res.CoinsGained != 2 {
		t.Fatalf("Take: %+v %v", res, err)
	}
	if err := c.Play(ctx, "Beta", services.ToMarket); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := c.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if c.RoomID() != "" {
		t.Errorf("expected no room after Leave, got %q", c.RoomID())
	}
	waitFor(t, "disconnect", func() bool { return c.Manager().Current() == nil })

	want := []string{"create_room", "get_room", "start_game", "draw", "take", "play", "leave_room"}
	if got := caller.ops(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected ops %v, got %v", want, got)
	}
}

func TestClient_FailedJoinDoesNotConnect(t *testing.T) {
	caller := &fakeCaller{fail: map[string]error{"/room/join": errors.New("room is full")}}
	c, dialer := newTestClient(t, "alice", caller, nil)

	if err := c.Join(context.Background(), "r1"); err == nil {
		t.Fatal("expected Join to fail")
	}
	if n := dialer.count(); n != 0 || c.RoomID() != "" {
		t.Errorf("a failed join must not connect (dials=%d room=%q)", n, c.RoomID())
	}
}

func TestClient_RecordsSnapshots(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{
		"/room/r1": roomJSON("r1", "alice", "alice"),
	}}
	archive := &fakeArchive{}
	c, _ := newTestClient(t, "alice", caller, archive)

	if err := c.Enter(context.Background(), "r1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	archive.mu.Lock()
	defer archive.mu.Unlock()
	if !archive.closed {
		t.Error("expected Close to close the archive")
	}
	if len(archive.saved) == 0 {
		t.Fatal("expected at least one archived snapshot")
	}
	last := archive.saved[len(archive.saved)-1]
	if last.RoomID != "r1" || last.PlayerName != "alice" || !last.Membership.Contains("alice") {
		t.Errorf("unexpected record %+v", last)
	}
}

func TestClient_CloseIsFinal(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{"/room/r1": roomJSON("r1", "alice", "alice")}}
	c, _ := newTestClient(t, "alice", caller, nil)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.Enter(context.Background(), "r1"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestNew_RequiresConfigAndName(t *testing.T) {
	if _, err := New(Options{PlayerName: "a"}); err == nil {
		t.Error("expected an error without config")
	}
	if _, err := New(Options{Config: &config.Config{}}); err == nil {
		t.Error("expected an error without a player name")
	}
}

func TestClient_DetachKeepsRoom(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{"/room/r1": roomJSON("r1", "alice", "alice")}}
	c, dialer := newTestClient(t, "alice", caller, nil)
	ctx := context.Background()

	if err := c.Enter(ctx, "r1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	waitFor(t, "dial", func() bool { return dialer.count() == 1 })

	c.Detach()
	if c.Manager().Current() != nil {
		t.Error("Detach should drop the connection")
	}
	if c.RoomID() != "r1" {
		t.Errorf("Detach should keep the room, got %q", c.RoomID())
	}

	if err := c.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	caller.mu.Lock()
	last := caller.calls[len(caller.calls)-1]
	caller.mu.Unlock()
	if last.op != "delete_room" || last.params.Get("room_id") != "r1" || last.params.Get("requester_id") != "alice" {
		t.Errorf("unexpected delete request %+v", last)
	}

	if err := c.Enter(ctx, "r1"); err != nil {
		t.Fatalf("re-Enter: %v", err)
	}
	waitFor(t, "reconnect", func() bool { return dialer.count() == 2 })
}
