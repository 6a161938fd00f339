// client/client.go
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wfunc/tycoon/broadcast"
	"github.com/wfunc/tycoon/config"
	"github.com/wfunc/tycoon/logger"
	"github.com/wfunc/tycoon/models"
	"github.com/wfunc/tycoon/monitor"
	"github.com/wfunc/tycoon/network"
	"github.com/wfunc/tycoon/persistence"
	"github.com/wfunc/tycoon/rpc"
	"github.com/wfunc/tycoon/services"
	"github.com/wfunc/tycoon/session"
	"github.com/wfunc/tycoon/state"
)

var (
	ErrNoRoom = errors.New("not in a room")
	ErrClosed = errors.New("client closed")
)

// Options assemble a Client. Only Config and PlayerName are required; the
// rest default to the real implementations.
type Options struct {
	Config     *config.Config
	PlayerName string

	Dialer  network.Dialer
	Caller  services.Caller
	Monitor *monitor.Monitor
	Archive persistence.Archive
}

// Client is one player's session: a single duplex connection, the state
// folded from it and the control-plane actions. It owns everything it
// creates and tears it all down on Close.
type Client struct {
	name    string
	manager *session.Manager
	router  *broadcast.Router
	store   *state.Store
	rooms   *services.RoomService
	monitor *monitor.Monitor

	recorder *recorder
	cancel   context.CancelFunc
	unsubs   []func()

	// mutex serializes room transitions. Readers use roomID and closed.
	mutex  sync.Mutex
	lease  *session.Lease
	roomID atomic.Value // string
	closed atomic.Bool
}

func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		return nil, errors.New("client: config is required")
	}
	if opts.PlayerName == "" {
		return nil, errors.New("client: player name is required")
	}
	cfg := opts.Config

	caller := opts.Caller
	if caller == nil {
		rc, err := rpc.NewClient(cfg.Server.ControlPlaneURL, cfg.Server.RequestTimeout, cfg.Server.AuthToken)
		if err != nil {
			return nil, err
		}
		caller = rc
	}

	router := broadcast.NewRouter(opts.Monitor)
	c := &Client{
		name:   opts.PlayerName,
		router: router,
		store:  state.NewStore(opts.PlayerName),
		rooms:  services.NewRoomService(caller, opts.Monitor),
		manager: session.NewManager(session.Options{
			BaseAddress: cfg.Server.BaseAddress,
			TLS:         cfg.Server.TLS,
			Dialer:      opts.Dialer,
			Sink:        router,
			Attacher:    router,
			DialTimeout: cfg.Server.DialTimeout,
			Heartbeat:   cfg.Server.HeartbeatInterval,
			Debug:       cfg.Debug,
		}),
		monitor: opts.Monitor,
	}
	if opts.Monitor != nil {
		c.store.SetObserver(opts.Monitor)
		c.unsubs = append(c.unsubs, c.manager.Subscribe(opts.Monitor.ConnectionState))
	}
	c.unsubs = append(c.unsubs, router.Subscribe(c.store.Apply))

	if opts.Archive != nil {
		c.recorder = newRecorder(opts.Archive, opts.PlayerName, opts.Monitor)
		c.unsubs = append(c.unsubs, c.store.Subscribe(c.recorder.record))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go router.Run(ctx)

	return c, nil
}

func (c *Client) Name() string { return c.name }

func (c *Client) Store() *state.Store { return c.store }

func (c *Client) Rooms() *services.RoomService { return c.rooms }

func (c *Client) Manager() *session.Manager { return c.manager }

// State returns a copy of the current room state.
func (c *Client) State() state.Snapshot {
	return c.store.Current()
}

// Subscribe registers l for state changes. Listeners run on the routing
// goroutine and must not block.
func (c *Client) Subscribe(l state.Listener) func() {
	return c.store.Subscribe(l)
}

// OnConnectionState registers fn for connection transitions.
func (c *Client) OnConnectionState(fn session.StateListener) func() {
	return c.manager.Subscribe(fn)
}

// RoomID returns the room the client is in, or "".
func (c *Client) RoomID() string {
	id, _ := c.roomID.Load().(string)
	return id
}

// Enter connects to roomID. Entering a different room starts from an empty
// state seeded with the room's current roster and game. Re-entering the
// current room is a no-op while the connection is live; otherwise it
// reconnects and refreshes the state from the room detail, which covers
// whatever was pushed while the connection was down.
func (c *Client) Enter(ctx context.Context, roomID string) error {
	detail, err := c.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	current := c.RoomID()
	if current == roomID && c.lease != nil && c.lease.Handle().State().Live() {
		return nil
	}

	if c.lease != nil {
		c.lease.Release()
		c.lease = nil
	}
	c.seed(detail, roomID != current)
	c.roomID.Store(roomID)

	lease, err := c.manager.Acquire(network.Target{RoomID: roomID, ParticipantID: c.name})
	if err != nil {
		return err
	}
	c.lease = lease
	logger.Log.Infof("%s entered room %s", c.name, roomID)
	return nil
}

// seed folds detail into the store on the router goroutine, so no frame
// from a previous connection can fold in after it. With reset the store
// starts over for a new room. The wait is bounded: the router runs or
// drops every posted func.
func (c *Client) seed(detail models.RoomDetail, reset bool) {
	done := c.router.Post(func() {
		if reset {
			c.store.Reset(detail.RoomID, detail.Host)
		}
		if detail.Players != nil {
			c.store.Apply(network.PlayerJoined{Players: detail.Players})
		}
		if detail.Game != nil {
			c.store.Apply(network.GameStateChanged{Snapshot: *detail.Game})
		}
	})
	<-done
}

// Detach drops the connection but remembers the room.
func (c *Client) Detach() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.lease != nil {
		c.lease.Release()
		c.lease = nil
	}
}

func (c *Client) currentRoom() (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	roomID := c.RoomID()
	if roomID == "" {
		return "", ErrNoRoom
	}
	return roomID, nil
}

// Create opens a room hosted by this player and enters it.
func (c *Client) Create(ctx context.Context, maxPlayers int) (string, error) {
	res, err := c.rooms.CreateRoom(ctx, c.name, maxPlayers)
	if err != nil {
		return "", err
	}
	if res.RoomID == "" {
		return "", fmt.Errorf("create room: server returned no room id")
	}
	return res.RoomID, c.Enter(ctx, res.RoomID)
}

// Join takes a seat in roomID and enters it.
func (c *Client) Join(ctx context.Context, roomID string) error {
	if _, err := c.rooms.JoinRoom(ctx, roomID, c.name); err != nil {
		return err
	}
	return c.Enter(ctx, roomID)
}

// Leave gives up the seat and drops the connection.
func (c *Client) Leave(ctx context.Context) error {
	roomID, err := c.currentRoom()
	if err != nil {
		return err
	}
	if _, err := c.rooms.LeaveRoom(ctx, roomID, c.name); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.lease != nil {
		c.lease.Release()
		c.lease = nil
	}
	c.roomID.CompareAndSwap(roomID, "")
	return nil
}

func (c *Client) Start(ctx context.Context) error {
	roomID, err := c.currentRoom()
	if err != nil {
		return err
	}
	_, err = c.rooms.StartGame(ctx, roomID, c.name)
	return err
}

// Delete removes the current room. The server decides who may do that.
func (c *Client) Delete(ctx context.Context) error {
	roomID, err := c.currentRoom()
	if err != nil {
		return err
	}
	_, err = c.rooms.DeleteRoom(ctx, roomID, c.name)
	return err
}

func (c *Client) Draw(ctx context.Context) (models.DrawResult, error) {
	roomID, err := c.currentRoom()
	if err != nil {
		return models.DrawResult{}, err
	}
	return c.rooms.DrawFromDeck(ctx, roomID, c.name)
}

func (c *Client) Take(ctx context.Context, cardIndex int) (models.TakeResult, error) {
	roomID, err := c.currentRoom()
	if err != nil {
		return models.TakeResult{}, err
	}
	return c.rooms.TakeFromMarket(ctx, roomID, c.name, cardIndex)
}

func (c *Client) Play(ctx context.Context, company models.CompanyID, intent services.PlayIntent) error {
	roomID, err := c.currentRoom()
	if err != nil {
		return err
	}
	_, err = c.rooms.PlayCard(ctx, roomID, c.name, company, intent)
	return err
}

// Close disconnects and stops every background goroutine. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.mutex.Lock()
	if c.closed.Swap(true) {
		c.mutex.Unlock()
		return nil
	}
	if c.lease != nil {
		c.lease.Release()
		c.lease = nil
	}
	c.mutex.Unlock()

	c.manager.Close()
	c.router.Close()
	c.cancel()
	<-c.router.Done()
	for _, unsub := range c.unsubs {
		unsub()
	}
	if c.recorder != nil {
		c.recorder.close()
	}
	return nil
}
