package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/tycoon/logger"
	"github.com/wfunc/tycoon/timer"
)

// Phase is where a handle is in its life.
type Phase int

const (
	Connecting Phase = iota
	Open
	Closed
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is an observed handle state. Code and Reason are set once Closed.
type State struct {
	Phase  Phase
	Code   int
	Reason string
}

// Live reports whether the handle still owns (or is acquiring) a connection.
func (s State) Live() bool {
	return s.Phase != Closed
}

// Abnormal reports whether the handle closed for any reason other than a
// normal closure.
func (s State) Abnormal() bool {
	return s.Phase == Closed && s.Code != CloseNormal
}

// ConnectionError describes an abnormal closure.
type ConnectionError struct {
	Code   int
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection closed abnormally (%d): %s", e.Code, e.Reason)
}

// Sink receives every inbound frame, tagged with the handle that read it.
// Frames from one handle arrive in the order the connection produced them.
type Sink interface {
	Deliver(h *Handle, data []byte)
}

// Options configure a new Handle.
type Options struct {
	Target     Target
	URL        string
	Generation uint64
	Dialer     Dialer
	Sink       Sink

	// DialTimeout bounds Connecting; 0 means no bound.
	DialTimeout time.Duration
	// Heartbeat pings an open connection at this interval using Timers.
	Heartbeat time.Duration
	Timers    *timer.Manager

	// OnState observes every transition, in order, on a goroutine owned by
	// the handle. Connecting is not reported.
	OnState func(h *Handle, s State)
}

// Handle owns one physical connection from dial to close.
type Handle struct {
	id     string
	gen    uint64
	target Target
	url    string
	opts   Options

	mu      sync.Mutex
	state   State
	conn    Connection
	cancel  context.CancelFunc
	timerID int64
	done    chan struct{}
	notify  chan State
}

// NewHandle creates a handle in Connecting and starts dialing in the background.
func NewHandle(opts Options) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:     uuid.NewString(),
		gen:    opts.Generation,
		target: opts.Target,
		url:    opts.URL,
		opts:   opts,
		state:  State{Phase: Connecting},
		cancel: cancel,
		done:   make(chan struct{}),
		// Open and Closed are the only transitions ever queued.
		notify: make(chan State, 2),
	}
	go h.emit()
	go h.run(ctx)
	return h
}

func (h *Handle) ID() string         { return h.id }
func (h *Handle) Generation() uint64 { return h.gen }
func (h *Handle) Target() Target     { return h.target }
func (h *Handle) URL() string        { return h.url }

// Done is closed when the handle reaches Closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns a *ConnectionError if the handle closed abnormally.
func (h *Handle) Err() error {
	s := h.State()
	if !s.Abnormal() {
		return nil
	}
	return &ConnectionError{Code: s.Code, Reason: s.Reason}
}

// Close moves the handle to Closed immediately and tears the socket down in
// the background. A dial still in flight is cancelled. Calling Close more
// than once is harmless.
func (h *Handle) Close() {
	h.finish(CloseNormal, "client closed")
}

func (h *Handle) run(ctx context.Context) {
	dialCtx := ctx
	if h.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, h.opts.DialTimeout)
		defer cancel()
	}

	conn, err := h.opts.Dialer.Dial(dialCtx, h.url)
	if err != nil {
		if ctx.Err() != nil {
			// Closed by the owner while dialing; state is already final.
			return
		}
		reason := err.Error()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			reason = "connect timeout"
		}
		h.finish(CloseAbnormal, reason)
		return
	}

	h.mu.Lock()
	if h.state.Phase == Closed {
		h.mu.Unlock()
		go conn.Close(CloseNormal, "superseded")
		return
	}
	h.conn = conn
	h.state = State{Phase: Open}
	if h.opts.Heartbeat > 0 && h.opts.Timers != nil {
		h.timerID = h.opts.Timers.AddTimer(h.opts.Heartbeat, h.opts.Heartbeat, h.ping)
	}
	h.notify <- h.state
	h.mu.Unlock()

	logger.Log.Infof("Connection %s open to %s (%s)", h.id, h.url, conn.RemoteAddr())
	h.readLoop(conn)
}

func (h *Handle) readLoop(conn Connection) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeStatus(err)
			h.finish(code, reason)
			return
		}
		if !h.State().Live() {
			return
		}
		if h.opts.Sink != nil {
			h.opts.Sink.Deliver(h, data)
		}
	}
}

// finish records the Closed transition once and releases everything the
// handle holds.
func (h *Handle) finish(code int, reason string) bool {
	h.mu.Lock()
	if h.state.Phase == Closed {
		h.mu.Unlock()
		return false
	}
	h.state = State{Phase: Closed, Code: code, Reason: reason}
	conn := h.conn
	h.conn = nil
	if h.timerID != 0 {
		h.opts.Timers.RemoveTimer(h.timerID)
		h.timerID = 0
	}
	h.cancel()
	close(h.done)
	h.notify <- h.state
	close(h.notify)
	h.mu.Unlock()

	if conn != nil {
		go conn.Close(code, reason)
	}
	logger.Log.Infof("Connection %s to %s closed (%d): %s", h.id, h.target, code, reason)
	return true
}

func (h *Handle) emit() {
	for s := range h.notify {
		if h.opts.OnState != nil {
			h.opts.OnState(h, s)
		}
	}
}

func (h *Handle) ping() {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Ping(); err != nil {
		logger.Log.Debugf("Connection %s ping failed: %v", h.id, err)
	}
}

// closeStatus maps a read error onto a close code and reason.
func closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return CloseAbnormal, err.Error()
}
