// session/manager.go
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/tycoon/logger"
	"github.com/wfunc/tycoon/network"
	"github.com/wfunc/tycoon/timer"
)

// Attacher is told which handle generation is active, synchronously with
// every swap. Generation 0 means no handle.
type Attacher interface {
	Attach(generation uint64)
}

// StateListener observes handle transitions.
type StateListener func(h *network.Handle, s network.State)

var ErrManagerClosed = errors.New("connection manager closed")

// InvariantViolation reports more live handles than the manager allows.
// It can only happen through a bug in this package.
type InvariantViolation struct {
	Live int
	Max  int
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %d live connection handles, at most %d allowed", e.Live, e.Max)
}

type Options struct {
	BaseAddress string
	TLS         bool
	Dialer      network.Dialer
	Sink        network.Sink
	Attacher    Attacher
	DialTimeout time.Duration
	Heartbeat   time.Duration
	// Debug turns invariant violations into panics.
	Debug bool
}

// Manager owns at most one connection handle for the process.
type Manager struct {
	opts   Options
	timers *timer.Manager

	mutex   sync.Mutex
	current *network.Handle
	leases  int
	gen     uint64
	owned   []*network.Handle
	closed  bool

	listenerMutex sync.RWMutex
	listeners     map[int]StateListener
	nextListener  int
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = network.NewWSDialer(nil)
	}
	return &Manager{
		opts:      opts,
		timers:    timer.NewManager(),
		listeners: make(map[int]StateListener),
	}
}

// Connect makes target the live session. A live handle (Connecting or
// Open) for the same target is returned unchanged; any other handle is
// closed before a new one is created. The new handle connects in the
// background. The error is non-nil only for an invalid target or a closed
// manager.
func (m *Manager) Connect(target network.Target) (*network.Handle, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.connectLocked(target)
}

func (m *Manager) connectLocked(target network.Target) (*network.Handle, error) {
	if m.closed {
		return nil, ErrManagerClosed
	}

	if cur := m.current; cur != nil && cur.Target() == target && cur.State().Live() {
		logger.Log.Debugf("Connection %s to %s already %s, reusing", cur.ID(), target, cur.State().Phase)
		return cur, nil
	}

	m.gen++
	if m.opts.Attacher != nil {
		m.opts.Attacher.Attach(m.gen)
	}
	if old := m.current; old != nil {
		logger.Log.Infof("Replacing connection %s to %s with %s", old.ID(), old.Target(), target)
		old.Close()
		m.current = nil
	}
	m.assertLive(0)

	h := network.NewHandle(network.Options{
		Target:      target,
		URL:         network.Endpoint(m.opts.BaseAddress, m.opts.TLS, target),
		Generation:  m.gen,
		Dialer:      m.opts.Dialer,
		Sink:        m.opts.Sink,
		DialTimeout: m.opts.DialTimeout,
		Heartbeat:   m.opts.Heartbeat,
		Timers:      m.timers,
		OnState:     m.onState,
	})
	m.current = h
	m.leases = 0
	m.owned = append(m.owned, h)
	m.assertLive(1)

	logger.Log.Infof("Connecting %s to %s", h.ID(), h.URL())
	return h, nil
}

// Disconnect closes the current handle, if any.
func (m *Manager) Disconnect() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	if m.current == nil {
		return
	}
	if m.opts.Attacher != nil {
		m.opts.Attacher.Attach(0)
	}
	logger.Log.Infof("Disconnecting %s from %s", m.current.ID(), m.current.Target())
	m.current.Close()
	m.current = nil
	m.leases = 0
}

// Current returns the handle the manager owns right now, or nil.
func (m *Manager) Current() *network.Handle {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.current
}

// Subscribe registers fn for every transition of every handle this manager
// creates. The returned func removes it.
func (m *Manager) Subscribe(fn StateListener) func() {
	m.listenerMutex.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.listenerMutex.Unlock()

	return func() {
		m.listenerMutex.Lock()
		delete(m.listeners, id)
		m.listenerMutex.Unlock()
	}
}

// Close disconnects and stops the manager. Later Connect calls fail.
func (m *Manager) Close() {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	m.disconnectLocked()
	m.closed = true
	m.mutex.Unlock()

	m.timers.Stop()
}

func (m *Manager) onState(h *network.Handle, s network.State) {
	if s.Abnormal() {
		logger.Log.Warnf("Connection %s to %s lost (%d): %s", h.ID(), h.Target(), s.Code, s.Reason)
	}

	m.listenerMutex.RLock()
	listeners := make([]StateListener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenerMutex.RUnlock()

	for _, fn := range listeners {
		fn(h, s)
	}
}

// assertLive checks that no more than max owned handles are live, pruning
// the ones that have closed.
func (m *Manager) assertLive(max int) {
	live := m.owned[:0]
	for _, h := range m.owned {
		if h.State().Live() {
			live = append(live, h)
		}
	}
	for i := len(live); i < len(m.owned); i++ {
		m.owned[i] = nil
	}
	m.owned = live

	if len(live) > max {
		err := &InvariantViolation{Live: len(live), Max: max}
		if m.opts.Debug {
			panic(err)
		}
		logger.Log.Errorf("%v", err)
	}
}
