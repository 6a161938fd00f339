// broadcast/router.go
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/tycoon/logger"
	"github.com/wfunc/tycoon/network"
)

// queueSize bounds frames waiting for dispatch. A full queue blocks the
// reading connection rather than dropping frames.
const queueSize = 256

// Subscriber receives every event published by the router.
type Subscriber func(ev network.Event)

// Observer is told about routing activity. All methods must be cheap.
type Observer interface {
	MessageReceived()
	StaleMessageDropped()
	DispatchLatency(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) MessageReceived()              {}
func (nopObserver) StaleMessageDropped()          {}
func (nopObserver) DispatchLatency(time.Duration) {}

type frame struct {
	gen      uint64
	handleID string
	data     []byte
	received time.Time
}

// item is either a frame or a posted func.
type item struct {
	frame frame
	fn    func()
	done  chan struct{}
}

type subscription struct {
	id int
	fn Subscriber
}

// Router decodes frames from the active connection and fans the events
// out to subscribers in arrival order. Frames from any handle other than
// the active one are dropped.
//
// Subscribers run on the router's goroutine, one at a time, in the order
// they subscribed. Funcs passed to Post run on the same goroutine.
type Router struct {
	active   atomic.Uint64
	queue    chan item
	observer Observer

	subMutex    sync.RWMutex
	subscribers []subscription
	nextID      int

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func NewRouter(observer Observer) *Router {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Router{
		queue:    make(chan item, queueSize),
		observer: observer,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Attach switches the router to a handle generation; 0 detaches it.
// It takes effect before any frame still queued is dispatched.
func (r *Router) Attach(generation uint64) {
	r.active.Store(generation)
}

// Deliver queues a frame read by h.
func (r *Router) Deliver(h *network.Handle, data []byte) {
	f := frame{
		gen:      h.Generation(),
		handleID: h.ID(),
		data:     data,
		received: time.Now(),
	}
	select {
	case r.queue <- item{frame: f}:
	case <-r.closed:
	}
}

// Post runs fn on the dispatch goroutine after everything already queued.
// The returned channel is closed once fn has run, or right away if the
// router is closed and fn was dropped.
func (r *Router) Post(fn func()) <-chan struct{} {
	done := make(chan struct{})
	select {
	case <-r.closed:
		close(done)
		return done
	default:
	}
	select {
	case r.queue <- item{fn: fn, done: done}:
	case <-r.closed:
		close(done)
	}
	return done
}

// Subscribe adds fn and returns a func that removes it.
func (r *Router) Subscribe(fn Subscriber) func() {
	r.subMutex.Lock()
	id := r.nextID
	r.nextID++
	r.subscribers = append(r.subscribers, subscription{id: id, fn: fn})
	r.subMutex.Unlock()

	return func() {
		r.subMutex.Lock()
		defer r.subMutex.Unlock()
		for i, s := range r.subscribers {
			if s.id == id {
				r.subscribers = append(r.subscribers[:i:i], r.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Run dispatches queued frames until ctx is done or Close is called.
func (r *Router) Run(ctx context.Context) {
	defer close(r.done)
	defer r.drain()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closed:
			return
		case it := <-r.queue:
			if it.fn != nil {
				r.run(it)
				continue
			}
			r.dispatch(it.frame)
		}
	}
}

// Close stops Run. Frames delivered afterwards are discarded.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
}

// Done is closed when Run returns.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// drain releases Post callers whose funcs will never run.
func (r *Router) drain() {
	for {
		select {
		case it := <-r.queue:
			if it.done != nil {
				close(it.done)
			}
		default:
			return
		}
	}
}

func (r *Router) dispatch(f frame) {
	if f.gen == 0 || f.gen != r.active.Load() {
		r.observer.StaleMessageDropped()
		logger.Log.Debugf("Ignoring %d-byte message from superseded connection %s", len(f.data), f.handleID)
		return
	}
	r.observer.MessageReceived()

	ev, err := network.Decode(f.data)
	if err != nil {
		logger.Log.Warnf("Undecodable message on connection %s (%d bytes): %v", f.handleID, len(f.data), err)
	}
	r.publish(ev)
	r.observer.DispatchLatency(time.Since(f.received))
}

func (r *Router) run(it item) {
	defer close(it.done)
	defer func() {
		if p := recover(); p != nil {
			logger.Log.Errorf("Posted func panicked: %v", p)
		}
	}()
	it.fn()
}

func (r *Router) publish(ev network.Event) {
	r.subMutex.RLock()
	subs := make([]subscription, len(r.subscribers))
	copy(subs, r.subscribers)
	r.subMutex.RUnlock()

	for _, s := range subs {
		r.invoke(s, ev)
	}
}

func (r *Router) invoke(s subscription, ev network.Event) {
	defer func() {
		if p := recover(); p != nil {
			logger.Log.Errorf("Subscriber %d panicked on %s event: %v", s.id, ev.EventType(), p)
		}
	}()
	s.fn(ev)
}
