// timer/timer.go
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// DefaultResolution is how often due timers are checked.
const DefaultResolution = 100 * time.Millisecond

type Task struct {
	ID       int64
	Execute  time.Time
	Interval time.Duration
	Callback func()
	index    int
}

type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	return q[i].Execute.Before(q[j].Execute)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*q)
	*q = append(*q, task)
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*q = old[:n-1]
	return task
}

// Manager runs one-shot and periodic callbacks from a single heap.
// Callbacks run on their own goroutines.
type Manager struct {
	queue      taskQueue
	byID       map[int64]*Task
	mutex      sync.Mutex
	nextID     int64
	resolution time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

func NewManager() *Manager {
	return NewManagerWithResolution(DefaultResolution)
}

func NewManagerWithResolution(resolution time.Duration) *Manager {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	m := &Manager{
		queue:      make(taskQueue, 0),
		byID:       make(map[int64]*Task),
		nextID:     1,
		resolution: resolution,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	heap.Init(&m.queue)
	go m.process()
	return m
}

// AddTimer schedules callback after delay, then every interval if interval > 0.
func (m *Manager) AddTimer(delay, interval time.Duration, callback func()) int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	task := &Task{
		ID:       m.nextID,
		Execute:  time.Now().Add(delay),
		Interval: interval,
		Callback: callback,
	}
	m.nextID++

	heap.Push(&m.queue, task)
	m.byID[task.ID] = task
	return task.ID
}

// RemoveTimer cancels a timer. It reports whether the timer was still pending.
func (m *Manager) RemoveTimer(id int64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	task, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)
	if task.index >= 0 {
		heap.Remove(&m.queue, task.index)
	}
	return true
}

// Len returns the number of pending timers.
func (m *Manager) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.queue.Len()
}

// Stop halts the manager. Pending timers never fire.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
}

func (m *Manager) process() {
	defer close(m.done)
	ticker := time.NewTicker(m.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			for _, cb := range m.due(now) {
				go cb()
			}
		}
	}
}

func (m *Manager) due(now time.Time) []func() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var fire []func()
	for m.queue.Len() > 0 {
		task := m.queue[0]
		if task.Execute.After(now) {
			break
		}
		heap.Pop(&m.queue)
		fire = append(fire, task.Callback)

		if task.Interval > 0 {
			task.Execute = now.Add(task.Interval)
			heap.Push(&m.queue, task)
		} else {
			delete(m.byID, task.ID)
		}
	}
	return fire
}
