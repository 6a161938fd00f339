package session

import (
	"sync"

	"github.com/wfunc/tycoon/network"
)

// Lease ties a connection to the scope that asked for it. Every scope that
// acquires a lease must Release it exactly once when it ends; the handle is
// closed when its last lease is released. Releasing a lease whose handle
// has already been replaced does nothing, so a scope that is torn down
// after its successor started cannot close the successor's connection.
type Lease struct {
	manager *Manager
	handle  *network.Handle
	once    sync.Once
}

// Acquire connects to target and leases the resulting handle.
func (m *Manager) Acquire(target network.Target) (*Lease, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	h, err := m.connectLocked(target)
	if err != nil {
		return nil, err
	}
	m.leases++
	return &Lease{manager: m, handle: h}, nil
}

// Handle returns the leased handle.
func (l *Lease) Handle() *network.Handle {
	return l.handle
}

// Release gives the lease back. Only the first call counts.
func (l *Lease) Release() {
	l.once.Do(func() {
		m := l.manager
		m.mutex.Lock()
		defer m.mutex.Unlock()

		if m.current != l.handle {
			return
		}
		m.leases--
		if m.leases <= 0 {
			m.disconnectLocked()
		}
	})
}
