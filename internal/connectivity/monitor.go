// Package connectivity tracks whether the remote authority is reachable and
// publishes online/offline transitions.
package connectivity

import (
	"sync"

	"github.com/kimhsiao/screensync/internal/logging"
)

// Monitor holds the current online state. Subscribers receive every
// transition; repeated Set calls with the same value publish nothing.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   []chan bool
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records the current state and notifies subscribers on a change.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	logging.Info("Online status changed", map[string]interface{}{
		"was_online": !online,
		"is_online":  online,
	})

	for _, ch := range m.subs {
		// Keep only the latest state for slow subscribers.
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- online
		}
	}
}

// Subscribe returns a channel receiving each new state. The channel is
// buffered by one; a slow reader sees the most recent state.
func (m *Monitor) Subscribe() <-chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan bool, 1)
	m.subs = append(m.subs, ch)
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (m *Monitor) Unsubscribe(ch <-chan bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subs {
		if sub == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(sub)
			return
		}
	}
}
