// Package network tracks device reachability and notifies subscribers when
// the backend becomes reachable again.
package network

import (
	"log/slog"
	"sync"
)

// State is a reachability sample. The device counts as online only when a
// link is up and the internet is confirmed reachable over it.
type State struct {
	Link     bool `json:"link"`
	Internet bool `json:"internet"`
}

// Reachable reports whether both link and internet are available.
func (s State) Reachable() bool {
	return s.Link && s.Internet
}

// Observer exposes current reachability and edge notifications.
type Observer interface {
	Online() bool
	Subscribe() *Subscription
}

// Subscription delivers one value on C for every unreachable to reachable
// transition. Edges that arrive while a previous one is still unread are
// coalesced.
type Subscription struct {
	ch     chan struct{}
	cancel func()
	once   sync.Once
}

// C returns the edge channel. It is closed when the subscription is closed.
func (s *Subscription) C() <-chan struct{} {
	return s.ch
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Monitor is the in-process Observer. Samples from a Prober or a platform
// binding are pushed through Update.
type Monitor struct {
	mu     sync.Mutex
	state  State
	subs   map[*Subscription]struct{}
	logger *slog.Logger
}

// NewMonitor creates a monitor that starts out unreachable.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With("component", "network"),
	}
}

// Online reports the last sampled reachability.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Reachable()
}

// State returns the last sample.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers for reachability edges.
func (m *Monitor) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan struct{}, 1)}
	sub.cancel = func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
		close(sub.ch)
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub
}

// Update records a new sample and fires an edge if the device just became
// reachable. It returns true when an edge was fired.
func (m *Monitor) Update(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	m.state = next

	if prev.Reachable() == next.Reachable() {
		return false
	}
	if !next.Reachable() {
		m.logger.Info("network unreachable", "link", next.Link, "internet", next.Internet)
		return false
	}

	m.logger.Info("network reachable", "subscribers", len(m.subs))
	// Sends happen under mu so that Close cannot close a channel mid-send.
	for sub := range m.subs {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
	return true
}
