package network

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iggydv12/aidchain/internal/ledger"
)

const inboxSize = 1024

// Hub is an in-process mesh used to run several nodes in one test binary.
// Every joined messenger sees every other online messenger.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryMessenger
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*MemoryMessenger)}
}

// Join attaches a messenger for nodeID.
func (h *Hub) Join(nodeID string) *MemoryMessenger {
	m := &MemoryMessenger{
		hub:    h,
		id:     nodeID,
		online: true,
		inbox:  make(chan Envelope, inboxSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.nodes[nodeID] = m
	h.mu.Unlock()
	go m.deliver()
	return m
}

// SetOnline partitions nodeID away from (or back into) the mesh.
func (h *Hub) SetOnline(nodeID string, online bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if m, ok := h.nodes[nodeID]; ok {
		m.mu.Lock()
		m.online = online
		m.mu.Unlock()
	}
}

func (h *Hub) reachable(from string) []*MemoryMessenger {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*MemoryMessenger
	for id, m := range h.nodes {
		if id != from && m.isOnline() {
			out = append(out, m)
		}
	}
	return out
}

func (h *Hub) lookup(nodeID string) (*MemoryMessenger, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.nodes[nodeID]
	return m, ok
}

func (h *Hub) leave(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, nodeID)
}

// MemoryMessenger is a Messenger attached to a Hub. Delivery is asynchronous
// and ordered per receiver.
type MemoryMessenger struct {
	mu       sync.RWMutex
	hub      *Hub
	id       string
	online   bool
	handlers []Handler
	inbox    chan Envelope
	done     chan struct{}
	once     sync.Once
}

func (m *MemoryMessenger) isOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Broadcast queues env on every other online node.
func (m *MemoryMessenger) Broadcast(ctx context.Context, env Envelope) error {
	if !m.isOnline() {
		return fmt.Errorf("%w: %s is offline", ledger.ErrNoConnectivity, m.id)
	}
	peers := m.hub.reachable(m.id)
	if len(peers) == 0 {
		return fmt.Errorf("%w: no peers", ledger.ErrNoConnectivity)
	}
	env.SenderID = m.id
	for _, p := range peers {
		p.enqueue(env)
	}
	return nil
}

// Send queues env on nodeID.
func (m *MemoryMessenger) Send(ctx context.Context, nodeID string, env Envelope) error {
	p, ok := m.hub.lookup(nodeID)
	if !ok || !m.isOnline() || !p.isOnline() {
		return fmt.Errorf("%w: %s unreachable", ledger.ErrNoConnectivity, nodeID)
	}
	env.SenderID = m.id
	p.enqueue(env)
	return nil
}

func (m *MemoryMessenger) enqueue(env Envelope) {
	select {
	case m.inbox <- env:
	case <-m.done:
	}
}

// Subscribe registers h.
func (m *MemoryMessenger) Subscribe(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Peers lists the other online nodes.
func (m *MemoryMessenger) Peers() []string {
	var ids []string
	for _, p := range m.hub.reachable(m.id) {
		ids = append(ids, p.id)
	}
	sort.Strings(ids)
	return ids
}

// Close detaches from the hub and stops delivery.
func (m *MemoryMessenger) Close() error {
	m.once.Do(func() {
		m.hub.leave(m.id)
		close(m.done)
	})
	return nil
}

func (m *MemoryMessenger) deliver() {
	ctx := context.Background()
	for {
		select {
		case <-m.done:
			return
		case env := <-m.inbox:
			m.mu.RLock()
			handlers := append([]Handler(nil), m.handlers...)
			m.mu.RUnlock()
			for _, h := range handlers {
				h(ctx, env)
			}
		}
	}
}
