package ledger

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names a ledger notification.
type EventType string

const (
	EventBlockAppended     EventType = "block_appended"
	EventTransactionAdded  EventType = "transaction_added"
	EventChainReplaced     EventType = "chain_replaced"
	EventValidatorsChanged EventType = "validators_changed"
	EventConsensusError    EventType = "consensus_error"
)

// Event is a change notification. Only the fields relevant to Type are set.
type Event struct {
	Type          EventType `json:"type"`
	At            time.Time `json:"at"`
	Height        uint64    `json:"height,omitempty"`
	BlockHash     string    `json:"blockHash,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	Kind          Kind      `json:"kind,omitempty"`
	Changed       int       `json:"changed,omitempty"` // blocks changed by a chain replacement
	NodeID        string    `json:"nodeId,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *zap.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber that has room.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("Event dropped for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("type", string(e.Type)),
			)
		}
	}
}
