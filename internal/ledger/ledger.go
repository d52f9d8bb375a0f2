// Package ledger holds the chain, the transaction pool and the validator
// registry behind a single owner that serializes every mutation.
package ledger

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Archive persists committed blocks. Failures are logged, never rolled back:
// a block is authoritative once it is in memory.
type Archive interface {
	SaveBlock(b Block) error
	ReplaceFrom(height uint64, blocks []Block) error
}

// Options tunes a Ledger.
type Options struct {
	PoolCapacity int
	Archive      Archive
}

// Ledger is the ledger state: chain, pool, validators and lastBlockTime.
// All mutations take mu, so the production timer, gossip handling and chain
// sync never interleave partial updates. Reads go straight to the
// components, which guard themselves.
type Ledger struct {
	mu            sync.Mutex
	crypto        Crypto
	store         *Store
	pool          *Pool
	registry      *Registry
	bus           *Bus
	archive       Archive
	lastBlockTime atomic.Int64
	logger        *zap.Logger
}

// New creates a Ledger holding only the genesis block.
func New(c Crypto, opts Options, bus *Bus, logger *zap.Logger) *Ledger {
	store := NewStore(c)
	return &Ledger{
		crypto:   c,
		store:    store,
		pool:     NewPool(c, store, opts.PoolCapacity),
		registry: NewRegistry(),
		bus:      bus,
		archive:  opts.Archive,
		logger:   logger.With(zap.String("component", "ledger")),
	}
}

// Bus returns the event bus.
func (l *Ledger) Bus() *Bus { return l.bus }

// Crypto returns the signing and hashing collaborator.
func (l *Ledger) Crypto() Crypto { return l.crypto }

// --- pool mutations ---

// Offer admits a transaction into the pool.
func (l *Ledger) Offer(tx Transaction) error {
	l.mu.Lock()
	err := l.pool.Offer(tx)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.bus.Publish(Event{
		Type:          EventTransactionAdded,
		TransactionID: tx.ID,
		Kind:          tx.Kind,
		NodeID:        tx.Sender,
	})
	return nil
}

// Drain removes up to max pooled transactions for block assembly.
func (l *Ledger) Drain(max int) []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool.Drain(max)
}

// Restore returns drained transactions to the pool after an aborted cycle.
func (l *Ledger) Restore(txs []Transaction) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool.Restore(txs)
}

// --- chain mutations ---

// Append commits b on top of the head and retires its transactions.
func (l *Ledger) Append(b Block) error {
	l.mu.Lock()
	if err := l.store.Append(b); err != nil {
		l.mu.Unlock()
		return err
	}
	retired := l.pool.Retire(b.TransactionIDs())
	l.lastBlockTime.Store(b.CreatedAt)
	if l.archive != nil {
		if err := l.archive.SaveBlock(b); err != nil {
			l.logger.Error("Archive block failed", zap.Uint64("height", b.Height), zap.Error(err))
		}
	}
	l.mu.Unlock()

	l.logger.Debug("Block appended",
		zap.Uint64("height", b.Height),
		zap.String("producer", b.Producer),
		zap.Int("txs", len(b.Transactions)),
		zap.Int("retired", retired),
	)
	l.bus.Publish(Event{
		Type:      EventBlockAppended,
		Height:    b.Height,
		BlockHash: b.Hash,
		NodeID:    b.Producer,
	})
	return nil
}

// ReplaceChain substitutes candidate for the local chain if it is strictly
// longer and valid. Transactions committed by the new chain leave the pool;
// those only the abandoned branch held go back into it.
func (l *Ledger) ReplaceChain(candidate []Block) error {
	l.mu.Lock()
	res, err := l.replaceLocked(candidate)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if l.archive != nil {
		if err := l.archive.ReplaceFrom(res.ForkHeight, candidate[res.ForkHeight:]); err != nil {
			l.logger.Error("Archive chain replacement failed", zap.Error(err))
		}
	}
	head := l.store.Head()
	l.mu.Unlock()

	l.logger.Info("Chain replaced",
		zap.Uint64("forkHeight", res.ForkHeight),
		zap.Int("changed", res.Changed),
		zap.Int("dropped", len(res.Dropped)),
		zap.Uint64("head", head.Height),
	)
	l.bus.Publish(Event{
		Type:      EventChainReplaced,
		Height:    head.Height,
		BlockHash: head.Hash,
		Changed:   res.Changed,
	})
	return nil
}

// Load installs a previously archived chain without writing it back.
func (l *Ledger) Load(chain []Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.replaceLocked(chain)
	return err
}

// replaceLocked must be called with mu held.
func (l *Ledger) replaceLocked(candidate []Block) (ReplaceResult, error) {
	res, err := l.store.ReplaceChain(candidate)
	if err != nil {
		return res, err
	}
	for i := res.ForkHeight; i < uint64(len(candidate)); i++ {
		l.pool.Retire(candidate[i].TransactionIDs())
	}
	var orphans []Transaction
	for _, b := range res.Dropped {
		orphans = append(orphans, b.Transactions...)
	}
	if n := l.pool.Restore(orphans); n > 0 {
		l.logger.Info("Re-pooled orphaned transactions", zap.Int("count", n))
	}
	l.lastBlockTime.Store(l.store.Head().CreatedAt)
	return res, nil
}

// --- registry mutations ---

// Register adds nodeID to the validator set.
func (l *Ledger) Register(nodeID string) bool {
	l.mu.Lock()
	added := l.registry.Register(nodeID)
	l.mu.Unlock()
	if added {
		l.bus.Publish(Event{Type: EventValidatorsChanged, NodeID: nodeID, Detail: "registered"})
	}
	return added
}

// Admit registers nodeID on its own network announcement, unless it is
// still serving a demotion.
func (l *Ledger) Admit(nodeID string, now time.Time) (bool, error) {
	l.mu.Lock()
	added, err := l.registry.Admit(nodeID, now)
	l.mu.Unlock()
	if added {
		l.bus.Publish(Event{Type: EventValidatorsChanged, NodeID: nodeID, Detail: "registered"})
	}
	return added, err
}

// Demote removes nodeID for low reputation and refuses its re-announcements
// until the given time.
func (l *Ledger) Demote(nodeID string, until time.Time) bool {
	l.mu.Lock()
	removed := l.registry.Demote(nodeID, until)
	l.mu.Unlock()
	if removed {
		l.bus.Publish(Event{Type: EventValidatorsChanged, NodeID: nodeID, Detail: "demoted"})
	}
	return removed
}

// Deregister removes nodeID from the validator set.
func (l *Ledger) Deregister(nodeID string) bool {
	l.mu.Lock()
	removed := l.registry.Deregister(nodeID)
	l.mu.Unlock()
	if removed {
		l.bus.Publish(Event{Type: EventValidatorsChanged, NodeID: nodeID, Detail: "deregistered"})
	}
	return removed
}

// AdjustReputation changes a validator's reputation by delta.
func (l *Ledger) AdjustReputation(nodeID string, delta int) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registry.AdjustReputation(nodeID, delta)
}

// Penalize lowers a validator's reputation after an integrity failure.
func (l *Ledger) Penalize(nodeID string, amount int) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registry.Penalize(nodeID, amount)
}

// Evaluate runs one reputation tick and returns validators below low.
func (l *Ledger) Evaluate(low int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registry.Evaluate(low)
}

// ReportError publishes a consensus-error notification.
func (l *Ledger) ReportError(err error, nodeID string) {
	l.bus.Publish(Event{
		Type:   EventConsensusError,
		NodeID: nodeID,
		Reason: ReasonOf(err),
		Detail: err.Error(),
	})
}

// --- reads ---

// Head returns the chain head.
func (l *Ledger) Head() Block { return l.store.Head() }

// Len returns the chain length including genesis.
func (l *Ledger) Len() int { return l.store.Len() }

// BlockAt returns the block at height.
func (l *Ledger) BlockAt(height uint64) (Block, bool) { return l.store.BlockAt(height) }

// Blocks returns a snapshot of the chain.
func (l *Ledger) Blocks() []Block { return l.store.Blocks() }

// Verify walks the chain from genesis.
func (l *Ledger) Verify() bool { return l.store.Verify() }

// Audit is Verify with the reason for failure.
func (l *Ledger) Audit() error { return l.store.Audit() }

// VerifyCandidate checks a foreign chain with the same rules as ReplaceChain.
func (l *Ledger) VerifyCandidate(chain []Block) error { return VerifyChain(l.crypto, chain) }

// LastBlockTime returns the createdAt of the most recently committed block.
func (l *Ledger) LastBlockTime() int64 { return l.lastBlockTime.Load() }

// PoolSize returns the number of pooled transactions.
func (l *Ledger) PoolSize() int { return l.pool.Len() }

// Pending returns a snapshot of the pool.
func (l *Ledger) Pending() []Transaction { return l.pool.Snapshot() }

// IsAuthorized reports validator membership.
func (l *Ledger) IsAuthorized(nodeID string) bool { return l.registry.IsAuthorized(nodeID) }

// Reputation returns a validator's reputation.
func (l *Ledger) Reputation(nodeID string) (int, bool) { return l.registry.Reputation(nodeID) }

// Validators returns a snapshot of the validator set.
func (l *Ledger) Validators() map[string]int { return l.registry.Snapshot() }

// TxRecord is a transaction with its confirmation status.
type TxRecord struct {
	Transaction Transaction `json:"transaction"`
	Confirmed   bool        `json:"confirmed"`
	Height      uint64      `json:"height,omitempty"`
}

// Transaction looks id up in the pool and then the chain.
func (l *Ledger) Transaction(id string) (TxRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx, ok := l.pool.Get(id); ok {
		return TxRecord{Transaction: tx}, true
	}
	if tx, h, ok := l.store.Transaction(id); ok {
		return TxRecord{Transaction: tx, Confirmed: true, Height: h}, true
	}
	return TxRecord{}, false
}

// TransactionsByKind lists committed then pending transactions of kind.
func (l *Ledger) TransactionsByKind(kind Kind) []Transaction {
	return l.list(func(tx *Transaction) bool { return tx.Kind == kind })
}

// TransactionsByParty lists committed then pending transactions that nodeID
// sent or received.
func (l *Ledger) TransactionsByParty(nodeID string) []Transaction {
	return l.list(func(tx *Transaction) bool { return tx.Involves(nodeID) })
}

// list takes mu so a transaction moving from pool to chain is seen exactly once.
func (l *Ledger) list(fn func(*Transaction) bool) []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.store.Transactions(fn)
	for _, tx := range l.pool.Snapshot() {
		if fn(&tx) {
			out = append(out, tx)
		}
	}
	return out
}
