package ledger

import (
	"fmt"
	"sync"
)

// TxIndex answers whether a transaction id is already committed.
type TxIndex interface {
	HasTransaction(id string) bool
}

// Pool buffers signed, unconfirmed transactions in insertion order.
type Pool struct {
	mu        sync.RWMutex
	crypto    Crypto
	committed TxIndex
	capacity  int // 0 = unbounded
	order     []Transaction
	ids       map[string]struct{}
}

// NewPool creates an empty Pool. committed is consulted for duplicate ids.
func NewPool(c Crypto, committed TxIndex, capacity int) *Pool {
	return &Pool{
		crypto:    c,
		committed: committed,
		capacity:  capacity,
		ids:       make(map[string]struct{}),
	}
}

// Offer verifies tx and appends it to the pool.
func (p *Pool) Offer(tx Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.containsLocked(tx.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateID, tx.ID)
	}
	if err := tx.Verify(p.crypto); err != nil {
		return err
	}
	if err := ValidatePayload(tx.Kind, tx.Payload); err != nil {
		return err
	}
	if p.capacity > 0 && len(p.order) >= p.capacity {
		return fmt.Errorf("%w: capacity %d", ErrPoolFull, p.capacity)
	}
	p.order = append(p.order, tx)
	p.ids[tx.ID] = struct{}{}
	return nil
}

// containsLocked checks pool and chain. Must be called with lock held.
func (p *Pool) containsLocked(id string) bool {
	if _, ok := p.ids[id]; ok {
		return true
	}
	return p.committed != nil && p.committed.HasTransaction(id)
}

// Drain removes and returns up to max transactions in insertion order.
func (p *Pool) Drain(max int) []Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.order)
	if max > 0 && max < n {
		n = max
	}
	out := make([]Transaction, n)
	copy(out, p.order[:n])
	p.order = append([]Transaction(nil), p.order[n:]...)
	for i := range out {
		delete(p.ids, out[i].ID)
	}
	return out
}

// Restore puts previously drained transactions back at the head of the pool
// in their original order. Ids that were committed or re-pooled meanwhile are
// skipped. Capacity is not enforced: these were already admitted once.
func (p *Pool) Restore(txs []Transaction) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	back := make([]Transaction, 0, len(txs)+len(p.order))
	for _, tx := range txs {
		if p.containsLocked(tx.ID) {
			continue
		}
		back = append(back, tx)
		p.ids[tx.ID] = struct{}{}
	}
	restored := len(back)
	p.order = append(back, p.order...)
	return restored
}

// Retire removes confirmed ids from the pool and returns how many were present.
func (p *Pool) Retire(ids []string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := p.ids[id]; ok {
			drop[id] = struct{}{}
			delete(p.ids, id)
		}
	}
	if len(drop) == 0 {
		return 0
	}
	filtered := p.order[:0]
	for _, tx := range p.order {
		if _, gone := drop[tx.ID]; !gone {
			filtered = append(filtered, tx)
		}
	}
	p.order = filtered
	return len(drop)
}

// Len returns the number of pooled transactions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Contains reports whether id is pooled.
func (p *Pool) Contains(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.ids[id]
	return ok
}

// Get returns the pooled transaction with id.
func (p *Pool) Get(id string) (Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.ids[id]; !ok {
		return Transaction{}, false
	}
	for _, tx := range p.order {
		if tx.ID == id {
			return tx, true
		}
	}
	return Transaction{}, false
}

// Snapshot returns a copy of the pool in insertion order.
func (p *Pool) Snapshot() []Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Transaction, len(p.order))
	copy(out, p.order)
	return out
}
