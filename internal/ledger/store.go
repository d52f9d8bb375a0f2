package ledger

import (
	"fmt"
	"sync"
)

type txLocation struct {
	height uint64
	index  int
}

// Store holds the committed chain. Blocks are treated as immutable once
// appended; callers must not modify the slices inside a returned Block.
type Store struct {
	mu     sync.RWMutex
	crypto Crypto
	chain  []Block
	index  map[string]txLocation // committed tx id → position
}

// NewStore creates a Store holding only the genesis block.
func NewStore(c Crypto) *Store {
	return &Store{
		crypto: c,
		chain:  []Block{Genesis(c)},
		index:  make(map[string]txLocation),
	}
}

// Append accepts b only if it extends the current head.
func (s *Store) Append(b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Height != uint64(len(s.chain)) {
		return fmt.Errorf("%w: got height %d, want %d", ErrOutOfSequence, b.Height, len(s.chain))
	}
	head := &s.chain[len(s.chain)-1]
	if err := checkLink(head, &b); err != nil {
		return err
	}
	if err := b.Verify(s.crypto); err != nil {
		return err
	}
	for i := range b.Transactions {
		if _, ok := s.index[b.Transactions[i].ID]; ok {
			return fmt.Errorf("%w: %s already committed", ErrDuplicateID, b.Transactions[i].ID)
		}
	}

	s.chain = append(s.chain, b)
	for i := range b.Transactions {
		s.index[b.Transactions[i].ID] = txLocation{height: b.Height, index: i}
	}
	return nil
}

// ReplaceResult describes what a successful ReplaceChain changed.
type ReplaceResult struct {
	// ForkHeight is the first height at which old and new chains differ.
	ForkHeight uint64
	// Dropped holds the abandoned suffix of the old chain.
	Dropped []Block
	// Changed counts blocks in the new chain from ForkHeight on.
	Changed int
}

// ReplaceChain swaps in candidate iff it is strictly longer and fully valid.
func (s *Store) ReplaceChain(candidate []Block) (ReplaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(candidate) <= len(s.chain) {
		return ReplaceResult{}, fmt.Errorf("%w: candidate length %d, local length %d",
			ErrNotLongerOrInvalid, len(candidate), len(s.chain))
	}
	if err := VerifyChain(s.crypto, candidate); err != nil {
		return ReplaceResult{}, fmt.Errorf("%w: %w", ErrNotLongerOrInvalid, err)
	}

	fork := 0
	for fork < len(s.chain) && s.chain[fork].Hash == candidate[fork].Hash {
		fork++
	}
	dropped := make([]Block, len(s.chain)-fork)
	copy(dropped, s.chain[fork:])

	next := make([]Block, len(candidate))
	copy(next, candidate)
	s.chain = next
	s.reindex()

	return ReplaceResult{
		ForkHeight: uint64(fork),
		Dropped:    dropped,
		Changed:    len(next) - fork,
	}, nil
}

// reindex rebuilds the tx index. Must be called with lock held.
func (s *Store) reindex() {
	s.index = make(map[string]txLocation)
	for h := range s.chain {
		for i := range s.chain[h].Transactions {
			s.index[s.chain[h].Transactions[i].ID] = txLocation{height: uint64(h), index: i}
		}
	}
}

// Audit walks the chain from genesis and returns the first violation.
func (s *Store) Audit() error {
	return VerifyChain(s.crypto, s.Blocks())
}

// Verify reports whether the whole chain passes Audit.
func (s *Store) Verify() bool {
	return s.Audit() == nil
}

// Head returns the last block.
func (s *Store) Head() Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chain[len(s.chain)-1]
}

// Len returns the number of blocks including genesis.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chain)
}

// BlockAt returns the block at height.
func (s *Store) BlockAt(height uint64) (Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if height >= uint64(len(s.chain)) {
		return Block{}, false
	}
	return s.chain[height], true
}

// Blocks returns a snapshot of the chain.
func (s *Store) Blocks() []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Block, len(s.chain))
	copy(out, s.chain)
	return out
}

// HasTransaction reports whether id is committed.
func (s *Store) HasTransaction(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Transaction returns a committed transaction and the height that holds it.
func (s *Store) Transaction(id string) (Transaction, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.index[id]
	if !ok {
		return Transaction{}, 0, false
	}
	return s.chain[loc.height].Transactions[loc.index], loc.height, true
}

// Transactions returns committed transactions matching fn in chain order.
func (s *Store) Transactions(fn func(*Transaction) bool) []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for h := range s.chain {
		for i := range s.chain[h].Transactions {
			if fn(&s.chain[h].Transactions[i]) {
				out = append(out, s.chain[h].Transactions[i])
			}
		}
	}
	return out
}

func checkLink(prev, b *Block) error {
	if b.Height != prev.Height+1 {
		return fmt.Errorf("%w: height %d does not follow %d", ErrOutOfSequence, b.Height, prev.Height)
	}
	if b.PreviousHash != prev.Hash {
		return fmt.Errorf("%w: block %d links to %s, head is %s",
			ErrOutOfSequence, b.Height, short(b.PreviousHash), short(prev.Hash))
	}
	return nil
}

// VerifyChain checks a whole chain from genesis: identical genesis, no height
// gaps, hash links, block hashes and signatures, and unique transaction ids.
func VerifyChain(c Crypto, chain []Block) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty chain", ErrOutOfSequence)
	}
	seen := make(map[string]struct{})
	for i := range chain {
		b := &chain[i]
		if b.Height != uint64(i) {
			return fmt.Errorf("%w: block at index %d has height %d", ErrOutOfSequence, i, b.Height)
		}
		if i > 0 {
			if err := checkLink(&chain[i-1], b); err != nil {
				return err
			}
		}
		if err := b.Verify(c); err != nil {
			return err
		}
		for j := range b.Transactions {
			id := b.Transactions[j].ID
			if _, dup := seen[id]; dup {
				return fmt.Errorf("%w: %s committed twice", ErrDuplicateID, id)
			}
			seen[id] = struct{}{}
		}
	}
	return nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
