package consensus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/aidchain/internal/identity"
	"github.com/iggydv12/aidchain/internal/ledger"
	"github.com/iggydv12/aidchain/internal/network"
)

func newKeyring(t *testing.T, role identity.Role) *identity.Keyring {
	t.Helper()
	k, err := identity.Generate(role)
	require.NoError(t, err)
	return k
}

func newLedger(k *identity.Keyring) *ledger.Ledger {
	return ledger.New(k, ledger.Options{PoolCapacity: 1000}, ledger.NewBus(zap.NewNop()), zap.NewNop())
}

func newTx(t *testing.T, k *identity.Keyring, id string) ledger.Transaction {
	t.Helper()
	payload, err := ledger.EncodePayload(map[string]string{"text": "need water at shelter " + id})
	require.NoError(t, err)
	tx := ledger.Transaction{
		ID:        id,
		Kind:      ledger.KindMessage,
		Sender:    k.LocalNodeID(),
		Payload:   payload,
		CreatedAt: 1000,
	}
	require.NoError(t, tx.Seal(k))
	return tx
}

func nextBlock(t *testing.T, k *identity.Keyring, prev ledger.Block, txs ...ledger.Transaction) ledger.Block {
	t.Helper()
	b := ledger.Block{
		Height:       prev.Height + 1,
		CreatedAt:    prev.CreatedAt + 10,
		Transactions: txs,
		PreviousHash: prev.Hash,
		Producer:     k.LocalNodeID(),
	}
	require.NoError(t, b.Seal(k))
	return b
}

// buildChain returns genesis plus n blocks of one transaction each.
func buildChain(t *testing.T, k *identity.Keyring, n int, tag string) []ledger.Block {
	t.Helper()
	chain := []ledger.Block{ledger.Genesis(k)}
	for i := 0; i < n; i++ {
		tx := newTx(t, k, fmt.Sprintf("%s-%d", tag, i))
		chain = append(chain, nextBlock(t, k, chain[len(chain)-1], tx))
	}
	return chain
}

func envelope(t *testing.T, tag network.Tag, sender string, body any) network.Envelope {
	t.Helper()
	env, err := network.NewEnvelope(tag, sender, body)
	require.NoError(t, err)
	return env
}

type fakeTrigger struct {
	count atomic.Int32
}

func (f *fakeTrigger) Trigger() { f.count.Add(1) }

type fakeSyncer struct {
	fakeTrigger
	mu     sync.Mutex
	offers map[string][]ledger.Block
}

func (f *fakeSyncer) Offer(from string, chain []ledger.Block) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offers == nil {
		f.offers = make(map[string][]ledger.Block)
	}
	f.offers[from] = chain
	return true
}

// failingSigner hashes and verifies like k but cannot sign.
type failingSigner struct {
	*identity.Keyring
}

func (failingSigner) Sign([]byte) ([]byte, error) { return nil, errors.New("hsm offline") }

type recorder struct {
	mu  sync.Mutex
	got []network.Envelope
}

func (r *recorder) handle(_ context.Context, env network.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
}

func (r *recorder) tags() []network.Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]network.Tag, len(r.got))
	for i, e := range r.got {
		out[i] = e.Tag
	}
	return out
}

// stalledSender holds every Send until release is closed, like a direct
// stream to a peer that never answers.
type stalledSender struct {
	network.Messenger
	release chan struct{}
	sent    atomic.Int32
}

func (s *stalledSender) Send(ctx context.Context, _ string, _ network.Envelope) error {
	select {
	case <-s.release:
		s.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
