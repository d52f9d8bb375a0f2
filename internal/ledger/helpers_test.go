package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/aidchain/internal/identity"
	"github.com/iggydv12/aidchain/internal/ledger"
)

func newKeyring(t *testing.T) *identity.Keyring {
	t.Helper()
	k, err := identity.Generate(identity.RoleCoordinator)
	require.NoError(t, err)
	return k
}

func newTx(t *testing.T, k *identity.Keyring, id string) ledger.Transaction {
	t.Helper()
	payload, err := ledger.EncodePayload(map[string]string{"text": "status " + id})
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

// buildChain returns genesis plus n signed blocks, one tx each, ids prefixed by tag.
func buildChain(t *testing.T, k *identity.Keyring, n int, tag string) []ledger.Block {
	t.Helper()
	chain := []ledger.Block{ledger.Genesis(k)}
	for i := 0; i < n; i++ {
		tx := newTx(t, k, tag+"-"+string(rune('a'+i)))
		chain = append(chain, nextBlock(t, k, chain[len(chain)-1], tx))
	}
	return chain
}

func newLedger(t *testing.T, k *identity.Keyring) *ledger.Ledger {
	t.Helper()
	return ledger.New(k, ledger.Options{PoolCapacity: 100}, ledger.NewBus(zap.NewNop()), zap.NewNop())
}

func nopLogger() *zap.Logger {
	return zap.NewNop()
}
