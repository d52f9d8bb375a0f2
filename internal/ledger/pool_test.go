package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/aidchain/internal/ledger"
)

func TestPoolDuplicateIdempotent(t *testing.T) {
	k := newKeyring(t)
	p := ledger.NewPool(k, ledger.NewStore(k), 0)
	tx := newTx(t, k, "tx1")

	require.NoError(t, p.Offer(tx))
	err := p.Offer(tx)
	assert.ErrorIs(t, err, ledger.ErrDuplicateID)
	assert.Equal(t, 1, p.Len())
}

func TestPoolRejectsCommittedID(t *testing.T) {
	k := newKeyring(t)
	s := ledger.NewStore(k)
	tx := newTx(t, k, "tx1")
	require.NoError(t, s.Append(nextBlock(t, k, s.Head(), tx)))

	p := ledger.NewPool(k, s, 0)
	assert.ErrorIs(t, p.Offer(tx), ledger.ErrDuplicateID)
	assert.Equal(t, 0, p.Len())
}

func TestPoolTamperedPayload(t *testing.T) {
	k := newKeyring(t)
	p := ledger.NewPool(k, nil, 0)
	tx := newTx(t, k, "tx1")
	tx.Payload = []byte(`{"text":"evacuate now"}`)

	assert.ErrorIs(t, p.Offer(tx), ledger.ErrHashMismatch)
	assert.Equal(t, 0, p.Len())
}

func TestPoolForgedSignature(t *testing.T) {
	k := newKeyring(t)
	mallory := newKeyring(t)
	p := ledger.NewPool(k, nil, 0)

	tx := newTx(t, mallory, "tx1")
	tx.Sender = k.LocalNodeID()
	tx.ContentHash = tx.ComputeContentHash(k) // consistent hash, wrong signer

	assert.ErrorIs(t, p.Offer(tx), ledger.ErrBadSignature)
}

func TestPoolCapacity(t *testing.T) {
	k := newKeyring(t)
	p := ledger.NewPool(k, nil, 2)
	require.NoError(t, p.Offer(newTx(t, k, "a")))
	require.NoError(t, p.Offer(newTx(t, k, "b")))

	assert.ErrorIs(t, p.Offer(newTx(t, k, "c")), ledger.ErrPoolFull)
	assert.Equal(t, 2, p.Len())
}

func TestPoolDrainOrder(t *testing.T) {
	k := newKeyring(t)
	p := ledger.NewPool(k, nil, 0)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Offer(newTx(t, k, id)))
	}

	first := p.Drain(3)
	require.Len(t, first, 3)
	assert.Equal(t, "a", first[0].ID)
	assert.Equal(t, "b", first[1].ID)
	assert.Equal(t, "c", first[2].ID)
	assert.Equal(t, 1, p.Len())
	assert.False(t, p.Contains("a"))

	rest := p.Drain(10)
	require.Len(t, rest, 1)
	assert.Equal(t, "d", rest[0].ID)
	assert.Empty(t, p.Drain(10))
}

func TestPoolRestoreKeepsOrder(t *testing.T) {
	k := newKeyring(t)
	s := ledger.NewStore(k)
	p := ledger.NewPool(k, s, 0)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.Offer(newTx(t, k, id)))
	}
	drained := p.Drain(2)
	require.NoError(t, p.Offer(newTx(t, k, "d")))

	// "b" gets committed by someone else before the restore.
	require.NoError(t, s.Append(nextBlock(t, k, s.Head(), drained[1])))

	assert.Equal(t, 1, p.Restore(drained))
	ids := []string{}
	for _, tx := range p.Snapshot() {
		ids = append(ids, tx.ID)
	}
	assert.Equal(t, []string{"a", "c", "d"}, ids)
}

func TestPoolRetire(t *testing.T) {
	k := newKeyring(t)
	p := ledger.NewPool(k, nil, 0)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.Offer(newTx(t, k, id)))
	}

	assert.Equal(t, 2, p.Retire([]string{"a", "c", "zzz"}))
	assert.Equal(t, 1, p.Len())
	tx, ok := p.Get("b")
	require.True(t, ok)
	assert.Equal(t, "b", tx.ID)
	_, ok = p.Get("a")
	assert.False(t, ok)
}

func TestPoolPayloadRules(t *testing.T) {
	k := newKeyring(t)
	p := ledger.NewPool(k, nil, 0)

	payload, err := ledger.EncodePayload(map[string]float64{"lat": 123, "lon": 4})
	require.NoError(t, err)
	tx := ledger.Transaction{ID: "loc", Kind: ledger.KindLocation, Sender: k.LocalNodeID(), Payload: payload}
	require.NoError(t, tx.Seal(k))

	assert.ErrorIs(t, p.Offer(tx), ledger.ErrInvalidPayload)
}
