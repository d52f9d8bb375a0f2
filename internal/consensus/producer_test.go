package consensus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/aidchain/internal/consensus"
	"github.com/iggydv12/aidchain/internal/identity"
	"github.com/iggydv12/aidchain/internal/ledger"
	"github.com/iggydv12/aidchain/internal/network"
)

func newProducer(k *identity.Keyring, l *ledger.Ledger, m network.Messenger, c ledger.Crypto) *consensus.Producer {
	return consensus.NewProducer(l, c, k, m, consensus.ProducerConfig{
		BatchSize: 10,
		Now:       func() int64 { return 5000 },
	}, zap.NewNop())
}

func TestProduceEmptyPool(t *testing.T) {
	k := newKeyring(t, identity.RoleCoordinator)
	l := newLedger(k)
	l.Register(k.LocalNodeID())
	hub := network.NewHub()
	p := newProducer(k, l, hub.Join(k.LocalNodeID()), k)

	b, err := p.TryProduce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 0, l.PoolSize())
	assert.Equal(t, consensus.StateIdle, p.State())
}

func TestProducePacksPoolInOrder(t *testing.T) {
	k := newKeyring(t, identity.RoleCoordinator)
	l := newLedger(k)
	l.Register(k.LocalNodeID())

	hub := network.NewHub()
	self := hub.Join(k.LocalNodeID())
	peer := hub.Join("observer")
	defer self.Close()
	defer peer.Close()
	var seen recorder
	peer.Subscribe(seen.handle)

	ids := []string{"tx-b", "tx-a", "tx-c"}
	for _, id := range ids {
		require.NoError(t, l.Offer(newTx(t, k, id)))
	}

	b, err := newProducer(k, l, self, k).TryProduce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, b)

	assert.Equal(t, uint64(1), b.Height)
	assert.Equal(t, ids, b.TransactionIDs())
	assert.Equal(t, int64(5000), b.CreatedAt)
	assert.Equal(t, 0, l.PoolSize())
	assert.Equal(t, b.Hash, l.Head().Hash)
	assert.True(t, l.Verify())

	require.Eventually(t, func() bool {
		tags := seen.tags()
		return len(tags) == 1 && tags[0] == network.TagNewBlock
	}, time.Second, 5*time.Millisecond)
}

func TestProduceRespectsBatchSize(t *testing.T) {
	k := newKeyring(t, identity.RoleCoordinator)
	l := newLedger(k)
	l.Register(k.LocalNodeID())
	for i := 0; i < 15; i++ {
		require.NoError(t, l.Offer(newTx(t, k, string(rune('a'+i)))))
	}
	hub := network.NewHub()

	b, err := newProducer(k, l, hub.Join(k.LocalNodeID()), k).TryProduce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Len(t, b.Transactions, 10)
	assert.Equal(t, 5, l.PoolSize())
}

func TestProduceRequiresAuthorization(t *testing.T) {
	k := newKeyring(t, identity.RoleCoordinator)
	l := newLedger(k)
	require.NoError(t, l.Offer(newTx(t, k, "tx1")))
	hub := network.NewHub()

	b, err := newProducer(k, l, hub.Join(k.LocalNodeID()), k).TryProduce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Equal(t, 1, l.PoolSize())
	assert.Equal(t, 1, l.Len())
}

func TestProduceFailureRestoresPool(t *testing.T) {
	k := newKeyring(t, identity.RoleCoordinator)
	l := newLedger(k)
	l.Register(k.LocalNodeID())
	events, cancel := l.Bus().Subscribe(8)
	defer cancel()

	require.NoError(t, l.Offer(newTx(t, k, "tx1")))
	require.NoError(t, l.Offer(newTx(t, k, "tx2")))
	<-events
	<-events

	hub := network.NewHub()
	p := newProducer(k, l, hub.Join(k.LocalNodeID()), failingSigner{k})
	b, err := p.TryProduce(context.Background())
	require.Error(t, err)
	assert.Nil(t, b)

	assert.Equal(t, 1, l.Len())
	assert.Equal(t, []string{"tx1", "tx2"}, []string{l.Pending()[0].ID, l.Pending()[1].ID})
	assert.Equal(t, consensus.StateIdle, p.State())

	select {
	case e := <-events:
		assert.Equal(t, ledger.EventConsensusError, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no consensus error event")
	}
}

func TestProducerRunOnTrigger(t *testing.T) {
	k := newKeyring(t, identity.RoleCoordinator)
	l := newLedger(k)
	l.Register(k.LocalNodeID())
	hub := network.NewHub()
	p := newProducer(k, l, hub.Join(k.LocalNodeID()), k)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, time.Hour)

	require.NoError(t, l.Offer(newTx(t, k, "urgent")))
	p.Trigger()
	require.Eventually(t, func() bool { return l.Len() == 2 }, time.Second, 5*time.Millisecond)
}
