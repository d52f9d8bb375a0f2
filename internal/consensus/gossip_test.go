package consensus_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
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

type gossipFixture struct {
	k        *identity.Keyring
	l        *ledger.Ledger
	g        *consensus.Gossip
	producer *fakeTrigger
	syncer   *fakeSyncer
	hub      *network.Hub
}

func newGossipFixture(t *testing.T, threshold int) *gossipFixture {
	t.Helper()
	f := &gossipFixture{
		k:        newKeyring(t, identity.RoleCoordinator),
		producer: &fakeTrigger{},
		syncer:   &fakeSyncer{},
		hub:      network.NewHub(),
	}
	f.l = newLedger(f.k)
	m := f.hub.Join(f.k.LocalNodeID())
	t.Cleanup(func() { m.Close() })
	f.g = consensus.NewGossip(f.l, f.k, m, f.producer, f.syncer, consensus.GossipConfig{
		ProductionThreshold: threshold,
		Penalty:             10,
	}, zap.NewNop())
	return f
}

func TestGossipBlockAtNextHeight(t *testing.T) {
	f := newGossipFixture(t, 50)
	peer := newKeyring(t, identity.RoleCoordinator)
	f.l.Register(peer.LocalNodeID())
	f.l.Penalize(peer.LocalNodeID(), 5)

	tx := newTx(t, peer, "tx1")
	require.NoError(t, f.l.Offer(tx))

	b := nextBlock(t, peer, f.l.Head(), tx)
	err := f.g.Handle(context.Background(), envelope(t, network.TagNewBlock, peer.LocalNodeID(), network.NewBlockBody{Block: b}))
	require.NoError(t, err)

	assert.Equal(t, 2, f.l.Len())
	assert.Equal(t, 0, f.l.PoolSize())
	rep, _ := f.l.Reputation(peer.LocalNodeID())
	assert.Equal(t, 96, rep)

	// Same block again is a no-op.
	require.NoError(t, f.g.Handle(context.Background(), envelope(t, network.TagNewBlock, peer.LocalNodeID(), network.NewBlockBody{Block: b})))
	assert.Equal(t, int32(0), f.syncer.count.Load())
}

func TestGossipBlockAheadTriggersSync(t *testing.T) {
	f := newGossipFixture(t, 50)
	peer := newKeyring(t, identity.RoleCoordinator)
	f.l.Register(peer.LocalNodeID())

	chain := buildChain(t, peer, 2, "ahead")
	head := f.l.Head()

	err := f.g.Handle(context.Background(), envelope(t, network.TagNewBlock, peer.LocalNodeID(), network.NewBlockBody{Block: chain[2]}))
	assert.ErrorIs(t, err, ledger.ErrOutOfSequence)
	assert.Equal(t, head.Hash, f.l.Head().Hash)
	assert.Equal(t, 1, f.l.Len())
	assert.Equal(t, int32(1), f.syncer.count.Load())
}

func TestGossipCompetingBlockTriggersSync(t *testing.T) {
	f := newGossipFixture(t, 50)
	peer := newKeyring(t, identity.RoleCoordinator)
	f.l.Register(peer.LocalNodeID())
	require.NoError(t, f.l.Append(nextBlock(t, peer, f.l.Head(), newTx(t, peer, "mine"))))

	rival := nextBlock(t, peer, ledger.Genesis(f.k), newTx(t, peer, "theirs"))
	err := f.g.Handle(context.Background(), envelope(t, network.TagNewBlock, peer.LocalNodeID(), network.NewBlockBody{Block: rival}))
	assert.ErrorIs(t, err, ledger.ErrOutOfSequence)
	assert.Equal(t, int32(1), f.syncer.count.Load())
}

func TestGossipUnauthorizedProducer(t *testing.T) {
	f := newGossipFixture(t, 50)
	stranger := newKeyring(t, identity.RoleRelay)

	b := nextBlock(t, stranger, f.l.Head(), newTx(t, stranger, "tx1"))
	err := f.g.Handle(context.Background(), envelope(t, network.TagNewBlock, stranger.LocalNodeID(), network.NewBlockBody{Block: b}))
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	assert.Equal(t, 1, f.l.Len())
}

func TestGossipForgedBlockPenalizesSender(t *testing.T) {
	f := newGossipFixture(t, 50)
	peer := newKeyring(t, identity.RoleCoordinator)
	f.l.Register(peer.LocalNodeID())

	b := nextBlock(t, peer, f.l.Head(), newTx(t, peer, "tx1"))
	b.CreatedAt++ // hash no longer matches

	err := f.g.Handle(context.Background(), envelope(t, network.TagNewBlock, peer.LocalNodeID(), network.NewBlockBody{Block: b}))
	assert.ErrorIs(t, err, ledger.ErrHashMismatch)
	rep, _ := f.l.Reputation(peer.LocalNodeID())
	assert.Equal(t, 90, rep)
	assert.Equal(t, 1, f.l.Len())
}

func TestGossipTamperedTransaction(t *testing.T) {
	f := newGossipFixture(t, 50)
	peer := newKeyring(t, identity.RoleCoordinator)
	f.l.Register(peer.LocalNodeID())

	tx := newTx(t, peer, "tx1")
	tx.Payload = json.RawMessage(`{"text":"evacuate north"}`)

	err := f.g.Handle(context.Background(), envelope(t, network.TagNewTransaction, peer.LocalNodeID(), network.NewTransactionBody{Transaction: tx}))
	assert.ErrorIs(t, err, ledger.ErrHashMismatch)
	assert.Equal(t, 0, f.l.PoolSize())
	rep, _ := f.l.Reputation(peer.LocalNodeID())
	assert.Equal(t, 90, rep)
}

func TestGossipRejectsNonCanonicalPayload(t *testing.T) {
	f := newGossipFixture(t, 50)
	f.l.Register(f.k.LocalNodeID())
	peer := newKeyring(t, identity.RoleCoordinator)
	f.l.Register(peer.LocalNodeID())

	tx := ledger.Transaction{
		ID:        "spaced-1",
		Kind:      ledger.KindMessage,
		Sender:    peer.LocalNodeID(),
		Payload:   json.RawMessage(`{"text": "hi"}`),
		CreatedAt: 1000,
	}
	require.NoError(t, tx.Seal(peer))

	// Hand-built wire bytes: json.Marshal would compact the payload.
	placeholder := tx
	placeholder.Payload = json.RawMessage(`"PAYLOAD"`)
	body, err := json.Marshal(network.NewTransactionBody{Transaction: placeholder})
	require.NoError(t, err)
	body = []byte(strings.Replace(string(body), `"PAYLOAD"`, `{"text": "hi"}`, 1))
	wire := fmt.Sprintf(`{"tag":"new_transaction","body":%s,"senderId":%q}`, body, peer.LocalNodeID())

	env, err := network.UnmarshalEnvelope([]byte(wire))
	require.NoError(t, err)
	var decoded network.NewTransactionBody
	require.NoError(t, env.Decode(&decoded))
	require.Equal(t, `{"text": "hi"}`, string(decoded.Transaction.Payload))

	err = f.g.Handle(context.Background(), env)
	assert.ErrorIs(t, err, ledger.ErrHashMismatch)
	assert.Equal(t, 0, f.l.PoolSize())
	rep, _ := f.l.Reputation(peer.LocalNodeID())
	assert.Equal(t, 90, rep)

	assert.True(t, f.l.Verify())
	_, ok := f.l.Transaction(tx.ID)
	assert.False(t, ok)
}

func TestGossipTransactionPromptsProduction(t *testing.T) {
	f := newGossipFixture(t, 2)
	f.l.Register(f.k.LocalNodeID())
	peer := newKeyring(t, identity.RoleEndpoint)

	for i, id := range []string{"tx1", "tx2"} {
		tx := newTx(t, peer, id)
		require.NoError(t, f.g.Handle(context.Background(), envelope(t, network.TagNewTransaction, peer.LocalNodeID(), network.NewTransactionBody{Transaction: tx})))
		assert.Equal(t, int32(i), f.producer.count.Load())
	}

	// Duplicate: pool size unchanged.
	tx := newTx(t, peer, "tx1")
	err := f.g.Handle(context.Background(), envelope(t, network.TagNewTransaction, peer.LocalNodeID(), network.NewTransactionBody{Transaction: tx}))
	assert.ErrorIs(t, err, ledger.ErrDuplicateID)
	assert.Equal(t, 2, f.l.PoolSize())
}

func TestGossipValidatorRegistrationMustBeSelf(t *testing.T) {
	f := newGossipFixture(t, 50)
	ctx := context.Background()

	err := f.g.Handle(ctx, envelope(t, network.TagValidatorRegistration, "mallory", network.ValidatorBody{NodeID: "alice"}))
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	assert.False(t, f.l.IsAuthorized("alice"))

	require.NoError(t, f.g.Handle(ctx, envelope(t, network.TagValidatorRegistration, "alice", network.ValidatorBody{NodeID: "alice"})))
	assert.True(t, f.l.IsAuthorized("alice"))

	require.NoError(t, f.g.Handle(ctx, envelope(t, network.TagValidatorDeregistration, "alice", network.ValidatorBody{NodeID: "alice"})))
	assert.False(t, f.l.IsAuthorized("alice"))
}

func TestGossipAnswersGetChain(t *testing.T) {
	f := newGossipFixture(t, 50)
	asker := f.hub.Join("asker")
	defer asker.Close()
	var got recorder
	asker.Subscribe(got.handle)

	require.NoError(t, f.g.Handle(context.Background(), envelope(t, network.TagGetChain, "asker", network.GetChainBody{})))
	require.Eventually(t, func() bool { return len(got.tags()) == 1 }, time.Second, 5*time.Millisecond)

	got.mu.Lock()
	env := got.got[0]
	got.mu.Unlock()
	assert.Equal(t, network.TagChainResponse, env.Tag)
	var body network.ChainResponseBody
	require.NoError(t, env.Decode(&body))
	require.Len(t, body.Chain, 1)
	assert.Equal(t, ledger.Genesis(f.k).Hash, body.Chain[0].Hash)
}

func TestGossipGetChainDoesNotStallDispatch(t *testing.T) {
	k := newKeyring(t, identity.RoleCoordinator)
	l := newLedger(k)
	m := &stalledSender{Messenger: network.NewHub().Join(k.LocalNodeID()), release: make(chan struct{})}
	t.Cleanup(func() { m.Close() })
	g := consensus.NewGossip(l, k, m, &fakeTrigger{}, &fakeSyncer{}, consensus.GossipConfig{ChainReplies: 1}, zap.NewNop())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- g.Handle(ctx, envelope(t, network.TagGetChain, "slow", network.GetChainBody{})) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("get_chain blocked the handler")
	}

	// Dispatch keeps flowing while the reply is stuck.
	peer := newKeyring(t, identity.RoleEndpoint)
	tx := newTx(t, peer, "while-stalled")
	require.NoError(t, g.Handle(ctx, envelope(t, network.TagNewTransaction, peer.LocalNodeID(), network.NewTransactionBody{Transaction: tx})))
	assert.Equal(t, 1, l.PoolSize())

	// The single reply slot is taken.
	err := g.Handle(ctx, envelope(t, network.TagGetChain, "other", network.GetChainBody{}))
	assert.ErrorIs(t, err, ledger.ErrNoConnectivity)

	close(m.release)
	require.Eventually(t, func() bool { return m.sent.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return g.Handle(ctx, envelope(t, network.TagGetChain, "again", network.GetChainBody{})) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestGossipChainResponseGoesToSyncer(t *testing.T) {
	f := newGossipFixture(t, 50)
	chain := buildChain(t, f.k, 1, "c")
	require.NoError(t, f.g.Handle(context.Background(), envelope(t, network.TagChainResponse, "peer", network.ChainResponseBody{Chain: chain})))
	f.syncer.mu.Lock()
	defer f.syncer.mu.Unlock()
	assert.Len(t, f.syncer.offers["peer"], 2)
}

func TestGossipUnknownTag(t *testing.T) {
	f := newGossipFixture(t, 50)
	assert.NoError(t, f.g.Handle(context.Background(), network.Envelope{Tag: "bogus", SenderID: "x"}))
}
