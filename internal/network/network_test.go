package network_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/aidchain/internal/identity"
	"github.com/iggydv12/aidchain/internal/ledger"
	"github.com/iggydv12/aidchain/internal/network"
)

type inbox struct {
	mu  sync.Mutex
	got []network.Envelope
}

func (in *inbox) handle(_ context.Context, env network.Envelope) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.got = append(in.got, env)
}

func (in *inbox) all() []network.Envelope {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]network.Envelope(nil), in.got...)
}

func TestEnvelopeBody(t *testing.T) {
	env, err := network.NewEnvelope(network.TagValidatorRegistration, "n1", network.ValidatorBody{NodeID: "n1"})
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tag":"validator_registration"`)
	assert.Contains(t, string(data), `"senderId":"n1"`)

	back, err := network.UnmarshalEnvelope(data)
	require.NoError(t, err)
	var body network.ValidatorBody
	require.NoError(t, back.Decode(&body))
	assert.Equal(t, "n1", body.NodeID)

	_, err = network.UnmarshalEnvelope([]byte("{"))
	assert.Error(t, err)
}

func TestEnvelopeSizeLimit(t *testing.T) {
	small, err := network.NewEnvelope(network.TagGetChain, "n1", nil)
	require.NoError(t, err)
	data, err := small.Marshal()
	require.NoError(t, err)
	back, err := network.ReadEnvelope(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, network.TagGetChain, back.Tag)

	// One byte over the limit is refused rather than truncated into garbage.
	_, err = network.ReadEnvelope(strings.NewReader(strings.Repeat(" ", network.MaxMessageSize+1)))
	assert.ErrorIs(t, err, network.ErrMessageTooLarge)

	huge, err := network.NewEnvelope(network.TagChainResponse, "n1", map[string]string{
		"pad": strings.Repeat("x", network.MaxMessageSize),
	})
	require.NoError(t, err)
	_, err = huge.Marshal()
	assert.ErrorIs(t, err, network.ErrMessageTooLarge)
}

func TestHubBroadcastSkipsSender(t *testing.T) {
	hub := network.NewHub()
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var inA, inB, inC inbox
	a.Subscribe(inA.handle)
	b.Subscribe(inB.handle)
	c.Subscribe(inC.handle)

	env, err := network.NewEnvelope(network.TagGetChain, "spoofed", network.GetChainBody{})
	require.NoError(t, err)
	require.NoError(t, a.Broadcast(context.Background(), env))

	require.Eventually(t, func() bool {
		return len(inB.all()) == 1 && len(inC.all()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, inA.all())
	assert.Equal(t, "a", inB.all()[0].SenderID)
	assert.Equal(t, []string{"b", "c"}, a.Peers())
}

func TestHubOffline(t *testing.T) {
	hub := network.NewHub()
	a, b := hub.Join("a"), hub.Join("b")
	defer a.Close()
	defer b.Close()

	env, err := network.NewEnvelope(network.TagGetChain, "a", network.GetChainBody{})
	require.NoError(t, err)

	hub.SetOnline("b", false)
	assert.ErrorIs(t, a.Broadcast(context.Background(), env), ledger.ErrNoConnectivity)
	assert.ErrorIs(t, a.Send(context.Background(), "b", env), ledger.ErrNoConnectivity)

	hub.SetOnline("b", true)
	assert.NoError(t, a.Send(context.Background(), "b", env))
	assert.ErrorIs(t, a.Send(context.Background(), "nobody", env), ledger.ErrNoConnectivity)
}

func TestP2PSend(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}
	ctx := context.Background()
	ka, err := identity.Generate(identity.RoleCoordinator)
	require.NoError(t, err)
	kb, err := identity.Generate(identity.RoleRelay)
	require.NoError(t, err)

	local := []string{"/ip4/127.0.0.1/tcp/0"}
	a, err := network.NewP2PMessenger(ctx, ka.PrivKey(), network.P2PConfig{ListenAddrs: local}, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	b, err := network.NewP2PMessenger(ctx, kb.PrivKey(), network.P2PConfig{
		ListenAddrs: local,
		Bootstrap:   a.Addrs(),
	}, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	var got inbox
	a.Subscribe(got.handle)

	env, err := network.NewEnvelope(network.TagGetChain, "", network.GetChainBody{})
	require.NoError(t, err)
	require.NoError(t, b.Send(ctx, ka.LocalNodeID(), env))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 5*time.Second, 20*time.Millisecond)
	msg := got.all()[0]
	assert.Equal(t, network.TagGetChain, msg.Tag)
	assert.Equal(t, kb.LocalNodeID(), msg.SenderID)
	assert.Contains(t, a.Peers(), kb.LocalNodeID())
}
