package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	lpnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/aidchain/internal/ledger"
)

const (
	dhtPrefix        = "/aidchain"
	mdnsServiceTag   = "aidchain-discovery"
	ledgerProtocol   = protocol.ID("/aidchain/ledger/1.0.0")
	findPeersEvery   = 60 * time.Second
	connectTimeout   = 5 * time.Second
	defaultSendLimit = 10 * time.Second
)

// P2PConfig configures a P2PMessenger.
type P2PConfig struct {
	ListenAddrs []string
	Bootstrap   []string
	Topic       string
	Rendezvous  string
	SendTimeout time.Duration
}

// P2PMessenger is a Messenger over libp2p. Broadcast publishes to a gossipsub
// topic; Send opens a stream on the ledger protocol. Peers are found through
// mDNS on the LAN and a kad-dht rendezvous beyond it.
type P2PMessenger struct {
	mu       sync.RWMutex
	cfg      P2PConfig
	host     host.Host
	dht      *dht.IpfsDHT
	ps       *pubsub.PubSub
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	mdns     mdns.Service
	handlers []Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewP2PMessenger starts a libp2p host with priv as its identity, joins the
// gossip topic and begins discovery. The returned messenger is live.
func NewP2PMessenger(ctx context.Context, priv crypto.PrivKey, cfg P2PConfig, logger *zap.Logger) (*P2PMessenger, error) {
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	if cfg.Topic == "" {
		cfg.Topic = "aidchain/ledger"
	}
	if cfg.Rendezvous == "" {
		cfg.Rendezvous = "aidchain"
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendLimit
	}
	m := &P2PMessenger{cfg: cfg, logger: logger.With(zap.String("component", "p2p"))}

	var kad *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.NATPortMap(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			// Custom prefix keeps the DHT isolated from the public IPFS network.
			kad, err = dht.New(ctx, h, dht.Mode(dht.ModeServer), dht.ProtocolPrefix(dhtPrefix))
			return kad, err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	m.host = h
	m.dht = kad

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.ps, err = pubsub.NewGossipSub(runCtx, h, pubsub.WithMaxMessageSize(MaxMessageSize))
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}
	if m.topic, err = m.ps.Join(cfg.Topic); err != nil {
		m.Close()
		return nil, fmt.Errorf("join topic %s: %w", cfg.Topic, err)
	}
	if m.sub, err = m.topic.Subscribe(); err != nil {
		m.Close()
		return nil, fmt.Errorf("subscribe topic %s: %w", cfg.Topic, err)
	}
	h.SetStreamHandler(ledgerProtocol, m.handleStream)

	if err := m.dialBootstrap(ctx); err != nil {
		m.logger.Warn("Bootstrap incomplete", zap.Error(err))
	}
	if err := kad.Bootstrap(runCtx); err != nil {
		m.logger.Warn("DHT bootstrap failed (will retry)", zap.Error(err))
	}

	m.mdns = mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{m: m})
	if err := m.mdns.Start(); err != nil {
		m.logger.Warn("mDNS start failed (LAN discovery disabled)", zap.Error(err))
	}

	m.wg.Add(2)
	go m.readLoop(runCtx)
	go m.discoverLoop(runCtx)

	m.logger.Info("libp2p messenger started",
		zap.String("nodeId", h.ID().String()),
		zap.Strings("addrs", addrsToStrings(h.Addrs())),
		zap.String("topic", cfg.Topic),
	)
	return m, nil
}

// dialBootstrap connects to every configured bootstrap address concurrently.
// It fails only when none could be reached.
func (m *P2PMessenger) dialBootstrap(ctx context.Context) error {
	if len(m.cfg.Bootstrap) == 0 {
		return nil
	}
	var (
		mu        sync.Mutex
		connected int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range m.cfg.Bootstrap {
		addr := addr
		g.Go(func() error {
			ma, err := multiaddr.NewMultiaddr(addr)
			if err != nil {
				m.logger.Warn("Bad bootstrap address", zap.String("addr", addr), zap.Error(err))
				return nil
			}
			info, err := peer.AddrInfoFromP2pAddr(ma)
			if err != nil {
				m.logger.Warn("Bootstrap address lacks /p2p id", zap.String("addr", addr), zap.Error(err))
				return nil
			}
			err = retry.Do(func() error {
				cctx, cancel := context.WithTimeout(gctx, connectTimeout)
				defer cancel()
				return m.host.Connect(cctx, *info)
			},
				retry.Context(gctx),
				retry.Attempts(3),
				retry.Delay(1*time.Second),
				retry.MaxDelay(10*time.Second),
				retry.OnRetry(func(n uint, err error) {
					m.logger.Debug("Bootstrap dial retry", zap.String("peer", info.ID.String()), zap.Uint("attempt", n), zap.Error(err))
				}),
			)
			if err != nil {
				m.logger.Warn("Bootstrap dial failed", zap.String("peer", info.ID.String()), zap.Error(err))
				return nil
			}
			mu.Lock()
			connected++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if connected == 0 {
		return fmt.Errorf("%w: no bootstrap peer reachable", ledger.ErrNoConnectivity)
	}
	return nil
}

// discoverLoop advertises the rendezvous namespace on the DHT and connects to
// whoever else advertises it.
func (m *P2PMessenger) discoverLoop(ctx context.Context) {
	defer m.wg.Done()
	rd := drouting.NewRoutingDiscovery(m.dht)
	dutil.Advertise(ctx, rd, m.cfg.Rendezvous)

	ticker := time.NewTicker(findPeersEvery)
	defer ticker.Stop()
	for {
		m.findPeers(ctx, rd)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *P2PMessenger) findPeers(ctx context.Context, rd *drouting.RoutingDiscovery) {
	found, err := rd.FindPeers(ctx, m.cfg.Rendezvous)
	if err != nil {
		m.logger.Debug("Rendezvous lookup failed", zap.Error(err))
		return
	}
	for info := range found {
		if info.ID == m.host.ID() || len(info.Addrs) == 0 {
			continue
		}
		if m.host.Network().Connectedness(info.ID) == lpnet.Connected {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		if err := m.host.Connect(cctx, info); err != nil {
			m.logger.Debug("Rendezvous connect failed", zap.String("peer", info.ID.String()), zap.Error(err))
		}
		cancel()
	}
}

func (m *P2PMessenger) readLoop(ctx context.Context) {
	defer m.wg.Done()
	self := m.host.ID()
	for {
		msg, err := m.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				m.logger.Warn("Gossip subscription ended", zap.Error(err))
			}
			return
		}
		// Gossipsub signs messages, so the origin is authenticated.
		from := msg.GetFrom()
		if from == self {
			continue
		}
		env, err := UnmarshalEnvelope(msg.Data)
		if err != nil {
			m.logger.Debug("Dropping undecodable gossip", zap.String("from", from.String()), zap.Error(err))
			continue
		}
		env.SenderID = from.String()
		m.dispatch(ctx, env)
	}
}

func (m *P2PMessenger) handleStream(s lpnet.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	_ = s.SetReadDeadline(time.Now().Add(m.cfg.SendTimeout))
	env, err := ReadEnvelope(s)
	switch {
	case errors.Is(err, ErrMessageTooLarge):
		m.logger.Warn("Dropping oversized stream message", zap.String("from", remote.String()), zap.Error(err))
		_ = s.Reset()
		return
	case err != nil:
		m.logger.Debug("Dropping unreadable stream message", zap.String("from", remote.String()), zap.Error(err))
		_ = s.Reset()
		return
	}
	env.SenderID = remote.String()
	m.dispatch(context.Background(), env)
}

func (m *P2PMessenger) dispatch(ctx context.Context, env Envelope) {
	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, env)
	}
}

// Broadcast publishes env on the gossip topic.
func (m *P2PMessenger) Broadcast(ctx context.Context, env Envelope) error {
	if len(m.topic.ListPeers()) == 0 {
		return fmt.Errorf("%w: no topic peers", ledger.ErrNoConnectivity)
	}
	env.SenderID = m.host.ID().String()
	data, err := env.Marshal()
	if err != nil {
		m.warnOversized(env, err)
		return err
	}
	if err := m.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish %s: %w", env.Tag, err)
	}
	return nil
}

// Send writes env to nodeID over a fresh stream, retrying transient failures.
func (m *P2PMessenger) Send(ctx context.Context, nodeID string, env Envelope) error {
	pid, err := peer.Decode(nodeID)
	if err != nil {
		return fmt.Errorf("decode node id %q: %w", nodeID, err)
	}
	env.SenderID = m.host.ID().String()
	data, err := env.Marshal()
	if err != nil {
		m.warnOversized(env, err)
		return err
	}

	err = retry.Do(func() error {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
		defer cancel()
		return m.sendOnce(sctx, pid, data)
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Debug("Send retry", zap.String("peer", nodeID), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: send %s to %s: %v", ledger.ErrNoConnectivity, env.Tag, short(nodeID), err)
	}
	return nil
}

// warnOversized surfaces envelopes the transport refuses to carry. A
// chain_response hitting the limit means peers can no longer sync from us.
func (m *P2PMessenger) warnOversized(env Envelope, err error) {
	if errors.Is(err, ErrMessageTooLarge) {
		m.logger.Warn("Envelope exceeds transport limit", zap.String("tag", string(env.Tag)), zap.Error(err))
	}
}

func (m *P2PMessenger) sendOnce(ctx context.Context, pid peer.ID, data []byte) error {
	s, err := m.host.NewStream(ctx, pid, ledgerProtocol)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetWriteDeadline(deadline)
	}
	if _, err := s.Write(data); err != nil {
		_ = s.Reset()
		return err
	}
	return s.Close()
}

// Subscribe registers h for inbound envelopes from both gossip and streams.
func (m *P2PMessenger) Subscribe(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Peers lists connected node ids.
func (m *P2PMessenger) Peers() []string {
	conns := m.host.Network().Peers()
	ids := make([]string, 0, len(conns))
	for _, p := range conns {
		ids = append(ids, p.String())
	}
	sort.Strings(ids)
	return ids
}

// Addrs returns the host's full multiaddrs including the /p2p component, for
// use as another node's bootstrap entry.
func (m *P2PMessenger) Addrs() []string {
	suffix := "/p2p/" + m.host.ID().String()
	out := make([]string, 0, len(m.host.Addrs()))
	for _, a := range m.host.Addrs() {
		out = append(out, a.String()+suffix)
	}
	return out
}

// Close shuts down discovery, the topic, the DHT and the host.
func (m *P2PMessenger) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.mdns != nil {
		_ = m.mdns.Close()
	}
	if m.sub != nil {
		m.sub.Cancel()
	}
	if m.topic != nil {
		_ = m.topic.Close()
	}
	m.wg.Wait()
	if m.dht != nil {
		_ = m.dht.Close()
	}
	if m.host != nil {
		return m.host.Close()
	}
	return nil
}

func addrsToStrings(addrs []multiaddr.Multiaddr) []string {
	s := make([]string, len(addrs))
	for i, a := range addrs {
		s[i] = a.String()
	}
	return s
}

func short(id string) string {
	if len(id) > 12 {
		return id[len(id)-12:]
	}
	return id
}

// mdnsNotifee connects to peers announced on the local subnet.
type mdnsNotifee struct {
	m *P2PMessenger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.m.host.ID() {
		return
	}
	n.m.logger.Info("mDNS: found peer", zap.String("nodeId", pi.ID.String()))
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := n.m.host.Connect(ctx, pi); err != nil {
		n.m.logger.Warn("mDNS connect failed", zap.String("peer", pi.ID.String()), zap.Error(err))
	}
}
