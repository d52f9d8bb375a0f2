package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/aidchain/internal/identity"
	"github.com/iggydv12/aidchain/internal/ledger"
	"github.com/iggydv12/aidchain/internal/network"
)

const (
	DefaultProductionThreshold = 50
	DefaultPenalty             = 10
	DefaultChainReplies        = 4
)

// SyncTrigger is the part of Syncer the gossip handler drives.
type SyncTrigger interface {
	Trigger()
	Offer(from string, chain []ledger.Block) bool
}

// ProductionTrigger prompts an out-of-cycle production attempt.
type ProductionTrigger interface {
	Trigger()
}

// GossipConfig tunes a Gossip handler.
type GossipConfig struct {
	// ProductionThreshold is the pool size that prompts early production.
	ProductionThreshold int
	// Penalty is the reputation lost per integrity failure.
	Penalty int
	// ChainReplies caps concurrent get_chain answers; requests beyond it are
	// dropped.
	ChainReplies int
}

// Gossip applies inbound envelopes to the ledger.
type Gossip struct {
	ledger    *ledger.Ledger
	self      identity.Provider
	messenger network.Messenger
	producer  ProductionTrigger
	syncer    SyncTrigger
	threshold int
	penalty   int
	replies   chan struct{}
	logger    *zap.Logger
}

// NewGossip creates a Gossip handler.
func NewGossip(l *ledger.Ledger, self identity.Provider, m network.Messenger, producer ProductionTrigger, syncer SyncTrigger, cfg GossipConfig, logger *zap.Logger) *Gossip {
	if cfg.ProductionThreshold <= 0 {
		cfg.ProductionThreshold = DefaultProductionThreshold
	}
	if cfg.Penalty <= 0 {
		cfg.Penalty = DefaultPenalty
	}
	if cfg.ChainReplies <= 0 {
		cfg.ChainReplies = DefaultChainReplies
	}
	return &Gossip{
		ledger:    l,
		self:      self,
		messenger: m,
		producer:  producer,
		syncer:    syncer,
		threshold: cfg.ProductionThreshold,
		penalty:   cfg.Penalty,
		replies:   make(chan struct{}, cfg.ChainReplies),
		logger:    logger.With(zap.String("component", "gossip")),
	}
}

// HandleEnvelope is a network.Handler. Errors are logged, never propagated.
func (g *Gossip) HandleEnvelope(ctx context.Context, env network.Envelope) {
	if err := g.Handle(ctx, env); err != nil {
		if errors.Is(err, ledger.ErrDuplicateID) {
			return
		}
		g.logger.Debug("Envelope not applied",
			zap.String("tag", string(env.Tag)),
			zap.String("from", env.SenderID),
			zap.String("reason", ledger.ReasonOf(err)),
			zap.Error(err),
		)
	}
}

// Handle dispatches env by tag and returns the reject reason, if any.
func (g *Gossip) Handle(ctx context.Context, env network.Envelope) error {
	switch env.Tag {
	case network.TagNewTransaction:
		var body network.NewTransactionBody
		if err := env.Decode(&body); err != nil {
			return err
		}
		return g.handleTransaction(ctx, env, body.Transaction)
	case network.TagNewBlock:
		var body network.NewBlockBody
		if err := env.Decode(&body); err != nil {
			return err
		}
		return g.handleBlock(env, body.Block)
	case network.TagGetChain:
		return g.handleGetChain(ctx, env)
	case network.TagChainResponse:
		var body network.ChainResponseBody
		if err := env.Decode(&body); err != nil {
			return err
		}
		g.syncer.Offer(env.SenderID, body.Chain)
		return nil
	case network.TagValidatorRegistration, network.TagValidatorDeregistration:
		var body network.ValidatorBody
		if err := env.Decode(&body); err != nil {
			return err
		}
		return g.handleValidator(env, body.NodeID)
	default:
		g.logger.Warn("Unknown envelope tag", zap.String("tag", string(env.Tag)), zap.String("from", env.SenderID))
		return nil
	}
}

func (g *Gossip) handleTransaction(ctx context.Context, env network.Envelope, tx ledger.Transaction) error {
	if err := g.ledger.Offer(tx); err != nil {
		if ledger.IsIntegrityError(err) {
			g.reject(err, env.SenderID)
		}
		return err
	}

	// Re-gossip. Duplicate rejection on every receiver stops the flood.
	fwd, err := network.NewEnvelope(network.TagNewTransaction, g.self.LocalNodeID(), network.NewTransactionBody{Transaction: tx})
	if err == nil {
		err = g.messenger.Broadcast(ctx, fwd)
	}
	if err != nil && !errors.Is(err, ledger.ErrNoConnectivity) {
		g.logger.Debug("Transaction re-gossip failed", zap.String("tx", tx.ID), zap.Error(err))
	}

	if g.ledger.IsAuthorized(g.self.LocalNodeID()) && g.ledger.PoolSize() >= g.threshold {
		g.producer.Trigger()
	}
	return nil
}

func (g *Gossip) handleBlock(env network.Envelope, b ledger.Block) error {
	if err := b.Verify(g.ledger.Crypto()); err != nil {
		g.reject(err, env.SenderID)
		return err
	}
	if !g.ledger.IsAuthorized(b.Producer) {
		err := fmt.Errorf("%w: block %d from %s", ledger.ErrUnauthorized, b.Height, b.Producer)
		g.ledger.ReportError(err, b.Producer)
		return err
	}

	head := g.ledger.Head()
	switch {
	case b.Height == head.Height+1:
		if err := g.ledger.Append(b); err != nil {
			if errors.Is(err, ledger.ErrOutOfSequence) {
				g.syncer.Trigger()
			} else {
				g.ledger.ReportError(err, b.Producer)
			}
			return err
		}
		g.ledger.AdjustReputation(b.Producer, 1)
		return nil

	case b.Height <= head.Height:
		local, ok := g.ledger.BlockAt(b.Height)
		if ok && local.Hash == b.Hash {
			return nil
		}
		g.syncer.Trigger()
		return fmt.Errorf("%w: competing block at height %d", ledger.ErrOutOfSequence, b.Height)

	default:
		g.syncer.Trigger()
		return fmt.Errorf("%w: block %d ahead of head %d", ledger.ErrOutOfSequence, b.Height, head.Height)
	}
}

// handleGetChain answers off the dispatch path: a direct send may retry for
// a long time against an unreachable requester.
func (g *Gossip) handleGetChain(ctx context.Context, env network.Envelope) error {
	if env.SenderID == "" {
		return nil
	}
	select {
	case g.replies <- struct{}{}:
	default:
		return fmt.Errorf("%w: chain reply to %s dropped, %d in flight", ledger.ErrNoConnectivity, env.SenderID, cap(g.replies))
	}
	resp, err := network.NewEnvelope(network.TagChainResponse, g.self.LocalNodeID(), network.ChainResponseBody{Chain: g.ledger.Blocks()})
	if err != nil {
		<-g.replies
		return err
	}
	go func() {
		defer func() { <-g.replies }()
		if err := g.messenger.Send(ctx, env.SenderID, resp); err != nil {
			g.logger.Debug("Chain reply failed", zap.String("to", env.SenderID), zap.Error(err))
		}
	}()
	return nil
}

// handleValidator applies a registration change only for the node that sent
// it; the messenger authenticates SenderID.
func (g *Gossip) handleValidator(env network.Envelope, nodeID string) error {
	if nodeID == "" || nodeID != env.SenderID {
		return fmt.Errorf("%w: %s cannot change registration of %s", ledger.ErrUnauthorized, env.SenderID, nodeID)
	}
	if env.Tag == network.TagValidatorRegistration {
		_, err := g.ledger.Admit(nodeID, time.Now())
		return err
	}
	g.ledger.Deregister(nodeID)
	return nil
}

// reject penalizes the peer that delivered bad data and surfaces the error.
func (g *Gossip) reject(err error, sender string) {
	if rep, ok := g.ledger.Penalize(sender, g.penalty); ok {
		g.logger.Warn("Penalized validator", zap.String("nodeId", sender), zap.Int("reputation", rep), zap.Error(err))
	}
	g.ledger.ReportError(err, sender)
}
