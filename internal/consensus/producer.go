// Package consensus drives the ledger: block production on a timer, gossip
// handling, chain sync with longest-valid-chain fork resolution, and the
// periodic reputation evaluation.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/aidchain/internal/identity"
	"github.com/iggydv12/aidchain/internal/ledger"
	"github.com/iggydv12/aidchain/internal/network"
)

// State is the block producer state.
type State int32

const (
	StateIdle State = iota
	StateProducing
)

func (s State) String() string {
	if s == StateProducing {
		return "producing"
	}
	return "idle"
}

// DefaultBatchSize caps the transactions packed into one block.
const DefaultBatchSize = 100

// ProducerConfig tunes a Producer.
type ProducerConfig struct {
	BatchSize int
	// Now stamps new blocks; defaults to wall-clock milliseconds.
	Now func() int64
}

// Producer assembles, signs, appends and broadcasts blocks when the local
// node is an authorized validator.
type Producer struct {
	ledger    *ledger.Ledger
	crypto    ledger.Crypto
	self      identity.Provider
	messenger network.Messenger
	batchSize int
	now       func() int64
	state     atomic.Int32
	trigger   chan struct{}
	logger    *zap.Logger
}

// NewProducer creates an idle Producer.
func NewProducer(l *ledger.Ledger, c ledger.Crypto, self identity.Provider, m network.Messenger, cfg ProducerConfig, logger *zap.Logger) *Producer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Producer{
		ledger:    l,
		crypto:    c,
		self:      self,
		messenger: m,
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
		trigger:   make(chan struct{}, 1),
		logger:    logger.With(zap.String("component", "producer")),
	}
}

// State reports whether a production cycle is in flight.
func (p *Producer) State() State { return State(p.state.Load()) }

// TryProduce runs one production cycle. It returns a nil block without error
// when the node is not authorized, the pool is empty, or another cycle is
// already running. On failure the drained transactions go back to the pool.
func (p *Producer) TryProduce(ctx context.Context) (*ledger.Block, error) {
	selfID := p.self.LocalNodeID()
	if !p.ledger.IsAuthorized(selfID) || p.ledger.PoolSize() == 0 {
		return nil, nil
	}
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateProducing)) {
		return nil, nil
	}
	defer p.state.Store(int32(StateIdle))

	txs := p.ledger.Drain(p.batchSize)
	if len(txs) == 0 {
		return nil, nil
	}

	b, err := p.assemble(selfID, txs)
	if err == nil {
		err = p.ledger.Append(b)
	}
	if err != nil {
		restored := p.ledger.Restore(txs)
		p.logger.Warn("Production aborted",
			zap.Int("drained", len(txs)),
			zap.Int("restored", restored),
			zap.Error(err),
		)
		p.ledger.ReportError(err, selfID)
		return nil, err
	}

	p.logger.Info("Produced block",
		zap.Uint64("height", b.Height),
		zap.Int("txs", len(b.Transactions)),
		zap.String("hash", b.Hash),
	)
	p.broadcast(ctx, b)
	return &b, nil
}

func (p *Producer) assemble(selfID string, txs []ledger.Transaction) (ledger.Block, error) {
	head := p.ledger.Head()
	createdAt := p.now()
	if createdAt < head.CreatedAt {
		createdAt = head.CreatedAt
	}
	b := ledger.Block{
		Height:       head.Height + 1,
		CreatedAt:    createdAt,
		Transactions: txs,
		PreviousHash: head.Hash,
		Producer:     selfID,
	}
	if err := b.Seal(p.crypto); err != nil {
		return ledger.Block{}, fmt.Errorf("seal block %d: %w", b.Height, err)
	}
	return b, nil
}

// broadcast is fire-and-forget: the block is already committed locally.
func (p *Producer) broadcast(ctx context.Context, b ledger.Block) {
	env, err := network.NewEnvelope(network.TagNewBlock, p.self.LocalNodeID(), network.NewBlockBody{Block: b})
	if err != nil {
		p.logger.Error("Encode block failed", zap.Uint64("height", b.Height), zap.Error(err))
		return
	}
	if err := p.messenger.Broadcast(ctx, env); err != nil {
		if errors.Is(err, ledger.ErrNoConnectivity) {
			p.logger.Debug("Block not broadcast, no peers", zap.Uint64("height", b.Height))
			return
		}
		p.logger.Warn("Block broadcast failed", zap.Uint64("height", b.Height), zap.Error(err))
	}
}

// Trigger asks Run for an out-of-cycle attempt. Never blocks.
func (p *Producer) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run attempts production on every tick and on Trigger until ctx is done.
func (p *Producer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.trigger:
		}
		if _, err := p.TryProduce(ctx); err != nil {
			p.logger.Debug("Production tick failed", zap.Error(err))
		}
	}
}
