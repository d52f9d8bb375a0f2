// Package node wires the ledger, consensus and network into a running node.
package node

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/aidchain/internal/consensus"
	"github.com/iggydv12/aidchain/internal/identity"
	"github.com/iggydv12/aidchain/internal/ledger"
	"github.com/iggydv12/aidchain/internal/network"
)

// Options tunes an Engine. Zero values fall back to package defaults.
type Options struct {
	BatchSize           int
	ProductionThreshold int
	LowReputation       int
	AutoDeregister      bool
	DemotionCooldown    time.Duration
	SyncWindow          time.Duration

	ProductionInterval time.Duration
	SyncInterval       time.Duration
	EvaluationInterval time.Duration

	// Now stamps transactions and blocks in milliseconds.
	Now func() int64
}

func (o *Options) applyDefaults() {
	if o.ProductionInterval <= 0 {
		o.ProductionInterval = 10 * time.Second
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 60 * time.Second
	}
	if o.EvaluationInterval <= 0 {
		o.EvaluationInterval = 30 * time.Second
	}
	if o.ProductionThreshold <= 0 {
		o.ProductionThreshold = consensus.DefaultProductionThreshold
	}
	if o.Now == nil {
		o.Now = func() int64 { return time.Now().UnixMilli() }
	}
}

// Engine is the public ledger API of a node.
type Engine struct {
	ledger    *ledger.Ledger
	self      identity.Provider
	messenger network.Messenger
	producer  *consensus.Producer
	gossip    *consensus.Gossip
	syncer    *consensus.Syncer
	evaluator *consensus.Evaluator
	opts      Options
	state     atomic.Int32
	logger    *zap.Logger
}

// NewEngine wires the consensus components around l and subscribes them to m.
func NewEngine(l *ledger.Ledger, self identity.Provider, m network.Messenger, opts Options, logger *zap.Logger) *Engine {
	opts.applyDefaults()
	producer := consensus.NewProducer(l, l.Crypto(), self, m, consensus.ProducerConfig{
		BatchSize: opts.BatchSize,
		Now:       opts.Now,
	}, logger)
	syncer := consensus.NewSyncer(l, self, m, opts.SyncWindow, logger)
	e := &Engine{
		ledger:    l,
		self:      self,
		messenger: m,
		producer:  producer,
		syncer:    syncer,
		gossip: consensus.NewGossip(l, self, m, producer, syncer, consensus.GossipConfig{
			ProductionThreshold: opts.ProductionThreshold,
		}, logger),
		evaluator: consensus.NewEvaluator(l, self, m, consensus.EvaluatorConfig{
			LowReputation:    opts.LowReputation,
			AutoDeregister:   opts.AutoDeregister,
			DemotionCooldown: opts.DemotionCooldown,
		}, logger),
		opts:   opts,
		logger: logger.With(zap.String("component", "engine")),
	}
	m.Subscribe(e.gossip.HandleEnvelope)
	return e
}

// Run performs a startup sync, registers coordinators as validators and runs
// the timers until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.state.Store(int32(StateSyncing))
	defer e.state.Store(int32(StateStopped))

	if _, err := e.syncer.Sync(ctx); err != nil {
		e.logger.Info("Startup sync incomplete", zap.Error(err))
	}
	if e.self.LocalRole().CanValidate() {
		e.RegisterAsValidator(ctx)
	}

	e.state.Store(int32(StateRunning))
	e.logger.Info("Engine running",
		zap.String("nodeId", e.self.LocalNodeID()),
		zap.String("role", e.self.LocalRole().String()),
		zap.Uint64("head", e.ledger.Head().Height),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { e.producer.Run(gctx, e.opts.ProductionInterval); return nil })
	g.Go(func() error { e.syncer.Run(gctx, e.opts.SyncInterval); return nil })
	g.Go(func() error { e.evaluator.Run(gctx, e.opts.EvaluationInterval); return nil })
	return g.Wait()
}

// State returns the lifecycle state.
func (e *Engine) State() NodeState { return NodeState(e.state.Load()) }

// SubmitTransaction signs payload as a new transaction, pools it and gossips
// it. An empty recipient means broadcast. Only local failures are returned.
func (e *Engine) SubmitTransaction(ctx context.Context, kind ledger.Kind, payload any, recipient string) (string, error) {
	data, err := ledger.EncodePayload(payload)
	if err != nil {
		return "", err
	}
	if err := ledger.ValidatePayload(kind, data); err != nil {
		return "", err
	}
	id, err := newTransactionID()
	if err != nil {
		return "", err
	}
	tx := ledger.Transaction{
		ID:        id,
		Kind:      kind,
		Sender:    e.self.LocalNodeID(),
		Recipient: recipient,
		Payload:   data,
		CreatedAt: e.opts.Now(),
	}
	if err := tx.Seal(e.ledger.Crypto()); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := e.ledger.Offer(tx); err != nil {
		return "", err
	}

	e.broadcast(ctx, network.TagNewTransaction, network.NewTransactionBody{Transaction: tx})
	if e.ledger.IsAuthorized(e.self.LocalNodeID()) && e.ledger.PoolSize() >= e.opts.ProductionThreshold {
		e.producer.Trigger()
	}
	return id, nil
}

// RegisterAsValidator adds the local node to the validator set and announces
// it. Only coordinators are eligible.
func (e *Engine) RegisterAsValidator(ctx context.Context) bool {
	if !e.self.LocalRole().CanValidate() {
		e.logger.Info("Validator registration refused", zap.String("role", e.self.LocalRole().String()))
		return false
	}
	selfID := e.self.LocalNodeID()
	if e.ledger.Register(selfID) {
		e.logger.Info("Registered as validator")
	}
	e.broadcast(ctx, network.TagValidatorRegistration, network.ValidatorBody{NodeID: selfID})
	return true
}

// DeregisterAsValidator removes the local node from the validator set.
func (e *Engine) DeregisterAsValidator(ctx context.Context) bool {
	selfID := e.self.LocalNodeID()
	removed := e.ledger.Deregister(selfID)
	if removed {
		e.logger.Info("Deregistered as validator")
		e.broadcast(ctx, network.TagValidatorDeregistration, network.ValidatorBody{NodeID: selfID})
	}
	return removed
}

func (e *Engine) broadcast(ctx context.Context, tag network.Tag, body any) {
	env, err := network.NewEnvelope(tag, e.self.LocalNodeID(), body)
	if err == nil {
		err = e.messenger.Broadcast(ctx, env)
	}
	if err != nil {
		if errors.Is(err, ledger.ErrNoConnectivity) {
			e.logger.Debug("Nothing to broadcast to", zap.String("tag", string(tag)))
			return
		}
		e.logger.Warn("Broadcast failed", zap.String("tag", string(tag)), zap.Error(err))
	}
}

// Produce runs one production cycle now.
func (e *Engine) Produce(ctx context.Context) (*ledger.Block, error) {
	return e.producer.TryProduce(ctx)
}

// Sync runs one chain sync round now.
func (e *Engine) Sync(ctx context.Context) (bool, error) {
	return e.syncer.Sync(ctx)
}

// GetBlock returns the block at height.
func (e *Engine) GetBlock(height uint64) (ledger.Block, bool) { return e.ledger.BlockAt(height) }

// GetHead returns the chain head.
func (e *Engine) GetHead() ledger.Block { return e.ledger.Head() }

// GetTransaction looks id up in the pool and the chain.
func (e *Engine) GetTransaction(id string) (ledger.TxRecord, bool) { return e.ledger.Transaction(id) }

// ListTransactionsByKind lists committed then pending transactions of kind.
func (e *Engine) ListTransactionsByKind(kind ledger.Kind) []ledger.Transaction {
	return e.ledger.TransactionsByKind(kind)
}

// ListTransactionsByParty lists transactions nodeID sent or received.
func (e *Engine) ListTransactionsByParty(nodeID string) []ledger.Transaction {
	return e.ledger.TransactionsByParty(nodeID)
}

// VerifyIntegrity audits the whole chain.
func (e *Engine) VerifyIntegrity() bool { return e.ledger.Verify() }

// Audit is VerifyIntegrity with the failure reason.
func (e *Engine) Audit() error { return e.ledger.Audit() }

// Subscribe returns a channel of ledger events and its cancel func.
func (e *Engine) Subscribe(buffer int) (<-chan ledger.Event, func()) {
	return e.ledger.Bus().Subscribe(buffer)
}

// Validators returns validator reputations.
func (e *Engine) Validators() map[string]int { return e.ledger.Validators() }

// Status summarizes the node.
type Status struct {
	NodeID     string `json:"nodeId"`
	Role       string `json:"role"`
	State      string `json:"state"`
	Serving    bool   `json:"serving"`
	Height     uint64 `json:"height"`
	HeadHash   string `json:"headHash"`
	PoolSize   int    `json:"poolSize"`
	Validator  bool   `json:"validator"`
	Peers      int    `json:"peers"`
	LastBlock  int64  `json:"lastBlockTime"`
	Validators int    `json:"validators"`
}

// Status returns a point-in-time summary.
func (e *Engine) Status() Status {
	head := e.ledger.Head()
	selfID := e.self.LocalNodeID()
	state := e.State()
	return Status{
		NodeID:     selfID,
		Role:       e.self.LocalRole().String(),
		State:      state.String(),
		Serving:    state.IsServing(),
		Height:     head.Height,
		HeadHash:   head.Hash,
		PoolSize:   e.ledger.PoolSize(),
		Validator:  e.ledger.IsAuthorized(selfID),
		Peers:      len(e.messenger.Peers()),
		LastBlock:  e.ledger.LastBlockTime(),
		Validators: len(e.ledger.Validators()),
	}
}

// newTransactionID returns 128 random bits, hex encoded.
func newTransactionID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("transaction id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
