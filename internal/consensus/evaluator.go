package consensus

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/aidchain/internal/identity"
	"github.com/iggydv12/aidchain/internal/ledger"
	"github.com/iggydv12/aidchain/internal/network"
)

const (
	// DefaultLowReputation is the threshold below which validators are dropped.
	DefaultLowReputation = 20
	// DefaultDemotionCooldown is how long a dropped validator's
	// re-announcements are refused.
	DefaultDemotionCooldown = 30 * time.Minute
)

// EvaluatorConfig tunes an Evaluator.
type EvaluatorConfig struct {
	LowReputation    int
	AutoDeregister   bool
	DemotionCooldown time.Duration
	Now              func() time.Time
}

// Evaluator runs the periodic reputation tick and re-announces the local
// validator so peers that joined later learn the validator set.
type Evaluator struct {
	ledger    *ledger.Ledger
	self      identity.Provider
	messenger network.Messenger
	low       int
	auto      bool
	cooldown  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(l *ledger.Ledger, self identity.Provider, m network.Messenger, cfg EvaluatorConfig, logger *zap.Logger) *Evaluator {
	if cfg.LowReputation <= 0 {
		cfg.LowReputation = DefaultLowReputation
	}
	if cfg.DemotionCooldown <= 0 {
		cfg.DemotionCooldown = DefaultDemotionCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Evaluator{
		ledger:    l,
		self:      self,
		messenger: m,
		low:       cfg.LowReputation,
		auto:      cfg.AutoDeregister,
		cooldown:  cfg.DemotionCooldown,
		now:       cfg.Now,
		logger:    logger.With(zap.String("component", "evaluator")),
	}
}

// Tick runs one evaluation and returns the validators it deregistered.
func (e *Evaluator) Tick(ctx context.Context) []string {
	low := e.ledger.Evaluate(e.low)
	var removed []string
	for _, id := range low {
		if !e.auto {
			e.logger.Info("Validator below reputation threshold", zap.String("nodeId", id))
			continue
		}
		until := e.now().Add(e.cooldown)
		if e.ledger.Demote(id, until) {
			removed = append(removed, id)
			e.logger.Warn("Deregistered low-reputation validator",
				zap.String("nodeId", id),
				zap.Int("threshold", e.low),
				zap.Time("refusedUntil", until),
			)
		}
	}
	e.heartbeat(ctx)
	return removed
}

func (e *Evaluator) heartbeat(ctx context.Context) {
	selfID := e.self.LocalNodeID()
	if !e.ledger.IsAuthorized(selfID) {
		return
	}
	env, err := network.NewEnvelope(network.TagValidatorRegistration, selfID, network.ValidatorBody{NodeID: selfID})
	if err == nil {
		err = e.messenger.Broadcast(ctx, env)
	}
	if err != nil && !errors.Is(err, ledger.ErrNoConnectivity) {
		e.logger.Debug("Validator heartbeat failed", zap.Error(err))
	}
}

// Run ticks every interval until ctx is done.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}
