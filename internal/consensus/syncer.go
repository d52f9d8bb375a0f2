package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/aidchain/internal/identity"
	"github.com/iggydv12/aidchain/internal/ledger"
	"github.com/iggydv12/aidchain/internal/network"
)

// DefaultSyncWindow bounds how long a sync round collects chain responses.
const DefaultSyncWindow = 5 * time.Second

// Candidate is a chain offered by a peer during a sync round.
type Candidate struct {
	From  string
	Chain []ledger.Block
}

// round collects candidate chains while its window is open.
type round struct {
	expect     int
	candidates []Candidate
	done       chan struct{}
	closed     bool
}

// Syncer requests peer chains and resolves forks by adopting the longest
// chain that passes full verification.
type Syncer struct {
	mu        sync.Mutex
	ledger    *ledger.Ledger
	self      identity.Provider
	messenger network.Messenger
	window    time.Duration
	penalty   int
	round     *round
	trigger   chan struct{}
	logger    *zap.Logger
}

// NewSyncer creates a Syncer. A non-positive window uses DefaultSyncWindow.
// Peers offering forged chains lose DefaultPenalty reputation.
func NewSyncer(l *ledger.Ledger, self identity.Provider, m network.Messenger, window time.Duration, logger *zap.Logger) *Syncer {
	if window <= 0 {
		window = DefaultSyncWindow
	}
	return &Syncer{
		ledger:    l,
		self:      self,
		messenger: m,
		window:    window,
		penalty:   DefaultPenalty,
		trigger:   make(chan struct{}, 1),
		logger:    logger.With(zap.String("component", "sync")),
	}
}

// Sync runs one round: broadcast get_chain, collect responses until every
// peer answered or the window closes, then resolve. It reports whether the
// local chain was replaced. A round already in flight makes this a no-op.
func (s *Syncer) Sync(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.round != nil {
		s.mu.Unlock()
		return false, nil
	}
	r := &round{expect: len(s.messenger.Peers()), done: make(chan struct{})}
	s.round = r
	s.mu.Unlock()

	env, err := network.NewEnvelope(network.TagGetChain, s.self.LocalNodeID(), network.GetChainBody{})
	if err == nil {
		err = s.messenger.Broadcast(ctx, env)
	}
	if err != nil {
		s.closeRound()
		return false, fmt.Errorf("request chains: %w", err)
	}

	timer := time.NewTimer(s.window)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	candidates := s.closeRound()

	s.logger.Debug("Sync round closed", zap.Int("responses", len(candidates)), zap.Int("peers", r.expect))
	return s.Resolve(candidates)
}

func (s *Syncer) closeRound() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.round
	s.round = nil
	if r == nil {
		return nil
	}
	r.closed = true
	return r.candidates
}

// Offer hands a chain_response to the open round. Responses arriving with no
// round open are ignored and Offer returns false.
func (s *Syncer) Offer(from string, chain []ledger.Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.round
	if r == nil || r.closed {
		s.logger.Debug("Ignoring chain response outside a sync window", zap.String("from", from))
		return false
	}
	r.candidates = append(r.candidates, Candidate{From: from, Chain: chain})
	if r.expect > 0 && len(r.candidates) == r.expect {
		close(r.done)
	}
	return true
}

// Resolve adopts the longest candidate that is strictly longer than the local
// chain and passes verification. Equal-length candidates never replace the
// local chain. The sender of a forged or corrupted candidate is penalized.
func (s *Syncer) Resolve(candidates []Candidate) (bool, error) {
	local := s.ledger.Len()
	longer := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Chain) > local {
			longer = append(longer, c)
		}
	}
	if len(longer) == 0 {
		return false, nil
	}
	sort.SliceStable(longer, func(i, j int) bool { return len(longer[i].Chain) > len(longer[j].Chain) })

	var errs []error
	for _, c := range longer {
		err := s.ledger.ReplaceChain(c.Chain)
		if err == nil {
			s.logger.Info("Adopted peer chain",
				zap.String("from", c.From),
				zap.Int("length", len(c.Chain)),
				zap.Int("previous", local),
			)
			return true, nil
		}
		errs = append(errs, fmt.Errorf("candidate from %s: %w", c.From, err))
		// A candidate that lost to a concurrent append is not suspicious.
		if len(c.Chain) <= s.ledger.Len() {
			continue
		}
		s.logger.Warn("Rejected candidate chain",
			zap.String("from", c.From),
			zap.Int("length", len(c.Chain)),
			zap.Error(err),
		)
		if ledger.IsIntegrityError(err) && c.From != "" {
			if rep, ok := s.ledger.Penalize(c.From, s.penalty); ok {
				s.logger.Warn("Penalized chain sender", zap.String("nodeId", c.From), zap.Int("reputation", rep))
			}
		}
		s.ledger.ReportError(err, c.From)
	}
	return false, errors.Join(errs...)
}

// Trigger asks Run for an immediate round. Never blocks.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run syncs on every tick and on Trigger until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		if _, err := s.Sync(ctx); err != nil {
			if errors.Is(err, ledger.ErrNoConnectivity) {
				s.logger.Debug("Sync skipped, no peers")
				continue
			}
			s.logger.Warn("Sync round failed", zap.Error(err))
		}
	}
}
