package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Reputation bounds.
const (
	MinReputation     = 0
	MaxReputation     = 100
	DefaultReputation = MaxReputation
)

// Registry tracks authorized block producers and their reputation.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]int
	flagged    map[string]struct{} // penalized since the last Evaluate
	demoted    map[string]time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		validators: make(map[string]int),
		flagged:    make(map[string]struct{}),
		demoted:    make(map[string]time.Time),
	}
}

// Register adds nodeID at default reputation and lifts any demotion. Returns
// false if already present.
func (r *Registry) Register(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.demoted, nodeID)
	return r.registerLocked(nodeID)
}

// Admit registers nodeID on a peer's own announcement. A demoted id is
// refused until its demotion expires.
func (r *Registry) Admit(nodeID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if until, ok := r.demoted[nodeID]; ok {
		if now.Before(until) {
			return false, fmt.Errorf("%w: %s demoted until %s", ErrUnauthorized, nodeID, until.UTC().Format(time.RFC3339))
		}
		delete(r.demoted, nodeID)
	}
	return r.registerLocked(nodeID), nil
}

func (r *Registry) registerLocked(nodeID string) bool {
	if _, ok := r.validators[nodeID]; ok {
		return false
	}
	r.validators[nodeID] = DefaultReputation
	return true
}

// Demote removes nodeID and refuses its announcements until the given time.
// Returns false if it was not registered.
func (r *Registry) Demote(nodeID string, until time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.validators[nodeID]
	delete(r.validators, nodeID)
	delete(r.flagged, nodeID)
	r.demoted[nodeID] = until
	return ok
}

// Deregister removes nodeID. Returns false if it was not registered.
func (r *Registry) Deregister(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.validators[nodeID]; !ok {
		return false
	}
	delete(r.validators, nodeID)
	delete(r.flagged, nodeID)
	return true
}

// AdjustReputation adds delta clamped to [MinReputation, MaxReputation] and
// returns the new value. Unknown ids are ignored.
func (r *Registry) AdjustReputation(nodeID string, delta int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adjustLocked(nodeID, delta)
}

func (r *Registry) adjustLocked(nodeID string, delta int) (int, bool) {
	rep, ok := r.validators[nodeID]
	if !ok {
		return 0, false
	}
	rep = clamp(rep + delta)
	r.validators[nodeID] = rep
	return rep, true
}

// Penalize lowers nodeID's reputation and excludes it from the next recovery tick.
func (r *Registry) Penalize(nodeID string, amount int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.adjustLocked(nodeID, -amount)
	if ok {
		r.flagged[nodeID] = struct{}{}
	}
	return rep, ok
}

// Evaluate runs one reputation tick: every unflagged validator recovers one
// point toward MaxReputation and flags are cleared. It returns the validators
// whose reputation is below low, sorted.
func (r *Registry) Evaluate(low int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var below []string
	for id, rep := range r.validators {
		if _, flagged := r.flagged[id]; !flagged {
			rep = clamp(rep + 1)
			r.validators[id] = rep
		}
		if rep < low {
			below = append(below, id)
		}
	}
	r.flagged = make(map[string]struct{})
	sort.Strings(below)
	return below
}

// IsAuthorized reports registry membership.
func (r *Registry) IsAuthorized(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[nodeID]
	return ok
}

// Reputation returns nodeID's current reputation.
func (r *Registry) Reputation(nodeID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.validators[nodeID]
	return rep, ok
}

// Len returns the number of validators.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.validators)
}

// Snapshot returns a copy of the validator map.
func (r *Registry) Snapshot() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(map[string]int, len(r.validators))
	for k, v := range r.validators {
		snap[k] = v
	}
	return snap
}

func clamp(rep int) int {
	if rep < MinReputation {
		return MinReputation
	}
	if rep > MaxReputation {
		return MaxReputation
	}
	return rep
}
