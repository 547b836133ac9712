package credential

import (
	"sync"
	"time"
)

// LoadBalancingMode is the pool-wide selection policy.
type LoadBalancingMode string

const (
	ModePriority LoadBalancingMode = "priority"
	ModeBalanced LoadBalancingMode = "balanced"
)

// Selector picks a credential from a Pool according to a
// LoadBalancingMode: strict priority order, or round-robin within the
// best-priority tier.
type Selector struct {
	pool *Pool
	mode LoadBalancingMode

	mu         sync.Mutex
	roundRobin map[uint32]int // priority tier -> next index, for balanced mode
}

func NewSelector(pool *Pool, mode LoadBalancingMode) *Selector {
	if mode != ModeBalanced {
		mode = ModePriority
	}
	return &Selector{pool: pool, mode: mode, roundRobin: make(map[uint32]int)}
}

// SetMode changes the load-balancing mode at runtime (admin config update).
func (s *Selector) SetMode(mode LoadBalancingMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode != ModeBalanced {
		mode = ModePriority
	}
	s.mode = mode
}

// Select returns the next credential to use, excluding any id in exclude
// (used mid-retry-loop to skip credentials that already failed this
// request). now is passed in for testability.
func (s *Selector) Select(exclude map[int64]bool, now time.Time) (*Credential, bool) {
	all := s.pool.GetAll()

	var candidates []*Credential
	for _, c := range all {
		if c.Disabled || exclude[c.ID] || c.InCooldown(now) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	if mode == ModePriority {
		// candidates is already (priority ASC, id ASC) because GetAll is.
		return candidates[0], true
	}

	return s.selectBalanced(candidates), true
}

// selectBalanced round-robins within the minimum-priority non-disabled
// tier; when that tier is entirely excluded the next tier up becomes the
// minimum and is used instead.
func (s *Selector) selectBalanced(candidates []*Credential) *Credential {
	tiers := make(map[uint32][]*Credential)
	var tierOrder []uint32
	for _, c := range candidates {
		if _, seen := tiers[c.Priority]; !seen {
			tierOrder = append(tierOrder, c.Priority)
		}
		tiers[c.Priority] = append(tiers[c.Priority], c)
	}
	// tierOrder is already ascending because candidates come from GetAll in
	// priority order; take the minimum explicitly anyway.
	minTier := tierOrder[0]
	for _, t := range tierOrder {
		if t < minTier {
			minTier = t
		}
	}

	tier := tiers[minTier]
	s.mu.Lock()
	idx := s.roundRobin[minTier] % len(tier)
	s.roundRobin[minTier] = (idx + 1) % len(tier)
	s.mu.Unlock()

	return tier[idx]
}
