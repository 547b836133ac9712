package credential

import (
	"testing"
	"time"
)

func TestSelectPriorityPicksFirstNonDisabled(t *testing.T) {
	p := newTestPool(t, cred(1, 0), cred(2, 1))
	s := NewSelector(p, ModePriority)

	c, ok := s.Select(nil, time.Now())
	if !ok || c.ID != 1 {
		t.Fatalf("selected %+v, want id 1", c)
	}

	if err := p.SetDisabled(1, true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	c, ok = s.Select(nil, time.Now())
	if !ok || c.ID != 2 {
		t.Fatalf("selected %+v, want id 2 after disabling 1", c)
	}
}

func TestSelectBalancedRoundRobinsWithinMinTier(t *testing.T) {
	p := newTestPool(t, cred(1, 0), cred(2, 0), cred(3, 1))
	s := NewSelector(p, ModeBalanced)

	seen := map[int64]int{}
	for i := 0; i < 4; i++ {
		c, ok := s.Select(nil, time.Now())
		if !ok {
			t.Fatal("no credential selected")
		}
		seen[c.ID]++
	}
	if seen[1] != 2 || seen[2] != 2 {
		t.Fatalf("round robin uneven: %v", seen)
	}
	if seen[3] != 0 {
		t.Fatalf("lower tier credential 3 selected %d times", seen[3])
	}
}

func TestSelectBalancedFallsBackToNextTier(t *testing.T) {
	p := newTestPool(t, cred(1, 0), cred(2, 1))
	s := NewSelector(p, ModeBalanced)

	c, ok := s.Select(map[int64]bool{1: true}, time.Now())
	if !ok || c.ID != 2 {
		t.Fatalf("selected %+v, want fallback to id 2", c)
	}
}

func TestSelectSkipsCooldown(t *testing.T) {
	p := newTestPool(t, cred(1, 0), cred(2, 1))
	until := time.Now().Add(time.Minute)
	if err := p.Update(1, func(c *Credential) { c.CooldownUntil = &until }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	s := NewSelector(p, ModePriority)

	c, ok := s.Select(nil, time.Now())
	if !ok || c.ID != 2 {
		t.Fatalf("selected %+v, want id 2 while 1 cools down", c)
	}
}

func TestSelectNoCandidates(t *testing.T) {
	p := newTestPool(t, cred(1, 0))
	if err := p.SetDisabled(1, true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	s := NewSelector(p, ModePriority)
	if _, ok := s.Select(nil, time.Now()); ok {
		t.Fatal("expected no selection from fully disabled pool")
	}
}
