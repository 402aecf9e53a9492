package main

import (
	"sort"
	"time"
)

// AccelRule scales a detent when it follows the previous same-direction
// detent within Within.
type AccelRule struct {
	Within     time.Duration
	Multiplier int
}

// accelerator tracks recent encoder detents for velocity detection, so fast
// spinning moves the level by more than one step per detent.
//
// Not safe for concurrent use; the Encoder serializes calls under its mutex.
type accelerator struct {
	rules []AccelRule // sorted by Within, tightest first
	last  rotaryStep
}

// rotaryStep records a single encoder detent.
type rotaryStep struct {
	timestamp time.Time
	direction int // +1 for up, -1 for down
}

func newAccelerator(rules []AccelRule) *accelerator {
	rs := append([]AccelRule(nil), rules...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Within < rs[j].Within })
	return &accelerator{rules: rs}
}

// step records a detent and returns the signed number of levels it is worth.
// A direction change always counts as a single step.
func (a *accelerator) step(direction int, at time.Time) int {
	prev := a.last
	a.last = rotaryStep{timestamp: at, direction: direction}

	if len(a.rules) == 0 || prev.timestamp.IsZero() || prev.direction != direction {
		return direction
	}

	gap := at.Sub(prev.timestamp)
	for _, r := range a.rules {
		if gap < r.Within {
			if r.Multiplier < 1 {
				return direction
			}
			return direction * r.Multiplier
		}
	}
	return direction
}
