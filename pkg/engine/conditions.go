package engine

import "time"

// ConditionMember is the view of a group member the resolver needs.
type ConditionMember interface {
	State() ResourceState
	StateTime(s ResourceState) time.Time
}

// NeedsReschedule decides whether an action gated on members reaching
// required must be deferred, and for how long.
//
// A member below required, or FAILED or RELEASED when that is not the
// required state, defers the action by defaultDelay. Once every member
// reached required, a positive delay is measured from each member's entry
// into required and the action waits for the largest remaining time.
func NeedsReschedule(members []ConditionMember, required ResourceState, delay, defaultDelay time.Duration, now time.Time) (bool, time.Duration) {
	for _, m := range members {
		s := m.State()
		if s.IsTerminal() && s != required {
			return true, defaultDelay
		}
		if s < required {
			return true, defaultDelay
		}
	}

	if delay <= 0 {
		return false, 0
	}

	var wait time.Duration
	for _, m := range members {
		entered := enteredAtOrAfter(m, required)
		if entered.IsZero() {
			continue
		}
		if remaining := delay - now.Sub(entered); remaining > wait {
			wait = remaining
		}
	}
	if wait > 0 {
		return true, wait
	}
	return false, 0
}

// enteredAtOrAfter is when m entered required, or the earliest later state
// when it skipped required.
func enteredAtOrAfter(m ConditionMember, required ResourceState) time.Time {
	if t := m.StateTime(required); !t.IsZero() {
		return t
	}
	var earliest time.Time
	for s := required + 1; s <= StateReleased; s++ {
		if t := m.StateTime(s); !t.IsZero() && (earliest.IsZero() || t.Before(earliest)) {
			earliest = t
		}
	}
	return earliest
}

// ResolveConditions ANDs conditions; the first unmet one decides the delay.
// Unknown guids are ignored.
func ResolveConditions(conds []Condition, lookup func(Guid) (ConditionMember, bool), defaultDelay time.Duration, now time.Time) (bool, time.Duration) {
	for _, c := range conds {
		members := make([]ConditionMember, 0, len(c.Group))
		for _, g := range c.Group {
			if m, ok := lookup(g); ok {
				members = append(members, m)
			}
		}
		if reschedule, wait := NeedsReschedule(members, c.State, c.Delay, defaultDelay, now); reschedule {
			return true, wait
		}
	}
	return false, 0
}
