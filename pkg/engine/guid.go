package engine

import (
	"fmt"
	"sync"
)

// Guid identifies one resource within an experiment controller.
type Guid int64

// String returns the decimal form of the guid.
func (g Guid) String() string {
	return fmt.Sprintf("%d", int64(g))
}

// GuidGenerator hands out process-unique guids in increasing order.
type GuidGenerator struct {
	mu   sync.Mutex
	last Guid
	used map[Guid]struct{}
}

// NewGuidGenerator creates a generator whose first guid is 1.
func NewGuidGenerator() *GuidGenerator {
	return &GuidGenerator{used: make(map[Guid]struct{})}
}

// Next returns the requested guid when it is positive and unused, or the
// next free guid after the highest one handed out when requested is zero.
func (g *GuidGenerator) Next(requested Guid) (Guid, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if requested < 0 {
		return 0, NewInvalidError(fmt.Sprintf("guid must be positive, got %d", requested), nil).
			WithCode(ErrCodeValidation)
	}

	if requested > 0 {
		if _, taken := g.used[requested]; taken {
			return 0, NewInvalidError("guid already assigned", nil).
				WithCode(ErrCodeAlreadyExists).
				WithResource(requested)
		}
		g.used[requested] = struct{}{}
		if requested > g.last {
			g.last = requested
		}
		return requested, nil
	}

	next := g.last + 1
	for {
		if _, taken := g.used[next]; !taken {
			break
		}
		next++
	}
	g.used[next] = struct{}{}
	g.last = next
	return next, nil
}
