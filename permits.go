package ratudb

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PermitInterval is the time between reattempting permit acquisition.
const PermitInterval = 100 * time.Microsecond

// OperationPermits guards write operations on a shard. Writes hold shared
// permits. A relocation handoff blocks operations by taking an exclusive
// permit once all shared permits are released. New shared permits are
// refused while a block is pending so the block cannot be starved.
type OperationPermits struct {
	mu       sync.Mutex
	activeN  int     // number of shared permits
	blocking int     // number of pending blocks
	excl     *Permit // exclusive permit holder
}

// State returns whether operations are blocked, active, or idle.
func (p *OperationPermits) State() PermitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.excl != nil {
		return PermitStateBlocked
	} else if p.activeN > 0 {
		return PermitStateActive
	}
	return PermitStateIdle
}

// ActiveN returns the number of shared permits currently held.
func (p *OperationPermits) ActiveN() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeN
}

// Acquire obtains a shared permit. Returns an error if ctx is done first.
func (p *OperationPermits) Acquire(ctx context.Context) (*Permit, error) {
	if permit := p.TryAcquire(); permit != nil {
		return permit, nil
	}

	ticker := time.NewTicker(PermitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-ticker.C:
			if permit := p.TryAcquire(); permit != nil {
				return permit, nil
			}
		}
	}
}

// TryAcquire obtains a shared permit if operations are not blocked.
func (p *OperationPermits) TryAcquire() *Permit {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.excl != nil || p.blocking > 0 {
		return nil
	}
	p.activeN++
	return &Permit{p: p, state: PermitStateActive}
}

// Block obtains the exclusive permit once every shared permit is released.
// Returns an error if ctx is done first.
func (p *OperationPermits) Block(ctx context.Context) (*Permit, error) {
	p.mu.Lock()
	p.blocking++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.blocking--
		p.mu.Unlock()
	}()

	if permit := p.tryBlock(); permit != nil {
		return permit, nil
	}

	ticker := time.NewTicker(PermitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-ticker.C:
			if permit := p.tryBlock(); permit != nil {
				return permit, nil
			}
		}
	}
}

func (p *OperationPermits) tryBlock() *Permit {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.activeN > 0 || p.excl != nil {
		return nil
	}
	permit := &Permit{p: p, state: PermitStateBlocked}
	p.excl = permit
	return permit
}

// Permit is a reference to a held permit.
type Permit struct {
	p     *OperationPermits
	state PermitState
}

// Release releases the permit. Double releases are no-ops.
func (permit *Permit) Release() {
	p := permit.p
	p.mu.Lock()
	defer p.mu.Unlock()

	switch permit.state {
	case PermitStateIdle:
		return
	case PermitStateActive:
		assert(p.activeN > 0, "invalid shared permit count on release")
		p.activeN--
	case PermitStateBlocked:
		assert(p.excl == permit, "attempted release of non-exclusive permit")
		p.excl = nil
	default:
		panic(fmt.Sprintf("invalid permit state: %d", permit.state))
	}
	permit.state = PermitStateIdle
}

// PermitState represents the state of OperationPermits or a single Permit.
type PermitState int

// String returns the string representation of the state.
func (s PermitState) String() string {
	switch s {
	case PermitStateIdle:
		return "idle"
	case PermitStateActive:
		return "active"
	case PermitStateBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("<unknown(%d)>", s)
	}
}

const (
	PermitStateIdle = PermitState(iota)
	PermitStateActive
	PermitStateBlocked
)
