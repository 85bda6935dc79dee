package job

import (
	"context"
	"sync"

	"github.com/aatumaykin/pipetimer/internal/errors"
)

// ErrBusy is returned when a run request is dropped because the executor
// is occupied.
var ErrBusy = errors.New("a run is already in progress")

// Guard is a single execution slot with at most one waiter.
type Guard struct {
	policy  Overlap
	running chan struct{}
	pending chan struct{}
}

// NewGuard creates a free Guard.
func NewGuard(policy Overlap) *Guard {
	return &Guard{
		policy:  policy,
		running: make(chan struct{}, 1),
		pending: make(chan struct{}, 1),
	}
}

// Acquire takes the slot. With OverlapQueue one caller may wait for a busy
// slot; everyone else gets ErrBusy immediately. The returned release func
// is safe to call more than once.
func (g *Guard) Acquire(ctx context.Context) (func(), error) {
	select {
	case g.running <- struct{}{}:
		return g.releaser(), nil
	default:
	}

	if g.policy == OverlapSkip {
		return nil, ErrBusy
	}

	select {
	case g.pending <- struct{}{}:
	default:
		return nil, ErrBusy
	}
	defer func() { <-g.pending }()

	select {
	case g.running <- struct{}{}:
		return g.releaser(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Busy reports whether the slot is held.
func (g *Guard) Busy() bool {
	return len(g.running) > 0
}

// Pending reports whether a request is waiting for the slot.
func (g *Guard) Pending() bool {
	return len(g.pending) > 0
}

func (g *Guard) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-g.running })
	}
}
