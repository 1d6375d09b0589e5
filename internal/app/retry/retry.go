// Package retry holds the bounded retry policy shared by every liveness loop
// in the client: ICE restarts, reachability polling and transport polling.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrExhausted = errors.New("retry budget exhausted")

// Policy bounds a loop: at most MaxAttempts live attempts, Interval apart.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
}

// Budget counts live attempts against a Policy.
type Budget struct {
	policy  Policy
	attempt int
}

func NewBudget(p Policy) *Budget { return &Budget{policy: p} }

// Consume records one live attempt and returns its 1-based number, or false
// when the budget is already spent.
func (b *Budget) Consume() (int, bool) {
	if b.Exhausted() {
		return b.attempt, false
	}
	b.attempt++
	return b.attempt, true
}

func (b *Budget) Exhausted() bool { return b.attempt >= b.policy.MaxAttempts }
func (b *Budget) Attempt() int    { return b.attempt }
func (b *Budget) Reset()          { b.attempt = 0 }

// Loop is the single scheduler for bounded retry loops. Each tick waits one
// Interval, then:
//   - Done reports recovery and ends the loop with nil;
//   - an exhausted budget ends the loop with ErrExhausted;
//   - Ready gates the attempt: a false result waits for the next tick
//     without consuming the budget;
//   - Attempt runs and consumes one unit whatever its outcome.
//
// Ticks are strictly sequential; the next wait starts after Attempt returns.
type Loop struct {
	Policy  Policy
	Clock   clockwork.Clock
	Done    func() bool
	Ready   func(ctx context.Context) bool
	Attempt func(ctx context.Context, n int) error
	// OnAttemptError observes failed attempts; optional.
	OnAttemptError func(n int, err error)
}

func (l *Loop) Run(ctx context.Context) error {
	budget := NewBudget(l.Policy)
	clk := l.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	for {
		timer := clk.NewTimer(l.Policy.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}

		if l.Done != nil && l.Done() {
			return nil
		}
		if budget.Exhausted() {
			return ErrExhausted
		}
		if l.Ready != nil && !l.Ready(ctx) {
			continue
		}
		n, _ := budget.Consume()
		if l.Attempt == nil {
			continue
		}
		if err := l.Attempt(ctx, n); err != nil && l.OnAttemptError != nil {
			l.OnAttemptError(n, err)
		}
	}
}
