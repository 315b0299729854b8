// Package retry implements the backoff policy used for every connection
// attempt made against the source database. Delays follow the
// "decorrelated jitter" scheme: each sleep is drawn uniformly from
// [minSleep, 3*previousSleep] and clamped to maxSleep, which bounds both
// the expected total wait and the size of reconnection storms after an
// outage ends.
package retry

import (
	"context"
	"math/rand"
	"os"
	"time"
)

// Defaults applied by NewPolicy when the corresponding bound is zero.
const (
	DefaultMaxElapsed = 60 * time.Second
	DefaultMinSleep   = 100 * time.Millisecond
	DefaultMaxSleep   = 10 * time.Second
)

// UnboundedAttempts disables the attempt-count budget so that only the
// elapsed-time budget (or cancellation) can exhaust the policy.
const UnboundedAttempts = -1

// A Policy tracks the retry budget for one logical connection-attempt
// sequence. It is created once per sequence and discarded on success or
// exhaustion; it is not safe for concurrent use and never needs to be,
// since each session owns its own policy.
type Policy struct {
	MaxElapsed  time.Duration // total wall-clock budget across all attempts
	MaxAttempts int           // -1 = unbounded, 0 = no retry at all
	MinSleep    time.Duration
	MaxSleep    time.Duration

	attempts int
	current  time.Duration
	started  time.Time
	rng      *rand.Rand
}

// NewPolicy returns a policy with its clock started and its random state
// seeded from the process id and wall clock, so concurrent processes
// retrying against the same server do not march in lockstep.
func NewPolicy(maxElapsed time.Duration, maxAttempts int, minSleep, maxSleep time.Duration) *Policy {
	if maxElapsed <= 0 {
		maxElapsed = DefaultMaxElapsed
	}
	if minSleep <= 0 {
		minSleep = DefaultMinSleep
	}
	if maxSleep <= 0 {
		maxSleep = DefaultMaxSleep
	}
	if maxSleep < minSleep {
		maxSleep = minSleep
	}
	return &Policy{
		MaxElapsed:  maxElapsed,
		MaxAttempts: maxAttempts,
		MinSleep:    minSleep,
		MaxSleep:    maxSleep,
		started:     time.Now(),
		rng:         rand.New(rand.NewSource(int64(os.Getpid()) ^ time.Now().UnixNano())),
	}
}

// NextDelay computes the next sleep duration and counts the attempt.
// The returned value is always within [MinSleep, MaxSleep].
func (p *Policy) NextDelay() time.Duration {
	prev := p.current
	if prev < p.MinSleep {
		prev = p.MinSleep
	}
	hi := 3 * prev
	if hi > p.MaxSleep {
		hi = p.MaxSleep
	}
	delay := p.MinSleep
	if hi > p.MinSleep {
		delay += time.Duration(p.rng.Int63n(int64(hi - p.MinSleep + 1)))
	}
	p.current = delay
	p.attempts++
	return delay
}

// Exhausted reports whether the retry budget is spent. The context stands
// in for the external stop signal: a cancelled context exhausts the policy
// immediately.
func (p *Policy) Exhausted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if p.MaxAttempts == 0 {
		return true
	}
	if p.MaxAttempts > 0 && p.attempts >= p.MaxAttempts {
		return true
	}
	return time.Since(p.started) >= p.MaxElapsed
}

// Attempts returns the number of delays handed out so far.
func (p *Policy) Attempts() int { return p.attempts }

// Elapsed returns the wall-clock time since the policy was created.
func (p *Policy) Elapsed() time.Duration { return time.Since(p.started) }
