package dbconn

import (
	"time"

	"github.com/sirupsen/logrus"
)

type probeOutcome int

const (
	outcomeUnreachable probeOutcome = iota // nothing answered the dial
	outcomeNotReady                        // server up, startup/shutdown/recovery
	outcomeRejected                        // server up, connect attempt refused
)

// rateLimitedNotifier emits at most one warning per interval per outcome
// class. State lives in the value owned by a single open() call, not in a
// package-level variable, so concurrent opens rate-limit independently.
type rateLimitedNotifier struct {
	interval time.Duration
	last     map[probeOutcome]time.Time
}

func newRateLimitedNotifier(interval time.Duration) *rateLimitedNotifier {
	return &rateLimitedNotifier{interval: interval, last: make(map[probeOutcome]time.Time)}
}

func (n *rateLimitedNotifier) warn(outcome probeOutcome, entry *logrus.Entry, msg string) {
	var now = time.Now()
	if last, ok := n.last[outcome]; ok && now.Sub(last) < n.interval {
		return
	}
	n.last[outcome] = now
	entry.Warn(msg)
}
