package sshmux

import (
	"time"

	"github.com/jpillora/backoff"
)

// ReconnectPolicy governs what a Client does after losing its connection to
// the remote side. It never applies to Client.Close. The zero value is
// ReconnectNever.
type ReconnectPolicy struct {
	// MaxAttempts is the number of reconnect attempts per disconnection;
	// 0 never reconnects and a negative value retries forever.
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Factor      float64
	Jitter      bool
}

// ReconnectNever leaves a dropped client closed.
var ReconnectNever = ReconnectPolicy{}

// ReconnectWithBackoff retries up to maxAttempts times, waiting min, then
// doubling up to max between attempts.
func ReconnectWithBackoff(maxAttempts int, min, max time.Duration) ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: maxAttempts,
		MinBackoff:  min,
		MaxBackoff:  max,
		Factor:      2,
		Jitter:      true,
	}
}

func (p ReconnectPolicy) enabled() bool {
	return p.MaxAttempts != 0
}

// exhausted reports whether attempt, counted from 0, is past the limit.
func (p ReconnectPolicy) exhausted(attempt int) bool {
	return p.MaxAttempts >= 0 && attempt >= p.MaxAttempts
}

func (p ReconnectPolicy) backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    p.MinBackoff,
		Max:    p.MaxBackoff,
		Factor: p.Factor,
		Jitter: p.Jitter,
	}
}
