package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy is a capped exponential backoff with jitter. The zero value is
// not usable; start from Default and override fields as needed.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	// Jitter is the fraction of the computed delay randomized in
	// [1-Jitter, 1+Jitter]. Keeps re-subscribing handles from stampeding.
	Jitter float64
}

func Default() Policy {
	return Policy{
		Base:   250 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: 0.5,
	}
}

// Delay returns the wait before the given retry attempt, starting at 0.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if p.Jitter > 0 {
		d *= 1 - p.Jitter + 2*p.Jitter*rand.Float64()
	}
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
