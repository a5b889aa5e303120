// Package backoff computes retry delays for transport reconnects and
// webhook redelivery.
package backoff

import (
	"math/rand"
	"time"
)

// Policy shapes a doubling delay curve. The zero value behaves like Default.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64 // fraction of the delay randomized around the midpoint, 0 disables
}

// Default doubles from 100ms up to a 5s ceiling with no jitter.
var Default = Policy{Initial: 100 * time.Millisecond, Max: 5 * time.Second}

// Delay returns the wait before retry attempt n, counted from 1. Attempt 1
// waits Initial; each later attempt doubles the wait until Max. Attempts
// below 1 wait Initial.
func (p Policy) Delay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = Default.Initial
	}
	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = Default.Max
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			d = ceiling
			break
		}
	}

	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	return d
}
