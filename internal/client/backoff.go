package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectDelay returns min(base*2^attempt, max).
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempt && d < max; i++ {
		d = b.NextBackOff()
	}
	if d > max {
		d = max
	}
	return d
}
