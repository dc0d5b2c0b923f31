/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Busy-retry backoff shared by the Protocol Engine, Probe Ladder and
 * Quirk Resolver (spec §4.E busyBackoff, §7 DeviceBusy retries)
 */

package mtpusb

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
)

// busyDelay computes delay(attempt) = max(100ms,
// baseMs·2^min(attempt,10) ± jitter) exactly as spec §4.E specifies.
func busyDelay(b BusyBackoff, attempt int) time.Duration {
	exp := attempt
	if exp > 10 {
		exp = 10
	}
	base := float64(b.BaseMs) * math.Pow(2, float64(exp))
	jitter := base * b.JitterF
	delayMs := base + (rand.Float64()*2-1)*jitter
	if delayMs < 100 {
		delayMs = 100
	}
	return time.Duration(delayMs) * time.Millisecond
}

// busyBackoffSleep blocks for busyDelay(b, attempt) or until ctx is
// cancelled, whichever comes first.
func busyBackoffSleep(ctx context.Context, b BusyBackoff, attempt int) error {
	d := busyDelay(b, attempt)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// constantRetryBackoff builds a cenkalti/backoff policy for the Probe
// Ladder's single DeviceBusy reset-and-retry (spec §4.D): one retry
// after a short constant pause, grounded on
// nasa-jpl-golaborate/comm.CloseEventually's use of
// backoff.NewConstantBackOff for a bounded one-shot retry.
func constantRetryBackoff(interval time.Duration) backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), 1)
}

// exponentialConnectBackoff mirrors
// nasa-jpl-golaborate/comm.RemoteDevice.Open's ExponentialBackOff
// shape. Nothing in this package calls it; the Device Session has no
// reconnect-after-disconnect path.
func exponentialConnectBackoff(maxElapsed time.Duration) backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Second,
		MaxElapsedTime:      maxElapsed,
		Clock:               backoff.SystemClock,
	}
}
