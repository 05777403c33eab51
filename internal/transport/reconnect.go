package transport

// reconnect.go is the satellite-side redial loop. When a channel
// breaks, the satellite retries with exponential backoff from one
// second up to a thirty second interval, and gives up entirely once
// the outage has lasted the configured ceiling.

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

const (
	// reconnectInitialInterval is the first retry delay.
	reconnectInitialInterval = time.Second

	// reconnectMaxInterval caps the per-attempt delay.
	reconnectMaxInterval = 30 * time.Second

	// DefaultReconnectCeiling is the total outage duration after which
	// redialing stops and the session is surfaced as lost.
	DefaultReconnectCeiling = 10 * time.Minute
)

// RedialFunc establishes one fresh channel, handshake included.
type RedialFunc func(ctx context.Context) (*Channel, error)

// Redialer retries a RedialFunc until it succeeds, a permanent error
// occurs, the context is cancelled, or the outage ceiling passes.
type Redialer struct {
	// Dial establishes one connection attempt.
	Dial RedialFunc

	// Ceiling is the total outage budget. Default:
	// DefaultReconnectCeiling.
	Ceiling time.Duration
}

// permanentRedialError reports whether retrying can ever help. Identity
// or pairing rejections will fail the same way every time.
func permanentRedialError(err error) bool {
	switch remoteErrors.GetCode(err) {
	case remoteErrors.CodeDeviceUnknown,
		remoteErrors.CodeDeviceRevoked,
		remoteErrors.CodeAuthFail,
		remoteErrors.CodeHandshakeReject,
		remoteErrors.CodePairingExpired,
		remoteErrors.CodePairingReplay,
		remoteErrors.CodePairingInvalid:
		return true
	}
	return false
}

// Redial runs the retry loop and returns the first channel that comes
// up. The error on failure is the last dial error, or transport.broken
// when the ceiling passes.
func (r *Redialer) Redial(ctx context.Context) (*Channel, error) {
	ceiling := r.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultReconnectCeiling
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialInterval
	bo.MaxInterval = reconnectMaxInterval
	bo.Multiplier = 2
	bo.MaxElapsedTime = ceiling
	bo.Reset()

	var lastErr error
	for attempt := 1; ; attempt++ {
		ch, err := r.Dial(ctx)
		if err == nil {
			if attempt > 1 {
				log.Printf("transport: reconnected after %d attempts", attempt)
			}
			return ch, nil
		}
		if permanentRedialError(err) {
			log.Printf("transport: redial failed permanently: %v", err)
			return nil, err
		}
		lastErr = err

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			log.Printf("transport: outage exceeded %s, giving up", ceiling)
			return nil, remoteErrors.Wrap(remoteErrors.CodeChannelBroken, "reconnect ceiling exceeded", lastErr)
		}

		log.Printf("transport: redial attempt %d failed (%v), retrying in %s", attempt, err, wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
