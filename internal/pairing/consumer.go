package pairing

import (
	"encoding/hex"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

// ReplayWindow is how long a consumed token nonce is remembered. A
// second handshake offering the same nonce inside the window fails
// with pairing.replay.
const ReplayWindow = 10 * time.Minute

// ConsumerConfig holds configuration for the host-side token consumer.
type ConsumerConfig struct {
	// AttemptsPerMinute is the rate limit for token consumption.
	// Default: 5.
	AttemptsPerMinute int

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// Consumer validates pairing tokens on the host: decode, expiry check,
// replay check, rate limit. It remembers consumed nonces for the
// sliding replay window.
type Consumer struct {
	mu sync.Mutex

	timeNow func() time.Time
	limiter *rate.Limiter

	// seen maps hex(nonce) to the time it was consumed.
	seen map[string]time.Time
}

// NewConsumer creates a token consumer with the given config.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.AttemptsPerMinute == 0 {
		cfg.AttemptsPerMinute = 5
	}
	if cfg.TimeNow == nil {
		cfg.TimeNow = time.Now
	}

	return &Consumer{
		timeNow: cfg.TimeNow,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.AttemptsPerMinute)), cfg.AttemptsPerMinute),
		seen:    make(map[string]time.Time),
	}
}

// Consume decodes and validates a token string, recording its nonce.
// The nonce is recorded before any other side effect so a racing second
// handshake with the same token always loses.
func (c *Consumer) Consume(s string) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.limiter.Allow() {
		log.Printf("pairing: rate limit exceeded for token consumption")
		return nil, remoteErrors.New(remoteErrors.CodePairingRateLimited, "too many pairing attempts, try again later")
	}

	token, err := Decode(s)
	if err != nil {
		return nil, err
	}

	now := c.timeNow()
	c.pruneLocked(now)

	// A consumed nonce always reports replay, even if the token has
	// since expired.
	key := hex.EncodeToString(token.Nonce)
	if _, ok := c.seen[key]; ok {
		log.Printf("pairing: rejected replayed token nonce")
		return nil, remoteErrors.PairingReplay()
	}

	if token.Expired(now) {
		log.Printf("pairing: rejected expired token")
		return nil, remoteErrors.PairingExpired()
	}
	c.seen[key] = now

	log.Printf("pairing: consumed token (mode %d)", token.Mode)
	return token, nil
}

// pruneLocked drops nonces older than the replay window.
// Must be called with c.mu held.
func (c *Consumer) pruneLocked(now time.Time) {
	cutoff := now.Add(-ReplayWindow)
	for key, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, key)
		}
	}
}
