// Package validator is the admission gate for inbound events: structural
// checks, id and signature verification, proof-of-work, and policy gates.
// Validation never mutates storage; its only output is nil or a Rejection.
package validator

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/reef/internal/event"
	"github.com/roach88/reef/internal/protocol"
)

// ClientInfo is the per-message context passed positionally into handlers:
// who is asking, from where, and as whom they have authenticated.
type ClientInfo struct {
	ConnectionID string
	RemoteAddr   string
	AuthedPubKey string // empty until the AUTH flow completes
}

// TrustOracle answers whether a pubkey is familiar enough to publish.
// Score computation lives outside the relay; the validator only consumes
// the boolean.
type TrustOracle interface {
	Trusted(pubkey string) bool
}

// allowAll is the default oracle when no web-of-trust source is wired.
type allowAll struct{}

func (allowAll) Trusted(string) bool { return true }

// Policy is the admission policy the validator enforces after the
// cryptographic checks pass. The zero value gates nothing.
type Policy struct {
	// MinPowDifficulty requires this many leading zero bits in the id.
	// Zero disables the check.
	MinPowDifficulty int

	// RestrictedPubkeys refuses publishes from these authors outright.
	RestrictedPubkeys map[string]struct{}

	// RequireAuth refuses publishes until the connection has completed the
	// AUTH challenge flow.
	RequireAuth bool

	// MaxFutureSkew rejects events whose created_at is further than this
	// into the future. Zero disables the check.
	MaxFutureSkew time.Duration
}

// Validator runs the admission pipeline. Signature verification is
// CPU-bound, so it runs under a semaphore sized to available cores -
// connection goroutines queue for a verify slot instead of oversubscribing
// the scheduler and starving socket I/O.
type Validator struct {
	policy   Policy
	trust    TrustOracle
	throttle *Throttle
	verify   *semaphore.Weighted
	now      func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithTrustOracle wires an external web-of-trust source.
func WithTrustOracle(oracle TrustOracle) Option {
	return func(v *Validator) { v.trust = oracle }
}

// WithThrottle wires a publish rate limiter.
func WithThrottle(t *Throttle) Option {
	return func(v *Validator) { v.throttle = t }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New creates a Validator with the given policy.
func New(policy Policy, opts ...Option) *Validator {
	v := &Validator{
		policy: policy,
		trust:  allowAll{},
		verify: semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the pipeline, short-circuiting on the first failure.
// A non-nil error is always a *protocol.Rejection whose category tells the
// client which gate refused; ctx cancellation is the one exception and
// surfaces as a plain error.
func (v *Validator) Validate(ctx context.Context, ev *event.Event, client ClientInfo) error {
	if err := ev.CheckStructure(); err != nil {
		return protocol.Reject(protocol.CategoryInvalid, "%v", err)
	}

	if skew := v.policy.MaxFutureSkew; skew > 0 {
		horizon := v.now().Add(skew).Unix()
		if ev.CreatedAt > horizon {
			return protocol.Reject(protocol.CategoryInvalid,
				"created_at %d is too far in the future", ev.CreatedAt)
		}
	}

	if err := event.CheckID(ev); err != nil {
		return protocol.Reject(protocol.CategoryInvalid, "%v", err)
	}

	if err := v.verifySignature(ctx, ev); err != nil {
		return err
	}

	if min := v.policy.MinPowDifficulty; min > 0 {
		if got := event.Difficulty(ev.ID); got < min {
			return protocol.Reject(protocol.CategoryPow,
				"difficulty %d below required %d", got, min)
		}
	}

	if _, restricted := v.policy.RestrictedPubkeys[ev.PubKey]; restricted {
		return protocol.Reject(protocol.CategoryRestricted, "pubkey is not allowed to publish here")
	}

	if v.throttle != nil && !v.throttle.Allow(ev.PubKey, client.RemoteAddr) {
		return protocol.Reject(protocol.CategoryRateLimited, "slow down")
	}

	if !v.trust.Trusted(ev.PubKey) {
		return protocol.Reject(protocol.CategoryRestricted, "pubkey is not in this relay's web of trust")
	}

	if v.policy.RequireAuth && client.AuthedPubKey == "" {
		return protocol.Reject(protocol.CategoryAuthRequired, "publishing requires authentication")
	}

	return nil
}

// verifySignature checks the Schnorr signature under the bounded worker
// pool. Blocks until a slot frees up or ctx is cancelled.
func (v *Validator) verifySignature(ctx context.Context, ev *event.Event) error {
	if err := v.verify.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire verify slot: %w", err)
	}
	defer v.verify.Release(1)

	if err := event.VerifySignature(ev); err != nil {
		return protocol.Reject(protocol.CategoryInvalid, "%v", err)
	}
	return nil
}
