// Package auth implements the token registry: short-lived opaque tokens per client, failed-validation tracking and
// timestamp-based temporary blocking. Blocking is a defensive heuristic, not a lock: IsBlocked is deliberately a
// mutating read so an elapsed block is cleared in the same critical section that checks it.
package auth

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors returned by Validate.
var (
	ErrTokenNotFound = errors.New("auth: no token issued for client")
	ErrTokenExpired  = errors.New("auth: token expired")
	ErrTokenMismatch = errors.New("auth: token does not match")
)

// Config holds the registry tunables.
type Config struct {
	TokenValidity time.Duration `json:"-"` // set from seconds in lib/config
	MaxFailures   int           `json:"maxFailures"`
	BlockDuration time.Duration `json:"-"`
	FailureTTL    time.Duration `json:"-"` // inactivity after which failure records are swept
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		TokenValidity: time.Hour,
		MaxFailures:   5,
		BlockDuration: time.Hour,
		FailureTTL:    24 * time.Hour,
	}
}

type token struct {
	value    string
	issuedAt time.Time
}

type failureRecord struct {
	attempts      int
	lastAttemptAt time.Time
	blockUntil    time.Time // zero when not blocked
}

// BlockEvent is surfaced to the monitoring sink when a client crosses the failure threshold.
type BlockEvent struct {
	ClientID string    `json:"clientId"`
	Attempts int       `json:"attempts"`
	Until    time.Time `json:"until"`
}

// Registry issues and validates tokens and tracks authentication failures per client id.
type Registry struct {
	mu       sync.Mutex
	conf     Config
	tokens   map[string]token
	failures map[string]*failureRecord
	onBlock  func(BlockEvent)
	now      func() time.Time
}

// New returns a Registry. onBlock may be nil; when set it is called (outside the lock) whenever a client becomes
// blocked so the caller can surface the event to its monitoring sink.
func New(conf Config, onBlock func(BlockEvent)) *Registry {
	if conf.TokenValidity <= 0 {
		conf = DefaultConfig()
	}

	return &Registry{
		conf:     conf,
		tokens:   make(map[string]token),
		failures: make(map[string]*failureRecord),
		onBlock:  onBlock,
		now:      time.Now,
	}
}

// Authenticate issues a fresh token for the client, replacing any prior one, and clears its failure record. Callers
// are expected to have passed their own rate check first.
func (r *Registry) Authenticate(clientID string) (string, time.Duration) {
	t := token{value: uuid.NewString(), issuedAt: r.now()}

	r.mu.Lock()
	r.tokens[clientID] = t
	delete(r.failures, clientID)
	r.mu.Unlock()

	return t.value, r.conf.TokenValidity
}

// Validate checks the supplied token for the client. Each failure path records an attempt and may trigger blocking.
// Expired tokens are deleted on the spot.
func (r *Registry) Validate(clientID, value string) error {
	now := r.now()

	r.mu.Lock()

	t, ok := r.tokens[clientID]

	switch {
	case !ok:
		r.recordFailure(clientID, now)
		r.mu.Unlock()

		return ErrTokenNotFound
	case now.Sub(t.issuedAt) > r.conf.TokenValidity:
		delete(r.tokens, clientID)
		r.recordFailure(clientID, now)
		r.mu.Unlock()

		return ErrTokenExpired
	case t.value != value:
		r.recordFailure(clientID, now)
		r.mu.Unlock()

		return ErrTokenMismatch
	}

	r.mu.Unlock()

	return nil
}

// recordFailure increments the failure record and sets the block timestamp when the threshold is crossed. A failure
// while already blocked does not extend the block. Called with the lock held; the onBlock hook is deferred to a
// goroutine so it runs outside the lock.
func (r *Registry) recordFailure(clientID string, now time.Time) {
	rec, ok := r.failures[clientID]
	if !ok {
		rec = &failureRecord{}
		r.failures[clientID] = rec
	}

	rec.attempts++
	rec.lastAttemptAt = now

	// the threshold case is tested first so a MaxFailures below the log tiers still blocks
	switch {
	case rec.attempts >= r.conf.MaxFailures:
		if !rec.blockUntil.IsZero() {
			break
		}

		rec.blockUntil = now.Add(r.conf.BlockDuration)
		log.Printf("[auth] Client %s blocked until %s after %d failures", clientID, rec.blockUntil, rec.attempts)

		if r.onBlock != nil {
			go r.onBlock(BlockEvent{ClientID: clientID, Attempts: rec.attempts, Until: rec.blockUntil})
		}
	case rec.attempts < 3:
		log.Printf("[auth] Validation failure %d for client %s", rec.attempts, clientID)
	default:
		log.Printf("[auth] Warning: validation failure %d for client %s", rec.attempts, clientID)
	}
}

// IsBlocked reports whether the client is currently blocked. An elapsed block is cleared here as a side effect,
// resetting the failure count; this is the only code path permitted to clear a block.
func (r *Registry) IsBlocked(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.failures[clientID]
	if !ok || rec.blockUntil.IsZero() {
		return false
	}

	if r.now().After(rec.blockUntil) {
		rec.blockUntil = time.Time{}
		rec.attempts = 0
		log.Printf("[auth] Block elapsed for client %s, auto-unblocked", clientID)

		return false
	}

	return true
}

// Forget deletes the token and failure record for a client. Called on explicit unsubscribe.
func (r *Registry) Forget(clientID string) {
	r.mu.Lock()
	delete(r.tokens, clientID)
	delete(r.failures, clientID)
	r.mu.Unlock()
}

// Sweep deletes expired tokens and failure records past their inactivity TTL. Intended to be called periodically by
// the owner; expiry is also enforced lazily by Validate so sweeping is purely a memory bound.
func (r *Registry) Sweep() (tokens, records int) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.tokens {
		if now.Sub(t.issuedAt) > r.conf.TokenValidity {
			delete(r.tokens, id)
			tokens++
		}
	}

	for id, rec := range r.failures {
		if now.Sub(rec.lastAttemptAt) > r.conf.FailureTTL {
			delete(r.failures, id)
			records++
		}
	}

	return tokens, records
}
