// Package limits implements lazy token-bucket rate limiting per client and operation category. Buckets refill at
// check time only, so idle clients cost no CPU, and the tracked set is bounded by evicting the stalest buckets.
package limits

import (
	"log"
	"sync"
	"time"
)

// Operation categories. Each category has its own capacity and refill rate.
const (
	CatGeneral    = "general"
	CatAuth       = "auth"
	CatConnection = "connection"
)

// CategoryConfig holds the bucket parameters for one operation category.
type CategoryConfig struct {
	Capacity float64 `json:"capacity"`
	Refill   float64 `json:"refillPerSecond"`
}

// Config holds the limiter tunables.
type Config struct {
	General    CategoryConfig `json:"general"`
	Auth       CategoryConfig `json:"auth"`
	Connection CategoryConfig `json:"connection"`
	MaxClients int            `json:"maxClients"` // bound on distinct tracked client ids
}

// DefaultConfig returns the limiter defaults used when no configuration is supplied.
func DefaultConfig() Config {
	return Config{
		General:    CategoryConfig{Capacity: 60, Refill: 1},
		Auth:       CategoryConfig{Capacity: 5, Refill: 0.1},
		Connection: CategoryConfig{Capacity: 3, Refill: 0.05},
		MaxClients: 10000,
	}
}

// Result is the outcome of a rate check. RetryAfter is advisory and only set when the check is denied.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remainingTokens"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Reset      time.Time     `json:"resetTime"`
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter tracks token buckets keyed by (client id, category).
type Limiter struct {
	mu      sync.Mutex
	conf    Config
	buckets map[string]map[string]*bucket // client id -> category -> bucket
	now     func() time.Time
}

// New returns a Limiter for the given configuration.
func New(conf Config) *Limiter {
	if conf.MaxClients <= 0 {
		conf.MaxClients = DefaultConfig().MaxClients
	}

	return &Limiter{
		conf:    conf,
		buckets: make(map[string]map[string]*bucket),
		now:     time.Now,
	}
}

func (l *Limiter) categoryConf(category string) CategoryConfig {
	switch category {
	case CatAuth:
		return l.conf.Auth
	case CatConnection:
		return l.conf.Connection
	default:
		return l.conf.General
	}
}

// Check refills the bucket for (clientID, category) and attempts to deduct cost tokens. The bucket mutates on both
// allowed and denied checks; Remaining and Reset are always populated so callers can reply with back-off metadata.
func (l *Limiter) Check(clientID, category string, cost float64) Result {
	cc := l.categoryConf(category)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	cats, ok := l.buckets[clientID]
	if !ok {
		if len(l.buckets) >= l.conf.MaxClients {
			l.evictStalest()
		}

		cats = make(map[string]*bucket)
		l.buckets[clientID] = cats
	}

	b, ok := cats[category]
	if !ok {
		b = &bucket{tokens: cc.Capacity, lastRefill: now}
		cats[category] = b
	}

	// lazy refill
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * cc.Refill
		if b.tokens > cc.Capacity {
			b.tokens = cc.Capacity
		}
	}

	b.lastRefill = now

	if b.tokens >= cost {
		b.tokens -= cost

		return Result{
			Allowed:   true,
			Remaining: int(b.tokens),
			Reset:     reset(now, cc, b.tokens),
		}
	}

	deficit := cost - b.tokens

	var retry time.Duration
	if cc.Refill > 0 {
		retry = time.Duration(deficit / cc.Refill * float64(time.Second))
	}

	return Result{
		Allowed:    false,
		Remaining:  int(b.tokens),
		RetryAfter: retry,
		Reset:      reset(now, cc, b.tokens),
	}
}

// reset computes when the bucket will be full again at the current fill level.
func reset(now time.Time, cc CategoryConfig, tokens float64) time.Time {
	if cc.Refill <= 0 {
		return now
	}

	return now.Add(time.Duration((cc.Capacity - tokens) / cc.Refill * float64(time.Second)))
}

// evictStalest removes the client whose buckets refilled longest ago. Called with the lock held.
func (l *Limiter) evictStalest() {
	var victim string

	var oldest time.Time

	for id, cats := range l.buckets {
		var last time.Time
		for _, b := range cats {
			if b.lastRefill.After(last) {
				last = b.lastRefill
			}
		}

		if victim == "" || last.Before(oldest) {
			victim = id
			oldest = last
		}
	}

	if victim != "" {
		delete(l.buckets, victim)
		log.Printf("[limits] Evicted stale rate buckets for client %s", victim)
	}
}

// Forget drops all buckets for a client. Called when the client unsubscribes.
func (l *Limiter) Forget(clientID string) {
	l.mu.Lock()
	delete(l.buckets, clientID)
	l.mu.Unlock()
}

// Tracked returns how many distinct clients currently hold buckets.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.buckets)
}

// Meta describes the configured limits, replied to clients on authentication.
func (l *Limiter) Meta() map[string]CategoryConfig {
	return map[string]CategoryConfig{
		CatGeneral:    l.conf.General,
		CatAuth:       l.conf.Auth,
		CatConnection: l.conf.Connection,
	}
}
