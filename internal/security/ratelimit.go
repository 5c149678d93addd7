// Package security throttles API clients: a token bucket per client for
// the ingest endpoints, and a lockout for clients that keep presenting bad
// session credentials.
package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

const (
	defaultIdle = 10 * time.Minute
	pruneAbove  = 4096
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per client key, usually the remote
// IP. Buckets idle for longer than idle are dropped by a background sweep.
type IPRateLimiter struct {
	mu      sync.Mutex
	now     Clock
	limit   rate.Limit
	burst   int
	idle    time.Duration
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewIPRateLimiter allows perSec sustained requests per client with bursts
// of up to burst. Close stops the sweep.
func NewIPRateLimiter(perSec float64, burst int, idle time.Duration) *IPRateLimiter {
	l := newIPRateLimiter(perSec, burst, idle, time.Now)
	go l.sweepLoop()
	return l
}

func newIPRateLimiter(perSec float64, burst int, idle time.Duration, now Clock) *IPRateLimiter {
	if idle <= 0 {
		idle = defaultIdle
	}
	return &IPRateLimiter{
		now:     now,
		limit:   rate.Limit(perSec),
		burst:   max(burst, 1),
		idle:    idle,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
}

// Allow takes a token from key's bucket.
func (l *IPRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Len returns the number of tracked clients.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the background sweep.
func (l *IPRateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *IPRateLimiter) sweepLoop() {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *IPRateLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

type strikes struct {
	count       int
	first       time.Time
	lockedUntil time.Time
}

// Lockout counts credential failures per key. A key that collects
// maxFailures within window is locked for lockFor. A success clears the
// count.
type Lockout struct {
	mu          sync.Mutex
	now         Clock
	maxFailures int
	window      time.Duration
	lockFor     time.Duration
	records     map[string]*strikes
}

// NewLockout returns a lockout policy.
func NewLockout(maxFailures int, window, lockFor time.Duration) *Lockout {
	return &Lockout{
		now:         time.Now,
		maxFailures: max(maxFailures, 1),
		window:      window,
		lockFor:     lockFor,
		records:     make(map[string]*strikes),
	}
}

// RecordFailure counts a failure and reports whether key is now locked.
func (o *Lockout) RecordFailure(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	if len(o.records) > pruneAbove {
		o.prune(now)
	}

	s, ok := o.records[key]
	if !ok || now.Sub(s.first) > o.window {
		s = &strikes{first: now, lockedUntil: timeOf(s)}
		o.records[key] = s
	}
	s.count++
	if s.count >= o.maxFailures {
		s.lockedUntil = now.Add(o.lockFor)
		s.count, s.first = 0, now
	}
	return now.Before(s.lockedUntil)
}

func timeOf(s *strikes) time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.lockedUntil
}

// prune drops records that are neither locked nor inside their window.
func (o *Lockout) prune(now time.Time) {
	for key, s := range o.records {
		if now.After(s.lockedUntil) && now.Sub(s.first) > o.window {
			delete(o.records, key)
		}
	}
}

// IsLocked reports whether key is locked out.
func (o *Lockout) IsLocked(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.records[key]
	return ok && o.now().Before(s.lockedUntil)
}

// RecordSuccess clears key's failures. An active lock stays in place.
func (o *Lockout) RecordSuccess(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.records[key]
	if !ok {
		return
	}
	if o.now().Before(s.lockedUntil) {
		s.count = 0
		return
	}
	delete(o.records, key)
}
