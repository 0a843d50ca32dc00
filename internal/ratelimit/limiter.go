// Package ratelimit guards outbound backend calls with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/tftbridge/internal/faults"
	"golang.org/x/time/rate"
)

const (
	DefaultCapacity       = 10
	DefaultRefillInterval = 100 * time.Millisecond
	DefaultQueueSize      = 8
)

type Config struct {
	// Capacity is the bucket size; a full bucket admits this many calls at once.
	Capacity int
	// RefillInterval is the time to regain one token.
	RefillInterval time.Duration
	// QueueSize bounds the callers allowed to wait for a token.
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		Capacity:       DefaultCapacity,
		RefillInterval: DefaultRefillInterval,
		QueueSize:      DefaultQueueSize,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = def.RefillInterval
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	return c
}

// Stats is a point-in-time view of limiter activity.
type Stats struct {
	Admitted uint64
	Queued   uint64
	Rejected uint64
	Waiting  int
	Tokens   float64
}

// Limiter admits calls one token at a time. Callers that find the bucket
// empty take a queue slot and wait for a token; when every slot is taken the
// call fails immediately with faults.ErrRateLimited.
//
// Waiters poll AllowN rather than reserving ahead, so the bucket never goes
// below zero and a waiter abandoned by its context consumes nothing.
type Limiter struct {
	cfg    Config
	bucket *rate.Limiter
	slots  chan struct{}
	now    func() time.Time

	admitted atomic.Uint64
	queued   atomic.Uint64
	rejected atomic.Uint64
}

func New(cfg Config) *Limiter {
	cfg = cfg.WithDefaults()
	return &Limiter{
		cfg:    cfg,
		bucket: rate.NewLimiter(rate.Every(cfg.RefillInterval), cfg.Capacity),
		slots:  make(chan struct{}, cfg.QueueSize),
		now:    time.Now,
	}
}

func (l *Limiter) Config() Config {
	return l.cfg
}

// AllowAt consumes one token if one is available at t.
func (l *Limiter) AllowAt(t time.Time) bool {
	if l.bucket.AllowN(t, 1) {
		l.admitted.Add(1)
		return true
	}
	return false
}

// Admit returns nil once a token was consumed. It never blocks past ctx.
func (l *Limiter) Admit(ctx context.Context) error {
	if l.AllowAt(l.now()) {
		return nil
	}

	select {
	case l.slots <- struct{}{}:
	default:
		l.rejected.Add(1)
		return fmt.Errorf("%w: queue full waiting=%d", faults.ErrRateLimited, len(l.slots))
	}
	defer func() { <-l.slots }()
	l.queued.Add(1)

	for {
		now := l.now()
		if l.AllowAt(now) {
			return nil
		}
		timer := time.NewTimer(l.untilNextToken(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			l.rejected.Add(1)
			return fmt.Errorf("%w: %w", faults.ErrRateLimited, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *Limiter) untilNextToken(now time.Time) time.Duration {
	missing := 1 - l.bucket.TokensAt(now)
	if missing <= 0 {
		return time.Millisecond
	}
	wait := time.Duration(missing * float64(l.cfg.RefillInterval))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (l *Limiter) Stats() Stats {
	tokens := l.bucket.TokensAt(l.now())
	if tokens < 0 {
		tokens = 0
	}
	return Stats{
		Admitted: l.admitted.Load(),
		Queued:   l.queued.Load(),
		Rejected: l.rejected.Load(),
		Waiting:  len(l.slots),
		Tokens:   tokens,
	}
}
