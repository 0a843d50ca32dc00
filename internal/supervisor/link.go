package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tftbridge/internal/faults"
	"github.com/danmuck/tftbridge/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var ErrLinkNameRequired = errors.New("supervisor: link name required")

// Link is a transport the supervisor opens and closes. Open returns once the
// transport is usable or has failed.
type Link interface {
	Open(ctx context.Context) error
	Close() error
}

// Prober is implemented by links that can check liveness while connected.
type Prober interface {
	Probe(ctx context.Context) error
}

type LinkConfig struct {
	Name          string
	Backoff       session.BackoffConfig
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// OnConnected runs after every successful open. A failure leaves the
	// link Degraded and the hook is retried on the backoff schedule.
	OnConnected func(ctx context.Context) error
	// OnDisconnected runs after the link is closed.
	OnDisconnected func()
	// OnTransition observes every state change.
	OnTransition func(prev, next Snapshot)
}

func (c LinkConfig) withDefaults() LinkConfig {
	def := session.BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.MaxDelay
	}
	if c.ProbeInterval > 0 && c.ProbeTimeout <= 0 {
		c.ProbeTimeout = c.ProbeInterval
	}
	return c
}

// Supervised drives one link. Run is the only writer of its state; every
// other method reads the published snapshot.
type Supervised struct {
	cfg  LinkConfig
	link Link
	rng  *rand.Rand

	snap   atomic.Pointer[Snapshot]
	faults chan error

	mu     sync.Mutex
	notify chan struct{}
}

func newSupervised(link Link, cfg LinkConfig) *Supervised {
	s := &Supervised{
		cfg:    cfg,
		link:   link,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		faults: make(chan error, 1),
		notify: make(chan struct{}),
	}
	s.snap.Store(&Snapshot{Link: cfg.Name, State: Disconnected, Since: time.Now()})
	return s
}

func (s *Supervised) Name() string {
	return s.cfg.Name
}

func (s *Supervised) Snapshot() Snapshot {
	return *s.snap.Load()
}

// Check fails fast with faults.ErrTransportUnavailable unless the link is
// usable.
func (s *Supervised) Check() error {
	snap := s.snap.Load()
	if snap.State.Usable() {
		return nil
	}
	return fmt.Errorf("%w: link=%s state=%s", faults.ErrTransportUnavailable, snap.Link, snap.State)
}

// ReportFault asks Run to drop and reopen the link. It never blocks and is
// ignored unless the link is currently usable.
func (s *Supervised) ReportFault(err error) {
	if !s.snap.Load().State.Usable() {
		return
	}
	select {
	case s.faults <- err:
	default:
	}
}

// WaitConnected blocks until the link is usable or ctx ends.
func (s *Supervised) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		ch := s.notify
		s.mu.Unlock()
		if s.snap.Load().State.Usable() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Changed returns a channel closed at the next state transition.
func (s *Supervised) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// Run keeps the link open until ctx ends. Retries are unbounded.
func (s *Supervised) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.transition(Disconnected, 0, time.Time{}, nil)
			return nil
		}

		s.transition(Connecting, attempt, time.Time{}, nil)
		err := s.link.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.transition(Disconnected, 0, time.Time{}, nil)
				return nil
			}
			attempt++
			if err := s.backoff(ctx, attempt, err); err != nil {
				return nil
			}
			continue
		}

		attempt = 0
		s.drainFaults()
		s.markConnected(ctx)
		log.Info().Msgf("supervisor.Supervised.Run link=%s connected", s.cfg.Name)

		lost := s.monitor(ctx)
		if closeErr := s.link.Close(); closeErr != nil {
			log.Debug().Msgf("supervisor.Supervised.Run link=%s close err=%v", s.cfg.Name, closeErr)
		}
		if s.cfg.OnDisconnected != nil {
			s.cfg.OnDisconnected()
		}
		if ctx.Err() != nil {
			s.transition(Disconnected, 0, time.Time{}, nil)
			return nil
		}
		log.Warn().Msgf("supervisor.Supervised.Run link=%s lost err=%v", s.cfg.Name, lost)
		attempt++
		if err := s.backoff(ctx, attempt, lost); err != nil {
			return nil
		}
	}
}

// markConnected runs the post-connect hook and publishes Connected or
// Degraded.
func (s *Supervised) markConnected(ctx context.Context) {
	prev := s.snap.Load()
	next := *prev
	next.Connects++
	s.store(&next)
	if s.runHook(ctx) {
		s.transition(Connected, 0, time.Time{}, nil)
	}
}

func (s *Supervised) runHook(ctx context.Context) bool {
	if s.cfg.OnConnected == nil {
		return true
	}
	if err := s.cfg.OnConnected(ctx); err != nil {
		log.Warn().Msgf("supervisor.Supervised.runHook link=%s err=%v", s.cfg.Name, err)
		s.transition(Degraded, s.snap.Load().Retries, time.Time{}, err)
		return false
	}
	return true
}

// monitor waits for a reported fault, a failed probe, or ctx. While Degraded
// it retries the post-connect hook.
func (s *Supervised) monitor(ctx context.Context) error {
	var probeC <-chan time.Time
	prober, canProbe := s.link.(Prober)
	if canProbe && s.cfg.ProbeInterval > 0 {
		ticker := time.NewTicker(s.cfg.ProbeInterval)
		defer ticker.Stop()
		probeC = ticker.C
	}

	hookAttempt := 0
	var hookTimer *time.Timer
	var hookC <-chan time.Time
	armHook := func() {
		hookAttempt++
		delay := session.NextBackoffDelay(s.cfg.Backoff, hookAttempt, s.rng)
		hookTimer = time.NewTimer(delay)
		hookC = hookTimer.C
		s.transition(Degraded, hookAttempt, time.Now().Add(delay), nil)
	}
	defer func() {
		if hookTimer != nil {
			hookTimer.Stop()
		}
	}()
	if s.snap.Load().State == Degraded {
		armHook()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.faults:
			return err
		case <-probeC:
			probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
			err := prober.Probe(probeCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("probe: %w", err)
			}
		case <-hookC:
			hookC = nil
			if s.runHook(ctx) {
				hookAttempt = 0
				s.transition(Connected, 0, time.Time{}, nil)
				continue
			}
			armHook()
		}
	}
}

func (s *Supervised) backoff(ctx context.Context, attempt int, cause error) error {
	delay := session.NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)
	s.transition(Disconnected, attempt, time.Now().Add(delay), cause)
	log.Debug().Msgf("supervisor.Supervised.backoff link=%s attempt=%d delay=%s err=%v", s.cfg.Name, attempt, delay, cause)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.transition(Disconnected, 0, time.Time{}, nil)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Supervised) drainFaults() {
	for {
		select {
		case <-s.faults:
		default:
			return
		}
	}
}

func (s *Supervised) transition(state State, retries int, nextRetry time.Time, cause error) {
	prev := s.snap.Load()
	next := *prev
	next.State = state
	next.Retries = retries
	next.NextRetryAt = nextRetry
	if cause != nil {
		next.LastError = strings.TrimSpace(cause.Error())
	}
	if prev.State != state {
		next.Since = time.Now()
	}
	if *prev == next {
		return
	}
	s.store(&next)
	if s.cfg.OnTransition != nil && prev.State != state {
		s.cfg.OnTransition(*prev, next)
	}
}

func (s *Supervised) store(next *Snapshot) {
	s.snap.Store(next)
	s.mu.Lock()
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}
