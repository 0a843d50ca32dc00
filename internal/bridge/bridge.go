// Package bridge wires the device link, the translator, and the backend into
// one running process.
//
// Execution contexts:
// - the serial loop handles one command at a time, reply before next read
// - the telemetry loop feeds backend samples to the device
// - the supervisor keeps both links alive on its own timers
// - the optional admin HTTP API
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/tftbridge/internal/backend"
	"github.com/danmuck/tftbridge/internal/macros"
	"github.com/danmuck/tftbridge/internal/observability"
	"github.com/danmuck/tftbridge/internal/protocol"
	"github.com/danmuck/tftbridge/internal/protocol/session"
	"github.com/danmuck/tftbridge/internal/ratelimit"
	"github.com/danmuck/tftbridge/internal/serial"
	"github.com/danmuck/tftbridge/internal/supervisor"
	"github.com/danmuck/tftbridge/internal/synth"
	"github.com/danmuck/tftbridge/internal/translate"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultProbeInterval = 10 * time.Second
	DefaultFlushInterval = 100 * time.Millisecond
)

// AdminConfig enables the HTTP admin API when Listen is set.
type AdminConfig struct {
	Listen      string
	CORSOrigins []string
	// Token guards every route except /health when set.
	Token string
}

type Config struct {
	Serial           serial.Config
	SerialReconnect  session.BackoffConfig
	Backend          backend.Config
	BackendReconnect session.BackoffConfig
	ProbeInterval    time.Duration
	RateLimit        ratelimit.Config
	Validator        protocol.ValidatorConfig
	Translate        translate.Config
	Synth            synth.Config
	FlushInterval    time.Duration
	Admin            AdminConfig

	// SerialOpener replaces the device opener, mainly for tests.
	SerialOpener serial.Opener
}

func DefaultConfig() Config {
	return Config{
		Serial: serial.DefaultConfig(),
		SerialReconnect: session.BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   1.5,
			MaxDelay:     60 * time.Second,
			Jitter:       true,
		},
		Backend: backend.DefaultConfig(),
		BackendReconnect: session.BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
		ProbeInterval: DefaultProbeInterval,
		RateLimit:     ratelimit.DefaultConfig(),
		Validator:     protocol.DefaultValidatorConfig(),
		Synth:         synth.DefaultConfig(),
		FlushInterval: DefaultFlushInterval,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Serial = c.Serial.WithDefaults()
	if c.SerialReconnect.InitialDelay <= 0 {
		c.SerialReconnect = def.SerialReconnect
	}
	c.Backend = c.Backend.WithDefaults()
	if c.BackendReconnect.InitialDelay <= 0 {
		c.BackendReconnect = def.BackendReconnect
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	c.RateLimit = c.RateLimit.WithDefaults()
	c.Validator = c.Validator.WithDefaults()
	// an over-long line must reach the validator longer than its limit
	if c.Serial.MaxFrame <= c.Validator.MaxLineLength {
		c.Serial.MaxFrame = c.Validator.MaxLineLength + 1
	}
	c.Synth = c.Synth.WithDefaults()
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	return c
}

// Summary reports process activity, printed at shutdown.
type Summary struct {
	Simulate        bool
	Runtime         time.Duration
	Commands        uint64
	Rejected        uint64
	BackendCalls    uint64
	BackendFailures uint64
	Simulated       uint64
	TelemetryLines  uint64
}

// PerMinute is the command rate over the runtime.
func (s Summary) PerMinute() float64 {
	if s.Runtime <= 0 {
		return 0
	}
	return float64(s.Commands) / s.Runtime.Minutes()
}

func (s Summary) String() string {
	return fmt.Sprintf("commands=%d rejected=%d backend_calls=%d backend_failures=%d simulated=%d telemetry_lines=%d runtime=%s per_minute=%.1f",
		s.Commands, s.Rejected, s.BackendCalls, s.BackendFailures, s.Simulated, s.TelemetryLines,
		s.Runtime.Round(time.Second), s.PerMinute())
}

// Bridge owns every component of one running process.
type Bridge struct {
	cfg Config

	validator  protocol.Validator
	registry   *macros.Registry
	translator *translate.Translator
	synth      *synth.Synthesizer
	limiter    *ratelimit.Limiter
	client     *backend.Client
	transport  *serial.Transport

	sup         *supervisor.Supervisor
	serialLink  *supervisor.Supervised
	backendLink *supervisor.Supervised

	started   time.Time
	commands  atomic.Uint64
	rejected  atomic.Uint64
	telemetry atomic.Uint64
}

func New(cfg Config) (*Bridge, error) {
	cfg = cfg.WithDefaults()

	limiter := ratelimit.New(cfg.RateLimit)
	client, err := backend.New(cfg.Backend, limiter)
	if err != nil {
		return nil, fmt.Errorf("bridge: backend: %w", err)
	}
	transport, err := serial.New(cfg.Serial, cfg.SerialOpener)
	if err != nil {
		return nil, fmt.Errorf("bridge: serial: %w", err)
	}
	registry := macros.NewRegistry()
	translator, err := translate.New(cfg.Translate, registry)
	if err != nil {
		return nil, fmt.Errorf("bridge: rules: %w", err)
	}
	synthesizer, err := synth.New(cfg.Synth)
	if err != nil {
		return nil, fmt.Errorf("bridge: replies: %w", err)
	}

	b := &Bridge{
		cfg:        cfg,
		validator:  protocol.NewValidator(cfg.Validator),
		registry:   registry,
		translator: translator,
		synth:      synthesizer,
		limiter:    limiter,
		client:     client,
		transport:  transport,
		sup:        supervisor.New(),
	}

	b.serialLink, err = b.sup.Add(transport, supervisor.LinkConfig{
		Name:         transport.Name(),
		Backoff:      cfg.SerialReconnect,
		OnTransition: b.onTransition,
	})
	if err != nil {
		return nil, err
	}
	b.backendLink, err = b.sup.Add(client, supervisor.LinkConfig{
		Name:           client.Name(),
		Backoff:        cfg.BackendReconnect,
		ProbeInterval:  max(cfg.ProbeInterval, 0),
		OnConnected:    b.refreshMacros,
		OnDisconnected: registry.Reset,
		OnTransition:   b.onTransition,
	})
	if err != nil {
		return nil, err
	}
	transport.SetGate(b.serialLink)
	client.SetGate(b.backendLink)
	client.OnCall(b.observeCall)
	return b, nil
}

// Run blocks until ctx ends. Link failures never end it.
func (b *Bridge) Run(ctx context.Context) error {
	b.started = time.Now()
	observability.RegisterMetrics()
	log.Info().Msgf("bridge.Bridge.Run start serial=%s backend=%s simulate=%v",
		b.transport.Device(), b.client.BaseURL(), b.cfg.Backend.Simulate)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.sup.Run(gctx) })
	g.Go(func() error { return b.serveSerial(gctx) })
	g.Go(func() error { return b.serveTelemetry(gctx) })
	if strings.TrimSpace(b.cfg.Admin.Listen) != "" {
		g.Go(func() error { return b.serveAdmin(gctx) })
	}
	err := g.Wait()

	summary := b.Summary()
	if summary.Simulate {
		log.Info().Msgf("bridge.Bridge.Run [simulate] stopped %s", summary)
	} else {
		log.Info().Msgf("bridge.Bridge.Run stopped %s", summary)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bridge) Summary() Summary {
	st := b.client.Stats()
	var runtime time.Duration
	if !b.started.IsZero() {
		runtime = time.Since(b.started)
	}
	return Summary{
		Simulate:        b.cfg.Backend.Simulate,
		Runtime:         runtime,
		Commands:        b.commands.Load(),
		Rejected:        b.rejected.Load(),
		BackendCalls:    st.Calls,
		BackendFailures: st.Failures,
		Simulated:       st.Simulated,
		TelemetryLines:  b.telemetry.Load(),
	}
}

// Links returns the current state of every supervised link.
func (b *Bridge) Links() []supervisor.Snapshot {
	return b.sup.Snapshots()
}

func (b *Bridge) Ready() bool {
	return b.sup.Ready()
}

func (b *Bridge) Macros() *macros.Snapshot {
	return b.registry.Snapshot()
}

func (b *Bridge) Rules() []translate.Rule {
	return b.translator.Rules()
}

func (b *Bridge) PendingCalls() []session.PendingCall {
	return b.client.Outbox().List()
}

func (b *Bridge) refreshMacros(ctx context.Context) error {
	if err := b.registry.Refresh(ctx, b.client); err != nil {
		return err
	}
	snap := b.registry.Snapshot()
	observability.RecordMacros(snap.Len())
	log.Info().Msgf("bridge.Bridge.refreshMacros count=%d", snap.Len())
	return nil
}

func (b *Bridge) onTransition(prev, next supervisor.Snapshot) {
	observability.RecordLinkState(next.Link, next.State.String())
	switch next.State {
	case supervisor.Connected:
		log.Info().Msgf("bridge.link %s %s->%s connects=%d", next.Link, prev.State, next.State, next.Connects)
	case supervisor.Disconnected:
		log.Warn().Msgf("bridge.link %s %s->%s retries=%d next_retry=%s err=%s",
			next.Link, prev.State, next.State, next.Retries, next.NextRetryAt.Format(time.RFC3339), next.LastError)
	default:
		log.Debug().Msgf("bridge.link %s %s->%s", next.Link, prev.State, next.State)
	}
}

func (b *Bridge) observeCall(ev backend.CallEvent) {
	observability.RecordBackendCall(string(ev.Request.Endpoint), classify(ev.Err), ev.Attempts, ev.Duration)
	st := b.limiter.Stats()
	observability.RecordLimiter(st.Waiting, st.Rejected)
}
