// Package synth turns outcomes and telemetry into the lines the touchscreen
// reads.
package synth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/tftbridge/internal/backend"
	"github.com/danmuck/tftbridge/internal/faults"
	"github.com/danmuck/tftbridge/internal/protocol"
	"github.com/danmuck/tftbridge/internal/translate"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTemperatureInterval = 2 * time.Second
	DefaultPositionInterval    = time.Second
)

// AutoReportMode decides whether telemetry flows before the device asks.
type AutoReportMode string

const (
	// AutoReportAlways pushes telemetry from startup.
	AutoReportAlways AutoReportMode = "always"
	// AutoReportOnRequest waits for M155/M154 with a non-zero interval.
	AutoReportOnRequest AutoReportMode = "on_request"
)

func ParseAutoReportMode(raw string) (AutoReportMode, error) {
	switch AutoReportMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", AutoReportAlways:
		return AutoReportAlways, nil
	case AutoReportOnRequest:
		return AutoReportOnRequest, nil
	default:
		return "", fmt.Errorf("synth: unknown auto report mode %q", raw)
	}
}

type Config struct {
	// Fallbacks are consulted before DefaultFallbacks.
	Fallbacks           []Fallback
	TemperatureInterval time.Duration
	PositionInterval    time.Duration
	AutoReport          AutoReportMode
	DisableHostActions  bool
}

func DefaultConfig() Config {
	return Config{
		TemperatureInterval: DefaultTemperatureInterval,
		PositionInterval:    DefaultPositionInterval,
		AutoReport:          AutoReportAlways,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.TemperatureInterval <= 0 {
		c.TemperatureInterval = def.TemperatureInterval
	}
	if c.PositionInterval <= 0 {
		c.PositionInterval = def.PositionInterval
	}
	if c.AutoReport == "" {
		c.AutoReport = def.AutoReport
	}
	return c
}

// stream paces one telemetry kind. Only the newest pending sample is kept.
type stream struct {
	enabled    bool
	interval   time.Duration
	base       time.Duration
	lastEmit   time.Time
	pending    *backend.Sample
	emitted    uint64
	superseded uint64
}

// Stats counts telemetry handling per kind.
type Stats struct {
	TemperatureEmitted    uint64
	TemperatureSuperseded uint64
	PositionEmitted       uint64
	PositionSuperseded    uint64
	HostActions           uint64
	Fallbacks             uint64
}

// Synthesizer is shared by the command loop and the telemetry loop.
type Synthesizer struct {
	cfg       Config
	fallbacks []Fallback

	mu          sync.Mutex
	streams     map[backend.SampleKind]*stream
	printState  string
	hostActions uint64
	fallbackHit uint64
}

func New(cfg Config) (*Synthesizer, error) {
	cfg = cfg.WithDefaults()
	if _, err := ParseAutoReportMode(string(cfg.AutoReport)); err != nil {
		return nil, err
	}
	for _, fb := range cfg.Fallbacks {
		if err := fb.Validate(); err != nil {
			return nil, err
		}
	}
	fallbacks := make([]Fallback, 0, len(cfg.Fallbacks)+8)
	fallbacks = append(fallbacks, cfg.Fallbacks...)
	fallbacks = append(fallbacks, DefaultFallbacks()...)

	enabled := cfg.AutoReport == AutoReportAlways
	return &Synthesizer{
		cfg:       cfg,
		fallbacks: fallbacks,
		streams: map[backend.SampleKind]*stream{
			backend.SampleTemperature: {enabled: enabled, interval: cfg.TemperatureInterval, base: cfg.TemperatureInterval},
			backend.SamplePosition:    {enabled: enabled, interval: cfg.PositionInterval, base: cfg.PositionInterval},
		},
	}, nil
}

// OnOutcome produces the complete reply for one command. err is the backend
// call error for OutcomeCall and is ignored otherwise. The last line is
// always terminal.
func (s *Synthesizer) OnOutcome(out translate.Outcome, resp *backend.Response, err error) []string {
	switch out.Kind {
	case translate.OutcomeReply:
		if out.AutoReport != nil {
			s.SetAutoReport(*out.AutoReport)
		}
		return terminate(out.Lines)
	case translate.OutcomeReject:
		return s.OnError(out.Command.Verb(), out.Err)
	}

	if err != nil {
		return s.OnError(out.Command.Verb(), err)
	}
	if resp == nil {
		return []string{protocol.Ack()}
	}
	switch out.Request.Endpoint {
	case backend.EndpointQueryTemperature:
		return []string{protocol.AckWith(protocol.FormatTemperature(resp.Status.Extruder, resp.Status.Bed))}
	case backend.EndpointQueryPosition:
		p := resp.Status.Position
		return []string{protocol.FormatPosition(p.X, p.Y, p.Z, p.E), protocol.Ack()}
	default:
		return []string{protocol.Ack()}
	}
}

// OnError picks the fallback reply for err. verb narrows verb-specific
// fallbacks and may be empty.
func (s *Synthesizer) OnError(verb string, err error) []string {
	kind := faults.KindOf(err)
	if kind == faults.KindNone {
		return []string{protocol.Ack()}
	}
	reason := faults.ReasonCode(err)
	s.mu.Lock()
	s.fallbackHit++
	s.mu.Unlock()
	for _, fb := range s.fallbacks {
		if fb.matches(kind, verb) {
			return fb.render(reason)
		}
	}
	return []string{protocol.ErrorLine(reason)}
}

// SetAutoReport applies an M155/M154 style request.
func (s *Synthesizer) SetAutoReport(ar translate.AutoReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[ar.Kind]
	if !ok {
		return
	}
	st.enabled = ar.Enabled
	st.interval = st.base
	if ar.Interval > 0 {
		st.interval = ar.Interval
	}
	if !st.enabled {
		st.pending = nil
	}
	log.Debug().Msgf("synth.Synthesizer.SetAutoReport kind=%s enabled=%v interval=%s", ar.Kind, st.enabled, st.interval)
}

// OnTelemetry records sample and returns a line when one is due now.
// Throttled samples wait for Flush and are replaced by newer ones.
func (s *Synthesizer) OnTelemetry(sample backend.Sample, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sample.Kind == backend.SamplePrintState {
		return s.printStateLine(sample)
	}
	st, ok := s.streams[sample.Kind]
	if !ok || !st.enabled {
		return "", false
	}
	if st.pending != nil {
		st.superseded++
	}
	st.pending = &sample
	return s.emitIfDue(st, now)
}

// Flush emits pending samples whose interval has elapsed.
func (s *Synthesizer) Flush(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, kind := range []backend.SampleKind{backend.SampleTemperature, backend.SamplePosition} {
		st := s.streams[kind]
		if !st.enabled || st.pending == nil {
			continue
		}
		if line, ok := s.emitIfDue(st, now); ok {
			out = append(out, line)
		}
	}
	return out
}

func (s *Synthesizer) emitIfDue(st *stream, now time.Time) (string, bool) {
	if !st.lastEmit.IsZero() && now.Sub(st.lastEmit) < st.interval {
		return "", false
	}
	sample := st.pending
	st.pending = nil
	st.lastEmit = now
	st.emitted++
	return formatSample(*sample), true
}

func formatSample(sample backend.Sample) string {
	if sample.Kind == backend.SamplePosition {
		p := sample.Position
		return protocol.FormatPosition(p.X, p.Y, p.Z, p.E)
	}
	return protocol.FormatTemperature(sample.Extruder, sample.Bed)
}

func (s *Synthesizer) printStateLine(sample backend.Sample) (string, bool) {
	prev := s.printState
	next := sample.PrintState
	if next == prev {
		return "", false
	}
	s.printState = next
	if s.cfg.DisableHostActions {
		return "", false
	}
	action, ok := hostAction(prev, next)
	if !ok {
		return "", false
	}
	s.hostActions++
	return protocol.HostAction(action), true
}

// hostAction maps a print state change to the action the device understands.
// The first observed state only produces an action while a job is active.
func hostAction(prev, next string) (string, bool) {
	switch next {
	case "printing":
		if prev == "paused" {
			return "resumed", true
		}
		return "print_start", true
	case "paused":
		return "paused", true
	}
	if prev == "" {
		return "", false
	}
	switch next {
	case "complete":
		return "print_end", true
	case "cancelled":
		return "cancel", true
	case "error", backend.PrintStateShutdown:
		return "notification Printer halted", true
	case backend.PrintStateOffline:
		return "notification Printer offline", true
	default:
		return "", false
	}
}

// PrintState returns the last observed print state.
func (s *Synthesizer) PrintState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.printState
}

func (s *Synthesizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	temp := s.streams[backend.SampleTemperature]
	pos := s.streams[backend.SamplePosition]
	return Stats{
		TemperatureEmitted:    temp.emitted,
		TemperatureSuperseded: temp.superseded,
		PositionEmitted:       pos.emitted,
		PositionSuperseded:    pos.superseded,
		HostActions:           s.hostActions,
		Fallbacks:             s.fallbackHit,
	}
}

// terminate appends ok unless lines already end in a terminal line.
func terminate(lines []string) []string {
	if len(lines) == 0 {
		return []string{protocol.Ack()}
	}
	if protocol.IsTerminal(lines[len(lines)-1]) {
		return lines
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines...)
	return append(out, protocol.Ack())
}
