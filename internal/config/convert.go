package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/tftbridge/internal/backend"
	"github.com/danmuck/tftbridge/internal/bridge"
	"github.com/danmuck/tftbridge/internal/faults"
	"github.com/danmuck/tftbridge/internal/logging"
	"github.com/danmuck/tftbridge/internal/protocol/session"
	"github.com/danmuck/tftbridge/internal/synth"
	"github.com/danmuck/tftbridge/internal/translate"
)

// Bridge converts f into a runtime configuration, validating every field.
func (f File) Bridge() (bridge.Config, error) {
	cfg := bridge.DefaultConfig()
	var err error

	if strings.TrimSpace(f.LogLevel) != "" {
		if _, ok := logging.ParseLevel(f.LogLevel); !ok {
			return bridge.Config{}, fmt.Errorf("%w: log_level %q", ErrInvalidConfig, f.LogLevel)
		}
	}

	// serial
	cfg.Serial.Device = strings.TrimSpace(f.Serial.Device)
	cfg.Serial.Baud = f.Serial.Baud
	cfg.Serial.AutoDetect = f.Serial.AutoDetect
	if f.Serial.MaxLineLength > 0 {
		cfg.Validator.MaxLineLength = f.Serial.MaxLineLength
	}
	if cfg.SerialReconnect, err = backoff("serial.reconnect", f.Serial.ReconnectInitial, f.Serial.ReconnectMax, f.Serial.ReconnectMultiplier, cfg.SerialReconnect); err != nil {
		return bridge.Config{}, err
	}
	if err := cfg.Serial.WithDefaults().Validate(); err != nil {
		return bridge.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	// backend
	b := f.Backend
	cfg.Backend.Host = strings.TrimSpace(b.Host)
	cfg.Backend.Port = b.Port
	cfg.Backend.APIKey = strings.TrimSpace(b.APIKey)
	cfg.Backend.Simulate = f.Simulate
	if b.MaxRetries < 0 {
		return bridge.Config{}, fmt.Errorf("%w: backend.max_retries must be >= 0", ErrInvalidConfig)
	}
	cfg.Backend.Session.MaxRetries = b.MaxRetries
	if cfg.Backend.Session.CallTimeout, err = positive("backend.timeout", b.Timeout, cfg.Backend.Session.CallTimeout); err != nil {
		return bridge.Config{}, err
	}
	if cfg.Backend.Session.AttemptTimeout, err = positive("backend.attempt_timeout", b.AttemptTimeout, cfg.Backend.Session.AttemptTimeout); err != nil {
		return bridge.Config{}, err
	}
	retry := cfg.Backend.Session.Backoff
	if retry, err = backoff("backend.retry", b.RetryInitial, b.RetryMax, retry.Multiplier, retry); err != nil {
		return bridge.Config{}, err
	}
	cfg.Backend.Session.Backoff = retry
	if cfg.ProbeInterval, err = positive("backend.probe_interval", b.ProbeInterval, cfg.ProbeInterval); err != nil {
		return bridge.Config{}, err
	}
	if cfg.BackendReconnect, err = backoff("backend.reconnect", b.ReconnectInitial, b.ReconnectMax, b.ReconnectMultiplier, cfg.BackendReconnect); err != nil {
		return bridge.Config{}, err
	}
	cfg.Backend.Reconnect = cfg.BackendReconnect
	cfg.Backend.Session.SecurityMode = session.SecurityMode(b.SecurityMode)
	cfg.Backend.Session.TLS = session.TLSConfig{
		Enabled:            b.TLS.Enabled,
		Mutual:             b.TLS.Mutual,
		CAFile:             strings.TrimSpace(b.TLS.CAFile),
		CertFile:           strings.TrimSpace(b.TLS.CertFile),
		KeyFile:            strings.TrimSpace(b.TLS.KeyFile),
		ServerName:         strings.TrimSpace(b.TLS.ServerName),
		InsecureSkipVerify: b.TLS.InsecureSkipVerify,
	}
	if err := cfg.Backend.WithDefaults().Validate(); err != nil {
		return bridge.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	// rate limit
	if f.RateLimit.Capacity < 0 || f.RateLimit.QueueSize < 0 {
		return bridge.Config{}, fmt.Errorf("%w: ratelimit values must be >= 0", ErrInvalidConfig)
	}
	cfg.RateLimit.Capacity = f.RateLimit.Capacity
	cfg.RateLimit.QueueSize = f.RateLimit.QueueSize
	if cfg.RateLimit.RefillInterval, err = positive("ratelimit.refill_interval", f.RateLimit.RefillInterval, cfg.RateLimit.RefillInterval); err != nil {
		return bridge.Config{}, err
	}

	// telemetry
	t := f.Telemetry
	if cfg.Synth.AutoReport, err = synth.ParseAutoReportMode(t.AutoReport); err != nil {
		return bridge.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.Synth.TemperatureInterval, err = positive("telemetry.temperature_interval", t.TemperatureInterval, cfg.Synth.TemperatureInterval); err != nil {
		return bridge.Config{}, err
	}
	if cfg.Synth.PositionInterval, err = positive("telemetry.position_interval", t.PositionInterval, cfg.Synth.PositionInterval); err != nil {
		return bridge.Config{}, err
	}
	if cfg.FlushInterval, err = positive("telemetry.flush_interval", t.FlushInterval, cfg.FlushInterval); err != nil {
		return bridge.Config{}, err
	}
	cfg.Synth.DisableHostActions = !t.HostActions

	cfg.Admin = bridge.AdminConfig{
		Listen:      strings.TrimSpace(f.Admin.Listen),
		CORSOrigins: f.Admin.CORSOrigins,
		Token:       strings.TrimSpace(f.Admin.Token),
	}

	for i, entry := range f.Rules {
		rule, err := entry.Rule()
		if err != nil {
			return bridge.Config{}, fmt.Errorf("rules[%d]: %w", i, err)
		}
		cfg.Translate.Rules = append(cfg.Translate.Rules, rule)
	}
	for i, entry := range f.Fallbacks {
		fb, err := entry.Fallback()
		if err != nil {
			return bridge.Config{}, fmt.Errorf("fallbacks[%d]: %w", i, err)
		}
		cfg.Synth.Fallbacks = append(cfg.Synth.Fallbacks, fb)
	}
	return cfg, nil
}

// Rule converts the entry into a translation rule.
func (e RuleEntry) Rule() (translate.Rule, error) {
	kind, err := translate.ParseActionKind(e.Action)
	if err != nil {
		return translate.Rule{}, err
	}
	rule := translate.Rule{
		Name: strings.TrimSpace(e.Name),
		Verb: strings.ToUpper(strings.TrimSpace(e.Verb)),
	}
	for _, raw := range e.Match {
		key, value, _ := strings.Cut(strings.TrimSpace(raw), "=")
		rule.Match = append(rule.Match, translate.ParamMatch{
			Key:   strings.ToUpper(strings.TrimSpace(key)),
			Value: strings.TrimSpace(value),
		})
	}
	switch kind {
	case translate.ActionPassthrough:
		endpoint, err := backend.ParseEndpoint(e.Endpoint)
		if err != nil {
			return translate.Rule{}, err
		}
		rule.Action = translate.Passthrough(endpoint, e.Template)
	case translate.ActionMacroCall:
		rule.Action = translate.MacroCall(e.ForwardParams, e.Macros...)
	case translate.ActionLocalSynthetic:
		rule.Action = translate.LocalSynthetic(e.Template)
	case translate.ActionReject:
		rule.Action = translate.Reject(strings.TrimSpace(e.Reason))
	}
	if err := rule.Validate(); err != nil {
		return translate.Rule{}, err
	}
	return rule, nil
}

// Fallback converts the entry into a fallback reply.
func (e FallbackEntry) Fallback() (synth.Fallback, error) {
	kind, ok := faults.ParseKind(strings.ToLower(strings.TrimSpace(e.Kind)))
	if !ok || kind == faults.KindNone {
		return synth.Fallback{}, fmt.Errorf("%w: unknown kind %q", synth.ErrInvalidFallback, e.Kind)
	}
	fb := synth.Fallback{
		Kind:  kind,
		Verb:  strings.ToUpper(strings.TrimSpace(e.Verb)),
		Reply: e.Reply,
	}
	if err := fb.Validate(); err != nil {
		return synth.Fallback{}, err
	}
	return fb, nil
}

// positive parses raw, keeping def when raw is empty.
func positive(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be > 0", ErrInvalidConfig, field)
	}
	return d, nil
}

func backoff(field, initial, maxDelay string, multiplier float64, def session.BackoffConfig) (session.BackoffConfig, error) {
	out := def
	var err error
	if out.InitialDelay, err = positive(field+"_initial", initial, def.InitialDelay); err != nil {
		return session.BackoffConfig{}, err
	}
	if out.MaxDelay, err = positive(field+"_max", maxDelay, def.MaxDelay); err != nil {
		return session.BackoffConfig{}, err
	}
	if multiplier != 0 {
		if multiplier < 1 {
			return session.BackoffConfig{}, fmt.Errorf("%w: %s_multiplier must be >= 1", ErrInvalidConfig, field)
		}
		out.Multiplier = multiplier
	}
	if out.MaxDelay < out.InitialDelay {
		return session.BackoffConfig{}, fmt.Errorf("%w: %s_max below %s_initial", ErrInvalidConfig, field, field)
	}
	return out, nil
}
