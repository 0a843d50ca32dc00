package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func (b BackoffConfig) withDefaults(def BackoffConfig) BackoffConfig {
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.InitialDelay
	}
	if b.Multiplier < 1.0 {
		b.Multiplier = def.Multiplier
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	return b
}

// Config defines backend call reliability.
type Config struct {
	// CallTimeout bounds one call including its retries.
	CallTimeout time.Duration
	// AttemptTimeout bounds a single HTTP exchange.
	AttemptTimeout time.Duration
	// ConnectTimeout bounds dialing and handshakes.
	ConnectTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries   int
	Backoff      BackoffConfig
	SecurityMode SecurityMode
	TLS          TLSConfig
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
	}
}

func DefaultConfig() Config {
	return Config{
		CallTimeout:    5 * time.Second,
		AttemptTimeout: 2 * time.Second,
		ConnectTimeout: 5 * time.Second,
		MaxRetries:     5,
		Backoff:        DefaultBackoff(),
		SecurityMode:   SecurityModeDevelopment,
	}
}

// WithDefaults fills zero values. A negative MaxRetries means no retries.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.AttemptTimeout <= 0 || c.AttemptTimeout > c.CallTimeout {
		c.AttemptTimeout = min(def.AttemptTimeout, c.CallTimeout)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	c.Backoff = c.Backoff.withDefaults(def.Backoff)
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
