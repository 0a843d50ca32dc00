// Package config defines the bridge configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

// File mirrors the TOML layout. Durations are Go duration strings.
type File struct {
	Simulate bool   `toml:"simulate"`
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	Serial    SerialSection    `toml:"serial"`
	Backend   BackendSection   `toml:"backend"`
	RateLimit RateLimitSection `toml:"ratelimit"`
	Telemetry TelemetrySection `toml:"telemetry"`
	Admin     AdminSection     `toml:"admin"`
	Rules     []RuleEntry      `toml:"rules"`
	Fallbacks []FallbackEntry  `toml:"fallbacks"`
}

type SerialSection struct {
	Device              string  `toml:"device"`
	Baud                int     `toml:"baud"`
	AutoDetect          bool    `toml:"auto_detect"`
	MaxLineLength       int     `toml:"max_line_length"`
	ReconnectInitial    string  `toml:"reconnect_initial"`
	ReconnectMax        string  `toml:"reconnect_max"`
	ReconnectMultiplier float64 `toml:"reconnect_multiplier"`
}

type BackendSection struct {
	Host                string     `toml:"host"`
	Port                int        `toml:"port"`
	APIKey              string     `toml:"api_key"`
	Timeout             string     `toml:"timeout"`
	AttemptTimeout      string     `toml:"attempt_timeout"`
	MaxRetries          int        `toml:"max_retries"`
	RetryInitial        string     `toml:"retry_initial"`
	RetryMax            string     `toml:"retry_max"`
	ProbeInterval       string     `toml:"probe_interval"`
	ReconnectInitial    string     `toml:"reconnect_initial"`
	ReconnectMax        string     `toml:"reconnect_max"`
	ReconnectMultiplier float64    `toml:"reconnect_multiplier"`
	SecurityMode        string     `toml:"security_mode"`
	TLS                 TLSSection `toml:"tls"`
}

type TLSSection struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type RateLimitSection struct {
	Capacity       int    `toml:"capacity"`
	RefillInterval string `toml:"refill_interval"`
	QueueSize      int    `toml:"queue_size"`
}

type TelemetrySection struct {
	AutoReport          string `toml:"auto_report"`
	TemperatureInterval string `toml:"temperature_interval"`
	PositionInterval    string `toml:"position_interval"`
	HostActions         bool   `toml:"host_actions"`
	FlushInterval       string `toml:"flush_interval"`
}

type AdminSection struct {
	Listen      string   `toml:"listen"`
	CORSOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

// RuleEntry is one extra translation rule. Match entries are "KEY" or
// "KEY=value".
type RuleEntry struct {
	Name          string   `toml:"name"`
	Verb          string   `toml:"verb"`
	Match         []string `toml:"match"`
	Action        string   `toml:"action"`
	Endpoint      string   `toml:"endpoint"`
	Template      string   `toml:"template"`
	Macros        []string `toml:"macros"`
	ForwardParams bool     `toml:"forward_params"`
	Reason        string   `toml:"reason"`
}

// FallbackEntry overrides the reply for one error kind, optionally for one
// verb.
type FallbackEntry struct {
	Kind  string `toml:"kind"`
	Verb  string `toml:"verb"`
	Reply string `toml:"reply"`
}

// Default returns the file a fresh install starts from.
func Default() File {
	return File{
		LogLevel: "info",
		Serial: SerialSection{
			Device:              "/dev/ttyUSB0",
			Baud:                250000,
			MaxLineLength:       256,
			ReconnectInitial:    "1s",
			ReconnectMax:        "60s",
			ReconnectMultiplier: 1.5,
		},
		Backend: BackendSection{
			Host:                "localhost",
			Port:                7125,
			Timeout:             "5s",
			AttemptTimeout:      "2s",
			MaxRetries:          5,
			RetryInitial:        "250ms",
			RetryMax:            "2s",
			ProbeInterval:       "10s",
			ReconnectInitial:    "1s",
			ReconnectMax:        "30s",
			ReconnectMultiplier: 2.0,
			SecurityMode:        "development",
		},
		RateLimit: RateLimitSection{
			Capacity:       10,
			RefillInterval: "100ms",
			QueueSize:      8,
		},
		Telemetry: TelemetrySection{
			AutoReport:          "always",
			TemperatureInterval: "2s",
			PositionInterval:    "1s",
			HostActions:         true,
			FlushInterval:       "100ms",
		},
	}
}

// LoadStrict decodes path rejecting unknown keys, then checks every value.
func LoadStrict(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	f, err := DecodeStrict(data)
	if err != nil {
		return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return f, nil
}

// DecodeStrict decodes data over Default. Unknown keys are an error.
func DecodeStrict(data []byte) (File, error) {
	f := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return File{}, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.TrimSpace(strict.String()))
		}
		return File{}, err
	}
	if _, err := f.Bridge(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Encode renders f as TOML.
func Encode(f File) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
