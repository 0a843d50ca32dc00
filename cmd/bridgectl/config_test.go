package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/tftbridge/internal/synth"
	"github.com/danmuck/tftbridge/internal/testutil/testlog"
)

func TestLoadBridgeConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)

	cfg, file, err := loadBridgeConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Serial.AutoDetect || cfg.Serial.Device != "" {
		t.Fatalf("expected auto detect without device: %+v", cfg.Serial)
	}
	if cfg.Serial.Baud != 115200 {
		t.Fatalf("unexpected baud: %d", cfg.Serial.Baud)
	}
	if cfg.Backend.Host != "printer.local" || cfg.Backend.Port != 7125 || cfg.Backend.APIKey != "example-key" {
		t.Fatalf("unexpected backend: %+v", cfg.Backend)
	}
	if cfg.Backend.Session.MaxRetries != 3 || cfg.Backend.Session.CallTimeout != 4*time.Second {
		t.Fatalf("unexpected session: %+v", cfg.Backend.Session)
	}
	if cfg.Backend.Session.Backoff.InitialDelay != 250*time.Millisecond {
		t.Fatalf("retry backoff default lost: %+v", cfg.Backend.Session.Backoff)
	}
	if cfg.BackendReconnect.MaxDelay != 30*time.Second {
		t.Fatalf("reconnect default lost: %+v", cfg.BackendReconnect)
	}
	if cfg.Synth.AutoReport != synth.AutoReportOnRequest || !cfg.Synth.DisableHostActions {
		t.Fatalf("unexpected telemetry: %+v", cfg.Synth)
	}
	if cfg.Synth.TemperatureInterval != 3*time.Second || cfg.Synth.PositionInterval != time.Second {
		t.Fatalf("unexpected intervals: %+v", cfg.Synth)
	}
	if cfg.Admin.Listen != "127.0.0.1:7130" {
		t.Fatalf("unexpected admin listen: %q", cfg.Admin.Listen)
	}
	if len(cfg.Admin.CORSOrigins) != 1 || cfg.Admin.CORSOrigins[0] != "http://printer.local" {
		t.Fatalf("unexpected cors origins: %+v", cfg.Admin.CORSOrigins)
	}
	if len(cfg.Translate.Rules) != 1 || len(cfg.Translate.Rules[0].Action.Candidates) != 1 {
		t.Fatalf("unexpected rules: %+v", cfg.Translate.Rules)
	}
	if len(cfg.Synth.Fallbacks) != 1 {
		t.Fatalf("unexpected fallbacks: %+v", cfg.Synth.Fallbacks)
	}
	if file.LogLevel != "debug" {
		t.Fatalf("unexpected log level: %q", file.LogLevel)
	}
}

func TestLoadBridgeConfigWithoutFile(t *testing.T) {
	testlog.Start(t)

	cfg, _, err := loadBridgeConfig("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Serial.Device != "/dev/ttyUSB0" || cfg.Serial.Baud != 250000 {
		t.Fatalf("unexpected serial defaults: %+v", cfg.Serial)
	}
	if cfg.Backend.Host != "localhost" || cfg.Backend.Port != 7125 {
		t.Fatalf("unexpected backend defaults: %+v", cfg.Backend)
	}
}

func TestLoadBridgeConfigIgnoresUnknownKeys(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "bridge.toml")
	doc := "[serial]\ndevice = \"/dev/ttyACM0\"\nparity = \"even\"\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, _, err := loadBridgeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Serial.Device != "/dev/ttyACM0" {
		t.Fatalf("unexpected device: %q", cfg.Serial.Device)
	}
}

func TestLoadBridgeConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "bridge.toml")
	if err := os.WriteFile(path, []byte("[serial]\nbaud = 1234\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := loadBridgeConfig(path); err == nil {
		t.Fatalf("expected unsupported baud error")
	}
}

func TestLoadLogSettings(t *testing.T) {
	testlog.Start(t)

	ls, err := loadLogSettings("ex.config.toml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ls.level != "debug" || ls.file != "" {
		t.Fatalf("unexpected log settings: %+v", ls)
	}
}
