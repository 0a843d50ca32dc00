package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/tftbridge/internal/bridge"
	"github.com/danmuck/tftbridge/internal/config"
	"github.com/rs/zerolog/log"
)

type logSettings struct {
	level string
	file  string
}

// loadFile decodes path over config.Default. Keys the schema does not know
// are logged and ignored; `bridgectl config validate` reports them as errors.
func loadFile(path string) (config.File, error) {
	raw := config.Default()
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config.File{}, fmt.Errorf("load bridge config: %w", err)
	}
	for _, key := range meta.Undecoded() {
		log.Warn().Msgf("bridgectl.config unknown key=%s path=%s", key, path)
	}

	// auto_detect alone means the default device should not be used
	if meta.IsDefined("serial", "auto_detect") && !meta.IsDefined("serial", "device") && raw.Serial.AutoDetect {
		raw.Serial.Device = ""
	}
	if meta.IsDefined("admin", "cors_origins") {
		raw.Admin.CORSOrigins = normalizeList(raw.Admin.CORSOrigins)
	}
	for i := range raw.Rules {
		raw.Rules[i].Macros = normalizeList(raw.Rules[i].Macros)
	}
	return raw, nil
}

func loadBridgeConfig(path string) (bridge.Config, config.File, error) {
	f := config.Default()
	if strings.TrimSpace(path) != "" {
		var err error
		if f, err = loadFile(path); err != nil {
			return bridge.Config{}, config.File{}, err
		}
	}
	cfg, err := f.Bridge()
	if err != nil {
		return bridge.Config{}, config.File{}, fmt.Errorf("bridge config %s: %w", path, err)
	}
	return cfg, f, nil
}

func loadLogSettings(path string) (logSettings, error) {
	var raw struct {
		LogLevel string `toml:"log_level"`
		LogFile  string `toml:"log_file"`
	}
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return logSettings{}, err
	}
	var out logSettings
	if meta.IsDefined("log_level") {
		out.level = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_file") {
		out.file = strings.TrimSpace(raw.LogFile)
	}
	return out, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
