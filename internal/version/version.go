// Package version holds build metadata and the release history.
package version

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// Overridden at build time with -ldflags "-X".
var (
	Version   = "2.4.0"
	BuildDate = "2026-10-15"
	GitHash   = "unknown"
)

const (
	Name    = "tftbridge"
	License = "GPL-3.0"
)

// Info is the resolved build metadata.
type Info struct {
	Name      string
	Version   string
	BuildDate string
	GitHash   string
	License   string
	GoVersion string
	Platform  string
}

func Get() Info {
	return Info{
		Name:      Name,
		Version:   Version,
		BuildDate: BuildDate,
		GitHash:   GitHash,
		License:   License,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("%s v%s\nBuild: %s (%s)\nLicense: %s\nGo: %s on %s",
		i.Name, i.Version, i.BuildDate, i.GitHash, i.License, i.GoVersion, i.Platform)
}

// Release is one entry of the changelog.
type Release struct {
	Version         string
	Date            string
	Features        []string
	BreakingChanges []string
}

var history = []Release{
	{
		Version: "2.4.0",
		Date:    "2026-10-15",
		Features: []string{
			"Ordered translation rule table with configurable extra rules",
			"Per-transport connection supervisor with unbounded capped backoff",
			"Token bucket admission with a bounded wait queue",
			"Websocket telemetry subscription with throttled auto-report",
			"Admin HTTP API with health, links, macros and metrics",
		},
		BreakingChanges: []string{
			"Configuration moved to a TOML file with strict validation",
		},
	},
	{
		Version: "2.3.4",
		Date:    "2025-06-09",
		Features: []string{
			"Installation uses its own directory",
		},
	},
	{
		Version: "2.1.0",
		Date:    "2024-06-09",
		Features: []string{
			"Version reporting",
			"Standalone mode",
			"Connection resilience that never stops on failures",
			"Simulate mode for safe testing",
		},
	},
	{
		Version: "2.0.0",
		Date:    "2024-06-08",
		Features: []string{
			"Security validation and input sanitation",
			"Rate limiting",
			"Retry with backoff",
		},
		BreakingChanges: []string{
			"Changed configuration validation",
		},
	},
	{
		Version: "1.0.0",
		Date:    "2024-06-07",
		Features: []string{
			"Initial bridge with basic command translation",
		},
	},
}

// History returns releases newest first.
func History() []Release {
	out := make([]Release, len(history))
	copy(out, history)
	sort.SliceStable(out, func(i, j int) bool {
		return compare(out[i].Version, out[j].Version) > 0
	})
	return out
}

// Lookup finds one release by version, with or without a leading "v".
func Lookup(v string) (Release, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	for _, r := range history {
		if r.Version == v {
			return r, true
		}
	}
	return Release{}, false
}

func compare(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		if x != y {
			if x > y {
				return 1
			}
			return -1
		}
	}
	return 0
}
