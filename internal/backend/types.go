package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/tftbridge/internal/protocol"
)

// Endpoint names one backend operation a translated command can target.
type Endpoint string

const (
	EndpointScript           Endpoint = "script"
	EndpointQueryTemperature Endpoint = "query_temperature"
	EndpointQueryPosition    Endpoint = "query_position"
	EndpointPrintStart       Endpoint = "print_start"
	EndpointPrintPause       Endpoint = "print_pause"
	EndpointPrintResume      Endpoint = "print_resume"
	EndpointPrintCancel      Endpoint = "print_cancel"
)

var endpoints = []Endpoint{
	EndpointScript,
	EndpointQueryTemperature,
	EndpointQueryPosition,
	EndpointPrintStart,
	EndpointPrintPause,
	EndpointPrintResume,
	EndpointPrintCancel,
}

// ParseEndpoint accepts an endpoint name from configuration. Empty means
// script.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return EndpointScript, nil
	}
	for _, ep := range endpoints {
		if string(ep) == raw {
			return ep, nil
		}
	}
	return "", fmt.Errorf("backend: unknown endpoint %q", raw)
}

// IsQuery reports whether the endpoint reads state instead of acting.
func (e Endpoint) IsQuery() bool {
	return e == EndpointQueryTemperature || e == EndpointQueryPosition
}

// Request is one translated backend call.
type Request struct {
	Endpoint Endpoint
	// Script is the command text for EndpointScript.
	Script string
	// Filename is the file argument for EndpointPrintStart.
	Filename string
}

func (r Request) String() string {
	switch r.Endpoint {
	case EndpointScript:
		return fmt.Sprintf("script=%q", r.Script)
	case EndpointPrintStart:
		return fmt.Sprintf("%s filename=%q", r.Endpoint, r.Filename)
	default:
		return string(r.Endpoint)
	}
}

// Position is the toolhead position in printer coordinates.
type Position struct {
	X, Y, Z, E float64
}

// Status is the normalized printer state read from a query or subscription.
type Status struct {
	Extruder    protocol.HeaterReading
	Bed         protocol.HeaterReading
	Position    Position
	HasHeaters  bool
	HasPosition bool
	PrintState  string
	Filename    string
	Progress    float64
}

// Response is the result of a successful call.
type Response struct {
	Request Request
	Result  string
	Status  Status
}

// SampleKind distinguishes telemetry streams that are throttled separately.
type SampleKind int

const (
	SampleTemperature SampleKind = iota
	SamplePosition
	SamplePrintState
)

func (k SampleKind) String() string {
	switch k {
	case SampleTemperature:
		return "temperature"
	case SamplePosition:
		return "position"
	case SamplePrintState:
		return "print_state"
	default:
		return "unknown"
	}
}

// Sample is one normalized telemetry reading. A newer sample of the same
// kind supersedes the previous one.
type Sample struct {
	Kind       SampleKind
	At         time.Time
	Extruder   protocol.HeaterReading
	Bed        protocol.HeaterReading
	Position   Position
	PrintState string
	Filename   string
	Progress   float64
}
