package backend

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/danmuck/tftbridge/internal/protocol"
	"github.com/rs/zerolog/log"
)

const simulatedSampleInterval = time.Second

var simulatedMacros = []string{
	"CANCEL_PRINT",
	"LOAD_FILAMENT",
	"PAUSE",
	"RESUME",
	"UNLOAD_FILAMENT",
}

var simulatedStatus = Status{
	Extruder:    protocol.HeaterReading{Current: 25.0},
	Bed:         protocol.HeaterReading{Current: 24.0},
	HasHeaters:  true,
	HasPosition: true,
	PrintState:  "standby",
}

// simulator stands in for the backend in dry-run mode.
type simulator struct {
	calls atomic.Uint64
}

func newSimulator() *simulator {
	return &simulator{}
}

func (s *simulator) count() uint64 {
	return s.calls.Load()
}

func (s *simulator) macros() []string {
	out := make([]string, len(simulatedMacros))
	copy(out, simulatedMacros)
	return out
}

func (s *simulator) call(req Request) Response {
	n := s.calls.Add(1)
	log.Info().Msgf("backend.simulate [simulate] n=%d req=%s", n, req)
	resp := Response{Request: req, Result: "ok"}
	if req.Endpoint.IsQuery() {
		resp.Status = simulatedStatus
	}
	return resp
}

func (s *simulator) stream(ctx context.Context, out chan<- Sample) {
	ticker := time.NewTicker(simulatedSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			select {
			case out <- sampleOf(SampleTemperature, simulatedStatus, now):
			case <-ctx.Done():
				return
			}
		}
	}
}
