package bridge

import (
	"context"
	"time"

	"github.com/danmuck/tftbridge/internal/observability"
	"github.com/rs/zerolog/log"
)

// serveTelemetry forwards backend samples as unsolicited lines. It shares
// nothing with the serial loop except the synthesizer and the write lock.
func (b *Bridge) serveTelemetry(ctx context.Context) error {
	samples := b.client.Subscribe(ctx)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sample, ok := <-samples:
			if !ok {
				return nil
			}
			if line, due := b.synth.OnTelemetry(sample, time.Now()); due {
				b.writeUnsolicited(line)
			}
		case now := <-ticker.C:
			for _, line := range b.synth.Flush(now) {
				b.writeUnsolicited(line)
			}
		}
	}
}

// writeUnsolicited drops the line when the device link is down; a newer
// sample will follow.
func (b *Bridge) writeUnsolicited(line string) {
	if err := b.transport.WriteLines(line); err != nil {
		log.Trace().Msgf("bridge.Bridge.writeUnsolicited dropped line=%q err=%v", line, err)
		return
	}
	b.telemetry.Add(1)
	observability.RecordTelemetryLine(sampleLineKind(line))
}
