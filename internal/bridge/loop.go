package bridge

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/danmuck/tftbridge/internal/backend"
	"github.com/danmuck/tftbridge/internal/faults"
	"github.com/danmuck/tftbridge/internal/observability"
	"github.com/danmuck/tftbridge/internal/protocol"
	"github.com/danmuck/tftbridge/internal/translate"
	"github.com/rs/zerolog/log"
)

// ruleValidation labels commands refused before translation.
const ruleValidation = "validation"

// serveSerial handles inbound lines strictly in order. The next line is not
// taken until the previous reply was written.
func (b *Bridge) serveSerial(ctx context.Context) error {
	for line := range b.transport.Lines(ctx) {
		reply := b.Handle(ctx, line)
		if err := b.transport.WriteLines(reply...); err != nil {
			log.Warn().Msgf("bridge.Bridge.serveSerial reply dropped line=%q err=%v", line, err)
		}
	}
	return nil
}

// Handle produces the reply for one inbound line. It always returns at least
// one line and the last line is terminal. Backend calls are bounded by the
// configured call timeout.
func (b *Bridge) Handle(ctx context.Context, line string) []string {
	start := time.Now()
	b.commands.Add(1)

	rule, reply := b.handle(ctx, line)
	observability.RecordCommand(rule, classifyReply(reply), time.Since(start))
	return reply
}

func (b *Bridge) handle(ctx context.Context, line string) (string, []string) {
	cmd, err := b.validator.Validate(line)
	if errors.Is(err, protocol.ErrEmptyLine) {
		return "empty", []string{protocol.Ack()}
	}
	if err != nil {
		b.rejected.Add(1)
		log.Debug().Msgf("bridge.Bridge.handle rejected line=%q err=%v", line, err)
		return ruleValidation, b.synth.OnError("", err)
	}

	out := b.translator.Translate(cmd)
	if out.Kind != translate.OutcomeCall {
		if out.Kind == translate.OutcomeReject {
			b.rejected.Add(1)
		}
		return out.Rule, b.synth.OnOutcome(out, nil, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Backend.Session.CallTimeout)
	defer cancel()
	resp, callErr := b.client.Call(callCtx, out.Request)
	if callErr != nil {
		log.Debug().Msgf("bridge.Bridge.handle call failed verb=%s rule=%s kind=%s err=%v",
			cmd.Verb(), out.Rule, faults.KindOf(callErr), callErr)
		return out.Rule, b.synth.OnOutcome(out, nil, callErr)
	}
	return out.Rule, b.synth.OnOutcome(out, &resp, nil)
}

// classify names an error kind for metrics.
func classify(err error) string {
	return faults.KindOf(err).String()
}

// classifyReply names the terminal line for metrics.
func classifyReply(reply []string) string {
	if len(reply) == 0 {
		return "none"
	}
	last := reply[len(reply)-1]
	switch {
	case last == protocol.BusyLine:
		return "busy"
	case strings.HasPrefix(last, protocol.ErrorToken):
		return "error"
	default:
		return "ok"
	}
}

// sampleLineKind recovers the telemetry kind from a rendered line.
func sampleLineKind(line string) string {
	switch {
	case strings.HasPrefix(line, "T:"):
		return backend.SampleTemperature.String()
	case strings.HasPrefix(line, "X:"):
		return backend.SamplePosition.String()
	case strings.HasPrefix(line, protocol.ActionPrefix):
		return backend.SamplePrintState.String()
	default:
		return "other"
	}
}
