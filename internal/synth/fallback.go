package synth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/tftbridge/internal/faults"
	"github.com/danmuck/tftbridge/internal/protocol"
)

const (
	// ReplyBusy expands to the busy line.
	ReplyBusy = "busy"
	// ReplyError expands to an error line carrying the reason.
	ReplyError = "error"
	// ReasonPlaceholder is replaced by the device-facing reason code.
	ReasonPlaceholder = "{REASON}"
)

var ErrInvalidFallback = errors.New("synth: invalid fallback")

// Fallback maps a failure kind, optionally narrowed to one verb, to the reply
// the device sees. Reply is "busy", "error", or literal text which may contain
// {REASON} and must end in a terminal line.
type Fallback struct {
	Kind  faults.Kind
	Verb  string
	Reply string
}

// DefaultFallbacks answers every failure kind. Transport and admission
// problems read as busy so the device retries; everything else is an error.
func DefaultFallbacks() []Fallback {
	return []Fallback{
		{Kind: faults.KindTransportUnavailable, Verb: "M105", Reply: protocol.AckWith(protocol.FormatTemperature(protocol.HeaterReading{}, protocol.HeaterReading{}))},
		{Kind: faults.KindTransportUnavailable, Reply: ReplyBusy},
		{Kind: faults.KindRateLimited, Reply: ReplyBusy},
		{Kind: faults.KindDeadlineExceeded, Reply: ReplyBusy},
		{Kind: faults.KindValidationRejected, Reply: ReplyError},
		{Kind: faults.KindTranslationRejected, Reply: ReplyError},
		{Kind: faults.KindBackendCallFailed, Reply: ReplyError},
	}
}

func (f Fallback) Validate() error {
	if f.Kind == faults.KindNone {
		return fmt.Errorf("%w: kind required", ErrInvalidFallback)
	}
	if strings.TrimSpace(f.Reply) == "" {
		return fmt.Errorf("%w: reply required for %s", ErrInvalidFallback, f.Kind)
	}
	lines := f.render("reason")
	if !protocol.IsTerminal(lines[len(lines)-1]) {
		return fmt.Errorf("%w: reply %q for %s does not end in ok, !! or busy", ErrInvalidFallback, f.Reply, f.Kind)
	}
	return nil
}

func (f Fallback) matches(kind faults.Kind, verb string) bool {
	if f.Kind != kind {
		return false
	}
	return f.Verb == "" || strings.EqualFold(f.Verb, verb)
}

func (f Fallback) render(reason string) []string {
	switch strings.ToLower(strings.TrimSpace(f.Reply)) {
	case ReplyBusy:
		return []string{protocol.BusyLine}
	case ReplyError:
		return []string{protocol.ErrorLine(reason)}
	}
	text := strings.ReplaceAll(f.Reply, ReasonPlaceholder, reason)
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimRight(line, "\r "); line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		return []string{protocol.ErrorLine(reason)}
	}
	return out
}
