// Package translate maps validated device commands to backend calls, local
// replies, or rejections through an ordered rule table.
package translate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/tftbridge/internal/backend"
	"github.com/danmuck/tftbridge/internal/protocol"
)

var (
	ErrInvalidRule     = errors.New("translate: invalid rule")
	ErrMissingArgument = errors.New("translate: missing argument")
)

type ActionKind int

const (
	ActionPassthrough ActionKind = iota + 1
	ActionMacroCall
	ActionLocalSynthetic
	ActionReject
)

func (k ActionKind) String() string {
	switch k {
	case ActionPassthrough:
		return "passthrough"
	case ActionMacroCall:
		return "macro"
	case ActionLocalSynthetic:
		return "reply"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseActionKind accepts the names used in configuration files.
func ParseActionKind(raw string) (ActionKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "passthrough", "call":
		return ActionPassthrough, nil
	case "macro", "macro_call":
		return ActionMacroCall, nil
	case "reply", "local", "synthetic":
		return ActionLocalSynthetic, nil
	case "reject":
		return ActionReject, nil
	default:
		return 0, fmt.Errorf("%w: unknown action %q", ErrInvalidRule, raw)
	}
}

// Directive is a side effect a local reply has on the bridge itself.
type Directive int

const (
	DirectiveNone Directive = iota
	DirectiveAutoReportTemperature
	DirectiveAutoReportPosition
)

// Action is the tagged variant a rule resolves to. Only the fields of the
// active Kind are read.
type Action struct {
	Kind ActionKind

	// Passthrough: target endpoint and argument template. An empty script
	// template forwards the command text unchanged.
	Endpoint backend.Endpoint
	Template string

	// MacroCall: names in priority order; ForwardParams appends the
	// command's parameters as NAME=value arguments.
	Candidates    []string
	ForwardParams bool

	// LocalSynthetic: Template holds newline separated reply lines.
	Directive Directive

	// Reject: device-facing reason code.
	Reason string
}

func Passthrough(endpoint backend.Endpoint, template string) Action {
	return Action{Kind: ActionPassthrough, Endpoint: endpoint, Template: template}
}

func MacroCall(forwardParams bool, candidates ...string) Action {
	return Action{Kind: ActionMacroCall, Candidates: candidates, ForwardParams: forwardParams}
}

func LocalSynthetic(template string) Action {
	return Action{Kind: ActionLocalSynthetic, Template: template}
}

func Reject(reason string) Action {
	return Action{Kind: ActionReject, Reason: reason}
}

// ParamMatch requires a parameter to be present, and to equal Value when
// Value is set.
type ParamMatch struct {
	Key   string
	Value string
}

// Rule is one row of the translation table.
type Rule struct {
	Name   string
	Verb   string
	Match  []ParamMatch
	Action Action
}

// Matches reports whether cmd satisfies the rule predicate.
func (r Rule) Matches(cmd protocol.Command) bool {
	if !strings.EqualFold(r.Verb, cmd.Verb()) {
		return false
	}
	for _, m := range r.Match {
		v, ok := cmd.Param(m.Key)
		if !ok {
			return false
		}
		if m.Value != "" && !strings.EqualFold(v, m.Value) {
			return false
		}
	}
	return true
}

func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidRule)
	}
	if _, err := protocol.Parse(r.Verb); err != nil || strings.ContainsAny(r.Verb, " \t") {
		return fmt.Errorf("%w: rule=%s bad verb %q", ErrInvalidRule, r.Name, r.Verb)
	}
	for _, m := range r.Match {
		if strings.TrimSpace(m.Key) == "" {
			return fmt.Errorf("%w: rule=%s empty match key", ErrInvalidRule, r.Name)
		}
	}
	a := r.Action
	switch a.Kind {
	case ActionPassthrough:
		if a.Endpoint == "" {
			return fmt.Errorf("%w: rule=%s missing endpoint", ErrInvalidRule, r.Name)
		}
		if a.Endpoint == backend.EndpointPrintStart && a.Template == "" {
			return fmt.Errorf("%w: rule=%s print start needs a filename template", ErrInvalidRule, r.Name)
		}
	case ActionMacroCall:
		if len(a.Candidates) == 0 {
			return fmt.Errorf("%w: rule=%s no macro candidates", ErrInvalidRule, r.Name)
		}
	case ActionLocalSynthetic:
		if strings.TrimSpace(a.Template) == "" && a.Directive == DirectiveNone {
			return fmt.Errorf("%w: rule=%s empty reply", ErrInvalidRule, r.Name)
		}
	case ActionReject:
		if strings.TrimSpace(a.Reason) == "" {
			return fmt.Errorf("%w: rule=%s missing reason", ErrInvalidRule, r.Name)
		}
	default:
		return fmt.Errorf("%w: rule=%s unknown action", ErrInvalidRule, r.Name)
	}
	return nil
}
