package translate

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/tftbridge/internal/backend"
	"github.com/danmuck/tftbridge/internal/faults"
	"github.com/danmuck/tftbridge/internal/protocol"
	"github.com/danmuck/tftbridge/internal/version"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultRuleName labels the fallback opaque passthrough.
	DefaultRuleName = "default"
	// DefaultFirmwareVersion is the Klipper version reported by M115.
	DefaultFirmwareVersion = "v0.11.0"
)

// Resolver is the read-only view of the macro cache.
type Resolver interface {
	Resolve(candidates []string) (string, bool)
	Ready() bool
}

type OutcomeKind int

const (
	OutcomeCall OutcomeKind = iota + 1
	OutcomeReply
	OutcomeReject
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCall:
		return "call"
	case OutcomeReply:
		return "reply"
	case OutcomeReject:
		return "reject"
	default:
		return "unknown"
	}
}

// AutoReport asks the synthesizer to change unsolicited reporting.
type AutoReport struct {
	Kind    backend.SampleKind
	Enabled bool
	// Interval zero keeps the configured default.
	Interval time.Duration
}

// Outcome is the result of translating one command.
type Outcome struct {
	Kind    OutcomeKind
	Rule    string
	Command protocol.Command

	Request    backend.Request
	Lines      []string
	AutoReport *AutoReport
	Err        error
}

type Config struct {
	// Rules are matched before the built-in table.
	Rules []Rule
	// DisableBuiltins leaves only Rules and the default passthrough.
	DisableBuiltins bool
	// Vars are substituted into templates after command parameters.
	Vars map[string]string
}

// Translator owns the rule table. The table is fixed after New.
type Translator struct {
	rules  []Rule
	macros Resolver
	vars   map[string]string

	rejectedVerbs sync.Map
}

func New(cfg Config, macros Resolver) (*Translator, error) {
	rules := make([]Rule, 0, len(cfg.Rules)+32)
	rules = append(rules, cfg.Rules...)
	if !cfg.DisableBuiltins {
		rules = append(rules, Builtins()...)
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	vars := map[string]string{
		VarVersion:         version.Version,
		VarFirmwareVersion: DefaultFirmwareVersion,
	}
	for k, v := range cfg.Vars {
		vars[strings.ToUpper(k)] = v
	}
	return &Translator{rules: rules, macros: macros, vars: vars}, nil
}

// Rules returns the table in match order.
func (t *Translator) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Translate maps cmd to exactly one outcome. It performs no I/O.
func (t *Translator) Translate(cmd protocol.Command) Outcome {
	rule, ok := t.match(cmd)
	if !ok {
		return Outcome{
			Kind:    OutcomeCall,
			Rule:    DefaultRuleName,
			Command: cmd,
			Request: backend.Request{Endpoint: backend.EndpointScript, Script: cmd.Text()},
		}
	}

	switch rule.Action.Kind {
	case ActionPassthrough:
		return t.passthrough(rule, cmd)
	case ActionMacroCall:
		return t.macroCall(rule, cmd)
	case ActionLocalSynthetic:
		return t.localReply(rule, cmd)
	default:
		return t.reject(rule.Name, cmd, faults.Reject(faults.ErrTranslationRejected, rule.Action.Reason))
	}
}

func (t *Translator) match(cmd protocol.Command) (Rule, bool) {
	for _, r := range t.rules {
		if r.Matches(cmd) {
			return r, true
		}
	}
	return Rule{}, false
}

func (t *Translator) passthrough(rule Rule, cmd protocol.Command) Outcome {
	req := backend.Request{Endpoint: rule.Action.Endpoint}
	switch req.Endpoint {
	case backend.EndpointScript:
		req.Script = cmd.Text()
		if rule.Action.Template != "" {
			script, err := t.render(rule.Action.Template, cmd)
			if err != nil {
				return t.reject(rule.Name, cmd, faults.Reject(faults.ErrTranslationRejected, "missing-argument"))
			}
			req.Script = script
		}
	case backend.EndpointPrintStart:
		name, err := t.render(rule.Action.Template, cmd)
		if err != nil || strings.TrimSpace(name) == "" {
			return t.reject(rule.Name, cmd, faults.Reject(faults.ErrTranslationRejected, "missing-argument"))
		}
		req.Filename = name
	}
	return Outcome{Kind: OutcomeCall, Rule: rule.Name, Command: cmd, Request: req}
}

func (t *Translator) macroCall(rule Rule, cmd protocol.Command) Outcome {
	if t.macros == nil || !t.macros.Ready() {
		// nothing known about the backend yet, fail closed as busy
		return Outcome{
			Kind:    OutcomeReject,
			Rule:    rule.Name,
			Command: cmd,
			Err:     faults.Reject(faults.ErrTransportUnavailable, "macros-unavailable"),
		}
	}
	name, ok := t.macros.Resolve(rule.Action.Candidates)
	if !ok {
		return t.reject(rule.Name, cmd, faults.Reject(faults.ErrTranslationRejected, ReasonNoBackendEquivalent))
	}

	var b strings.Builder
	b.WriteString(name)
	if rule.Action.ForwardParams {
		for _, p := range cmd.Params() {
			if p.Value == "" {
				continue
			}
			fmt.Fprintf(&b, " %s=%s", p.Key, p.Value)
		}
	}
	return Outcome{
		Kind:    OutcomeCall,
		Rule:    rule.Name,
		Command: cmd,
		Request: backend.Request{Endpoint: backend.EndpointScript, Script: b.String()},
	}
}

func (t *Translator) localReply(rule Rule, cmd protocol.Command) Outcome {
	out := Outcome{Kind: OutcomeReply, Rule: rule.Name, Command: cmd}
	if rule.Action.Template != "" {
		text, err := t.render(rule.Action.Template, cmd)
		if err != nil {
			return t.reject(rule.Name, cmd, faults.Reject(faults.ErrTranslationRejected, "missing-argument"))
		}
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimRight(line, "\r "); line != "" {
				out.Lines = append(out.Lines, line)
			}
		}
	}

	var kind backend.SampleKind
	switch rule.Action.Directive {
	case DirectiveAutoReportTemperature:
		kind = backend.SampleTemperature
	case DirectiveAutoReportPosition:
		kind = backend.SamplePosition
	default:
		return out
	}
	ar := &AutoReport{Kind: kind, Enabled: true}
	if raw, ok := cmd.Param("S"); ok && raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 {
			return t.reject(rule.Name, cmd, faults.Reject(faults.ErrTranslationRejected, "invalid-argument"))
		}
		ar.Enabled = secs > 0
		ar.Interval = time.Duration(secs * float64(time.Second))
	}
	out.AutoReport = ar
	return out
}

func (t *Translator) reject(rule string, cmd protocol.Command, err error) Outcome {
	if faults.KindOf(err) == faults.KindTranslationRejected {
		if _, seen := t.rejectedVerbs.LoadOrStore(cmd.Verb(), struct{}{}); !seen {
			log.Warn().Msgf("translate.Translator.Translate verb=%s rule=%s reason=%s", cmd.Verb(), rule, faults.ReasonCode(err))
		}
	}
	return Outcome{Kind: OutcomeReject, Rule: rule, Command: cmd, Err: err}
}

// render substitutes {NAME} placeholders from the command parameters, then
// Vars, then VERB and TEXT. An unknown placeholder is ErrMissingArgument.
func (t *Translator) render(tmpl string, cmd protocol.Command) (string, error) {
	var b strings.Builder
	for {
		start := strings.IndexByte(tmpl, '{')
		if start < 0 {
			b.WriteString(tmpl)
			return b.String(), nil
		}
		end := strings.IndexByte(tmpl[start:], '}')
		if end < 0 {
			b.WriteString(tmpl)
			return b.String(), nil
		}
		end += start
		b.WriteString(tmpl[:start])
		name := strings.ToUpper(tmpl[start+1 : end])
		value, ok := t.lookup(name, cmd)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingArgument, name)
		}
		b.WriteString(value)
		tmpl = tmpl[end+1:]
	}
}

func (t *Translator) lookup(name string, cmd protocol.Command) (string, bool) {
	if v, ok := cmd.Param(name); ok {
		// a bare flag cannot fill a value slot
		return v, v != ""
	}
	if v, ok := t.vars[name]; ok {
		return v, true
	}
	switch name {
	case "VERB":
		return cmd.Verb(), true
	case "TEXT":
		return cmd.Text(), true
	}
	return "", false
}
