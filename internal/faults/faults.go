// Package faults owns the bridge error taxonomy.
//
// Every failure that can reach the touchscreen is classified into one Kind so
// the reply path can pick its wording without knowing which component failed.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for reply selection and metrics.
type Kind int

const (
	KindNone Kind = iota
	KindValidationRejected
	KindTranslationRejected
	KindTransportUnavailable
	KindBackendCallFailed
	KindRateLimited
	KindDeadlineExceeded
)

var (
	ErrValidationRejected   = errors.New("bridge: validation rejected")
	ErrTranslationRejected  = errors.New("bridge: no backend equivalent")
	ErrTransportUnavailable = errors.New("bridge: transport unavailable")
	ErrBackendCallFailed    = errors.New("bridge: backend call failed")
	ErrRateLimited          = errors.New("bridge: rate limited")
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidationRejected:
		return "validation_rejected"
	case KindTranslationRejected:
		return "translation_rejected"
	case KindTransportUnavailable:
		return "transport_unavailable"
	case KindBackendCallFailed:
		return "backend_call_failed"
	case KindRateLimited:
		return "rate_limited"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	default:
		return "unknown"
	}
}

// ParseKind maps a config-file name back to a Kind.
func ParseKind(raw string) (Kind, bool) {
	for k := KindNone; k <= KindDeadlineExceeded; k++ {
		if k.String() == raw {
			return k, true
		}
	}
	return KindNone, false
}

// KindOf classifies err. A terminal backend failure keeps its kind even when
// its last attempt timed out; otherwise deadline expiry wins over the wrapped
// cause so a call abandoned mid-retry still answers busy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrBackendCallFailed):
		return KindBackendCallFailed
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadlineExceeded
	case errors.Is(err, ErrValidationRejected):
		return KindValidationRejected
	case errors.Is(err, ErrTranslationRejected):
		return KindTranslationRejected
	case errors.Is(err, ErrTransportUnavailable):
		return KindTransportUnavailable
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindBackendCallFailed
	}
}

// Reason carries a short device-facing reason alongside its kind.
type Reason struct {
	Kind Kind
	Code string
	Err  error
}

func (r *Reason) Error() string {
	if r.Err == nil {
		return r.Code
	}
	return fmt.Sprintf("%s: %v", r.Code, r.Err)
}

func (r *Reason) Unwrap() error {
	return r.Err
}

// Reject wraps sentinel with a reason code the device will see.
func Reject(sentinel error, code string) error {
	return &Reason{Kind: KindOf(sentinel), Code: code, Err: sentinel}
}

// ReasonCode extracts the device-facing code, falling back to the kind name.
func ReasonCode(err error) string {
	var r *Reason
	if errors.As(err, &r) && r.Code != "" {
		return r.Code
	}
	return KindOf(err).String()
}
