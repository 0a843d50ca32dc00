package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfClassifiesWrappedSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{fmt.Errorf("%w: line too long", ErrValidationRejected), KindValidationRejected},
		{Reject(ErrTranslationRejected, "no-backend-equivalent"), KindTranslationRejected},
		{fmt.Errorf("serial: %w", ErrTransportUnavailable), KindTransportUnavailable},
		{ErrRateLimited, KindRateLimited},
		{fmt.Errorf("%w: attempts=5", ErrBackendCallFailed), KindBackendCallFailed},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), KindDeadlineExceeded},
		{errors.New("something odd"), KindBackendCallFailed},
	}
	for i, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("case %d: got=%v want=%v", i, got, tc.want)
		}
	}
}

func TestDeadlineWinsOverTransportCause(t *testing.T) {
	err := errors.Join(ErrTransportUnavailable, context.DeadlineExceeded)
	if got := KindOf(err); got != KindDeadlineExceeded {
		t.Fatalf("unexpected kind: %v", got)
	}
}

func TestExhaustedRetriesKeepCallFailedKind(t *testing.T) {
	last := fmt.Errorf("attempt: %w", context.DeadlineExceeded)
	err := fmt.Errorf("%w: attempts=2: %w", ErrBackendCallFailed, last)
	if got := KindOf(err); got != KindBackendCallFailed {
		t.Fatalf("unexpected kind: %v", got)
	}
}

func TestReasonCode(t *testing.T) {
	err := fmt.Errorf("translate: %w", Reject(ErrTranslationRejected, "no-backend-equivalent"))
	if got := ReasonCode(err); got != "no-backend-equivalent" {
		t.Fatalf("unexpected code: %q", got)
	}
	if got := ReasonCode(ErrRateLimited); got != "rate_limited" {
		t.Fatalf("unexpected fallback code: %q", got)
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := KindNone; k <= KindDeadlineExceeded; k++ {
		got, ok := ParseKind(k.String())
		if !ok || got != k {
			t.Fatalf("kind %v did not round trip", k)
		}
	}
	if _, ok := ParseKind("nope"); ok {
		t.Fatalf("expected unknown kind")
	}
}
