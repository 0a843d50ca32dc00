package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/tftbridge/internal/faults"
)

var (
	ErrHostRequired    = errors.New("backend: host required")
	ErrInvalidPort     = errors.New("backend: invalid port")
	ErrMalformedReply  = errors.New("backend: malformed reply")
	ErrUnknownEndpoint = errors.New("backend: unknown endpoint")
)

// maxReasonLen bounds the backend message echoed to the device.
const maxReasonLen = 96

// APIError is a non-2xx reply from the backend.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: http status %d", e.Status)
	}
	return fmt.Sprintf("backend: http status %d: %s", e.Status, e.Message)
}

// Retryable reports whether the status indicates a transient transport
// condition rather than a rejected command.
func (e *APIError) Retryable() bool {
	switch e.Status {
	case 408, 429, 502, 503, 504:
		return true
	default:
		return false
	}
}

// callFailed tags err as a terminal backend failure. Backend messages become
// the device-facing reason.
func callFailed(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return &faults.Reason{
			Kind: faults.KindBackendCallFailed,
			Code: deviceReason(apiErr.Message),
			Err:  fmt.Errorf("%w: %w", faults.ErrBackendCallFailed, err),
		}
	}
	return fmt.Errorf("%w: %w", faults.ErrBackendCallFailed, err)
}

func deviceReason(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	var b strings.Builder
	for i := 0; i < len(msg) && b.Len() < maxReasonLen; i++ {
		c := msg[i]
		if c < 0x20 || c >= 0x7f {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
