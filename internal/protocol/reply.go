package protocol

import (
	"fmt"
	"strings"
)

const (
	AckToken     = "ok"
	ErrorToken   = "!!"
	BusyLine     = "echo:busy: processing"
	ActionPrefix = "//action:"
)

// HeaterReading is a current/target pair as the device displays it.
type HeaterReading struct {
	Current float64
	Target  float64
}

func Ack() string { return AckToken }

// AckWith decorates the positive acknowledgment with returned data.
func AckWith(data string) string {
	data = strings.TrimSpace(data)
	if data == "" {
		return AckToken
	}
	return AckToken + " " + data
}

func ErrorLine(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "error"
	}
	return ErrorToken + " " + reason
}

// IsTerminal reports whether line completes a reply.
func IsTerminal(line string) bool {
	return line == AckToken ||
		strings.HasPrefix(line, AckToken+" ") ||
		strings.HasPrefix(line, ErrorToken) ||
		line == BusyLine
}

// FormatTemperature renders the field-tagged temperature report,
// e.g. "T:210.0 /210.0 B:60.0 /60.0".
func FormatTemperature(extruder, bed HeaterReading) string {
	return fmt.Sprintf("T:%.1f /%.1f B:%.1f /%.1f",
		extruder.Current, extruder.Target, bed.Current, bed.Target)
}

func FormatPosition(x, y, z, e float64) string {
	return fmt.Sprintf("X:%.2f Y:%.2f Z:%.2f E:%.2f", x, y, z, e)
}

// HostAction renders a host action notification such as "//action:paused".
func HostAction(name string) string {
	return ActionPrefix + name
}
