package protocol

import "testing"

func TestReplyFormatting(t *testing.T) {
	if got := AckWith(""); got != "ok" {
		t.Fatalf("unexpected bare ack: %q", got)
	}
	temp := FormatTemperature(HeaterReading{Current: 209.96, Target: 210}, HeaterReading{Current: 60, Target: 60})
	if temp != "T:210.0 /210.0 B:60.0 /60.0" {
		t.Fatalf("unexpected temperature line: %q", temp)
	}
	if got := AckWith(temp); got != "ok T:210.0 /210.0 B:60.0 /60.0" {
		t.Fatalf("unexpected decorated ack: %q", got)
	}
	if got := FormatPosition(1, 2.5, 0.2, -1); got != "X:1.00 Y:2.50 Z:0.20 E:-1.00" {
		t.Fatalf("unexpected position line: %q", got)
	}
	if got := ErrorLine(" no-backend-equivalent "); got != "!! no-backend-equivalent" {
		t.Fatalf("unexpected error line: %q", got)
	}
	if got := HostAction("paused"); got != "//action:paused" {
		t.Fatalf("unexpected action line: %q", got)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []string{"ok", "ok T:0.0 /0.0 B:0.0 /0.0", "!! path-traversal", BusyLine}
	for _, line := range terminal {
		if !IsTerminal(line) {
			t.Fatalf("expected terminal: %q", line)
		}
	}
	informational := []string{"FIRMWARE_NAME:Klipper", "X:1.00 Y:2.00 Z:0.00 E:0.00", "okay", "//action:paused"}
	for _, line := range informational {
		if IsTerminal(line) {
			t.Fatalf("expected informational: %q", line)
		}
	}
}
