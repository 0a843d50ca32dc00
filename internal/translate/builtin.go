package translate

import "github.com/danmuck/tftbridge/internal/backend"

const (
	// VarVersion and VarFirmwareVersion are template variables supplied by
	// the caller for the firmware report.
	VarVersion         = "VERSION"
	VarFirmwareVersion = "FIRMWARE_VERSION"

	ReasonNoBackendEquivalent = "no-backend-equivalent"
)

const firmwareReport = "FIRMWARE_NAME:Klipper FIRMWARE_VERSION:{FIRMWARE_VERSION} PROTOCOL_VERSION:1.0 MACHINE_TYPE:TFT_Bridge BRIDGE_VERSION:{VERSION}\n" +
	"Cap:AUTOREPORT_TEMP:1\n" +
	"Cap:AUTOREPORT_POS:1\n" +
	"Cap:EEPROM:0\n" +
	"Cap:HOST_ACTION_COMMANDS:1\n" +
	"ok"

// Builtins returns the default rule table. Order matters: the first matching
// rule wins.
func Builtins() []Rule {
	return []Rule{
		// bed mesh
		{Name: "mesh-load", Verb: "M420", Match: []ParamMatch{{Key: "S", Value: "1"}},
			Action: Passthrough(backend.EndpointScript, "BED_MESH_PROFILE LOAD=default")},
		{Name: "mesh-clear", Verb: "M420", Match: []ParamMatch{{Key: "S", Value: "0"}},
			Action: Passthrough(backend.EndpointScript, "BED_MESH_CLEAR")},
		{Name: "mesh-calibrate", Verb: "G29",
			Action: Passthrough(backend.EndpointScript, "BED_MESH_CALIBRATE")},
		{Name: "mesh-point", Verb: "M421", Match: []ParamMatch{{Key: "I"}, {Key: "J"}, {Key: "Z"}},
			Action: Passthrough(backend.EndpointScript, "BED_MESH_CALIBRATE MESH_MIN={I},{J} MESH_MAX={I},{J}")},

		// PID tuning
		{Name: "pid-extruder", Verb: "M303", Match: []ParamMatch{{Key: "E", Value: "0"}, {Key: "C", Value: "8"}, {Key: "U", Value: "1"}},
			Action: Passthrough(backend.EndpointScript, "PID_CALIBRATE HEATER=extruder")},
		{Name: "pid-bed", Verb: "M303", Match: []ParamMatch{{Key: "E", Value: "-1"}, {Key: "C", Value: "8"}, {Key: "U", Value: "1"}},
			Action: Passthrough(backend.EndpointScript, "PID_CALIBRATE HEATER=heater_bed")},

		// probe
		{Name: "bltouch-deploy", Verb: "M280", Match: []ParamMatch{{Key: "P", Value: "0"}, {Key: "S", Value: "10"}},
			Action: Passthrough(backend.EndpointScript, "BLTOUCH_DEBUG COMMAND=pin_down")},
		{Name: "bltouch-stow", Verb: "M280", Match: []ParamMatch{{Key: "P", Value: "0"}, {Key: "S", Value: "90"}},
			Action: Passthrough(backend.EndpointScript, "BLTOUCH_DEBUG COMMAND=pin_up")},
		{Name: "bltouch-reset", Verb: "M280", Match: []ParamMatch{{Key: "P", Value: "0"}, {Key: "S", Value: "160"}},
			Action: Passthrough(backend.EndpointScript, "BLTOUCH_DEBUG COMMAND=reset")},
		{Name: "probe-calibrate", Verb: "M401",
			Action: Passthrough(backend.EndpointScript, "PROBE_CALIBRATE")},
		{Name: "probe-accuracy", Verb: "M48",
			Action: Passthrough(backend.EndpointScript, "PROBE_ACCURACY")},
		{Name: "probe-offset", Verb: "M851", Match: []ParamMatch{{Key: "Z"}},
			Action: Passthrough(backend.EndpointScript, "SET_GCODE_OFFSET Z={Z} MOVE=1")},

		// filament, user macro first then the bridge fallback
		{Name: "load-filament", Verb: "M701",
			Action: MacroCall(true, "LOAD_FILAMENT", "TFT_LOAD_FILAMENT")},
		{Name: "unload-filament", Verb: "M702",
			Action: MacroCall(true, "UNLOAD_FILAMENT", "TFT_UNLOAD_FILAMENT")},

		// settings live in printer.cfg, not device memory
		{Name: "save-settings", Verb: "M500",
			Action: Passthrough(backend.EndpointScript, "SAVE_CONFIG")},
		{Name: "report-settings", Verb: "M503",
			Action: LocalSynthetic("echo:Settings are stored in printer.cfg\nok")},
		{Name: "factory-reset", Verb: "M502",
			Action: Reject(ReasonNoBackendEquivalent)},
		{Name: "firmware-update", Verb: "M997",
			Action: Reject(ReasonNoBackendEquivalent)},

		// reports
		{Name: "firmware-info", Verb: "M115",
			Action: LocalSynthetic(firmwareReport)},
		{Name: "temperature-report", Verb: "M105",
			Action: Passthrough(backend.EndpointQueryTemperature, "")},
		{Name: "position-report", Verb: "M114",
			Action: Passthrough(backend.EndpointQueryPosition, "")},
		{Name: "autoreport-temperature", Verb: "M155",
			Action: Action{Kind: ActionLocalSynthetic, Template: "ok", Directive: DirectiveAutoReportTemperature}},
		{Name: "autoreport-position", Verb: "M154",
			Action: Action{Kind: ActionLocalSynthetic, Template: "ok", Directive: DirectiveAutoReportPosition}},

		// print control; M23/M24 stay G-code so the SD select-then-start
		// sequence reaches the backend unchanged
		{Name: "print-start", Verb: "M32", Match: []ParamMatch{{Key: "FILENAME"}},
			Action: Passthrough(backend.EndpointPrintStart, "{FILENAME}")},
		{Name: "print-pause", Verb: "M25",
			Action: Passthrough(backend.EndpointPrintPause, "")},
		{Name: "print-cancel", Verb: "M524",
			Action: Passthrough(backend.EndpointPrintCancel, "")},
	}
}
