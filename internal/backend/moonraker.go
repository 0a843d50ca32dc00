package backend

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	pathGcodeScript  = "/printer/gcode/script"
	pathObjectsQuery = "/printer/objects/query"
	pathPrinterInfo  = "/printer/info"
	pathPrintStart   = "/printer/print/start"
	pathPrintPause   = "/printer/print/pause"
	pathPrintResume  = "/printer/print/resume"
	pathPrintCancel  = "/printer/print/cancel"
	pathWebsocket    = "/websocket"

	macroPrefix = "gcode_macro "
)

// subscribedObjects is the object/field set requested for telemetry.
var subscribedObjects = map[string][]string{
	"extruder":       {"temperature", "target"},
	"heater_bed":     {"temperature", "target"},
	"toolhead":       {"position"},
	"print_stats":    {"state", "filename"},
	"display_status": {"progress"},
}

type scriptBody struct {
	Script string `json:"script"`
}

type printStartBody struct {
	Filename string `json:"filename"`
}

type errorEnvelope struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type resultEnvelope struct {
	Result json.RawMessage `json:"result"`
}

type queryResult struct {
	Status rawStatus `json:"status"`
}

type heaterStatus struct {
	Temperature *float64 `json:"temperature"`
	Target      *float64 `json:"target"`
}

type rawStatus struct {
	Extruder  *heaterStatus `json:"extruder"`
	HeaterBed *heaterStatus `json:"heater_bed"`
	Toolhead  *struct {
		Position []float64 `json:"position"`
	} `json:"toolhead"`
	PrintStats *struct {
		State    *string `json:"state"`
		Filename *string `json:"filename"`
	} `json:"print_stats"`
	DisplayStatus *struct {
		Progress *float64 `json:"progress"`
	} `json:"display_status"`
	Configfile *struct {
		Settings map[string]json.RawMessage `json:"settings"`
	} `json:"configfile"`
}

type printerInfo struct {
	State        string `json:"state"`
	StateMessage string `json:"state_message"`
	Hostname     string `json:"hostname"`
}

// changes records which sample kinds a merge touched.
type changes struct {
	temperature bool
	position    bool
	printState  bool
}

// merge applies a full or partial status onto st. Absent fields keep their
// previous values.
func (st *Status) merge(raw rawStatus) changes {
	var ch changes
	if h := raw.Extruder; h != nil {
		if h.Temperature != nil {
			st.Extruder.Current = *h.Temperature
		}
		if h.Target != nil {
			st.Extruder.Target = *h.Target
		}
		st.HasHeaters = true
		ch.temperature = true
	}
	if h := raw.HeaterBed; h != nil {
		if h.Temperature != nil {
			st.Bed.Current = *h.Temperature
		}
		if h.Target != nil {
			st.Bed.Target = *h.Target
		}
		st.HasHeaters = true
		ch.temperature = true
	}
	if th := raw.Toolhead; th != nil && len(th.Position) >= 3 {
		st.Position.X = th.Position[0]
		st.Position.Y = th.Position[1]
		st.Position.Z = th.Position[2]
		if len(th.Position) >= 4 {
			st.Position.E = th.Position[3]
		}
		st.HasPosition = true
		ch.position = true
	}
	if ps := raw.PrintStats; ps != nil {
		if ps.State != nil && *ps.State != st.PrintState {
			st.PrintState = *ps.State
			ch.printState = true
		}
		if ps.Filename != nil {
			st.Filename = *ps.Filename
		}
	}
	if ds := raw.DisplayStatus; ds != nil && ds.Progress != nil {
		st.Progress = *ds.Progress
	}
	return ch
}

func decodeResult(body []byte, out any) error {
	var env resultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if len(env.Result) == 0 {
		return fmt.Errorf("%w: missing result", ErrMalformedReply)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return nil
}

// macroNames extracts gcode_macro section names from configfile settings.
func macroNames(settings map[string]json.RawMessage) []string {
	var out []string
	for key := range settings {
		if !strings.HasPrefix(key, macroPrefix) {
			continue
		}
		name := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(key, macroPrefix)))
		if name != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func queryString(objects ...string) string {
	return strings.Join(objects, "&")
}
