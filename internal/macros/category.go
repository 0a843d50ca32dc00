package macros

import "sort"

// Category groups macro names for display.
type Category struct {
	Name   string
	Macros []string
}

const customCategory = "Custom"

var knownCategories = []Category{
	{Name: "Filament", Macros: []string{"LOAD_FILAMENT", "UNLOAD_FILAMENT", "CHANGE_FILAMENT"}},
	{Name: "Print Control", Macros: []string{"PAUSE", "RESUME", "CANCEL_PRINT", "START_PRINT", "END_PRINT"}},
	{Name: "Bed Leveling", Macros: []string{"BED_MESH_CALIBRATE", "BED_MESH_LOAD", "BED_MESH_SAVE", "Z_TILT_ADJUST", "SCREWS_TILT_CALCULATE"}},
	{Name: "Probe/BLTouch", Macros: []string{"PROBE_CALIBRATE", "PROBE_ACCURACY", "BLTOUCH_DEBUG", "BLTOUCH_STORE"}},
	{Name: "Maintenance", Macros: []string{"CLEAN_NOZZLE", "PURGE_NOZZLE", "HEAT_SOAK", "PARK"}},
}

// Categorize sorts the snapshot into the display categories. Names outside
// the known lists land in Custom. Empty categories are omitted.
func Categorize(snap *Snapshot) []Category {
	remaining := make(map[string]struct{}, snap.Len())
	for _, name := range snap.Names() {
		remaining[name] = struct{}{}
	}

	var out []Category
	for _, cat := range knownCategories {
		var found []string
		for _, name := range cat.Macros {
			if _, ok := remaining[name]; ok {
				found = append(found, name)
				delete(remaining, name)
			}
		}
		if len(found) > 0 {
			out = append(out, Category{Name: cat.Name, Macros: found})
		}
	}
	if len(remaining) > 0 {
		custom := make([]string, 0, len(remaining))
		for name := range remaining {
			custom = append(custom, name)
		}
		sort.Strings(custom)
		out = append(out, Category{Name: customCategory, Macros: custom})
	}
	return out
}
