package executor

import (
	"strconv"

	"github.com/Conceptual-Machines/maestro-api/internal/errkind"
	"github.com/Conceptual-Machines/maestro-api/internal/models"
)

// Conservative defaults for missing subfields, applied at the tool boundary
// so downstream code never sees half-filled notes or events.
const (
	defaultPitch    = 60
	defaultVelocity = 100
	defaultDuration = 1.0
)

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getInt(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func hasKey(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

// pickFloat reads the first present key, tolerating camelCase and
// snake_case spellings side by side.
func pickFloat(m map[string]any, def float64, keys ...string) float64 {
	for _, key := range keys {
		if _, ok := m[key]; ok {
			return getFloat(m, key, def)
		}
	}
	return def
}

func pickInt(m map[string]any, def int, keys ...string) int {
	for _, key := range keys {
		if _, ok := m[key]; ok {
			return getInt(m, key, def)
		}
	}
	return def
}

func listOfMaps(v any) []map[string]any {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if entry, ok := item.(map[string]any); ok {
			out = append(out, entry)
		}
	}
	return out
}

// notesFromArgs validates and normalises a notes[] argument. Out-of-range
// pitches reject the whole call; missing subfields are backfilled.
func notesFromArgs(raw any) ([]models.Note, error) {
	items := listOfMaps(raw)
	if len(items) == 0 {
		return nil, errkind.New(errkind.Validation, "notes must be a non-empty array of note objects")
	}
	notes := make([]models.Note, 0, len(items))
	for i, m := range items {
		pitch := pickInt(m, defaultPitch, "pitch", "midiNoteNumber")
		if pitch < 0 || pitch > 127 {
			return nil, errkind.New(errkind.Validation, "notes[%d].pitch %d is outside [0,127]", i, pitch)
		}
		notes = append(notes, models.Note{
			Pitch:         pitch,
			StartBeat:     pickFloat(m, 0, "startBeat", "start_beat"),
			DurationBeats: pickFloat(m, defaultDuration, "durationBeats", "duration_beats"),
			Velocity:      pickInt(m, defaultVelocity, "velocity"),
			Channel:       pickInt(m, 0, "channel"),
		})
	}
	return notes, nil
}

func ccEventsFromArgs(raw any, cc int) []models.ControllerEvent {
	items := listOfMaps(raw)
	events := make([]models.ControllerEvent, 0, len(items))
	for _, m := range items {
		events = append(events, models.ControllerEvent{
			CC:    cc,
			Beat:  getFloat(m, "beat", 0),
			Value: getInt(m, "value", 0),
		})
	}
	return events
}

func bendEventsFromArgs(raw any) []models.PitchBendEvent {
	items := listOfMaps(raw)
	events := make([]models.PitchBendEvent, 0, len(items))
	for _, m := range items {
		events = append(events, models.PitchBendEvent{
			Beat:  getFloat(m, "beat", 0),
			Value: getInt(m, "value", 0),
		})
	}
	return events
}

func pointsFromArgs(raw any) []models.AutomationPoint {
	items := listOfMaps(raw)
	points := make([]models.AutomationPoint, 0, len(items))
	for _, m := range items {
		points = append(points, models.AutomationPoint{
			Beat:  getFloat(m, "beat", 0),
			Value: getFloat(m, "value", 0),
		})
	}
	return points
}
