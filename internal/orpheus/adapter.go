package orpheus

import "github.com/Conceptual-Machines/maestro-api/internal/models"

// Service-side tool names that pack musical data. Anything else passes
// through untouched in ToolCalls.
const (
	toolAddNotes      = "addNotes"
	toolAddMidiCC     = "addMidiCC"
	toolAddPitchBend  = "addPitchBend"
	toolAddAftertouch = "addAftertouch"
)

type rawResult struct {
	Success    bool                     `json:"success"`
	Notes      []models.Note            `json:"notes,omitempty"`
	CCEvents   []models.ControllerEvent `json:"cc_events,omitempty"`
	PitchBends []models.PitchBendEvent  `json:"pitch_bends,omitempty"`
	Aftertouch []models.AftertouchEvent `json:"aftertouch,omitempty"`
	ToolCalls  []ToolCall               `json:"tool_calls,omitempty"`
	Metadata   map[string]any           `json:"metadata,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// adaptResult flattens a service response. Some deployments return musical
// data inside DAW-style tool calls instead of (or alongside) the flat
// lists; both shapes end up in the same typed fields here.
func adaptResult(raw *rawResult) *GenerationResult {
	result := &GenerationResult{
		Success:    raw.Success,
		Notes:      append([]models.Note(nil), raw.Notes...),
		CCEvents:   append([]models.ControllerEvent(nil), raw.CCEvents...),
		PitchBends: append([]models.PitchBendEvent(nil), raw.PitchBends...),
		Aftertouch: append([]models.AftertouchEvent(nil), raw.Aftertouch...),
		Metadata:   raw.Metadata,
		Error:      raw.Error,
	}
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}

	for _, call := range raw.ToolCalls {
		switch call.Name {
		case toolAddNotes:
			for _, item := range listArg(call.Args, "notes") {
				result.Notes = append(result.Notes, noteFromMap(item))
			}
		case toolAddMidiCC:
			cc, _ := getInt(call.Args, "cc", 1)
			for _, item := range listArg(call.Args, "events") {
				beat, _ := getFloat(item, "beat", 0)
				value, _ := getInt(item, "value", 0)
				result.CCEvents = append(result.CCEvents, models.ControllerEvent{CC: cc, Beat: beat, Value: value})
			}
		case toolAddPitchBend:
			for _, item := range listArg(call.Args, "events") {
				beat, _ := getFloat(item, "beat", 0)
				value, _ := getInt(item, "value", 0)
				result.PitchBends = append(result.PitchBends, models.PitchBendEvent{Beat: beat, Value: value})
			}
		case toolAddAftertouch:
			for _, item := range listArg(call.Args, "events") {
				beat, _ := getFloat(item, "beat", 0)
				value, _ := getInt(item, "value", 0)
				ev := models.AftertouchEvent{Beat: beat, Value: value}
				if pitch, ok := getInt(item, "pitch", 0); ok {
					p := pitch
					ev.Pitch = &p
				}
				result.Aftertouch = append(result.Aftertouch, ev)
			}
		default:
			result.ToolCalls = append(result.ToolCalls, call)
		}
	}
	return result
}

// noteFromMap accepts both camelCase and snake_case field spellings.
func noteFromMap(m map[string]any) models.Note {
	pitch, ok := getInt(m, "pitch", 60)
	if !ok {
		pitch, _ = getInt(m, "midiNoteNumber", 60)
	}
	start, ok := getFloat(m, "startBeat", 0)
	if !ok {
		start, _ = getFloat(m, "start_beat", 0)
	}
	duration, ok := getFloat(m, "durationBeats", 1)
	if !ok {
		duration, _ = getFloat(m, "duration_beats", 1)
	}
	velocity, _ := getInt(m, "velocity", 100)
	channel, _ := getInt(m, "channel", 0)
	return models.Note{
		Pitch:         pitch,
		StartBeat:     start,
		DurationBeats: duration,
		Velocity:      velocity,
		Channel:       channel,
	}
}

func listArg(m map[string]any, key string) []map[string]any {
	raw, ok := m[key].([]any)
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

func getFloat(m map[string]any, key string, defaultValue float64) (float64, bool) {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case float64:
			return val, true
		case int:
			return float64(val), true
		case int64:
			return float64(val), true
		}
	}
	return defaultValue, false
}

func getInt(m map[string]any, key string, defaultValue int) (int, bool) {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case int:
			return val, true
		case int64:
			return int(val), true
		case float64:
			return int(val), true
		}
	}
	return defaultValue, false
}
