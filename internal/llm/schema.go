package llm

import "log"

const (
	// MIDI note number constraints
	midiNoteNumberMin = 0
	midiNoteNumberMax = 127

	// Velocity constraints
	velocityMin     = 1
	velocityMax     = 127
	velocityDefault = 100

	// Controller constraints
	ccNumberMin = 0
	ccNumberMax = 127

	// Pitch bend range (14-bit signed)
	pitchBendMin = -8192
	pitchBendMax = 8191

	// Duration constraints
	durationBeatsMin = 0.01

	// Tempo constraints
	tempoMin = 20
	tempoMax = 300
)

// ToolDefs returns definitions for the named tools, in the caller's order.
// Unknown names are skipped with a warning so an allow-set and the catalog
// can evolve independently.
func ToolDefs(names ...string) []ToolDef {
	defs := make([]ToolDef, 0, len(names))
	for _, name := range names {
		def, ok := toolCatalog[name]
		if !ok {
			log.Printf("⚠️  No tool definition for %q, skipping", name)
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// objectSchema builds a JSON Schema object definition
func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// withTrackRef adds the trackId/trackName reference pair to a property set
func withTrackRef(properties map[string]any) map[string]any {
	properties["trackId"] = map[string]any{
		"type":        "string",
		"description": "Track id from an earlier result. Accepts $N.trackId references.",
	}
	properties["trackName"] = map[string]any{
		"type":        "string",
		"description": "Track name, matched case-insensitively when trackId is absent.",
	}
	return properties
}

// withRegionRef adds the regionId/regionName reference pair to a property set
func withRegionRef(properties map[string]any) map[string]any {
	properties["regionId"] = map[string]any{
		"type":        "string",
		"description": "Region id from an earlier result. Accepts $N.regionId references.",
	}
	properties["regionName"] = map[string]any{
		"type":        "string",
		"description": "Region name, matched case-insensitively when regionId is absent.",
	}
	return properties
}

// noteItemSchema describes one MIDI note in an add_notes payload
func noteItemSchema() map[string]any {
	return objectSchema(map[string]any{
		"pitch":         map[string]any{"type": "integer", "minimum": midiNoteNumberMin, "maximum": midiNoteNumberMax},
		"startBeat":     map[string]any{"type": "number", "minimum": 0},
		"durationBeats": map[string]any{"type": "number", "minimum": durationBeatsMin},
		"velocity":      map[string]any{"type": "integer", "minimum": velocityMin, "maximum": velocityMax, "default": velocityDefault},
		"channel":       map[string]any{"type": "integer", "minimum": 0, "maximum": 15},
	}, "pitch", "startBeat", "durationBeats", "velocity")
}

// beatValueItemSchema describes one timed event with an integer value range
func beatValueItemSchema(minValue, maxValue int) map[string]any {
	return objectSchema(map[string]any{
		"beat":  map[string]any{"type": "number", "minimum": 0},
		"value": map[string]any{"type": "integer", "minimum": minValue, "maximum": maxValue},
	}, "beat", "value")
}

// generatorSchema describes the shared generate_* parameter set
func generatorSchema(requireRole bool) map[string]any {
	properties := withTrackRef(withRegionRef(map[string]any{
		"role": map[string]any{
			"type":        "string",
			"description": "Instrument role to generate for (drums, bass, keys, lead, pads...).",
		},
		"bars": map[string]any{
			"type":        "integer",
			"minimum":     1,
			"description": "Length of the material in bars.",
		},
		"style":  map[string]any{"type": "string", "description": "Style hint passed to the generator."},
		"key":    map[string]any{"type": "string", "description": "Key override; composition key is used when omitted."},
		"tempo":  map[string]any{"type": "integer", "minimum": tempoMin, "maximum": tempoMax},
		"prompt": map[string]any{"type": "string", "description": "Free-form musical goals for this part."},
	}))
	if requireRole {
		return objectSchema(properties, "role", "bars")
	}
	return objectSchema(properties, "bars")
}

// toolCatalog holds the LLM-facing definition of every tool in the
// vocabulary. Agents select a subset matching their allow-set.
var toolCatalog = map[string]ToolDef{
	"set_tempo": {
		Name:        "set_tempo",
		Description: "Set the composition tempo in BPM.",
		Parameters: objectSchema(map[string]any{
			"tempo": map[string]any{"type": "integer", "minimum": tempoMin, "maximum": tempoMax},
		}, "tempo"),
	},
	"set_key": {
		Name:        "set_key",
		Description: "Set the composition key, e.g. 'C minor'.",
		Parameters: objectSchema(map[string]any{
			"key": map[string]any{"type": "string"},
		}, "key"),
	},
	"add_midi_track": {
		Name:        "add_midi_track",
		Description: "Create a MIDI track. Reuses an existing track when the name already exists.",
		Parameters: objectSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Track name, e.g. 'Drums'."},
		}, "name"),
	},
	"add_midi_region": {
		Name:        "add_midi_region",
		Description: "Create an empty MIDI region on a track. Either trackId or trackName is required.",
		Parameters: objectSchema(withTrackRef(map[string]any{
			"name":          map[string]any{"type": "string", "description": "Region name, usually the section name."},
			"startBeat":     map[string]any{"type": "number", "minimum": 0},
			"durationBeats": map[string]any{"type": "number", "minimum": durationBeatsMin},
		}), "startBeat", "durationBeats"),
	},
	"add_notes": {
		Name:        "add_notes",
		Description: "Add MIDI notes to a region. Either regionId or regionName is required.",
		Parameters: objectSchema(withRegionRef(map[string]any{
			"notes": map[string]any{"type": "array", "items": noteItemSchema(), "minItems": 1},
		}), "notes"),
	},
	"remove_notes": {
		Name:        "remove_notes",
		Description: "Remove notes from a region by pitch and/or start beat. At least one criterion is required.",
		Parameters: objectSchema(withRegionRef(map[string]any{
			"pitch":     map[string]any{"type": "integer", "minimum": midiNoteNumberMin, "maximum": midiNoteNumberMax},
			"startBeat": map[string]any{"type": "number", "minimum": 0},
		})),
	},
	"generate_midi": {
		Name:        "generate_midi",
		Description: "Generate musical material for a role into a region. Targets the given region, or the latest region on the given track.",
		Parameters:  generatorSchema(true),
	},
	"generate_drums": {
		Name:        "generate_drums",
		Description: "Generate a drum performance into a region. Role defaults to 'drums'.",
		Parameters:  generatorSchema(false),
	},
	"add_insert_effect": {
		Name:        "add_insert_effect",
		Description: "Add an insert effect to a track, e.g. 'compressor', 'reverb'.",
		Parameters: objectSchema(withTrackRef(map[string]any{
			"type": map[string]any{"type": "string", "description": "Effect type identifier."},
		}), "type"),
	},
	"ensure_bus": {
		Name:        "ensure_bus",
		Description: "Create a mix bus if it does not already exist. Idempotent by name.",
		Parameters: objectSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Bus name, e.g. 'Reverb Bus'."},
		}, "name"),
	},
	"add_send": {
		Name:        "add_send",
		Description: "Route a send from a track to a bus, creating the bus if needed.",
		Parameters: objectSchema(withTrackRef(map[string]any{
			"busName": map[string]any{"type": "string"},
		}), "busName"),
	},
	"set_track_volume": {
		Name:        "set_track_volume",
		Description: "Set a track's volume.",
		Parameters: objectSchema(withTrackRef(map[string]any{
			"volume": map[string]any{"type": "number", "minimum": 0, "maximum": 1, "description": "Linear volume from 0.0 to 1.0."},
		}), "volume"),
	},
	"set_track_pan": {
		Name:        "set_track_pan",
		Description: "Set a track's stereo pan.",
		Parameters: objectSchema(withTrackRef(map[string]any{
			"pan": map[string]any{"type": "number", "minimum": -1, "maximum": 1, "description": "-1.0 full left to 1.0 full right."},
		}), "pan"),
	},
	"set_track_mute": {
		Name:        "set_track_mute",
		Description: "Mute or unmute a track.",
		Parameters: objectSchema(withTrackRef(map[string]any{
			"mute": map[string]any{"type": "boolean", "default": true},
		})),
	},
	"set_track_solo": {
		Name:        "set_track_solo",
		Description: "Solo or unsolo a track.",
		Parameters: objectSchema(withTrackRef(map[string]any{
			"solo": map[string]any{"type": "boolean", "default": true},
		})),
	},
	"set_track_name": {
		Name:        "set_track_name",
		Description: "Rename a track.",
		Parameters: objectSchema(withTrackRef(map[string]any{
			"name": map[string]any{"type": "string"},
		}), "name"),
	},
	"set_track_color": {
		Name:        "set_track_color",
		Description: "Set a track's display colour.",
		Parameters: objectSchema(withTrackRef(map[string]any{
			"color": map[string]any{"type": "string", "description": "Hex colour, e.g. '#FF6B6B'."},
		}), "color"),
	},
	"set_track_icon": {
		Name:        "set_track_icon",
		Description: "Set a track's display icon.",
		Parameters: objectSchema(withTrackRef(map[string]any{
			"icon": map[string]any{"type": "string"},
		}), "icon"),
	},
	"add_midi_cc": {
		Name:        "add_midi_cc",
		Description: "Add a MIDI controller curve to a region, e.g. CC 74 filter sweeps or CC 64 sustain pedal.",
		Parameters: objectSchema(withRegionRef(map[string]any{
			"cc":     map[string]any{"type": "integer", "minimum": ccNumberMin, "maximum": ccNumberMax},
			"events": map[string]any{"type": "array", "items": beatValueItemSchema(0, 127), "minItems": 1},
		}), "cc", "events"),
	},
	"add_pitch_bend": {
		Name:        "add_pitch_bend",
		Description: "Add pitch bend events to a region.",
		Parameters: objectSchema(withRegionRef(map[string]any{
			"events": map[string]any{"type": "array", "items": beatValueItemSchema(pitchBendMin, pitchBendMax), "minItems": 1},
		}), "events"),
	},
	"add_automation": {
		Name:        "add_automation",
		Description: "Add an automation lane to a track parameter, e.g. volume or pan over time.",
		Parameters: objectSchema(withTrackRef(map[string]any{
			"parameter": map[string]any{"type": "string", "description": "Automated parameter name."},
			"points": map[string]any{
				"type": "array",
				"items": objectSchema(map[string]any{
					"beat":  map[string]any{"type": "number", "minimum": 0},
					"value": map[string]any{"type": "number"},
				}, "beat", "value"),
				"minItems": 1,
			},
		}), "parameter", "points"),
	},
	"duplicate_region": {
		Name:        "duplicate_region",
		Description: "Copy a region and its contents to a new start beat on the same track.",
		Parameters: objectSchema(withRegionRef(map[string]any{
			"startBeat": map[string]any{"type": "number", "minimum": 0},
		}), "startBeat"),
	},
}
