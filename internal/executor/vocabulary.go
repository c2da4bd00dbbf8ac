package executor

import (
	"fmt"
	"strings"
)

// Tool names understood by the executor. The vocabulary is stable: clients,
// prompts and plan labels all key off these strings.
const (
	ToolSetTempo        = "set_tempo"
	ToolSetKey          = "set_key"
	ToolAddMidiTrack    = "add_midi_track"
	ToolAddMidiRegion   = "add_midi_region"
	ToolAddNotes        = "add_notes"
	ToolRemoveNotes     = "remove_notes"
	ToolGenerateMidi    = "generate_midi"
	ToolGenerateDrums   = "generate_drums"
	ToolAddInsertEffect = "add_insert_effect"
	ToolEnsureBus       = "ensure_bus"
	ToolAddSend         = "add_send"
	ToolSetTrackVolume  = "set_track_volume"
	ToolSetTrackPan     = "set_track_pan"
	ToolSetTrackMute    = "set_track_mute"
	ToolSetTrackSolo    = "set_track_solo"
	ToolSetTrackName    = "set_track_name"
	ToolSetTrackColor   = "set_track_color"
	ToolSetTrackIcon    = "set_track_icon"
	ToolAddMidiCC       = "add_midi_cc"
	ToolAddPitchBend    = "add_pitch_bend"
	ToolAddAutomation   = "add_automation"
	ToolDuplicateRegion = "duplicate_region"
)

var knownTools = map[string]bool{
	ToolSetTempo:        true,
	ToolSetKey:          true,
	ToolAddMidiTrack:    true,
	ToolAddMidiRegion:   true,
	ToolAddNotes:        true,
	ToolRemoveNotes:     true,
	ToolGenerateMidi:    true,
	ToolGenerateDrums:   true,
	ToolAddInsertEffect: true,
	ToolEnsureBus:       true,
	ToolAddSend:         true,
	ToolSetTrackVolume:  true,
	ToolSetTrackPan:     true,
	ToolSetTrackMute:    true,
	ToolSetTrackSolo:    true,
	ToolSetTrackName:    true,
	ToolSetTrackColor:   true,
	ToolSetTrackIcon:    true,
	ToolAddMidiCC:       true,
	ToolAddPitchBend:    true,
	ToolAddAutomation:   true,
	ToolDuplicateRegion: true,
}

// Tool allow-sets per agent layer. Instrument agents compose; the mixing
// coordinator only touches routing and levels; expressive refinement is
// limited to controller data.
var (
	InstrumentTools = []string{
		ToolAddMidiTrack, ToolAddMidiRegion, ToolGenerateMidi, ToolGenerateDrums,
		ToolAddNotes, ToolAddInsertEffect, ToolAddMidiCC, ToolAddPitchBend,
		ToolSetTrackName, ToolSetTrackColor, ToolSetTrackIcon,
	}
	MixingTools = []string{
		ToolEnsureBus, ToolAddSend, ToolSetTrackVolume, ToolSetTrackPan,
		ToolSetTrackMute, ToolSetTrackSolo, ToolAddAutomation,
	}
	ExpressiveTools = []string{ToolAddMidiCC, ToolAddPitchBend}
)

// AllowSet builds a membership set for Execute's allow-list check.
func AllowSet(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// IsGenerator reports whether the tool routes to the generator service.
func IsGenerator(name string) bool {
	return strings.HasPrefix(name, "generate_")
}

// toolLabel renders the human-readable label shared by a call's toolStart
// and toolCall events.
func toolLabel(name string, args map[string]any) string {
	switch name {
	case ToolSetTempo:
		return fmt.Sprintf("Setting tempo to %d BPM", getInt(args, "tempo", 0))
	case ToolSetKey:
		return fmt.Sprintf("Setting key to %s", getString(args, "key"))
	case ToolAddMidiTrack:
		return fmt.Sprintf("Creating track %q", getString(args, "name"))
	case ToolAddMidiRegion:
		if regionName := getString(args, "name"); regionName != "" {
			return fmt.Sprintf("Creating region %q", regionName)
		}
		return "Creating region"
	case ToolAddNotes:
		return "Adding notes"
	case ToolRemoveNotes:
		return "Removing notes"
	case ToolGenerateMidi, ToolGenerateDrums:
		role := getString(args, "role")
		if role == "" && name == ToolGenerateDrums {
			role = "drums"
		}
		return fmt.Sprintf("Generating %s (%d bars)", role, getInt(args, "bars", 0))
	case ToolAddInsertEffect:
		return fmt.Sprintf("Adding %s", getString(args, "type"))
	case ToolEnsureBus:
		return fmt.Sprintf("Creating bus %q", getString(args, "name"))
	case ToolAddSend:
		return fmt.Sprintf("Routing send to %q", getString(args, "busName"))
	case ToolSetTrackVolume:
		return "Setting volume"
	case ToolSetTrackPan:
		return "Setting pan"
	case ToolSetTrackMute:
		return "Setting mute"
	case ToolSetTrackSolo:
		return "Setting solo"
	case ToolSetTrackName:
		return fmt.Sprintf("Renaming track to %q", getString(args, "name"))
	case ToolSetTrackColor:
		return "Setting track color"
	case ToolSetTrackIcon:
		return "Setting track icon"
	case ToolAddMidiCC:
		return fmt.Sprintf("Adding CC %d curve", getInt(args, "cc", 0))
	case ToolAddPitchBend:
		return "Adding pitch bend"
	case ToolAddAutomation:
		return fmt.Sprintf("Automating %s", getString(args, "parameter"))
	case ToolDuplicateRegion:
		return "Duplicating region"
	default:
		return name
	}
}
