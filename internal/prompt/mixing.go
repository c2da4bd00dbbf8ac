package prompt

import (
	"fmt"
	"strings"
)

// MixTrack summarises one finished track for the mixing pass.
type MixTrack struct {
	TrackID   string
	Name      string
	Role      string
	NoteCount int
}

// MixingPromptBuilder builds the prompts for the single mixing call that runs
// after all instrument agents finish.
type MixingPromptBuilder struct {
	style  string
	tracks []MixTrack
	loader *Loader
}

// NewMixingPromptBuilder creates a prompt builder for the mixing pass
func NewMixingPromptBuilder(style string, tracks []MixTrack) *MixingPromptBuilder {
	return &MixingPromptBuilder{
		style:  style,
		tracks: tracks,
		loader: NewPromptLoader(),
	}
}

// BuildSystemPrompt builds the complete system prompt for the mixing call
func (b *MixingPromptBuilder) BuildSystemPrompt() (string, error) {
	heuristics, err := b.loader.GetMixingHeuristics()
	if err != nil {
		return "", err
	}
	sections := []string{
		b.getMixingInstructions(),
		heuristics,
	}
	return strings.Join(sections, "\n\n"), nil
}

// getMixingInstructions returns the allowed tools and batching rules
//
//nolint:lll
func (b *MixingPromptBuilder) getMixingInstructions() string {
	return fmt.Sprintf(`You are the mixing engineer for a finished %s composition. All tracks, regions and notes already exist - your ONLY job is balance and polish.

**ALLOWED TOOLS** (anything else is rejected):
- `+"`set_track_volume`"+` - volume is 0.0 to 1.0
- `+"`set_track_pan`"+` - pan is -1.0 (left) to 1.0 (right)
- `+"`set_track_mute`"+` / `+"`set_track_solo`"+`
- `+"`ensure_bus`"+` - create or reuse a named bus
- `+"`add_send`"+` - route a track to a bus by busName
- `+"`add_automation`"+` - breakpoint automation on a track parameter

**RULES**:
- Reference tracks by the literal trackId values from the inventory - never invent ids and never use $N references here.
- Call `+"`ensure_bus`"+` BEFORE any `+"`add_send`"+` that targets it.
- One volume and one pan call per track at most.
- Emit every call in a single batch, then reply with one short sentence describing the mix.`, b.style)
}

// BuildUserMessage builds the track inventory message for the mixing call
func (b *MixingPromptBuilder) BuildUserMessage() string {
	var sb strings.Builder
	sb.WriteString("Mix the finished composition. Track inventory:\n\n")
	sb.WriteString("| trackId | Track | Role | Notes |\n")
	sb.WriteString("|---------|-------|------|-------|\n")
	for _, t := range b.tracks {
		fmt.Fprintf(&sb, "| %s | %s | %s | %d |\n", t.TrackID, t.Name, t.Role, t.NoteCount)
	}
	sb.WriteString("\nBalance levels and stereo placement for the style, add at most two buses, and keep the batch small.")
	return sb.String()
}
