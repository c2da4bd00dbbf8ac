package prompt

import (
	"fmt"
	"strings"
)

// expressiveDirectiveMarkers are the raw-prompt tokens that opt a section into
// the post-generation expressive pass.
var expressiveDirectiveMarkers = []string{
	"MidiExpressiveness",
	"Automation",
	"cc_curves",
	"pitch_bend",
	"sustain_pedal",
}

// ExpressiveDirectives scans the raw prompt text and returns the expressive
// markers it contains, in catalogue order. Matching is case-insensitive. An
// empty result means the section skips the expressive pass entirely.
func ExpressiveDirectives(raw string) []string {
	if raw == "" {
		return nil
	}
	lower := strings.ToLower(raw)
	var found []string
	for _, marker := range expressiveDirectiveMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			found = append(found, marker)
		}
	}
	return found
}

// ExpressivePromptBuilder builds the prompts for the small refinement call a
// section child runs after its notes are generated.
type ExpressivePromptBuilder struct {
	sectionName string
	role        string
	style       string
	directives  []string
	loader      *Loader
}

// NewExpressivePromptBuilder creates a prompt builder for one section's expressive pass
func NewExpressivePromptBuilder(sectionName, role, style string, directives []string) *ExpressivePromptBuilder {
	return &ExpressivePromptBuilder{
		sectionName: sectionName,
		role:        role,
		style:       style,
		directives:  directives,
		loader:      NewPromptLoader(),
	}
}

// BuildSystemPrompt builds the complete system prompt for the expressive call
func (b *ExpressivePromptBuilder) BuildSystemPrompt() (string, error) {
	ccReference, err := b.loader.GetMIDICCReference()
	if err != nil {
		return "", err
	}
	sections := []string{
		b.getExpressiveInstructions(),
		ccReference,
	}
	return strings.Join(sections, "\n\n"), nil
}

// getExpressiveInstructions returns the restricted tool rules for the pass
func (b *ExpressivePromptBuilder) getExpressiveInstructions() string {
	return fmt.Sprintf(`You add expressive MIDI data to one freshly generated %s section of a %s piece (%s). The notes are final - you ONLY layer controller and pitch-bend data on top of them.

**ALLOWED TOOLS** (anything else is rejected):
- `+"`add_midi_cc`"+` - one controller lane: cc number plus events of {beat, value}
- `+"`add_pitch_bend`"+` - pitch-bend events of {beat, value}, -8192 to 8191

**RULES**:
- Beats are relative to the region you are given and must stay inside its duration.
- Keep lanes sparse: 3-8 events per lane is plenty.
- At most one lane per controller number, and at most one pitch-bend call.
- Requested treatment: %s.
- Emit the tool calls in one batch. No commentary.`,
		b.sectionName, b.style, b.role, strings.Join(b.directives, ", "))
}

// BuildUserMessage builds the region-specific ask for the expressive call
func (b *ExpressivePromptBuilder) BuildUserMessage(regionID string, durationBeats float64, noteCount int) string {
	return fmt.Sprintf(
		"Region %q holds %d generated notes over %g beats (section %q). Add the expressive lanes now, using regionId %q on every call.",
		regionID, noteCount, durationBeats, b.sectionName, regionID)
}
