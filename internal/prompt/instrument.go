package prompt

import (
	"fmt"
	"strings"

	"github.com/Conceptual-Machines/maestro-api/internal/contract"
)

// InstrumentPromptBuilder builds the system prompt and kickoff message for one
// instrument agent from its sealed contract.
type InstrumentPromptBuilder struct {
	contract contract.InstrumentContract
	loader   *Loader
}

// NewInstrumentPromptBuilder creates a prompt builder bound to one instrument contract
func NewInstrumentPromptBuilder(c contract.InstrumentContract) *InstrumentPromptBuilder {
	return &InstrumentPromptBuilder{
		contract: c,
		loader:   NewPromptLoader(),
	}
}

// BuildSystemPrompt builds the complete system prompt for the instrument agent
func (b *InstrumentPromptBuilder) BuildSystemPrompt() (string, error) {
	sections := []string{
		b.getRoleInstructions(),
		b.getSectionPlan(),
		b.getPipelineRules(),
		b.getReferenceRules(),
		b.getReasoningRules(),
	}

	presentation, err := b.getPresentation()
	if err != nil {
		return "", err
	}
	if presentation != "" {
		sections = append(sections, presentation)
	}

	return strings.Join(sections, "\n\n"), nil
}

// getRoleInstructions returns the agent identity and the shared project settings
func (b *InstrumentPromptBuilder) getRoleInstructions() string {
	c := b.contract
	return fmt.Sprintf(`You are the %s agent inside a multi-instrument composition run. You play exactly one part: %s.

**PROJECT SETTINGS** (shared by every instrument - never change them):
- Style: %s
- Tempo: %d BPM
- Key: %s
- Your part starts at beat %g

**SCOPE**:
- You control ONLY your own track. Never create, rename, mute or otherwise touch another instrument's track.
- Never call set_tempo or set_key - project setup already happened before you started.
- Stay inside the section plan below. Every instrument receives the same plan, and the arrangement only lines up when every agent follows it exactly.`,
		c.InstrumentName, c.Role, c.Style, c.Tempo, c.Key, c.StartBeat)
}

// getSectionPlan renders the contract sections as a fixed arrangement table
func (b *InstrumentPromptBuilder) getSectionPlan() string {
	var sb strings.Builder
	sb.WriteString("**SECTION PLAN** (fixed by the arrangement - never re-time, rename, reorder or invent sections):\n\n")
	sb.WriteString("| # | Section | Bars | startBeat | durationBeats | Direction |\n")
	sb.WriteString("|---|---------|------|-----------|---------------|-----------|\n")
	for i, s := range b.contract.Sections {
		direction := s.Character
		if s.RoleBrief != "" {
			if direction != "" {
				direction += "; "
			}
			direction += s.RoleBrief
		}
		if direction == "" {
			direction = "-"
		}
		fmt.Fprintf(&sb, "| %d | %s | %d | %g | %g | %s |\n",
			i+1, s.Name, s.Bars, s.StartBeat, s.DurationBeats, direction)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// getPipelineRules returns the mandatory tool-call ordering
//
//nolint:lll
func (b *InstrumentPromptBuilder) getPipelineRules() string {
	c := b.contract
	regionExample := fmt.Sprintf("%s - %s", c.InstrumentName, firstSectionName(c))
	return `**PIPELINE** - emit your tool calls in this exact order:

1. ` + "`add_midi_track`" + ` - exactly ONE track, named exactly "` + c.InstrumentName + `". Creating a second track is an error.
2. For EACH section in plan order: ` + "`add_midi_region`" + ` immediately followed by ` + "`generate_midi`" + ` for that same section.
3. Optionally finish with ONE ` + "`add_insert_effect`" + ` on your track.

**CRITICAL**:
- One region and one generate per section - no more, no fewer.
- ` + "`add_midi_region`" + ` takes ` + "`startBeat`" + ` and ` + "`durationBeats`" + ` VERBATIM from the section plan. Name each region "<instrument> - <section>", e.g. "` + regionExample + `".
- ` + "`generate_midi`" + ` takes ` + "`bars`" + ` from the section plan row; ` + "`role`" + `, ` + "`style`" + `, ` + "`tempo`" + ` and ` + "`key`" + ` come from the project settings. Pass the region via ` + "`regionId`" + `.
- Do NOT write notes yourself with ` + "`add_notes`" + ` - the generator produces the material for your part.
- Never call ` + "`duplicate_region`" + ` on a section that has its own plan row.`
}

// getReferenceRules explains $N.field result references
func (b *InstrumentPromptBuilder) getReferenceRules() string {
	return `**RESULT REFERENCES**: the calls in one batch are numbered from 1 in the order you emit them, and later calls can reference earlier results:
- ` + "`\"trackId\": \"$1.trackId\"`" + ` - the trackId returned by call 1 (your add_midi_track)
- ` + "`\"regionId\": \"$2.regionId\"`" + ` - the regionId returned by call 2
References only reach calls inside the SAME batch. When you split work across turns, use the literal ids from previous results instead.`
}

// getReasoningRules bounds reasoning and defines the stop condition
func (b *InstrumentPromptBuilder) getReasoningRules() string {
	return `**REASONING**:
- Think through the section plan briefly before calling tools, then act.
- Prefer ONE batch containing the full pipeline over many small turns.
- After your calls run you receive a result summary. When every section shows a completed generate, reply with one short sentence and STOP calling tools.
- If a call failed, fix ONLY that call on the next turn - never repeat calls that succeeded.`
}

// getPresentation returns colour, GM guidance and role-specific reference data
func (b *InstrumentPromptBuilder) getPresentation() (string, error) {
	c := b.contract
	var parts []string

	if c.AssignedColor != "" {
		parts = append(parts, fmt.Sprintf(
			"**PRESENTATION**: after creating your track, call `set_track_color` with color %q (your assigned colour).", c.AssignedColor))
	}
	if c.GMGuidance != "" {
		parts = append(parts, fmt.Sprintf("**SOUND GUIDANCE**: %s", c.GMGuidance))
	}
	if c.Role == "drums" {
		drumMap, err := b.loader.GetGMDrumReference()
		if err != nil {
			return "", err
		}
		parts = append(parts, drumMap)
	}

	return strings.Join(parts, "\n\n"), nil
}

// BuildUserMessage builds the kickoff message enumerating the concrete pipeline
func (b *InstrumentPromptBuilder) BuildUserMessage() string {
	c := b.contract
	var sb strings.Builder
	fmt.Fprintf(&sb, "Create the %s part now. Execute this pipeline:\n\n", c.InstrumentName)

	step := 0
	trackRef := "$1.trackId"
	if c.ExistingTrackID != "" {
		trackRef = c.ExistingTrackID
		fmt.Fprintf(&sb, "Your track already exists with trackId %q - do not create another one.\n\n", c.ExistingTrackID)
	} else {
		step++
		fmt.Fprintf(&sb, "%d. add_midi_track with name %q\n", step, c.InstrumentName)
	}
	if c.AssignedColor != "" {
		step++
		fmt.Fprintf(&sb, "%d. set_track_color with trackId %q and color %q\n", step, trackRef, c.AssignedColor)
	}
	for _, s := range c.Sections {
		step++
		fmt.Fprintf(&sb, "%d. add_midi_region %q on trackId %q (startBeat %g, durationBeats %g)\n",
			step, fmt.Sprintf("%s - %s", c.InstrumentName, s.Name), trackRef, s.StartBeat, s.DurationBeats)
		step++
		fmt.Fprintf(&sb, "%d. generate_midi for %q (role %q, %d bars) with regionId \"$%d.regionId\"\n",
			step, s.Name, c.Role, s.Bars, step-1)
	}

	sb.WriteString("\nEmit everything in a single batch: track first, then region and generate for each section in plan order, effects last.")
	return sb.String()
}

func firstSectionName(c contract.InstrumentContract) string {
	if len(c.Sections) > 0 {
		return c.Sections[0].Name
	}
	return "intro"
}
