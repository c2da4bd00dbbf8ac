package prompt

import (
	"reflect"
	"strings"
	"testing"
)

func TestExpressiveDirectives(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "empty prompt",
			raw:  "",
			want: nil,
		},
		{
			name: "no directives",
			raw:  "four on the floor house with a deep bassline",
			want: nil,
		},
		{
			name: "single directive",
			raw:  "dreamy pads, sustain_pedal on the keys",
			want: []string{"sustain_pedal"},
		},
		{
			name: "case insensitive",
			raw:  "midiexpressiveness please, with PITCH_BEND slides",
			want: []string{"MidiExpressiveness", "pitch_bend"},
		},
		{
			name: "catalogue order regardless of text order",
			raw:  "pitch_bend first, then cc_curves, then Automation",
			want: []string{"Automation", "cc_curves", "pitch_bend"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExpressiveDirectives(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExpressiveDirectives(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestExpressiveSystemPromptRestrictsTools(t *testing.T) {
	builder := NewExpressivePromptBuilder("verse", "keys", "ballad", []string{"sustain_pedal", "cc_curves"})
	prompt, err := builder.BuildSystemPrompt()

	if err != nil {
		t.Fatalf("BuildSystemPrompt() returned error: %v", err)
	}

	if !strings.Contains(prompt, "add_midi_cc") {
		t.Error("BuildSystemPrompt() missing add_midi_cc")
	}
	if !strings.Contains(prompt, "add_pitch_bend") {
		t.Error("BuildSystemPrompt() missing add_pitch_bend")
	}

	// Nothing outside the allow-set
	for _, tool := range []string{"add_notes", "generate_midi", "set_track_volume"} {
		if strings.Contains(prompt, tool) {
			t.Errorf("BuildSystemPrompt() suggests disallowed tool: %s", tool)
		}
	}
}

func TestExpressiveSystemPromptContainsContext(t *testing.T) {
	builder := NewExpressivePromptBuilder("verse", "keys", "ballad", []string{"sustain_pedal"})
	prompt, err := builder.BuildSystemPrompt()

	if err != nil {
		t.Fatalf("BuildSystemPrompt() returned error: %v", err)
	}

	for _, expected := range []string{"verse", "keys", "ballad", "sustain_pedal"} {
		if !strings.Contains(prompt, expected) {
			t.Errorf("BuildSystemPrompt() missing context: %s", expected)
		}
	}

	// The CC reference rides along
	if !strings.Contains(prompt, "CC 64") {
		t.Error("BuildSystemPrompt() missing the controller reference")
	}
}

func TestExpressiveUserMessage(t *testing.T) {
	builder := NewExpressivePromptBuilder("verse", "keys", "ballad", []string{"sustain_pedal"})
	msg := builder.BuildUserMessage("region-12", 64, 58)

	if !strings.Contains(msg, `"region-12"`) {
		t.Error("BuildUserMessage() missing the regionId")
	}
	if !strings.Contains(msg, "58") {
		t.Error("BuildUserMessage() missing the note count")
	}
	if !strings.Contains(msg, "64 beats") {
		t.Error("BuildUserMessage() missing the region duration")
	}
}
