package prompt

import (
	"strings"
	"testing"
)

func TestNewPromptLoader(t *testing.T) {
	loader := NewPromptLoader()
	if loader == nil {
		t.Fatal("NewPromptLoader() returned nil")
	}
}

func TestGetGMDrumReference(t *testing.T) {
	loader := NewPromptLoader()
	content, err := loader.GetGMDrumReference()

	if err != nil {
		t.Fatalf("GetGMDrumReference() returned error: %v", err)
	}

	if content == "" {
		t.Error("GetGMDrumReference() returned empty string")
	}

	// Check for the core drum assignments
	if !strings.Contains(content, "36") || !strings.Contains(content, "Kick") {
		t.Error("GetGMDrumReference() does not contain the kick assignment")
	}
	if !strings.Contains(content, "38") {
		t.Error("GetGMDrumReference() does not contain the snare assignment")
	}

	// Ensure trimming happened
	if strings.HasPrefix(content, "\n") || strings.HasSuffix(content, "\n") {
		t.Error("GetGMDrumReference() returned untrimmed content")
	}
}

func TestGetMIDICCReference(t *testing.T) {
	loader := NewPromptLoader()
	content, err := loader.GetMIDICCReference()

	if err != nil {
		t.Fatalf("GetMIDICCReference() returned error: %v", err)
	}

	if content == "" {
		t.Error("GetMIDICCReference() returned empty string")
	}

	// Check for sustain pedal and pitch-bend range
	if !strings.Contains(content, "CC 64") {
		t.Error("GetMIDICCReference() does not contain the sustain pedal controller")
	}
	if !strings.Contains(content, "-8192") || !strings.Contains(content, "8191") {
		t.Error("GetMIDICCReference() does not contain the pitch-bend value range")
	}
}

func TestGetMixingHeuristics(t *testing.T) {
	loader := NewPromptLoader()
	content, err := loader.GetMixingHeuristics()

	if err != nil {
		t.Fatalf("GetMixingHeuristics() returned error: %v", err)
	}

	if content == "" {
		t.Error("GetMixingHeuristics() returned empty string")
	}

	// Check for the main heuristic areas
	for _, section := range []string{"Levels", "Panning", "Buses", "Automation"} {
		if !strings.Contains(content, section) {
			t.Errorf("GetMixingHeuristics() missing section: %s", section)
		}
	}
}
