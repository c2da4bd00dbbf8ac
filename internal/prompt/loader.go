package prompt

import (
	"strings"

	"github.com/Conceptual-Machines/maestro-api/pkg/embedded"
)

type Loader struct{}

func NewPromptLoader() *Loader {
	return &Loader{}
}

// GetGMDrumReference loads the General MIDI drum note reference
func (l *Loader) GetGMDrumReference() (string, error) {
	return strings.TrimSpace(string(embedded.GMDrumMapTxt)), nil
}

// GetMIDICCReference loads the MIDI controller and pitch-bend reference
func (l *Loader) GetMIDICCReference() (string, error) {
	return strings.TrimSpace(string(embedded.MIDICCReferenceTxt)), nil
}

// GetMixingHeuristics loads the level, pan and send heuristics
func (l *Loader) GetMixingHeuristics() (string, error) {
	return strings.TrimSpace(string(embedded.MixingHeuristicsTxt)), nil
}
