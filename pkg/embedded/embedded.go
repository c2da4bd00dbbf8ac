package embedded

import (
	_ "embed"
)

// Embed all prompt data files
//
//go:embed data/gm_drum_map.txt
var GMDrumMapTxt []byte

//go:embed data/midi_cc_reference.txt
var MIDICCReferenceTxt []byte

//go:embed data/mixing_heuristics.txt
var MixingHeuristicsTxt []byte
