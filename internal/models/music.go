package models

// Note is the canonical note representation used across the store, the
// generator client and the executor. Field names are snake_case on the wire;
// camelCase input from external callers is normalised at the tool boundary.
type Note struct {
	Pitch         int     `json:"pitch"`
	StartBeat     float64 `json:"start_beat"`
	DurationBeats float64 `json:"duration_beats"`
	Velocity      int     `json:"velocity"`
	Channel       int     `json:"channel,omitempty"`
}

// ControllerEvent is a single MIDI CC value change.
type ControllerEvent struct {
	CC    int     `json:"cc"`
	Beat  float64 `json:"beat"`
	Value int     `json:"value"`
}

// PitchBendEvent is a single pitch-bend value change.
type PitchBendEvent struct {
	Beat  float64 `json:"beat"`
	Value int     `json:"value"`
}

// AftertouchEvent is a pressure change, optionally per-pitch (polyphonic).
type AftertouchEvent struct {
	Beat  float64 `json:"beat"`
	Value int     `json:"value"`
	Pitch *int    `json:"pitch,omitempty"`
}

// EffectRef points an insert effect at a track.
type EffectRef struct {
	TrackID string `json:"track_id"`
	Type    string `json:"type"`
}

// AutomationPoint is one breakpoint on an automation lane.
type AutomationPoint struct {
	Beat  float64 `json:"beat"`
	Value float64 `json:"value"`
}

// AutomationLane holds the breakpoints for one automatable parameter.
type AutomationLane struct {
	Parameter string            `json:"parameter"`
	Points    []AutomationPoint `json:"points"`
}

// TimeSignature is the project meter.
type TimeSignature struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

// EmotionVector carries the prompt's affect parameters straight through to
// the generator service.
type EmotionVector struct {
	ToneBrightness   float64 `json:"tone_brightness"`
	ToneWarmth       float64 `json:"tone_warmth"`
	EnergyIntensity  float64 `json:"energy_intensity"`
	EnergyExcitement float64 `json:"energy_excitement"`
	Complexity       float64 `json:"complexity"`
}

// PromptSection is one named musical span (intro/verse/chorus/...) with a
// bar count applied uniformly across instruments.
type PromptSection struct {
	Name      string `json:"name"`
	Bars      int    `json:"bars"`
	Character string `json:"character,omitempty"`
}

// RolePrompt is the per-instrument slice of the parsed prompt.
type RolePrompt struct {
	Role       string `json:"role"`
	Guidance   string `json:"guidance,omitempty"`
	GMGuidance string `json:"gm_guidance,omitempty"`
}

// ParsedPrompt is the structured output of the prompt parser, consumed by
// the coordinator. Parsing itself happens upstream; the orchestrator treats
// this as ground truth and never re-interprets the raw text, except to scan
// Raw for expressiveness directives.
type ParsedPrompt struct {
	Genre         string          `json:"genre"`
	Style         string          `json:"style"`
	Tempo         int             `json:"tempo"`
	Key           string          `json:"key"`
	TimeSignature TimeSignature   `json:"time_signature"`
	Sections      []PromptSection `json:"sections"`
	Roles         []RolePrompt    `json:"roles"`
	Emotion       EmotionVector   `json:"emotion"`
	QualityPreset string          `json:"quality_preset,omitempty"`
	Raw           string          `json:"raw,omitempty"`
}

// BeatsPerBar returns beats per bar from the time signature, defaulting to
// 4/4 when unset.
func (p ParsedPrompt) BeatsPerBar() float64 {
	if p.TimeSignature.Numerator <= 0 {
		return 4
	}
	return float64(p.TimeSignature.Numerator)
}

// StyleOrGenre prefers the explicit style and falls back to genre.
func (p ParsedPrompt) StyleOrGenre() string {
	if p.Style != "" {
		return p.Style
	}
	return p.Genre
}
