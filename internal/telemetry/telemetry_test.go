package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conceptual-Machines/maestro-api/internal/models"
)

// fourOnFloor is one bar of house drums: kicks on every beat, hats on the
// off-beats.
func fourOnFloor() []models.Note {
	return []models.Note{
		{Pitch: 36, StartBeat: 0, DurationBeats: 0.25, Velocity: 110},
		{Pitch: 36, StartBeat: 1, DurationBeats: 0.25, Velocity: 110},
		{Pitch: 36, StartBeat: 2, DurationBeats: 0.25, Velocity: 110},
		{Pitch: 36, StartBeat: 3, DurationBeats: 0.25, Velocity: 110},
		{Pitch: 42, StartBeat: 0.5, DurationBeats: 0.25, Velocity: 80},
		{Pitch: 42, StartBeat: 1.5, DurationBeats: 0.25, Velocity: 80},
		{Pitch: 42, StartBeat: 2.5, DurationBeats: 0.25, Velocity: 80},
		{Pitch: 42, StartBeat: 3.5, DurationBeats: 0.25, Velocity: 80},
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	a := Compute(fourOnFloor(), 4)
	b := Compute(fourOnFloor(), 4)
	assert.Equal(t, a, b)
}

func TestComputeDensityAndEnergy(t *testing.T) {
	tel := Compute(fourOnFloor(), 4)

	// 8 notes over 4 beats.
	assert.InDelta(t, 2.0, tel.DensityScore, 1e-9)

	// mean velocity (110*4 + 80*4)/8 = 95; energy = 95/127 * min(2/4, 1).
	assert.InDelta(t, 95.0, tel.VelocityMean, 1e-9)
	assert.InDelta(t, (95.0/127.0)*0.5, tel.EnergyLevel, 1e-9)
	assert.GreaterOrEqual(t, tel.EnergyLevel, 0.0)
	assert.LessOrEqual(t, tel.EnergyLevel, 1.0)
}

func TestGrooveVectorBins(t *testing.T) {
	tel := Compute(fourOnFloor(), 4)

	// Kicks land on the beat (bin 0), hats on the half-beat (bin 8).
	assert.InDelta(t, 0.5, tel.GrooveVector[0], 1e-9)
	assert.InDelta(t, 0.5, tel.GrooveVector[8], 1e-9)

	var sum float64
	for _, v := range tel.GrooveVector {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestKickPatternHashMatchesSameKicks(t *testing.T) {
	straight := Compute(fourOnFloor(), 4)

	// Same kicks in a different note order, different hats.
	reordered := []models.Note{
		{Pitch: 36, StartBeat: 3, DurationBeats: 0.25, Velocity: 100},
		{Pitch: 36, StartBeat: 1, DurationBeats: 0.25, Velocity: 100},
		{Pitch: 36, StartBeat: 0, DurationBeats: 0.25, Velocity: 100},
		{Pitch: 36, StartBeat: 2, DurationBeats: 0.25, Velocity: 100},
		{Pitch: 46, StartBeat: 0.75, DurationBeats: 0.25, Velocity: 70},
	}
	other := Compute(reordered, 4)
	assert.Equal(t, straight.KickPatternHash, other.KickPatternHash)

	// Dropping a kick changes the fingerprint.
	sparse := Compute(fourOnFloor()[1:], 4)
	assert.NotEqual(t, straight.KickPatternHash, sparse.KickPatternHash)
}

func TestRhythmicComplexity(t *testing.T) {
	// Evenly spaced onsets have zero inter-onset deviation.
	even := Compute(fourOnFloor(), 4)
	assert.InDelta(t, 0.0, even.RhythmicComplexity, 1e-9)

	syncopated := []models.Note{
		{Pitch: 38, StartBeat: 0, DurationBeats: 0.25, Velocity: 90},
		{Pitch: 38, StartBeat: 0.25, DurationBeats: 0.25, Velocity: 90},
		{Pitch: 38, StartBeat: 2, DurationBeats: 0.25, Velocity: 90},
		{Pitch: 38, StartBeat: 3.75, DurationBeats: 0.25, Velocity: 90},
	}
	assert.Greater(t, Compute(syncopated, 4).RhythmicComplexity, 0.0)
}

func TestComputeEmptyNotes(t *testing.T) {
	tel := Compute(nil, 16)
	assert.Zero(t, tel.DensityScore)
	assert.Zero(t, tel.EnergyLevel)
	assert.Zero(t, tel.NoteCount)
	assert.NotEmpty(t, tel.KickPatternHash)
}

func TestStoreFirstWriteWins(t *testing.T) {
	s := NewStore()
	first := Compute(fourOnFloor(), 4)
	second := Compute(fourOnFloor()[:2], 4)

	s.Set("Drums", "sec-1", first)
	s.Set("Drums", "sec-1", second)

	got, ok := s.Get("Drums", "sec-1")
	require.True(t, ok)
	assert.Equal(t, first, got)
	assert.Equal(t, 1, s.Len())

	_, ok = s.Get("Bass", "sec-1")
	assert.False(t, ok)
}

func TestKeyFormat(t *testing.T) {
	assert.Equal(t, "Drums: sec-1", Key("Drums", "sec-1"))
}
