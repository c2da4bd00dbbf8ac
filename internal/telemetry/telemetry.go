// Package telemetry computes and shares deterministic musical statistics
// between instrument agents. Later instruments read earlier instruments'
// telemetry for cross-instrument awareness (bass locking to the drum kick
// pattern). No ML, no randomness: identical notes produce identical output.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"sync"

	"github.com/Conceptual-Machines/maestro-api/internal/models"
)

// GrooveBins is the resolution of the beat-position histogram.
const GrooveBins = 16

// SectionTelemetry is an immutable snapshot of one section's musical
// statistics, derived purely from its generated notes.
type SectionTelemetry struct {
	EnergyLevel        float64             `json:"energy_level"`
	DensityScore       float64             `json:"density_score"`
	GrooveVector       [GrooveBins]float64 `json:"groove_vector"`
	KickPatternHash    string              `json:"kick_pattern_hash"`
	RhythmicComplexity float64             `json:"rhythmic_complexity"`
	VelocityMean       float64             `json:"velocity_mean"`
	VelocityVariance   float64             `json:"velocity_variance"`
	NoteCount          int                 `json:"note_count"`
}

// GM bass drum pitches counted as kicks.
func isKick(pitch int) bool {
	return pitch == 35 || pitch == 36
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Compute derives a section's telemetry from its notes. sectionBeats is the
// section length used for density; a non-positive value yields zero density.
func Compute(notes []models.Note, sectionBeats float64) SectionTelemetry {
	t := SectionTelemetry{NoteCount: len(notes)}
	if len(notes) == 0 {
		t.KickPatternHash = hashKickPositions(nil)
		return t
	}

	var velocitySum float64
	onsets := make([]float64, 0, len(notes))
	var kicks []float64
	for _, n := range notes {
		velocitySum += float64(n.Velocity)
		onsets = append(onsets, n.StartBeat)

		frac := n.StartBeat - math.Floor(n.StartBeat)
		bin := int(frac * GrooveBins)
		if bin >= GrooveBins {
			bin = GrooveBins - 1
		}
		t.GrooveVector[bin]++

		if isKick(n.Pitch) {
			kicks = append(kicks, n.StartBeat)
		}
	}

	total := float64(len(notes))
	for i := range t.GrooveVector {
		t.GrooveVector[i] /= total
	}

	t.VelocityMean = velocitySum / total
	var varSum float64
	for _, n := range notes {
		d := float64(n.Velocity) - t.VelocityMean
		varSum += d * d
	}
	t.VelocityVariance = varSum / total

	if sectionBeats > 0 {
		t.DensityScore = total / sectionBeats
	}
	t.EnergyLevel = clamp((t.VelocityMean/127)*math.Min(t.DensityScore/4, 1), 0, 1)
	t.KickPatternHash = hashKickPositions(kicks)
	t.RhythmicComplexity = interOnsetStddev(onsets)
	return t
}

// hashKickPositions fingerprints the sorted kick onsets so two sections with
// the same kick pattern compare equal by hash alone.
func hashKickPositions(positions []float64) string {
	sorted := append([]float64(nil), positions...)
	sort.Float64s(sorted)
	data, _ := json.Marshal(sorted)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:8]
}

// interOnsetStddev is the population standard deviation of the gaps between
// consecutive note onsets. Fewer than two distinct events yield zero.
func interOnsetStddev(onsets []float64) float64 {
	if len(onsets) < 2 {
		return 0
	}
	sorted := append([]float64(nil), onsets...)
	sort.Float64s(sorted)

	intervals := make([]float64, 0, len(sorted)-1)
	var sum float64
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i] - sorted[i-1]
		intervals = append(intervals, gap)
		sum += gap
	}
	mean := sum / float64(len(intervals))
	var varSum float64
	for _, gap := range intervals {
		d := gap - mean
		varSum += d * d
	}
	return math.Sqrt(varSum / float64(len(intervals)))
}

// Key builds the store key for one instrument's section entry.
func Key(instrument, sectionID string) string {
	return instrument + ": " + sectionID
}

// Store holds section telemetry keyed "Instrument: section_id". Writes are
// first-write-wins: a section's statistics never change once recorded.
type Store struct {
	mu      sync.Mutex
	entries map[string]SectionTelemetry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]SectionTelemetry)}
}

// Set records telemetry for a section. Repeat writes for the same key are
// ignored.
func (s *Store) Set(instrument, sectionID string, t SectionTelemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(instrument, sectionID)
	if _, ok := s.entries[key]; ok {
		return
	}
	s.entries[key] = t
}

// Get returns a section's telemetry if recorded.
func (s *Store) Get(instrument, sectionID string) (SectionTelemetry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.entries[Key(instrument, sectionID)]
	return t, ok
}

// Len reports how many entries have been recorded.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
