// Package state holds the per-conversation project state: the entity
// registry, project metadata, the append-only event log, and the
// transactional store that ties them together. One writer per store;
// everything mutating goes through the store's mutex.
package state

import (
	"strings"

	"github.com/Conceptual-Machines/maestro-api/internal/models"
)

// Track owns an ordered sequence of regions. Names are resolved
// case-insensitively; ids are stable for the track's lifetime. Mixing
// parameters (volume, pan, mute, solo, colour, icon) live in Metadata.
type Track struct {
	ID         string                  `json:"id"`
	Name       string                  `json:"name"`
	Metadata   map[string]any          `json:"metadata,omitempty"`
	Effects    []models.EffectRef      `json:"effects,omitempty"`
	Sends      []string                `json:"sends,omitempty"`
	Automation []models.AutomationLane `json:"automation,omitempty"`
}

// Region is a contiguous beat range on a single track that owns notes and
// MIDI controller events. Regions on the same track never overlap.
type Region struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name"`
	ParentTrackID string                   `json:"parent_track_id"`
	StartBeat     float64                  `json:"start_beat"`
	DurationBeats float64                  `json:"duration_beats"`
	Notes         []models.Note            `json:"notes,omitempty"`
	CC            []models.ControllerEvent `json:"cc,omitempty"`
	PitchBends    []models.PitchBendEvent  `json:"pitch_bends,omitempty"`
	Aftertouch    []models.AftertouchEvent `json:"aftertouch,omitempty"`
}

// Bus is a named shared aux path.
type Bus struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EndBeat is the exclusive end of the region's interval.
func (r *Region) EndBeat() float64 {
	return r.StartBeat + r.DurationBeats
}

// Registry is the in-memory lookup structure derived from store mutations.
// It is internal to its store and never mutated directly by executors.
type Registry struct {
	tracksByID     map[string]*Track
	trackOrder     []string
	regionsByID    map[string]*Region
	regionsByTrack map[string][]string
	busesByID      map[string]*Bus
	busOrder       []string

	latestRegionForTrack map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		tracksByID:           make(map[string]*Track),
		regionsByID:          make(map[string]*Region),
		regionsByTrack:       make(map[string][]string),
		busesByID:            make(map[string]*Bus),
		latestRegionForTrack: make(map[string]string),
	}
}

func (r *Registry) addTrack(t *Track) {
	r.tracksByID[t.ID] = t
	r.trackOrder = append(r.trackOrder, t.ID)
}

func (r *Registry) addRegion(reg *Region) {
	r.regionsByID[reg.ID] = reg
	r.regionsByTrack[reg.ParentTrackID] = append(r.regionsByTrack[reg.ParentTrackID], reg.ID)
	r.latestRegionForTrack[reg.ParentTrackID] = reg.ID
}

func (r *Registry) addBus(b *Bus) {
	r.busesByID[b.ID] = b
	r.busOrder = append(r.busOrder, b.ID)
}

// Track returns the track by id.
func (r *Registry) Track(id string) (*Track, bool) {
	t, ok := r.tracksByID[id]
	return t, ok
}

// Region returns the region by id.
func (r *Registry) Region(id string) (*Region, bool) {
	reg, ok := r.regionsByID[id]
	return reg, ok
}

// Bus returns the bus by id.
func (r *Registry) Bus(id string) (*Bus, bool) {
	b, ok := r.busesByID[id]
	return b, ok
}

// ResolveTrack finds a track id by name, case-insensitively, in insertion
// order (first match wins). When exact is false, a case-insensitive prefix
// match is accepted as a fallback.
func (r *Registry) ResolveTrack(name string, exact bool) (string, bool) {
	for _, id := range r.trackOrder {
		if strings.EqualFold(r.tracksByID[id].Name, name) {
			return id, true
		}
	}
	if exact {
		return "", false
	}
	lower := strings.ToLower(name)
	for _, id := range r.trackOrder {
		if strings.HasPrefix(strings.ToLower(r.tracksByID[id].Name), lower) {
			return id, true
		}
	}
	return "", false
}

// ResolveRegion finds a region id by name, case-insensitively, in creation
// order across all tracks.
func (r *Registry) ResolveRegion(name string) (string, bool) {
	for _, trackID := range r.trackOrder {
		for _, regionID := range r.regionsByTrack[trackID] {
			if strings.EqualFold(r.regionsByID[regionID].Name, name) {
				return regionID, true
			}
		}
	}
	return "", false
}

// ResolveBus finds a bus id by name, case-insensitively.
func (r *Registry) ResolveBus(name string) (string, bool) {
	for _, id := range r.busOrder {
		if strings.EqualFold(r.busesByID[id].Name, name) {
			return id, true
		}
	}
	return "", false
}

// LatestRegionForTrack returns the most recently created region on a track.
func (r *Registry) LatestRegionForTrack(trackID string) (string, bool) {
	id, ok := r.latestRegionForTrack[trackID]
	return id, ok
}

// FindOverlappingRegion returns the first region on the track whose interval
// [s, s+d) intersects [start, start+duration), in creation order.
func (r *Registry) FindOverlappingRegion(trackID string, start, duration float64) (string, bool) {
	for _, regionID := range r.regionsByTrack[trackID] {
		reg := r.regionsByID[regionID]
		if reg.StartBeat < start+duration && start < reg.EndBeat() {
			return regionID, true
		}
	}
	return "", false
}

// TrackIDs returns track ids in insertion order.
func (r *Registry) TrackIDs() []string {
	out := make([]string, len(r.trackOrder))
	copy(out, r.trackOrder)
	return out
}

// RegionIDsForTrack returns region ids on a track in creation order.
func (r *Registry) RegionIDsForTrack(trackID string) []string {
	ids := r.regionsByTrack[trackID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Counts reports registry totals for summaries.
func (r *Registry) Counts() (tracks, regions, notes, effects int) {
	tracks = len(r.tracksByID)
	regions = len(r.regionsByID)
	for _, reg := range r.regionsByID {
		notes += len(reg.Notes)
	}
	for _, t := range r.tracksByID {
		effects += len(t.Effects)
	}
	return tracks, regions, notes, effects
}

func cloneTrack(t *Track) *Track {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Effects = append([]models.EffectRef(nil), t.Effects...)
	c.Sends = append([]string(nil), t.Sends...)
	if t.Automation != nil {
		c.Automation = make([]models.AutomationLane, len(t.Automation))
		for i, lane := range t.Automation {
			c.Automation[i] = models.AutomationLane{
				Parameter: lane.Parameter,
				Points:    append([]models.AutomationPoint(nil), lane.Points...),
			}
		}
	}
	return &c
}

func cloneRegion(reg *Region) *Region {
	c := *reg
	c.Notes = append([]models.Note(nil), reg.Notes...)
	c.CC = append([]models.ControllerEvent(nil), reg.CC...)
	c.PitchBends = append([]models.PitchBendEvent(nil), reg.PitchBends...)
	c.Aftertouch = append([]models.AftertouchEvent(nil), reg.Aftertouch...)
	return &c
}

// Clone deep-copies the registry so snapshots are plain value copies.
func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	c.trackOrder = append([]string(nil), r.trackOrder...)
	c.busOrder = append([]string(nil), r.busOrder...)
	for id, t := range r.tracksByID {
		c.tracksByID[id] = cloneTrack(t)
	}
	for id, reg := range r.regionsByID {
		c.regionsByID[id] = cloneRegion(reg)
	}
	for id, b := range r.busesByID {
		bc := *b
		c.busesByID[id] = &bc
	}
	for trackID, ids := range r.regionsByTrack {
		c.regionsByTrack[trackID] = append([]string(nil), ids...)
	}
	for trackID, regionID := range r.latestRegionForTrack {
		c.latestRegionForTrack[trackID] = regionID
	}
	return c
}
