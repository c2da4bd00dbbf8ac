package state

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Conceptual-Machines/maestro-api/internal/models"
)

var (
	ErrTransactionActive    = errors.New("a transaction is already active")
	ErrTransactionNotActive = errors.New("transaction is not active")
	ErrUnknownTrack         = errors.New("unknown track")
	ErrUnknownRegion        = errors.New("unknown region")
	ErrInvalidRegion        = errors.New("region duration must be positive")
)

// OverlapError reports a region creation that collided with an existing
// region on the same track. Callers use ExistingRegionID for idempotent
// reuse instead of creating a duplicate.
type OverlapError struct {
	ExistingRegionID string
	TrackID          string
	StartBeat        float64
	DurationBeats    float64
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("region [%.2f, %.2f) on track %s overlaps existing region %s",
		e.StartBeat, e.StartBeat+e.DurationBeats, e.TrackID, e.ExistingRegionID)
}

// Transaction statuses.
const (
	TxActive     = "active"
	TxCommitted  = "committed"
	TxRolledBack = "rolled_back"
)

// Transaction groups store mutations so they commit together or roll back
// together. Events appended under the transaction are recorded so rollback
// can strip them from the log.
type Transaction struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Events      []StateEvent `json:"events"`
	Status      string       `json:"status"`
}

// Metadata is the project-level musical state.
type Metadata struct {
	Tempo         int                  `json:"tempo"`
	Key           string               `json:"key"`
	TimeSignature models.TimeSignature `json:"time_signature"`
}

// maxSnapshots bounds the pre-transaction snapshot ring.
const maxSnapshots = 10

type snapshot struct {
	version  int64
	registry *Registry
	metadata Metadata
	takenAt  time.Time
}

// Store is the single-writer, versioned project state for one conversation.
// Every mutation increments the version; the version itself never rolls
// back, even when a transaction does.
type Store struct {
	mu        sync.Mutex
	version   int64
	metadata  Metadata
	registry  *Registry
	events    []StateEvent
	snapshots []snapshot
	activeTx  *Transaction
}

// NewStore creates a store with an empty registry and 120 BPM / C / 4-4
// project defaults.
func NewStore() *Store {
	return &Store{
		metadata: Metadata{
			Tempo:         120,
			Key:           "C",
			TimeSignature: models.TimeSignature{Numerator: 4, Denominator: 4},
		},
		registry: NewRegistry(),
	}
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// logEvent stamps, versions and appends one event. Callers hold the mutex.
func (s *Store) logEvent(ev StateEvent) StateEvent {
	s.version++
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()
	ev.Version = s.version
	s.events = append(s.events, ev)
	return ev
}

func (s *Store) appendEvent(evType, entityType, entityID string, data map[string]any, tx *Transaction) StateEvent {
	ev := StateEvent{Type: evType, EntityType: entityType, EntityID: entityID, Data: data}
	if tx != nil {
		ev.TransactionID = tx.ID
	}
	ev = s.logEvent(ev)
	if tx != nil {
		tx.Events = append(tx.Events, ev)
	}
	return ev
}

// BeginTransaction snapshots the store, appends transaction.start and
// returns the active transaction. Nested transactions are rejected.
func (s *Store) BeginTransaction(description string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeTx != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionActive, s.activeTx.ID)
	}

	// Snapshot before the start event so rollback lands strictly before the
	// transaction's first version.
	s.snapshots = append(s.snapshots, snapshot{
		version:  s.version,
		registry: s.registry.Clone(),
		metadata: s.metadata,
		takenAt:  time.Now().UTC(),
	})
	if len(s.snapshots) > maxSnapshots {
		s.snapshots = s.snapshots[len(s.snapshots)-maxSnapshots:]
	}

	tx := &Transaction{ID: newID("tx"), Description: description, Status: TxActive}
	s.appendEvent(EventTxStart, "", "", map[string]any{"description": description}, tx)
	s.activeTx = tx
	return tx, nil
}

func (s *Store) checkActive(tx *Transaction) error {
	if tx == nil || s.activeTx == nil || s.activeTx.ID != tx.ID || tx.Status != TxActive {
		return ErrTransactionNotActive
	}
	return nil
}

// Commit marks the transaction committed and appends transaction.commit.
func (s *Store) Commit(tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive(tx); err != nil {
		return err
	}
	s.appendEvent(EventTxCommit, "", "", map[string]any{"events": len(tx.Events)}, tx)
	tx.Status = TxCommitted
	s.activeTx = nil
	return nil
}

// Rollback restores the pre-transaction snapshot, strips the transaction's
// events from the log and appends transaction.rollback. The version counter
// keeps increasing monotonically through the rollback.
func (s *Store) Rollback(tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive(tx); err != nil {
		return err
	}

	firstVersion := s.version
	if len(tx.Events) > 0 {
		firstVersion = tx.Events[0].Version
	}
	restored := false
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].version < firstVersion {
			s.registry = s.snapshots[i].registry.Clone()
			s.metadata = s.snapshots[i].metadata
			restored = true
			break
		}
	}
	if !restored {
		// No usable snapshot means the ring was overrun; reset to empty
		// rather than keep half-applied state.
		s.registry = NewRegistry()
	}

	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.TransactionID != tx.ID {
			kept = append(kept, ev)
		}
	}
	s.events = kept

	s.logEvent(StateEvent{
		Type:          EventTxRollback,
		Data:          map[string]any{"description": tx.Description, "events_discarded": len(tx.Events)},
		TransactionID: tx.ID,
	})
	tx.Status = TxRolledBack
	s.activeTx = nil
	return nil
}

// CreateTrack registers a track. A caller-supplied id is reused verbatim
// (client imports); when the id already exists the call is a no-op returning
// the existing id.
func (s *Store) CreateTrack(name, id string, metadata map[string]any, tx *Transaction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = newID("track")
	}
	if _, ok := s.registry.Track(id); ok {
		return id, nil
	}
	s.registry.addTrack(&Track{ID: id, Name: name, Metadata: metadata})
	s.appendEvent(EventTrackCreated, "track", id, map[string]any{"name": name}, tx)
	return id, nil
}

// CreateRegion registers a region after checking the overlap invariant.
func (s *Store) CreateRegion(name, trackID string, startBeat, durationBeats float64, tx *Transaction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if durationBeats <= 0 {
		return "", fmt.Errorf("%w: got %v", ErrInvalidRegion, durationBeats)
	}
	if _, ok := s.registry.Track(trackID); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	if existingID, ok := s.registry.FindOverlappingRegion(trackID, startBeat, durationBeats); ok {
		return "", &OverlapError{
			ExistingRegionID: existingID,
			TrackID:          trackID,
			StartBeat:        startBeat,
			DurationBeats:    durationBeats,
		}
	}

	id := newID("region")
	s.registry.addRegion(&Region{
		ID:            id,
		Name:          name,
		ParentTrackID: trackID,
		StartBeat:     startBeat,
		DurationBeats: durationBeats,
	})
	s.appendEvent(EventRegionCreated, "region", id, map[string]any{
		"name":           name,
		"track_id":       trackID,
		"start_beat":     startBeat,
		"duration_beats": durationBeats,
	}, tx)
	return id, nil
}

// FindOverlappingRegion reports the first region on the track intersecting
// [start, start+duration), if any.
func (s *Store) FindOverlappingRegion(trackID string, start, duration float64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.FindOverlappingRegion(trackID, start, duration)
}

// GetOrCreateBus resolves a bus by name or creates it.
func (s *Store) GetOrCreateBus(name string, tx *Transaction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.registry.ResolveBus(name); ok {
		return id, nil
	}
	id := newID("bus")
	s.registry.addBus(&Bus{ID: id, Name: name})
	s.appendEvent(EventBusCreated, "bus", id, map[string]any{"name": name}, tx)
	return id, nil
}

// SetTempo updates project tempo.
func (s *Store) SetTempo(tempo int, tx *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metadata.Tempo = tempo
	s.appendEvent(EventTempoChanged, "", "", map[string]any{"tempo": tempo}, tx)
}

// SetKey updates project key.
func (s *Store) SetKey(key string, tx *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metadata.Key = key
	s.appendEvent(EventKeyChanged, "", "", map[string]any{"key": key}, tx)
}

// AddNotes appends notes to a region.
func (s *Store) AddNotes(regionID string, notes []models.Note, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registry.Region(regionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}
	reg.Notes = append(reg.Notes, notes...)
	s.appendEvent(EventNotesAdded, "region", regionID, map[string]any{"count": len(notes)}, tx)
	return nil
}

// NoteCriteria selects notes by value. Unset fields match anything.
type NoteCriteria struct {
	Pitch     *int     `json:"pitch,omitempty"`
	StartBeat *float64 `json:"start_beat,omitempty"`
}

func (c NoteCriteria) matches(n models.Note) bool {
	if c.Pitch != nil && n.Pitch != *c.Pitch {
		return false
	}
	if c.StartBeat != nil && n.StartBeat != *c.StartBeat {
		return false
	}
	return true
}

// RemoveNotes deletes notes matching any criterion and returns the count.
func (s *Store) RemoveNotes(regionID string, criteria []NoteCriteria, tx *Transaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registry.Region(regionID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}
	kept := reg.Notes[:0]
	removed := 0
	for _, n := range reg.Notes {
		match := false
		for _, c := range criteria {
			if c.matches(n) {
				match = true
				break
			}
		}
		if match {
			removed++
		} else {
			kept = append(kept, n)
		}
	}
	reg.Notes = kept
	s.appendEvent(EventNotesRemoved, "region", regionID, map[string]any{"count": removed}, tx)
	return removed, nil
}

// AddCC appends controller events to a region.
func (s *Store) AddCC(regionID string, events []models.ControllerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registry.Region(regionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}
	reg.CC = append(reg.CC, events...)
	s.version++
	return nil
}

// AddPitchBends appends pitch-bend events to a region.
func (s *Store) AddPitchBends(regionID string, events []models.PitchBendEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registry.Region(regionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}
	reg.PitchBends = append(reg.PitchBends, events...)
	s.version++
	return nil
}

// AddAftertouch appends aftertouch events to a region.
func (s *Store) AddAftertouch(regionID string, events []models.AftertouchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registry.Region(regionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}
	reg.Aftertouch = append(reg.Aftertouch, events...)
	s.version++
	return nil
}

// AddEffect attaches an insert effect to a track.
func (s *Store) AddEffect(trackID, effectType string, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	track, ok := s.registry.Track(trackID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	track.Effects = append(track.Effects, models.EffectRef{TrackID: trackID, Type: effectType})
	s.appendEvent(EventEffectAdded, "track", trackID, map[string]any{"type": effectType}, tx)
	return nil
}

// AddSend routes a track to a bus. Duplicate sends to the same bus are
// no-ops.
func (s *Store) AddSend(trackID, busID string, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	track, ok := s.registry.Track(trackID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	if _, ok := s.registry.Bus(busID); !ok {
		return fmt.Errorf("%w: bus %s", ErrUnknownTrack, busID)
	}
	for _, existing := range track.Sends {
		if existing == busID {
			return nil
		}
	}
	track.Sends = append(track.Sends, busID)
	s.appendEvent(EventSendAdded, "track", trackID, map[string]any{"bus_id": busID}, tx)
	return nil
}

// AddAutomation appends breakpoints to a track's lane for the parameter,
// creating the lane on first use.
func (s *Store) AddAutomation(trackID, parameter string, points []models.AutomationPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	track, ok := s.registry.Track(trackID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	for i := range track.Automation {
		if track.Automation[i].Parameter == parameter {
			track.Automation[i].Points = append(track.Automation[i].Points, points...)
			s.version++
			return nil
		}
	}
	track.Automation = append(track.Automation, models.AutomationLane{
		Parameter: parameter,
		Points:    append([]models.AutomationPoint(nil), points...),
	})
	s.version++
	return nil
}

// SetTrackName renames a track in place; the id stays stable.
func (s *Store) SetTrackName(trackID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	track, ok := s.registry.Track(trackID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	track.Name = name
	s.version++
	return nil
}

// SetTrackParam writes a mixing parameter (volume, pan, mute, solo, color,
// icon) into the track's metadata.
func (s *Store) SetTrackParam(trackID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	track, ok := s.registry.Track(trackID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	if track.Metadata == nil {
		track.Metadata = make(map[string]any)
	}
	track.Metadata[key] = value
	s.version++
	return nil
}

// DuplicateRegion copies a region, its notes and its controller data to a
// new start beat on the same track. The copy is overlap-checked like any
// other region.
func (s *Store) DuplicateRegion(regionID string, startBeat float64, tx *Transaction) (string, error) {
	s.mu.Lock()
	src, ok := s.registry.Region(regionID)
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}
	srcCopy := cloneRegion(src)
	s.mu.Unlock()

	newID, err := s.CreateRegion(srcCopy.Name, srcCopy.ParentTrackID, startBeat, srcCopy.DurationBeats, tx)
	if err != nil {
		return "", err
	}
	if len(srcCopy.Notes) > 0 {
		if err := s.AddNotes(newID, srcCopy.Notes, tx); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if dst, ok := s.registry.Region(newID); ok {
		dst.CC = append(dst.CC, srcCopy.CC...)
		dst.PitchBends = append(dst.PitchBends, srcCopy.PitchBends...)
		dst.Aftertouch = append(dst.Aftertouch, srcCopy.Aftertouch...)
	}
	return newID, nil
}

// GetStateID returns the current version as an opaque string.
func (s *Store) GetStateID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strconv.FormatInt(s.version, 10)
}

// Version returns the current store version.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// GetEventsSince returns a copy of all events with version greater than the
// given one.
func (s *Store) GetEventsSince(version int64) []StateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StateEvent
	for _, ev := range s.events {
		if ev.Version > version {
			out = append(out, ev)
		}
	}
	return out
}

// Events returns a copy of the full event log.
func (s *Store) Events() []StateEvent {
	return s.GetEventsSince(0)
}

// ProjectSnapshot is a client-authoritative import of project state.
type ProjectSnapshot struct {
	Tempo         int                  `json:"tempo"`
	Key           string               `json:"key"`
	TimeSignature models.TimeSignature `json:"time_signature"`
	Tracks        []TrackSnapshot      `json:"tracks"`
	Buses         []BusSnapshot        `json:"buses,omitempty"`
}

// TrackSnapshot is one imported track with its regions.
type TrackSnapshot struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Regions []RegionSnapshot `json:"regions,omitempty"`
}

// RegionSnapshot is one imported region.
type RegionSnapshot struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	StartBeat     float64       `json:"start_beat"`
	DurationBeats float64       `json:"duration_beats"`
	Notes         []models.Note `json:"notes,omitempty"`
}

// BusSnapshot is one imported bus.
type BusSnapshot struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SyncFromClient replaces registry contents and metadata from a client
// snapshot. The client is authoritative for the import, so no events are
// appended; the version still advances.
func (s *Store) SyncFromClient(snap ProjectSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	registry := NewRegistry()
	for _, t := range snap.Tracks {
		id := t.ID
		if id == "" {
			id = newID("track")
		}
		registry.addTrack(&Track{ID: id, Name: t.Name})
		for _, r := range t.Regions {
			regionID := r.ID
			if regionID == "" {
				regionID = newID("region")
			}
			registry.addRegion(&Region{
				ID:            regionID,
				Name:          r.Name,
				ParentTrackID: id,
				StartBeat:     r.StartBeat,
				DurationBeats: r.DurationBeats,
				Notes:         append([]models.Note(nil), r.Notes...),
			})
		}
	}
	for _, b := range snap.Buses {
		id := b.ID
		if id == "" {
			id = newID("bus")
		}
		registry.addBus(&Bus{ID: id, Name: b.Name})
	}

	s.registry = registry
	if snap.Tempo > 0 {
		s.metadata.Tempo = snap.Tempo
	}
	if snap.Key != "" {
		s.metadata.Key = snap.Key
	}
	if snap.TimeSignature.Numerator > 0 {
		s.metadata.TimeSignature = snap.TimeSignature
	}
	s.version++
}

// Metadata returns a copy of the project metadata.
func (s *Store) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata
}

// TrackByID returns a deep copy of the track.
func (s *Store) TrackByID(id string) (Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.registry.Track(id)
	if !ok {
		return Track{}, false
	}
	return *cloneTrack(t), true
}

// RegionByID returns a deep copy of the region.
func (s *Store) RegionByID(id string) (Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registry.Region(id)
	if !ok {
		return Region{}, false
	}
	return *cloneRegion(reg), true
}

// ResolveTrack looks a track up by name (see Registry.ResolveTrack).
func (s *Store) ResolveTrack(name string, exact bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.ResolveTrack(name, exact)
}

// ResolveRegion looks a region up by name.
func (s *Store) ResolveRegion(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.ResolveRegion(name)
}

// ResolveBus looks a bus up by name.
func (s *Store) ResolveBus(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.ResolveBus(name)
}

// LatestRegionForTrack returns the most recently created region on a track.
func (s *Store) LatestRegionForTrack(trackID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.LatestRegionForTrack(trackID)
}

// Counts reports store totals for summary events.
func (s *Store) Counts() (tracks, regions, notes, effects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Counts()
}

// TrackSummary is one line of the final summary event.
type TrackSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Regions int    `json:"regions"`
	Notes   int    `json:"notes"`
}

// TrackSummaries lists per-track totals in insertion order.
func (s *Store) TrackSummaries() []TrackSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TrackSummary, 0, len(s.registry.trackOrder))
	for _, id := range s.registry.trackOrder {
		t := s.registry.tracksByID[id]
		summary := TrackSummary{ID: id, Name: t.Name}
		for _, regionID := range s.registry.regionsByTrack[id] {
			summary.Regions++
			summary.Notes += len(s.registry.regionsByID[regionID].Notes)
		}
		out = append(out, summary)
	}
	return out
}
