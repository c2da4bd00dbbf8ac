package state

import "time"

// Event types appended to the store log.
const (
	EventTrackCreated  = "track.created"
	EventRegionCreated = "region.created"
	EventBusCreated    = "bus.created"
	EventNotesAdded    = "notes.added"
	EventNotesRemoved  = "notes.removed"
	EventEffectAdded   = "effect.added"
	EventSendAdded     = "send.added"
	EventTempoChanged  = "tempo.changed"
	EventKeyChanged    = "key.changed"
	EventTxStart       = "transaction.start"
	EventTxCommit      = "transaction.commit"
	EventTxRollback    = "transaction.rollback"
)

// StateEvent is one entry in the append-only store log. Version is the
// store version the mutation produced; events inside a transaction carry
// its id so rollback can strip them from the log.
type StateEvent struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	EntityType    string         `json:"entity_type,omitempty"`
	EntityID      string         `json:"entity_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Version       int64          `json:"version"`
	TransactionID string         `json:"transaction_id,omitempty"`
}
