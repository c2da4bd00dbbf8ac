// Package signal provides one-shot readiness events between instrument
// agents. Drums signal section completion; bass waits on the matching
// (section id, contract hash) key before generating, so its lines can lock
// to the actual kick pattern rather than a guess.
package signal

import (
	"context"
	"sync"
	"time"

	"github.com/Conceptual-Machines/maestro-api/internal/errkind"
	"github.com/Conceptual-Machines/maestro-api/internal/models"
)

// SectionSignalResult is the payload stored when a section signals
// completion. DrumNotes is set only on success and only by drum roles.
type SectionSignalResult struct {
	Success      bool          `json:"success"`
	DrumNotes    []models.Note `json:"drum_notes,omitempty"`
	ContractHash string        `json:"contract_hash"`
}

type entry struct {
	done   chan struct{}
	result *SectionSignalResult
}

// Bus keys completion events by "sectionID:contractHash". The hash in the
// key means a waiter holding a stale or foreign contract hash simply never
// sees the signal: wrong-lineage coupling times out instead of delivering
// the wrong section's notes.
type Bus struct {
	mu      sync.Mutex
	entries map[string]*entry
	// registered reports whether the bus was built with any expected
	// sections. An unregistered bus resolves every wait immediately.
	registered bool
}

func key(sectionID, contractHash string) string {
	return sectionID + ":" + contractHash
}

// NewBus returns an empty bus. Waits on an empty bus return immediately
// with no result.
func NewBus() *Bus {
	return &Bus{entries: make(map[string]*entry)}
}

// FromSectionIDs pre-creates one completion event per (section id, contract
// hash) pair. Both slices must be parallel; extra entries in either are
// ignored.
func FromSectionIDs(sectionIDs, contractHashes []string) *Bus {
	b := NewBus()
	n := len(sectionIDs)
	if len(contractHashes) < n {
		n = len(contractHashes)
	}
	for i := 0; i < n; i++ {
		b.entries[key(sectionIDs[i], contractHashes[i])] = &entry{done: make(chan struct{})}
		b.registered = true
	}
	return b
}

func (b *Bus) getOrCreate(k string) *entry {
	if e, ok := b.entries[k]; ok {
		return e
	}
	e := &entry{done: make(chan struct{})}
	b.entries[k] = e
	return e
}

// SignalComplete stores the result for a key and releases its waiters.
// Idempotent: the first write wins and later calls are no-ops.
func (b *Bus) SignalComplete(sectionID, contractHash string, success bool, drumNotes []models.Note) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.getOrCreate(key(sectionID, contractHash))
	if e.result != nil {
		return
	}
	e.result = &SectionSignalResult{
		Success:      success,
		DrumNotes:    drumNotes,
		ContractHash: contractHash,
	}
	close(e.done)
}

// WaitFor blocks until the key is signalled, the timeout elapses, or the
// context is cancelled. Timeout returns (nil, nil): the caller proceeds
// without the cross-instrument payload. A stored result whose inner hash
// does not match the key is a protocol violation.
func (b *Bus) WaitFor(ctx context.Context, sectionID, contractHash string, timeout time.Duration) (*SectionSignalResult, error) {
	b.mu.Lock()
	if !b.registered {
		b.mu.Unlock()
		return nil, nil
	}
	e := b.getOrCreate(key(sectionID, contractHash))
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b.mu.Lock()
	result := e.result
	b.mu.Unlock()

	if result == nil {
		return nil, nil
	}
	if result.ContractHash != contractHash {
		return nil, errkind.New(errkind.ProtocolViolation,
			"signal result for section %s carries hash %s, waiter expected %s",
			sectionID, result.ContractHash, contractHash)
	}
	out := *result
	return &out, nil
}

// Signalled reports whether the key has already been resolved.
func (b *Bus) Signalled(sectionID, contractHash string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key(sectionID, contractHash)]
	return ok && e.result != nil
}
