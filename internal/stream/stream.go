// Package stream multiplexes events from many concurrent agents into one
// ordered outbound sequence. Producers enqueue; a single drainer assigns
// sequence numbers at serialisation time, which is what guarantees seq
// monotonicity across producers regardless of task completion order.
package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Phases tagged on tool events.
const (
	PhaseSetup       = "setup"
	PhaseComposition = "composition"
	PhaseSoundDesign = "soundDesign"
	PhaseMixing      = "mixing"
)

// Plan step statuses.
const (
	StepPending   = "pending"
	StepActive    = "active"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// PhaseForTool maps a tool name onto its client-facing phase.
func PhaseForTool(name string) string {
	switch name {
	case "set_tempo", "set_key":
		return PhaseSetup
	case "add_midi_track", "add_midi_region", "add_notes", "remove_notes", "duplicate_region":
		return PhaseComposition
	case "add_insert_effect", "add_midi_cc", "add_pitch_bend", "add_aftertouch", "ensure_bus", "add_send":
		return PhaseSoundDesign
	case "set_track_volume", "set_track_pan", "set_track_mute", "set_track_solo",
		"set_track_name", "set_track_color", "set_track_icon", "add_automation":
		return PhaseMixing
	}
	if strings.HasPrefix(name, "generate_") {
		return PhaseComposition
	}
	return PhaseComposition
}

// Event is one outbound NDJSON record. Seq is zero until the drainer
// assigns it; producers never set it.
type Event struct {
	Type   string
	Seq    int64
	Fields map[string]any
}

// MarshalJSON flattens the payload fields alongside type and seq.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	out["seq"] = e.Seq
	return json.Marshal(out)
}

// New builds an event from a payload map. Nil maps are allowed.
func New(eventType string, fields map[string]any) Event {
	if fields == nil {
		fields = map[string]any{}
	}
	return Event{Type: eventType, Fields: fields}
}

func withAgent(fields map[string]any, agentID string) map[string]any {
	if agentID != "" {
		fields["agentId"] = agentID
	}
	return fields
}

func withSection(fields map[string]any, sectionName string) map[string]any {
	if sectionName != "" {
		fields["sectionName"] = sectionName
	}
	return fields
}

// ToolStart announces a tool invocation. Label is echoed verbatim by the
// following toolCall.
func ToolStart(name, label, phase, agentID string) Event {
	return New("toolStart", withAgent(map[string]any{
		"name":  name,
		"label": label,
		"phase": phase,
	}, agentID))
}

// ToolCall carries the enriched parameters of an executed tool.
func ToolCall(name, label, phase, callID string, params map[string]any, agentID string) Event {
	return New("toolCall", withAgent(map[string]any{
		"name":   name,
		"label":  label,
		"phase":  phase,
		"params": params,
		"id":     callID,
	}, agentID))
}

// ToolError reports a failed or skipped tool invocation.
func ToolError(name, errMsg, agentID string) Event {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return New("toolError", withAgent(map[string]any{
		"name":  name,
		"error": errMsg,
	}, agentID))
}

// GeneratorStart is emitted at the executor boundary when a generate call
// leaves for the external service. agentId mirrors the role so single-tool
// paths get agent tagging too.
func GeneratorStart(role, style string, bars int) Event {
	return New("generatorStart", map[string]any{
		"role":    role,
		"agentId": role,
		"style":   style,
		"bars":    bars,
	})
}

// GeneratorComplete is the matching completion marker.
func GeneratorComplete(role string, noteCount int, durationMs int64) Event {
	return New("generatorComplete", map[string]any{
		"role":       role,
		"agentId":    role,
		"noteCount":  noteCount,
		"durationMs": durationMs,
	})
}

// Reasoning streams one LLM reasoning fragment.
func Reasoning(content, agentID, sectionName string) Event {
	return New("reasoning", withSection(withAgent(map[string]any{
		"content": content,
	}, agentID), sectionName))
}

// ReasoningEnd closes a reasoning block. Emitted once per turn that
// produced any reasoning.
func ReasoningEnd(agentID, sectionName string) Event {
	return New("reasoningEnd", withSection(withAgent(map[string]any{}, agentID), sectionName))
}

// Content streams one assistant content fragment.
func Content(content, agentID string) Event {
	return New("content", withAgent(map[string]any{"content": content}, agentID))
}

// Status is a human-readable progress message.
func Status(message, agentID, sectionName string) Event {
	return New("status", withSection(withAgent(map[string]any{
		"message": message,
	}, agentID), sectionName))
}

// AgentComplete reports one agent's terminal outcome.
func AgentComplete(agentID string, success bool) Event {
	return New("agentComplete", map[string]any{
		"agentId": agentID,
		"success": success,
	})
}

// Preflight lets the client pre-allocate a UI row for an expected step.
func Preflight(stepID, agentID, agentRole, label, trackColor string) Event {
	return New("preflight", map[string]any{
		"stepId":     stepID,
		"agentId":    agentID,
		"agentRole":  agentRole,
		"label":      label,
		"trackColor": trackColor,
	})
}

// ErrorEvent is the terminal failure record for the whole run.
func ErrorEvent(message string) Event {
	return New("error", map[string]any{
		"message": message,
		"error":   message,
	})
}

// Mux is the many-producer, single-consumer event queue for one request.
type Mux struct {
	ch        chan Event
	closed    chan struct{}
	closeOnce sync.Once
	seq       int64
}

const defaultBuffer = 256

// NewMux builds a mux with the given buffer; zero or negative means the
// default.
func NewMux(buffer int) *Mux {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Mux{
		ch:     make(chan Event, buffer),
		closed: make(chan struct{}),
	}
}

// Emit queues an event. Safe for concurrent producers; events emitted after
// Close are dropped.
func (m *Mux) Emit(ev Event) {
	select {
	case m.ch <- ev:
	case <-m.closed:
	}
}

// Close ends the stream. Call only after every producer has finished;
// Drain then delivers whatever is still queued and returns.
func (m *Mux) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

// Drain pumps events to write until the mux is closed and empty, assigning
// seq in arrival order. It is the only goroutine touching seq.
func (m *Mux) Drain(ctx context.Context, write func(Event) error) error {
	deliver := func(ev Event) error {
		ev.Seq = m.seq
		m.seq++
		return write(ev)
	}

	for {
		select {
		case ev := <-m.ch:
			if err := deliver(ev); err != nil {
				return err
			}
		case <-m.closed:
			for {
				select {
				case ev := <-m.ch:
					if err := deliver(ev); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
