package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conceptual-Machines/maestro-api/internal/agents/section"
	"github.com/Conceptual-Machines/maestro-api/internal/contract"
	"github.com/Conceptual-Machines/maestro-api/internal/executor"
	"github.com/Conceptual-Machines/maestro-api/internal/llm"
	"github.com/Conceptual-Machines/maestro-api/internal/models"
	"github.com/Conceptual-Machines/maestro-api/internal/orpheus"
	"github.com/Conceptual-Machines/maestro-api/internal/signal"
	"github.com/Conceptual-Machines/maestro-api/internal/state"
	"github.com/Conceptual-Machines/maestro-api/internal/stream"
	"github.com/Conceptual-Machines/maestro-api/internal/telemetry"
)

// scriptedProvider replays a fixed queue of turn responses. Once the queue
// is empty it answers with plain content and no tool calls, which ends the
// agent loop.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.TurnResponse
	errs      []error
	reqs      []*llm.TurnRequest
}

func (p *scriptedProvider) Turn(_ context.Context, req *llm.TurnRequest, _ llm.StreamCallback) (*llm.TurnResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(p.responses) == 0 {
		return &llm.TurnResponse{Content: "All sections are done."}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) turns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func sealedInstrument(t *testing.T) contract.InstrumentContract {
	t.Helper()
	ic := contract.InstrumentContract{
		InstrumentName: "Drums",
		Role:           "drums",
		Style:          "house",
		Bars:           4,
		Tempo:          124,
		Key:            "Am",
		StartBeat:      0,
		Sections: []contract.SectionSpec{
			{SectionID: "section-1", Name: "intro", Index: 0, StartBeat: 0, DurationBeats: 8, Bars: 2},
			{SectionID: "section-2", Name: "verse", Index: 1, StartBeat: 8, DurationBeats: 8, Bars: 2},
		},
		AssignedColor: "#E53935",
	}
	require.NoError(t, ic.Seal("comp-hash"))
	for i := range ic.Sections {
		require.NoError(t, ic.Sections[i].Seal(ic.ContractHash))
	}
	return ic
}

// fullPipeline is the canonical single-batch plan the system prompt teaches:
// track, colour, then a (region, generate) pair per section, effect last.
func fullPipeline() *llm.TurnResponse {
	return &llm.TurnResponse{
		Content: "Building the drum part.",
		ToolCalls: []llm.ToolCall{
			{CallID: "c1", Name: "add_midi_track", Args: map[string]any{"name": "Drums"}},
			{CallID: "c2", Name: "set_track_color", Args: map[string]any{"trackId": "$1.trackId", "color": "#E53935"}},
			{CallID: "c3", Name: "add_midi_region", Args: map[string]any{
				"trackId": "$1.trackId", "name": "Drums - intro", "startBeat": 0.0, "durationBeats": 8.0}},
			{CallID: "c4", Name: "generate_midi", Args: map[string]any{
				"role": "drums", "style": "house", "tempo": 124, "bars": 2, "regionId": "$3.regionId"}},
			{CallID: "c5", Name: "add_midi_region", Args: map[string]any{
				"trackId": "$1.trackId", "name": "Drums - verse", "startBeat": 8.0, "durationBeats": 8.0}},
			{CallID: "c6", Name: "generate_midi", Args: map[string]any{
				"role": "drums", "style": "house", "tempo": 124, "bars": 2, "regionId": "$5.regionId"}},
			{CallID: "c7", Name: "add_insert_effect", Args: map[string]any{"trackId": "$1.trackId", "type": "compressor"}},
		},
		Usage: llm.Usage{InputTokens: 100, OutputTokens: 40, TotalTokens: 140},
	}
}

// generatorServer fakes the generation service; failFirst makes the first
// request fail with HTTP 500 before serving the rest.
func generatorServer(t *testing.T, notes []models.Note, failFirst bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	calls := new(atomic.Int32)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if failFirst && n == 1 {
			http.Error(w, "generator exploded", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jobId":  "job-1",
			"status": orpheus.StatusComplete,
			"result": map[string]any{"success": true, "notes": notes},
		})
	})), calls
}

func newRuntime(tele *telemetry.Store, provider llm.Provider) section.RuntimeContext {
	return section.RuntimeContext{
		TraceID:        "trace-agent",
		CompositionID:  "comp-1",
		Genre:          "house",
		Signals:        signal.NewBus(),
		Telemetry:      tele,
		SignalHashes:   map[string]string{},
		DrumInstrument: "Drums",
		Provider:       provider,
		Model:          "gpt-5",
	}
}

func newPlan(mux *stream.Mux, agentID string, ic contract.InstrumentContract) *stream.PlanTracker {
	plan := stream.NewPlanTracker(mux, "plan-1", "test plan")
	for _, sec := range ic.Sections {
		plan.AddStep(stream.PlanStep{
			StepID:    StepID(agentID, sec.SectionID),
			Label:     sec.Name,
			Phase:     stream.PhaseComposition,
			AgentID:   agentID,
			AgentRole: ic.Role,
		})
	}
	return plan
}

func drainAll(t *testing.T, mux *stream.Mux) []stream.Event {
	t.Helper()
	mux.Close()
	var events []stream.Event
	require.NoError(t, mux.Drain(context.Background(), func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	}))
	return events
}

func TestAgentRunsFullPipelineInOneTurn(t *testing.T) {
	notes := []models.Note{
		{Pitch: 36, StartBeat: 0, DurationBeats: 0.25, Velocity: 110},
		{Pitch: 38, StartBeat: 1, DurationBeats: 0.25, Velocity: 95},
	}
	server, calls := generatorServer(t, notes, false)
	defer server.Close()

	store := state.NewStore()
	cfg := orpheus.DefaultConfig(server.URL)
	cfg.RetryDelays = []time.Duration{0}
	exec := executor.New(store, orpheus.NewClient(cfg))
	mux := stream.NewMux(256)
	provider := &scriptedProvider{responses: []*llm.TurnResponse{fullPipeline()}}
	ic := sealedInstrument(t)
	plan := newPlan(mux, "drums", ic)

	res := New(ic, "drums", exec, mux, plan, newRuntime(telemetry.NewStore(), provider), Options{}).Run(context.Background())

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, 2, res.ExpectedSections)
	assert.Equal(t, 2, res.GeneratesCompleted)
	assert.Equal(t, 4, res.NotesGenerated)
	assert.Equal(t, 7, res.ToolCalls)
	assert.Equal(t, 1, res.Turns)
	assert.Equal(t, int64(140), res.Usage.TotalTokens)
	assert.NotEmpty(t, res.TrackID)
	assert.Equal(t, int32(2), calls.Load(), "one generate per section")

	// Store reflects the whole pipeline: one track, two regions, notes in
	// contract geometry, the effect on the track.
	tracks, regions, storeNotes, effects := store.Counts()
	assert.Equal(t, 1, tracks)
	assert.Equal(t, 2, regions)
	assert.Equal(t, 4, storeNotes)
	assert.Equal(t, 1, effects)

	track, ok := store.TrackByID(res.TrackID)
	require.True(t, ok)
	assert.Equal(t, "Drums", track.Name)
	assert.Equal(t, "#E53935", track.Metadata["color"])

	for _, sec := range ic.Sections {
		status, ok := plan.Status(StepID("drums", sec.SectionID))
		require.True(t, ok)
		assert.Equal(t, stream.StepCompleted, status, sec.Name)
	}

	events := drainAll(t, mux)
	last := events[len(events)-1]
	assert.Equal(t, "agentComplete", last.Type)
	assert.Equal(t, "drums", last.Fields["agentId"])
	assert.Equal(t, true, last.Fields["success"])
}

func TestCompletedSectionNeverRegenerated(t *testing.T) {
	notes := []models.Note{{Pitch: 36, StartBeat: 0, DurationBeats: 0.5, Velocity: 100}}
	server, calls := generatorServer(t, notes, false)
	defer server.Close()

	firstTurn := &llm.TurnResponse{ToolCalls: []llm.ToolCall{
		{CallID: "c1", Name: "add_midi_track", Args: map[string]any{"name": "Drums"}},
		{CallID: "c2", Name: "add_midi_region", Args: map[string]any{
			"trackId": "$1.trackId", "name": "Drums - intro", "startBeat": 0.0, "durationBeats": 8.0}},
		{CallID: "c3", Name: "generate_midi", Args: map[string]any{
			"role": "drums", "style": "house", "tempo": 124, "bars": 2, "regionId": "$2.regionId"}},
	}}
	// The second turn re-requests intro (already done) alongside verse; the
	// duplicate pair must be answered from the stage cache.
	secondTurn := &llm.TurnResponse{ToolCalls: []llm.ToolCall{
		{CallID: "c4", Name: "add_midi_region", Args: map[string]any{
			"name": "Drums - intro", "startBeat": 0.0, "durationBeats": 8.0}},
		{CallID: "c5", Name: "generate_midi", Args: map[string]any{
			"role": "drums", "style": "house", "tempo": 124, "bars": 2, "regionId": "$1.regionId"}},
		{CallID: "c6", Name: "add_midi_region", Args: map[string]any{
			"name": "Drums - verse", "startBeat": 8.0, "durationBeats": 8.0}},
		{CallID: "c7", Name: "generate_midi", Args: map[string]any{
			"role": "drums", "style": "house", "tempo": 124, "bars": 2, "regionId": "$3.regionId"}},
	}}

	store := state.NewStore()
	cfg := orpheus.DefaultConfig(server.URL)
	cfg.RetryDelays = []time.Duration{0}
	exec := executor.New(store, orpheus.NewClient(cfg))
	mux := stream.NewMux(256)
	provider := &scriptedProvider{responses: []*llm.TurnResponse{firstTurn, secondTurn}}
	ic := sealedInstrument(t)

	res := New(ic, "drums", exec, mux, newPlan(mux, "drums", ic), newRuntime(telemetry.NewStore(), provider), Options{}).Run(context.Background())

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, 2, res.GeneratesCompleted)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, int32(2), calls.Load(), "intro generated exactly once despite the duplicate request")

	_, regions, _, _ := store.Counts()
	assert.Equal(t, 2, regions)

	drainAll(t, mux)
}

func TestSectionRetriesAfterGeneratorFailure(t *testing.T) {
	notes := []models.Note{{Pitch: 36, StartBeat: 0, DurationBeats: 0.5, Velocity: 100}}
	server, calls := generatorServer(t, notes, true)
	defer server.Close()

	pipeline := &llm.TurnResponse{ToolCalls: []llm.ToolCall{
		{CallID: "c1", Name: "add_midi_track", Args: map[string]any{"name": "Drums"}},
		{CallID: "c2", Name: "add_midi_region", Args: map[string]any{
			"trackId": "$1.trackId", "name": "Drums - intro", "startBeat": 0.0, "durationBeats": 8.0}},
		{CallID: "c3", Name: "generate_midi", Args: map[string]any{
			"role": "drums", "style": "house", "tempo": 124, "bars": 2, "regionId": "$2.regionId"}},
	}}

	ic := sealedInstrument(t)
	ic.Sections = ic.Sections[:1]
	require.NoError(t, ic.Seal("comp-hash"))

	store := state.NewStore()
	cfg := orpheus.DefaultConfig(server.URL)
	cfg.RetryDelays = []time.Duration{0}
	exec := executor.New(store, orpheus.NewClient(cfg))
	mux := stream.NewMux(256)
	provider := &scriptedProvider{responses: []*llm.TurnResponse{pipeline}}

	opts := Options{MaxSectionRetries: 2, RetryDelays: []time.Duration{time.Millisecond, time.Millisecond}}
	res := New(ic, "drums", exec, mux, newPlan(mux, "drums", ic), newRuntime(telemetry.NewStore(), provider), opts).Run(context.Background())

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, 1, res.GeneratesCompleted)
	assert.Equal(t, int32(2), calls.Load(), "failed attempt plus the server-owned retry")

	events := drainAll(t, mux)
	var sawToolError bool
	for _, ev := range events {
		if ev.Type == "toolError" {
			sawToolError = true
		}
	}
	assert.True(t, sawToolError, "first generator failure surfaces as toolError")
}

func TestTurnErrorFailsPendingSteps(t *testing.T) {
	ic := sealedInstrument(t)
	store := state.NewStore()
	exec := executor.New(store, nil)
	mux := stream.NewMux(256)
	provider := &scriptedProvider{errs: []error{errors.New("model unavailable")}}
	plan := newPlan(mux, "drums", ic)

	res := New(ic, "drums", exec, mux, plan, newRuntime(telemetry.NewStore(), provider), Options{}).Run(context.Background())

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "model unavailable")
	assert.Equal(t, 0, res.GeneratesCompleted)
	assert.Len(t, res.Sections, 2, "every expected section reports a synthesised failure")
	for _, sr := range res.Sections {
		assert.False(t, sr.Success)
	}

	for _, sec := range ic.Sections {
		status, ok := plan.Status(StepID("drums", sec.SectionID))
		require.True(t, ok)
		assert.Equal(t, stream.StepFailed, status)
	}

	events := drainAll(t, mux)
	last := events[len(events)-1]
	assert.Equal(t, "agentComplete", last.Type)
	assert.Equal(t, false, last.Fields["success"])
}

func TestMaxTurnsBoundsTheLoop(t *testing.T) {
	// A provider that keeps emitting only chatter never completes a section;
	// the loop must stop at the computed turn budget (sections+2, min 3).
	chatter := func() *llm.TurnResponse {
		return &llm.TurnResponse{
			Content:   "Thinking about it.",
			ToolCalls: []llm.ToolCall{{CallID: "x", Name: "set_track_icon", Args: map[string]any{"trackId": "nope", "icon": "drum"}}},
		}
	}
	provider := &scriptedProvider{responses: []*llm.TurnResponse{
		chatter(), chatter(), chatter(), chatter(), chatter(), chatter(),
	}}

	ic := sealedInstrument(t)
	store := state.NewStore()
	exec := executor.New(store, nil)
	mux := stream.NewMux(1024)

	res := New(ic, "drums", exec, mux, newPlan(mux, "drums", ic), newRuntime(telemetry.NewStore(), provider), Options{}).Run(context.Background())

	require.False(t, res.Success)
	assert.Equal(t, 4, provider.turns(), "2 sections + 2 turns")
	drainAll(t, mux)
}
