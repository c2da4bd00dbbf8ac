package section

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func sealedContract(t *testing.T, trackID, instrument, role string) contract.SectionContract {
	t.Helper()
	sec := contract.SectionSpec{
		SectionID:     "sec-1",
		Name:          "intro",
		Index:         0,
		StartBeat:     0,
		DurationBeats: 16,
		Bars:          4,
		Character:     "four on the floor",
		RoleBrief:     "keep it tight",
	}
	require.NoError(t, sec.Seal("comp-hash"))
	sc := contract.SectionContract{
		Section:        sec,
		TrackID:        trackID,
		InstrumentName: instrument,
		Role:           role,
		Style:          "house",
		Tempo:          124,
		Key:            "Am",
	}
	require.NoError(t, sc.Seal("instr-hash"))
	return sc
}

func testRuntime(bus *signal.Bus, tele *telemetry.Store) RuntimeContext {
	return RuntimeContext{
		TraceID:        "trace-1",
		CompositionID:  "comp-1",
		Genre:          "house",
		QualityPreset:  "draft",
		Signals:        bus,
		Telemetry:      tele,
		SignalHashes:   map[string]string{"sec-1": "comp-sec-hash"},
		DrumInstrument: "Drums",
	}
}

// generatorServer fakes the generation service and streams every request it
// saw into reqs.
func generatorServer(t *testing.T, notes []models.Note, reqs chan<- orpheus.GenerateRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req orpheus.GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if reqs != nil {
			reqs <- req
		}
		payload := map[string]any{
			"jobId":  "job-section",
			"status": orpheus.StatusComplete,
			"result": map[string]any{"success": true, "notes": notes},
		}
		json.NewEncoder(w).Encode(payload)
	}))
}

func newGenerator(t *testing.T, serverURL string) *orpheus.Client {
	t.Helper()
	cfg := orpheus.DefaultConfig(serverURL)
	cfg.RetryDelays = []time.Duration{0}
	return orpheus.NewClient(cfg)
}

func drainEvents(t *testing.T, mux *stream.Mux) []stream.Event {
	t.Helper()
	mux.Close()
	var events []stream.Event
	require.NoError(t, mux.Drain(context.Background(), func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	}))
	return events
}

func typesOf(events []stream.Event) []string {
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func kickNotes() []models.Note {
	return []models.Note{
		{Pitch: 36, StartBeat: 0, DurationBeats: 0.25, Velocity: 110},
		{Pitch: 36, StartBeat: 2, DurationBeats: 0.25, Velocity: 110},
	}
}

func TestDrumChildHappyPath(t *testing.T) {
	server := generatorServer(t, kickNotes(), nil)
	defer server.Close()

	store := state.NewStore()
	trackID, err := store.CreateTrack("Drums", "", nil, nil)
	require.NoError(t, err)

	exec := executor.New(store, newGenerator(t, server.URL))
	mux := stream.NewMux(64)
	bus := signal.NewBus()
	tele := telemetry.NewStore()
	sc := sealedContract(t, trackID, "Drums", "drums")

	res := New(sc, "drums-agent", exec, mux, testRuntime(bus, tele)).Run(context.Background())

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, "sec-1", res.SectionID)
	assert.Equal(t, "intro", res.SectionName)
	assert.Equal(t, trackID, res.TrackID)
	assert.Equal(t, 2, res.NotesGenerated)
	assert.Len(t, res.Notes, 2)
	assert.Equal(t, sc.ContractHash, res.ContractHash)
	assert.Equal(t, contract.ExecutionHash(sc.ContractHash, "trace-1"), res.ExecutionHash)
	assert.Len(t, res.ToolRecords, 4, "region and generate each record call+result")

	// Region geometry comes verbatim from the contract.
	region, ok := store.RegionByID(res.RegionID)
	require.True(t, ok)
	assert.Equal(t, "Drums - intro", region.Name)
	assert.Equal(t, 0.0, region.StartBeat)
	assert.Equal(t, 16.0, region.DurationBeats)
	assert.Len(t, region.Notes, 2)

	// Telemetry recorded under (instrument, section id).
	recorded, ok := tele.Get("Drums", "sec-1")
	require.True(t, ok)
	assert.NotEmpty(t, recorded.KickPatternHash)
	assert.Equal(t, 2, recorded.NoteCount)

	// Drums signalled completion with the generated notes.
	require.True(t, bus.Signalled("sec-1", "comp-sec-hash"))
	sig, err := bus.WaitFor(context.Background(), "sec-1", "comp-sec-hash", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.True(t, sig.Success)
	assert.Len(t, sig.DrumNotes, 2)

	events := drainEvents(t, mux)
	assert.Equal(t, []string{
		"status", "toolStart", "toolCall",
		"toolStart", "generatorStart", "generatorComplete", "toolCall",
		"status",
	}, typesOf(events))
	assert.Equal(t, "starting", events[0].Fields["message"])
	assert.Equal(t, "intro", events[0].Fields["sectionName"])
	assert.Equal(t, "drums-agent", events[0].Fields["agentId"])
	assert.Equal(t, "complete", events[len(events)-1].Fields["message"])
}

func TestRegionFailureSignalsDrumFailure(t *testing.T) {
	store := state.NewStore()
	exec := executor.New(store, nil)
	mux := stream.NewMux(64)
	bus := signal.NewBus()
	sc := sealedContract(t, "track-missing", "Drums", "drums")

	res := New(sc, "drums-agent", exec, mux, testRuntime(bus, telemetry.NewStore())).Run(context.Background())

	require.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.RegionID)
	assert.Equal(t, contract.ExecutionHash(sc.ContractHash, "trace-1"), res.ExecutionHash)

	// Failure is signalled so a waiting bass releases immediately.
	sig, err := bus.WaitFor(context.Background(), "sec-1", "comp-sec-hash", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.False(t, sig.Success)

	events := drainEvents(t, mux)
	assert.Equal(t, "failed", events[len(events)-1].Fields["message"])
}

func TestTamperedContractFailsVerification(t *testing.T) {
	store := state.NewStore()
	trackID, err := store.CreateTrack("Drums", "", nil, nil)
	require.NoError(t, err)

	exec := executor.New(store, nil)
	mux := stream.NewMux(64)
	bus := signal.NewBus()
	sc := sealedContract(t, trackID, "Drums", "drums")
	sc.Tempo = 999 // post-seal mutation must be caught

	res := New(sc, "drums-agent", exec, mux, testRuntime(bus, telemetry.NewStore())).Run(context.Background())

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "verification")

	_, regions, _, _ := store.Counts()
	assert.Equal(t, 0, regions, "no store mutation after a failed verify")

	events := drainEvents(t, mux)
	assert.Equal(t, []string{"status", "status"}, typesOf(events))
}

func TestBassSeedsGeneratorWithDrumSpine(t *testing.T) {
	reqs := make(chan orpheus.GenerateRequest, 1)
	server := generatorServer(t, []models.Note{{Pitch: 40, StartBeat: 0, DurationBeats: 1, Velocity: 90}}, reqs)
	defer server.Close()

	store := state.NewStore()
	trackID, err := store.CreateTrack("Bass", "", nil, nil)
	require.NoError(t, err)

	bus := signal.FromSectionIDs([]string{"sec-1"}, []string{"comp-sec-hash"})
	tele := telemetry.NewStore()
	tele.Set("Drums", "sec-1", telemetry.Compute(kickNotes(), 16))
	bus.SignalComplete("sec-1", "comp-sec-hash", true, kickNotes())

	exec := executor.New(store, newGenerator(t, server.URL))
	mux := stream.NewMux(64)
	rt := testRuntime(bus, tele)
	rt.BassWaitTimeout = 2 * time.Second
	sc := sealedContract(t, trackID, "Bass", "bass")

	res := New(sc, "bass-agent", exec, mux, rt).Run(context.Background())
	require.True(t, res.Success, "error: %s", res.Error)

	req := <-reqs
	assert.Len(t, req.PreviousNotes, 2, "drum notes seed the generator")
	assert.Equal(t, 36, req.PreviousNotes[0].Pitch)
	assert.Contains(t, req.MusicalGoals, "four on the floor")
	assert.Contains(t, req.MusicalGoals, "keep it tight")
	assert.Contains(t, req.MusicalGoals, "Lock to the drum groove")

	drainEvents(t, mux)
}

func TestBassProceedsWithoutSpineOnTimeout(t *testing.T) {
	reqs := make(chan orpheus.GenerateRequest, 1)
	server := generatorServer(t, []models.Note{{Pitch: 40, StartBeat: 0, DurationBeats: 1, Velocity: 90}}, reqs)
	defer server.Close()

	store := state.NewStore()
	trackID, err := store.CreateTrack("Bass", "", nil, nil)
	require.NoError(t, err)

	bus := signal.FromSectionIDs([]string{"sec-1"}, []string{"comp-sec-hash"})
	exec := executor.New(store, newGenerator(t, server.URL))
	mux := stream.NewMux(64)
	rt := testRuntime(bus, telemetry.NewStore())
	rt.BassWaitTimeout = 30 * time.Millisecond
	sc := sealedContract(t, trackID, "Bass", "bass")

	started := time.Now()
	res := New(sc, "bass-agent", exec, mux, rt).Run(context.Background())
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Less(t, time.Since(started), 2*time.Second)

	req := <-reqs
	assert.Empty(t, req.PreviousNotes)
	assert.NotContains(t, req.MusicalGoals, "Lock to the drum groove")

	drainEvents(t, mux)
}

// expressiveProvider echoes back CC, pitch-bend and one forbidden call for
// whatever region the user message names.
type expressiveProvider struct {
	lastReq *llm.TurnRequest
	calls   int
}

var regionIDPattern = regexp.MustCompile(`"(region[^"]*)"`)

func (p *expressiveProvider) Turn(_ context.Context, req *llm.TurnRequest, cb llm.StreamCallback) (*llm.TurnResponse, error) {
	p.calls++
	p.lastReq = req
	match := regionIDPattern.FindStringSubmatch(req.Messages[0].Content)
	if match == nil {
		return &llm.TurnResponse{}, nil
	}
	regionID := match[1]
	if cb != nil {
		_ = cb(llm.StreamEvent{Type: "reasoning_delta", Message: "shaping dynamics"})
		_ = cb(llm.StreamEvent{Type: "text_delta", Message: "Adding expression lanes."})
	}
	return &llm.TurnResponse{
		ToolCalls: []llm.ToolCall{
			{CallID: "call-cc", Name: "add_midi_cc", Args: map[string]any{
				"regionId": regionID, "cc": float64(64),
				"events": []any{
					map[string]any{"beat": float64(0), "value": float64(127)},
					map[string]any{"beat": float64(8), "value": float64(0)},
				},
			}},
			{CallID: "call-bend", Name: "add_pitch_bend", Args: map[string]any{
				"regionId": regionID,
				"events":   []any{map[string]any{"beat": float64(4), "value": float64(2048)}},
			}},
			{CallID: "call-bad", Name: "add_notes", Args: map[string]any{
				"regionId": regionID,
				"notes":    []any{map[string]any{"pitch": float64(60), "startBeat": float64(0), "durationBeats": float64(1), "velocity": float64(90)}},
			}},
		},
	}, nil
}

func (p *expressiveProvider) Name() string { return "scripted" }

func TestExpressiveRefinementAddsRestrictedLanes(t *testing.T) {
	server := generatorServer(t, kickNotes(), nil)
	defer server.Close()

	store := state.NewStore()
	trackID, err := store.CreateTrack("Drums", "", nil, nil)
	require.NoError(t, err)

	provider := &expressiveProvider{}
	exec := executor.New(store, newGenerator(t, server.URL))
	mux := stream.NewMux(64)
	rt := testRuntime(signal.NewBus(), telemetry.NewStore())
	rt.RawPrompt = "house groove with sustain_pedal swells and cc_curves"
	rt.Provider = provider
	rt.Model = "gpt-5"
	sc := sealedContract(t, trackID, "Drums", "drums")

	res := New(sc, "drums-agent", exec, mux, rt).Run(context.Background())
	require.True(t, res.Success, "error: %s", res.Error)
	require.Equal(t, 1, provider.calls)

	// The refinement turn is restricted to the two expressive tools.
	toolNames := make([]string, 0, len(provider.lastReq.Tools))
	for _, def := range provider.lastReq.Tools {
		toolNames = append(toolNames, def.Name)
	}
	assert.Equal(t, []string{"add_midi_cc", "add_pitch_bend"}, toolNames)
	assert.Contains(t, provider.lastReq.SystemPrompt, "sustain_pedal")

	region, ok := store.RegionByID(res.RegionID)
	require.True(t, ok)
	assert.Len(t, region.CC, 2)
	assert.Len(t, region.PitchBends, 1)
	assert.Len(t, region.Notes, 2, "forbidden add_notes call was rejected")

	events := drainEvents(t, mux)
	var sawReasoning, sawReasoningEnd, sawToolError bool
	for _, ev := range events {
		switch ev.Type {
		case "reasoning":
			sawReasoning = true
			assert.Equal(t, "drums-agent", ev.Fields["agentId"])
			assert.Equal(t, "intro", ev.Fields["sectionName"])
		case "reasoningEnd":
			sawReasoningEnd = true
		case "toolError":
			sawToolError = true
		}
	}
	assert.True(t, sawReasoning)
	assert.True(t, sawReasoningEnd)
	assert.True(t, sawToolError, "rejected add_notes surfaces as toolError")
}

func TestRefinementSkippedWithoutDirectives(t *testing.T) {
	server := generatorServer(t, kickNotes(), nil)
	defer server.Close()

	store := state.NewStore()
	trackID, err := store.CreateTrack("Drums", "", nil, nil)
	require.NoError(t, err)

	provider := &expressiveProvider{}
	exec := executor.New(store, newGenerator(t, server.URL))
	mux := stream.NewMux(64)
	rt := testRuntime(signal.NewBus(), telemetry.NewStore())
	rt.RawPrompt = "plain house groove"
	rt.Provider = provider
	sc := sealedContract(t, trackID, "Drums", "drums")

	res := New(sc, "drums-agent", exec, mux, rt).Run(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, 0, provider.calls)

	drainEvents(t, mux)
}

func TestAdvisoryRegionNameWins(t *testing.T) {
	server := generatorServer(t, kickNotes(), nil)
	defer server.Close()

	store := state.NewStore()
	trackID, err := store.CreateTrack("Drums", "", nil, nil)
	require.NoError(t, err)

	sc := sealedContract(t, trackID, "Drums", "drums")
	sc.RegionName = "Drums - intro (take 2)"
	// Advisory fields sit outside the canonical hash, so the seal holds.
	require.True(t, sc.Verify())

	exec := executor.New(store, newGenerator(t, server.URL))
	mux := stream.NewMux(64)

	res := New(sc, "drums-agent", exec, mux, testRuntime(signal.NewBus(), telemetry.NewStore())).Run(context.Background())
	require.True(t, res.Success, "error: %s", res.Error)

	region, ok := store.RegionByID(res.RegionID)
	require.True(t, ok)
	assert.Equal(t, "Drums - intro (take 2)", region.Name)

	drainEvents(t, mux)
}
