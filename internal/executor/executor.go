// Package executor applies LLM tool calls against the state store. It owns
// validation, $N.field reference resolution, name-to-id resolution,
// idempotent entity creation and generator routing. Every call produces a
// ToolCallOutcome carrying the outbound events and the conversation-history
// messages; the store is the only thing it mutates.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Conceptual-Machines/maestro-api/internal/errkind"
	"github.com/Conceptual-Machines/maestro-api/internal/models"
	"github.com/Conceptual-Machines/maestro-api/internal/orpheus"
	"github.com/Conceptual-Machines/maestro-api/internal/state"
	"github.com/Conceptual-Machines/maestro-api/internal/stream"
)

// regionFailureLimit caps consecutive add_notes failures per region; once
// reached, further calls to the same region fail fast.
const regionFailureLimit = 4

// ToolCall is one named invocation with named arguments, as produced by an
// LLM or built deterministically by an agent.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// CompositionContext routes generator tools to the generator service. When
// absent, generate_* calls pass through untouched.
type CompositionContext struct {
	CompositionID string
	Genre         string
	Style         string
	Tempo         int
	Key           string
	QualityPreset string
	Emotion       models.EmotionVector
	PreviousNotes []models.Note
}

// CallContext carries the ambient identity, permissions and transaction for
// one call.
type CallContext struct {
	AgentID     string
	SectionName string
	Allow       map[string]bool // nil permits the full vocabulary
	Tx          *state.Transaction
	Composition *CompositionContext
}

// Message is one conversation-history entry produced by an executed call.
// The LLM layer converts these into provider-specific message params.
type Message struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Content string `json:"content"`
}

// Outcome is the full result of executing one tool call.
type Outcome struct {
	Name           string
	CallID         string
	EnrichedParams map[string]any
	Result         map[string]any
	Events         []stream.Event
	MsgCall        Message
	MsgResult      Message
	Skipped        bool
	Err            error
}

// CallRecord is one executed call in run order. The coordinator attaches the
// full log to the final complete event.
type CallRecord struct {
	Name    string `json:"name"`
	ID      string `json:"id,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Status  string `json:"status"`
}

// Executor is created once per composition request and shared by every
// agent working on it.
type Executor struct {
	store *state.Store
	gen   *orpheus.Client

	mu             sync.Mutex
	regionFailures map[string]int
	callLog        []CallRecord
}

func New(store *state.Store, gen *orpheus.Client) *Executor {
	return &Executor{
		store:          store,
		gen:            gen,
		regionFailures: make(map[string]int),
	}
}

// Store exposes the backing state store for agent read paths (note
// readback, track summaries). Mutation still goes through Execute.
func (e *Executor) Store() *state.Store {
	return e.store
}

// Generator exposes the generator client so agents can consult the circuit
// breaker before scheduling retries. Nil when generation is passthrough.
func (e *Executor) Generator() *orpheus.Client {
	return e.gen
}

// CallLog returns every call executed so far, in run order.
func (e *Executor) CallLog() []CallRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]CallRecord(nil), e.callLog...)
}

func (e *Executor) logCall(out *Outcome, cctx CallContext) {
	status := "completed"
	if out.Skipped {
		status = "failed"
	}
	e.mu.Lock()
	e.callLog = append(e.callLog, CallRecord{Name: out.Name, ID: out.CallID, AgentID: cctx.AgentID, Status: status})
	e.mu.Unlock()
}

// Execute runs one tool call. It always returns an Outcome; failures set
// Err and Skipped, emit a toolError event, and leave the store untouched,
// so the caller's batch continues.
func (e *Executor) Execute(ctx context.Context, call ToolCall, batch *Batch, cctx CallContext) *Outcome {
	out := &Outcome{Name: call.Name, CallID: call.ID, EnrichedParams: call.Args}

	if !knownTools[call.Name] {
		return e.fail(out, batch, cctx, nil, errkind.New(errkind.Validation, "unknown tool %q", call.Name))
	}
	if cctx.Allow != nil && !cctx.Allow[call.Name] {
		return e.fail(out, batch, cctx, nil, errkind.New(errkind.Validation, "tool %q is not permitted in this phase", call.Name))
	}

	args, err := resolveRefs(call.Args, batch)
	if err != nil {
		return e.fail(out, batch, cctx, nil, err)
	}
	out.EnrichedParams = args

	label := toolLabel(call.Name, args)
	phase := stream.PhaseForTool(call.Name)
	started := []stream.Event{stream.ToolStart(call.Name, label, phase, cctx.AgentID)}

	result, extra, err := e.dispatch(ctx, call.Name, args, cctx)
	if err != nil {
		return e.fail(out, batch, cctx, append(started, extra...), err)
	}

	out.Result = result
	out.Events = append(started, extra...)
	out.Events = append(out.Events, stream.ToolCall(call.Name, label, phase, call.ID, args, cctx.AgentID))
	e.finish(out, batch, call)
	e.logCall(out, cctx)
	return out
}

// fail finalises a failed call: toolError event, error result map, aligned
// batch record. Events emitted before the failure (toolStart,
// generatorStart) are kept so the client timeline stays truthful.
func (e *Executor) fail(out *Outcome, batch *Batch, cctx CallContext, prior []stream.Event, err error) *Outcome {
	kind := errkind.KindOf(err)
	msg := err.Error()
	if kind == errkind.CircuitOpen {
		msg = string(errkind.CircuitOpen)
	}

	out.Err = err
	out.Skipped = true
	out.Result = map[string]any{"error": msg, "kind": string(kind)}
	out.Events = append(prior, stream.ToolError(out.Name, msg, cctx.AgentID))
	e.finish(out, batch, ToolCall{ID: out.CallID, Name: out.Name, Args: out.EnrichedParams})
	e.logCall(out, cctx)

	log.Printf("❌ EXECUTOR: %s failed (%s): %s", out.Name, kind, msg)
	return out
}

func (e *Executor) finish(out *Outcome, batch *Batch, call ToolCall) {
	// MsgCall carries only the argument JSON; providers replay it together
	// with Name and CallID as a function call item.
	callPayload, _ := json.Marshal(out.EnrichedParams)
	resultPayload, _ := json.Marshal(out.Result)
	out.MsgCall = Message{Role: "assistant", Name: call.Name, CallID: call.ID, Content: string(callPayload)}
	out.MsgResult = Message{Role: "tool", Name: call.Name, CallID: call.ID, Content: string(resultPayload)}
	if batch != nil {
		batch.Record(out.Result)
	}
}

func (e *Executor) dispatch(ctx context.Context, name string, args map[string]any, cctx CallContext) (map[string]any, []stream.Event, error) {
	switch name {
	case ToolSetTempo:
		return e.setTempo(args, cctx)
	case ToolSetKey:
		return e.setKey(args, cctx)
	case ToolAddMidiTrack:
		return e.addTrack(args, cctx)
	case ToolAddMidiRegion:
		return e.addRegion(args, cctx)
	case ToolAddNotes:
		return e.addNotes(args, cctx)
	case ToolRemoveNotes:
		return e.removeNotes(args, cctx)
	case ToolGenerateMidi, ToolGenerateDrums:
		return e.runGenerator(ctx, name, args, cctx)
	case ToolAddInsertEffect:
		return e.addEffect(args, cctx)
	case ToolEnsureBus:
		return e.ensureBus(args, cctx)
	case ToolAddSend:
		return e.addSend(args, cctx)
	case ToolSetTrackVolume:
		return e.setTrackParam(args, "volume")
	case ToolSetTrackPan:
		return e.setTrackParam(args, "pan")
	case ToolSetTrackMute:
		return e.setTrackFlag(args, "mute")
	case ToolSetTrackSolo:
		return e.setTrackFlag(args, "solo")
	case ToolSetTrackName:
		return e.setTrackName(args)
	case ToolSetTrackColor:
		return e.setTrackString(args, "color")
	case ToolSetTrackIcon:
		return e.setTrackString(args, "icon")
	case ToolAddMidiCC:
		return e.addCC(args)
	case ToolAddPitchBend:
		return e.addPitchBend(args)
	case ToolAddAutomation:
		return e.addAutomation(args)
	case ToolDuplicateRegion:
		return e.duplicateRegion(args, cctx)
	default:
		return nil, nil, errkind.New(errkind.Validation, "unknown tool %q", name)
	}
}

func (e *Executor) setTempo(args map[string]any, cctx CallContext) (map[string]any, []stream.Event, error) {
	tempo := getInt(args, "tempo", 0)
	if tempo <= 0 {
		return nil, nil, errkind.New(errkind.Validation, "tempo must be a positive integer")
	}
	e.store.SetTempo(tempo, cctx.Tx)
	return map[string]any{"tempo": tempo}, nil, nil
}

func (e *Executor) setKey(args map[string]any, cctx CallContext) (map[string]any, []stream.Event, error) {
	key := getString(args, "key")
	if key == "" {
		return nil, nil, errkind.New(errkind.Validation, "key is required")
	}
	e.store.SetKey(key, cctx.Tx)
	return map[string]any{"key": key}, nil, nil
}

// addTrack reuses an existing track on an exact name match so repeated
// track creation stays idempotent across turns.
func (e *Executor) addTrack(args map[string]any, cctx CallContext) (map[string]any, []stream.Event, error) {
	name := getString(args, "name")
	if name == "" {
		return nil, nil, errkind.New(errkind.Validation, "track name is required")
	}
	if id, ok := e.store.ResolveTrack(name, true); ok {
		return map[string]any{"trackId": id, "name": name, "existing": true}, nil, nil
	}
	id, err := e.store.CreateTrack(name, "", nil, cctx.Tx)
	if err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"trackId": id, "name": name, "existing": false}, nil, nil
}

// addRegion creates a region, treating any overlap as idempotent success
// with the existing region's id.
func (e *Executor) addRegion(args map[string]any, cctx CallContext) (map[string]any, []stream.Event, error) {
	trackID, err := e.resolveTrackArg(args)
	if err != nil {
		return nil, nil, err
	}
	if !hasKey(args, "startBeat", "start_beat") {
		return nil, nil, errkind.New(errkind.Validation, "startBeat is required")
	}
	if !hasKey(args, "durationBeats", "duration_beats") {
		return nil, nil, errkind.New(errkind.Validation, "durationBeats is required")
	}
	start := pickFloat(args, 0, "startBeat", "start_beat")
	duration := pickFloat(args, 0, "durationBeats", "duration_beats")
	if duration <= 0 {
		return nil, nil, errkind.New(errkind.Validation, "durationBeats must be greater than zero")
	}
	name := getString(args, "name")

	if existingID, ok := e.store.FindOverlappingRegion(trackID, start, duration); ok {
		if reg, found := e.store.RegionByID(existingID); found && (reg.StartBeat != start || reg.DurationBeats != duration) {
			log.Printf("⚠️ EXECUTOR: region request [%g,%g) overlaps existing %s [%g,%g) without matching it; returning existing id",
				start, start+duration, existingID, reg.StartBeat, reg.EndBeat())
		}
		return map[string]any{"regionId": existingID, "trackId": trackID, "overlapped": true}, nil, nil
	}

	id, err := e.store.CreateRegion(name, trackID, start, duration, cctx.Tx)
	if err != nil {
		var overlap *state.OverlapError
		if errors.As(err, &overlap) {
			return map[string]any{"regionId": overlap.ExistingRegionID, "trackId": trackID, "overlapped": true}, nil, nil
		}
		return nil, nil, classify(err)
	}
	return map[string]any{
		"regionId":      id,
		"trackId":       trackID,
		"startBeat":     start,
		"durationBeats": duration,
		"name":          name,
	}, nil, nil
}

func (e *Executor) addNotes(args map[string]any, cctx CallContext) (map[string]any, []stream.Event, error) {
	regionKey := getString(args, "regionId")
	if regionKey == "" {
		regionKey = getString(args, "regionName")
	}
	if regionKey != "" && e.failureCount(regionKey) >= regionFailureLimit {
		return nil, nil, errkind.New(errkind.Validation,
			"add_notes for region %q has failed %d consecutive times; use the regionId returned by add_midi_region and check the note fields instead of retrying",
			regionKey, e.failureCount(regionKey))
	}

	regionID, err := e.resolveRegionArg(args)
	if err != nil {
		e.recordRegionFailure(regionKey)
		return nil, nil, err
	}
	notes, err := notesFromArgs(args["notes"])
	if err != nil {
		e.recordRegionFailure(regionKey)
		return nil, nil, err
	}
	if err := e.store.AddNotes(regionID, notes, cctx.Tx); err != nil {
		e.recordRegionFailure(regionKey)
		return nil, nil, classify(err)
	}
	e.clearRegionFailure(regionKey)
	return map[string]any{"regionId": regionID, "notesAdded": len(notes)}, nil, nil
}

func (e *Executor) removeNotes(args map[string]any, cctx CallContext) (map[string]any, []stream.Event, error) {
	regionID, err := e.resolveRegionArg(args)
	if err != nil {
		return nil, nil, err
	}
	crit := state.NoteCriteria{}
	if hasKey(args, "pitch") {
		pitch := getInt(args, "pitch", 0)
		crit.Pitch = &pitch
	}
	if hasKey(args, "startBeat", "start_beat") {
		start := pickFloat(args, 0, "startBeat", "start_beat")
		crit.StartBeat = &start
	}
	if crit.Pitch == nil && crit.StartBeat == nil {
		return nil, nil, errkind.New(errkind.Validation, "remove_notes needs pitch or startBeat to select notes")
	}
	removed, err := e.store.RemoveNotes(regionID, []state.NoteCriteria{crit}, cctx.Tx)
	if err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"regionId": regionID, "removed": removed}, nil, nil
}

// runGenerator routes a generate_* call to the generator service and
// persists the returned musical data into the resolved region. Without a
// CompositionContext the call passes through untouched for the client to
// execute.
func (e *Executor) runGenerator(ctx context.Context, name string, args map[string]any, cctx CallContext) (map[string]any, []stream.Event, error) {
	role := getString(args, "role")
	if role == "" && name == ToolGenerateDrums {
		role = "drums"
		args["role"] = role
	}
	if role == "" {
		return nil, nil, errkind.New(errkind.Validation, "role is required")
	}
	style := getString(args, "style")

	comp := cctx.Composition
	if comp == nil {
		return map[string]any{"passthrough": true, "role": role, "style": style}, nil, nil
	}
	if e.gen == nil {
		return nil, nil, errkind.New(errkind.GeneratorPersistent, "generator client is not configured")
	}

	bars := getInt(args, "bars", 0)
	if bars <= 0 {
		return nil, nil, errkind.New(errkind.Validation, "bars must be a positive integer")
	}
	tempo := getInt(args, "tempo", comp.Tempo)
	if tempo <= 0 {
		return nil, nil, errkind.New(errkind.Validation, "tempo must be a positive integer")
	}
	key := getString(args, "key")
	if key == "" {
		key = comp.Key
	}
	genre := comp.Genre
	if genre == "" {
		genre = style
	}
	if genre == "" {
		genre = comp.Style
	}

	regionID, err := e.resolveGeneratorRegion(args)
	if err != nil {
		return nil, nil, err
	}
	args["regionId"] = regionID

	events := []stream.Event{stream.GeneratorStart(role, style, bars)}
	req := orpheus.GenerateRequest{
		Genre:            genre,
		Tempo:            tempo,
		Instruments:      []string{role},
		Bars:             bars,
		Key:              key,
		MusicalGoals:     getString(args, "prompt"),
		ToneBrightness:   comp.Emotion.ToneBrightness,
		ToneWarmth:       comp.Emotion.ToneWarmth,
		EnergyIntensity:  comp.Emotion.EnergyIntensity,
		EnergyExcitement: comp.Emotion.EnergyExcitement,
		Complexity:       comp.Emotion.Complexity,
		QualityPreset:    comp.QualityPreset,
		CompositionID:    comp.CompositionID,
		PreviousNotes:    comp.PreviousNotes,
	}

	started := time.Now()
	res, err := e.gen.Generate(ctx, req)
	if err != nil {
		return nil, events, err
	}
	if !res.Success {
		return nil, events, errkind.New(errkind.GeneratorPersistent, "generation for %s reported failure: %s", role, res.Error)
	}

	if len(res.Notes) > 0 {
		if err := e.store.AddNotes(regionID, res.Notes, cctx.Tx); err != nil {
			return nil, events, classify(err)
		}
	}
	if len(res.CCEvents) > 0 {
		if err := e.store.AddCC(regionID, res.CCEvents); err != nil {
			return nil, events, classify(err)
		}
	}
	if len(res.PitchBends) > 0 {
		if err := e.store.AddPitchBends(regionID, res.PitchBends); err != nil {
			return nil, events, classify(err)
		}
	}
	if len(res.Aftertouch) > 0 {
		if err := e.store.AddAftertouch(regionID, res.Aftertouch); err != nil {
			return nil, events, classify(err)
		}
	}

	durationMs := time.Since(started).Milliseconds()
	events = append(events, stream.GeneratorComplete(role, len(res.Notes), durationMs))
	log.Printf("🎵 EXECUTOR: generated %d notes for %s into %s in %dms", len(res.Notes), role, regionID, durationMs)

	result := map[string]any{
		"regionId":   regionID,
		"role":       role,
		"noteCount":  len(res.Notes),
		"durationMs": durationMs,
	}
	if cached, ok := res.Metadata["cached"].(bool); ok && cached {
		result["cached"] = true
	}
	return result, events, nil
}

func (e *Executor) addEffect(args map[string]any, cctx CallContext) (map[string]any, []stream.Event, error) {
	trackID, err := e.resolveTrackArg(args)
	if err != nil {
		return nil, nil, err
	}
	effectType := getString(args, "type")
	if effectType == "" {
		return nil, nil, errkind.New(errkind.Validation, "effect type is required")
	}
	if err := e.store.AddEffect(trackID, effectType, cctx.Tx); err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"trackId": trackID, "type": effectType}, nil, nil
}

func (e *Executor) ensureBus(args map[string]any, cctx CallContext) (map[string]any, []stream.Event, error) {
	name := getString(args, "name")
	if name == "" {
		return nil, nil, errkind.New(errkind.Validation, "bus name is required")
	}
	id, err := e.store.GetOrCreateBus(name, cctx.Tx)
	if err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"busId": id, "name": name}, nil, nil
}

// addSend creates the bus on demand; ensure_bus and add_send share the same
// idempotent lookup so ordering between them never matters.
func (e *Executor) addSend(args map[string]any, cctx CallContext) (map[string]any, []stream.Event, error) {
	trackID, err := e.resolveTrackArg(args)
	if err != nil {
		return nil, nil, err
	}
	busName := getString(args, "busName")
	if busName == "" {
		return nil, nil, errkind.New(errkind.Validation, "busName is required")
	}
	busID, err := e.store.GetOrCreateBus(busName, cctx.Tx)
	if err != nil {
		return nil, nil, classify(err)
	}
	if err := e.store.AddSend(trackID, busID, cctx.Tx); err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"trackId": trackID, "busId": busID, "busName": busName}, nil, nil
}

func (e *Executor) setTrackParam(args map[string]any, param string) (map[string]any, []stream.Event, error) {
	trackID, err := e.resolveTrackArg(args)
	if err != nil {
		return nil, nil, err
	}
	if !hasKey(args, param) {
		return nil, nil, errkind.New(errkind.Validation, "%s is required", param)
	}
	value := getFloat(args, param, 0)
	if err := e.store.SetTrackParam(trackID, param, value); err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"trackId": trackID, param: value}, nil, nil
}

func (e *Executor) setTrackFlag(args map[string]any, flag string) (map[string]any, []stream.Event, error) {
	trackID, err := e.resolveTrackArg(args)
	if err != nil {
		return nil, nil, err
	}
	value := getBool(args, flag, true)
	if err := e.store.SetTrackParam(trackID, flag, value); err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"trackId": trackID, flag: value}, nil, nil
}

func (e *Executor) setTrackName(args map[string]any) (map[string]any, []stream.Event, error) {
	trackID, err := e.resolveTrackArg(args)
	if err != nil {
		return nil, nil, err
	}
	name := getString(args, "name")
	if name == "" {
		return nil, nil, errkind.New(errkind.Validation, "name is required")
	}
	if err := e.store.SetTrackName(trackID, name); err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"trackId": trackID, "name": name}, nil, nil
}

func (e *Executor) setTrackString(args map[string]any, param string) (map[string]any, []stream.Event, error) {
	trackID, err := e.resolveTrackArg(args)
	if err != nil {
		return nil, nil, err
	}
	value := getString(args, param)
	if value == "" {
		return nil, nil, errkind.New(errkind.Validation, "%s is required", param)
	}
	if err := e.store.SetTrackParam(trackID, param, value); err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"trackId": trackID, param: value}, nil, nil
}

func (e *Executor) addCC(args map[string]any) (map[string]any, []stream.Event, error) {
	regionID, err := e.resolveRegionArg(args)
	if err != nil {
		return nil, nil, err
	}
	cc := getInt(args, "cc", -1)
	if cc < 0 || cc > 127 {
		return nil, nil, errkind.New(errkind.Validation, "cc must be within [0,127]")
	}
	events := ccEventsFromArgs(args["events"], cc)
	if len(events) == 0 {
		return nil, nil, errkind.New(errkind.Validation, "events must be a non-empty array")
	}
	if err := e.store.AddCC(regionID, events); err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"regionId": regionID, "cc": cc, "eventsAdded": len(events)}, nil, nil
}

func (e *Executor) addPitchBend(args map[string]any) (map[string]any, []stream.Event, error) {
	regionID, err := e.resolveRegionArg(args)
	if err != nil {
		return nil, nil, err
	}
	events := bendEventsFromArgs(args["events"])
	if len(events) == 0 {
		return nil, nil, errkind.New(errkind.Validation, "events must be a non-empty array")
	}
	if err := e.store.AddPitchBends(regionID, events); err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"regionId": regionID, "eventsAdded": len(events)}, nil, nil
}

func (e *Executor) addAutomation(args map[string]any) (map[string]any, []stream.Event, error) {
	trackID, err := e.resolveTrackArg(args)
	if err != nil {
		return nil, nil, err
	}
	parameter := getString(args, "parameter")
	if parameter == "" {
		return nil, nil, errkind.New(errkind.Validation, "parameter is required")
	}
	points := pointsFromArgs(args["points"])
	if len(points) == 0 {
		return nil, nil, errkind.New(errkind.Validation, "points must be a non-empty array")
	}
	if err := e.store.AddAutomation(trackID, parameter, points); err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"trackId": trackID, "parameter": parameter, "pointsAdded": len(points)}, nil, nil
}

func (e *Executor) duplicateRegion(args map[string]any, cctx CallContext) (map[string]any, []stream.Event, error) {
	regionID, err := e.resolveRegionArg(args)
	if err != nil {
		return nil, nil, err
	}
	if !hasKey(args, "startBeat", "start_beat") {
		return nil, nil, errkind.New(errkind.Validation, "startBeat is required")
	}
	start := pickFloat(args, 0, "startBeat", "start_beat")
	newID, err := e.store.DuplicateRegion(regionID, start, cctx.Tx)
	if err != nil {
		return nil, nil, classify(err)
	}
	return map[string]any{"regionId": newID, "sourceRegionId": regionID, "startBeat": start}, nil, nil
}

// resolveTrackArg resolves trackId or trackName to a live track id. A
// trackId that is not a known id is retried as a name, since LLMs routinely
// put names in id slots.
func (e *Executor) resolveTrackArg(args map[string]any) (string, error) {
	if id := getString(args, "trackId"); id != "" {
		if _, ok := e.store.TrackByID(id); ok {
			return id, nil
		}
		if resolved, ok := e.store.ResolveTrack(id, false); ok {
			args["trackId"] = resolved
			return resolved, nil
		}
		return "", errkind.New(errkind.UnknownEntity, "unknown track %q", id)
	}
	if name := getString(args, "trackName"); name != "" {
		if resolved, ok := e.store.ResolveTrack(name, false); ok {
			args["trackId"] = resolved
			return resolved, nil
		}
		return "", errkind.New(errkind.UnknownEntity, "unknown track %q", name)
	}
	return "", errkind.New(errkind.Validation, "trackId or trackName is required")
}

func (e *Executor) resolveRegionArg(args map[string]any) (string, error) {
	if id := getString(args, "regionId"); id != "" {
		if _, ok := e.store.RegionByID(id); ok {
			return id, nil
		}
		if resolved, ok := e.store.ResolveRegion(id); ok {
			args["regionId"] = resolved
			return resolved, nil
		}
		return "", errkind.New(errkind.UnknownEntity, "unknown region %q", id)
	}
	if name := getString(args, "regionName"); name != "" {
		if resolved, ok := e.store.ResolveRegion(name); ok {
			args["regionId"] = resolved
			return resolved, nil
		}
		return "", errkind.New(errkind.UnknownEntity, "unknown region %q", name)
	}
	return "", errkind.New(errkind.Validation, "regionId or regionName is required")
}

// resolveGeneratorRegion finds where generated material lands: an explicit
// region argument wins, otherwise the track's most recent region.
func (e *Executor) resolveGeneratorRegion(args map[string]any) (string, error) {
	if hasKey(args, "regionId") || hasKey(args, "regionName") {
		return e.resolveRegionArg(args)
	}
	if hasKey(args, "trackId") || hasKey(args, "trackName") {
		trackID, err := e.resolveTrackArg(args)
		if err != nil {
			return "", err
		}
		if regionID, ok := e.store.LatestRegionForTrack(trackID); ok {
			return regionID, nil
		}
		return "", errkind.New(errkind.UnknownEntity, "track %q has no region to generate into", trackID)
	}
	return "", errkind.New(errkind.Validation, "generator output needs a region: pass regionId or trackId")
}

func (e *Executor) failureCount(regionKey string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.regionFailures[regionKey]
}

func (e *Executor) recordRegionFailure(regionKey string) {
	if regionKey == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regionFailures[regionKey]++
}

func (e *Executor) clearRegionFailure(regionKey string) {
	if regionKey == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.regionFailures, regionKey)
}

// classify wraps raw store errors in the matching error kind so callers and
// toolError events see a stable taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var kinded *errkind.Error
	if errors.As(err, &kinded) {
		return err
	}
	var overlap *state.OverlapError
	switch {
	case errors.As(err, &overlap):
		return errkind.Wrap(errkind.RegionOverlap, err, "region overlaps %s", overlap.ExistingRegionID)
	case errors.Is(err, state.ErrUnknownTrack), errors.Is(err, state.ErrUnknownRegion):
		return errkind.Wrap(errkind.UnknownEntity, err, "entity lookup failed")
	case errors.Is(err, state.ErrInvalidRegion):
		return errkind.Wrap(errkind.Validation, err, "invalid region")
	default:
		return errkind.Wrap(errkind.Fatal, err, "store operation failed")
	}
}
