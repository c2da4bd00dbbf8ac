// Package instrument runs one L2 agent: a multi-turn tool-calling LLM
// conversation that realises one InstrumentContract. The model proposes the
// pipeline, but everything that matters is server-owned: batches are sorted
// deterministically, (region, generate) pairs become sealed SectionContracts
// executed by section children, completed sections are tracked by name so a
// later turn can never redo them, and failed sections are retried without
// the LLM in the loop.
package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/Conceptual-Machines/maestro-api/internal/agents/section"
	"github.com/Conceptual-Machines/maestro-api/internal/contract"
	"github.com/Conceptual-Machines/maestro-api/internal/executor"
	"github.com/Conceptual-Machines/maestro-api/internal/llm"
	"github.com/Conceptual-Machines/maestro-api/internal/models"
	"github.com/Conceptual-Machines/maestro-api/internal/prompt"
	"github.com/Conceptual-Machines/maestro-api/internal/stream"
)

const defaultChildTimeout = 120 * time.Second

// defaultRetryDelays is the server-owned retry ladder for failed sections.
var defaultRetryDelays = []time.Duration{2 * time.Second, 5 * time.Second}

// allowedTools is the instrument agent vocabulary: track, styling, region,
// generate, expressive and effect tools. Tempo, key, mixing and raw note
// entry stay out of reach.
var allowedTools = map[string]bool{
	executor.ToolAddMidiTrack:    true,
	executor.ToolSetTrackColor:   true,
	executor.ToolSetTrackName:    true,
	executor.ToolSetTrackIcon:    true,
	executor.ToolAddMidiRegion:   true,
	executor.ToolGenerateMidi:    true,
	executor.ToolGenerateDrums:   true,
	executor.ToolAddMidiCC:       true,
	executor.ToolAddPitchBend:    true,
	executor.ToolAddInsertEffect: true,
}

func instrumentToolDefs() []llm.ToolDef {
	return llm.ToolDefs(
		executor.ToolAddMidiTrack,
		executor.ToolSetTrackColor,
		executor.ToolSetTrackName,
		executor.ToolSetTrackIcon,
		executor.ToolAddMidiRegion,
		executor.ToolGenerateMidi,
		executor.ToolGenerateDrums,
		executor.ToolAddMidiCC,
		executor.ToolAddPitchBend,
		executor.ToolAddInsertEffect,
	)
}

// StepID names the plan step for one section of one agent. The coordinator
// registers steps under the same ids the agent reports against.
func StepID(agentID, sectionID string) string {
	return agentID + ":" + sectionID
}

// Options are the server-owned knobs; zero values fall back to defaults
// except MaxSectionRetries, where zero genuinely means no retries.
type Options struct {
	MaxSectionRetries int
	RetryDelays       []time.Duration
	ChildTimeout      time.Duration
	MaxTurns          int // 0 computes max(3, sections+2)
}

// Result summarises one agent run for the coordinator.
type Result struct {
	AgentID            string            `json:"agentId"`
	InstrumentName     string            `json:"instrumentName"`
	Role               string            `json:"role"`
	TrackID            string            `json:"trackId,omitempty"`
	Success            bool              `json:"success"`
	Error              string            `json:"error,omitempty"`
	ExpectedSections   int               `json:"expectedSections"`
	GeneratesCompleted int               `json:"generatesCompleted"`
	NotesGenerated     int               `json:"notesGenerated"`
	ToolCalls          int               `json:"toolCalls"`
	Turns              int               `json:"turns"`
	Usage              llm.Usage         `json:"usage"`
	Sections           []*section.Result `json:"-"`
}

// stage tracks per-section progress by NAME, not count, so retried turns
// never regenerate a completed section.
type stage struct {
	sectionID    string
	name         string
	regionDone   bool
	generateDone bool
	regionID     string
	noteCount    int
}

type pair struct {
	index    int
	region   llm.ToolCall
	generate llm.ToolCall
}

// Agent drives the turn loop for one instrument.
type Agent struct {
	contract contract.InstrumentContract
	agentID  string
	exec     *executor.Executor
	mux      *stream.Mux
	plan     *stream.PlanTracker
	runtime  section.RuntimeContext
	opts     Options

	trackID    string
	transcript []llm.Message
	stages     []*stage
	prevNotes  []models.Note
	usage      llm.Usage
	toolCalls  int
}

func New(ic contract.InstrumentContract, agentID string, exec *executor.Executor, mux *stream.Mux, plan *stream.PlanTracker, rt section.RuntimeContext, opts Options) *Agent {
	return &Agent{
		contract: ic,
		agentID:  agentID,
		exec:     exec,
		mux:      mux,
		plan:     plan,
		runtime:  rt,
		opts:     opts,
	}
}

// Run executes the full turn loop and always returns a Result. Panics are
// caught at this frame: pending plan steps fail, agentComplete{success:false}
// goes out, and sibling agents never notice.
func (a *Agent) Run(ctx context.Context) *Result {
	started := time.Now()
	res := &Result{
		AgentID:          a.agentID,
		InstrumentName:   a.contract.InstrumentName,
		Role:             a.contract.Role,
		ExpectedSections: len(a.contract.Sections),
	}

	crashed := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				crashed = true
				res.Error = fmt.Sprintf("agent crashed: %v", r)
				sentry.CurrentHub().Recover(r)
				log.Printf("🚨 [%s] %s", a.agentID, res.Error)
			}
		}()
		if err := a.loop(ctx, res); err != nil {
			res.Error = err.Error()
			log.Printf("❌ [%s] Turn loop ended with error: %v", a.agentID, err)
		}
	}()

	res.TrackID = a.trackID
	res.GeneratesCompleted = a.generatesCompleted()
	res.NotesGenerated = a.notesGenerated()
	res.ToolCalls = a.toolCalls
	res.Usage = a.usage
	res.Success = !crashed && res.ExpectedSections > 0 && res.GeneratesCompleted >= res.ExpectedSections
	res.Sections = append(res.Sections, a.pendingFailures(res.Sections)...)

	if crashed || res.Error != "" {
		a.failPending()
	}
	a.mux.Emit(stream.AgentComplete(a.agentID, res.Success))
	log.Printf("⏱️ [%s] Agent completed in %v: %d/%d sections, %d notes, success=%t",
		a.agentID, time.Since(started), res.GeneratesCompleted, res.ExpectedSections, res.NotesGenerated, res.Success)
	return res
}

func (a *Agent) loop(ctx context.Context, res *Result) error {
	a.stages = make([]*stage, 0, len(a.contract.Sections))
	for _, sec := range a.contract.Sections {
		a.stages = append(a.stages, &stage{sectionID: sec.SectionID, name: sec.Name})
	}
	a.trackID = a.contract.ExistingTrackID

	builder := prompt.NewInstrumentPromptBuilder(a.contract)
	system, err := builder.BuildSystemPrompt()
	if err != nil {
		return err
	}
	a.transcript = []llm.Message{{Role: llm.RoleUser, Content: builder.BuildUserMessage()}}

	maxTurns := a.opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = len(a.contract.Sections) + 2
		if maxTurns < 3 {
			maxTurns = 3
		}
	}

	for turn := 1; turn <= maxTurns; turn++ {
		if a.stagesComplete() {
			log.Printf("✅ [%s] All %d sections complete after %d turns", a.agentID, len(a.stages), turn-1)
			return nil
		}

		resp, err := a.turn(ctx, system, turn)
		if err != nil {
			return err
		}
		res.Turns = turn

		if len(resp.ToolCalls) == 0 {
			log.Printf("🔚 [%s] No tool calls on turn %d, loop ends", a.agentID, turn)
			return nil
		}
		a.dispatch(ctx, resp, res)
	}

	log.Printf("⚠️ [%s] Turn budget exhausted with %d/%d sections complete",
		a.agentID, a.generatesCompleted(), len(a.stages))
	return nil
}

// turn makes one streaming LLM call. Reasoning deltas go out tagged with the
// agent id; reasoningEnd fires once per turn that produced any reasoning.
func (a *Agent) turn(ctx context.Context, system string, turn int) (*llm.TurnResponse, error) {
	request := &llm.TurnRequest{
		Model:        a.runtime.Model,
		SystemPrompt: system,
		Messages:     a.transcript,
		Tools:        instrumentToolDefs(),
	}

	sawReasoning := false
	started := time.Now()
	resp, err := a.runtime.Provider.Turn(ctx, request, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case "reasoning_delta":
			sawReasoning = true
			a.mux.Emit(stream.Reasoning(ev.Message, a.agentID, ""))
		case "text_delta":
			a.mux.Emit(stream.Content(ev.Message, a.agentID))
		}
		return nil
	})
	if sawReasoning {
		a.mux.Emit(stream.ReasoningEnd(a.agentID, ""))
	}
	if err != nil {
		return nil, err
	}

	a.usage.InputTokens += resp.Usage.InputTokens
	a.usage.OutputTokens += resp.Usage.OutputTokens
	a.usage.ReasoningTokens += resp.Usage.ReasoningTokens
	a.usage.TotalTokens += resp.Usage.TotalTokens

	log.Printf("⏱️ [%s] Turn %d: %d tool calls in %v", a.agentID, turn, len(resp.ToolCalls), time.Since(started))
	return resp, nil
}

// dispatch executes one turn's batch in canonical order: track first, then
// styling, then (region, generate) pairs as section children, then orphan
// regions, orphan generates, other calls, effects last. Batch reference
// positions follow the same order, which is the order the system prompt
// teaches, so well-formed $N references keep resolving after the sort.
func (a *Agent) dispatch(ctx context.Context, resp *llm.TurnResponse, res *Result) {
	a.toolCalls += len(resp.ToolCalls)
	groups := classify(resp.ToolCalls)
	batch := executor.NewBatch()

	if resp.Content != "" {
		a.transcript = append(a.transcript, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
	}

	// Track creation: at most one per turn; duplicates are stubbed out.
	for i, call := range groups.tracks {
		if i > 0 {
			a.skip(call, "only one track creation per turn", batch)
			continue
		}
		out := a.execute(ctx, call, batch)
		if out.Err == nil {
			if id, ok := out.Result["trackId"].(string); ok && id != "" {
				a.trackID = id
			}
		}
	}

	for _, call := range groups.styling {
		a.execute(ctx, call, batch)
	}

	pairs, orphanRegions, orphanGenerates := pairUp(groups.regions, groups.generates)

	// Section children run sequentially so each one's notes can seed the
	// next; sibling instrument agents provide the parallelism.
	for _, p := range pairs {
		st, dup := a.stageFor(regionCallName(p.region), true)
		if dup {
			a.stubPair(p, st, batch)
			continue
		}
		if st == nil {
			a.skip(p.region, "all sections already generated", batch)
			a.skip(p.generate, "all sections already generated", batch)
			continue
		}
		sec, ok := a.sectionByID(st.sectionID)
		if !ok {
			a.skip(p.region, "no contract section for this pair", batch)
			a.skip(p.generate, "no contract section for this pair", batch)
			continue
		}
		a.validateDrift(p.region, sec)

		child := a.runSection(ctx, sec, p)
		res.Sections = append(res.Sections, child)
		a.recordPair(p, child, batch)

		stepID := StepID(a.agentID, sec.SectionID)
		if child.Success {
			st.regionDone = true
			st.generateDone = true
			st.regionID = child.RegionID
			st.noteCount = child.NotesGenerated
			if len(child.Notes) > 0 {
				a.prevNotes = child.Notes
			}
			a.stepUpdate(stepID, stream.StepCompleted)
		} else {
			a.stepUpdate(stepID, stream.StepFailed)
		}
	}

	for _, call := range orphanRegions {
		if call.Args == nil {
			call.Args = map[string]any{}
		}
		st, dup := a.stageFor(regionCallName(call), false)
		if dup {
			a.skip(call, "region already exists for this section", batch)
			continue
		}
		if st != nil {
			if sec, ok := a.sectionByID(st.sectionID); ok {
				a.validateDrift(call, sec)
				call.Args["startBeat"] = sec.StartBeat
				call.Args["durationBeats"] = sec.DurationBeats
			}
		}
		if _, ok := call.Args["trackId"]; !ok && a.trackID != "" {
			call.Args["trackId"] = a.trackID
		}
		out := a.execute(ctx, call, batch)
		if out.Err == nil && st != nil {
			st.regionDone = true
			if id, ok := out.Result["regionId"].(string); ok {
				st.regionID = id
			}
		}
	}

	for _, call := range orphanGenerates {
		out := a.execute(ctx, call, batch)
		if out.Err != nil {
			continue
		}
		regionID, _ := out.Result["regionId"].(string)
		noteCount, _ := out.Result["noteCount"].(int)
		if st := a.stageForRegion(regionID); st != nil {
			st.regionDone = true
			st.generateDone = true
			st.regionID = regionID
			st.noteCount = noteCount
			a.stepUpdate(StepID(a.agentID, st.sectionID), stream.StepCompleted)
		}
		if region, ok := a.exec.Store().RegionByID(regionID); ok && len(region.Notes) > 0 {
			a.prevNotes = region.Notes
		}
	}

	for _, call := range groups.others {
		a.execute(ctx, call, batch)
	}
	for _, call := range groups.effects {
		a.execute(ctx, call, batch)
	}

	// One summary message instead of raw child output, so the next turn is
	// not tempted to parse and re-state results.
	a.transcript = append(a.transcript, llm.Message{Role: llm.RoleAssistant, Content: a.progressSummary()})
	if !a.stagesComplete() {
		a.transcript = append(a.transcript, llm.Message{Role: llm.RoleUser, Content: a.continuation()})
	}
}

// runSection seals a SectionContract to this instrument and runs the child,
// retrying failures on the server-owned ladder. Retries stop early when the
// generator circuit is open; region re-creation on retry is absorbed by the
// executor's overlap idempotence.
func (a *Agent) runSection(ctx context.Context, sec contract.SectionSpec, p pair) *section.Result {
	sc := contract.SectionContract{
		Section:          sec,
		TrackID:          a.trackID,
		InstrumentName:   a.contract.InstrumentName,
		Role:             a.contract.Role,
		Style:            a.contract.Style,
		Tempo:            a.contract.Tempo,
		Key:              a.contract.Key,
		RegionName:       regionCallName(p.region),
		L2GeneratePrompt: stringArg(p.generate.Args, "prompt"),
	}
	if err := sc.Seal(a.contract.ContractHash); err != nil {
		return &section.Result{
			SectionID:   sec.SectionID,
			SectionName: sec.Name,
			Success:     false,
			Error:       fmt.Sprintf("sealing section contract: %v", err),
		}
	}

	a.stepUpdate(StepID(a.agentID, sec.SectionID), stream.StepActive)

	rt := a.runtime
	rt.PreviousNotes = a.prevNotes

	timeout := a.opts.ChildTimeout
	if timeout <= 0 {
		timeout = defaultChildTimeout
	}

	var child *section.Result
	attempts := a.opts.MaxSectionRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if gen := a.exec.Generator(); gen != nil && gen.CircuitOpen() {
				log.Printf("⚡ [%s] Generator circuit open, not retrying %q", a.agentID, sec.Name)
				break
			}
			delay := retryDelay(a.opts.RetryDelays, attempt-2)
			log.Printf("⚠️ [%s] Section %q failed, retry %d/%d in %v", a.agentID, sec.Name, attempt-1, attempts-1, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return child
			}
		}

		childCtx, cancel := context.WithTimeout(ctx, timeout)
		child = section.New(sc, a.agentID, a.exec, a.mux, rt).Run(childCtx)
		cancel()
		if child.Success {
			return child
		}
	}
	return child
}

func (a *Agent) execute(ctx context.Context, call llm.ToolCall, batch *executor.Batch) *executor.Outcome {
	out := a.exec.Execute(ctx, executor.ToolCall{ID: call.CallID, Name: call.Name, Args: call.Args}, batch, executor.CallContext{
		AgentID: a.agentID,
		Allow:   allowedTools,
		Tx:      a.runtime.Tx,
		Composition: &executor.CompositionContext{
			CompositionID: a.runtime.CompositionID,
			Genre:         a.runtime.Genre,
			Style:         a.contract.Style,
			Tempo:         a.contract.Tempo,
			Key:           a.contract.Key,
			QualityPreset: a.runtime.QualityPreset,
			Emotion:       a.runtime.Emotion,
			PreviousNotes: a.prevNotes,
		},
	})
	for _, ev := range out.Events {
		a.mux.Emit(ev)
	}
	a.transcript = append(a.transcript, llm.Message(out.MsgCall), llm.Message(out.MsgResult))
	return out
}

// skip keeps batch positions aligned for a call that is not executed.
func (a *Agent) skip(call llm.ToolCall, reason string, batch *executor.Batch) {
	result := map[string]any{"status": "skipped", "error": reason}
	batch.Record(result)
	a.stub(call, result)
	a.mux.Emit(stream.ToolError(call.Name, reason, a.agentID))
	log.Printf("⚠️ [%s] Skipped %s: %s", a.agentID, call.Name, reason)
}

// recordPair writes the child's outcome into the batch slots the model's
// $N references expect, plus short transcript stubs.
func (a *Agent) recordPair(p pair, r *section.Result, batch *executor.Batch) {
	var regionResult, generateResult map[string]any
	if r.Success {
		regionResult = map[string]any{"status": "completed", "regionId": r.RegionID, "trackId": r.TrackID}
		generateResult = map[string]any{"status": "completed", "regionId": r.RegionID, "noteCount": r.NotesGenerated}
	} else {
		regionResult = map[string]any{"status": "failed", "error": r.Error}
		generateResult = map[string]any{"status": "failed", "error": r.Error}
	}
	batch.Record(regionResult)
	batch.Record(generateResult)
	a.stub(p.region, regionResult)
	a.stub(p.generate, generateResult)
}

func (a *Agent) stub(call llm.ToolCall, result map[string]any) {
	args, _ := json.Marshal(call.Args)
	payload, _ := json.Marshal(result)
	a.transcript = append(a.transcript,
		llm.Message{Role: llm.RoleAssistant, Name: call.Name, CallID: call.CallID, Content: string(args)},
		llm.Message{Role: llm.RoleTool, Name: call.Name, CallID: call.CallID, Content: string(payload)},
	)
}

// validateDrift compares the model's region geometry against the sealed
// layout. Drift is logged, never obeyed.
func (a *Agent) validateDrift(region llm.ToolCall, sec contract.SectionSpec) {
	if start, ok := floatArg(region.Args, "startBeat"); ok && start != sec.StartBeat {
		log.Printf("⚠️ [%s] Drift on %q: model startBeat %g vs contract %g, contract wins",
			a.agentID, sec.Name, start, sec.StartBeat)
	}
	if dur, ok := floatArg(region.Args, "durationBeats"); ok && dur != sec.DurationBeats {
		log.Printf("⚠️ [%s] Drift on %q: model durationBeats %g vs contract %g, contract wins",
			a.agentID, sec.Name, dur, sec.DurationBeats)
	}
}

// stageFor picks the stage a region call is aiming at: name match wins over
// positional order, and a name match on a completed stage flags the call as
// a duplicate instead of falling through to the next pending section. The
// longest matching section name wins so "verse 2" never binds to "verse".
func (a *Agent) stageFor(regionName string, forGenerate bool) (*stage, bool) {
	name := strings.ToLower(regionName)
	var first, best *stage
	bestDone := false
	for _, st := range a.stages {
		done := st.regionDone
		if forGenerate {
			done = st.generateDone
		}
		if name != "" && strings.Contains(name, strings.ToLower(st.name)) {
			if best == nil || len(st.name) > len(best.name) {
				best, bestDone = st, done
			}
		}
		if !done && first == nil {
			first = st
		}
	}
	if best != nil {
		return best, bestDone
	}
	return first, false
}

// stubPair answers a duplicate (region, generate) pair with the completed
// section's existing ids so the model stops re-requesting it.
func (a *Agent) stubPair(p pair, st *stage, batch *executor.Batch) {
	regionResult := map[string]any{"status": "already_completed", "regionId": st.regionID}
	generateResult := map[string]any{"status": "already_completed", "regionId": st.regionID, "noteCount": st.noteCount}
	batch.Record(regionResult)
	batch.Record(generateResult)
	a.stub(p.region, regionResult)
	a.stub(p.generate, generateResult)
	log.Printf("📋 [%s] Section %q already generated, stubbed duplicate pair", a.agentID, st.name)
}

func (a *Agent) stageForRegion(regionID string) *stage {
	if regionID == "" {
		return nil
	}
	region, ok := a.exec.Store().RegionByID(regionID)
	if !ok {
		return nil
	}
	for i, sec := range a.contract.Sections {
		if sec.StartBeat == region.StartBeat && sec.DurationBeats == region.DurationBeats {
			return a.stages[i]
		}
	}
	return nil
}

func (a *Agent) sectionByID(id string) (contract.SectionSpec, bool) {
	for _, sec := range a.contract.Sections {
		if sec.SectionID == id {
			return sec, true
		}
	}
	return contract.SectionSpec{}, false
}

func (a *Agent) stagesComplete() bool {
	for _, st := range a.stages {
		if !st.generateDone {
			return false
		}
	}
	return true
}

func (a *Agent) generatesCompleted() int {
	n := 0
	for _, st := range a.stages {
		if st.generateDone {
			n++
		}
	}
	return n
}

func (a *Agent) notesGenerated() int {
	n := 0
	for _, st := range a.stages {
		n += st.noteCount
	}
	return n
}

// pendingFailures synthesises failed results for sections the loop never
// reached, so the coordinator's aggregate counts every expected section.
// Sections that already produced a child result are left alone.
func (a *Agent) pendingFailures(seen []*section.Result) []*section.Result {
	reported := make(map[string]bool, len(seen))
	for _, r := range seen {
		reported[r.SectionID] = true
	}
	var out []*section.Result
	for _, st := range a.stages {
		if st.generateDone || reported[st.sectionID] {
			continue
		}
		out = append(out, &section.Result{
			SectionID:   st.sectionID,
			SectionName: st.name,
			Success:     false,
			Error:       "section never completed",
			RegionID:    st.regionID,
		})
	}
	return out
}

func (a *Agent) progressSummary() string {
	var b strings.Builder
	b.WriteString("Progress so far:")
	for _, st := range a.stages {
		switch {
		case st.generateDone:
			fmt.Fprintf(&b, " %s done (%d notes);", st.name, st.noteCount)
		case st.regionDone:
			fmt.Fprintf(&b, " %s has a region but no notes yet;", st.name)
		default:
			fmt.Fprintf(&b, " %s not started;", st.name)
		}
	}
	return strings.TrimSuffix(b.String(), ";")
}

func (a *Agent) continuation() string {
	var remaining []string
	for _, st := range a.stages {
		if !st.generateDone {
			remaining = append(remaining, st.name)
		}
	}
	return fmt.Sprintf("Continue with the remaining sections: %s. Do not touch completed sections.",
		strings.Join(remaining, ", "))
}

func (a *Agent) stepUpdate(stepID, status string) {
	if a.plan != nil {
		a.plan.Update(stepID, status)
	}
}

func (a *Agent) failPending() {
	if a.plan != nil {
		a.plan.FailPending(a.agentID)
	}
}

type callGroups struct {
	tracks    []llm.ToolCall
	styling   []llm.ToolCall
	regions   []llm.ToolCall
	generates []llm.ToolCall
	effects   []llm.ToolCall
	others    []llm.ToolCall
}

// classify buckets a batch, preserving in-class response order. Bucket
// order IS the deterministic sort: track first, styling, then regions and
// generates pairing up by stable index, effects always last.
func classify(calls []llm.ToolCall) callGroups {
	var g callGroups
	for _, c := range calls {
		switch c.Name {
		case executor.ToolAddMidiTrack:
			g.tracks = append(g.tracks, c)
		case executor.ToolSetTrackColor, executor.ToolSetTrackName, executor.ToolSetTrackIcon:
			g.styling = append(g.styling, c)
		case executor.ToolAddMidiRegion:
			g.regions = append(g.regions, c)
		case executor.ToolGenerateMidi, executor.ToolGenerateDrums:
			g.generates = append(g.generates, c)
		case executor.ToolAddInsertEffect:
			g.effects = append(g.effects, c)
		default:
			g.others = append(g.others, c)
		}
	}
	return g
}

func pairUp(regions, generates []llm.ToolCall) ([]pair, []llm.ToolCall, []llm.ToolCall) {
	n := len(regions)
	if len(generates) < n {
		n = len(generates)
	}
	pairs := make([]pair, 0, n)
	for i := 0; i < n; i++ {
		pairs = append(pairs, pair{index: i, region: regions[i], generate: generates[i]})
	}
	return pairs, regions[n:], generates[n:]
}

func regionCallName(call llm.ToolCall) string {
	return stringArg(call.Args, "name")
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func floatArg(args map[string]any, key string) (float64, bool) {
	if args == nil {
		return 0, false
	}
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func retryDelay(delays []time.Duration, idx int) time.Duration {
	if len(delays) == 0 {
		delays = defaultRetryDelays
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}
