// Package coordination runs the top of the agent tree. The coordinator owns
// the run-wide transaction, builds and seals the contract lineage, executes
// the deterministic setup phase itself, fans instrument agents out with
// drums-first ordering, and closes the run with a single mixing call plus
// the summary and complete events.
package coordination

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Conceptual-Machines/maestro-api/internal/agents/instrument"
	"github.com/Conceptual-Machines/maestro-api/internal/agents/section"
	"github.com/Conceptual-Machines/maestro-api/internal/contract"
	"github.com/Conceptual-Machines/maestro-api/internal/executor"
	"github.com/Conceptual-Machines/maestro-api/internal/llm"
	"github.com/Conceptual-Machines/maestro-api/internal/models"
	"github.com/Conceptual-Machines/maestro-api/internal/prompt"
	"github.com/Conceptual-Machines/maestro-api/internal/signal"
	"github.com/Conceptual-Machines/maestro-api/internal/state"
	"github.com/Conceptual-Machines/maestro-api/internal/stream"
	"github.com/Conceptual-Machines/maestro-api/internal/telemetry"
)

// trackPalette is the fixed 12-colour track palette, assigned by instrument
// index. Adjacent instruments always get distinct colours; runs with more
// than 12 instruments cycle.
var trackPalette = [...]string{
	"#E53935", // red
	"#1E88E5", // blue
	"#43A047", // green
	"#FB8C00", // orange
	"#8E24AA", // purple
	"#00ACC1", // cyan
	"#FDD835", // yellow
	"#D81B60", // pink
	"#5E35B1", // deep purple
	"#00897B", // teal
	"#6D4C41", // brown
	"#7CB342", // light green
}

// coordinatorID tags setup-phase events; the mixing call reports under its
// own id so the client can render it as a separate lane.
const (
	coordinatorID = "coordinator"
	mixerID       = "mixing"

	mixingStepID = "mixing:final"
	tempoStepID  = "setup:tempo"
	keyStepID    = "setup:key"
)

var setupTools = map[string]bool{
	executor.ToolSetTempo: true,
	executor.ToolSetKey:   true,
}

// mixingTools is the Phase 3 vocabulary: bus routing, balance and automation
// only. Nothing here can create or destroy musical material.
var mixingTools = map[string]bool{
	executor.ToolEnsureBus:      true,
	executor.ToolAddSend:        true,
	executor.ToolSetTrackVolume: true,
	executor.ToolSetTrackPan:    true,
	executor.ToolSetTrackMute:   true,
	executor.ToolSetTrackSolo:   true,
	executor.ToolAddAutomation:  true,
}

func mixingToolDefs() []llm.ToolDef {
	return llm.ToolDefs(
		executor.ToolEnsureBus,
		executor.ToolAddSend,
		executor.ToolSetTrackVolume,
		executor.ToolSetTrackPan,
		executor.ToolSetTrackMute,
		executor.ToolSetTrackSolo,
		executor.ToolAddAutomation,
	)
}

// Options are the server-owned knobs threaded down to instrument agents and
// section children.
type Options struct {
	Model             string
	MaxSectionRetries int
	RetryDelays       []time.Duration
	ChildTimeout      time.Duration
	BassWaitTimeout   time.Duration
	MaxTurns          int
}

// Result aggregates one whole composition run.
type Result struct {
	Success        bool                 `json:"success"`
	Error          string               `json:"error,omitempty"`
	TraceID        string               `json:"traceId"`
	CompositionID  string               `json:"compositionId"`
	ContractHash   string               `json:"contractHash"`
	ToolCalls      int                  `json:"toolCalls"`
	TracksCreated  int                  `json:"tracksCreated"`
	RegionsCreated int                  `json:"regionsCreated"`
	NotesGenerated int                  `json:"notesGenerated"`
	EffectsAdded   int                  `json:"effectsAdded"`
	StateVersion   int64                `json:"stateVersion"`
	DurationMs     int64                `json:"durationMs"`
	Usage          llm.Usage            `json:"usage"`
	Agents         []*instrument.Result `json:"agents,omitempty"`
}

// agentSlot binds one sealed instrument contract to its run identity.
type agentSlot struct {
	agentID string
	ic      contract.InstrumentContract
}

// Coordinator drives one composition run end to end.
type Coordinator struct {
	parsed   models.ParsedPrompt
	traceID  string
	exec     *executor.Executor
	mux      *stream.Mux
	provider llm.Provider
	opts     Options

	plan  *stream.PlanTracker
	tx    *state.Transaction
	comp  contract.CompositionContract
	slots []agentSlot
}

func New(parsed models.ParsedPrompt, traceID string, exec *executor.Executor, mux *stream.Mux, provider llm.Provider, opts Options) *Coordinator {
	return &Coordinator{
		parsed:   parsed,
		traceID:  traceID,
		exec:     exec,
		mux:      mux,
		provider: provider,
		opts:     opts,
	}
}

// Run executes all three phases and always returns a Result. The run-wide
// transaction commits whenever the orchestration itself survived, partial
// musical failures included; it rolls back only when the coordinator frame
// crashed or could not even start.
func (c *Coordinator) Run(ctx context.Context) *Result {
	started := time.Now()
	res := &Result{TraceID: c.traceID}

	crashed := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				crashed = true
				res.Error = fmt.Sprintf("coordinator crashed: %v", r)
				sentry.CurrentHub().Recover(r)
				log.Printf("🚨 COORDINATOR: %s", res.Error)
			}
		}()
		if err := c.run(ctx, res); err != nil {
			res.Error = err.Error()
			log.Printf("❌ COORDINATOR: run failed: %v", err)
		}
	}()

	store := c.exec.Store()
	if c.tx != nil {
		if crashed || res.Error != "" {
			if err := store.Rollback(c.tx); err != nil {
				log.Printf("⚠️ COORDINATOR: rollback failed: %v", err)
			}
		} else if err := store.Commit(c.tx); err != nil {
			res.Error = fmt.Sprintf("commit failed: %v", err)
			log.Printf("❌ COORDINATOR: %s", res.Error)
		}
	}

	if c.plan != nil {
		if crashed || res.Error != "" {
			c.plan.FailPending("")
		} else {
			c.plan.SkipRemaining()
		}
	}
	if res.Error != "" {
		c.mux.Emit(stream.ErrorEvent(res.Error))
	}

	tracks, regions, notes, effects := store.Counts()
	res.TracksCreated = tracks
	res.RegionsCreated = regions
	res.NotesGenerated = notes
	res.EffectsAdded = effects
	res.StateVersion = store.Version()
	res.DurationMs = time.Since(started).Milliseconds()
	res.ToolCalls = len(c.exec.CallLog())
	res.Success = res.Error == "" && (notes > 0 || regions == 0)

	c.emitSummaries(res)
	log.Printf("⏱️ COORDINATOR: run %s finished in %v: %d tracks, %d regions, %d notes, success=%t",
		c.traceID, time.Since(started), tracks, regions, notes, res.Success)
	return res
}

func (c *Coordinator) run(ctx context.Context, res *Result) error {
	store := c.exec.Store()
	tx, err := store.BeginTransaction("composition " + c.traceID)
	if err != nil {
		return err
	}
	c.tx = tx

	if err := c.buildContracts(); err != nil {
		return err
	}
	res.CompositionID = c.comp.CompositionID
	res.ContractHash = c.comp.ContractHash

	c.registerPlan()
	c.plan.EmitPlan()
	c.plan.EmitPreflight()
	c.mux.Emit(stream.Status(fmt.Sprintf("Composing %s: %d instruments over %d sections",
		c.comp.Style, len(c.slots), len(c.comp.Sections)), coordinatorID, ""))

	c.setupPhase(ctx)
	c.composePhase(ctx, res)
	c.mixPhase(ctx, res)
	return nil
}

// buildContracts seals the full lineage before any agent starts: composition
// root first, then one instrument contract per role with the section plan
// re-stamped with that role's brief.
func (c *Coordinator) buildContracts() error {
	meta := c.exec.Store().Metadata()
	tempo := c.parsed.Tempo
	if tempo <= 0 {
		tempo = meta.Tempo
	}
	key := c.parsed.Key
	if key == "" {
		key = meta.Key
	}

	c.comp = contract.CompositionContract{
		CompositionID: "comp-" + uuid.NewString()[:8],
		Sections:      buildSections(c.parsed),
		Style:         c.parsed.StyleOrGenre(),
		Tempo:         tempo,
		Key:           key,
	}
	if err := c.comp.Seal(); err != nil {
		return fmt.Errorf("sealing composition contract: %w", err)
	}

	totalBars := 0
	for _, s := range c.comp.Sections {
		totalBars += s.Bars
	}

	seen := make(map[string]int, len(c.parsed.Roles))
	for i, role := range c.parsed.Roles {
		agentID := strings.ToLower(strings.TrimSpace(role.Role))
		if agentID == "" {
			continue
		}
		seen[agentID]++
		if n := seen[agentID]; n > 1 {
			agentID = fmt.Sprintf("%s-%d", agentID, n)
		}

		sections := make([]contract.SectionSpec, len(c.comp.Sections))
		copy(sections, c.comp.Sections)
		for j := range sections {
			sections[j].RoleBrief = role.Guidance
		}

		ic := contract.InstrumentContract{
			InstrumentName: displayName(role.Role),
			Role:           role.Role,
			Style:          c.comp.Style,
			Bars:           totalBars,
			Tempo:          c.comp.Tempo,
			Key:            c.comp.Key,
			StartBeat:      0,
			Sections:       sections,
			AssignedColor:  trackPalette[i%len(trackPalette)],
			GMGuidance:     role.GMGuidance,
		}
		if err := ic.Seal(c.comp.ContractHash); err != nil {
			return fmt.Errorf("sealing %s contract: %w", role.Role, err)
		}
		for j := range ic.Sections {
			if err := ic.Sections[j].Seal(ic.ContractHash); err != nil {
				return fmt.Errorf("sealing %s sections: %w", role.Role, err)
			}
		}
		c.slots = append(c.slots, agentSlot{agentID: agentID, ic: ic})
	}
	return nil
}

// registerPlan predicts every externally visible step up-front: setup calls
// that will actually run, one step per instrument section, one mixing step.
func (c *Coordinator) registerPlan() {
	c.plan = stream.NewPlanTracker(c.mux, "plan-"+c.traceID, "Compose "+c.comp.Style)

	meta := c.exec.Store().Metadata()
	if c.parsed.Tempo > 0 && c.parsed.Tempo != meta.Tempo {
		c.plan.AddStep(stream.PlanStep{
			StepID: tempoStepID,
			Label:  fmt.Sprintf("Set tempo to %d BPM", c.parsed.Tempo),
			Phase:  stream.PhaseSetup,
		})
	}
	if c.parsed.Key != "" && c.parsed.Key != meta.Key {
		c.plan.AddStep(stream.PlanStep{
			StepID: keyStepID,
			Label:  fmt.Sprintf("Set key to %s", c.parsed.Key),
			Phase:  stream.PhaseSetup,
		})
	}

	for _, slot := range c.slots {
		for _, sec := range slot.ic.Sections {
			c.plan.AddStep(stream.PlanStep{
				StepID:     instrument.StepID(slot.agentID, sec.SectionID),
				Label:      fmt.Sprintf("%s: %s (%d bars)", slot.ic.InstrumentName, sec.Name, sec.Bars),
				Phase:      stream.PhaseComposition,
				AgentID:    slot.agentID,
				AgentRole:  slot.ic.Role,
				TrackColor: slot.ic.AssignedColor,
			})
		}
	}

	if len(c.slots) > 0 {
		c.plan.AddStep(stream.PlanStep{
			StepID: mixingStepID,
			Label:  "Balance and mix tracks",
			Phase:  stream.PhaseMixing,
		})
	}
}

// setupPhase applies tempo and key deterministically. No LLM is involved and
// failures are non-fatal: agents compose against whatever the store holds.
func (c *Coordinator) setupPhase(ctx context.Context) {
	if _, ok := c.plan.Status(tempoStepID); ok {
		c.plan.Update(tempoStepID, stream.StepActive)
		out := c.executeDirect(ctx, coordinatorID, setupTools,
			executor.ToolCall{Name: executor.ToolSetTempo, Args: map[string]any{"tempo": c.parsed.Tempo}}, nil)
		c.finishStep(tempoStepID, out.Err == nil)
	}
	if _, ok := c.plan.Status(keyStepID); ok {
		c.plan.Update(keyStepID, stream.StepActive)
		out := c.executeDirect(ctx, coordinatorID, setupTools,
			executor.ToolCall{Name: executor.ToolSetKey, Args: map[string]any{"key": c.parsed.Key}}, nil)
		c.finishStep(keyStepID, out.Err == nil)
	}
}

// composePhase is the fan-out: drums run to completion first so their
// telemetry and signals exist before any bass child can ask for them, then
// every remaining agent runs in parallel.
func (c *Coordinator) composePhase(ctx context.Context, res *Result) {
	if len(c.slots) == 0 {
		log.Printf("⚠️ COORDINATOR: no roles in prompt, nothing to compose")
		return
	}

	signals := signal.NewBus()
	tele := telemetry.NewStore()

	drumIdx := -1
	for i, slot := range c.slots {
		if isDrumRole(slot.ic.Role) {
			drumIdx = i
			break
		}
	}

	// Signal keys use the composition-level section hashes; per-instrument
	// section hashes differ by role brief and are invisible to siblings. With
	// no drum role the bus stays unregistered and every wait resolves
	// immediately, so bass never blocks on telemetry that cannot arrive.
	sigHashes := make(map[string]string, len(c.comp.Sections))
	drumInstrument := ""
	if drumIdx >= 0 {
		ids := make([]string, 0, len(c.comp.Sections))
		hashes := make([]string, 0, len(c.comp.Sections))
		for _, s := range c.comp.Sections {
			sigHashes[s.SectionID] = s.ContractHash
			ids = append(ids, s.SectionID)
			hashes = append(hashes, s.ContractHash)
		}
		signals = signal.FromSectionIDs(ids, hashes)
		drumInstrument = c.slots[drumIdx].ic.InstrumentName
	}

	rt := section.RuntimeContext{
		TraceID:         c.traceID,
		CompositionID:   c.comp.CompositionID,
		RawPrompt:       c.parsed.Raw,
		Genre:           c.parsed.Genre,
		QualityPreset:   c.parsed.QualityPreset,
		Emotion:         c.parsed.Emotion,
		Tx:              c.tx,
		Signals:         signals,
		Telemetry:       tele,
		SignalHashes:    sigHashes,
		DrumInstrument:  drumInstrument,
		Provider:        c.provider,
		Model:           c.opts.Model,
		BassWaitTimeout: c.opts.BassWaitTimeout,
	}
	opts := instrument.Options{
		MaxSectionRetries: c.opts.MaxSectionRetries,
		RetryDelays:       c.opts.RetryDelays,
		ChildTimeout:      c.opts.ChildTimeout,
		MaxTurns:          c.opts.MaxTurns,
	}

	if drumIdx >= 0 {
		log.Printf("🥁 COORDINATOR: drums-first, running %s before %d siblings",
			c.slots[drumIdx].agentID, len(c.slots)-1)
		res.Agents = append(res.Agents, c.runAgent(ctx, c.slots[drumIdx], rt, opts))
	}

	others := make([]agentSlot, 0, len(c.slots))
	for i, slot := range c.slots {
		if i != drumIdx {
			others = append(others, slot)
		}
	}
	results := make([]*instrument.Result, len(others))
	g, gctx := errgroup.WithContext(ctx)
	for i, slot := range others {
		g.Go(func() error {
			results[i] = c.runAgent(gctx, slot, rt, opts)
			return nil
		})
	}
	_ = g.Wait()
	res.Agents = append(res.Agents, results...)

	for _, r := range res.Agents {
		if r == nil {
			continue
		}
		res.Usage.InputTokens += r.Usage.InputTokens
		res.Usage.OutputTokens += r.Usage.OutputTokens
		res.Usage.ReasoningTokens += r.Usage.ReasoningTokens
		res.Usage.TotalTokens += r.Usage.TotalTokens
	}
}

// runAgent is the coordinator-level failsafe frame. The agent catches its
// own panics; this catches anything that escapes construction or bookkeeping
// so a crashed task can never take the run down or leave dangling steps.
func (c *Coordinator) runAgent(ctx context.Context, slot agentSlot, rt section.RuntimeContext, opts instrument.Options) (res *instrument.Result) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			c.plan.FailPending(slot.agentID)
			c.mux.Emit(stream.AgentComplete(slot.agentID, false))
			res = &instrument.Result{
				AgentID:          slot.agentID,
				InstrumentName:   slot.ic.InstrumentName,
				Role:             slot.ic.Role,
				Success:          false,
				Error:            fmt.Sprintf("agent task crashed: %v", r),
				ExpectedSections: len(slot.ic.Sections),
			}
			log.Printf("🚨 COORDINATOR: agent %s crashed: %v", slot.agentID, r)
		}
	}()

	started := time.Now()
	res = instrument.New(slot.ic, slot.agentID, c.exec, c.mux, c.plan, rt, opts).Run(ctx)
	log.Printf("⏱️ COORDINATOR: agent %s finished in %v", slot.agentID, time.Since(started))
	return res
}

// mixPhase runs the single mixing turn. Mixing failures never fail the run;
// the music already exists.
func (c *Coordinator) mixPhase(ctx context.Context, res *Result) {
	if _, ok := c.plan.Status(mixingStepID); !ok {
		return
	}
	summaries := c.exec.Store().TrackSummaries()
	if len(summaries) == 0 {
		c.plan.Update(mixingStepID, stream.StepSkipped)
		return
	}
	c.plan.Update(mixingStepID, stream.StepActive)
	c.mux.Emit(stream.Status("Balancing the mix", mixerID, ""))

	tracks := make([]prompt.MixTrack, 0, len(summaries))
	for _, s := range summaries {
		tracks = append(tracks, prompt.MixTrack{
			TrackID:   s.ID,
			Name:      s.Name,
			Role:      c.roleForInstrument(s.Name),
			NoteCount: s.Notes,
		})
	}

	builder := prompt.NewMixingPromptBuilder(c.comp.Style, tracks)
	system, err := builder.BuildSystemPrompt()
	if err != nil {
		log.Printf("⚠️ COORDINATOR: mixing prompt build failed: %v", err)
		c.plan.Update(mixingStepID, stream.StepFailed)
		return
	}

	request := &llm.TurnRequest{
		Model:        c.opts.Model,
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: builder.BuildUserMessage()}},
		Tools:        mixingToolDefs(),
	}

	sawReasoning := false
	resp, err := c.provider.Turn(ctx, request, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case "reasoning_delta":
			sawReasoning = true
			c.mux.Emit(stream.Reasoning(ev.Message, mixerID, ""))
		case "text_delta":
			c.mux.Emit(stream.Content(ev.Message, mixerID))
		}
		return nil
	})
	if sawReasoning {
		c.mux.Emit(stream.ReasoningEnd(mixerID, ""))
	}
	if err != nil {
		log.Printf("⚠️ COORDINATOR: mixing turn failed: %v", err)
		c.plan.Update(mixingStepID, stream.StepFailed)
		return
	}

	res.Usage.InputTokens += resp.Usage.InputTokens
	res.Usage.OutputTokens += resp.Usage.OutputTokens
	res.Usage.ReasoningTokens += resp.Usage.ReasoningTokens
	res.Usage.TotalTokens += resp.Usage.TotalTokens

	// Sequential execution in one batch so $N references resolve the same
	// way they do for instrument agents.
	batch := executor.NewBatch()
	applied := 0
	for _, tc := range resp.ToolCalls {
		out := c.executeDirect(ctx, mixerID, mixingTools,
			executor.ToolCall{ID: tc.CallID, Name: tc.Name, Args: tc.Args}, batch)
		if out.Err == nil && !out.Skipped {
			applied++
		}
	}
	c.finishStep(mixingStepID, true)
	log.Printf("🎚️ COORDINATOR: mixing applied %d/%d calls", applied, len(resp.ToolCalls))
}

// executeDirect runs one coordinator-owned tool call and forwards its events.
func (c *Coordinator) executeDirect(ctx context.Context, agentID string, allow map[string]bool, call executor.ToolCall, batch *executor.Batch) *executor.Outcome {
	if batch == nil {
		batch = executor.NewBatch()
	}
	if call.ID == "" {
		call.ID = "call_" + uuid.NewString()[:8]
	}
	out := c.exec.Execute(ctx, call, batch, executor.CallContext{
		AgentID: agentID,
		Allow:   allow,
		Tx:      c.tx,
		Composition: &executor.CompositionContext{
			CompositionID: c.comp.CompositionID,
			Genre:         c.parsed.Genre,
			Style:         c.comp.Style,
			Tempo:         c.comp.Tempo,
			Key:           c.comp.Key,
			QualityPreset: c.parsed.QualityPreset,
			Emotion:       c.parsed.Emotion,
		},
	})
	for _, ev := range out.Events {
		c.mux.Emit(ev)
	}
	return out
}

func (c *Coordinator) finishStep(stepID string, ok bool) {
	if ok {
		c.plan.Update(stepID, stream.StepCompleted)
	} else {
		c.plan.Update(stepID, stream.StepFailed)
	}
}

// emitSummaries sends the closing event triplet: summary, summary.final,
// complete. These are the last three records of every run.
func (c *Coordinator) emitSummaries(res *Result) {
	store := c.exec.Store()
	summaries := store.TrackSummaries()

	c.mux.Emit(stream.New("summary", map[string]any{
		"tracks":  summaries,
		"regions": res.RegionsCreated,
		"notes":   res.NotesGenerated,
		"effects": res.EffectsAdded,
	}))

	names := make([]string, 0, len(summaries))
	for _, s := range summaries {
		names = append(names, s.Name)
	}
	c.mux.Emit(stream.New("summary.final", map[string]any{
		"tracksCreated": names,
		"tracks":        res.TracksCreated,
		"regions":       res.RegionsCreated,
		"notes":         res.NotesGenerated,
		"effects":       res.EffectsAdded,
		"durationMs":    res.DurationMs,
	}))

	c.mux.Emit(stream.New("complete", map[string]any{
		"success":      res.Success,
		"toolCalls":    c.exec.CallLog(),
		"stateVersion": res.StateVersion,
		"traceId":      res.TraceID,
		"usage":        res.Usage,
	}))
}

func (c *Coordinator) roleForInstrument(name string) string {
	for _, slot := range c.slots {
		if strings.EqualFold(slot.ic.InstrumentName, name) {
			return slot.ic.Role
		}
	}
	return ""
}

// buildSections lays the parsed form out on the beat grid: cumulative start
// beats, duration from bars and the prompt's meter. A prompt with no form at
// all still gets one playable section.
func buildSections(p models.ParsedPrompt) []contract.SectionSpec {
	src := p.Sections
	if len(src) == 0 {
		src = []models.PromptSection{{Name: "main", Bars: 8}}
	}
	beatsPerBar := p.BeatsPerBar()

	specs := make([]contract.SectionSpec, 0, len(src))
	start := 0.0
	for i, s := range src {
		bars := s.Bars
		if bars <= 0 {
			bars = 4
		}
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = fmt.Sprintf("part %d", i+1)
		}
		dur := float64(bars) * beatsPerBar
		specs = append(specs, contract.SectionSpec{
			SectionID:     fmt.Sprintf("section-%d", i+1),
			Name:          name,
			Index:         i,
			StartBeat:     start,
			DurationBeats: dur,
			Bars:          bars,
			Character:     s.Character,
		})
		start += dur
	}
	return specs
}

func isDrumRole(role string) bool {
	switch strings.ToLower(role) {
	case "drums", "drum", "percussion":
		return true
	}
	return false
}

// displayName title-cases a role for track naming: "drums" becomes "Drums",
// "electric guitar" becomes "Electric Guitar".
func displayName(role string) string {
	words := strings.Fields(strings.TrimSpace(role))
	for i, w := range words {
		r := []rune(w)
		if len(r) > 0 {
			words[i] = strings.ToUpper(string(r[0])) + string(r[1:])
		}
	}
	if len(words) == 0 {
		return "Instrument"
	}
	return strings.Join(words, " ")
}
