// Package section runs the leaf worker of the agent tree: one section of
// one instrument, bound to a sealed SectionContract. The child never talks
// to an LLM for the core pipeline; region geometry and generator parameters
// come exclusively from the contract, so a hallucinated beat range can never
// reach the store. The only model call it may make is the optional
// expressive-refinement pass, restricted to CC and pitch-bend tools.
package section

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Conceptual-Machines/maestro-api/internal/contract"
	"github.com/Conceptual-Machines/maestro-api/internal/errkind"
	"github.com/Conceptual-Machines/maestro-api/internal/executor"
	"github.com/Conceptual-Machines/maestro-api/internal/llm"
	"github.com/Conceptual-Machines/maestro-api/internal/models"
	"github.com/Conceptual-Machines/maestro-api/internal/prompt"
	"github.com/Conceptual-Machines/maestro-api/internal/signal"
	"github.com/Conceptual-Machines/maestro-api/internal/state"
	"github.com/Conceptual-Machines/maestro-api/internal/stream"
	"github.com/Conceptual-Machines/maestro-api/internal/telemetry"
)

// defaultBassWait bounds how long a bass child blocks on the drum signal
// before composing without the groove spine.
const defaultBassWait = 60 * time.Second

// RuntimeContext carries everything a child needs that is NOT part of the
// sealed contract: run identity, shared services and continuity state. It
// is a value type; deriving a per-child variant never mutates the parent's.
type RuntimeContext struct {
	TraceID       string
	CompositionID string
	RawPrompt     string
	Genre         string
	QualityPreset string
	Emotion       models.EmotionVector

	// Tx is the run's ambient transaction. The store is single-writer, so
	// every agent in the tree shares this one handle.
	Tx *state.Transaction

	Signals   *signal.Bus
	Telemetry *telemetry.Store

	// SignalHashes maps section id to the composition-sealed section hash.
	// Section contract hashes differ per instrument (they embed track id
	// and role brief), so drum signaller and bass waiter key the bus on the
	// shared composition-level hash instead.
	SignalHashes map[string]string

	// DrumInstrument names the telemetry rows the drum agent writes, e.g.
	// "Drums".
	DrumInstrument string
	DrumTelemetry  *telemetry.SectionTelemetry

	// PreviousNotes seed the generator for musical continuity: the prior
	// section's notes for the same instrument, plus the drum spine once a
	// bass child has received its signal.
	PreviousNotes []models.Note

	Provider        llm.Provider
	Model           string
	BassWaitTimeout time.Duration
}

// WithDrumSpine derives a context carrying the drum section's telemetry,
// with the drum notes prepended to the continuity seed.
func (rt RuntimeContext) WithDrumSpine(t telemetry.SectionTelemetry, drumNotes []models.Note) RuntimeContext {
	rt.DrumTelemetry = &t
	if len(drumNotes) > 0 {
		seeded := make([]models.Note, 0, len(drumNotes)+len(rt.PreviousNotes))
		seeded = append(seeded, drumNotes...)
		seeded = append(seeded, rt.PreviousNotes...)
		rt.PreviousNotes = seeded
	}
	return rt
}

// Result is what a section child hands back to its instrument agent.
type Result struct {
	SectionID      string        `json:"sectionId"`
	SectionName    string        `json:"sectionName"`
	ContractHash   string        `json:"contractHash"`
	ExecutionHash  string        `json:"executionHash"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	RegionID       string        `json:"regionId,omitempty"`
	TrackID        string        `json:"trackId,omitempty"`
	NotesGenerated int           `json:"notesGenerated"`
	DurationMs     int64         `json:"durationMs"`
	Notes          []models.Note `json:"-"`

	// ToolRecords are the conversation-history stubs for every call the
	// child executed, in order, for the parent agent's transcript.
	ToolRecords []executor.Message `json:"-"`
}

// Child executes one sealed SectionContract.
type Child struct {
	contract contract.SectionContract
	agentID  string
	exec     *executor.Executor
	mux      *stream.Mux
	runtime  RuntimeContext
}

func New(sc contract.SectionContract, agentID string, exec *executor.Executor, mux *stream.Mux, rt RuntimeContext) *Child {
	return &Child{contract: sc, agentID: agentID, exec: exec, mux: mux, runtime: rt}
}

// Run executes the section pipeline: wait for the drum spine (bass only),
// create the region, generate notes, record telemetry, signal siblings
// (drums only), then optionally refine expression. It always returns a
// Result; failures are reported, never panicked.
func (c *Child) Run(ctx context.Context) *Result {
	started := time.Now()
	sec := c.contract.Section
	res := &Result{
		SectionID:    sec.SectionID,
		SectionName:  sec.Name,
		ContractHash: c.contract.ContractHash,
		TrackID:      c.contract.TrackID,
	}
	defer func() {
		res.ExecutionHash = contract.ExecutionHash(c.contract.ContractHash, c.runtime.TraceID)
		res.DurationMs = time.Since(started).Milliseconds()
	}()

	c.mux.Emit(stream.Status("starting", c.agentID, sec.Name))
	log.Printf("🎬 [%s] Section %q starting (beat %g, %g beats)", c.agentID, sec.Name, sec.StartBeat, sec.DurationBeats)

	if !c.contract.Verify() {
		return c.fail(res, errkind.New(errkind.ProtocolViolation, "section contract %s failed verification", c.contract.ContractHash))
	}

	rt := c.runtime
	if isBassRole(c.contract.Role) {
		var err error
		rt, err = c.waitForDrumSpine(ctx, rt)
		if err != nil {
			return c.fail(res, err)
		}
	}

	regionID, err := c.createRegion(ctx, rt, res)
	if err != nil {
		return c.fail(res, err)
	}
	res.RegionID = regionID

	notes, err := c.generate(ctx, rt, regionID, res)
	if err != nil {
		return c.fail(res, err)
	}
	res.Notes = notes
	res.NotesGenerated = len(notes)
	res.Success = true

	if rt.Telemetry != nil {
		rt.Telemetry.Set(c.contract.InstrumentName, sec.SectionID, telemetry.Compute(notes, sec.DurationBeats))
	}
	if isDrumRole(c.contract.Role) {
		c.signalDrums(true, notes)
	}

	c.refineExpression(ctx, rt, regionID, len(notes), res)

	c.mux.Emit(stream.Status("complete", c.agentID, sec.Name))
	log.Printf("✅ [%s] Section %q complete: %d notes in %v", c.agentID, sec.Name, len(notes), time.Since(started))
	return res
}

// fail finalises a failed result. Drum sections always signal failure so a
// waiting bass child releases immediately instead of burning its timeout.
func (c *Child) fail(res *Result, err error) *Result {
	res.Success = false
	res.Error = err.Error()
	if isDrumRole(c.contract.Role) {
		c.signalDrums(false, nil)
	}
	c.mux.Emit(stream.Status("failed", c.agentID, c.contract.Section.Name))
	log.Printf("❌ [%s] Section %q failed: %v", c.agentID, c.contract.Section.Name, err)
	return res
}

// waitForDrumSpine blocks until the drum section for the same section id
// signals, then derives a context carrying the drum telemetry. Timeout and
// drum failure are non-fatal; a corrupted signal (hash mismatch inside the
// stored result) is a protocol violation and fails the child.
func (c *Child) waitForDrumSpine(ctx context.Context, rt RuntimeContext) (RuntimeContext, error) {
	sec := c.contract.Section
	if rt.Signals == nil {
		return rt, nil
	}
	hash, ok := rt.SignalHashes[sec.SectionID]
	if !ok {
		return rt, nil
	}
	timeout := rt.BassWaitTimeout
	if timeout <= 0 {
		timeout = defaultBassWait
	}

	log.Printf("⏱️ [%s] Section %q waiting for drum signal (timeout %v)", c.agentID, sec.Name, timeout)
	sig, err := rt.Signals.WaitFor(ctx, sec.SectionID, hash, timeout)
	if err != nil {
		return rt, err
	}
	if sig == nil || !sig.Success {
		log.Printf("⚠️ [%s] No drum spine for %q, composing without it", c.agentID, sec.Name)
		return rt, nil
	}

	tele, ok := rt.Telemetry.Get(rt.DrumInstrument, sec.SectionID)
	if !ok && len(sig.DrumNotes) > 0 {
		tele = telemetry.Compute(sig.DrumNotes, sec.DurationBeats)
		ok = true
	}
	if !ok {
		return rt, nil
	}
	log.Printf("🥁 [%s] Drum spine for %q: energy %.2f, density %.2f, kick %s",
		c.agentID, sec.Name, tele.EnergyLevel, tele.DensityScore, tele.KickPatternHash)
	return rt.WithDrumSpine(tele, sig.DrumNotes), nil
}

// createRegion places the section's region with geometry taken verbatim
// from the sealed contract.
func (c *Child) createRegion(ctx context.Context, rt RuntimeContext, res *Result) (string, error) {
	sec := c.contract.Section
	call := executor.ToolCall{
		ID:   newCallID(),
		Name: executor.ToolAddMidiRegion,
		Args: map[string]any{
			"trackId":       c.contract.TrackID,
			"name":          c.regionName(),
			"startBeat":     sec.StartBeat,
			"durationBeats": sec.DurationBeats,
		},
	}
	out := c.exec.Execute(ctx, call, executor.NewBatch(), c.callContext(rt, nil))
	c.record(out, res)
	if out.Err != nil {
		return "", out.Err
	}
	regionID, _ := out.Result["regionId"].(string)
	if regionID == "" {
		return "", errkind.New(errkind.UnknownEntity, "region creation returned no regionId")
	}
	return regionID, nil
}

// generate runs the generator with parameters from the contract and reads
// the persisted notes back from the store.
func (c *Child) generate(ctx context.Context, rt RuntimeContext, regionID string, res *Result) ([]models.Note, error) {
	sec := c.contract.Section
	call := executor.ToolCall{
		ID:   newCallID(),
		Name: executor.ToolGenerateMidi,
		Args: map[string]any{
			"role":     c.contract.Role,
			"style":    c.contract.Style,
			"tempo":    c.contract.Tempo,
			"key":      c.contract.Key,
			"bars":     sec.Bars,
			"regionId": regionID,
			"prompt":   c.generatePrompt(rt),
		},
	}
	out := c.exec.Execute(ctx, call, executor.NewBatch(), c.callContext(rt, nil))
	c.record(out, res)
	if out.Err != nil {
		return nil, out.Err
	}

	region, ok := c.exec.Store().RegionByID(regionID)
	if !ok {
		return nil, errkind.New(errkind.UnknownEntity, "region %s vanished after generation", regionID)
	}
	return region.Notes, nil
}

// generatePrompt assembles the musical goals. The canonical character and
// role brief always win over the advisory l2 prompt; the drum spine, when
// present, is appended as a groove lock.
func (c *Child) generatePrompt(rt RuntimeContext) string {
	sec := c.contract.Section
	parts := make([]string, 0, 3)
	if sec.Character != "" {
		parts = append(parts, sec.Character)
	}
	if sec.RoleBrief != "" {
		parts = append(parts, sec.RoleBrief)
	}
	if len(parts) == 0 && c.contract.L2GeneratePrompt != "" {
		parts = append(parts, c.contract.L2GeneratePrompt)
	}
	if rt.DrumTelemetry != nil {
		parts = append(parts, fmt.Sprintf("Lock to the drum groove: energy %.2f, density %.2f notes/beat, kick pattern %s",
			rt.DrumTelemetry.EnergyLevel, rt.DrumTelemetry.DensityScore, rt.DrumTelemetry.KickPatternHash))
	}
	return strings.Join(parts, "; ")
}

// signalDrums publishes this drum section's outcome on the bus. Keyed by
// the composition-level section hash when the coordinator provided one;
// idempotent, so double-signalling on retry is harmless.
func (c *Child) signalDrums(success bool, notes []models.Note) {
	if c.runtime.Signals == nil {
		return
	}
	sec := c.contract.Section
	hash, ok := c.runtime.SignalHashes[sec.SectionID]
	if !ok {
		hash = sec.ContractHash
	}
	c.runtime.Signals.SignalComplete(sec.SectionID, hash, success, notes)
	log.Printf("📤 [%s] Drum signal for %q: success=%t, %d notes", c.agentID, sec.Name, success, len(notes))
}

// refineExpression optionally runs one restricted LLM turn that adds CC
// and pitch-bend lanes to the freshly generated region. Only triggered by
// expressive directives in the raw prompt; every failure here is logged
// and swallowed, the section already succeeded.
func (c *Child) refineExpression(ctx context.Context, rt RuntimeContext, regionID string, noteCount int, res *Result) {
	directives := prompt.ExpressiveDirectives(rt.RawPrompt)
	if len(directives) == 0 || rt.Provider == nil {
		return
	}
	sec := c.contract.Section

	builder := prompt.NewExpressivePromptBuilder(sec.Name, c.contract.Role, c.contract.Style, directives)
	system, err := builder.BuildSystemPrompt()
	if err != nil {
		log.Printf("⚠️ [%s] Expressive prompt build failed for %q: %v", c.agentID, sec.Name, err)
		return
	}
	request := &llm.TurnRequest{
		Model:        rt.Model,
		SystemPrompt: system,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: builder.BuildUserMessage(regionID, sec.DurationBeats, noteCount),
		}},
		Tools: llm.ToolDefs(executor.ToolAddMidiCC, executor.ToolAddPitchBend),
	}

	sawReasoning := false
	resp, err := rt.Provider.Turn(ctx, request, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case "reasoning_delta":
			sawReasoning = true
			c.mux.Emit(stream.Reasoning(ev.Message, c.agentID, sec.Name))
		case "text_delta":
			c.mux.Emit(stream.Content(ev.Message, c.agentID))
		}
		return nil
	})
	if sawReasoning {
		c.mux.Emit(stream.ReasoningEnd(c.agentID, sec.Name))
	}
	if err != nil {
		log.Printf("⚠️ [%s] Expressive refinement for %q skipped: %v", c.agentID, sec.Name, err)
		return
	}
	if len(resp.ToolCalls) == 0 {
		return
	}

	allow := map[string]bool{executor.ToolAddMidiCC: true, executor.ToolAddPitchBend: true}
	batch := executor.NewBatch()
	applied := 0
	for _, tc := range resp.ToolCalls {
		callID := tc.CallID
		if callID == "" {
			callID = newCallID()
		}
		out := c.exec.Execute(ctx, executor.ToolCall{ID: callID, Name: tc.Name, Args: tc.Args}, batch, c.callContext(rt, allow))
		c.record(out, res)
		if out.Err == nil && !out.Skipped {
			applied++
		}
	}
	log.Printf("🎵 [%s] Expressive refinement for %q applied %d/%d calls", c.agentID, sec.Name, applied, len(resp.ToolCalls))
}

// record forwards a call's events to the stream and keeps its transcript
// stubs for the parent agent.
func (c *Child) record(out *executor.Outcome, res *Result) {
	for _, ev := range out.Events {
		c.mux.Emit(ev)
	}
	res.ToolRecords = append(res.ToolRecords, out.MsgCall, out.MsgResult)
}

func (c *Child) callContext(rt RuntimeContext, allow map[string]bool) executor.CallContext {
	return executor.CallContext{
		AgentID:     c.agentID,
		SectionName: c.contract.Section.Name,
		Allow:       allow,
		Tx:          rt.Tx,
		Composition: &executor.CompositionContext{
			CompositionID: rt.CompositionID,
			Genre:         rt.Genre,
			Style:         c.contract.Style,
			Tempo:         c.contract.Tempo,
			Key:           c.contract.Key,
			QualityPreset: rt.QualityPreset,
			Emotion:       rt.Emotion,
			PreviousNotes: rt.PreviousNotes,
		},
	}
}

func (c *Child) regionName() string {
	if c.contract.RegionName != "" {
		return c.contract.RegionName
	}
	return fmt.Sprintf("%s - %s", c.contract.InstrumentName, c.contract.Section.Name)
}

func isDrumRole(role string) bool {
	switch strings.ToLower(role) {
	case "drums", "drum", "percussion":
		return true
	}
	return false
}

func isBassRole(role string) bool {
	return strings.ToLower(role) == "bass"
}

func newCallID() string {
	return "call_" + uuid.NewString()[:8]
}
