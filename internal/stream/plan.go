package stream

import "sync"

// PlanStep is one externally visible unit of progress. AgentID, AgentRole
// and TrackColor are set on steps that belong to an instrument agent and
// feed the preflight event.
type PlanStep struct {
	StepID     string `json:"stepId"`
	Label      string `json:"label"`
	Status     string `json:"status"`
	Phase      string `json:"phase"`
	AgentID    string `json:"agentId,omitempty"`
	AgentRole  string `json:"agentRole,omitempty"`
	TrackColor string `json:"trackColor,omitempty"`
}

// PlanTracker owns the plan step lifecycle: pending steps become active,
// then completed or failed; whatever is still pending at the end of the run
// is emitted as skipped so the client never sees a dangling row.
type PlanTracker struct {
	mu     sync.Mutex
	mux    *Mux
	planID string
	title  string
	order  []string
	steps  map[string]*PlanStep
}

func NewPlanTracker(mux *Mux, planID, title string) *PlanTracker {
	return &PlanTracker{
		mux:    mux,
		planID: planID,
		title:  title,
		steps:  make(map[string]*PlanStep),
	}
}

// AddStep registers a step as pending. Duplicate step ids are ignored.
func (p *PlanTracker) AddStep(step PlanStep) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.steps[step.StepID]; ok {
		return
	}
	step.Status = StepPending
	p.steps[step.StepID] = &step
	p.order = append(p.order, step.StepID)
}

// EmitPlan publishes the full predicted plan, once, up-front.
func (p *PlanTracker) EmitPlan() {
	p.mu.Lock()
	steps := make([]map[string]any, 0, len(p.order))
	for _, id := range p.order {
		s := p.steps[id]
		steps = append(steps, map[string]any{
			"stepId": s.StepID,
			"label":  s.Label,
			"status": s.Status,
			"phase":  s.Phase,
		})
	}
	p.mu.Unlock()

	p.mux.Emit(New("plan", map[string]any{
		"planId": p.planID,
		"title":  p.title,
		"steps":  steps,
	}))
}

// EmitPreflight publishes one preflight event per agent-owned step so the
// client can pre-allocate UI rows before any agent starts.
func (p *PlanTracker) EmitPreflight() {
	p.mu.Lock()
	var agentSteps []PlanStep
	for _, id := range p.order {
		if s := p.steps[id]; s.AgentID != "" {
			agentSteps = append(agentSteps, *s)
		}
	}
	p.mu.Unlock()

	for _, s := range agentSteps {
		p.mux.Emit(Preflight(s.StepID, s.AgentID, s.AgentRole, s.Label, s.TrackColor))
	}
}

// Update transitions a step and emits planStepUpdate. Unknown ids are
// ignored so agents can report liberally.
func (p *PlanTracker) Update(stepID, status string) {
	p.mu.Lock()
	step, ok := p.steps[stepID]
	if !ok {
		p.mu.Unlock()
		return
	}
	step.Status = status
	fields := map[string]any{
		"stepId": step.StepID,
		"status": step.Status,
		"phase":  step.Phase,
	}
	if step.AgentID != "" {
		fields["agentId"] = step.AgentID
	}
	p.mu.Unlock()

	p.mux.Emit(New("planStepUpdate", fields))
}

// FailPending is the failsafe for a crashed agent: every step still pending
// or active for that agent is marked failed. An empty agentID fails all
// remaining steps.
func (p *PlanTracker) FailPending(agentID string) {
	for _, id := range p.pendingIDs(agentID) {
		p.Update(id, StepFailed)
	}
}

// SkipRemaining marks every step still pending as skipped. Called once at
// end of run.
func (p *PlanTracker) SkipRemaining() {
	for _, id := range p.pendingIDs("") {
		p.Update(id, StepSkipped)
	}
}

func (p *PlanTracker) pendingIDs(agentID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for _, id := range p.order {
		s := p.steps[id]
		if agentID != "" && s.AgentID != agentID {
			continue
		}
		if s.Status == StepPending || s.Status == StepActive {
			ids = append(ids, id)
		}
	}
	return ids
}

// Status returns the current status of a step.
func (p *PlanTracker) Status(stepID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.steps[stepID]
	if !ok {
		return "", false
	}
	return s.Status, true
}
