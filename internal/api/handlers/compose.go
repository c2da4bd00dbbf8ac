package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Conceptual-Machines/maestro-api/internal/agents/coordination"
	"github.com/Conceptual-Machines/maestro-api/internal/config"
	"github.com/Conceptual-Machines/maestro-api/internal/executor"
	"github.com/Conceptual-Machines/maestro-api/internal/llm"
	"github.com/Conceptual-Machines/maestro-api/internal/logger"
	"github.com/Conceptual-Machines/maestro-api/internal/metrics"
	"github.com/Conceptual-Machines/maestro-api/internal/models"
	"github.com/Conceptual-Machines/maestro-api/internal/observability"
	"github.com/Conceptual-Machines/maestro-api/internal/orpheus"
	"github.com/Conceptual-Machines/maestro-api/internal/services"
	"github.com/Conceptual-Machines/maestro-api/internal/state"
	"github.com/Conceptual-Machines/maestro-api/internal/stream"
)

const (
	defaultComposeModel = "gpt-5-mini"

	// maxPromptPreviewLength is the maximum length for prompt previews in logs
	maxPromptPreviewLength = 200
)

// Global metrics instance
var sentryMetrics = metrics.NewSentryMetrics()

// ComposeHandler owns POST /api/v1/compose.
type ComposeHandler struct {
	cfg        *config.Config
	factory    *llm.ProviderFactory
	generator  *orpheus.Client
	runs       *services.RunService
	cloudwatch *metrics.Client

	// provider overrides the factory when set; tests inject scripted
	// providers here.
	provider llm.Provider
}

func NewComposeHandler(cfg *config.Config, db *gorm.DB, generator *orpheus.Client, cloudwatch *metrics.Client) *ComposeHandler {
	return &ComposeHandler{
		cfg:        cfg,
		factory:    llm.NewProviderFactory(cfg.OpenAIAPIKey, cfg.GeminiAPIKey),
		generator:  generator,
		runs:       services.NewRunService(db),
		cloudwatch: cloudwatch,
	}
}

// ComposeRequest is the body of POST /api/v1/compose. The prompt arrives
// pre-parsed by the client. ProjectSnapshot seeds server-side state from an
// already-open project so new material lands alongside existing tracks.
type ComposeRequest struct {
	Prompt          models.ParsedPrompt    `json:"prompt"`
	Model           string                 `json:"model"`
	Provider        string                 `json:"provider"`
	ProjectSnapshot *state.ProjectSnapshot `json:"projectSnapshot"`
}

// Compose runs one composition end to end and streams NDJSON events as they
// happen. One line per event; every line has type and seq.
func (h *ComposeHandler) Compose(c *gin.Context) {
	// Panic recovery with detailed logging. The coordinator has its own
	// failsafe frame; this catches everything outside it.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Compose: PANIC recovered: %v", r)
			log.Printf("   Stack trace:\n%s", string(debug.Stack()))
			log.Printf("   Request ID: %s", c.GetString("request_id"))
		}
	}()

	var req ComposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Printf("❌ Compose: JSON binding error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Prompt.Raw == "" && len(req.Prompt.Roles) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	model := req.Model
	if model == "" {
		model = defaultComposeModel
	}

	provider := h.provider
	if provider == nil {
		var err error
		provider, err = h.factory.GetProvider(c.Request.Context(), model, req.Provider)
		if err != nil {
			log.Printf("❌ Compose: provider selection failed: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	traceID := uuid.New().String()
	preview := req.Prompt.Raw
	if len(preview) > maxPromptPreviewLength {
		preview = preview[:maxPromptPreviewLength]
	}
	log.Printf("🎵 Compose: starting run trace=%s model=%s roles=%d sections=%d",
		traceID, model, len(req.Prompt.Roles), len(req.Prompt.Sections))
	if preview != "" {
		log.Printf("   Prompt preview: %s", preview)
	}

	store := state.NewStore()
	if req.ProjectSnapshot != nil {
		store.SyncFromClient(*req.ProjectSnapshot)
		tracks, regions, notes, _ := store.Counts()
		log.Printf("📥 Compose: synced client project (%d tracks, %d regions, %d notes)", tracks, regions, notes)
	}
	exec := executor.New(store, h.generator)

	run := h.runs.StartRun(traceID, model, req.Prompt)
	h.cloudwatch.RecordCompositionStart(model)

	lfClient := observability.GetClient()
	log.Printf("🔍 Langfuse: Client enabled: %v", lfClient.IsEnabled())
	trace := lfClient.StartTrace(c.Request.Context(), "composition", map[string]interface{}{
		"trace_id": traceID,
		"model":    model,
		"genre":    req.Prompt.StyleOrGenre(),
	})
	defer trace.Finish()
	gen := trace.Generation("coordinator", map[string]interface{}{
		"roles":    len(req.Prompt.Roles),
		"sections": len(req.Prompt.Sections),
	})
	gen.Input(req.Prompt.Raw)

	// NDJSON long response. X-Accel-Buffering disables nginx buffering.
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Trace-ID", traceID)
	c.Writer.Flush()

	mux := stream.NewMux(0)
	coord := coordination.New(req.Prompt, traceID, exec, mux, provider, coordination.Options{
		Model:             model,
		MaxSectionRetries: h.cfg.SectionMaxRetries,
		ChildTimeout:      time.Duration(h.cfg.SectionChildTimeoutSeconds) * time.Second,
		BassWaitTimeout:   time.Duration(h.cfg.BassSignalWaitSeconds) * time.Second,
	})

	resCh := make(chan *coordination.Result, 1)
	go func() {
		defer mux.Close()
		resCh <- coord.Run(c.Request.Context())
	}()

	drainErr := mux.Drain(c.Request.Context(), func(ev stream.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := c.Writer.Write(append(data, '\n')); err != nil {
			return err
		}
		c.Writer.Flush()

		if ev.Type == "generatorComplete" {
			role, _ := ev.Fields["role"].(string)
			if ms, ok := ev.Fields["durationMs"].(int64); ok {
				h.cloudwatch.RecordGeneratorLatency(role, time.Duration(ms)*time.Millisecond)
				sentryMetrics.RecordGeneratorCall(c.Request.Context(), role, time.Duration(ms)*time.Millisecond, true)
			}
		}
		return nil
	})
	if drainErr != nil {
		log.Printf("⚠️  Compose: stream interrupted for trace %s: %v", traceID, drainErr)
		// Keep the queue moving so unwinding agents never block on Emit.
		go mux.Drain(context.Background(), func(stream.Event) error { return nil }) //nolint:errcheck
	}

	res := <-resCh

	gen.Output(map[string]interface{}{
		"success":         res.Success,
		"tracks_created":  res.TracksCreated,
		"regions_created": res.RegionsCreated,
		"notes_generated": res.NotesGenerated,
		"tool_calls":      res.ToolCalls,
		"error":           res.Error,
	})
	gen.LogTurnUsage(model, res.Usage.InputTokens, res.Usage.OutputTokens, res.Usage.ReasoningTokens, res.Usage.TotalTokens)
	if !res.Success {
		gen.SetLevel("ERROR")
	}
	gen.Finish()

	h.runs.FinishRun(run, res)
	h.cloudwatch.RecordCompositionComplete(res.Success, time.Duration(res.DurationMs)*time.Millisecond, res.NotesGenerated)
	h.cloudwatch.RecordTokenUsage(model,
		int(res.Usage.TotalTokens), int(res.Usage.InputTokens), int(res.Usage.OutputTokens), int(res.Usage.ReasoningTokens))
	sentryMetrics.RecordTokenUsage(c.Request.Context(), model,
		int(res.Usage.TotalTokens), int(res.Usage.InputTokens), int(res.Usage.OutputTokens), int(res.Usage.ReasoningTokens))
	sentryMetrics.RecordCompositionRun(c.Request.Context(), res.Success, time.Duration(res.DurationMs)*time.Millisecond, res.NotesGenerated)
	if h.generator != nil && h.generator.CircuitOpen() {
		h.cloudwatch.RecordCircuitOpen()
	}
	logger.LogGenerationRequest(c.Request.Context(), model, time.Duration(res.DurationMs)*time.Millisecond,
		map[string]interface{}{
			"total_tokens":  res.Usage.TotalTokens,
			"input_tokens":  res.Usage.InputTokens,
			"output_tokens": res.Usage.OutputTokens,
		}, logger.WithContext(c))

	if res.Success {
		cost := observability.CalculateCost(model, res.Usage.InputTokens, res.Usage.OutputTokens, res.Usage.ReasoningTokens)
		log.Printf("✅ Compose: trace %s completed (%d tracks, %d regions, %d notes, %d tool calls, %dms, %s)",
			traceID, res.TracksCreated, res.RegionsCreated, res.NotesGenerated, res.ToolCalls, res.DurationMs,
			observability.FormatCost(cost))
	} else {
		log.Printf("❌ Compose: trace %s failed: %s", traceID, res.Error)
	}
}
