// Package orpheus is the adapter for the external music-generation service.
// Generation is submit-then-poll: POST /generate enqueues a job (or returns
// a cached result directly) and GET /jobs/{id}/wait long-polls it. The
// client owns the process-wide concurrency cap and the circuit breaker, so
// every caller shares one view of the service's health.
package orpheus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Conceptual-Machines/maestro-api/internal/errkind"
	"github.com/Conceptual-Machines/maestro-api/internal/models"
)

// Job statuses returned by the service.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Config tunes the client. Defaults implement the documented retry policy;
// tests shrink the delays.
type Config struct {
	BaseURL          string
	MaxConcurrent    int64
	CircuitThreshold int
	CircuitCooldown  time.Duration
	MaxRetries       int
	RetryDelays      []time.Duration
	PollAttempts     int
	PollTimeout      time.Duration
	RequestTimeout   time.Duration
}

// DefaultConfig returns the production policy: 5 concurrent generates,
// circuit at 3 consecutive failures with a 30s cooldown, submit retries at
// 2/5/10/20s, and 20 long-polls of 30s each.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:          baseURL,
		MaxConcurrent:    5,
		CircuitThreshold: 3,
		CircuitCooldown:  30 * time.Second,
		MaxRetries:       4,
		RetryDelays:      []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second},
		PollAttempts:     20,
		PollTimeout:      30 * time.Second,
		RequestTimeout:   45 * time.Second,
	}
}

// GenerateRequest is the POST /generate body.
type GenerateRequest struct {
	Genre            string        `json:"genre"`
	Tempo            int           `json:"tempo"`
	Instruments      []string      `json:"instruments"`
	Bars             int           `json:"bars"`
	Key              string        `json:"key,omitempty"`
	MusicalGoals     string        `json:"musical_goals,omitempty"`
	ToneBrightness   float64       `json:"tone_brightness"`
	ToneWarmth       float64       `json:"tone_warmth"`
	EnergyIntensity  float64       `json:"energy_intensity"`
	EnergyExcitement float64       `json:"energy_excitement"`
	Complexity       float64       `json:"complexity"`
	QualityPreset    string        `json:"quality_preset"`
	CompositionID    string        `json:"composition_id,omitempty"`
	PreviousNotes    []models.Note `json:"previous_notes,omitempty"`
}

// ToolCall is a DAW-style tool invocation embedded in a service response.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// GenerationResult is the flat, typed result handed to the core. The
// service's private tool vocabulary never leaks past the adapter.
type GenerationResult struct {
	Success    bool                      `json:"success"`
	Notes      []models.Note             `json:"notes"`
	CCEvents   []models.ControllerEvent  `json:"cc_events"`
	PitchBends []models.PitchBendEvent   `json:"pitch_bends"`
	Aftertouch []models.AftertouchEvent  `json:"aftertouch"`
	ToolCalls  []ToolCall                `json:"tool_calls"`
	Metadata   map[string]any            `json:"metadata"`
	Error      string                    `json:"error,omitempty"`
}

type submitResponse struct {
	JobID    string     `json:"jobId"`
	Status   string     `json:"status"`
	Position int        `json:"position,omitempty"`
	Result   *rawResult `json:"result,omitempty"`
}

type waitResponse struct {
	Status string     `json:"status"`
	Result *rawResult `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// statusError marks a non-2xx response so retry policy can tell 503s apart
// from hard failures.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("orpheus returned HTTP %d: %s", e.status, e.body)
}

// Client talks to the generator service. One instance per process.
type Client struct {
	cfg        Config
	httpClient *http.Client
	sem        *semaphore.Weighted
	breaker    *CircuitBreaker

	// sleep is swapped out in tests to skip real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config) *Client {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = DefaultConfig("").RetryDelays
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		breaker:    NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Warmup opens the keep-alive connection with one /health call. Failure is
// logged and swallowed: a cold generator must not block startup.
func (c *Client) Warmup(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		log.Printf("⚠️ ORPHEUS: warmup request build failed: %v", err)
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("⚠️ ORPHEUS: warmup failed (non-fatal): %v", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	log.Printf("🔥 ORPHEUS: warmed up connection to %s (HTTP %d)", c.cfg.BaseURL, resp.StatusCode)
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// CircuitOpen reports whether generate calls would currently fail fast.
func (c *Client) CircuitOpen() bool {
	return c.breaker.Open()
}

// Generate submits a job and waits for its result. The breaker is checked
// before anything else so an open circuit costs no semaphore slot and no
// network round trip.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerationResult, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	waitStart := time.Now()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	if queued := time.Since(waitStart); queued > 250*time.Millisecond {
		log.Printf("⏱️ ORPHEUS: waited %s for a generate slot", queued.Round(time.Millisecond))
	}

	submit, retries, err := c.submitWithRetry(ctx, req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}

	// Cache hit: the service already had this exact request rendered.
	if submit.Status == StatusComplete && submit.Result != nil {
		c.breaker.RecordSuccess()
		result := adaptResult(submit.Result)
		result.Metadata["retry_count"] = retries
		result.Metadata["cached"] = true
		log.Printf("⚡ ORPHEUS: cache hit for job %s (%d notes)", submit.JobID, len(result.Notes))
		return result, nil
	}

	result, err := c.pollJob(ctx, submit.JobID)
	if err != nil {
		return nil, err
	}
	result.Metadata["retry_count"] = retries
	result.Metadata["job_id"] = submit.JobID
	return result, nil
}

// submitWithRetry POSTs /generate, retrying 503s and transient transport
// errors on the backoff ladder. The breaker is re-checked between rounds so
// a circuit opened by a sibling call aborts the ladder early.
func (c *Client) submitWithRetry(ctx context.Context, req GenerateRequest) (*submitResponse, int, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.breaker.Allow(); err != nil {
				return nil, attempt, err
			}
			delay := c.cfg.RetryDelays[min(attempt-1, len(c.cfg.RetryDelays)-1)]
			log.Printf("📤 ORPHEUS: submit retry %d/%d in %s", attempt, c.cfg.MaxRetries, delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, attempt, err
			}
		}

		resp, err := c.submit(ctx, req)
		if err == nil {
			return resp, attempt, nil
		}
		if !isTransient(err) {
			return nil, attempt, errkind.Wrap(errkind.GeneratorPersistent, err, "generate submit rejected")
		}
		lastErr = err
	}
	return nil, c.cfg.MaxRetries, errkind.Wrap(errkind.GeneratorTransient, lastErr,
		"generate submit failed after %d retries", c.cfg.MaxRetries)
}

func (c *Client) submit(ctx context.Context, req GenerateRequest) (*submitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{status: resp.StatusCode, body: truncate(string(data), 200)}
	}

	var submitResp submitResponse
	if err := json.Unmarshal(data, &submitResp); err != nil {
		return nil, fmt.Errorf("decoding submit response: %w", err)
	}
	if submitResp.Position > 0 {
		log.Printf("📤 ORPHEUS: job %s queued at position %d", submitResp.JobID, submitResp.Position)
	}
	return &submitResp, nil
}

// pollJob long-polls /jobs/{id}/wait. A poll that times out server-side is
// not a failure: the job keeps running and the next poll picks it up.
func (c *Client) pollJob(ctx context.Context, jobID string) (*GenerationResult, error) {
	pollURL := fmt.Sprintf("%s/jobs/%s/wait?timeout=%d", c.cfg.BaseURL, url.PathEscape(jobID), int(c.cfg.PollTimeout.Seconds()))

	var lastErr error
	for attempt := 0; attempt < c.cfg.PollAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		wr, err := c.poll(ctx, pollURL)
		if err != nil {
			if !isTransient(err) {
				c.breaker.RecordFailure()
				return nil, errkind.Wrap(errkind.GeneratorPersistent, err, "polling job %s", jobID)
			}
			lastErr = err
			continue
		}

		switch wr.Status {
		case StatusComplete:
			c.breaker.RecordSuccess()
			if wr.Result == nil {
				return nil, errkind.New(errkind.GeneratorPersistent, "job %s completed without a result", jobID)
			}
			return adaptResult(wr.Result), nil
		case StatusFailed:
			// The service answered, so the circuit stays closed: a failed
			// job is a musical failure, not an availability failure.
			msg := wr.Error
			if msg == "" && wr.Result != nil {
				msg = wr.Result.Error
			}
			return nil, errkind.New(errkind.GeneratorPersistent, "job %s failed: %s", jobID, msg)
		default:
			// queued/running or server-side poll timeout: keep waiting.
		}
	}

	c.breaker.RecordFailure()
	if lastErr != nil {
		return nil, errkind.Wrap(errkind.GeneratorTransient, lastErr, "job %s: poll attempts exhausted", jobID)
	}
	return nil, errkind.New(errkind.GeneratorTransient, "job %s still pending after %d polls", jobID, c.cfg.PollAttempts)
}

func (c *Client) poll(ctx context.Context, pollURL string) (*waitResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{status: resp.StatusCode, body: truncate(string(data), 200)}
	}

	var wr waitResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, fmt.Errorf("decoding wait response: %w", err)
	}
	return &wr, nil
}

// isTransient classifies retryable failures: HTTP 503 and transport-level
// connection or timeout errors.
func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusServiceUnavailable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
