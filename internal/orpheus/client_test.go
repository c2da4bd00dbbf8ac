package orpheus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conceptual-Machines/maestro-api/internal/errkind"
	"github.com/Conceptual-Machines/maestro-api/internal/models"
)

func testConfig(baseURL string) Config {
	cfg := DefaultConfig(baseURL)
	cfg.RetryDelays = []time.Duration{0, 0, 0, 0}
	cfg.PollTimeout = time.Second
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func notesJSON(n int) []models.Note {
	notes := make([]models.Note, n)
	for i := range notes {
		notes[i] = models.Note{Pitch: 36, StartBeat: float64(i), DurationBeats: 0.5, Velocity: 100}
	}
	return notes
}

func TestGenerateCacheHit(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/generate":
			var req GenerateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "house", req.Genre)
			json.NewEncoder(w).Encode(submitResponse{
				JobID:  "job-1",
				Status: StatusComplete,
				Result: &rawResult{Success: true, Notes: notesJSON(4)},
			})
		default:
			atomic.AddInt32(&polls, 1)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL))
	result, err := c.Generate(context.Background(), GenerateRequest{Genre: "house", Tempo: 124, Bars: 4})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Len(t, result.Notes, 4)
	assert.Equal(t, true, result.Metadata["cached"])
	assert.Equal(t, int32(0), atomic.LoadInt32(&polls), "cache hit must not poll")
}

func TestGeneratePollsToCompletion(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate":
			json.NewEncoder(w).Encode(submitResponse{JobID: "job-2", Status: StatusQueued, Position: 1})
		case "/jobs/job-2/wait":
			if atomic.AddInt32(&polls, 1) < 3 {
				json.NewEncoder(w).Encode(waitResponse{Status: StatusRunning})
				return
			}
			json.NewEncoder(w).Encode(waitResponse{
				Status: StatusComplete,
				Result: &rawResult{Success: true, Notes: notesJSON(8)},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL))
	result, err := c.Generate(context.Background(), GenerateRequest{Genre: "house", Tempo: 124, Bars: 4})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Len(t, result.Notes, 8)
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))
	assert.Equal(t, "job-2", result.Metadata["job_id"])
}

func TestSubmitRetriesOn503(t *testing.T) {
	var submits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if atomic.AddInt32(&submits, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(submitResponse{
			JobID:  "job-3",
			Status: StatusComplete,
			Result: &rawResult{Success: true, Notes: notesJSON(2)},
		})
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL))
	result, err := c.Generate(context.Background(), GenerateRequest{Genre: "house", Tempo: 124, Bars: 4})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&submits))
	assert.Equal(t, 2, result.Metadata["retry_count"])
}

func TestSubmitNonTransientFailsImmediately(t *testing.T) {
	var submits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&submits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL))
	_, err := c.Generate(context.Background(), GenerateRequest{Genre: "house"})
	require.Error(t, err)

	assert.True(t, errkind.Is(err, errkind.GeneratorPersistent))
	assert.Equal(t, int32(1), atomic.LoadInt32(&submits), "400 must not be retried")
}

func TestJobFailureIsPersistentAndKeepsCircuitClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate":
			json.NewEncoder(w).Encode(submitResponse{JobID: "job-4", Status: StatusQueued})
		case "/jobs/job-4/wait":
			json.NewEncoder(w).Encode(waitResponse{Status: StatusFailed, Error: "model rejected the prompt"})
		}
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL))
	for i := 0; i < 4; i++ {
		_, err := c.Generate(context.Background(), GenerateRequest{Genre: "house"})
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.GeneratorPersistent))
	}
	assert.False(t, c.CircuitOpen(), "job failures are not availability failures")
}

func TestCircuitOpensAfterConsecutiveTransportFailures(t *testing.T) {
	// A server that is immediately closed produces connection errors.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	cfg := testConfig(server.URL)
	cfg.CircuitThreshold = 3
	cfg.MaxRetries = 0
	c := NewClient(cfg)

	for i := 0; i < 3; i++ {
		_, err := c.Generate(context.Background(), GenerateRequest{Genre: "house"})
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.GeneratorTransient))
	}
	require.True(t, c.CircuitOpen())

	// The 4th call fails fast with the circuit-open kind, without any
	// network round trip.
	start := time.Now()
	_, err := c.Generate(context.Background(), GenerateRequest{Genre: "house"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.CircuitOpen))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestCircuitClosesAfterCooldownProbeSucceeds(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(submitResponse{
			JobID:  "job-5",
			Status: StatusComplete,
			Result: &rawResult{Success: true, Notes: notesJSON(1)},
		})
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.CircuitThreshold = 2
	cfg.MaxRetries = 0
	c := NewClient(cfg)

	for i := 0; i < 2; i++ {
		_, err := c.Generate(context.Background(), GenerateRequest{Genre: "house"})
		require.Error(t, err)
	}
	require.True(t, c.CircuitOpen())

	// Skip past the cooldown, heal the service, and probe.
	c.breaker.mu.Lock()
	c.breaker.openedAt = time.Now().Add(-2 * cfg.CircuitCooldown)
	c.breaker.mu.Unlock()
	healthy.Store(true)

	result, err := c.Generate(context.Background(), GenerateRequest{Genre: "house"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, c.CircuitOpen())
}

func TestAdapterUnpacksToolCalls(t *testing.T) {
	raw := &rawResult{
		Success: true,
		ToolCalls: []ToolCall{
			{Name: "addNotes", Args: map[string]any{
				"notes": []any{
					map[string]any{"pitch": float64(36), "startBeat": 0.0, "durationBeats": 0.5, "velocity": float64(110)},
					map[string]any{"midiNoteNumber": float64(38), "start_beat": 1.0, "duration_beats": 0.5},
				},
			}},
			{Name: "addMidiCC", Args: map[string]any{
				"cc": float64(74),
				"events": []any{
					map[string]any{"beat": 0.0, "value": float64(64)},
				},
			}},
			{Name: "addPitchBend", Args: map[string]any{
				"events": []any{
					map[string]any{"beat": 2.0, "value": float64(8192)},
				},
			}},
			{Name: "someFutureTool", Args: map[string]any{"x": 1}},
		},
	}

	result := adaptResult(raw)

	require.Len(t, result.Notes, 2)
	assert.Equal(t, 36, result.Notes[0].Pitch)
	assert.Equal(t, 110, result.Notes[0].Velocity)
	assert.Equal(t, 38, result.Notes[1].Pitch)
	assert.Equal(t, 100, result.Notes[1].Velocity, "missing velocity backfilled")

	require.Len(t, result.CCEvents, 1)
	assert.Equal(t, 74, result.CCEvents[0].CC)

	require.Len(t, result.PitchBends, 1)
	assert.Equal(t, 8192, result.PitchBends[0].Value)

	// Unknown tools pass through untouched.
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "someFutureTool", result.ToolCalls[0].Name)
}

func TestWarmupFailureIsNonFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	c := NewClient(testConfig(server.URL))
	c.Warmup(context.Background()) // must not panic or block
}
