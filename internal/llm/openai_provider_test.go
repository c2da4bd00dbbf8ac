package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAIProvider(t *testing.T) {
	provider := NewOpenAIProvider("test-api-key")
	require.NotNil(t, provider)
	assert.Equal(t, "openai", provider.Name())
	assert.NotNil(t, provider.client)
}

func TestOpenAIProvider_BuildRequestParams(t *testing.T) {
	provider := NewOpenAIProvider("test-key")

	tests := []struct {
		name    string
		request *TurnRequest
		checks  func(t *testing.T, params responses.ResponseNewParams)
	}{
		{
			name: "basic request with user message",
			request: &TurnRequest{
				Model:         "gpt-5-mini",
				ReasoningMode: "medium",
				SystemPrompt:  "test system prompt",
				Messages: []Message{
					{Role: RoleUser, Content: "test content"},
				},
			},
			checks: func(t *testing.T, params responses.ResponseNewParams) {
				t.Helper()
				assert.Equal(t, "gpt-5-mini", string(params.Model))
				assert.Equal(t, "test system prompt", params.Instructions.Value)
				assert.Len(t, params.Input.OfInputItemList, 1)
			},
		},
		{
			name: "developer and empty messages",
			request: &TurnRequest{
				Model:        "gpt-5-mini",
				SystemPrompt: "test prompt",
				Messages: []Message{
					{Role: RoleDeveloper, Content: "dev message"},
					{Role: RoleUser, Content: ""},
					{Role: RoleUser, Content: "real message"},
				},
			},
			checks: func(t *testing.T, params responses.ResponseNewParams) {
				t.Helper()
				// Empty message is dropped
				assert.Len(t, params.Input.OfInputItemList, 2)
			},
		},
		{
			name: "function tools",
			request: &TurnRequest{
				Model:        "gpt-5-mini",
				SystemPrompt: "test prompt",
				Messages: []Message{
					{Role: RoleUser, Content: "test"},
				},
				Tools: ToolDefs("add_midi_track", "set_tempo"),
			},
			checks: func(t *testing.T, params responses.ResponseNewParams) {
				t.Helper()
				require.Len(t, params.Tools, 2)
				require.NotNil(t, params.Tools[0].OfFunction)
				assert.Equal(t, "add_midi_track", params.Tools[0].OfFunction.Name)
				assert.NotNil(t, params.Tools[0].OfFunction.Parameters)
				assert.Equal(t, "set_tempo", params.Tools[1].OfFunction.Name)
			},
		},
		{
			name: "tool call replay",
			request: &TurnRequest{
				Model:        "gpt-5-mini",
				SystemPrompt: "test prompt",
				Messages: []Message{
					{Role: RoleUser, Content: "build a beat"},
					{Role: RoleAssistant, Name: "add_midi_track", CallID: "call_1", Content: `{"name":"Drums"}`},
					{Role: RoleTool, Name: "add_midi_track", CallID: "call_1", Content: `{"trackId":"track-1"}`},
				},
			},
			checks: func(t *testing.T, params responses.ResponseNewParams) {
				t.Helper()
				items := params.Input.OfInputItemList
				require.Len(t, items, 3)

				require.NotNil(t, items[1].OfFunctionCall)
				assert.Equal(t, "add_midi_track", items[1].OfFunctionCall.Name)
				assert.Equal(t, "call_1", items[1].OfFunctionCall.CallID)
				assert.JSONEq(t, `{"name":"Drums"}`, items[1].OfFunctionCall.Arguments)

				require.NotNil(t, items[2].OfFunctionCallOutput)
				assert.Equal(t, "call_1", items[2].OfFunctionCallOutput.CallID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checks(t, provider.buildRequestParams(tt.request))
		})
	}
}

func TestOpenAIProvider_ReasoningModeMapping(t *testing.T) {
	provider := NewOpenAIProvider("test-key")

	tests := []struct {
		mode     string
		expected shared.ReasoningEffort
	}{
		{"none", shared.ReasoningEffort("none")},
		{"minimal", responses.ReasoningEffortLow},
		{"min", responses.ReasoningEffortLow},
		{"low", responses.ReasoningEffortLow},
		{"medium", responses.ReasoningEffortMedium},
		{"med", responses.ReasoningEffortMedium},
		{"high", responses.ReasoningEffortHigh},
		{"xhigh", shared.ReasoningEffort("xhigh")},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			request := &TurnRequest{
				Model:         "gpt-5-mini",
				ReasoningMode: tt.mode,
				SystemPrompt:  "test",
				Messages: []Message{
					{Role: RoleUser, Content: "test"},
				},
			}
			params := provider.buildRequestParams(request)
			assert.Equal(t, tt.expected, params.Reasoning.Effort)
		})
	}
}

func TestOpenAIProvider_NoReasoningForUnsupportedModels(t *testing.T) {
	provider := NewOpenAIProvider("test-key")

	request := &TurnRequest{
		Model:         "gpt-4.1-mini",
		ReasoningMode: "high",
		SystemPrompt:  "test",
		Messages: []Message{
			{Role: RoleUser, Content: "test"},
		},
	}
	params := provider.buildRequestParams(request)
	assert.Empty(t, params.Reasoning.Effort)
}

func TestParseToolArguments(t *testing.T) {
	args := parseToolArguments(`{"name":"Drums","bars":8}`)
	assert.Equal(t, "Drums", args["name"])
	assert.Equal(t, float64(8), args["bars"])

	// Malformed payloads are preserved for the executor to reject
	args = parseToolArguments(`{"name":`)
	assert.Equal(t, `{"name":`, args["raw"])

	args = parseToolArguments("")
	assert.Empty(t, args)
}

// newOpenAIProviderAt points the provider at a local test server
func newOpenAIProviderAt(baseURL string) *OpenAIProvider {
	client := openai.NewClient(
		option.WithAPIKey("test-key"),
		option.WithBaseURL(baseURL+"/"),
		option.WithMaxRetries(0),
	)
	return &OpenAIProvider{client: &client}
}

const completedResponseJSON = `{
	"id": "resp_1",
	"object": "response",
	"created_at": 1756100000,
	"status": "completed",
	"model": "gpt-5-mini",
	"output": [
		{
			"type": "function_call",
			"id": "fc_1",
			"call_id": "call_1",
			"name": "add_midi_track",
			"arguments": "{\"name\":\"Drums\"}",
			"status": "completed"
		},
		{
			"type": "message",
			"id": "msg_1",
			"role": "assistant",
			"status": "completed",
			"content": [
				{"type": "output_text", "text": "Creating the drum track.", "annotations": []}
			]
		}
	],
	"usage": {
		"input_tokens": 120,
		"output_tokens": 30,
		"output_tokens_details": {"reasoning_tokens": 8},
		"total_tokens": 150
	}
}`

func TestTurnExtractsToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completedResponseJSON)
	}))
	defer srv.Close()

	provider := newOpenAIProviderAt(srv.URL)
	resp, err := provider.Turn(context.Background(), &TurnRequest{
		Model:        "gpt-5-mini",
		SystemPrompt: "you are a composer",
		Messages: []Message{
			{Role: RoleUser, Content: "build a beat"},
		},
		Tools: ToolDefs("add_midi_track"),
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "Creating the drum track.", resp.Content)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].CallID)
	assert.Equal(t, "add_midi_track", resp.ToolCalls[0].Name)
	assert.Equal(t, "Drums", resp.ToolCalls[0].Args["name"])

	assert.Equal(t, int64(120), resp.Usage.InputTokens)
	assert.Equal(t, int64(30), resp.Usage.OutputTokens)
	assert.Equal(t, int64(8), resp.Usage.ReasoningTokens)
	assert.Equal(t, int64(150), resp.Usage.TotalTokens)
}

func TestTurnStreamsDeltasAndTranslatesFinalResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		write := func(eventType, data string) {
			fmt.Fprintf(w, "event: %s\n", eventType)
			for _, line := range strings.Split(data, "\n") {
				fmt.Fprintf(w, "data: %s\n", line)
			}
			fmt.Fprint(w, "\n")
		}
		write("response.reasoning_summary_text.delta",
			`{"type":"response.reasoning_summary_text.delta","item_id":"rs_1","output_index":0,"summary_index":0,"sequence_number":1,"delta":"Planning the groove"}`)
		write("response.output_text.delta",
			`{"type":"response.output_text.delta","item_id":"msg_1","output_index":1,"content_index":0,"sequence_number":2,"delta":"Creating "}`)
		write("response.output_text.delta",
			`{"type":"response.output_text.delta","item_id":"msg_1","output_index":1,"content_index":0,"sequence_number":3,"delta":"the drum track."}`)
		write("response.completed",
			fmt.Sprintf(`{"type":"response.completed","sequence_number":4,"response":%s}`, completedResponseJSON))
	}))
	defer srv.Close()

	var events []StreamEvent
	callback := func(event StreamEvent) error {
		events = append(events, event)
		return nil
	}

	provider := newOpenAIProviderAt(srv.URL)
	resp, err := provider.Turn(context.Background(), &TurnRequest{
		Model:        "gpt-5-mini",
		SystemPrompt: "you are a composer",
		Messages: []Message{
			{Role: RoleUser, Content: "build a beat"},
		},
		Tools: ToolDefs("add_midi_track"),
	}, callback)

	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "add_midi_track", resp.ToolCalls[0].Name)
	assert.Equal(t, "Creating the drum track.", resp.Content)

	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"started", "reasoning_delta", "text_delta", "text_delta", "completed"}, types)
	assert.Equal(t, "Planning the groove", events[1].Message)
	assert.Equal(t, "Creating ", events[2].Message)
}

func TestTurnSurfacesStreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"code\":\"rate_limit\",\"message\":\"too many requests\",\"sequence_number\":1}\n\n")
	}))
	defer srv.Close()

	provider := newOpenAIProviderAt(srv.URL)
	_, err := provider.Turn(context.Background(), &TurnRequest{
		Model:        "gpt-5-mini",
		SystemPrompt: "test",
		Messages: []Message{
			{Role: RoleUser, Content: "test"},
		},
	}, func(StreamEvent) error { return nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many requests")
}
