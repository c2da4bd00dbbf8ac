package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockProvider is a test implementation of the Provider interface
type MockProvider struct {
	name     string
	turnFunc func(ctx context.Context, request *TurnRequest, callback StreamCallback) (*TurnResponse, error)
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) Turn(
	ctx context.Context, request *TurnRequest, callback StreamCallback,
) (*TurnResponse, error) {
	if m.turnFunc != nil {
		return m.turnFunc(ctx, request, callback)
	}
	return &TurnResponse{}, nil
}

func TestProviderInterface(t *testing.T) {
	mock := &MockProvider{
		name: "mock",
	}

	assert.Equal(t, "mock", mock.Name())
}

func TestMockProviderTurn(t *testing.T) {
	callCount := 0
	mock := &MockProvider{
		name: "test",
		turnFunc: func(_ context.Context, request *TurnRequest, _ StreamCallback) (*TurnResponse, error) {
			callCount++
			require.Equal(t, "test-model", request.Model)
			return &TurnResponse{
				Content: "created the drum track",
				ToolCalls: []ToolCall{
					{CallID: "call_1", Name: "add_midi_track", Args: map[string]any{"name": "Drums"}},
				},
			}, nil
		},
	}

	req := &TurnRequest{
		Model: "test-model",
		Messages: []Message{
			{Role: RoleUser, Content: "build a beat"},
		},
	}

	resp, err := mock.Turn(context.Background(), req, nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 1, callCount)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "add_midi_track", resp.ToolCalls[0].Name)
	assert.Equal(t, "Drums", resp.ToolCalls[0].Args["name"])
}

func TestStreamCallback(t *testing.T) {
	callCount := 0
	callback := func(event StreamEvent) error {
		callCount++
		assert.NotEmpty(t, event.Type)
		return nil
	}

	err := callback(StreamEvent{Type: "test", Message: "test message"})
	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestToolDefsPreservesOrderAndSkipsUnknown(t *testing.T) {
	defs := ToolDefs("add_notes", "no_such_tool", "set_tempo")

	require.Len(t, defs, 2)
	assert.Equal(t, "add_notes", defs[0].Name)
	assert.Equal(t, "set_tempo", defs[1].Name)
}

func TestToolDefsSchemasAreObjects(t *testing.T) {
	names := make([]string, 0, len(toolCatalog))
	for name := range toolCatalog {
		names = append(names, name)
	}

	for _, def := range ToolDefs(names...) {
		assert.NotEmpty(t, def.Description, "tool %s has no description", def.Name)
		require.NotNil(t, def.Parameters, "tool %s has no parameters", def.Name)
		assert.Equal(t, "object", def.Parameters["type"], "tool %s schema is not an object", def.Name)

		properties, ok := def.Parameters["properties"].(map[string]any)
		require.True(t, ok, "tool %s schema has no properties", def.Name)
		assert.NotEmpty(t, properties, "tool %s schema has empty properties", def.Name)
	}
}

func TestToolDefsCoverGeneratorRouting(t *testing.T) {
	defs := ToolDefs("generate_midi", "generate_drums")
	require.Len(t, defs, 2)

	// generate_midi requires an explicit role; generate_drums does not
	midiRequired, ok := defs[0].Parameters["required"].([]string)
	require.True(t, ok)
	assert.Contains(t, midiRequired, "role")
	assert.Contains(t, midiRequired, "bars")

	drumsRequired, ok := defs[1].Parameters["required"].([]string)
	require.True(t, ok)
	assert.NotContains(t, drumsRequired, "role")
	assert.Contains(t, drumsRequired, "bars")
}

func TestProviderFactory_ExplicitName(t *testing.T) {
	factory := NewProviderFactory("openai-key", "gemini-key")
	ctx := context.Background()

	provider, err := factory.GetProvider(ctx, "", "openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", provider.Name())

	provider, err = factory.GetProvider(ctx, "", "gemini")
	require.NoError(t, err)
	assert.Equal(t, "gemini", provider.Name())

	_, err = factory.GetProvider(ctx, "", "anthropic")
	assert.Error(t, err)
}

func TestProviderFactory_ModelPrefixRouting(t *testing.T) {
	factory := NewProviderFactory("openai-key", "gemini-key")
	ctx := context.Background()

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-5-mini", "openai"},
		{"gpt-4.1-mini", "openai"},
		{"gemini-2.5-flash", "gemini"},
		{"GEMINI-2.5-PRO", "gemini"},
		{"something-else", "openai"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			provider, err := factory.GetProvider(ctx, tt.model, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, provider.Name())
		})
	}
}

func TestProviderFactory_MissingKeys(t *testing.T) {
	factory := NewProviderFactory("", "")
	ctx := context.Background()

	_, err := factory.GetProvider(ctx, "gpt-5-mini", "")
	assert.Error(t, err)

	_, err = factory.GetProvider(ctx, "gemini-2.5-flash", "")
	assert.Error(t, err)

	_, err = factory.GetProvider(ctx, "", "openai")
	assert.Error(t, err)
}
