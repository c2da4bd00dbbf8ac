package llm

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"google.golang.org/genai"
)

const (
	providerNameGemini = "gemini"
	maxLogEventCount   = 5
	geminiUserRole     = "user"
	geminiModelRole    = "model"
)

// GeminiProvider implements the Provider interface using Google's Gemini API
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		client: client,
	}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return providerNameGemini
}

// Turn runs one tool-calling turn against the Gemini API.
func (p *GeminiProvider) Turn(ctx context.Context, request *TurnRequest, callback StreamCallback) (*TurnResponse, error) {
	startTime := time.Now()
	log.Printf("🎵 GEMINI TURN STARTED (Model: %s, tools: %d, messages: %d)",
		request.Model, len(request.Tools), len(request.Messages))

	// Start Sentry transaction
	transaction := sentry.StartTransaction(ctx, "gemini.turn")
	defer transaction.Finish()

	transaction.SetTag("model", request.Model)
	transaction.SetTag("provider", "gemini")
	transaction.SetTag("streaming", fmt.Sprintf("%t", callback != nil))

	contents := p.buildGeminiContents(request.Messages)
	config := p.buildGeminiConfig(request)

	log.Printf("🚨 GEMINI: About to call Gemini API with model='%s'", request.Model)

	span := transaction.StartChild("gemini.api_call")
	apiStartTime := time.Now()

	var result *genai.GenerateContentResponse
	var err error
	if callback != nil {
		iter := p.client.Models.GenerateContentStream(ctx, request.Model, contents, config)
		result, err = p.drainGeminiStream(iter, callback, startTime)
	} else {
		result, err = p.client.Models.GenerateContent(ctx, request.Model, contents, config)
	}

	apiDuration := time.Since(apiStartTime)
	span.Finish()

	if err != nil {
		log.Printf("❌ GEMINI TURN FAILED after %v: %v", apiDuration, err)
		transaction.SetTag("success", "false")
		sentry.CaptureException(err)
		return nil, fmt.Errorf("gemini turn failed: %w", err)
	}

	log.Printf("⏱️  GEMINI API CALL COMPLETED in %v", apiDuration)

	response, err := extractTurn(result)
	if err != nil {
		transaction.SetTag("success", "false")
		sentry.CaptureException(err)
		return nil, err
	}

	log.Printf("✅ GEMINI TURN COMPLETED in %v (tool calls: %d, text: %d chars)",
		time.Since(startTime), len(response.ToolCalls), len(response.Content))

	transaction.SetTag("success", "true")
	transaction.SetTag("tool_calls", fmt.Sprintf("%d", len(response.ToolCalls)))
	return response, nil
}

// buildGeminiContents converts the transcript to Gemini Content format.
// Prior tool calls replay as functionCall parts on the model role and their
// results as functionResponse parts on the user role.
func (p *GeminiProvider) buildGeminiContents(messages []Message) []*genai.Content {
	var contents []*genai.Content

	for _, msg := range messages {
		switch {
		case msg.Role == RoleAssistant && msg.CallID != "":
			contents = append(contents, &genai.Content{
				Role: geminiModelRole,
				Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{
					ID:   msg.CallID,
					Name: msg.Name,
					Args: parseToolArguments(msg.Content),
				}}},
			})

		case msg.Role == RoleTool && msg.CallID != "":
			contents = append(contents, &genai.Content{
				Role: geminiUserRole,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       msg.CallID,
					Name:     msg.Name,
					Response: parseToolArguments(msg.Content),
				}}},
			})

		default:
			if msg.Content == "" {
				log.Printf("⚠️  Skipping empty input message (role: %s)", msg.Role)
				continue
			}
			// Gemini only knows "user" and "model"; developer messages
			// go in as user turns.
			geminiRole := geminiUserRole
			if msg.Role == RoleAssistant {
				geminiRole = geminiModelRole
			}
			contents = append(contents, &genai.Content{
				Role:  geminiRole,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}

	return contents
}

// buildGeminiConfig assembles generation config with system instruction and
// function declarations.
func (p *GeminiProvider) buildGeminiConfig(request *TurnRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: request.SystemPrompt}},
		},
	}

	if len(request.Tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, 0, len(request.Tools))
		for _, def := range request.Tools {
			declarations = append(declarations, &genai.FunctionDeclaration{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  convertSchemaToGemini(def.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
		log.Printf("🔧 FUNCTION DECLARATIONS CONFIGURED: %d tools", len(declarations))
	}

	return config
}

// convertSchemaToGemini maps a JSON Schema object onto Gemini's Schema type.
// Only the subset Gemini understands is carried over.
func convertSchemaToGemini(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	out := &genai.Schema{}

	switch schemaType(schema) {
	case "object":
		out.Type = genai.TypeObject
	case "array":
		out.Type = genai.TypeArray
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}

	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if enum, ok := schema["enum"].([]string); ok {
		out.Enum = enum
	} else if enumAny, ok := schema["enum"].([]any); ok {
		for _, v := range enumAny {
			if s, ok := v.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, sub := range props {
			if subMap, ok := sub.(map[string]any); ok {
				out.Properties[name] = convertSchemaToGemini(subMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = convertSchemaToGemini(items)
	}
	if required, ok := schema["required"].([]string); ok {
		out.Required = required
	} else if requiredAny, ok := schema["required"].([]any); ok {
		for _, v := range requiredAny {
			if s, ok := v.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}

	return out
}

// schemaType reads the "type" keyword, tolerating the ["string","null"] form
func schemaType(schema map[string]any) string {
	switch t := schema["type"].(type) {
	case string:
		return t
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s != "null" {
				return s
			}
		}
	case []string:
		for _, s := range t {
			if s != "null" {
				return s
			}
		}
	}
	return ""
}

// extractTurn converts a Gemini response into a TurnResponse
func extractTurn(result *genai.GenerateContentResponse) (*TurnResponse, error) {
	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in Gemini response")
	}

	candidate := result.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("no parts in Gemini response")
	}

	response := &TurnResponse{}
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			response.Content += part.Text
		}
		if part.FunctionCall != nil {
			log.Printf("🛠️  TOOL CALL: %s", part.FunctionCall.Name)
			response.ToolCalls = append(response.ToolCalls, ToolCall{
				CallID: part.FunctionCall.ID,
				Name:   part.FunctionCall.Name,
				Args:   part.FunctionCall.Args,
			})
		}
	}

	if result.UsageMetadata != nil {
		response.Usage = Usage{
			InputTokens:     int64(result.UsageMetadata.PromptTokenCount),
			OutputTokens:    int64(result.UsageMetadata.CandidatesTokenCount),
			ReasoningTokens: int64(result.UsageMetadata.ThoughtsTokenCount),
			TotalTokens:     int64(result.UsageMetadata.TotalTokenCount),
		}
		log.Printf("📊 GEMINI USAGE: input=%d, output=%d, total=%d",
			result.UsageMetadata.PromptTokenCount,
			result.UsageMetadata.CandidatesTokenCount,
			result.UsageMetadata.TotalTokenCount)
	}

	return response, nil
}

// drainGeminiStream consumes the streaming response, forwarding text deltas
// to the callback and merging chunks into one final response.
func (p *GeminiProvider) drainGeminiStream(
	iter func(yield func(*genai.GenerateContentResponse, error) bool),
	callback StreamCallback,
	startTime time.Time,
) (*genai.GenerateContentResponse, error) {
	// Send initial event
	_ = callback(StreamEvent{Type: "started", Message: "Starting turn..."})

	merged := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: geminiModelRole}}},
	}
	accumulated := 0
	eventCount := 0

	// Iterate over stream using Go 1.23+ iterator pattern
	for chunk, err := range iter {
		if err != nil {
			log.Printf("❌ GEMINI STREAMING ERROR: %v", err)
			return nil, fmt.Errorf("gemini stream error: %w", err)
		}

		eventCount++

		// Send heartbeat periodically
		if eventCount%10 == 0 {
			elapsed := time.Since(startTime)
			_ = callback(StreamEvent{
				Type:    "heartbeat",
				Message: "Processing...",
				Data: map[string]any{
					"events_received": eventCount,
					"elapsed_seconds": int(elapsed.Seconds()),
				},
			})
		}

		if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
			continue
		}

		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text != "" {
				accumulated += len(part.Text)
				_ = callback(StreamEvent{
					Type:    "text_delta",
					Message: part.Text,
					Data: map[string]any{
						"accumulated_length": accumulated,
					},
				})
				if eventCount <= maxLogEventCount {
					log.Printf("✅ Gemini chunk #%d: +%d chars (total: %d)", eventCount, len(part.Text), accumulated)
				}
			}
			if part.FunctionCall != nil {
				_ = callback(StreamEvent{
					Type:    "tool_call_started",
					Message: part.FunctionCall.Name,
				})
			}
			merged.Candidates[0].Content.Parts = append(merged.Candidates[0].Content.Parts, part)
		}

		// Save usage metadata
		if chunk.UsageMetadata != nil {
			merged.UsageMetadata = chunk.UsageMetadata
		}
	}

	log.Printf("📦 Gemini stream complete - %d events, %d chars", eventCount, accumulated)

	// Send completion event
	_ = callback(StreamEvent{
		Type:    "completed",
		Message: "Turn complete",
		Data: map[string]any{
			"total_length": accumulated,
			"event_count":  eventCount,
		},
	})

	return merged, nil
}
