package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

const (
	// Reasoning effort levels
	reasoningNone    = "none" // GPT-5.2 default - lowest latency
	reasoningMinimal = "minimal"
	reasoningLow     = "low"
	reasoningMedium  = "medium"
	reasoningHigh    = "high"
	reasoningXHigh   = "xhigh" // GPT-5.2 new level - maximum reasoning
	reasoningMin     = "min"
	reasoningMed     = "med"

	// Provider name
	providerNameOpenAI = "openai"

	// Output item type carrying a function call
	functionCallType = "function_call"

	// Logging limits
	maxArgsLogLength       = 100
	maxLogEventCountOpenAI = 5

	// Streaming heartbeat cadence in events
	heartbeatEventInterval = 50
)

// OpenAIProvider implements the Provider interface using OpenAI's Responses API
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{
		client: &client,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return providerNameOpenAI
}

// Turn runs one tool-calling turn against OpenAI's Responses API.
func (p *OpenAIProvider) Turn(ctx context.Context, request *TurnRequest, callback StreamCallback) (*TurnResponse, error) {
	startTime := time.Now()
	log.Printf("🎵 OPENAI TURN STARTED (Model: %s, tools: %d, messages: %d)",
		request.Model, len(request.Tools), len(request.Messages))

	// Start Sentry transaction
	transaction := sentry.StartTransaction(ctx, "openai.turn")
	defer transaction.Finish()

	transaction.SetTag("model", request.Model)
	transaction.SetTag("provider", "openai")
	transaction.SetTag("streaming", fmt.Sprintf("%t", callback != nil))

	// Build OpenAI-specific request parameters
	params := p.buildRequestParams(request)

	// Call OpenAI API with Sentry span
	span := transaction.StartChild("openai.api_call")
	apiStartTime := time.Now()

	var resp *responses.Response
	var err error
	if callback != nil {
		resp, err = p.streamResponse(ctx, params, callback, startTime)
	} else {
		resp, err = p.client.Responses.New(ctx, params)
	}

	apiDuration := time.Since(apiStartTime)
	span.Finish()

	if err != nil {
		log.Printf("❌ OPENAI TURN FAILED after %v: %v", apiDuration, err)
		transaction.SetTag("success", "false")
		sentry.CaptureException(err)
		return nil, fmt.Errorf("openai turn failed: %w", err)
	}

	log.Printf("⏱️  OPENAI API CALL COMPLETED in %v", apiDuration)

	result := p.translateResponse(resp)
	p.logUsageStats(resp.Usage)
	log.Printf("✅ OPENAI TURN COMPLETED in %v (tool calls: %d, text: %d chars)",
		time.Since(startTime), len(result.ToolCalls), len(result.Content))

	transaction.SetTag("success", "true")
	transaction.SetTag("tool_calls", fmt.Sprintf("%d", len(result.ToolCalls)))
	return result, nil
}

// buildRequestParams converts TurnRequest to OpenAI-specific ResponseNewParams
func (p *OpenAIProvider) buildRequestParams(request *TurnRequest) responses.ResponseNewParams {
	// Convert transcript to OpenAI input items. Prior tool calls and their
	// outputs replay as function_call / function_call_output pairs.
	inputItems := responses.ResponseInputParam{}

	for _, msg := range request.Messages {
		switch {
		case msg.Role == RoleAssistant && msg.CallID != "":
			inputItems = append(inputItems,
				responses.ResponseInputItemParamOfFunctionCall(msg.Content, msg.CallID, msg.Name),
			)
		case msg.Role == RoleTool && msg.CallID != "":
			inputItems = append(inputItems,
				responses.ResponseInputItemParamOfFunctionCallOutput(msg.CallID, msg.Content),
			)
		default:
			if msg.Content == "" {
				log.Printf("⚠️  Skipping empty input message (role: %s)", msg.Role)
				continue
			}
			inputItems = append(inputItems,
				responses.ResponseInputItemParamOfMessage(msg.Content, openaiRole(msg.Role)),
			)
		}
	}

	// Determine reasoning effort
	// Only include reasoning parameter for models that support it (GPT-5 family)
	// Models like gpt-4.1-mini do NOT support reasoning parameters
	modelsWithReasoning := map[string]bool{
		// GPT-5 base
		"gpt-5":      true,
		"gpt-5-mini": true,
		"gpt-5-nano": true,
		// GPT-5.1
		"gpt-5.1":      true,
		"gpt-5.1-mini": true,
		"gpt-5.1-nano": true,
		// GPT-5.2
		"gpt-5.2":      true,
		"gpt-5.2-mini": true,
		"gpt-5.2-nano": true,
		"gpt-5.2-pro":  true,
	}
	supportsReasoning := modelsWithReasoning[request.Model]

	var reasoningEffort shared.ReasoningEffort
	if supportsReasoning {
		switch request.ReasoningMode {
		case reasoningNone:
			// GPT-5.2 default - lowest latency
			reasoningEffort = shared.ReasoningEffort("none")
		case reasoningMinimal, reasoningMin:
			reasoningEffort = responses.ReasoningEffortLow
		case reasoningLow:
			reasoningEffort = responses.ReasoningEffortLow
		case reasoningMedium, reasoningMed:
			reasoningEffort = responses.ReasoningEffortMedium
		case reasoningHigh:
			reasoningEffort = responses.ReasoningEffortHigh
		case reasoningXHigh:
			// GPT-5.2 new level - maximum reasoning for tough problems
			reasoningEffort = shared.ReasoningEffort("xhigh")
		default:
			// Default to "none" for GPT-5.2 (lowest latency)
			reasoningEffort = shared.ReasoningEffort("none")
		}
	}

	params := responses.ResponseNewParams{
		Model: request.Model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: inputItems,
		},
		Instructions:      openai.String(request.SystemPrompt),
		ParallelToolCalls: openai.Bool(true),
	}

	// Only include Reasoning parameter for models that support it
	if supportsReasoning {
		params.Reasoning = shared.ReasoningParam{
			Effort: reasoningEffort,
		}
	}

	// Add function tools
	if len(request.Tools) > 0 {
		tools := make([]responses.ToolUnionParam, 0, len(request.Tools))
		for _, def := range request.Tools {
			tools = append(tools, responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  def.Parameters,
					Strict:      openai.Bool(false),
				},
			})
		}
		params.Tools = tools
		log.Printf("🔧 FUNCTION TOOLS CONFIGURED: %d tools", len(tools))
	}

	return params
}

// openaiRole converts a transcript role to the OpenAI enum
func openaiRole(role string) responses.EasyInputMessageRole {
	switch role {
	case RoleDeveloper, "system":
		return responses.EasyInputMessageRoleDeveloper
	case RoleAssistant:
		return responses.EasyInputMessageRoleAssistant
	default:
		return responses.EasyInputMessageRoleUser
	}
}

// translateResponse extracts text output and function calls from a completed response
func (p *OpenAIProvider) translateResponse(resp *responses.Response) *TurnResponse {
	result := &TurnResponse{
		Content: resp.OutputText(),
		Usage: Usage{
			InputTokens:     resp.Usage.InputTokens,
			OutputTokens:    resp.Usage.OutputTokens,
			ReasoningTokens: resp.Usage.OutputTokensDetails.ReasoningTokens,
			TotalTokens:     resp.Usage.TotalTokens,
		},
	}

	for _, item := range resp.Output {
		if item.Type != functionCallType {
			continue
		}
		call := item.AsFunctionCall()
		log.Printf("🛠️  TOOL CALL: %s (args: %s)", call.Name, truncateString(call.Arguments, maxArgsLogLength))
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			CallID: call.CallID,
			Name:   call.Name,
			Args:   parseToolArguments(call.Arguments),
		})
	}

	return result
}

// parseToolArguments decodes a function call's argument JSON. Malformed
// payloads are preserved under "raw" so the executor can reject the call
// with context instead of the whole turn aborting.
func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		log.Printf("⚠️  Failed to parse tool arguments, passing raw: %v", err)
		return map[string]any{"raw": raw}
	}
	return args
}

// streamResponse drives a streaming request and forwards deltas to the
// callback. The accumulated final Response is returned for translation.
func (p *OpenAIProvider) streamResponse(
	ctx context.Context,
	params responses.ResponseNewParams,
	callback StreamCallback,
	startTime time.Time,
) (*responses.Response, error) {
	// Send initial event
	_ = callback(StreamEvent{Type: "started", Message: "Starting turn..."})

	// Call OpenAI streaming API
	stream := p.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	var accumulatedText string
	var finalResponse *responses.Response
	eventCount := 0

	// Process stream events
	for stream.Next() {
		event := stream.Current()
		eventCount++

		// Log event type for debugging (first few events only)
		if eventCount <= maxLogEventCountOpenAI {
			log.Printf("📥 Stream event #%d: type=%s", eventCount, event.Type)
		}

		// Handle different event types
		switch event.Type {
		case "response.reasoning_summary_text.delta":
			// Reasoning summaries stream ahead of tool calls on GPT-5 models
			reasoningDelta := event.AsResponseReasoningSummaryTextDelta()
			if reasoningDelta.Delta != "" {
				_ = callback(StreamEvent{
					Type:    "reasoning_delta",
					Message: reasoningDelta.Delta,
				})
			}

		case "response.output_text.delta":
			// Text delta - this is what we want to stream
			// Use AsResponseOutputTextDelta() to get the properly typed event
			textDelta := event.AsResponseOutputTextDelta()
			delta := textDelta.Delta
			if delta != "" {
				accumulatedText += delta
				_ = callback(StreamEvent{
					Type:    "text_delta",
					Message: delta,
					Data: map[string]any{
						"accumulated_length": len(accumulatedText),
					},
				})
			}

		case "response.output_text.done":
			// Text output complete
			log.Printf("✅ Text output complete: %d chars accumulated", len(accumulatedText))

		case "response.output_item.added":
			// Announce tool calls as the model starts emitting them
			added := event.AsResponseOutputItemAdded()
			if added.Item.Type == functionCallType {
				log.Printf("🛠️  Tool call started: %s", added.Item.Name)
				_ = callback(StreamEvent{
					Type:    "tool_call_started",
					Message: added.Item.Name,
				})
			}

		case "response.function_call_arguments.done":
			// Tool call arguments complete
			log.Printf("✅ Tool call arguments complete")

		case "response.completed":
			// Response complete - extract final response
			completedEvent := event.AsResponseCompleted()
			finalResponse = &completedEvent.Response
			log.Printf("✅ Response completed")

		case "response.failed":
			// Handle failure
			failedEvent := event.AsResponseFailed()
			log.Printf("❌ Stream failed: %s", failedEvent.Response.Error.Message)
			return nil, fmt.Errorf("streaming failed: %s", failedEvent.Response.Error.Message)

		case "error":
			// Handle error event
			errorEvent := event.AsError()
			log.Printf("❌ Stream error: %s", errorEvent.Message)
			return nil, fmt.Errorf("stream error: %s", errorEvent.Message)

		default:
			// Log other event types for debugging
			if eventCount <= maxLogEventCountOpenAI {
				log.Printf("📋 Other event type: %s", event.Type)
			}
		}

		// Send periodic heartbeat
		if eventCount%heartbeatEventInterval == 0 {
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
	}

	// Check for stream error
	if err := stream.Err(); err != nil {
		log.Printf("❌ Stream error: %v", err)
		return nil, fmt.Errorf("stream error: %w", err)
	}

	if finalResponse == nil {
		return nil, fmt.Errorf("stream ended without a completed response")
	}

	duration := time.Since(startTime)
	log.Printf("✅ OPENAI STREAMING COMPLETE: %d events, %d chars, %v duration",
		eventCount, len(accumulatedText), duration)

	// Send completion event
	_ = callback(StreamEvent{
		Type:    "completed",
		Message: "Turn complete",
		Data: map[string]any{
			"total_length": len(accumulatedText),
			"event_count":  eventCount,
		},
	})

	return finalResponse, nil
}

// logUsageStats logs token usage statistics
func (p *OpenAIProvider) logUsageStats(usage responses.ResponseUsage) {
	reasoningTokens := int64(0)
	if usage.OutputTokensDetails.ReasoningTokens > 0 {
		reasoningTokens = usage.OutputTokensDetails.ReasoningTokens
	}
	log.Printf("📊 USAGE: input=%d, output=%d, reasoning=%d, total=%d",
		usage.InputTokens, usage.OutputTokens,
		reasoningTokens, usage.TotalTokens)
}

// truncateString truncates a string to a maximum length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
