// Package gemini provides the ChatModel adapter for Google's Gemini
// API, backed by the official generative-ai-go SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ameliahq/amelia/engine/model"
)

const defaultModel = "gemini-2.5-flash"

// ChatModel implements model.ChatModel for Google's Gemini API.
//
// Gemini can refuse content through its safety filters; those refusals
// surface as *SafetyFilterError so callers can distinguish them from
// transport failures.
type ChatModel struct {
	modelName string
	client    geminiClient
}

// geminiClient is the seam between the adapter and the genai SDK,
// satisfied by a stub in tests.
type geminiClient interface {
	generateContent(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// NewChatModel creates a Gemini ChatModel. Empty modelName selects the
// default model.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	return &ChatModel{
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	out, err := m.client.generateContent(ctx, messages, tools)
	if err != nil {
		return model.ChatOut{}, err
	}
	return out, nil
}

// defaultClient wraps the official generative-ai-go client. A client is
// created per call; the SDK holds no reusable connection state worth
// caching for Amelia's request volume.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) generateContent(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if c.apiKey == "" {
		return model.ChatOut{}, errors.New("gemini: API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("gemini: create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(c.modelName)
	if len(tools) > 0 {
		genModel.Tools = convertTools(tools)
	}

	systemPrompt, parts := convertMessages(messages)
	if systemPrompt != "" {
		genModel.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemPrompt)},
		}
	}
	if len(parts) == 0 {
		return model.ChatOut{}, errors.New("gemini: at least one user/assistant message is required")
	}

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return model.ChatOut{}, classifyError(err)
	}
	if blockErr := blockedBySafety(resp); blockErr != nil {
		return model.ChatOut{}, blockErr
	}
	return convertResponse(resp), nil
}

// convertMessages splits out the system prompt (Gemini takes it as a
// model-level SystemInstruction) and flattens the remaining
// conversation into text parts.
func convertMessages(messages []model.Message) (string, []genai.Part) {
	var systemPrompt string
	var parts []genai.Part

	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		if msg.Role == model.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		parts = append(parts, genai.Text(msg.Content))
	}
	return systemPrompt, parts
}

func convertTools(tools []model.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema maps a JSON Schema object onto genai.Schema. Only the
// object/properties/required subset the pipeline tools use is mapped;
// nested objects recurse.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	result := &genai.Schema{Type: genai.TypeObject}
	if typeStr, ok := schema["type"].(string); ok {
		result.Type = convertType(typeStr)
	}
	if desc, ok := schema["description"].(string); ok {
		result.Description = desc
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		properties := make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			if propMap, ok := val.(map[string]any); ok {
				properties[key] = convertSchema(propMap)
			}
		}
		result.Properties = properties
	}

	switch required := schema["required"].(type) {
	case []string:
		result.Required = required
	case []any:
		for _, v := range required {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}

func convertType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(resp *genai.GenerateContentResponse) model.ChatOut {
	out := model.ChatOut{}
	if resp == nil {
		return out
	}

	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		out.StopReason = fmt.Sprintf("%v", candidate.FinishReason)
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				switch p := part.(type) {
				case genai.Text:
					if out.Text != "" {
						out.Text += "\n"
					}
					out.Text += string(p)
				case genai.FunctionCall:
					out.ToolCalls = append(out.ToolCalls, model.ToolCall{
						Name:  p.Name,
						Input: p.Args,
					})
				}
			}
		}
	}

	if u := resp.UsageMetadata; u != nil {
		out.Usage = model.Usage{
			InputTokens:     int64(u.PromptTokenCount),
			OutputTokens:    int64(u.CandidatesTokenCount),
			CacheReadTokens: int64(u.CachedContentTokenCount),
		}
	}
	return out
}

// blockedBySafety returns a *SafetyFilterError when the prompt or the
// response was blocked by Gemini's safety filters.
func blockedBySafety(resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return nil
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason == genai.BlockedReasonSafety {
		return &SafetyFilterError{
			reason:   fmt.Sprintf("%v", fb.BlockReason),
			category: blockedCategory(fb.SafetyRatings),
		}
	}
	for _, candidate := range resp.Candidates {
		if candidate.FinishReason == genai.FinishReasonSafety {
			return &SafetyFilterError{
				reason:   fmt.Sprintf("%v", candidate.FinishReason),
				category: blockedCategory(candidate.SafetyRatings),
			}
		}
	}
	return nil
}

func blockedCategory(ratings []*genai.SafetyRating) string {
	for _, rating := range ratings {
		if rating != nil && rating.Blocked {
			return fmt.Sprintf("%v", rating.Category)
		}
	}
	return "unknown"
}

// classifyError maps googleapi errors onto the model package's retry
// classification.
func classifyError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("gemini generate content: %w", err)
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests:
		return &model.RateLimitError{RetryAfter: retryAfter(gerr.Header), Err: err}
	case gerr.Code >= 500:
		return fmt.Errorf("%w: %w", model.ErrTransient, err)
	default:
		return fmt.Errorf("gemini generate content: %w", err)
	}
}

func retryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// SafetyFilterError reports a Gemini safety filter block.
//
// Use errors.As to check for it:
//
//	var safetyErr *gemini.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("content blocked: %s", safetyErr.Category())
//	}
type SafetyFilterError struct {
	reason   string
	category string
}

// Error implements the error interface.
func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.category
}

// Category returns the safety category that triggered the block.
func (e *SafetyFilterError) Category() string { return e.category }

// Reason returns why the content was blocked.
func (e *SafetyFilterError) Reason() string { return e.reason }
