// Package anthropic provides the ChatModel adapter for Anthropic's
// Claude Messages API, backed by the official anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ameliahq/amelia/engine/model"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 8192
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. *sdk.MessageService satisfies it, so callers can pass the
// real client or a stub in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// ChatModel implements model.ChatModel for Anthropic's Claude API.
//
// Claude expects the system prompt as a separate parameter, so system
// messages are extracted from the conversation before encoding. Cache
// read/creation tokens from the response are surfaced in Usage.
type ChatModel struct {
	msg       MessagesClient
	modelName string
	maxTokens int64
}

// NewChatModel creates an Anthropic ChatModel using the default HTTP
// client. Empty modelName selects the default Claude model.
func NewChatModel(apiKey, modelName string) *ChatModel {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewChatModelWithClient(&client.Messages, modelName)
}

// NewChatModelWithClient creates a ChatModel over an existing
// MessagesClient. Intended for tests and callers that configure the
// SDK client themselves.
func NewChatModelWithClient(msg MessagesClient, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	return &ChatModel{
		msg:       msg,
		modelName: modelName,
		maxTokens: defaultMaxTokens,
	}
}

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	systemPrompt, conversation := extractSystemPrompt(messages)
	encoded, err := encodeMessages(conversation)
	if err != nil {
		return model.ChatOut{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  encoded,
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = encodeTools(tools)
	}

	msg, err := m.msg.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, classifyError(err)
	}
	return translateMessage(msg)
}

// extractSystemPrompt separates system messages from the conversation.
// Multiple system messages are concatenated.
func extractSystemPrompt(messages []model.Message) (string, []model.Message) {
	var systemPrompt string
	var conversation []model.Message

	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		} else {
			conversation = append(conversation, msg)
		}
	}
	return systemPrompt, conversation
}

func encodeMessages(messages []model.Message) ([]sdk.MessageParam, error) {
	encoded := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		block := sdk.NewTextBlock(msg.Content)
		switch msg.Role {
		case model.RoleUser:
			encoded = append(encoded, sdk.NewUserMessage(block))
		case model.RoleAssistant:
			encoded = append(encoded, sdk.NewAssistantMessage(block))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", msg.Role)
		}
	}
	if len(encoded) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return encoded, nil
}

func encodeTools(tools []model.ToolSpec) []sdk.ToolUnionParam {
	encoded := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		schema := sdk.ToolInputSchemaParam{}
		if len(tool.Schema) > 0 {
			schema.ExtraFields = tool.Schema
		}
		u := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		encoded = append(encoded, u)
	}
	return encoded
}

func translateMessage(msg *sdk.Message) (model.ChatOut, error) {
	if msg == nil {
		return model.ChatOut{}, errors.New("anthropic: response message is nil")
	}

	out := model.ChatOut{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			var input map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return model.ChatOut{}, fmt.Errorf("anthropic: decode tool input for %q: %w", block.Name, err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}

	out.Usage = model.Usage{
		InputTokens:         msg.Usage.InputTokens,
		OutputTokens:        msg.Usage.OutputTokens,
		CacheReadTokens:     msg.Usage.CacheReadInputTokens,
		CacheCreationTokens: msg.Usage.CacheCreationInputTokens,
	}
	return out, nil
}

// classifyError maps SDK errors onto the model package's retry
// classification. 429 becomes a RateLimitError honoring Retry-After,
// 5xx is wrapped as transient, everything else passes through
// unchanged (permanent).
func classifyError(err error) error {
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return fmt.Errorf("anthropic messages.new: %w", err)
	}
	switch {
	case apierr.StatusCode == http.StatusTooManyRequests:
		return &model.RateLimitError{RetryAfter: retryAfter(apierr.Response), Err: err}
	case apierr.StatusCode >= 500:
		return fmt.Errorf("%w: %w", model.ErrTransient, err)
	default:
		return fmt.Errorf("anthropic messages.new: %w", err)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
