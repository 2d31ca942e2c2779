// Package openai provides the ChatModel adapter for OpenAI's Chat
// Completions API, backed by the official openai-go SDK.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ameliahq/amelia/engine/model"
)

const defaultModel = "gpt-4o"

// CompletionsClient captures the subset of the OpenAI SDK used by the
// adapter. *sdk.ChatCompletionService satisfies it.
type CompletionsClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// ChatModel implements model.ChatModel for OpenAI's API.
//
// Retry policy lives with the caller; the adapter only classifies
// errors (rate limit, transient) so callers can decide.
type ChatModel struct {
	completions CompletionsClient
	modelName   string
}

// NewChatModel creates an OpenAI ChatModel using the default HTTP
// client. Empty modelName selects the default model.
func NewChatModel(apiKey, modelName string) *ChatModel {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewChatModelWithClient(&client.Chat.Completions, modelName)
}

// NewChatModelWithClient creates a ChatModel over an existing
// CompletionsClient. Intended for tests and callers that configure the
// SDK client themselves.
func NewChatModelWithClient(completions CompletionsClient, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	return &ChatModel{completions: completions, modelName: modelName}
}

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	encoded, err := encodeMessages(messages)
	if err != nil {
		return model.ChatOut{}, err
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: encoded,
	}
	if len(tools) > 0 {
		params.Tools = encodeTools(tools)
	}

	completion, err := m.completions.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, classifyError(err)
	}
	return translateCompletion(completion)
}

func encodeMessages(messages []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	encoded := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case model.RoleSystem:
			encoded = append(encoded, sdk.ChatCompletionMessageParamUnion{
				OfSystem: &sdk.ChatCompletionSystemMessageParam{
					Content: sdk.ChatCompletionSystemMessageParamContentUnion{
						OfString: sdk.String(msg.Content),
					},
				},
			})
		case model.RoleUser:
			encoded = append(encoded, sdk.ChatCompletionMessageParamUnion{
				OfUser: &sdk.ChatCompletionUserMessageParam{
					Content: sdk.ChatCompletionUserMessageParamContentUnion{
						OfString: sdk.String(msg.Content),
					},
				},
			})
		case model.RoleAssistant:
			encoded = append(encoded, sdk.ChatCompletionMessageParamUnion{
				OfAssistant: &sdk.ChatCompletionAssistantMessageParam{
					Content: sdk.ChatCompletionAssistantMessageParamContentUnion{
						OfString: sdk.String(msg.Content),
					},
				},
			})
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", msg.Role)
		}
	}
	if len(encoded) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return encoded, nil
}

func encodeTools(tools []model.ToolSpec) []sdk.ChatCompletionToolUnionParam {
	encoded := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: tool.Name}
		if tool.Description != "" {
			fn.Description = sdk.String(tool.Description)
		}
		if len(tool.Schema) > 0 {
			fn.Parameters = shared.FunctionParameters(tool.Schema)
		}
		encoded = append(encoded, sdk.ChatCompletionFunctionTool(fn))
	}
	return encoded
}

func translateCompletion(completion *sdk.ChatCompletion) (model.ChatOut, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("openai: empty completion response")
	}

	choice := completion.Choices[0]
	out := model.ChatOut{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
	}
	for _, call := range choice.Message.ToolCalls {
		if call.Function.Name == "" {
			continue
		}
		var input map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				input = map[string]any{"raw": call.Function.Arguments}
			}
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}

	out.Usage = model.Usage{
		InputTokens:     completion.Usage.PromptTokens,
		OutputTokens:    completion.Usage.CompletionTokens,
		CacheReadTokens: completion.Usage.PromptTokensDetails.CachedTokens,
	}
	return out, nil
}

// classifyError maps SDK errors onto the model package's retry
// classification.
func classifyError(err error) error {
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return fmt.Errorf("openai chat completion: %w", err)
	}
	switch {
	case apierr.StatusCode == http.StatusTooManyRequests:
		return &model.RateLimitError{RetryAfter: retryAfter(apierr.Response), Err: err}
	case apierr.StatusCode >= 500:
		return fmt.Errorf("%w: %w", model.ErrTransient, err)
	default:
		return fmt.Errorf("openai chat completion: %w", err)
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
