package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/ameliahq/amelia/engine/model"
)

type stubClient struct {
	out model.ChatOut
	err error
}

func (s *stubClient) generateContent(context.Context, []model.Message, []model.ToolSpec) (model.ChatOut, error) {
	return s.out, s.err
}

func TestChat(t *testing.T) {
	m := &ChatModel{
		modelName: defaultModel,
		client:    &stubClient{out: model.ChatOut{Text: "done"}},
	}
	out, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if out.Text != "done" {
		t.Errorf("Text = %q", out.Text)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Chat(ctx, nil, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestConvertMessages(t *testing.T) {
	system, parts := convertMessages([]model.Message{
		{Role: model.RoleSystem, Content: "You write code."},
		{Role: model.RoleUser, Content: "Fix the bug."},
		{Role: model.RoleAssistant, Content: "Looking."},
		{Role: model.RoleSystem, Content: "Be terse."},
	})
	if system != "You write code.\n\nBe terse." {
		t.Errorf("system = %q", system)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	if string(parts[0].(genai.Text)) != "Fix the bug." {
		t.Errorf("parts[0] = %v", parts[0])
	}
}

func TestConvertSchema(t *testing.T) {
	schema := convertSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "file path",
			},
			"count": map[string]any{"type": "integer"},
		},
		"required": []any{"path"},
	})

	if schema.Type != genai.TypeObject {
		t.Errorf("Type = %v", schema.Type)
	}
	if schema.Properties["path"].Type != genai.TypeString {
		t.Errorf("path type = %v", schema.Properties["path"].Type)
	}
	if schema.Properties["path"].Description != "file path" {
		t.Errorf("path description = %q", schema.Properties["path"].Description)
	}
	if schema.Properties["count"].Type != genai.TypeInteger {
		t.Errorf("count type = %v", schema.Properties["count"].Type)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "path" {
		t.Errorf("Required = %v", schema.Required)
	}

	if convertSchema(nil) != nil {
		t.Error("nil schema should convert to nil")
	}
}

func TestConvertResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{
				Content: &genai.Content{
					Parts: []genai.Part{
						genai.Text("running tests"),
						genai.FunctionCall{
							Name: "run_command",
							Args: map[string]any{"command": "go test"},
						},
					},
				},
			},
		},
		UsageMetadata: &genai.UsageMetadata{
			PromptTokenCount:     50,
			CandidatesTokenCount: 20,
		},
	}

	out := convertResponse(resp)
	if out.Text != "running tests" {
		t.Errorf("Text = %q", out.Text)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Name != "run_command" {
		t.Fatalf("ToolCalls = %+v", out.ToolCalls)
	}
	if out.ToolCalls[0].Input["command"] != "go test" {
		t.Errorf("tool input = %v", out.ToolCalls[0].Input)
	}
	if out.Usage.InputTokens != 50 || out.Usage.OutputTokens != 20 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestBlockedBySafety(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		PromptFeedback: &genai.PromptFeedback{
			BlockReason: genai.BlockedReasonSafety,
			SafetyRatings: []*genai.SafetyRating{
				{Category: genai.HarmCategoryDangerousContent, Blocked: true},
			},
		},
	}

	err := blockedBySafety(resp)
	var safetyErr *SafetyFilterError
	if !errors.As(err, &safetyErr) {
		t.Fatalf("got %v, want SafetyFilterError", err)
	}
	if safetyErr.Category() == "unknown" {
		t.Errorf("Category = %q, want the blocked category", safetyErr.Category())
	}

	if blockedBySafety(&genai.GenerateContentResponse{}) != nil {
		t.Error("clean response reported as blocked")
	}
}
