package translate

import (
	"encoding/json"
	"testing"
)

func TestTranslatePlainStringMessage(t *testing.T) {
	req := &Request{
		Model:     "claude-3",
		MaxTokens: 100,
		Messages: []Message{
			{Role: "user", Content: json.RawMessage(`"hello there"`)},
		},
	}

	up, err := Translate(req, "arn:aws:test", "cli")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if up.ConversationState.CurrentMessage.Content != "hello there" {
		t.Fatalf("content = %q", up.ConversationState.CurrentMessage.Content)
	}
	if up.ProfileARN != "arn:aws:test" {
		t.Fatalf("profile arn not threaded through")
	}
}

func TestTranslateSystemPromptString(t *testing.T) {
	req := &Request{
		System: json.RawMessage(`"be concise"`),
		Messages: []Message{
			{Role: "user", Content: json.RawMessage(`"hi"`)},
		},
	}
	up, err := Translate(req, "", "cli")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	msgs := up.ConversationState.CurrentMessage.UserInputMessageContext.SystemMessages
	if len(msgs) != 1 || msgs[0].Content != "be concise" {
		t.Fatalf("systemMessages = %+v", msgs)
	}
}

func TestTranslateToolUseRequiresName(t *testing.T) {
	req := &Request{
		Messages: []Message{
			{Role: "assistant", Content: json.RawMessage(`[{"type":"tool_use","id":"t1","input":{}}]`)},
			{Role: "user", Content: json.RawMessage(`"continue"`)},
		},
	}
	_, err := Translate(req, "", "cli")
	terr, ok := err.(*Error)
	if !ok || terr.Kind != "MissingToolName" {
		t.Fatalf("expected MissingToolName, got %v", err)
	}
}

func TestTranslateUnsupportedContentBlock(t *testing.T) {
	req := &Request{
		Messages: []Message{
			{Role: "user", Content: json.RawMessage(`[{"type":"image","text":"x"}]`)},
		},
	}
	_, err := Translate(req, "", "cli")
	terr, ok := err.(*Error)
	if !ok || terr.Kind != "UnsupportedContentBlock" {
		t.Fatalf("expected UnsupportedContentBlock, got %v", err)
	}
}

func TestTranslateToolsMappedToUpstreamSchema(t *testing.T) {
	req := &Request{
		Tools: []Tool{
			{Name: "search", Description: "web search", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		Messages: []Message{
			{Role: "user", Content: json.RawMessage(`"find it"`)},
		},
	}
	up, err := Translate(req, "", "cli")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	tools := up.ConversationState.CurrentMessage.UserInputMessageContext.Tools
	if len(tools) != 1 || tools[0].ToolSpecification.Name != "search" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestTranslateToolResultAttachedToCurrentMessage(t *testing.T) {
	req := &Request{
		Messages: []Message{
			{Role: "assistant", Content: json.RawMessage(`[{"type":"tool_use","id":"t1","name":"search","input":{}}]`)},
			{Role: "user", Content: json.RawMessage(`[{"type":"tool_result","tool_use_id":"t1","content":"42 results"}]`)},
		},
	}
	up, err := Translate(req, "", "cli")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	results := up.ConversationState.CurrentMessage.UserInputMessageContext.ToolResults
	if len(results) != 1 || results[0].ToolUseID != "t1" {
		t.Fatalf("toolResults = %+v", results)
	}
	if len(up.ConversationState.History) != 1 || up.ConversationState.History[0].AssistantResponseMessage == nil {
		t.Fatalf("expected assistant turn in history, got %+v", up.ConversationState.History)
	}
}
