package response

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kiro-gateway/gateway/internal/eventstream"
)

func TestBufferedTranslatorAccumulatesText(t *testing.T) {
	b := NewBufferedTranslator()
	b.Feed(&eventstream.Event{Kind: "AssistantResponse", AssistantResponse: &eventstream.AssistantResponse{Content: "hel"}})
	b.Feed(&eventstream.Event{Kind: "AssistantResponse", AssistantResponse: &eventstream.AssistantResponse{Content: "lo"}})
	b.Feed(&eventstream.Event{Kind: "Done"})

	msg := b.Finish()
	if len(msg.Content) != 1 || msg.Content[0].Text != "hello" {
		t.Fatalf("content = %+v", msg.Content)
	}
	if msg.StopReason != "end_turn" {
		t.Fatalf("stop_reason = %q", msg.StopReason)
	}
}

func TestBufferedTranslatorToolUse(t *testing.T) {
	b := NewBufferedTranslator()
	b.Feed(&eventstream.Event{Kind: "ToolUseStart", ToolUseStart: &eventstream.ToolUseStart{ToolUseID: "t1", Name: "search"}})
	b.Feed(&eventstream.Event{Kind: "ToolUseInput", ToolUseInput: &eventstream.ToolUseInput{ToolUseID: "t1", Input: `{"q":"x"}`}})
	b.Feed(&eventstream.Event{Kind: "ToolUseEnd", ToolUseEnd: &eventstream.ToolUseEnd{ToolUseID: "t1"}})
	b.Feed(&eventstream.Event{Kind: "Done"})

	msg := b.Finish()
	if msg.StopReason != "tool_use" {
		t.Fatalf("stop_reason = %q", msg.StopReason)
	}
	if len(msg.Content) != 1 || msg.Content[0].Type != "tool_use" || msg.Content[0].Name != "search" {
		t.Fatalf("content = %+v", msg.Content)
	}
	var input map[string]string
	json.Unmarshal(msg.Content[0].Input, &input)
	if input["q"] != "x" {
		t.Fatalf("tool input = %s", msg.Content[0].Input)
	}
}

func TestBufferedTranslatorDerivesInputTokensFromContextUsage(t *testing.T) {
	b := NewBufferedTranslator()
	b.Feed(&eventstream.Event{Kind: "ContextUsage", ContextUsage: &eventstream.ContextUsage{ContextUsagePercentage: 50}})
	b.Feed(&eventstream.Event{Kind: "Done"})

	msg := b.Finish()
	if msg.Usage.InputTokens != 100000 {
		t.Fatalf("input_tokens = %d, want 100000", msg.Usage.InputTokens)
	}
}

func TestStreamTranslatorOrdering(t *testing.T) {
	ch := make(chan SSEEvent, 32)
	s := NewStreamTranslator(ch)
	ctx := context.Background()

	events := []*eventstream.Event{
		{Kind: "AssistantResponse", AssistantResponse: &eventstream.AssistantResponse{Content: "hi"}},
		{Kind: "ToolUseStart", ToolUseStart: &eventstream.ToolUseStart{ToolUseID: "t1", Name: "search"}},
		{Kind: "ToolUseInput", ToolUseInput: &eventstream.ToolUseInput{ToolUseID: "t1", Input: "{}"}},
		{Kind: "ToolUseEnd", ToolUseEnd: &eventstream.ToolUseEnd{ToolUseID: "t1"}},
		{Kind: "Done"},
	}
	for _, ev := range events {
		if err := s.Feed(ctx, ev); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	close(ch)

	var names []string
	var indices []int
	for sse := range ch {
		names = append(names, sse.Name)
		var payload struct {
			Index int `json:"index"`
		}
		json.Unmarshal(sse.Data, &payload)
		indices = append(indices, payload.Index)
	}

	want := []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, names[i], want[i], names)
		}
	}

	// The text block's start/delta/stop carry index 0 and the tool_use
	// block's carry index 1: the tool_use block opens only after the text
	// block closed.
	if indices[1] != 0 || indices[2] != 0 || indices[3] != 0 {
		t.Fatalf("first block indices = %v, want all 0", indices[1:4])
	}
	if indices[4] != 1 || indices[5] != 1 || indices[6] != 1 {
		t.Fatalf("second block indices = %v, want all 1", indices[4:7])
	}
}

func TestStreamTranslatorErrorTerminatesStream(t *testing.T) {
	ch := make(chan SSEEvent, 32)
	s := NewStreamTranslator(ch)
	ctx := context.Background()

	s.Feed(ctx, &eventstream.Event{Kind: "AssistantResponse", AssistantResponse: &eventstream.AssistantResponse{Content: "partial"}})
	s.Feed(ctx, &eventstream.Event{Kind: "Error", UpstreamError: &eventstream.UpstreamError{Kind: "throttlingException", Message: "slow down"}})
	close(ch)

	var last string
	for sse := range ch {
		last = sse.Name
	}
	if last != "message_stop" {
		t.Fatalf("stream did not terminate with message_stop, last = %q", last)
	}
}
