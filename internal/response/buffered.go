package response

import (
	"encoding/json"
	"strings"

	"github.com/kiro-gateway/gateway/internal/eventstream"
)

// pendingToolUse accumulates one tool_use block's streamed JSON input
// fragments, keyed by tool_use_id, while events are still arriving.
type pendingToolUse struct {
	id    string
	name  string
	input strings.Builder
}

// BufferedTranslator accumulates every event from one upstream call into a
// single canonical Message, for non-streaming callers.
type BufferedTranslator struct {
	text       strings.Builder
	toolOrder  []string
	tools      map[string]*pendingToolUse
	ctxUsage   *eventstream.ContextUsage
	stopReason string
	errored    bool
}

func NewBufferedTranslator() *BufferedTranslator {
	return &BufferedTranslator{tools: make(map[string]*pendingToolUse)}
}

// Feed consumes one decoded Event. Unknown events are silently ignored.
func (b *BufferedTranslator) Feed(ev *eventstream.Event) {
	switch ev.Kind {
	case "AssistantResponse":
		b.text.WriteString(ev.AssistantResponse.Content)
	case "ContextUsage":
		b.ctxUsage = ev.ContextUsage
	case "ToolUseStart":
		id := ev.ToolUseStart.ToolUseID
		if _, ok := b.tools[id]; !ok {
			b.toolOrder = append(b.toolOrder, id)
			b.tools[id] = &pendingToolUse{id: id, name: ev.ToolUseStart.Name}
		}
	case "ToolUseInput":
		id := ev.ToolUseInput.ToolUseID
		if t, ok := b.tools[id]; ok {
			t.input.WriteString(ev.ToolUseInput.Input)
		}
	case "ToolUseEnd":
		// Nothing to do: the accumulated input is finalized at Finish.
	case "Error":
		b.errored = true
		b.stopReason = "error"
	case "Done":
		if b.stopReason == "" {
			b.stopReason = "end_turn"
		}
	}
}

// Finish produces the final canonical Message. Its output token count is
// estimated here with EstimateTokens over the accumulated text and tool inputs.
func (b *BufferedTranslator) Finish() *Message {
	var blocks []Block
	if b.text.Len() > 0 {
		blocks = append(blocks, Block{Type: "text", Text: b.text.String()})
	}
	for _, id := range b.toolOrder {
		t := b.tools[id]
		raw := json.RawMessage(t.input.String())
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		blocks = append(blocks, Block{Type: "tool_use", ID: t.id, Name: t.name, Input: raw})
	}

	stopReason := b.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	if len(b.toolOrder) > 0 && !b.errored {
		stopReason = "tool_use"
	}

	outputText := b.text.String()
	for _, id := range b.toolOrder {
		outputText += b.tools[id].input.String()
	}

	return &Message{
		Role:       "assistant",
		Content:    blocks,
		StopReason: stopReason,
		Usage: Usage{
			InputTokens:  deriveInputTokens(b.ctxUsage),
			OutputTokens: EstimateTokens(outputText),
		},
	}
}
