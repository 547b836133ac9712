// Package response turns decoded upstream events into the canonical
// Anthropic-style assistant message, either buffered whole or re-emitted as
// an SSE stream.
package response

import (
	"encoding/json"

	"github.com/kiro-gateway/gateway/internal/eventstream"
)

// ContextWindow is the token budget used to derive input_tokens from the
// upstream's ContextUsage percentage when it supplies no explicit count.
const ContextWindow = 200000

// Usage mirrors Anthropic's usage block.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message is the canonical non-streaming assistant reply.
type Message struct {
	Role       string          `json:"role"`
	Content    []Block         `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      Usage           `json:"usage"`
}

// Block is one canonical content block: text or tool_use.
type Block struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// EstimateTokens approximates a token count as len/4. The upstream never
// reports an output count, so the ledger runs on this heuristic.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// deriveInputTokens converts the upstream's context-usage percentage into
// an absolute count against the fixed context window. Replace with the
// explicit count if the upstream ever starts reporting one.
func deriveInputTokens(ctxUsage *eventstream.ContextUsage) int {
	if ctxUsage == nil {
		return 0
	}
	return int(ctxUsage.ContextUsagePercentage/100*ContextWindow + 0.5)
}
