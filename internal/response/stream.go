package response

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiro-gateway/gateway/internal/eventstream"
)

// SSEEvent is one outbound server-sent event: an `event:` name plus a JSON
// `data:` payload.
type SSEEvent struct {
	Name string
	Data []byte
}

// blockKind tracks which canonical content-block type is currently open, so
// a tool_use event arriving while a text block is open closes the text
// block first and no two blocks are ever open at once.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockToolUse
)

// StreamTranslator re-emits decoded events as canonical SSE events onto a
// bounded channel, enforcing: every content_block_start for index i is
// followed by zero or more deltas for i and exactly one content_block_stop
// for i before i+1 opens.
type StreamTranslator struct {
	out chan<- SSEEvent

	index       int
	open        blockKind
	openToolID  string
	started     bool
	ctxUsage    *eventstream.ContextUsage
	textSoFar   []byte
	toolInputSoFar []byte
	sawToolUse  bool
	errored     bool
}

// NewStreamTranslator binds to a channel the caller owns and drains; a full
// channel blocks Feed, so a slow client throttles the upstream read.
func NewStreamTranslator(out chan<- SSEEvent) *StreamTranslator {
	return &StreamTranslator{out: out}
}

func (s *StreamTranslator) send(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("response: marshal %s event: %w", name, err)
	}
	select {
	case s.out <- SSEEvent{Name: name, Data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *StreamTranslator) ensureStarted(ctx context.Context) error {
	if s.started {
		return nil
	}
	s.started = true
	return s.send(ctx, "message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"role":    "assistant",
			"content": []any{},
			"usage":   Usage{},
		},
	})
}

func (s *StreamTranslator) closeOpenBlock(ctx context.Context) error {
	if s.open == blockNone {
		return nil
	}
	if err := s.send(ctx, "content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": s.index,
	}); err != nil {
		return err
	}
	s.open = blockNone
	s.index++
	return nil
}

func (s *StreamTranslator) openTextBlock(ctx context.Context) error {
	if s.open == blockText {
		return nil
	}
	if err := s.closeOpenBlock(ctx); err != nil {
		return err
	}
	s.open = blockText
	return s.send(ctx, "content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": s.index,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
}

func (s *StreamTranslator) openToolBlock(ctx context.Context, id, name string) error {
	if s.open == blockToolUse && s.openToolID == id {
		return nil
	}
	if err := s.closeOpenBlock(ctx); err != nil {
		return err
	}
	s.open = blockToolUse
	s.openToolID = id
	s.sawToolUse = true
	return s.send(ctx, "content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": s.index,
		"content_block": map[string]any{"type": "tool_use", "id": id, "name": name, "input": map[string]any{}},
	})
}

// Feed consumes one decoded Event and emits zero or more SSE events,
// maintaining the content-block ordering invariant.
func (s *StreamTranslator) Feed(ctx context.Context, ev *eventstream.Event) error {
	if err := s.ensureStarted(ctx); err != nil {
		return err
	}

	switch ev.Kind {
	case "AssistantResponse":
		if err := s.openTextBlock(ctx); err != nil {
			return err
		}
		s.textSoFar = append(s.textSoFar, ev.AssistantResponse.Content...)
		return s.send(ctx, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.index,
			"delta": map[string]any{"type": "text_delta", "text": ev.AssistantResponse.Content},
		})

	case "ContextUsage":
		s.ctxUsage = ev.ContextUsage
		return nil

	case "ToolUseStart":
		return s.openToolBlock(ctx, ev.ToolUseStart.ToolUseID, ev.ToolUseStart.Name)

	case "ToolUseInput":
		if s.open != blockToolUse || s.openToolID != ev.ToolUseInput.ToolUseID {
			if err := s.openToolBlock(ctx, ev.ToolUseInput.ToolUseID, ""); err != nil {
				return err
			}
		}
		s.toolInputSoFar = append(s.toolInputSoFar, ev.ToolUseInput.Input...)
		return s.send(ctx, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.ToolUseInput.Input},
		})

	case "ToolUseEnd":
		return s.closeOpenBlock(ctx)

	case "Error":
		s.errored = true
		if err := s.closeOpenBlock(ctx); err != nil {
			return err
		}
		if err := s.send(ctx, "message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "error"},
			"usage": s.finalUsage(),
		}); err != nil {
			return err
		}
		if err := s.send(ctx, "error", map[string]any{
			"type":    ev.UpstreamError.Kind,
			"message": ev.UpstreamError.Message,
		}); err != nil {
			return err
		}
		return s.send(ctx, "message_stop", map[string]any{"type": "message_stop"})

	case "Done":
		if err := s.closeOpenBlock(ctx); err != nil {
			return err
		}
		stopReason := "end_turn"
		if s.sawToolUse {
			stopReason = "tool_use"
		}
		if err := s.send(ctx, "message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stopReason},
			"usage": s.finalUsage(),
		}); err != nil {
			return err
		}
		return s.send(ctx, "message_stop", map[string]any{"type": "message_stop"})
	}

	return nil
}

func (s *StreamTranslator) finalUsage() Usage {
	outputText := string(s.textSoFar) + string(s.toolInputSoFar)
	return Usage{
		InputTokens:  deriveInputTokens(s.ctxUsage),
		OutputTokens: EstimateTokens(outputText),
	}
}

// Finalize force-closes any still-open block, used when the client
// disconnects mid-stream. The ledger still records the output seen so
// far; the SSE stream itself ends here.
func (s *StreamTranslator) Finalize(ctx context.Context) {
	_ = s.closeOpenBlock(ctx)
}

// BytesSeen returns the total output bytes translated so far, for the
// Ledger to record even on a client disconnect.
func (s *StreamTranslator) BytesSeen() int {
	return len(s.textSoFar) + len(s.toolInputSoFar)
}

// Usage returns the same {input_tokens, output_tokens} the translator last
// emitted in a message_delta, for the caller to hand to the Ledger once the
// stream (or a client disconnect) ends.
func (s *StreamTranslator) Usage() Usage {
	return s.finalUsage()
}
