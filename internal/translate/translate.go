// Package translate turns a canonical Anthropic-style request into the
// upstream's conversationState-shaped payload.
package translate

import (
	"encoding/json"
	"fmt"
)

// Request is the canonical inbound shape, decoded straight off the wire
// before any upstream-specific transformation.
type Request struct {
	Model      string          `json:"model"`
	MaxTokens  int             `json:"max_tokens"`
	Messages   []Message       `json:"messages"`
	System     json.RawMessage `json:"system,omitempty"`
	Tools      []Tool          `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
	Thinking   json.RawMessage `json:"thinking,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Stream     bool            `json:"stream,omitempty"`
}

type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ContentBlock is one element of a structured content array.
type ContentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	ToolUseID string        `json:"tool_use_id,omitempty"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// Error is a typed translation failure naming the offending block or
// tool.
type Error struct {
	Kind   string // "UnsupportedContentBlock" | "MissingToolName"
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("translate: %s: %s", e.Kind, e.Detail)
}

func unsupportedBlock(blockType string) error {
	return &Error{Kind: "UnsupportedContentBlock", Detail: blockType}
}

func missingToolName(index int) error {
	return &Error{Kind: "MissingToolName", Detail: fmt.Sprintf("tools[%d]", index)}
}

// Upstream is the translated conversationState-shaped payload sent to the
// provider (camelCase, conversationId/currentMessage/history/profileArn).
type Upstream struct {
	ProfileARN       string           `json:"profileArn,omitempty"`
	ConversationState ConversationState `json:"conversationState"`
}

type ConversationState struct {
	ChatTriggerType string          `json:"chatTriggerType"`
	ConversationID  string          `json:"conversationId,omitempty"`
	CurrentMessage  UserInputMessage `json:"currentMessage"`
	History         []HistoryTurn    `json:"history,omitempty"`
}

type UserInputMessage struct {
	Content              string                `json:"content"`
	ModelID              string                `json:"modelId,omitempty"`
	Origin               string                `json:"origin"`
	UserInputMessageContext UserInputMessageContext `json:"userInputMessageContext"`
}

type UserInputMessageContext struct {
	ToolResults      []ToolResult      `json:"toolResults,omitempty"`
	Tools            []ToolSpecification `json:"tools,omitempty"`
	SystemMessages   []SystemMessage   `json:"systemMessages,omitempty"`
}

type SystemMessage struct {
	Content string `json:"content"`
}

type ToolSpecification struct {
	ToolSpecification ToolSpec `json:"toolSpecification"`
}

type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type ToolResult struct {
	ToolUseID string          `json:"toolUseId"`
	Content   []ToolResultContentItem `json:"content"`
	Status    string          `json:"status"`
}

type ToolResultContentItem struct {
	Text string `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

type HistoryTurn struct {
	UserInputMessage      *UserInputMessage      `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type AssistantResponseMessage struct {
	Content  string     `json:"content"`
	ToolUses []ToolUse  `json:"toolUses,omitempty"`
}

type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// Translate converts a canonical Request into the upstream payload.
// profileARN and origin are supplied by the caller (the credential's
// profile_arn and a fixed client-origin string respectively) since they are
// not part of the canonical request.
func Translate(req *Request, profileARN, origin string) (*Upstream, error) {
	tools, err := translateTools(req.Tools)
	if err != nil {
		return nil, err
	}

	systemMessages, err := translateSystem(req.System)
	if err != nil {
		return nil, err
	}

	if len(req.Messages) == 0 {
		return nil, &Error{Kind: "UnsupportedContentBlock", Detail: "empty messages"}
	}

	history := make([]HistoryTurn, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		turn, err := translateHistoryTurn(m, origin)
		if err != nil {
			return nil, err
		}
		history = append(history, turn)
	}

	last := req.Messages[len(req.Messages)-1]
	current, toolResults, err := translateCurrentMessage(last, origin)
	if err != nil {
		return nil, err
	}
	current.UserInputMessageContext = UserInputMessageContext{
		ToolResults:    toolResults,
		Tools:          tools,
		SystemMessages: systemMessages,
	}

	return &Upstream{
		ProfileARN: profileARN,
		ConversationState: ConversationState{
			ChatTriggerType: "MANUAL",
			CurrentMessage:  current,
			History:         history,
		},
	}, nil
}

func translateTools(tools []Tool) ([]ToolSpecification, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]ToolSpecification, 0, len(tools))
	for i, t := range tools {
		if t.Name == "" {
			return nil, missingToolName(i)
		}
		out = append(out, ToolSpecification{
			ToolSpecification: ToolSpec{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			},
		})
	}
	return out, nil
}

// translateSystem accepts either a plain string or an array of
// {type: "text", text: ...} blocks, per Anthropic's system-prompt shape,
// and produces the upstream's systemMessages list with the (possibly
// joined) prompt as its first and only element.
func translateSystem(raw json.RawMessage) ([]SystemMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil, nil
		}
		return []SystemMessage{{Content: asString}}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, unsupportedBlock("system")
	}
	var joined string
	for _, b := range blocks {
		if b.Type != "text" {
			return nil, unsupportedBlock("system:" + b.Type)
		}
		joined += b.Text
	}
	if joined == "" {
		return nil, nil
	}
	return []SystemMessage{{Content: joined}}, nil
}

// translateHistoryTurn converts one non-final message into a history turn.
func translateHistoryTurn(m Message, origin string) (HistoryTurn, error) {
	text, toolUses, toolResults, err := flattenContent(m.Content)
	if err != nil {
		return HistoryTurn{}, err
	}

	switch m.Role {
	case "assistant":
		return HistoryTurn{AssistantResponseMessage: &AssistantResponseMessage{
			Content:  text,
			ToolUses: toolUses,
		}}, nil
	default:
		return HistoryTurn{UserInputMessage: &UserInputMessage{
			Content: text,
			Origin:  origin,
			UserInputMessageContext: UserInputMessageContext{
				ToolResults: toolResults,
			},
		}}, nil
	}
}

// translateCurrentMessage converts the final message in the conversation
// into the upstream's currentMessage, returning any tool_result blocks
// found in it separately so the caller can attach them to the context.
func translateCurrentMessage(m Message, origin string) (UserInputMessage, []ToolResult, error) {
	text, _, toolResults, err := flattenContent(m.Content)
	if err != nil {
		return UserInputMessage{}, nil, err
	}
	return UserInputMessage{Content: text, Origin: origin}, toolResults, nil
}

// flattenContent accepts either a plain string or a structured content
// array and returns the concatenated text, any tool_use blocks (as
// upstream ToolUse), and any tool_result blocks (as upstream ToolResult).
func flattenContent(raw json.RawMessage) (text string, toolUses []ToolUse, toolResults []ToolResult, err error) {
	if len(raw) == 0 {
		return "", nil, nil, nil
	}

	var asString string
	if jsonErr := json.Unmarshal(raw, &asString); jsonErr == nil {
		return asString, nil, nil, nil
	}

	var blocks []ContentBlock
	if jsonErr := json.Unmarshal(raw, &blocks); jsonErr != nil {
		return "", nil, nil, unsupportedBlock("content")
	}

	var sb []byte
	for _, b := range blocks {
		switch b.Type {
		case "text":
			sb = append(sb, b.Text...)
		case "tool_use":
			if b.Name == "" {
				return "", nil, nil, missingToolName(-1)
			}
			toolUses = append(toolUses, ToolUse{
				ToolUseID: b.ID,
				Name:      b.Name,
				Input:     b.Input,
			})
		case "tool_result":
			status := "success"
			if b.IsError {
				status = "error"
			}
			toolResults = append(toolResults, ToolResult{
				ToolUseID: b.ToolUseID,
				Status:    status,
				Content:   toolResultContent(b.Content),
			})
		default:
			return "", nil, nil, unsupportedBlock(b.Type)
		}
	}
	return string(sb), toolUses, toolResults, nil
}

// toolResultContent normalizes a tool_result's content, which may itself be
// a plain string or a content-block array, into the upstream's content-item
// list.
func toolResultContent(raw json.RawMessage) []ToolResultContentItem {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []ToolResultContentItem{{Text: asString}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := make([]ToolResultContentItem, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" {
				out = append(out, ToolResultContentItem{Text: b.Text})
			}
		}
		return out
	}
	return []ToolResultContentItem{{JSON: raw}}
}
