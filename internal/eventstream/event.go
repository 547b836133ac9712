package eventstream

import "encoding/json"

// Event is the typed decoding of a Frame's JSON payload, keyed by the
// upstream's ":event-type" header. Unknown variants are preserved as
// Unknown so the translator can ignore them without losing the frame.
type Event struct {
	Kind string
	Raw  []byte

	AssistantResponse *AssistantResponse
	ContextUsage      *ContextUsage
	ToolUseStart      *ToolUseStart
	ToolUseInput      *ToolUseInput
	ToolUseEnd        *ToolUseEnd
	UpstreamError     *UpstreamError
	Unknown           *UnknownEvent
}

type AssistantResponse struct {
	Content string `json:"content"`
}

type ContextUsage struct {
	ContextUsagePercentage float64 `json:"contextUsagePercentage"`
}

type ToolUseStart struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
}

type ToolUseInput struct {
	ToolUseID string `json:"toolUseId"`
	Input     string `json:"input"`
}

type ToolUseEnd struct {
	ToolUseID string `json:"toolUseId"`
}

type UpstreamError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type UnknownEvent struct {
	Name string
	Raw  []byte
}

// DecodeEvent classifies a Frame into an Event using its ":event-type"
// header, falling back to ":exception-type" for error frames. The
// ":message-type" header is not read; a frame with neither header
// becomes Unknown with an empty name.
func DecodeEvent(f *Frame) *Event {
	name, _ := f.Headers[":event-type"].(string)
	if name == "" {
		if exc, ok := f.Headers[":exception-type"].(string); ok && exc != "" {
			name = exc
		}
	}

	switch name {
	case "assistantResponseEvent":
		var ar AssistantResponse
		if err := json.Unmarshal(f.Payload, &ar); err == nil {
			return &Event{Kind: "AssistantResponse", Raw: f.Payload, AssistantResponse: &ar}
		}
	case "contextUsageEvent", "contextUsage":
		var cu ContextUsage
		if err := json.Unmarshal(f.Payload, &cu); err == nil {
			return &Event{Kind: "ContextUsage", Raw: f.Payload, ContextUsage: &cu}
		}
	case "toolUseEvent":
		var start struct {
			ToolUseID string `json:"toolUseId"`
			Name      string `json:"name"`
			Stop      bool   `json:"stop"`
			Input     string `json:"input"`
		}
		if err := json.Unmarshal(f.Payload, &start); err == nil {
			switch {
			case start.Stop:
				return &Event{Kind: "ToolUseEnd", Raw: f.Payload, ToolUseEnd: &ToolUseEnd{ToolUseID: start.ToolUseID}}
			case start.Name != "":
				return &Event{Kind: "ToolUseStart", Raw: f.Payload, ToolUseStart: &ToolUseStart{ToolUseID: start.ToolUseID, Name: start.Name}}
			default:
				return &Event{Kind: "ToolUseInput", Raw: f.Payload, ToolUseInput: &ToolUseInput{ToolUseID: start.ToolUseID, Input: start.Input}}
			}
		}
	case "error", "invalidStateEvent", "throttlingException", "validationException":
		var ue UpstreamError
		if err := json.Unmarshal(f.Payload, &ue); err == nil {
			if ue.Kind == "" {
				ue.Kind = name
			}
			return &Event{Kind: "Error", Raw: f.Payload, UpstreamError: &ue}
		}
	case "messageStopEvent", "done":
		return &Event{Kind: "Done", Raw: f.Payload}
	}

	return &Event{Kind: "Unknown", Raw: f.Payload, Unknown: &UnknownEvent{Name: name, Raw: f.Payload}}
}
