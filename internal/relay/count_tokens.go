package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/kiro-gateway/gateway/internal/response"
	"github.com/kiro-gateway/gateway/internal/translate"
)

type countTokensRequest struct {
	Model    string            `json:"model"`
	System   json.RawMessage   `json:"system,omitempty"`
	Messages []translate.Message `json:"messages"`
	Tools    []translate.Tool  `json:"tools,omitempty"`
}

// HandleCountTokens serves POST /v1/messages/count_tokens: a local
// length-based heuristic, no upstream round trip.
func (rl *Relay) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 20<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body")
		return
	}
	var req countTokensRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	var sb strings.Builder
	appendRawText(&sb, req.System)
	for _, m := range req.Messages {
		appendRawText(&sb, m.Content)
	}
	for _, t := range req.Tools {
		sb.WriteString(t.Name)
		sb.WriteString(t.Description)
		sb.Write(t.InputSchema)
	}

	n := response.EstimateTokens(sb.String())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]int{"input_tokens": n})
}

// appendRawText extracts the human-readable text out of a content field
// that may be a bare string or a structured content-block array, ignoring
// blocks this heuristic has no text for (tool_use/tool_result payloads
// still contribute their raw JSON length).
func appendRawText(sb *strings.Builder, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		sb.WriteString(asString)
		return
	}
	var blocks []translate.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for _, b := range blocks {
			sb.WriteString(b.Text)
			sb.Write(b.Input)
			sb.Write(b.Content)
		}
		return
	}
	sb.Write(raw)
}
