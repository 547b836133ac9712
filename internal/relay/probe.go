package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kiro-gateway/gateway/internal/credential"
	"github.com/kiro-gateway/gateway/internal/eventstream"
	"github.com/kiro-gateway/gateway/internal/response"
	"github.com/kiro-gateway/gateway/internal/tokenmanager"
	"github.com/kiro-gateway/gateway/internal/translate"
)

// ProbeResult reports one connectivity round trip through the full
// pipeline: credential selection, translation, upstream call, stream
// decode.
type ProbeResult struct {
	Success      bool   `json:"success"`
	CredentialID int64  `json:"credential_id,omitempty"`
	LatencyMs    int64  `json:"latency_ms"`
	Model        string `json:"model"`
	Preview      string `json:"preview,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ConnectivityProbe sends one small non-streaming request through the
// relay pipeline and reports latency plus the first fragment of the
// decoded reply. model defaults to the first supported model.
func (rl *Relay) ConnectivityProbe(ctx context.Context, model string) *ProbeResult {
	if model == "" {
		model = SupportedModels[0]
	}
	if !IsSupportedModel(model) {
		return &ProbeResult{Model: model, Error: "model not supported"}
	}

	ctx, cancel := context.WithTimeout(ctx, rl.requestTimeout)
	defer cancel()

	content, _ := json.Marshal("Reply with the single word: pong")
	req := &translate.Request{
		Model:     model,
		MaxTokens: 32,
		Messages:  []translate.Message{{Role: "user", Content: content}},
	}

	start := time.Now()
	var usedCredID int64
	msg, err := tokenmanager.WithCredential(ctx, rl.tm, func(c *credential.Credential, client *http.Client) (*response.Message, tokenmanager.CallOutcome) {
		usedCredID = c.ID
		upstream, terr := translate.Translate(req, c.ProfileARN, rl.origin)
		if terr != nil {
			return nil, tokenmanager.ServerError
		}
		httpResp, outcome, serr := rl.sendUpstream(ctx, c, client, nil, upstream)
		if serr != nil {
			return nil, outcome
		}
		defer httpResp.Body.Close()

		decoder := eventstream.New(eventstream.DefaultMaxFrameSize)
		translator := response.NewBufferedTranslator()
		if derr := drainBuffered(httpResp.Body, decoder, translator); derr != nil {
			return nil, tokenmanager.NetworkError
		}
		return translator.Finish(), tokenmanager.Success
	})

	result := &ProbeResult{
		Model:        model,
		CredentialID: usedCredID,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Error = fmt.Sprintf("probe failed: %v", err)
		return result
	}
	result.Success = true
	for _, b := range msg.Content {
		if b.Type == "text" && b.Text != "" {
			result.Preview = truncate(b.Text, 120)
			break
		}
	}
	return result
}
