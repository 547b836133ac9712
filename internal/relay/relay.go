// Package relay implements the inbound Anthropic-style /v1/messages surface:
// translating canonical requests, driving them through the Token Manager's
// credential selection/retry loop, decoding the upstream event stream and
// re-emitting either a buffered canonical message or an SSE stream.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kiro-gateway/gateway/internal/apikeys"
	"github.com/kiro-gateway/gateway/internal/auth"
	"github.com/kiro-gateway/gateway/internal/credential"
	"github.com/kiro-gateway/gateway/internal/eventstream"
	"github.com/kiro-gateway/gateway/internal/identity"
	"github.com/kiro-gateway/gateway/internal/ledger"
	"github.com/kiro-gateway/gateway/internal/response"
	"github.com/kiro-gateway/gateway/internal/tokenmanager"
	"github.com/kiro-gateway/gateway/internal/translate"
)

// Endpoint templates a credential's effective API region into the upstream
// chat endpoint URL.
type Endpoint func(region string) string

// Relay is the request-handling façade over the Token Manager.
type Relay struct {
	tm     *tokenmanager.Manager
	keys   *apikeys.Store
	ledger *ledger.Ledger

	chatEndpoint   Endpoint
	requestTimeout time.Duration
	streamIdle     time.Duration
	origin         string
}

func New(tm *tokenmanager.Manager, keys *apikeys.Store, l *ledger.Ledger, chatEndpoint Endpoint, requestTimeout, streamIdle time.Duration) *Relay {
	return &Relay{
		tm:             tm,
		keys:           keys,
		ledger:         l,
		chatEndpoint:   chatEndpoint,
		requestTimeout: requestTimeout,
		streamIdle:     streamIdle,
		origin:         "AI_EDITOR",
	}
}

// exchange is what one successful upstream call against a credential
// hands back to the retry loop: the response translator's output plus the
// accounting data the ledger needs. For streaming requests the SSE bytes
// have already been written to the client by the time this is returned.
type exchange struct {
	message      *response.Message // non-nil only in buffered mode
	outputTokens int               // streaming mode: from the translator once finished
	inputTokens  int
	streamed     bool
}

// Handle serves POST /v1/messages.
func (rl *Relay) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keyInfo := auth.GetKeyInfo(ctx)
	if keyInfo == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, 60<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body")
		return
	}
	var req translate.Request
	if err := json.Unmarshal(rawBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model and messages are required")
		return
	}
	if keyInfo.ID != "admin" && !rl.keys.MatchesModel(keyInfo.ID, req.Model) {
		writeError(w, http.StatusForbidden, "permission_error", "model not allowed for this API key")
		return
	}

	clientIP := clientIP(r)
	userInputPreview := firstUserText(&req)

	inbound := identity.FilterHeaders(r.Header)

	if req.Stream {
		rl.handleStream(ctx, w, inbound, &req, keyInfo, clientIP, userInputPreview)
		return
	}
	rl.handleBuffered(ctx, w, inbound, &req, keyInfo, clientIP, userInputPreview)
}

func (rl *Relay) handleBuffered(ctx context.Context, w http.ResponseWriter, inbound http.Header, req *translate.Request, keyInfo *auth.KeyInfo, clientIP, userInput string) {
	ctx, cancel := context.WithTimeout(ctx, rl.requestTimeout)
	defer cancel()

	var usedCredID int64
	result, err := tokenmanager.WithCredentialRestricted(ctx, rl.tm, boundCredentials(keyInfo), func(c *credential.Credential, client *http.Client) (*exchange, tokenmanager.CallOutcome) {
		usedCredID = c.ID
		upstream, err := translate.Translate(req, c.ProfileARN, rl.origin)
		if err != nil {
			return nil, tokenmanager.ServerError
		}

		httpResp, outcome, err := rl.sendUpstream(ctx, c, client, inbound, upstream)
		if err != nil {
			return nil, outcome
		}
		defer httpResp.Body.Close()

		decoder := eventstream.New(eventstream.DefaultMaxFrameSize)
		translator := response.NewBufferedTranslator()
		if err := drainBuffered(httpResp.Body, decoder, translator); err != nil {
			return nil, tokenmanager.NetworkError
		}
		msg := translator.Finish()
		return &exchange{message: msg, inputTokens: msg.Usage.InputTokens, outputTokens: msg.Usage.OutputTokens}, tokenmanager.Success
	})

	if err != nil {
		slog.Warn("buffered relay exhausted", "error", err)
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no available credentials")
		return
	}

	rl.ledger.Record(req.Model, usedCredID, result.inputTokens, result.outputTokens, keyInfo.ID, clientIP, userInput)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result.message)
}

func (rl *Relay) handleStream(ctx context.Context, w http.ResponseWriter, inbound http.Header, req *translate.Request, keyInfo *auth.KeyInfo, clientIP, userInput string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	var usedCredID int64
	result, err := tokenmanager.WithCredentialRestricted(ctx, rl.tm, boundCredentials(keyInfo), func(c *credential.Credential, client *http.Client) (*exchange, tokenmanager.CallOutcome) {
		usedCredID = c.ID
		upstream, err := translate.Translate(req, c.ProfileARN, rl.origin)
		if err != nil {
			return nil, tokenmanager.ServerError
		}

		// Idle timeout per chunk rather than a whole-request deadline: a
		// healthy stream may run for minutes, but silence for streamIdle
		// cancels the upstream read.
		streamCtx, cancelStream := context.WithCancel(ctx)
		defer cancelStream()
		idle := time.AfterFunc(rl.streamIdle, cancelStream)
		defer idle.Stop()

		httpResp, outcome, err := rl.sendUpstream(streamCtx, c, client, inbound, upstream)
		if err != nil {
			return nil, outcome
		}
		defer httpResp.Body.Close()

		// Headers are committed to the client only now that the upstream
		// has accepted the request, so no partial stream can leak from a
		// credential attempt that never produced a 200.
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		sseCh := make(chan response.SSEEvent, 16)
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for ev := range sseCh {
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
				flusher.Flush()
			}
		}()

		translator := response.NewStreamTranslator(sseCh)
		streamErr := drainStreaming(streamCtx, httpResp.Body, eventstream.New(eventstream.DefaultMaxFrameSize), translator, func() {
			idle.Reset(rl.streamIdle)
		})
		switch {
		case ctx.Err() != nil:
			translator.Finalize(ctx)
		case streamErr != nil:
			// Terminate the SSE cleanly with an abstracted error kind; the
			// decoder's exact failure stays in the logs, not the client.
			slog.Warn("stream decode error", "error", streamErr)
			_ = translator.Feed(ctx, &eventstream.Event{
				Kind:          "Error",
				UpstreamError: &eventstream.UpstreamError{Kind: "upstream_error", Message: "response stream ended unexpectedly"},
			})
		}
		close(sseCh)
		<-writeDone

		usage := translator.Usage()
		return &exchange{streamed: true, inputTokens: usage.InputTokens, outputTokens: usage.OutputTokens}, tokenmanager.Success
	})

	if err != nil {
		slog.Warn("streaming relay exhausted before upstream accepted", "error", err)
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no available credentials")
		return
	}

	rl.ledger.Record(req.Model, usedCredID, result.inputTokens, result.outputTokens, keyInfo.ID, clientIP, userInput)
}

// sendUpstream performs one upstream call and classifies the response into
// a CallOutcome. inbound is the already-whitelisted subset of the caller's
// headers; everything the upstream requires is stamped over it. A non-nil
// *http.Response is only returned on 200; callers that get a non-nil error
// must not read resp.
func (rl *Relay) sendUpstream(ctx context.Context, c *credential.Credential, client *http.Client, inbound http.Header, upstream *translate.Upstream) (*http.Response, tokenmanager.CallOutcome, error) {
	body, err := json.Marshal(upstream)
	if err != nil {
		return nil, tokenmanager.ServerError, err
	}

	endpoint := rl.chatEndpoint(c.EffectiveAPIRegion())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, tokenmanager.ServerError, err
	}
	if inbound != nil {
		httpReq.Header = inbound.Clone()
	}
	identity.SetUpstreamHeaders(httpReq.Header, c.AccessToken, c.MachineID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, tokenmanager.NetworkError, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, tokenmanager.Success, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drainAndClose(resp)
		return nil, tokenmanager.AuthExpired, fmt.Errorf("relay: upstream auth expired (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		drainAndClose(resp)
		return nil, tokenmanager.RateLimited, fmt.Errorf("relay: upstream rate limited")
	case resp.StatusCode >= 500:
		drainAndClose(resp)
		return nil, tokenmanager.ServerError, fmt.Errorf("relay: upstream server error (%d)", resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		status, sanitized := SanitizeError(resp.StatusCode, body)
		return nil, tokenmanager.ServerError, fmt.Errorf("relay: upstream %d: %s", status, sanitized)
	}
}

func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func drainBuffered(body io.Reader, dec *eventstream.Decoder, tr *response.BufferedTranslator) error {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				frame, ok, err := dec.Decode()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				tr.Feed(eventstream.DecodeEvent(frame))
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// drainStreaming pumps upstream bytes through the decoder into the
// translator. onChunk fires after every successful read so the caller can
// reset its idle timer.
func drainStreaming(ctx context.Context, body io.Reader, dec *eventstream.Decoder, tr *response.StreamTranslator, onChunk func()) error {
	buf := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if onChunk != nil {
				onChunk()
			}
			dec.Feed(buf[:n])
			for {
				frame, ok, err := dec.Decode()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				if err := tr.Feed(ctx, eventstream.DecodeEvent(frame)); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// boundCredentials converts a key's bound_credential_ids into the allow
// set the token manager's selection honours. nil means unrestricted.
func boundCredentials(keyInfo *auth.KeyInfo) map[int64]bool {
	if keyInfo == nil || len(keyInfo.BoundCredentialIDs) == 0 {
		return nil
	}
	allowed := make(map[int64]bool, len(keyInfo.BoundCredentialIDs))
	for _, s := range keyInfo.BoundCredentialIDs {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		allowed[id] = true
	}
	if len(allowed) == 0 {
		return nil
	}
	return allowed
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

// firstUserText extracts a short preview of the latest user message for the
// ledger's user_input field, best-effort and truncated.
func firstUserText(req *translate.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	last := req.Messages[len(req.Messages)-1]
	var asString string
	if json.Unmarshal(last.Content, &asString) == nil {
		return truncate(asString, 200)
	}
	var blocks []translate.ContentBlock
	if json.Unmarshal(last.Content, &blocks) == nil {
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				return truncate(b.Text, 200)
			}
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
