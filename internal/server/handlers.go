package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kiro-gateway/gateway/internal/apikeys"
	"github.com/kiro-gateway/gateway/internal/auth"
	"github.com/kiro-gateway/gateway/internal/config"
	"github.com/kiro-gateway/gateway/internal/credential"
	"github.com/kiro-gateway/gateway/internal/events"
	"github.com/kiro-gateway/gateway/internal/identity"
	"github.com/kiro-gateway/gateway/internal/ledger"
	"github.com/kiro-gateway/gateway/internal/sharedproxy"
	"github.com/kiro-gateway/gateway/internal/tokenmanager"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"type": errTypeForStatus(status), "message": msg},
	})
}

func errTypeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

// --- credentials ---

// credentialView is a credential rendered for the admin list: secrets
// masked, status fields verbatim.
type credentialView struct {
	ID             int64  `json:"id"`
	AuthMethod     string `json:"auth_method"`
	RefreshToken   string `json:"refresh_token"`
	Email          string `json:"email,omitempty"`
	Region         string `json:"region,omitempty"`
	AuthRegion     string `json:"auth_region,omitempty"`
	APIRegion      string `json:"api_region,omitempty"`
	ProfileARN     string `json:"profile_arn,omitempty"`
	HasProxy       bool   `json:"has_proxy"`
	Priority       uint32 `json:"priority"`
	Disabled       bool   `json:"disabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
	FailureCount   int    `json:"failure_count"`
	TotalFailures  int64  `json:"total_failure_count"`
	SuccessCount   int64  `json:"success_count"`
	LastUsedAt     string `json:"last_used_at,omitempty"`
	TokenExpiresAt int64  `json:"token_expires_at,omitempty"`
	Current        bool   `json:"current"`
}

func (s *Server) credentialToView(c *credential.Credential) credentialView {
	v := credentialView{
		ID:             c.ID,
		AuthMethod:     string(c.AuthMethod),
		RefreshToken:   apikeys.Mask(c.RefreshToken),
		Email:          c.Email,
		Region:         c.Region,
		AuthRegion:     c.AuthRegion,
		APIRegion:      c.APIRegion,
		ProfileARN:     c.ProfileARN,
		HasProxy:       c.Proxy != nil,
		Priority:       c.Priority,
		Disabled:       c.Disabled,
		DisabledReason: c.DisabledReason,
		FailureCount:   c.FailureCount,
		TotalFailures:  c.TotalFailures,
		SuccessCount:   c.SuccessCount,
		TokenExpiresAt: c.ExpiresAt,
		Current:        c.ID == s.tm.CurrentCredentialID(),
	}
	if c.LastUsedAt != nil {
		v.LastUsedAt = humanize.Time(*c.LastUsedAt)
	}
	return v
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	all := s.pool.GetAll()
	views := make([]credentialView, len(all))
	for i, c := range all {
		views[i] = s.credentialToView(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": views})
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var c credential.Credential
	if err := decodeBody(r, &c); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if c.ID == 0 {
		c.ID = s.nextCredentialID()
	}
	if err := s.pool.Add(&c); err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Validate the new credential by refreshing once; a credential whose
	// refresh token the upstream rejects never enters the pool.
	if _, err := s.tm.ForceRefresh(r.Context(), c.ID); err != nil {
		_ = s.pool.Delete(c.ID)
		writeAdminError(w, http.StatusBadRequest, fmt.Sprintf("credential validation refresh failed: %v", err))
		return
	}

	fresh, _ := s.pool.Get(c.ID)
	s.bus.Publish(events.Event{Type: events.EventCredentialRefresh, CredentialID: c.ID, Message: "credential added"})
	writeJSON(w, http.StatusCreated, s.credentialToView(fresh))
}

func (s *Server) nextCredentialID() int64 {
	var max int64
	for _, c := range s.pool.GetAll() {
		if c.ID > max {
			max = c.ID
		}
	}
	return max + 1
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid credential id")
		return
	}
	if err := s.pool.Delete(id); err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}
	s.factory.Forget(strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleSetCredentialDisabled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid credential id")
		return
	}
	var body struct {
		Disabled bool `json:"disabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.pool.SetDisabled(id, body.Disabled); err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}
	if body.Disabled {
		s.bus.Publish(events.Event{Type: events.EventCredentialDisabled, CredentialID: id, Message: "disabled by operator"})
	} else {
		s.bus.Publish(events.Event{Type: events.EventCredentialRecover, CredentialID: id, Message: "enabled by operator"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "disabled": body.Disabled})
}

func (s *Server) handleSetCredentialPriority(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid credential id")
		return
	}
	var body struct {
		Priority uint32 `json:"priority"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.pool.SetPriority(id, body.Priority); err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "priority": body.Priority})
}

func (s *Server) handleSetCredentialPrimary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid credential id")
		return
	}
	if err := s.pool.SetPrimary(id); err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "priority": 0})
}

func (s *Server) handleResetCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid credential id")
		return
	}
	if err := s.pool.Reset(id); err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}
	s.bus.Publish(events.Event{Type: events.EventCredentialRecover, CredentialID: id, Message: "reset by operator"})
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "reset": true})
}

func (s *Server) handleCredentialBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid credential id")
		return
	}
	if _, ok := s.pool.Get(id); !ok {
		writeAdminError(w, http.StatusNotFound, "no such credential")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	balance, err := s.tm.GetBalance(r.Context(), id, force)
	if err == tokenmanager.ErrBalanceUnsupported {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "supported": false})
		return
	}
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "supported": true, "balance": balance})
}

// --- config ---

func (s *Server) handleGetLoadBalancing(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.RLock()
	mode := s.cfgFile.LoadBalancing
	s.cfgMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]string{"load_balancing": mode})
}

func (s *Server) handlePutLoadBalancing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LoadBalancing string `json:"load_balancing"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	mode := credential.LoadBalancingMode(body.LoadBalancing)
	if mode != credential.ModePriority && mode != credential.ModeBalanced {
		writeAdminError(w, http.StatusBadRequest, "load_balancing must be priority or balanced")
		return
	}

	s.selector.SetMode(mode)

	s.cfgMu.Lock()
	s.cfgFile.LoadBalancing = string(mode)
	err := config.Save(s.cfgPath, s.cfgFile)
	s.cfgMu.Unlock()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"load_balancing": string(mode)})
}

func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	cfg, version := s.proxy.Get()
	view := map[string]any{"version": version}
	if cfg != nil {
		masked := *cfg
		masked.Password = ""
		view["proxy"] = masked
	} else {
		view["proxy"] = nil
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePutProxy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Proxy *sharedproxy.Config `json:"proxy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Proxy != nil {
		switch body.Proxy.Type {
		case "http", "https", "socks5":
		default:
			writeAdminError(w, http.StatusBadRequest, "proxy type must be http, https or socks5")
			return
		}
		if body.Proxy.Host == "" || body.Proxy.Port <= 0 {
			writeAdminError(w, http.StatusBadRequest, "proxy host and port are required")
			return
		}
	}

	s.proxy.Set(body.Proxy)

	s.cfgMu.Lock()
	s.cfgFile.Proxy = body.Proxy
	err := config.Save(s.cfgPath, s.cfgFile)
	s.cfgMu.Unlock()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": s.proxy.Version()})
}

// --- token usage ---

func (s *Server) handleTokenUsage(w http.ResponseWriter, r *http.Request) {
	stats := s.ledgerS.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        stats,
		"total_tokens": humanize.Comma(stats.Global.InputTokens + stats.Global.OutputTokens),
		"uptime":       humanize.Time(s.startTime),
	})
}

func (s *Server) handleTokenUsageReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ledgerS.Reset(); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *Server) handleTokenUsageTimeseries(w http.ResponseWriter, r *http.Request) {
	g := ledger.Granularity(r.URL.Query().Get("granularity"))
	switch g {
	case ledger.GranularityHour, ledger.GranularityDay, ledger.GranularityWeek:
	case "":
		g = ledger.GranularityHour
	default:
		writeAdminError(w, http.StatusBadRequest, "granularity must be hour, day or week")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"granularity": g,
		"buckets":     s.ledgerS.GetTimeseries(g, time.Now().UTC()),
	})
}

// --- API keys ---

type apiKeyView struct {
	ID                 string   `json:"id"`
	Key                string   `json:"key"`
	Label              string   `json:"label"`
	ReadOnly           bool     `json:"read_only"`
	AllowedModels      []string `json:"allowed_models,omitempty"`
	BoundCredentialIDs []string `json:"bound_credential_ids,omitempty"`
	Disabled           bool     `json:"disabled"`
	CreatedAt          string   `json:"created_at"`
}

func apiKeyToView(k *apikeys.Key, masked bool) apiKeyView {
	key := k.Key
	if masked {
		key = apikeys.Mask(k.Key)
	}
	return apiKeyView{
		ID:                 k.ID,
		Key:                key,
		Label:              k.Label,
		ReadOnly:           k.ReadOnly,
		AllowedModels:      k.AllowedModels,
		BoundCredentialIDs: k.BoundCredentialIDs,
		Disabled:           k.Disabled,
		CreatedAt:          k.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	all := s.keys.List()
	views := make([]apiKeyView, len(all))
	for i, k := range all {
		views[i] = apiKeyToView(k, true)
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": views})
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key                string   `json:"key,omitempty"`
		Label              string   `json:"label"`
		ReadOnly           bool     `json:"read_only"`
		AllowedModels      []string `json:"allowed_models,omitempty"`
		BoundCredentialIDs []string `json:"bound_credential_ids,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Label == "" {
		writeAdminError(w, http.StatusBadRequest, "label is required")
		return
	}
	k, err := s.keys.Create(body.Key, body.Label, body.ReadOnly, body.AllowedModels, body.BoundCredentialIDs)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The full key is returned exactly once, at creation.
	writeJSON(w, http.StatusCreated, apiKeyToView(k, false))
}

func (s *Server) handleGetAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	k, ok := s.keys.Get(id)
	if !ok {
		writeAdminError(w, http.StatusNotFound, "no such API key")
		return
	}
	totals, _ := s.ledgerS.GetStatsForAPIKey(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"api_key": apiKeyToView(k, true),
		"usage":   totals,
	})
}

func (s *Server) handleUpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Label              *string   `json:"label,omitempty"`
		ReadOnly           *bool     `json:"read_only,omitempty"`
		AllowedModels      *[]string `json:"allowed_models,omitempty"`
		BoundCredentialIDs *[]string `json:"bound_credential_ids,omitempty"`
		Disabled           *bool     `json:"disabled,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	k, err := s.keys.Update(id, func(k *apikeys.Key) {
		if body.Label != nil {
			k.Label = *body.Label
		}
		if body.ReadOnly != nil {
			k.ReadOnly = *body.ReadOnly
		}
		if body.AllowedModels != nil {
			k.AllowedModels = *body.AllowedModels
		}
		if body.BoundCredentialIDs != nil {
			k.BoundCredentialIDs = *body.BoundCredentialIDs
		}
		if body.Disabled != nil {
			k.Disabled = *body.Disabled
		}
	})
	if err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, apiKeyToView(k, true))
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.keys.Get(id); !ok {
		writeAdminError(w, http.StatusNotFound, "no such API key")
		return
	}
	if err := s.keys.Delete(id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// --- user surface ---

func (s *Server) handleUserUsage(w http.ResponseWriter, r *http.Request) {
	keyInfo := auth.GetKeyInfo(r.Context())
	if keyInfo == nil {
		writeAdminError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	if keyInfo.ID == "admin" {
		writeJSON(w, http.StatusOK, map[string]any{"stats": s.ledgerS.GetStats()})
		return
	}
	totals, records := s.ledgerS.GetStatsForAPIKey(keyInfo.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"totals":  totals,
		"records": records,
	})
}

func (s *Server) handleConnectivityTest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode  string `json:"mode"`
		Model string `json:"model,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch body.Mode {
	case "", "anthropic", "openai":
	default:
		writeAdminError(w, http.StatusBadRequest, "mode must be anthropic or openai")
		return
	}
	result := s.relay.ConnectivityProbe(r.Context(), body.Model)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

// --- sync + device channel ---

func (s *Server) handleGetSyncConfig(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.RLock()
	sync := s.cfgFile.Sync
	s.cfgMu.RUnlock()
	if sync == nil {
		sync = &config.SyncFile{}
	}
	writeJSON(w, http.StatusOK, sync)
}

func (s *Server) handlePostSyncConfig(w http.ResponseWriter, r *http.Request) {
	var body config.SyncFile
	if err := decodeBody(r, &body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Enabled && body.ServerURL == "" {
		writeAdminError(w, http.StatusBadRequest, "server_url is required when sync is enabled")
		return
	}

	s.cfgMu.Lock()
	s.cfgFile.Sync = &body
	err := config.Save(s.cfgPath, s.cfgFile)
	s.cfgMu.Unlock()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The sync loop and device channel pick the new block up on restart;
	// report that so the operator isn't left guessing.
	writeJSON(w, http.StatusOK, map[string]any{"saved": true, "restart_required": true})
}

func (s *Server) handleGetSyncDevice(w http.ResponseWriter, r *http.Request) {
	dev := identity.LocalDevice()
	view := map[string]any{
		"device_id":    dev.ID,
		"device_name":  dev.Name,
		"device_type":  dev.Type,
		"account_type": dev.AccountType,
		"state":        "disabled",
	}
	if s.deviceCh != nil {
		view["state"] = s.deviceCh.State().String()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListSyncDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.dataStore.ListDevices(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleSyncTest(w http.ResponseWriter, r *http.Request) {
	if s.syncClient == nil {
		writeAdminError(w, http.StatusBadRequest, "sync is not configured")
		return
	}
	start := time.Now()
	if err := s.syncClient.TestConnection(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "latency_ms": time.Since(start).Milliseconds()})
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if s.syncMgr == nil {
		writeAdminError(w, http.StatusBadRequest, "sync is not configured")
		return
	}
	if err := s.syncMgr.EnsureAuth(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if err := s.syncMgr.RunCycle(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error()})
		return
	}
	_, version := s.syncMgr.Status()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "current_version": version})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	view := map[string]any{"enabled": s.syncMgr != nil}
	if s.syncMgr != nil {
		email, version := s.syncMgr.Status()
		view["email"] = email
		view["last_sync_version"] = version
	}
	if s.deviceCh != nil {
		view["device_state"] = s.deviceCh.State().String()
	}
	writeJSON(w, http.StatusOK, view)
}

// --- logs ---

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lines := queryInt(q.Get("lines"), 0)
	level := strings.ToUpper(q.Get("level"))
	page := queryInt(q.Get("page"), 1)
	pageSize := queryInt(q.Get("pageSize"), 100)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 1000 {
		pageSize = 100
	}

	all := s.logH.Recent()
	if level != "" {
		filtered := all[:0:0]
		for _, l := range all {
			if strings.EqualFold(l.Level, level) {
				filtered = append(filtered, l)
			}
		}
		all = filtered
	}
	if lines > 0 && len(all) > lines {
		all = all[len(all)-lines:]
	}

	total := len(all)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"logs":     all[start:end],
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

func queryInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
