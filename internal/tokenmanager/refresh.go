package tokenmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiro-gateway/gateway/internal/credential"
)

// refreshResponse mirrors the token fields both the social and IdC OAuth
// endpoints return. The two endpoints disagree on field casing, so both
// spellings are accepted and normalized here.
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`

	// IdC/OIDC shape uses the OAuth2-standard names instead.
	AccessTokenAlt  string `json:"access_token"`
	RefreshTokenAlt string `json:"refresh_token"`
	ExpiresInAlt    int64  `json:"expires_in"`
}

func (r refreshResponse) access() string {
	if r.AccessToken != "" {
		return r.AccessToken
	}
	return r.AccessTokenAlt
}

func (r refreshResponse) refresh() string {
	if r.RefreshToken != "" {
		return r.RefreshToken
	}
	return r.RefreshTokenAlt
}

func (r refreshResponse) expiresIn() int64 {
	if r.ExpiresIn != 0 {
		return r.ExpiresIn
	}
	return r.ExpiresInAlt
}

// EnsureFreshAccessToken returns a valid access token for id, refreshing it
// first if it is missing or within the configured safety margin of expiry.
func (m *Manager) EnsureFreshAccessToken(ctx context.Context, id int64) (string, error) {
	c, ok := m.pool.Get(id)
	if !ok {
		return "", fmt.Errorf("tokenmanager: no such credential %d", id)
	}
	if !c.IsExpiring(time.Now(), m.cfg.RefreshSafetyMargin) {
		return c.AccessToken, nil
	}
	return m.refresh(ctx, id, false)
}

// refresh performs a single, serialized (per-credential) OAuth refresh.
// force bypasses the expiry check, used when the upstream itself reports
// the token is no longer accepted (AuthExpired outcome) even though our
// local bookkeeping thought it was still fresh.
func (m *Manager) refresh(ctx context.Context, id int64, force bool) (string, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	c, ok := m.pool.Get(id)
	if !ok {
		return "", fmt.Errorf("tokenmanager: no such credential %d", id)
	}

	// Another goroutine may have refreshed while we waited for the lock.
	if !force && !c.IsExpiring(time.Now(), m.cfg.RefreshSafetyMargin) {
		return c.AccessToken, nil
	}

	resp, err := m.callOAuthRefresh(ctx, c)
	if err != nil {
		m.markRefreshError(id, err)
		return "", err
	}

	now := time.Now()
	expiresAt := now.Add(time.Duration(resp.expiresIn()) * time.Second).UnixMilli()
	newAccess := resp.access()
	newRefresh := resp.refresh()

	updErr := m.pool.Update(id, func(cred *credential.Credential) {
		cred.AccessToken = newAccess
		cred.ExpiresAt = expiresAt
		if newRefresh != "" {
			cred.RefreshToken = newRefresh
		}
		cred.FailureCount = 0
		cred.CooldownUntil = nil
	})
	if updErr != nil {
		return "", updErr
	}
	m.emit("credential:refresh", id, "access token refreshed")
	return newAccess, nil
}

// ForceRefresh bypasses the expiry check entirely, for admin-triggered
// manual refreshes.
func (m *Manager) ForceRefresh(ctx context.Context, id int64) (string, error) {
	return m.refresh(ctx, id, true)
}

// callOAuthRefresh dispatches to the social or IdC refresh endpoint
// depending on the credential's auth method.
func (m *Manager) callOAuthRefresh(ctx context.Context, c *credential.Credential) (refreshResponse, error) {
	switch c.AuthMethod {
	case credential.AuthIDC:
		return m.callIDCRefresh(ctx, c)
	default:
		return m.callSocialRefresh(ctx, c)
	}
}

func (m *Manager) callSocialRefresh(ctx context.Context, c *credential.Credential) (refreshResponse, error) {
	endpoint := m.oauth.SocialRefreshURL(c.EffectiveAuthRegion())
	body, _ := json.Marshal(map[string]string{
		"refreshToken": c.RefreshToken,
	})
	return m.postOAuth(ctx, c, endpoint, "application/json", strings.NewReader(string(body)))
}

func (m *Manager) callIDCRefresh(ctx context.Context, c *credential.Credential) (refreshResponse, error) {
	endpoint := m.oauth.IDCRefreshURL(c.EffectiveAuthRegion())
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {c.RefreshToken},
		"client_id":     {c.ClientID},
		"client_secret": {c.ClientSecret},
	}
	return m.postOAuth(ctx, c, endpoint, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

func (m *Manager) postOAuth(ctx context.Context, c *credential.Credential, endpoint, contentType string, body *strings.Reader) (refreshResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OAuthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return refreshResponse{}, fmt.Errorf("tokenmanager: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	// Refresh rides the same factory-built client as chat calls, so a
	// credential's proxy override applies to its token refreshes too.
	client, err := m.factory.For(fmt.Sprintf("%d", c.ID), c.Proxy)
	if err != nil {
		return refreshResponse{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return refreshResponse{}, fmt.Errorf("tokenmanager: refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return refreshResponse{}, fmt.Errorf("tokenmanager: refresh endpoint returned %d", resp.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return refreshResponse{}, fmt.Errorf("tokenmanager: decode refresh response: %w", err)
	}
	if out.access() == "" {
		return refreshResponse{}, fmt.Errorf("tokenmanager: refresh response missing access token")
	}
	return out, nil
}

// markRefreshError records a failed refresh attempt as a NetworkError-class
// failure against the failure-accounting counters.
func (m *Manager) markRefreshError(id int64, cause error) {
	_ = m.pool.Update(id, func(c *credential.Credential) {
		c.FailureCount++
		c.TotalFailures++
		m.maybeDisable(c, fmt.Sprintf("refresh failed: %v", cause))
	})
}

// GetBalance is a placeholder hook for upstream account-balance lookups
// (used by the admin façade's per-credential status view). force bypasses
// any future caching layer. Not every upstream exposes a balance; callers
// treat ErrBalanceUnsupported as "unknown, not an error".
func (m *Manager) GetBalance(ctx context.Context, id int64, force bool) (string, error) {
	return "", ErrBalanceUnsupported
}

var ErrBalanceUnsupported = fmt.Errorf("tokenmanager: balance lookup not supported for this credential")
