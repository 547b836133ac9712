package tokenmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiro-gateway/gateway/internal/credential"
	"github.com/kiro-gateway/gateway/internal/httpclient"
	"github.com/kiro-gateway/gateway/internal/sharedproxy"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Pause401 = 0
	cfg.Pause403 = 0
	cfg.Pause429 = 0
	cfg.Pause529 = 0
	return cfg
}

func newTestManager(t *testing.T, refreshHandler http.HandlerFunc, creds ...*credential.Credential) (*Manager, *credential.Pool) {
	t.Helper()

	pool, err := credential.Load(filepath.Join(t.TempDir(), "credentials.json"), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, c := range creds {
		if err := pool.Add(c); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	var refreshURL string
	if refreshHandler != nil {
		srv := httptest.NewServer(refreshHandler)
		t.Cleanup(srv.Close)
		refreshURL = srv.URL
	}

	selector := credential.NewSelector(pool, credential.ModePriority)
	factory := httpclient.NewFactory(sharedproxy.New(nil), 5*time.Second, httpclient.BackendRustls)
	m := New(pool, selector, factory, testConfig(), OAuthEndpoints{
		SocialRefreshURL: func(string) string { return refreshURL },
		IDCRefreshURL:    func(string) string { return refreshURL },
	})
	return m, pool
}

func staleCred(id int64) *credential.Credential {
	return &credential.Credential{ID: id, AuthMethod: credential.AuthSocial, RefreshToken: "rt"}
}

func freshCred(id int64) *credential.Credential {
	c := staleCred(id)
	c.AccessToken = "fresh-token"
	c.ExpiresAt = time.Now().Add(time.Hour).UnixMilli()
	return c
}

func TestEnsureFreshSkipsRefreshWhenTokenValid(t *testing.T) {
	var calls atomic.Int64
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "new", "expiresIn": 3600})
	}, freshCred(1))

	tok, err := m.EnsureFreshAccessToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("EnsureFreshAccessToken: %v", err)
	}
	if tok != "fresh-token" {
		t.Fatalf("token = %q, want cached fresh-token", tok)
	}
	if calls.Load() != 0 {
		t.Fatalf("refresh endpoint called %d times for a fresh token", calls.Load())
	}
}

func TestConcurrentRefreshPerformsOneCall(t *testing.T) {
	var calls atomic.Int64
	m, pool := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "refreshed", "expiresIn": 3600})
	}, staleCred(1))

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	toks := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			toks[i], errs[i] = m.EnsureFreshAccessToken(context.Background(), 1)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if toks[i] != "refreshed" {
			t.Fatalf("caller %d got token %q", i, toks[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("refresh endpoint called %d times, want 1", got)
	}

	c, _ := pool.Get(1)
	if c.AccessToken != "refreshed" {
		t.Fatalf("pool not updated: %q", c.AccessToken)
	}
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	m, pool := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "at2",
			"refreshToken": "rt2",
			"expiresIn":    3600,
		})
	}, staleCred(1))

	if _, err := m.EnsureFreshAccessToken(context.Background(), 1); err != nil {
		t.Fatalf("EnsureFreshAccessToken: %v", err)
	}
	c, _ := pool.Get(1)
	if c.RefreshToken != "rt2" {
		t.Fatalf("refresh token not rotated: %q", c.RefreshToken)
	}
}

func TestWithCredentialSuccessUpdatesStats(t *testing.T) {
	m, pool := newTestManager(t, nil, freshCred(1))

	got, err := WithCredential(context.Background(), m, func(c *credential.Credential, client *http.Client) (int64, CallOutcome) {
		return c.ID, Success
	})
	if err != nil {
		t.Fatalf("WithCredential: %v", err)
	}
	if got != 1 {
		t.Fatalf("served by %d, want 1", got)
	}
	if m.CurrentCredentialID() != 1 {
		t.Fatalf("current = %d, want 1", m.CurrentCredentialID())
	}

	c, _ := pool.Get(1)
	if c.SuccessCount != 1 || c.FailureCount != 0 || c.LastUsedAt == nil {
		t.Fatalf("stats not updated: %+v", c)
	}
}

func TestWithCredentialRotatesOnFailure(t *testing.T) {
	m, pool := newTestManager(t, nil, freshCred(1), func() *credential.Credential {
		c := freshCred(2)
		c.Priority = 1
		return c
	}())

	var tried []int64
	got, err := WithCredential(context.Background(), m, func(c *credential.Credential, client *http.Client) (int64, CallOutcome) {
		tried = append(tried, c.ID)
		if c.ID == 1 {
			return 0, ServerError
		}
		return c.ID, Success
	})
	if err != nil {
		t.Fatalf("WithCredential: %v", err)
	}
	if got != 2 {
		t.Fatalf("served by %d, want rotation to 2", got)
	}
	if len(tried) != 2 || tried[0] != 1 || tried[1] != 2 {
		t.Fatalf("attempt order = %v", tried)
	}

	c1, _ := pool.Get(1)
	if c1.FailureCount != 1 || c1.TotalFailures != 1 {
		t.Fatalf("failure not accounted on 1: %+v", c1)
	}
}

func TestWithCredentialRestrictedHonoursAllowList(t *testing.T) {
	m, _ := newTestManager(t, nil, freshCred(1), func() *credential.Credential {
		c := freshCred(2)
		c.Priority = 1
		return c
	}())

	got, err := WithCredentialRestricted(context.Background(), m, map[int64]bool{2: true}, func(c *credential.Credential, client *http.Client) (int64, CallOutcome) {
		return c.ID, Success
	})
	if err != nil {
		t.Fatalf("WithCredentialRestricted: %v", err)
	}
	if got != 2 {
		t.Fatalf("served by %d, want bound credential 2 despite 1 being preferred", got)
	}
}

func TestAuthExpiredRefreshesOnceThenRotates(t *testing.T) {
	var refreshes atomic.Int64
	m, pool := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "refreshed", "expiresIn": 3600})
	}, freshCred(1), func() *credential.Credential {
		c := freshCred(2)
		c.Priority = 1
		return c
	}())

	// Credential 1 keeps returning 401 even after its refresh; 2 is healthy.
	var tried []int64
	got, err := WithCredential(context.Background(), m, func(c *credential.Credential, client *http.Client) (int64, CallOutcome) {
		tried = append(tried, c.ID)
		if c.ID == 1 {
			return 0, AuthExpired
		}
		return c.ID, Success
	})
	if err != nil {
		t.Fatalf("WithCredential: %v", err)
	}
	if got != 2 {
		t.Fatalf("served by %d, want rotation to 2", got)
	}
	// 1 is tried, refreshed, retried once, then rotated away from.
	want := []int64{1, 1, 2}
	if len(tried) != len(want) || tried[0] != 1 || tried[1] != 1 || tried[2] != 2 {
		t.Fatalf("attempt order = %v, want %v", tried, want)
	}
	if refreshes.Load() != 1 {
		t.Fatalf("refresh endpoint called %d times, want 1", refreshes.Load())
	}

	c1, _ := pool.Get(1)
	if c1.FailureCount < 1 {
		t.Fatalf("failure_count = %d after post-refresh 401, want >= 1", c1.FailureCount)
	}
}

func TestConsecutiveFailuresDisableCredential(t *testing.T) {
	m, pool := newTestManager(t, nil, freshCred(1))

	for i := 0; i < failureThreshold; i++ {
		_, _ = WithCredential(context.Background(), m, func(c *credential.Credential, client *http.Client) (int, CallOutcome) {
			return 0, NetworkError
		})
	}

	c, _ := pool.Get(1)
	if !c.Disabled {
		t.Fatalf("credential not disabled after %d failures: %+v", failureThreshold, c)
	}
	if c.FailureCount < failureThreshold {
		t.Fatalf("failure_count = %d, want >= %d", c.FailureCount, failureThreshold)
	}

	if _, err := WithCredential(context.Background(), m, func(c *credential.Credential, client *http.Client) (int, CallOutcome) {
		return 0, Success
	}); err == nil {
		t.Fatal("expected no-available-credentials error once the only credential is disabled")
	}
}
