// Package tokenmanager is the outbound-side decision core: credential
// selection, OAuth-style refresh, failure accounting and rotation over a
// credential.Pool.
package tokenmanager

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kiro-gateway/gateway/internal/credential"
	"github.com/kiro-gateway/gateway/internal/httpclient"
)

// Config bundles the manager's tunables.
type Config struct {
	RefreshSafetyMargin time.Duration // default 120s
	RequestTimeout      time.Duration // default 30s, non-streaming
	Pause401            time.Duration
	Pause403            time.Duration
	Pause429            time.Duration
	Pause529            time.Duration
	OAuthTimeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		RefreshSafetyMargin: 120 * time.Second,
		RequestTimeout:      30 * time.Second,
		Pause401:            30 * time.Minute,
		Pause403:            10 * time.Minute,
		Pause429:            60 * time.Second,
		Pause529:            5 * time.Minute,
		OAuthTimeout:        30 * time.Second,
	}
}

// Manager is the decision core on the outbound side. It holds the pool, a
// per-credential refresh mutex set (refresh is serialized within a
// credential but parallel across credentials), and the "current"
// credential pointer consumed by admin/status views.
type Manager struct {
	pool     *credential.Pool
	selector *credential.Selector
	factory  *httpclient.Factory
	cfg      Config

	refreshMu sync.Mutex
	refreshLocks map[int64]*sync.Mutex

	currentMu sync.RWMutex
	current   int64

	oauth OAuthEndpoints

	// notify, if set, mirrors disable/refresh transitions to the admin
	// activity feed. kind is an events.EventType string so this package
	// doesn't need to import internal/events.
	notify func(kind string, credentialID int64, message string)
}

// SetNotifier wires an activity-feed callback invoked on credential
// disable and successful refresh. Optional; nil is a no-op.
func (m *Manager) SetNotifier(fn func(kind string, credentialID int64, message string)) {
	m.notify = fn
}

func (m *Manager) emit(kind string, credentialID int64, message string) {
	if m.notify != nil {
		m.notify(kind, credentialID, message)
	}
}

// OAuthEndpoints holds the refresh endpoint URLs by auth method, templated
// with the credential's effective auth region.
type OAuthEndpoints struct {
	SocialRefreshURL func(region string) string
	IDCRefreshURL    func(region string) string
}

func New(pool *credential.Pool, selector *credential.Selector, factory *httpclient.Factory, cfg Config, oauth OAuthEndpoints) *Manager {
	return &Manager{
		pool:         pool,
		selector:     selector,
		factory:      factory,
		cfg:          cfg,
		refreshLocks: make(map[int64]*sync.Mutex),
		oauth:        oauth,
	}
}

// CurrentCredentialID returns the id of the credential last successfully
// used, or 0 if none yet.
func (m *Manager) CurrentCredentialID() int64 {
	m.currentMu.RLock()
	defer m.currentMu.RUnlock()
	return m.current
}

func (m *Manager) setCurrent(id int64) {
	m.currentMu.Lock()
	m.current = id
	m.currentMu.Unlock()
}

func (m *Manager) lockFor(id int64) *sync.Mutex {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	l, ok := m.refreshLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.refreshLocks[id] = l
	}
	return l
}

// WithCredential selects a credential per the configured load-balancing
// mode, lends the caller a freshly built client for it, and updates stats
// from the outcome the caller reports. After any failed call it retries, on
// other credentials or once on the same credential after a forced refresh,
// for up to maxRetryAlternatives further attempts before giving up.
//
// Go methods can't carry their own type parameters, so the generic entry
// point is the package-level WithCredential function below; this method is
// its non-generic core.
func (m *Manager) withCredential(ctx context.Context, allowed map[int64]bool, op func(*credential.Credential, *http.Client) (CallOutcome, error)) (*credential.Credential, error) {
	exclude := make(map[int64]bool)
	if allowed != nil {
		// An API key bound to specific credentials never routes outside
		// them; everything else is excluded before selection starts.
		for _, c := range m.pool.GetAll() {
			if !allowed[c.ID] {
				exclude[c.ID] = true
			}
		}
	}

	// Ids already force-refreshed once during this request: a second 401
	// from one of them means the credential itself is failing, not just a
	// stale token.
	refreshed := make(map[int64]bool)

	for attempt := 0; attempt <= maxRetryAlternatives; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		cred, ok := m.selector.Select(exclude, time.Now())
		if !ok {
			return nil, fmt.Errorf("tokenmanager: no available credentials")
		}

		accessToken, err := m.EnsureFreshAccessToken(ctx, cred.ID)
		if err != nil {
			exclude[cred.ID] = true
			continue
		}
		_ = accessToken // callers read the token back off the pool via cred.AccessToken

		fresh, _ := m.pool.Get(cred.ID)
		client, err := m.factory.For(fmt.Sprintf("%d", fresh.ID), fresh.Proxy)
		if err != nil {
			exclude[cred.ID] = true
			continue
		}

		outcome, opErr := op(fresh, client)
		m.recordOutcome(fresh.ID, outcome)

		if outcome == Success {
			m.setCurrent(fresh.ID)
			return fresh, opErr
		}

		if outcome == AuthExpired {
			if refreshed[fresh.ID] {
				_ = m.pool.Update(fresh.ID, func(c *credential.Credential) {
					c.FailureCount++
					c.TotalFailures++
					m.maybeDisable(c, "auth rejected after refresh")
				})
				exclude[fresh.ID] = true
				continue
			}
			if _, rerr := m.refresh(ctx, fresh.ID, true); rerr != nil {
				exclude[fresh.ID] = true
				continue
			}
			// Refreshed; retry the same credential once with the new token.
			refreshed[fresh.ID] = true
			continue
		}

		// RateLimited / ServerError / NetworkError: rotate away for this
		// cycle regardless of whether the credential tripped its disable
		// threshold.
		exclude[fresh.ID] = true
		if attempt == maxRetryAlternatives {
			if opErr != nil {
				return nil, opErr
			}
			return nil, fmt.Errorf("tokenmanager: exhausted %d alternative credentials (last outcome %v)", maxRetryAlternatives, outcome)
		}
	}

	return nil, fmt.Errorf("tokenmanager: exhausted %d alternative credentials", maxRetryAlternatives)
}

// WithCredential is the generic entry point: op reports the value the
// caller wants returned (e.g. the HTTP response) alongside the CallOutcome
// used for failure accounting.
func WithCredential[R any](ctx context.Context, m *Manager, op func(*credential.Credential, *http.Client) (R, CallOutcome)) (R, error) {
	return WithCredentialRestricted(ctx, m, nil, op)
}

// WithCredentialRestricted is WithCredential with an allow-list: when
// allowed is non-nil, only credentials whose id it contains are eligible
// for selection. Used for API keys carrying bound_credential_ids.
func WithCredentialRestricted[R any](ctx context.Context, m *Manager, allowed map[int64]bool, op func(*credential.Credential, *http.Client) (R, CallOutcome)) (R, error) {
	var result R
	var outErr error
	_, err := m.withCredential(ctx, allowed, func(c *credential.Credential, client *http.Client) (CallOutcome, error) {
		r, outcome := op(c, client)
		result = r
		return outcome, nil
	})
	if err != nil {
		outErr = err
	}
	return result, outErr
}

// recordOutcome applies the failure-accounting transition for one call.
func (m *Manager) recordOutcome(id int64, outcome CallOutcome) {
	now := time.Now().UTC()
	_ = m.pool.Update(id, func(c *credential.Credential) {
		switch outcome {
		case Success:
			c.FailureCount = 0
			c.SuccessCount++
			c.LastUsedAt = &now
		case AuthExpired:
			// Accounted by the retry loop, which knows whether a refresh
			// already happened this request: a 401 with a stale token is
			// not a credential failure, a 401 right after a refresh is.
		case RateLimited:
			c.FailureCount++
			c.TotalFailures++
			until := now.Add(m.cfg.Pause429)
			c.CooldownUntil = &until
			m.maybeDisable(c, "rate limited")
		case ServerError:
			c.FailureCount++
			c.TotalFailures++
			until := now.Add(m.cfg.Pause529)
			c.CooldownUntil = &until
			m.maybeDisable(c, "server error")
		case NetworkError:
			c.FailureCount++
			c.TotalFailures++
			m.maybeDisable(c, "network error")
		}
	})
}

func (m *Manager) maybeDisable(c *credential.Credential, reason string) {
	if c.FailureCount >= failureThreshold {
		c.Disabled = true
		c.DisabledReason = reason
		m.emit("credential:disabled", c.ID, reason)
	}
}
