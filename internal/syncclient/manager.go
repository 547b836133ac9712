package syncclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/kiro-gateway/gateway/internal/credential"
)

// AuthState is the small persisted slice of sync state that survives
// restarts: the auto-registered account's bearer token and the last
// version this gateway has pulled up to.
type AuthState struct {
	Email            string `json:"email,omitempty"`
	Token            string `json:"token,omitempty"`
	LastSyncVersion  uint64 `json:"last_sync_version"`
}

// Manager drives Client on a schedule: ensures an auth token (the persisted
// one, or auto-register), then periodically pulls and pushes against the local
// Pool. The cycle itself is scheduled by the maintenance registrar.
type Manager struct {
	client      *Client
	pool        *credential.Pool
	statePath   string
	registerURL string

	mu    sync.Mutex
	state AuthState

	// notify, if set, mirrors push/conflict outcomes to the admin activity
	// feed. Optional; nil is a no-op.
	notify func(kind, message string)
}

// SetNotifier wires an activity-feed callback invoked after each sync cycle.
func (m *Manager) SetNotifier(fn func(kind, message string)) {
	m.notify = fn
}

func NewManager(client *Client, pool *credential.Pool, statePath, registerURL string) *Manager {
	return &Manager{client: client, pool: pool, statePath: statePath, registerURL: registerURL}
}

// LoadState restores persisted auth state, if any.
func (m *Manager) LoadState() error {
	data, err := os.ReadFile(m.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Unmarshal(data, &m.state)
}

func (m *Manager) saveStateLocked() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.statePath, data, 0o600)
}

// EnsureAuth reuses the persisted token if present (no login request is
// made), otherwise auto-registers a synthetic account with a generated email and password
// and persists the resulting token.
func (m *Manager) EnsureAuth(ctx context.Context) error {
	m.mu.Lock()
	hasToken := m.state.Token != ""
	m.mu.Unlock()
	if hasToken {
		m.client.SetToken(m.state.Token)
		return nil
	}
	return m.autoRegister(ctx)
}

func (m *Manager) autoRegister(ctx context.Context) error {
	email := fmt.Sprintf("kiro-%s@auto.local", randomHex(8))
	password := randomHex(8) // 16 hex chars

	endpoint := "/auth/register"
	if m.registerURL != "" {
		endpoint = m.registerURL
	}
	resp, err := m.client.do(ctx, "POST", endpoint, map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return fmt.Errorf("syncclient: auto-register: %w", err)
	}
	out, err := decodeJSON[struct {
		Token string `json:"token"`
	}](resp)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.state.Email = email
	m.state.Token = out.Token
	err = m.saveStateLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.client.SetToken(out.Token)
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Token returns the control-plane bearer token, empty until one has been
// loaded from the state file or EnsureAuth has registered.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Token
}

// Status returns the manager's registered email (empty if not yet
// registered) and the last version pulled up to.
func (m *Manager) Status() (email string, lastVersion uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Email, m.state.LastSyncVersion
}

// RunCycle performs one pull-then-push cycle: pull changes since the last
// known version, apply them to the pool, push the current snapshot, and
// record the resulting version. Conflicts are logged, not retried
// automatically: resolution is last-writer-wins with operator override
// via the admin surface.
func (m *Manager) RunCycle(ctx context.Context) error {
	m.mu.Lock()
	since := m.state.LastSyncVersion
	m.mu.Unlock()

	changes, err := m.client.GetChanges(ctx, since)
	if err != nil {
		return fmt.Errorf("syncclient: pull: %w", err)
	}
	if err := m.applyChanges(changes); err != nil {
		return fmt.Errorf("syncclient: apply changes: %w", err)
	}

	env := m.buildPushEnvelope()
	result, err := m.client.PushChanges(ctx, env)
	if err != nil {
		return fmt.Errorf("syncclient: push: %w", err)
	}
	if len(result.Conflicts) > 0 {
		slog.Warn("sync push reported conflicts", "conflicts", result.Conflicts)
		if m.notify != nil {
			m.notify("sync:conflict", fmt.Sprintf("%d conflicting ids on push", len(result.Conflicts)))
		}
	} else if m.notify != nil {
		m.notify("sync:push", "push completed")
	}

	m.mu.Lock()
	m.state.LastSyncVersion = result.CurrentVersion
	saveErr := m.saveStateLocked()
	m.mu.Unlock()
	return saveErr
}

// applyChanges merges a pulled envelope's token updates/deletes into the
// local Pool, respecting the data model's invariants (unique id, idc
// fields present) via Pool.Add/Update/Delete.
func (m *Manager) applyChanges(env *Envelope) error {
	if env == nil || env.Tokens == nil {
		return nil
	}
	for _, raw := range env.Tokens.Updated {
		var c credential.Credential
		if err := json.Unmarshal(raw, &c); err != nil {
			slog.Warn("sync: skipping malformed credential update", "error", err)
			continue
		}
		if _, ok := m.pool.Get(c.ID); ok {
			if err := m.pool.Update(c.ID, func(existing *credential.Credential) {
				*existing = c
			}); err != nil {
				slog.Warn("sync: applying update failed", "id", c.ID, "error", err)
			}
		} else if err := m.pool.Add(&c); err != nil {
			slog.Warn("sync: adding credential from sync failed", "id", c.ID, "error", err)
		}
	}
	for _, id := range env.Tokens.Deleted {
		if err := m.pool.Delete(id); err != nil {
			slog.Debug("sync: delete of already-absent credential", "id", id)
		}
	}
	return nil
}

// buildPushEnvelope snapshots the pool into the push shape.
func (m *Manager) buildPushEnvelope() *Envelope {
	all := m.pool.GetAll()
	updated := make([]json.RawMessage, 0, len(all))
	for _, c := range all {
		raw, err := json.Marshal(c)
		if err != nil {
			continue
		}
		updated = append(updated, raw)
	}
	return &Envelope{Tokens: &TokenChanges{Updated: updated}}
}
