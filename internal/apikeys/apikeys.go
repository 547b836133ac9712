// Package apikeys is the inbound-credential store: CRUD over API keys plus
// constant-time authentication, independent of position in the store.
package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// Key is a full API key entry, including the opaque key itself. Persisted
// verbatim in api_keys.json.
type Key struct {
	ID                 string    `json:"id"`
	Key                string    `json:"key"`
	Label              string    `json:"label"`
	ReadOnly           bool      `json:"read_only"`
	AllowedModels      []string  `json:"allowed_models,omitempty"` // nil = all models
	BoundCredentialIDs []string  `json:"bound_credential_ids,omitempty"`
	Disabled           bool      `json:"disabled"`
	CreatedAt          time.Time `json:"created_at"`
}

// Info is the caller-facing view returned after authentication: never the
// key itself.
type Info struct {
	ID                 string
	Label              string
	ReadOnly           bool
	AllowedModels      []string
	BoundCredentialIDs []string
}

// Store is the in-memory, JSON-file-backed API key store.
type Store struct {
	mu    sync.RWMutex
	path  string
	byID  map[string]*Key
	globs map[string][]glob.Glob // keyID -> compiled AllowedModels patterns
}

// New loads the store from path, migrating a legacy single-key value if the
// file is absent and legacyKey is non-empty.
func New(path string, legacyKey string) (*Store, error) {
	s := &Store{path: path, byID: make(map[string]*Key), globs: make(map[string][]glob.Glob)}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var keys []*Key
		if err := json.Unmarshal(data, &keys); err != nil {
			return nil, fmt.Errorf("apikeys: parse %s: %w", path, err)
		}
		for _, k := range keys {
			s.byID[k.ID] = k
			s.compileGlobs(k)
		}
	case os.IsNotExist(err):
		if legacyKey != "" {
			k := &Key{
				ID:        uuid.New().String(),
				Key:       legacyKey,
				Label:     "Default",
				ReadOnly:  false,
				CreatedAt: time.Now().UTC(),
			}
			s.byID[k.ID] = k
			if err := s.persistLocked(); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("apikeys: read %s: %w", path, err)
	}

	return s, nil
}

func (s *Store) compileGlobs(k *Key) {
	if len(k.AllowedModels) == 0 {
		delete(s.globs, k.ID)
		return
	}
	compiled := make([]glob.Glob, 0, len(k.AllowedModels))
	for _, pattern := range k.AllowedModels {
		if g, err := glob.Compile(pattern); err == nil {
			compiled = append(compiled, g)
		}
	}
	s.globs[k.ID] = compiled
}

// GenerateKey returns a new opaque key string with a recognizable prefix.
func GenerateKey() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	return "kgw-" + hex.EncodeToString(buf)
}

// Create adds a new key entry, auto-generating the opaque key if key=="".
func (s *Store) Create(key, label string, readOnly bool, allowedModels, boundCredentialIDs []string) (*Key, error) {
	if key == "" {
		key = GenerateKey()
	}
	k := &Key{
		ID:                 uuid.New().String(),
		Key:                key,
		Label:              label,
		ReadOnly:           readOnly,
		AllowedModels:      allowedModels,
		BoundCredentialIDs: boundCredentialIDs,
		CreatedAt:          time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[k.ID] = k
	s.compileGlobs(k)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return k, nil
}

// List returns all entries including the opaque key; admin-only callers
// must mask before sending to a client.
func (s *Store) List() []*Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Key, 0, len(s.byID))
	for _, k := range s.byID {
		out = append(out, k)
	}
	return out
}

func (s *Store) Get(id string) (*Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[id]
	return k, ok
}

// Update mutates fields via a callback under the write lock, then persists.
func (s *Store) Update(id string, mutate func(*Key)) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("apikeys: no such key %s", id)
	}
	mutate(k)
	s.compileGlobs(k)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return k, nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	delete(s.globs, id)
	return s.persistLocked()
}

// Reload re-reads the backing file, replacing the store's contents
// wholesale. Used by the fsnotify hot-reload watcher when api_keys.json is
// edited outside the admin API.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("apikeys: read %s: %w", s.path, err)
	}
	var keys []*Key
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("apikeys: parse %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*Key, len(keys))
	s.globs = make(map[string][]glob.Glob, len(keys))
	for _, k := range keys {
		s.byID[k.ID] = k
		s.compileGlobs(k)
	}
	return nil
}

func (s *Store) persistLocked() error {
	keys := make([]*Key, 0, len(s.byID))
	for _, k := range s.byID {
		keys = append(keys, k)
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("apikeys: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("apikeys: write %s: %w", s.path, err)
	}
	return nil
}

// Authenticate walks every non-disabled entry and compares in constant
// time, so acceptance and rejection take time independent of where in the
// store the match lives.
func (s *Store) Authenticate(candidate string) (*Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidateBytes := []byte(candidate)
	var matched *Key
	for _, k := range s.byID {
		if k.Disabled {
			continue
		}
		if subtle.ConstantTimeCompare(candidateBytes, []byte(k.Key)) == 1 {
			matched = k
			// No early return: keep scanning so every call walks the same
			// number of entries regardless of where the match occurred.
		}
	}
	if matched == nil {
		return nil, false
	}
	return &Info{
		ID:                 matched.ID,
		Label:              matched.Label,
		ReadOnly:           matched.ReadOnly,
		AllowedModels:      matched.AllowedModels,
		BoundCredentialIDs: matched.BoundCredentialIDs,
	}, true
}

// MatchesModel reports whether a key's allowed_models set permits model.
// A nil/empty AllowedModels means all models are allowed.
func (s *Store) MatchesModel(keyID, model string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	patterns, ok := s.globs[keyID]
	if !ok {
		return true
	}
	for _, g := range patterns {
		if g.Match(model) {
			return true
		}
	}
	return false
}

// Mask renders a key for display: first 6 + last 3 chars separated by
// "***"; keys of 9 chars or fewer show first 2 + "***".
func Mask(key string) string {
	if len(key) <= 9 {
		if len(key) <= 2 {
			return key + "***"
		}
		return key[:2] + "***"
	}
	return key[:6] + "***" + key[len(key)-3:]
}

// Sha256Hex hashes a key for use as a lookup index without storing it.
func Sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
