package apikeys

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "api_keys.json"), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestMask(t *testing.T) {
	cases := []struct{ in, want string }{
		{"sk-abcdefghij", "sk-abc***hij"},
		{"abc", "ab***"},
		{"abcdefghi", "ab***"},
		{"abcdefghij", "abcdef***hij"},
		{"ab", "ab***"},
	}
	for _, c := range cases {
		if got := Mask(c.in); got != c.want {
			t.Errorf("Mask(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestAuthenticateAcceptsExactlyNonDisabledKeys(t *testing.T) {
	s := newTestStore(t)
	active, err := s.Create("", "active", false, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	disabled, err := s.Create("", "disabled", false, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Update(disabled.ID, func(k *Key) { k.Disabled = true }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	info, ok := s.Authenticate(active.Key)
	if !ok {
		t.Fatal("active key rejected")
	}
	if info.ID != active.ID || info.Label != "active" {
		t.Fatalf("wrong info: %+v", info)
	}

	if _, ok := s.Authenticate(disabled.Key); ok {
		t.Fatal("disabled key accepted")
	}
	if _, ok := s.Authenticate("no-such-key"); ok {
		t.Fatal("unknown key accepted")
	}
}

func TestAuthenticateNeverReturnsKeyMaterial(t *testing.T) {
	s := newTestStore(t)
	k, _ := s.Create("kgw-supersecret", "label", true, []string{"claude-3-*"}, nil)

	info, ok := s.Authenticate(k.Key)
	if !ok {
		t.Fatal("key rejected")
	}
	if !info.ReadOnly {
		t.Fatal("read_only not carried into info")
	}
	if len(info.AllowedModels) != 1 {
		t.Fatalf("allowed_models not carried: %+v", info)
	}
}

func TestMatchesModelGlobs(t *testing.T) {
	s := newTestStore(t)
	restricted, _ := s.Create("", "restricted", false, []string{"claude-3-*"}, nil)
	open, _ := s.Create("", "open", false, nil, nil)

	if !s.MatchesModel(restricted.ID, "claude-3-5-haiku-20241022") {
		t.Fatal("glob should match claude-3-5-haiku")
	}
	if s.MatchesModel(restricted.ID, "claude-opus-4-20250514") {
		t.Fatal("glob should not match claude-opus-4")
	}
	if !s.MatchesModel(open.ID, "anything") {
		t.Fatal("empty allowed_models should permit all models")
	}
}

func TestLegacyMigrationCreatesDefaultEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_keys.json")
	s, err := New(path, "legacy-key-value")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	info, ok := s.Authenticate("legacy-key-value")
	if !ok {
		t.Fatal("migrated legacy key rejected")
	}
	if info.Label != "Default" || info.ReadOnly {
		t.Fatalf("migrated entry = %+v, want Default/read-write", info)
	}

	// The migration persists, so a reload without the legacy value still
	// accepts the key.
	s2, err := New(path, "")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := s2.Authenticate("legacy-key-value"); !ok {
		t.Fatal("migrated key lost on reload")
	}
}

func TestGeneratedKeysAreUnique(t *testing.T) {
	a := GenerateKey()
	b := GenerateKey()
	if a == b {
		t.Fatal("generated keys collide")
	}
	if len(a) < 20 {
		t.Fatalf("generated key too short: %q", a)
	}
}
