package credential

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestPool(t *testing.T, creds ...*Credential) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	p, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, c := range creds {
		if err := p.Add(c); err != nil {
			t.Fatalf("Add %d: %v", c.ID, err)
		}
	}
	return p
}

func cred(id int64, priority uint32) *Credential {
	return &Credential{ID: id, AuthMethod: AuthSocial, RefreshToken: "rt", Priority: priority}
}

func assertSorted(t *testing.T, p *Pool) {
	t.Helper()
	all := p.GetAll()
	for i := 1; i < len(all); i++ {
		a, b := all[i-1], all[i]
		if a.Priority > b.Priority || (a.Priority == b.Priority && a.ID >= b.ID) {
			t.Fatalf("pool not sorted at %d: (%d,%d) before (%d,%d)", i, a.Priority, a.ID, b.Priority, b.ID)
		}
	}
}

func TestPoolSortedAfterEveryMutation(t *testing.T) {
	p := newTestPool(t, cred(3, 2), cred(1, 0), cred(2, 1))
	assertSorted(t, p)

	if err := p.SetPriority(3, 0); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	assertSorted(t, p)

	if err := p.Add(cred(10, 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	assertSorted(t, p)

	if err := p.Delete(2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	assertSorted(t, p)
}

func TestSetPrimaryDemotesOtherZeroPriority(t *testing.T) {
	p := newTestPool(t, cred(1, 0), cred(3, 0), cred(5, 0), cred(7, 2))

	if err := p.SetPrimary(3); err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}

	get := func(id int64) *Credential {
		c, ok := p.Get(id)
		if !ok {
			t.Fatalf("credential %d missing", id)
		}
		return c
	}
	if get(3).Priority != 0 {
		t.Fatalf("priority(3) = %d, want 0", get(3).Priority)
	}
	if get(1).Priority != 1 || get(5).Priority != 1 {
		t.Fatalf("priority(1)=%d priority(5)=%d, want 1/1", get(1).Priority, get(5).Priority)
	}
	if get(7).Priority != 2 {
		t.Fatalf("priority(7) = %d, want unchanged 2", get(7).Priority)
	}
	assertSorted(t, p)
}

func TestAddRejectsDuplicateID(t *testing.T) {
	p := newTestPool(t, cred(1, 0))
	if err := p.Add(cred(1, 5)); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestValidateIDCRequiresClientFields(t *testing.T) {
	c := &Credential{ID: 1, AuthMethod: AuthIDC, RefreshToken: "rt"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for idc credential without client_id")
	}
	c.ClientID = "cid"
	c.ClientSecret = "cs"
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPersistPreservesSingleObjectShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	single := cred(1, 0)
	data, _ := json.Marshal(single)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	p, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := p.SetPriority(1, 3); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	var back Credential
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("rewrite changed the file shape away from a single object: %v", err)
	}
	if back.Priority != 3 {
		t.Fatalf("persisted priority = %d, want 3", back.Priority)
	}
}

func TestPersistPreservesArrayShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	list := []*Credential{cred(1, 0), cred(2, 1)}
	data, _ := json.Marshal(list)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	p, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := p.Reset(2); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	var back []*Credential
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("rewrite changed the file shape away from an array: %v", err)
	}
	if len(back) != 2 {
		t.Fatalf("persisted %d credentials, want 2", len(back))
	}
}

func TestResetClearsFailureState(t *testing.T) {
	p := newTestPool(t, cred(1, 0))
	if err := p.Update(1, func(c *Credential) {
		c.FailureCount = 5
		c.Disabled = true
		c.DisabledReason = "rate limited"
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := p.Reset(1); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	c, _ := p.Get(1)
	if c.FailureCount != 0 || c.Disabled || c.DisabledReason != "" {
		t.Fatalf("reset left state: %+v", c)
	}
}

func TestCipherRoundTripsSecretsOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	ci, err := NewCipher("passphrase")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	p, err := Load(path, ci)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := p.Add(&Credential{ID: 1, AuthMethod: AuthIDC, RefreshToken: "secret-rt", ClientID: "cid", ClientSecret: "secret-cs"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	raw, _ := os.ReadFile(path)
	if len(raw) == 0 {
		t.Fatal("nothing persisted")
	}
	if strings.Contains(string(raw), "secret-rt") || strings.Contains(string(raw), "secret-cs") {
		t.Fatal("plaintext secret leaked to disk")
	}

	reloaded, err := Load(path, ci)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	c, _ := reloaded.Get(1)
	if c.RefreshToken != "secret-rt" || c.ClientSecret != "secret-cs" {
		t.Fatalf("decryption mismatch: %+v", c)
	}
}
