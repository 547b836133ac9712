package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// persistShape records how the backing file was originally laid out, so
// rewrites preserve it: a bare array, a lone credential object, or
// {"credentials": [...]}.
type persistShape int

const (
	shapeArray persistShape = iota
	shapeObject
	shapeWrapper
)

// Pool is the ordered, sorted set of Credentials with mutable per-item
// status. Sort key is (priority ASC, id ASC), maintained after every
// mutation.
type Pool struct {
	mu      sync.RWMutex
	path    string
	shape   persistShape
	items   map[int64]*Credential
	order   []int64 // cached sorted ids, rebuilt on mutation
	version uint64
	cipher  *Cipher // nil disables at-rest encryption of refresh_token/client_secret
}

type fileObject struct {
	Credentials []*Credential `json:"credentials"`
}

// Load reads the pool's backing file, auto-detecting whether it holds a
// single object or an array/`{credentials:[...]}` wrapper. If cipher is
// non-nil, refresh_token and client_secret fields carrying the encrypted
// marker are decrypted into memory; plaintext files still load, and will be
// sealed on their next persist.
func Load(path string, ci *Cipher) (*Pool, error) {
	p := &Pool{path: path, items: make(map[int64]*Credential), cipher: ci}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		p.shape = shapeArray
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credential: read %s: %w", path, err)
	}

	trimmed := firstNonSpace(data)
	switch trimmed {
	case '[':
		var list []*Credential
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("credential: parse %s: %w", path, err)
		}
		p.shape = shapeArray
		for _, c := range list {
			p.items[c.ID] = c
		}
	case '{':
		// Could be {"credentials": [...]} or a single credential object.
		var obj fileObject
		if err := json.Unmarshal(data, &obj); err == nil && obj.Credentials != nil {
			p.shape = shapeWrapper
			for _, c := range obj.Credentials {
				p.items[c.ID] = c
			}
		} else {
			var single Credential
			if err := json.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("credential: parse %s: %w", path, err)
			}
			p.shape = shapeObject
			p.items[single.ID] = &single
		}
	default:
		return nil, fmt.Errorf("credential: %s: unrecognized JSON shape", path)
	}

	if p.cipher != nil {
		for _, c := range p.items {
			if err := p.cipher.open(c); err != nil {
				return nil, err
			}
		}
	}

	p.resortLocked()
	return p, nil
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return c
		}
	}
	return 0
}

// resortLocked rebuilds p.order under (priority ASC, id ASC) and bumps the
// version counter. Callers must hold p.mu.
func (p *Pool) resortLocked() {
	ids := make([]int64, 0, len(p.items))
	for id := range p.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := p.items[ids[i]], p.items[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	p.order = ids
	p.version++
}

func (p *Pool) persistLocked() error {
	ordered := make([]*Credential, len(p.order))
	for i, id := range p.order {
		if p.cipher != nil {
			sealed, err := p.cipher.seal(p.items[id])
			if err != nil {
				return err
			}
			ordered[i] = sealed
		} else {
			ordered[i] = p.items[id]
		}
	}

	var data []byte
	var err error
	switch p.shape {
	case shapeObject:
		if len(ordered) == 1 {
			data, err = json.MarshalIndent(ordered[0], "", "  ")
		} else {
			data, err = json.MarshalIndent(fileObject{Credentials: ordered}, "", "  ")
		}
	case shapeWrapper:
		data, err = json.MarshalIndent(fileObject{Credentials: ordered}, "", "  ")
	default:
		data, err = json.MarshalIndent(ordered, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("credential: marshal: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0o600); err != nil {
		return fmt.Errorf("credential: write %s: %w", p.path, err)
	}
	return nil
}

// Version returns the pool's mutation counter, bumped on every sort-order
// change (including hot reloads picked up from disk).
func (p *Pool) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// GetAll returns a snapshot of every credential in sorted order.
func (p *Pool) GetAll() []*Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Credential, len(p.order))
	for i, id := range p.order {
		cp := *p.items[id]
		out[i] = &cp
	}
	return out
}

// Get returns a copy of a single credential by id.
func (p *Pool) Get(id int64) (*Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.items[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// mutate runs fn against the live item for id under the write lock, then
// resorts and persists. fn returning an error aborts without persisting.
func (p *Pool) mutate(id int64, fn func(*Credential) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.items[id]
	if !ok {
		return fmt.Errorf("credential: no such id %d", id)
	}
	if err := fn(c); err != nil {
		return err
	}
	p.resortLocked()
	return p.persistLocked()
}

// Add inserts a new credential. id uniqueness is enforced here.
func (p *Pool) Add(c *Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.items[c.ID]; exists {
		return fmt.Errorf("credential: id %d already exists", c.ID)
	}
	cp := *c
	p.items[c.ID] = &cp
	p.resortLocked()
	return p.persistLocked()
}

// Delete removes a credential by id.
func (p *Pool) Delete(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[id]; !ok {
		return fmt.Errorf("credential: no such id %d", id)
	}
	delete(p.items, id)
	p.resortLocked()
	return p.persistLocked()
}

// SetDisabled toggles a credential's disabled flag directly (operator
// override, independent of failure accounting).
func (p *Pool) SetDisabled(id int64, disabled bool) error {
	return p.mutate(id, func(c *Credential) error {
		c.Disabled = disabled
		if !disabled {
			c.DisabledReason = ""
		}
		return nil
	})
}

// SetPriority changes a credential's priority directly.
func (p *Pool) SetPriority(id int64, priority uint32) error {
	return p.mutate(id, func(c *Credential) error {
		c.Priority = priority
		return nil
	})
}

// SetPrimary sets id's priority to 0 and demotes every other credential
// previously at priority 0 by +1.
func (p *Pool) SetPrimary(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	target, ok := p.items[id]
	if !ok {
		return fmt.Errorf("credential: no such id %d", id)
	}
	for otherID, c := range p.items {
		if otherID == id {
			continue
		}
		if c.Priority == 0 {
			c.Priority++
		}
	}
	target.Priority = 0
	p.resortLocked()
	return p.persistLocked()
}

// Reset clears failure_count and re-enables the credential.
func (p *Pool) Reset(id int64) error {
	return p.mutate(id, func(c *Credential) error {
		c.FailureCount = 0
		c.Disabled = false
		c.DisabledReason = ""
		c.CooldownUntil = nil
		return nil
	})
}

// Update runs an arbitrary read/write callback against a single credential
// under the pool lock, e.g. to stash a refreshed access token.
func (p *Pool) Update(id int64, fn func(*Credential)) error {
	return p.mutate(id, func(c *Credential) error {
		fn(c)
		return nil
	})
}

// ReloadFromDisk re-reads the backing file, replacing the pool's contents
// wholesale. Used by the fsnotify hot-reload watcher when an operator
// hand-edits the file outside the admin API.
func (p *Pool) ReloadFromDisk() error {
	fresh, err := Load(p.path, p.cipher)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = fresh.items
	p.shape = fresh.shape
	p.resortLocked()
	return nil
}
