// Package ledger is the in-process token-usage accounting layer: O(1)
// recording, per-credential/model/api-key aggregates, a bounded ring
// buffer, and a debounced best-effort JSON snapshot.
package ledger

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// DefaultCapacity bounds the ring buffer of recent records.
const DefaultCapacity = 10000

// DefaultDebounce is the minimum interval between snapshot writes.
const DefaultDebounce = 30 * time.Second

// Record is one accounted call.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	CredentialID int64     `json:"credential_id"`
	APIKeyID     string    `json:"api_key_id,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	ClientIP     string    `json:"client_ip,omitempty"`
	UserInput    string    `json:"user_input,omitempty"`
	CostUSD      float64   `json:"cost_usd"`
}

// Totals is the shape of a single by-key aggregate bucket.
type Totals struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Requests     int64 `json:"requests"`
	CostUSD      float64 `json:"cost_usd"`
}

func (t *Totals) add(r Record) {
	t.InputTokens += int64(r.InputTokens)
	t.OutputTokens += int64(r.OutputTokens)
	t.Requests++
	t.CostUSD += r.CostUSD
}

// Stats is a point-in-time snapshot for the admin view.
type Stats struct {
	Global      Totals             `json:"global"`
	ByCredential map[int64]*Totals `json:"by_credential"`
	ByModel      map[string]*Totals `json:"by_model"`
	ByAPIKey     map[string]*Totals `json:"by_api_key"`
}

// PriceTable maps a model name to a per-million-token price pair. The
// "default" entry catches models with no row of their own.
type PriceTable map[string]ModelPrice

type ModelPrice struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

func (pt PriceTable) cost(model string, input, output int) float64 {
	p, ok := pt[model]
	if !ok {
		p, ok = pt["default"]
	}
	if !ok {
		return 0
	}
	return (float64(input)*p.InputPerMillion + float64(output)*p.OutputPerMillion) / 1_000_000
}

// Ledger guards all state with one fast mutex; Record never performs I/O.
type Ledger struct {
	mu sync.Mutex

	prices PriceTable

	global       Totals
	byCredential map[int64]*Totals
	byModel      map[string]*Totals
	byAPIKey     map[string]*Totals

	ring     []Record
	capacity int
	head     int
	size     int

	snapshotPath string
	dirty        bool
	lastSaved    time.Time
	debounce     time.Duration
}

// New constructs a Ledger persisting to snapshotPath with the given ring
// capacity (DefaultCapacity if 0) and debounce window (DefaultDebounce if
// 0).
func New(snapshotPath string, capacity int, debounce time.Duration, prices PriceTable) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Ledger{
		prices:       prices,
		byCredential: make(map[int64]*Totals),
		byModel:      make(map[string]*Totals),
		byAPIKey:     make(map[string]*Totals),
		ring:         make([]Record, capacity),
		capacity:     capacity,
		snapshotPath: snapshotPath,
		debounce:     debounce,
	}
}

// Record accounts one completed (or partially completed, on disconnect)
// call. O(1), no I/O.
func (l *Ledger) Record(model string, credentialID int64, input, output int, apiKeyID, clientIP, userInput string) {
	r := Record{
		Timestamp:    time.Now().UTC(),
		Model:        model,
		CredentialID: credentialID,
		APIKeyID:     apiKeyID,
		InputTokens:  input,
		OutputTokens: output,
		ClientIP:     clientIP,
		UserInput:    userInput,
		CostUSD:      l.prices.cost(model, input, output),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.global.add(r)
	bucketInt64(l.byCredential, credentialID).add(r)
	bucketString(l.byModel, model).add(r)
	if apiKeyID != "" {
		bucketString(l.byAPIKey, apiKeyID).add(r)
	}

	l.ring[l.head] = r
	l.head = (l.head + 1) % l.capacity
	if l.size < l.capacity {
		l.size++
	}
	l.dirty = true
}

func bucketInt64(m map[int64]*Totals, key int64) *Totals {
	t, ok := m[key]
	if !ok {
		t = &Totals{}
		m[key] = t
	}
	return t
}

func bucketString(m map[string]*Totals, key string) *Totals {
	t, ok := m[key]
	if !ok {
		t = &Totals{}
		m[key] = t
	}
	return t
}

// GetStats returns a deep copy snapshot for the admin view.
func (l *Ledger) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := Stats{
		Global:       l.global,
		ByCredential: make(map[int64]*Totals, len(l.byCredential)),
		ByModel:      make(map[string]*Totals, len(l.byModel)),
		ByAPIKey:     make(map[string]*Totals, len(l.byAPIKey)),
	}
	for k, v := range l.byCredential {
		cp := *v
		out.ByCredential[k] = &cp
	}
	for k, v := range l.byModel {
		cp := *v
		out.ByModel[k] = &cp
	}
	for k, v := range l.byAPIKey {
		cp := *v
		out.ByAPIKey[k] = &cp
	}
	return out
}

// GetStatsForAPIKey returns the accurate totals for one key plus the subset
// of the ring buffer belonging to it.
func (l *Ledger) GetStatsForAPIKey(apiKeyID string) (Totals, []Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var totals Totals
	if t, ok := l.byAPIKey[apiKeyID]; ok {
		totals = *t
	}

	var records []Record
	for _, r := range l.snapshotRingLocked() {
		if r.APIKeyID == apiKeyID {
			records = append(records, r)
		}
	}
	return totals, records
}

// snapshotRingLocked returns ring contents in chronological order. Caller
// must hold l.mu.
func (l *Ledger) snapshotRingLocked() []Record {
	out := make([]Record, 0, l.size)
	start := (l.head - l.size + l.capacity) % l.capacity
	for i := 0; i < l.size; i++ {
		out = append(out, l.ring[(start+i)%l.capacity])
	}
	return out
}

// Reset zeroes every counter and the ring buffer, then flushes.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	l.global = Totals{}
	l.byCredential = make(map[int64]*Totals)
	l.byModel = make(map[string]*Totals)
	l.byAPIKey = make(map[string]*Totals)
	l.ring = make([]Record, l.capacity)
	l.head = 0
	l.size = 0
	l.dirty = true
	l.mu.Unlock()
	return l.Flush()
}

// snapshotFile is the on-disk shape written to snapshotPath.
type snapshotFile struct {
	Global       Totals             `json:"global"`
	ByCredential map[int64]*Totals  `json:"by_credential"`
	ByModel      map[string]*Totals `json:"by_model"`
	ByAPIKey     map[string]*Totals `json:"by_api_key"`
	Ring         []Record           `json:"ring"`
}

// MaybeSnapshot writes the snapshot if dirty and at least the debounce
// window has elapsed since the last save. Intended to be called from the
// maintenance scheduler on a short tick.
func (l *Ledger) MaybeSnapshot() error {
	l.mu.Lock()
	if !l.dirty || time.Since(l.lastSaved) < l.debounce {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.Flush()
}

// Flush writes the snapshot unconditionally, regardless of the debounce
// window. Called on shutdown when dirty, and by Reset.
func (l *Ledger) Flush() error {
	if l.snapshotPath == "" {
		return nil
	}

	l.mu.Lock()
	snap := snapshotFile{
		Global:       l.global,
		ByCredential: copyInt64Map(l.byCredential),
		ByModel:      copyStringMap(l.byModel),
		ByAPIKey:     copyStringMap(l.byAPIKey),
		Ring:         l.snapshotRingLocked(),
	}
	l.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(l.snapshotPath, data, 0o600); err != nil {
		return err
	}

	l.mu.Lock()
	l.dirty = false
	l.lastSaved = time.Now()
	l.mu.Unlock()
	return nil
}

func copyInt64Map(m map[int64]*Totals) map[int64]*Totals {
	out := make(map[int64]*Totals, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func copyStringMap(m map[string]*Totals) map[string]*Totals {
	out := make(map[string]*Totals, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

// Load restores ledger state from a prior snapshot, if present. Absence is
// not an error; persistence is best-effort.
func (l *Ledger) Load() error {
	if l.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(l.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.global = snap.Global
	if snap.ByCredential != nil {
		l.byCredential = snap.ByCredential
	}
	if snap.ByModel != nil {
		l.byModel = snap.ByModel
	}
	if snap.ByAPIKey != nil {
		l.byAPIKey = snap.ByAPIKey
	}
	for _, r := range snap.Ring {
		l.ring[l.head] = r
		l.head = (l.head + 1) % l.capacity
		if l.size < l.capacity {
			l.size++
		}
	}
	return nil
}
