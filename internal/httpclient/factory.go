package httpclient

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kiro-gateway/gateway/internal/sharedproxy"
)

// Factory caches one *http.Client per credential, rebuilding only when the
// shared proxy's version has advanced or the credential's own proxy
// override has changed since the cached client was built.
type Factory struct {
	mu      sync.Mutex
	shared  *sharedproxy.Handle
	timeout time.Duration
	backend Backend
	cache   map[string]*cachedClient
}

type cachedClient struct {
	client       *http.Client
	sharedVer    uint64
	overrideHash string
}

// NewFactory creates a client factory bound to the shared proxy handle.
func NewFactory(shared *sharedproxy.Handle, timeout time.Duration, backend Backend) *Factory {
	return &Factory{
		shared:  shared,
		timeout: timeout,
		backend: backend,
		cache:   make(map[string]*cachedClient),
	}
}

// For returns a client for the given credential id, using override as the
// credential's own proxy when set (nil falls back to the shared proxy).
func (f *Factory) For(credentialID string, override *sharedproxy.Config) (*http.Client, error) {
	shared, ver := f.shared.Get()
	effective := override
	if effective == nil {
		effective = shared
	}
	hash := overrideKey(effective)

	f.mu.Lock()
	defer f.mu.Unlock()

	if cc, ok := f.cache[credentialID]; ok && cc.sharedVer == ver && cc.overrideHash == hash {
		return cc.client, nil
	}

	client, err := Build(effective, f.timeout, f.backend)
	if err != nil {
		return nil, err
	}
	f.cache[credentialID] = &cachedClient{client: client, sharedVer: ver, overrideHash: hash}
	return client, nil
}

// Forget drops a cached client, e.g. after a credential is deleted.
func (f *Factory) Forget(credentialID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, credentialID)
}

func overrideKey(cfg *sharedproxy.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Type + "|" + cfg.Host + "|" + strconv.Itoa(cfg.Port) + "|" + cfg.Username
}
