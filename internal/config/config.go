// Package config loads the gateway's two-tier configuration: ambient,
// environment-driven process settings (bind address, file paths, log
// level), and the persisted config.json document (region, TLS backend,
// proxy, admin key, load-balancing mode, sync block) that the admin API
// can mutate at runtime and that fsnotify hot-reloads from disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kiro-gateway/gateway/internal/sharedproxy"
)

// Config holds process-lifetime settings sourced from the environment.
// Nothing here changes after startup.
type Config struct {
	Host string
	Port int

	LogLevel string

	// DBPath is the ambient SQLite store (devices, request logs), never
	// credentials, API keys or the ledger, which stay JSON.
	DBPath string

	ConfigPath      string // config.json
	CredentialsPath string // single object or {"credentials":[...]}
	APIKeysPath     string // api_keys.json
	LedgerPath      string // kiro_token_usage.json
	SyncStatePath   string // sync auth/version state

	// EncryptionKey, if set, enables at-rest encryption of refresh_token
	// and client_secret fields in the credentials file.
	EncryptionKey string

	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
	MaxRequestBodyMB  int

	TLSBackend string // "rustls" (standard crypto/tls) or "native" (uTLS fingerprinting)
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8787),

		LogLevel: envOr("LOG_LEVEL", "info"),

		DBPath: envOr("DB_PATH", "./kiro-gateway.db"),

		ConfigPath:      envOr("CONFIG_PATH", "./config.json"),
		CredentialsPath: envOr("CREDENTIALS_PATH", "./credentials.json"),
		APIKeysPath:     envOr("API_KEYS_PATH", "./api_keys.json"),
		LedgerPath:      envOr("LEDGER_PATH", "./kiro_token_usage.json"),
		SyncStatePath:   envOr("SYNC_STATE_PATH", "./sync_state.json"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		RequestTimeout:    envDuration("REQUEST_TIMEOUT_MS", 30*time.Second),
		StreamIdleTimeout: envDuration("STREAM_IDLE_TIMEOUT_MS", 60*time.Second),
		MaxRequestBodyMB:  envInt("REQUEST_MAX_SIZE_MB", 60),

		TLSBackend: envOr("TLS_BACKEND", "rustls"),
	}
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errInvalid("PORT", "out of range")
	}
	switch c.TLSBackend {
	case "rustls", "native":
	default:
		return errInvalid("TLS_BACKEND", "must be rustls or native")
	}
	return nil
}

type configError struct {
	field  string
	reason string
}

func (e *configError) Error() string { return "config: " + e.field + ": " + e.reason }
func errInvalid(field, reason string) error { return &configError{field: field, reason: reason} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

// SyncFile is the persisted sync block inside config.json.
type SyncFile struct {
	Enabled         bool   `json:"enabled"`
	ServerURL       string `json:"server_url,omitempty"`
	RegisterURL     string `json:"register_url,omitempty"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
}

// File is the persisted, operator/admin-API-mutable document at
// Config.ConfigPath.
type File struct {
	Region        string               `json:"region,omitempty"`
	AuthRegion    string               `json:"auth_region,omitempty"`
	APIRegion     string               `json:"api_region,omitempty"`
	AdminKey      string               `json:"admin_key"`
	// LegacyAPIKey is the pre-store single inbound key. When api_keys.json
	// is absent and this is non-empty, the API-key store migrates it into
	// a "Default" entry on first load.
	LegacyAPIKey  string               `json:"api_key,omitempty"`
	LoadBalancing string               `json:"load_balancing,omitempty"` // "priority" | "balanced"
	Proxy         *sharedproxy.Config  `json:"proxy,omitempty"`
	Sync          *SyncFile            `json:"sync,omitempty"`
}

// LoadFile reads the config.json document and defaults an empty
// load-balancing mode to "priority"; it does not validate. A missing file is
// not an error: callers get zero-value defaults with no admin key, which
// Validate rejects, forcing an operator to provision one on first run.
func LoadFile(path string) (*File, error) {
	f := &File{LoadBalancing: "priority"}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if f.LoadBalancing == "" {
		f.LoadBalancing = "priority"
	}
	return f, nil
}

// Validate checks the parts of File that gate startup (an admin key must
// be provisioned; load-balancing mode must be recognized).
func (f *File) Validate() error {
	if f.AdminKey == "" {
		return errInvalid("admin_key", "required")
	}
	switch f.LoadBalancing {
	case "priority", "balanced":
	default:
		return errInvalid("load_balancing", "must be priority or balanced")
	}
	return nil
}

// Save writes File back to path, e.g. after an admin API mutation to the
// proxy config or load-balancing mode.
func Save(path string, f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
