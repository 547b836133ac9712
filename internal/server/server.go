// Package server is the Admin Façade: a thin HTTP layer composing the
// API-Key Store, Credential Pool, Token Manager, Ledger, Shared Proxy
// Handle and HTTP Client Factory behind an admin-key-gated route table,
// plus the authenticated user-facing relay surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kiro-gateway/gateway/internal/apikeys"
	"github.com/kiro-gateway/gateway/internal/auth"
	"github.com/kiro-gateway/gateway/internal/config"
	"github.com/kiro-gateway/gateway/internal/credential"
	"github.com/kiro-gateway/gateway/internal/device"
	"github.com/kiro-gateway/gateway/internal/events"
	"github.com/kiro-gateway/gateway/internal/httpclient"
	"github.com/kiro-gateway/gateway/internal/identity"
	"github.com/kiro-gateway/gateway/internal/ledger"
	"github.com/kiro-gateway/gateway/internal/maintenance"
	"github.com/kiro-gateway/gateway/internal/relay"
	"github.com/kiro-gateway/gateway/internal/sharedproxy"
	"github.com/kiro-gateway/gateway/internal/store"
	"github.com/kiro-gateway/gateway/internal/syncclient"
	"github.com/kiro-gateway/gateway/internal/tokenmanager"
)

// Deps are the already-constructed components the entrypoint wires
// together; Server only adds the HTTP surface over them. SyncClient,
// SyncMgr and Device are nil when the sync block in config.json is
// disabled.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	ConfigFile *config.File

	Proxy    *sharedproxy.Handle
	Factory  *httpclient.Factory
	Keys     *apikeys.Store
	Pool     *credential.Pool
	Selector *credential.Selector
	TokenMgr *tokenmanager.Manager
	Ledger   *ledger.Ledger
	Store    store.Store

	Bus        *events.Bus
	LogHandler *events.LogHandler
	Scheduler  *maintenance.Scheduler

	SyncClient *syncclient.Client
	SyncMgr    *syncclient.Manager
	Device     *device.Channel

	ChatEndpoint relay.Endpoint
	Version      string
}

// Server is the main HTTP server: the Admin Façade plus the user-facing
// relay surface.
type Server struct {
	cfg     *config.Config
	keys    *apikeys.Store
	pool    *credential.Pool
	selector *credential.Selector
	tm      *tokenmanager.Manager
	ledgerS *ledger.Ledger
	dataStore store.Store
	proxy   *sharedproxy.Handle
	factory *httpclient.Factory
	bus     *events.Bus
	logH    *events.LogHandler
	sched   *maintenance.Scheduler
	syncClient *syncclient.Client
	syncMgr *syncclient.Manager
	deviceCh *device.Channel
	relay   *relay.Relay
	authMw  *auth.Middleware

	cfgMu   sync.RWMutex
	cfgPath string
	cfgFile *config.File

	httpServer *http.Server
	version    string
	startTime  time.Time
}

func New(deps Deps) *Server {
	adminKey := ""
	if deps.ConfigFile != nil {
		adminKey = deps.ConfigFile.AdminKey
	}

	r := relay.New(deps.TokenMgr, deps.Keys, deps.Ledger, deps.ChatEndpoint, deps.Config.RequestTimeout, deps.Config.StreamIdleTimeout)

	srv := &Server{
		cfg:        deps.Config,
		keys:       deps.Keys,
		pool:       deps.Pool,
		selector:   deps.Selector,
		tm:         deps.TokenMgr,
		ledgerS:    deps.Ledger,
		dataStore:  deps.Store,
		proxy:      deps.Proxy,
		factory:    deps.Factory,
		bus:        deps.Bus,
		logH:       deps.LogHandler,
		sched:      deps.Scheduler,
		syncClient: deps.SyncClient,
		syncMgr:    deps.SyncMgr,
		deviceCh:   deps.Device,
		relay:      r,
		authMw:     auth.NewMiddleware(adminKey, deps.Keys),
		cfgPath:    deps.ConfigPath,
		cfgFile:    deps.ConfigFile,
		version:    deps.Version,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", deps.Config.Host, deps.Config.Port),
		Handler:        srv.requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   deps.Config.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authUser := s.authMw.Authenticate
	admin := s.authMw.AdminOnly

	// User-facing relay surface.
	mux.Handle("GET /v1/models", authUser(http.HandlerFunc(relay.HandleModels)))
	mux.Handle("POST /v1/messages", authUser(http.HandlerFunc(s.relay.Handle)))
	mux.Handle("POST /v1/messages/count_tokens", authUser(http.HandlerFunc(s.relay.HandleCountTokens)))
	mux.Handle("GET /usage", authUser(http.HandlerFunc(s.handleUserUsage)))
	mux.Handle("POST /connectivity/test", authUser(http.HandlerFunc(s.handleConnectivityTest)))

	// Admin: credentials.
	mux.Handle("GET /credentials", admin(http.HandlerFunc(s.handleListCredentials)))
	mux.Handle("POST /credentials", admin(http.HandlerFunc(s.handleCreateCredential)))
	mux.Handle("DELETE /credentials/{id}", admin(http.HandlerFunc(s.handleDeleteCredential)))
	mux.Handle("POST /credentials/{id}/disabled", admin(http.HandlerFunc(s.handleSetCredentialDisabled)))
	mux.Handle("POST /credentials/{id}/priority", admin(http.HandlerFunc(s.handleSetCredentialPriority)))
	mux.Handle("POST /credentials/{id}/set-primary", admin(http.HandlerFunc(s.handleSetCredentialPrimary)))
	mux.Handle("POST /credentials/{id}/reset", admin(http.HandlerFunc(s.handleResetCredential)))
	mux.Handle("GET /credentials/{id}/balance", admin(http.HandlerFunc(s.handleCredentialBalance)))

	// Admin: config.
	mux.Handle("GET /config/load-balancing", admin(http.HandlerFunc(s.handleGetLoadBalancing)))
	mux.Handle("PUT /config/load-balancing", admin(http.HandlerFunc(s.handlePutLoadBalancing)))
	mux.Handle("GET /config/proxy", admin(http.HandlerFunc(s.handleGetProxy)))
	mux.Handle("PUT /config/proxy", admin(http.HandlerFunc(s.handlePutProxy)))

	// Admin: token usage.
	mux.Handle("GET /token-usage", admin(http.HandlerFunc(s.handleTokenUsage)))
	mux.Handle("POST /token-usage/reset", admin(http.HandlerFunc(s.handleTokenUsageReset)))
	mux.Handle("GET /token-usage/timeseries", admin(http.HandlerFunc(s.handleTokenUsageTimeseries)))

	// Admin: API keys.
	mux.Handle("GET /api-keys", admin(http.HandlerFunc(s.handleListAPIKeys)))
	mux.Handle("POST /api-keys", admin(http.HandlerFunc(s.handleCreateAPIKey)))
	mux.Handle("GET /api-keys/{id}", admin(http.HandlerFunc(s.handleGetAPIKey)))
	mux.Handle("PUT /api-keys/{id}", admin(http.HandlerFunc(s.handleUpdateAPIKey)))
	mux.Handle("DELETE /api-keys/{id}", admin(http.HandlerFunc(s.handleDeleteAPIKey)))

	// Admin connectivity tests go through the same route: the user-key
	// middleware accepts the admin key too.

	// Admin: sync + device channel.
	mux.Handle("GET /sync/config", admin(http.HandlerFunc(s.handleGetSyncConfig)))
	mux.Handle("POST /sync/config", admin(http.HandlerFunc(s.handlePostSyncConfig)))
	mux.Handle("GET /sync/device", admin(http.HandlerFunc(s.handleGetSyncDevice)))
	mux.Handle("GET /sync/devices", admin(http.HandlerFunc(s.handleListSyncDevices)))
	mux.Handle("POST /sync/test", admin(http.HandlerFunc(s.handleSyncTest)))
	mux.Handle("POST /sync/now", admin(http.HandlerFunc(s.handleSyncNow)))
	mux.Handle("GET /sync/status", admin(http.HandlerFunc(s.handleSyncStatus)))

	// Admin: logs.
	mux.Handle("GET /logs", admin(http.HandlerFunc(s.handleLogs)))

	// Health check: unauthenticated, for load balancers.
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if s.dataStore != nil {
			if err := s.dataStore.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, `{"status":"error","store":"%s"}`, err.Error())
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// Run starts the HTTP server, the maintenance scheduler and the device
// channel (if configured), and blocks until a shutdown signal or a fatal
// listener error.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.sched.Start()
	defer s.sched.Stop()

	if s.deviceCh != nil {
		go s.deviceCh.Run(ctx)
		go s.watchDeviceRegistration(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		if err := s.ledgerS.Flush(); err != nil {
			slog.Warn("ledger flush on shutdown failed", "error", err)
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// watchDeviceRegistration nudges the Sync Manager to push immediately
// every time the device channel (re)registers, so a freshly connected
// peer sees this gateway's state without waiting for the next cycle.
func (s *Server) watchDeviceRegistration(ctx context.Context) {
	if s.syncMgr == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.deviceCh.Registered:
			s.bus.Publish(events.Event{Type: events.EventDeviceRegistered, Message: "device channel registered"})
			s.recordDeviceRegistration(ctx)
			if err := s.syncMgr.RunCycle(ctx); err != nil {
				slog.Warn("post-registration sync push failed", "error", err)
			}
		}
	}
}

// recordDeviceRegistration upserts the local device row so the admin
// device listing reflects the channel's current registration.
func (s *Server) recordDeviceRegistration(ctx context.Context) {
	if s.dataStore == nil {
		return
	}
	dev := identity.LocalDevice()
	now := time.Now().UTC()
	err := s.dataStore.UpsertDevice(ctx, &store.Device{
		DeviceID:     dev.ID,
		DeviceName:   dev.Name,
		DeviceType:   dev.Type,
		AccountType:  dev.AccountType,
		RegisteredAt: now,
		LastSeenAt:   now,
	})
	if err != nil {
		slog.Warn("device registration record failed", "error", err)
	}
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestLogger logs every request and writes a best-effort audit row for
// the relay surface. Insertion happens after the response is written and
// never blocks the response path on an error.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "remote", r.RemoteAddr)

		if s.dataStore != nil && strings.HasPrefix(r.URL.Path, "/v1/") {
			entry := &store.RequestLogEntry{
				CreatedAt:    start.UTC(),
				CredentialID: s.tm.CurrentCredentialID(),
				StatusCode:   rec.status,
				DurationMs:   time.Since(start).Milliseconds(),
			}
			if info := auth.GetKeyInfo(r.Context()); info != nil {
				entry.APIKeyID = info.ID
			}
			if err := s.dataStore.InsertRequestLog(r.Context(), entry); err != nil {
				slog.Debug("request log insert failed", "error", err)
			}
		}
	})
}
