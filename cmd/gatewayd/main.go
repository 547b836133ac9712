package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kiro-gateway/gateway/internal/apikeys"
	"github.com/kiro-gateway/gateway/internal/config"
	"github.com/kiro-gateway/gateway/internal/credential"
	"github.com/kiro-gateway/gateway/internal/device"
	"github.com/kiro-gateway/gateway/internal/events"
	"github.com/kiro-gateway/gateway/internal/httpclient"
	"github.com/kiro-gateway/gateway/internal/identity"
	"github.com/kiro-gateway/gateway/internal/ledger"
	"github.com/kiro-gateway/gateway/internal/maintenance"
	"github.com/kiro-gateway/gateway/internal/server"
	"github.com/kiro-gateway/gateway/internal/sharedproxy"
	"github.com/kiro-gateway/gateway/internal/store"
	"github.com/kiro-gateway/gateway/internal/syncclient"
	"github.com/kiro-gateway/gateway/internal/tokenmanager"
)

var version = "dev"

// Upstream endpoint templates, keyed by the credential's effective region.
func chatEndpoint(region string) string {
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/generateAssistantResponse", region)
}

func socialRefreshURL(region string) string {
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", region)
}

func idcRefreshURL(region string) string {
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)
}

// defaultPrices is the per-model cost table backing the admin dashboard's
// cost column. Unknown models fall through to "default".
var defaultPrices = ledger.PriceTable{
	"claude-opus-4-20250514":     {InputPerMillion: 15, OutputPerMillion: 75},
	"claude-sonnet-4-20250514":   {InputPerMillion: 3, OutputPerMillion: 15},
	"claude-3-7-sonnet-20250219": {InputPerMillion: 3, OutputPerMillion: 15},
	"claude-3-5-haiku-20241022":  {InputPerMillion: 0.8, OutputPerMillion: 4},
	"default":                    {InputPerMillion: 3, OutputPerMillion: 15},
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("kiro-gateway starting", "version", version)

	cfgFile, err := config.LoadFile(cfg.ConfigPath)
	if err != nil {
		slog.Error("config file load failed", "error", err)
		os.Exit(1)
	}
	if err := cfgFile.Validate(); err != nil {
		slog.Error("config file validation failed", "error", err)
		os.Exit(1)
	}

	proxyHandle := sharedproxy.New(cfgFile.Proxy)

	cipher, err := credential.NewCipher(cfg.EncryptionKey)
	if err != nil {
		slog.Error("cipher init failed", "error", err)
		os.Exit(1)
	}

	pool, err := credential.Load(cfg.CredentialsPath, cipher)
	if err != nil {
		slog.Error("credential pool load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("credential pool loaded", "count", len(pool.GetAll()))

	selector := credential.NewSelector(pool, credential.LoadBalancingMode(cfgFile.LoadBalancing))

	backend := httpclient.Backend(cfg.TLSBackend)
	// Relay clients carry no client-level timeout: non-streaming calls get
	// a context deadline per request and streaming calls an idle timer. A
	// blanket http.Client.Timeout would cut long streams off mid-reply.
	factory := httpclient.NewFactory(proxyHandle, 0, backend)

	tm := tokenmanager.New(pool, selector, factory, tokenmanager.DefaultConfig(), tokenmanager.OAuthEndpoints{
		SocialRefreshURL: socialRefreshURL,
		IDCRefreshURL:    idcRefreshURL,
	})

	keys, err := apikeys.New(cfg.APIKeysPath, cfgFile.LegacyAPIKey)
	if err != nil {
		slog.Error("api key store load failed", "error", err)
		os.Exit(1)
	}

	usage := ledger.New(cfg.LedgerPath, 0, 0, defaultPrices)
	if err := usage.Load(); err != nil {
		slog.Warn("ledger snapshot load failed, starting empty", "error", err)
	}

	dataStore, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer dataStore.Close()

	bus := events.NewBus(200)
	tm.SetNotifier(func(kind string, credentialID int64, message string) {
		bus.Publish(events.Event{Type: events.EventType(kind), CredentialID: credentialID, Message: message})
	})

	sched := maintenance.New()
	mustRegister := func(name string, err error) {
		if err != nil {
			slog.Error("maintenance job registration failed", "job", name, "error", err)
			os.Exit(1)
		}
	}
	mustRegister("cooldown", maintenance.RegisterCooldownRecovery(sched, pool))
	mustRegister("ledger", maintenance.RegisterLedgerSnapshot(sched, usage))
	mustRegister("log-purge", maintenance.RegisterLogPurge(sched, dataStore, 0))

	// Control plane: sync manager and device channel, both optional.
	var syncClient *syncclient.Client
	var syncMgr *syncclient.Manager
	var deviceCh *device.Channel
	if sc := cfgFile.Sync; sc != nil && sc.Enabled {
		controlClient, err := httpclient.Build(cfgFile.Proxy, 30*time.Second, backend)
		if err != nil {
			slog.Error("control-plane client build failed", "error", err)
			os.Exit(1)
		}
		syncClient = syncclient.New(controlClient, strings.TrimSuffix(sc.ServerURL, "/")+"/api", "")
		syncMgr = syncclient.NewManager(syncClient, pool, cfg.SyncStatePath, sc.RegisterURL)
		syncMgr.SetNotifier(func(kind, message string) {
			bus.Publish(events.Event{Type: events.EventType(kind), Message: message})
		})
		if err := syncMgr.LoadState(); err != nil {
			slog.Warn("sync state load failed", "error", err)
		}

		authCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := syncMgr.EnsureAuth(authCtx); err != nil {
			slog.Warn("sync auth failed at startup, retrying on next cycle", "error", err)
		}
		cancel()

		interval := time.Duration(sc.IntervalSeconds) * time.Second
		mustRegister("sync", maintenance.RegisterSyncCycle(sched, syncMgr, interval))

		dev := identity.LocalDevice()
		wsURL := strings.Replace(strings.Replace(strings.TrimSuffix(sc.ServerURL, "/"), "https://", "wss://", 1), "http://", "ws://", 1) +
			"/socket.io/?EIO=4&transport=websocket"
		deviceCh = device.New(device.DefaultConfig(wsURL), device.Identity{
			Token:       syncMgr.Token(),
			DeviceID:    dev.ID,
			DeviceName:  dev.Name,
			DeviceType:  dev.Type,
			AccountType: dev.AccountType,
		}, commandHandler(pool, tm, syncMgr, bus))

		ch := deviceCh
		mustRegister("device-last-seen", sched.Register("@every 1m", "device-last-seen", func(ctx context.Context) error {
			if ch.State() != device.Registered {
				return nil
			}
			return dataStore.TouchDeviceSeen(ctx, dev.ID, time.Now().UTC())
		}))
	}

	// Hot reload: an operator editing any of the three JSON files on disk
	// gets the change picked up without a restart.
	watcher, err := config.NewWatcher(cfg.ConfigPath, cfg.CredentialsPath, cfg.APIKeysPath, config.WatchTargets{
		OnConfigChange: func() {
			fresh, err := config.LoadFile(cfg.ConfigPath)
			if err != nil {
				slog.Warn("config reload failed", "error", err)
				return
			}
			proxyHandle.Set(fresh.Proxy)
			selector.SetMode(credential.LoadBalancingMode(fresh.LoadBalancing))
		},
		OnCredentialsChange: func() {
			if err := pool.ReloadFromDisk(); err != nil {
				slog.Warn("credential reload failed", "error", err)
			}
		},
		OnAPIKeysChange: func() {
			if err := keys.Reload(); err != nil {
				slog.Warn("api key reload failed", "error", err)
			}
		},
	})
	if err != nil {
		slog.Error("config watcher init failed", "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	srv := server.New(server.Deps{
		Config:       cfg,
		ConfigPath:   cfg.ConfigPath,
		ConfigFile:   cfgFile,
		Proxy:        proxyHandle,
		Factory:      factory,
		Keys:         keys,
		Pool:         pool,
		Selector:     selector,
		TokenMgr:     tm,
		Ledger:       usage,
		Store:        dataStore,
		Bus:          bus,
		LogHandler:   logHandler,
		Scheduler:    sched,
		SyncClient:   syncClient,
		SyncMgr:      syncMgr,
		Device:       deviceCh,
		ChatEndpoint: chatEndpoint,
		Version:      version,
	})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// commandHandler executes remote credential commands against the pool.
// AddCredential goes through the same validating refresh as an operator
// add; every success nudges the Sync Manager so peers see the new state
// immediately.
func commandHandler(pool *credential.Pool, tm *tokenmanager.Manager, syncMgr *syncclient.Manager, bus *events.Bus) device.Handler {
	return func(ctx context.Context, cmd device.Command) device.CommandReply {
		reply := device.CommandReply{CommandID: cmd.CommandID}

		fail := func(err error) device.CommandReply {
			reply.Error = err.Error()
			return reply
		}

		switch cmd.Type {
		case "AddCredential":
			var c credential.Credential
			if err := json.Unmarshal(cmd.Credential, &c); err != nil {
				return fail(fmt.Errorf("malformed credential: %w", err))
			}
			if err := pool.Add(&c); err != nil {
				return fail(err)
			}
			if _, err := tm.ForceRefresh(ctx, c.ID); err != nil {
				_ = pool.Delete(c.ID)
				return fail(fmt.Errorf("validation refresh failed: %w", err))
			}
			data, _ := json.Marshal(map[string]int64{"credential_id": c.ID})
			reply.Data = data
		case "DeleteCredential":
			if err := pool.Delete(cmd.CredentialID); err != nil {
				return fail(err)
			}
		case "SetDisabled":
			if err := pool.SetDisabled(cmd.CredentialID, cmd.Disabled); err != nil {
				return fail(err)
			}
		default:
			return fail(fmt.Errorf("unknown command type %q", cmd.Type))
		}

		reply.Success = true
		bus.Publish(events.Event{Type: events.EventDeviceCommand, CredentialID: cmd.CredentialID, Message: cmd.Type})
		if syncMgr != nil {
			go func() {
				pushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := syncMgr.RunCycle(pushCtx); err != nil {
					slog.Warn("post-command sync push failed", "error", err)
				}
			}()
		}
		return reply
	}
}
