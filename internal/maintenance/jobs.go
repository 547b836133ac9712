package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiro-gateway/gateway/internal/credential"
	"github.com/kiro-gateway/gateway/internal/ledger"
	"github.com/kiro-gateway/gateway/internal/syncclient"
)

// RegisterCooldownRecovery sweeps the pool for credentials past their
// cooldown_until and clears the hold so selection can see them again.
func RegisterCooldownRecovery(s *Scheduler, pool *credential.Pool) error {
	return s.Register("@every 1m", "credential-cooldown-recovery", func(ctx context.Context) error {
		now := time.Now()
		for _, c := range pool.GetAll() {
			if c.CooldownUntil != nil && now.After(*c.CooldownUntil) {
				if err := pool.Update(c.ID, func(live *credential.Credential) {
					live.CooldownUntil = nil
				}); err != nil {
					slog.Warn("cooldown recovery: update failed", "id", c.ID, "error", err)
				}
			}
		}
		return nil
	})
}

// RegisterLedgerSnapshot drives the debounced ledger persistence check.
func RegisterLedgerSnapshot(s *Scheduler, l *ledger.Ledger) error {
	return s.Register("@every 10s", "ledger-snapshot", func(ctx context.Context) error {
		return l.MaybeSnapshot()
	})
}

// RegisterSyncCycle drives the Sync Manager's periodic pull-then-push
// loop. interval defaults to 300s when zero.
func RegisterSyncCycle(s *Scheduler, mgr *syncclient.Manager, interval time.Duration) error {
	spec := "@every 300s"
	if interval > 0 {
		spec = "@every " + interval.String()
	}
	return s.Register(spec, "sync-cycle", func(ctx context.Context) error {
		if err := mgr.EnsureAuth(ctx); err != nil {
			return err
		}
		return mgr.RunCycle(ctx)
	})
}

// RequestLogPurger deletes request log rows older than retention; store is
// any type exposing the single method the ambient sqlite-backed log table
// needs, kept minimal so this package doesn't import internal/store
// directly.
type RequestLogPurger interface {
	PurgeRequestLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RegisterLogPurge runs the request-log retention sweep hourly; retention
// defaults to 30 days when zero.
func RegisterLogPurge(s *Scheduler, store RequestLogPurger, retention time.Duration) error {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return s.Register("@every 1h", "request-log-purge", func(ctx context.Context) error {
		n, err := store.PurgeRequestLogsOlderThan(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("purged old request logs", "count", n)
		}
		return nil
	})
}
