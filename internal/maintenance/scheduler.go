// Package maintenance consolidates the gateway's periodic background jobs
// (sync pull/push, ledger snapshot debounce check, credential cooldown
// recovery, request-log retention) behind a single robfig/cron/v3
// registrar instead of one goroutine-plus-ticker per concern.
package maintenance

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a *cron.Cron with slog-based job error reporting, since
// cron.Cron jobs are bare funcs with no return value.
type Scheduler struct {
	cron *cron.Cron
}

func New() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// Register adds a job under the given cron spec (e.g. "@every 5m"). name
// is used only for log correlation when the job panics or errors.
func (s *Scheduler) Register(spec, name string, job func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("maintenance job panicked", "job", name, "panic", r)
			}
		}()
		if err := job(context.Background()); err != nil {
			slog.Warn("maintenance job failed", "job", name, "error", err)
		}
	})
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
