// Package sweeper prunes dead envelopes that have sat in the offline
// queue past their retention age, so an abandoned browser profile does
// not accumulate undeliverable messages forever.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatwidget/pkg/config"
	"chatwidget/pkg/logger"
	"chatwidget/pkg/store"
)

// Start starts the sweep scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.SweeperConfig) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("sweeper_disabled")
		return func() {}, nil
	}

	if !gronx.IsValid(cfg.Cron) {
		logger.Error("sweeper_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid sweeper cron expression: %s", cfg.Cron)
	}

	logger.Info("sweeper_enabled", "cron", cfg.Cron, "max_age", cfg.MaxAge.Duration())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg)
	return cancel, nil
}

// runScheduler computes the next tick with gronx and sleeps until it.
func runScheduler(ctx context.Context, cfg config.SweeperConfig) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cfg.Cron, now, false)
		if err != nil {
			logger.Error("sweeper_nexttick_failed", "cron", cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		}

		if err := RunOnce(cfg.MaxAge.Duration()); err != nil {
			logger.Error("sweeper_run_error", "error", err)
		}
	}
}

// RunOnce prunes dead envelopes whose last activity is older than
// maxAge. Live envelopes are never touched regardless of age.
func RunOnce(maxAge time.Duration) error {
	envs, err := store.ListEnvelopes()
	if err != nil {
		return fmt.Errorf("sweep list: %w", err)
	}
	cutoff := time.Now().UTC().Add(-maxAge).UnixNano()
	pruned := 0
	for _, env := range envs {
		if !env.Dead {
			continue
		}
		last := env.LastAttemptAt
		if last == 0 {
			last = env.QueuedAt
		}
		if last >= cutoff {
			continue
		}
		if err := store.DeleteEnvelope(env.ClientTempID); err != nil {
			return fmt.Errorf("sweep delete %s: %w", env.ClientTempID, err)
		}
		pruned++
	}
	if pruned > 0 {
		logger.Info("sweeper_pruned", "envelopes", pruned)
	}
	return nil
}
