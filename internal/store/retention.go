package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowloop/companion/internal/applog"
)

// RetentionConfig carries the three retention windows named in spec §6.
type RetentionConfig struct {
	RawEventsDays        int
	HourlyAggregatesDays int
	DailySummariesDays   int
}

// DefaultRetentionConfig mirrors spec §6's stated defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{RawEventsDays: 7, HourlyAggregatesDays: 30, DailySummariesDays: 365}
}

// RetentionScheduler runs Retain, RetainAggregates, and Vacuum on a cron
// schedule, grounded in modules/scheduler/scheduler.go's same
// github.com/robfig/cron/v3 "@every" shape internal/resourcemon.Monitor uses
// for its own periodic sampling.
type RetentionScheduler struct {
	store     *Store
	retention RetentionConfig
	interval  time.Duration
	log       applog.Logger
	cron      *cron.Cron
}

// NewRetentionScheduler constructs a scheduler bound to store, running on
// interval (typically the store's compaction_interval key).
func NewRetentionScheduler(s *Store, retention RetentionConfig, interval time.Duration, log applog.Logger) *RetentionScheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionScheduler{store: s, retention: retention, interval: interval, log: log}
}

// Start schedules the retention tick and returns once the cron entry is
// registered; it does not block.
func (r *RetentionScheduler) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), r.tick); err != nil {
		return fmt.Errorf("store: retention scheduler: %w", err)
	}
	r.cron.Start()
	go func() {
		<-ctx.Done()
		r.cron.Stop()
	}()
	return nil
}

// Stop halts the cron scheduler immediately, waiting for any in-flight tick.
func (r *RetentionScheduler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

func (r *RetentionScheduler) tick() {
	ctx := context.Background()

	removed, err := r.store.Retain(ctx, r.retention.RawEventsDays)
	if err != nil {
		if r.log != nil {
			r.log.Error("retention: raw event prune failed", "err", err)
		}
	} else if r.log != nil {
		r.log.Info("retention: raw events pruned", "removed", removed)
	}

	aggRemoved, err := r.store.RetainAggregates(ctx, r.retention.HourlyAggregatesDays, r.retention.DailySummariesDays)
	if err != nil {
		if r.log != nil {
			r.log.Error("retention: aggregate prune failed", "err", err)
		}
	} else if r.log != nil {
		r.log.Info("retention: aggregates pruned", "removed", aggRemoved)
	}

	if err := r.store.Vacuum(ctx); err != nil && r.log != nil {
		r.log.Error("retention: vacuum failed", "err", err)
	}
}
