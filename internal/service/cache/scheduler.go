package cache

import (
	"context"
	"log/slog"
	"time"
)

const defaultInterval = 30 * time.Second

// Notifier receives the published snapshot after each successful tick.
type Notifier interface {
	BroadcastSnapshot(Snapshot)
}

// Scheduler drives the cache's refresh ticks at a fixed interval.
type Scheduler struct {
	cache    *Cache
	interval time.Duration
	notifier Notifier
	log      *slog.Logger
}

// NewScheduler constructs a scheduler. notifier may be nil.
func NewScheduler(cache *Cache, interval time.Duration, notifier Notifier, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		cache:    cache,
		interval: interval,
		notifier: notifier,
		log:      log.With("component", "scheduler"),
	}
}

// Run refreshes immediately, then on every tick until ctx is cancelled.
// Ticks are serialized by the cache itself, a slow refresh simply delays
// the next one.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("refresh scheduler started", "interval", s.interval)
	s.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("refresh scheduler stopped")
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	s.cache.Update(ctx)
	if s.notifier != nil {
		s.notifier.BroadcastSnapshot(s.cache.Fetch())
	}
}
