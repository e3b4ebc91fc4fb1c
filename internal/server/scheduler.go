package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/plexushq/weave/internal/engine"
	"github.com/plexushq/weave/internal/queue/streams"
	"github.com/plexushq/weave/internal/store"
)

type schedulerStore interface {
	ListPlexuses(ctx context.Context) ([]store.Plexus, error)
	LatestDiscoveryRun(ctx context.Context, plexusID string) (store.DiscoveryRun, error)
	ActiveDiscoveryRun(ctx context.Context, plexusID string) (store.DiscoveryRun, bool, error)
}

// Scheduler periodically enqueues discovery for plexuses whose cron is due.
// A Redis lock keeps multiple API instances from double-enqueueing.
type Scheduler struct {
	Store    schedulerStore
	Queue    enqueuer
	Rdb      *redis.Client
	Interval time.Duration
	Stop     chan struct{}
	Logger   *log.Logger
}

func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	plexuses, err := s.Store.ListPlexuses(ctx)
	if err != nil {
		s.Logger.Printf("warn: list plexuses: %v", err)
		return
	}
	for _, p := range plexuses {
		if p.DiscoveryCron == "" {
			continue
		}
		var last *time.Time
		if run, err := s.Store.LatestDiscoveryRun(ctx, p.ID); err == nil {
			t := run.StartedAt
			last = &t
		}
		if !isDue(p.DiscoveryCron, last) {
			continue
		}
		if _, active, err := s.Store.ActiveDiscoveryRun(ctx, p.ID); err != nil || active {
			continue
		}

		// distributed lock to avoid duplicate enqueues across instances
		if s.Rdb != nil {
			lockKey := "sched:lock:" + p.ID
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}

		payload := engine.EnqueuedPayload{
			PlexusID:    p.ID,
			Trigger:     "schedule",
			RequestedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if _, err := s.Queue.PublishRaw(ctx, engine.StreamDiscoveryEnqueued, engine.StreamDiscoveryEnqueued, "v1", payload, streams.WithMaxLenApprox(10000)); err != nil {
			s.Logger.Printf("warn: enqueue discovery for plexus %s: %v", p.ID, err)
			continue
		}
		s.Logger.Printf("scheduled discovery enqueued for plexus %s (%s)", p.ID, p.DiscoveryCron)
	}
}

// isDue determines whether a plexus with cronSpec should run now given its
// last run time. Supports "@daily", "@hourly", and standard cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Fallback: treat as @daily if invalid
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
