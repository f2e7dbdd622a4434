package core

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler drives cache refreshes on each endpoint's configured schedule
// (§4.F), plus a startup warm-up pass. Per-endpoint schedules are modeled
// as cron.ConstantDelaySchedule entries so the same dependency that would
// parse a cron expression also drives the duration-based cadence here.
type Scheduler struct {
	cron     *cron.Cron
	registry *EndpointRegistry
	cache    *CacheManager
	log      *zap.SugaredLogger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler builds a Scheduler bound to registry/cache.
func NewScheduler(registry *EndpointRegistry, cache *CacheManager, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		registry: registry,
		cache:    cache,
		log:      log,
		entries:  map[string]cron.EntryID{},
	}
}

// Start runs a non-fatal warm-up refresh for every cache-enabled endpoint
// with a positive schedule (endpoints without one are skipped entirely),
// then schedules each such endpoint's periodic refresh and starts the cron
// driver. It returns immediately; each warm-up runs on its own goroutine and
// scheduled refreshes run under the cron driver.
func (s *Scheduler) Start(ctx context.Context) {
	for _, ep := range s.registry.All() {
		if ep.Cache == nil || !ep.Cache.Enabled || ep.Cache.Schedule <= 0 {
			continue
		}
		ep := ep
		go func() {
			if err := s.cache.Refresh(ctx, ep, "warm-up"); err != nil {
				s.log.Warnw("warm-up cache refresh failed", "endpoint", ep.URLPath, "error", err)
			}
		}()

		sched := cron.Every(ep.Cache.Schedule)
		id := s.cron.Schedule(sched, cron.FuncJob(func() {
			if err := s.cache.Refresh(context.Background(), ep, "scheduled"); err != nil {
				s.log.Warnw("scheduled cache refresh failed", "endpoint", ep.URLPath, "error", err)
			}
		}))
		s.mu.Lock()
		s.entries[ep.URLPath] = id
		s.mu.Unlock()
	}
	s.cron.Start()
}

// Reschedule updates ep's cron entry after a config reload changes its
// cache schedule, replacing any prior entry for the same endpoint path.
func (s *Scheduler) Reschedule(ep *Endpoint) {
	s.mu.Lock()
	if id, ok := s.entries[ep.URLPath]; ok {
		s.cron.Remove(id)
		delete(s.entries, ep.URLPath)
	}
	s.mu.Unlock()

	if ep.Cache == nil || !ep.Cache.Enabled || ep.Cache.Schedule <= 0 {
		return
	}
	id := s.cron.Schedule(cron.Every(ep.Cache.Schedule), cron.FuncJob(func() {
		if err := s.cache.Refresh(context.Background(), ep, "scheduled"); err != nil {
			s.log.Warnw("scheduled cache refresh failed", "endpoint", ep.URLPath, "error", err)
		}
	}))
	s.mu.Lock()
	s.entries[ep.URLPath] = id
	s.mu.Unlock()
}

// Stop cancels future ticks and waits up to timeout for any in-flight
// refresh triggered by a tick to finish (§4.F graceful cancellation).
func (s *Scheduler) Stop(timeout time.Duration) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		s.log.Warnw("scheduler stop timed out waiting for in-flight refresh")
	}
}
