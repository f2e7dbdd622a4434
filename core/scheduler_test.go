package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSchedulerProject(t *testing.T, eps ...string) *EndpointRegistry {
	dir := t.TempDir()
	p := &Project{Name: "test"}
	p.Template.Path = dir
	for i, content := range eps {
		writeEndpointFile(t, dir, yamlName(i), content)
	}
	r := NewEndpointRegistry(p)
	require.NoError(t, r.LoadAll())
	return r
}

func yamlName(i int) string {
	return []string{"a.yaml", "b.yaml", "c.yaml"}[i]
}

func TestSchedulerStartSkipsEndpointsWithoutCache(t *testing.T) {
	r := newTestSchedulerProject(t, `
url-path: /things
method: GET
connection: [main]
template: "SELECT 1"
`)
	s := NewScheduler(r, NewCacheManager(nil, nil, zap.NewNop().Sugar()), zap.NewNop().Sugar())
	s.Start(t.Context())
	defer s.Stop(time.Second)

	assert.Empty(t, s.entries, "an endpoint with no cache block must not get a cron entry")
}

func TestSchedulerStartSchedulesCacheEnabledEndpoint(t *testing.T) {
	r := newTestSchedulerProject(t, `
url-path: /things
method: GET
connection: [main]
template: "SELECT 1"
cache:
  enabled: true
  table: things_cache
  schedule: 1h
`)
	// engine is nil: the warm-up goroutine's refresh will fail and be
	// logged, which is fine for this test since it only asserts that the
	// cron entry itself gets registered.
	s := NewScheduler(r, NewCacheManager(nil, NewExpander(t.TempDir()), zap.NewNop().Sugar()), zap.NewNop().Sugar())
	s.Start(t.Context())
	defer s.Stop(time.Second)

	s.mu.Lock()
	_, ok := s.entries["/things"]
	s.mu.Unlock()
	assert.True(t, ok, "a cache-enabled endpoint with a positive schedule must get a cron entry")
}

func TestSchedulerRescheduleReplacesExistingEntry(t *testing.T) {
	r := newTestSchedulerProject(t, `
url-path: /things
method: GET
connection: [main]
template: "SELECT 1"
cache:
  enabled: true
  table: things_cache
  schedule: 1h
`)
	s := NewScheduler(r, NewCacheManager(nil, NewExpander(t.TempDir()), zap.NewNop().Sugar()), zap.NewNop().Sugar())
	s.Start(t.Context())
	defer s.Stop(time.Second)

	s.mu.Lock()
	before := s.entries["/things"]
	s.mu.Unlock()

	ep, ok := r.Lookup("GET", "/things")
	require.True(t, ok)
	s.Reschedule(ep)

	s.mu.Lock()
	after, ok := s.entries["/things"]
	s.mu.Unlock()
	require.True(t, ok)
	assert.NotEqual(t, before, after, "rescheduling must replace the cron entry, not duplicate it")
}

func TestSchedulerRescheduleRemovesEntryWhenCacheDisabled(t *testing.T) {
	r := newTestSchedulerProject(t, `
url-path: /things
method: GET
connection: [main]
template: "SELECT 1"
cache:
  enabled: true
  table: things_cache
  schedule: 1h
`)
	s := NewScheduler(r, NewCacheManager(nil, NewExpander(t.TempDir()), zap.NewNop().Sugar()), zap.NewNop().Sugar())
	s.Start(t.Context())
	defer s.Stop(time.Second)

	ep, ok := r.Lookup("GET", "/things")
	require.True(t, ok)
	ep.Cache.Enabled = false
	s.Reschedule(ep)

	s.mu.Lock()
	_, stillPresent := s.entries["/things"]
	s.mu.Unlock()
	assert.False(t, stillPresent, "disabling cache and rescheduling must drop the cron entry")
}

func TestSchedulerStopIsIdempotentAndTimesOutGracefully(t *testing.T) {
	r := newTestSchedulerProject(t)
	s := NewScheduler(r, NewCacheManager(nil, nil, zap.NewNop().Sugar()), zap.NewNop().Sugar())
	s.Start(t.Context())
	s.Stop(10 * time.Millisecond)
	s.Stop(10 * time.Millisecond)
}
