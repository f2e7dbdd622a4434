package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CacheState is the observable state of one endpoint's materialized cache
// table, surfaced through the /api/v1/_cache/status projection (§6.2).
type CacheState struct {
	LastSnapshotID    string
	LastRefreshAt     time.Time
	LastRefreshError  string
	NextScheduledAt   time.Time
	RowCount          int64
	RefreshInProgress bool
	CursorHighWater   interface{}
}

// CacheManager owns the refresh lifecycle for every cache-enabled endpoint
// (§4.E). Refreshes are coalesced per endpoint: a refresh already in
// flight absorbs further trigger requests instead of queuing duplicates.
type CacheManager struct {
	engine   *Engine
	expander *Expander
	log      *zap.SugaredLogger

	mu      sync.Mutex
	states  map[string]*CacheState
	locks   map[string]*sync.Mutex
}

// NewCacheManager builds a CacheManager bound to engine/expander.
func NewCacheManager(engine *Engine, expander *Expander, log *zap.SugaredLogger) *CacheManager {
	return &CacheManager{
		engine:   engine,
		expander: expander,
		log:      log,
		states:   map[string]*CacheState{},
		locks:    map[string]*sync.Mutex{},
	}
}

func (m *CacheManager) key(ep *Endpoint) string {
	if ep.Cache != nil && ep.Cache.QualifiedTable() != "" {
		return ep.Cache.QualifiedTable()
	}
	return ep.URLPath
}

func (m *CacheManager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// State returns the current cache state for an endpoint, if any refresh has
// ever run (or been attempted).
func (m *CacheManager) State(ep *Endpoint) (CacheState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[m.key(ep)]
	if !ok {
		return CacheState{}, false
	}
	return *s, true
}

func (m *CacheManager) setState(key string, fn func(s *CacheState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key]
	if !ok {
		s = &CacheState{}
		m.states[key] = s
	}
	fn(s)
}

// Refresh executes one refresh cycle for ep's cache table. Concurrent
// callers for the same endpoint coalesce onto whichever refresh is already
// running; the second caller returns immediately without error (§4.E).
func (m *CacheManager) Refresh(ctx context.Context, ep *Endpoint, reason string) error {
	if ep.Cache == nil || !ep.Cache.Enabled {
		return NewError(CategoryConfiguration, "endpoint has no cache configuration")
	}
	key := m.key(ep)
	lock := m.lockFor(key)
	if !lock.TryLock() {
		m.log.Debugw("cache refresh coalesced", "table", key, "reason", reason)
		return nil
	}
	defer lock.Unlock()

	m.setState(key, func(s *CacheState) { s.RefreshInProgress = true })
	snapshotID := uuid.NewString()

	err := m.runRefresh(ctx, ep, snapshotID)

	m.setState(key, func(s *CacheState) {
		s.RefreshInProgress = false
		s.NextScheduledAt = time.Now().Add(ep.Cache.Schedule)
		if err != nil {
			s.LastRefreshError = err.Error()
			m.log.Warnw("cache refresh failed", "table", key, "error", err)
			return
		}
		s.LastRefreshError = ""
		s.LastSnapshotID = snapshotID
		s.LastRefreshAt = time.Now()
	})

	if err == nil {
		if count, cerr := m.engine.ExecuteScalar(ctx, "", fmt.Sprintf("SELECT COUNT(*) FROM %s", ep.Cache.QualifiedTable()), nil); cerr == nil {
			m.setState(key, func(s *CacheState) {
				if n, ok := count.(int64); ok {
					s.RowCount = n
				}
			})
		}
		m.applyRetention(ctx, ep)
	}

	return err
}

func (m *CacheManager) runRefresh(ctx context.Context, ep *Endpoint, snapshotID string) error {
	cache := ep.Cache

	var cursorHigh interface{}
	if cache.Mode() == CacheModeAppend || cache.Mode() == CacheModeIncrementalMerge {
		m.mu.Lock()
		if s, ok := m.states[m.key(ep)]; ok {
			cursorHigh = s.CursorHighWater
		}
		m.mu.Unlock()
	}

	bindCtx := map[string]interface{}{
		"cache": map[string]interface{}{
			"snapshot_id":       snapshotID,
			"is_full_refresh":   cache.Mode() == CacheModeFull,
			"cursor_high_water": cursorHigh,
		},
	}

	sourceSQL, err := m.expandSource(cache, bindCtx)
	if err != nil {
		return err
	}

	table := cache.QualifiedTable()

	switch cache.Mode() {
	case CacheModeFull:
		ddl := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS %s", table, sourceSQL)
		if err := m.engine.ExecuteDDL(ctx, ddl); err != nil {
			return err
		}

	case CacheModeAppend:
		if err := m.ensureTableExists(ctx, table, sourceSQL); err != nil {
			return err
		}
		insert := fmt.Sprintf("INSERT INTO %s %s", table, sourceSQL)
		if _, err := m.engine.ExecuteWrite(ctx, "", insert, nil, true); err != nil {
			return err
		}
		m.advanceCursor(ctx, ep, table)

	case CacheModeMerge, CacheModeIncrementalMerge:
		if err := m.ensureTableExists(ctx, table, sourceSQL); err != nil {
			return err
		}
		staging := table + "__staging_" + snapshotID[:8]
		if err := m.engine.ExecuteDDL(ctx, fmt.Sprintf("CREATE TEMP TABLE %s AS %s", staging, sourceSQL)); err != nil {
			return err
		}
		defer m.engine.ExecuteDDL(ctx, "DROP TABLE IF EXISTS "+staging)

		pkCols := cache.PrimaryKey
		onClause := ""
		for i, c := range pkCols {
			if i > 0 {
				onClause += " AND "
			}
			onClause += fmt.Sprintf("t.%s = s.%s", c, c)
		}
		merge := fmt.Sprintf(
			"INSERT INTO %s SELECT * FROM %s s WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s); "+
				"UPDATE %s t SET * FROM (SELECT * FROM %s) s WHERE %s",
			table, staging, table, onClause, table, staging, onClause,
		)
		if _, err := m.engine.ExecuteWrite(ctx, "", merge, nil, true); err != nil {
			return err
		}
		if cache.Mode() == CacheModeIncrementalMerge {
			m.advanceCursor(ctx, ep, table)
		}
	}

	return nil
}

func (m *CacheManager) ensureTableExists(ctx context.Context, table, sourceSQL string) error {
	return m.engine.ExecuteDDL(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS %s LIMIT 0", table, sourceSQL))
}

func (m *CacheManager) advanceCursor(ctx context.Context, ep *Endpoint, table string) {
	if ep.Cache.Cursor == nil {
		return
	}
	v, err := m.engine.ExecuteScalar(ctx, "", fmt.Sprintf("SELECT MAX(%s) FROM %s", ep.Cache.Cursor.Column, table), nil)
	if err != nil {
		return
	}
	m.setState(m.key(ep), func(s *CacheState) { s.CursorHighWater = v })
}

func (m *CacheManager) expandSource(cache *CacheSpec, ctx map[string]interface{}) (string, error) {
	if cache.SourceTemplate != "" {
		return m.expander.Expand(cache.SourceTemplate, ctx)
	}
	if cache.TemplateFile != "" {
		return m.expander.ExpandFile(cache.TemplateFile, ctx)
	}
	return "", NewError(CategoryConfiguration, "cache has neither source-template nor template-file")
}

// applyRetention is called after each refresh but prunes nothing: the
// keep-last-snapshots and max-snapshot-age settings are read and not
// applied, and no ducklake snapshot expiration is issued, whether or not
// ducklake is attached. The scheduler does not expire snapshots either.
func (m *CacheManager) applyRetention(ctx context.Context, ep *Endpoint) {
	if ep.Cache.Retention.KeepLastSnapshots <= 0 && ep.Cache.Retention.MaxSnapshotAge <= 0 {
		return
	}
}
