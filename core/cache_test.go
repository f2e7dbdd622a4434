package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCacheManagerRefreshRejectsEndpointWithoutCache(t *testing.T) {
	m := NewCacheManager(nil, nil, zap.NewNop().Sugar())
	err := m.Refresh(context.Background(), &Endpoint{}, "manual")
	require.NotNil(t, err)
	ce := AsCoreError(err)
	assert.Equal(t, CategoryConfiguration, ce.Category)
}

func TestCacheManagerRefreshCoalescesWhileInFlight(t *testing.T) {
	m := NewCacheManager(nil, NewExpander(t.TempDir()), zap.NewNop().Sugar())
	ep := &Endpoint{Cache: &CacheSpec{Enabled: true, Table: "t"}}

	lock := m.lockFor(m.key(ep))
	require.True(t, lock.TryLock())
	defer lock.Unlock()

	err := m.Refresh(context.Background(), ep, "scheduled")
	assert.NoError(t, err, "a refresh already in flight must coalesce without error")
}

func TestCacheManagerStateUnknownBeforeAnyRefresh(t *testing.T) {
	m := NewCacheManager(nil, nil, zap.NewNop().Sugar())
	_, ok := m.State(&Endpoint{Cache: &CacheSpec{Table: "t"}})
	assert.False(t, ok)
}

func TestCacheManagerRefreshWithoutSourceFails(t *testing.T) {
	m := NewCacheManager(nil, NewExpander(t.TempDir()), zap.NewNop().Sugar())
	ep := &Endpoint{Cache: &CacheSpec{Enabled: true, Table: "t"}}

	err := m.Refresh(context.Background(), ep, "manual")
	require.Error(t, err)

	state, ok := m.State(ep)
	require.True(t, ok)
	assert.False(t, state.RefreshInProgress)
	assert.NotEmpty(t, state.LastRefreshError)
}
