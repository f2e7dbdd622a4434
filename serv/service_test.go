package serv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flapi-run/flapi/core"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeEndpointFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// newTestService builds a fully wired Service around an in-memory DuckDB
// engine and the endpoints described by yamls, bypassing NewService's
// project-file loading so tests can exercise the HTTP surface directly.
func newTestService(t *testing.T, yamls ...string) *Service {
	t.Helper()

	dir := t.TempDir()
	project := &core.Project{Name: "test-project"}
	project.Template.Path = dir
	project.Connections = map[string]*core.ConnectionConfig{
		"main": {
			Name: "main",
			Properties: map[string]string{
				"driver": "sqlite",
				"dsn":    filepath.Join(t.TempDir(), "main.db"),
			},
		},
	}
	for i, content := range yamls {
		writeEndpointFile(t, dir, endpointFileName(i), content)
	}

	engine := core.NewEngine(zap.NewNop().Sugar())
	require.NoError(t, engine.Init(core.EngineSettings{DBPath: ":memory:"}))
	t.Cleanup(func() { _ = engine.Close() })
	engine.RegisterConnection(project.Connections["main"])
	status, ok := engine.Status("main")
	require.True(t, ok)
	require.True(t, status.Available, "test sqlite connection must come up")

	registry := core.NewEndpointRegistry(project)
	require.NoError(t, registry.LoadAll())

	expander := core.NewExpander(dir)
	cache := core.NewCacheManager(engine, expander, zap.NewNop().Sugar())

	s := &Service{
		registry:  registry,
		engine:    engine,
		expander:  expander,
		cache:     cache,
		scheduler: core.NewScheduler(registry, cache, zap.NewNop().Sugar()),
		auth:      NewAuthenticator(project.Auth),
		limiter:   NewRateLimiter(project.RateLimit),
		validator: core.NewValidator(),
		log:       zap.NewNop().Sugar(),
		atom:      zap.NewAtomicLevel(),
	}
	return s
}

func endpointFileName(i int) string {
	return []string{"a.yaml", "b.yaml", "c.yaml", "d.yaml"}[i]
}
