package serv

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadInConfigFSDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/flapi/flapi.yaml", []byte(`
project_file: project.yaml
`), 0o644))

	cfg, err := ReadInConfigFS("/etc/flapi/flapi.yaml", fs)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/etc/flapi/project.yaml", cfg.ProjectFile)
}

func TestReadInConfigFSOverridesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg/flapi.yaml", []byte(`
host: 127.0.0.1
port: "9090"
log_level: debug
production: true
`), 0o644))

	cfg, err := ReadInConfigFS("/cfg/flapi.yaml", fs)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Production)
	assert.Equal(t, "127.0.0.1:9090", cfg.HostPort())
}

func TestReadInConfigFSEnvOverridesFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg/flapi.yaml", []byte(`
port: "9090"
`), 0o644))
	t.Setenv("FLAPI_PORT", "7070")

	cfg, err := ReadInConfigFS("/cfg/flapi.yaml", fs)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
}

func TestHostPortWithNoHost(t *testing.T) {
	cfg := &Config{Port: "8080"}
	assert.Equal(t, ":8080", cfg.HostPort())
}
