package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEndpointFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestProject(t *testing.T) *Project {
	dir := t.TempDir()
	p := &Project{Name: "test"}
	p.Template.Path = dir
	return p
}

func TestRegistryLoadAll(t *testing.T) {
	p := newTestProject(t)
	writeEndpointFile(t, p.Template.Path, "users.yaml", `
url-path: /users/:id
method: GET
connection: [main]
request:
  - field-name: id
    field-in: path
template: "SELECT * FROM users WHERE id = {{ params.id }}"
`)

	r := NewEndpointRegistry(p)
	require.NoError(t, r.LoadAll())

	ep, ok := r.Lookup("GET", "/users/:id")
	require.True(t, ok)
	assert.Equal(t, "main", ep.PrimaryConnection())
	assert.Len(t, r.All(), 1)
}

func TestRegistryLoadAllDetectsDuplicateRoute(t *testing.T) {
	p := newTestProject(t)
	writeEndpointFile(t, p.Template.Path, "a.yaml", `
url-path: /things
method: GET
connection: [main]
template: "SELECT 1"
`)
	writeEndpointFile(t, p.Template.Path, "b.yaml", `
url-path: /things
method: GET
connection: [main]
template: "SELECT 2"
`)

	r := NewEndpointRegistry(p)
	err := r.LoadAll()
	require.Error(t, err)
}

func TestRegistryReloadPreservesOthersOnError(t *testing.T) {
	p := newTestProject(t)
	good := writeEndpointFile(t, p.Template.Path, "good.yaml", `
url-path: /good
method: GET
connection: [main]
template: "SELECT 1"
`)
	writeEndpointFile(t, p.Template.Path, "other.yaml", `
url-path: /other
method: GET
connection: [main]
template: "SELECT 2"
`)

	r := NewEndpointRegistry(p)
	require.NoError(t, r.LoadAll())

	require.NoError(t, os.WriteFile(good, []byte("not: [valid yaml"), 0o644))
	err := r.Reload(good)
	assert.Error(t, err)

	_, ok := r.Lookup("GET", "/other")
	assert.True(t, ok, "unrelated endpoint must still be served after a failed reload")
}

func TestRegistryReloadSwapsUpdatedEndpoint(t *testing.T) {
	p := newTestProject(t)
	path := writeEndpointFile(t, p.Template.Path, "ep.yaml", `
url-path: /thing
method: GET
connection: [main]
template: "SELECT 1"
`)

	r := NewEndpointRegistry(p)
	require.NoError(t, r.LoadAll())

	require.NoError(t, os.WriteFile(path, []byte(`
url-path: /thing
method: POST
connection: [main]
template: "SELECT 2"
`), 0o644))
	require.NoError(t, r.Reload(path))

	_, ok := r.Lookup("GET", "/thing")
	assert.False(t, ok)
	ep, ok := r.Lookup("POST", "/thing")
	require.True(t, ok)
	assert.Equal(t, "POST", ep.EffectiveMethod())
}

func TestRegistryDuplicateMCPName(t *testing.T) {
	p := newTestProject(t)
	writeEndpointFile(t, p.Template.Path, "a.yaml", `
mcp-tool: lookup
connection: [main]
template: "SELECT 1"
`)
	writeEndpointFile(t, p.Template.Path, "b.yaml", `
mcp-tool: lookup
connection: [main]
template: "SELECT 2"
`)

	r := NewEndpointRegistry(p)
	err := r.LoadAll()
	require.Error(t, err)
}
