package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeYAML(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolveIncludesBasic(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "shared.yaml", "auth:\n  method: basic\n")
	main := writeYAML(t, dir, "endpoint.yaml", "auth: '{include:auth from shared.yaml}'\nurl-path: /x\n")

	out, err := expandIncludesInFile(main)
	require.NoError(t, err)
	assert.Contains(t, string(out), "method: basic")
}

func TestResolveIncludesLocalKeyWinsOverIncluded(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "shared.yaml", "block:\n  a: 1\n  b: 2\n")
	main := writeYAML(t, dir, "endpoint.yaml", "block: '{include:block from shared.yaml}'\na: 99\n")

	var doc map[string]interface{}
	out, err := expandIncludesInFile(main)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(out, &doc))

	assert.EqualValues(t, 99, doc["a"])
	assert.EqualValues(t, 2, doc["b"])
}

func TestResolveIncludesDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "a.yaml", "x: '{include:x from b.yaml}'\n")
	main := writeYAML(t, dir, "b.yaml", "x: '{include:x from a.yaml}'\n")

	_, err := expandIncludesInFile(main)
	require.Error(t, err)
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestResolveIncludesVariantSuffixPrefersTaggedSection(t *testing.T) {
	t.Setenv(activeVariantEnv, "dev")

	dir := t.TempDir()
	writeYAML(t, dir, "shared.yaml", "auth:\n  method: basic\nauth-dev:\n  method: none\n")
	main := writeYAML(t, dir, "endpoint.yaml", "auth: '{include:auth from shared.yaml}'\n")

	out, err := expandIncludesInFile(main)
	require.NoError(t, err)
	assert.Contains(t, string(out), "method: none")
	assert.NotContains(t, string(out), "method: basic")
}

func TestResolveIncludesVariantSuffixFallsBackWhenTaggedSectionMissing(t *testing.T) {
	t.Setenv(activeVariantEnv, "prod")

	dir := t.TempDir()
	writeYAML(t, dir, "shared.yaml", "auth:\n  method: basic\nauth-dev:\n  method: none\n")
	main := writeYAML(t, dir, "endpoint.yaml", "auth: '{include:auth from shared.yaml}'\n")

	out, err := expandIncludesInFile(main)
	require.NoError(t, err)
	assert.Contains(t, string(out), "method: basic")
}

func TestResolveIncludesVariantDirectiveNamesExactVariant(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "shared.yaml", "auth:\n  method: basic\nauth-dev:\n  method: none\n")
	main := writeYAML(t, dir, "endpoint.yaml", "auth: '{include:auth-dev from shared.yaml}'\n")

	out, err := expandIncludesInFile(main)
	require.NoError(t, err)
	assert.Contains(t, string(out), "method: none")
}

func TestSubstituteEnvReplacesAllowedRef(t *testing.T) {
	t.Setenv("FLAPI_TEST_INCLUDE_DSN", "postgres://x")
	p := &Project{
		Connections: map[string]*ConnectionConfig{
			"main": {Properties: map[string]string{"dsn": "${FLAPI_TEST_INCLUDE_DSN}"}},
		},
	}
	p.Template.EnvironmentWhitelist = []string{"FLAPI_TEST_INCLUDE_DSN"}
	p.envAllow = compileAllowlist(p.Template.EnvironmentWhitelist)
	substituteEnv(p)
	assert.Equal(t, "postgres://x", p.Connections["main"].Properties["dsn"])
}

func TestSubstituteEnvLeavesDisallowedRefLiteral(t *testing.T) {
	t.Setenv("FLAPI_TEST_INCLUDE_SECRET", "s3cr3t")
	p := &Project{
		Connections: map[string]*ConnectionConfig{
			"main": {Properties: map[string]string{"dsn": "${FLAPI_TEST_INCLUDE_SECRET}"}},
		},
	}
	substituteEnv(p)
	assert.Equal(t, "${FLAPI_TEST_INCLUDE_SECRET}", p.Connections["main"].Properties["dsn"])
}
