package serv

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAPIHandlerDescribesRegisteredEndpoints(t *testing.T) {
	s := newTestService(t, `
url-path: /widgets/:id
method: GET
connection: [main]
request:
  - field-name: id
    field-in: path
    required: true
template: "SELECT * FROM widgets WHERE id = {{ params.id }}"
`)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/openapi.json", nil)
	rec := httptest.NewRecorder()
	s.openAPIHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	assert.Equal(t, "3.0.3", doc["openapi"])
	paths, ok := doc["paths"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, paths, "/widgets/:id")
}

func TestOpenAPIHandlerOmitsMCPOnlyEndpoints(t *testing.T) {
	s := newTestService(t, `
mcp-tool: lookup
template: "SELECT 1"
`)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/openapi.json", nil)
	rec := httptest.NewRecorder()
	s.openAPIHandler()(rec, req)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	paths, ok := doc["paths"].(map[string]interface{})
	require.True(t, ok)
	assert.Empty(t, paths, "an endpoint with no url-path must not appear in the OpenAPI projection")
}
