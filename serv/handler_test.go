package serv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execOnMain(t *testing.T, s *Service, query string) {
	t.Helper()
	_, err := s.engine.ExecuteWrite(context.Background(), "main", query, nil, false)
	require.NoError(t, err)
}

func seedWidgets(t *testing.T, s *Service, n int) {
	t.Helper()
	execOnMain(t, s, "CREATE TABLE widgets (id INTEGER, name VARCHAR)")
	for i := 1; i <= n; i++ {
		execOnMain(t, s, "INSERT INTO widgets VALUES ("+strconv.Itoa(i)+", 'w"+strconv.Itoa(i)+"')")
	}
}

func TestEndpointHandlerReadReturnsTopLevelShape(t *testing.T) {
	s := newTestService(t, `
url-path: /widgets
method: GET
connection: [main]
template: "SELECT id, name FROM widgets ORDER BY id"
`)
	seedWidgets(t, s, 3)

	ep, ok := s.registry.Lookup("GET", "/widgets")
	require.True(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rec := httptest.NewRecorder()
	s.EndpointHandler(ep)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Contains(t, body, "data")
	assert.Contains(t, body, "next")
	assert.Contains(t, body, "total_count")
	_, hasPagination := body["pagination"]
	assert.False(t, hasPagination, "response must not nest pagination under its own key")

	data, ok := body["data"].([]interface{})
	require.True(t, ok)
	assert.Len(t, data, 3)
	assert.Equal(t, "", body["next"])
	assert.EqualValues(t, 3, body["total_count"])
}

func TestEndpointHandlerReadTruncatedPageReportsAccurateTotalCount(t *testing.T) {
	s := newTestService(t, `
url-path: /widgets
method: GET
connection: [main]
template: "SELECT id, name FROM widgets ORDER BY id"
`)
	seedWidgets(t, s, 5)

	ep, ok := s.registry.Lookup("GET", "/widgets")
	require.True(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/widgets?limit=2", nil)
	rec := httptest.NewRecorder()
	s.EndpointHandler(ep)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	data := body["data"].([]interface{})
	assert.Len(t, data, 2, "page size must honor the limit query parameter")
	assert.NotEqual(t, "", body["next"], "a truncated page must carry a non-empty next offset")
	assert.EqualValues(t, 5, body["total_count"], "a truncated page must report the true total via the wrapping COUNT(*)")
}

func TestEndpointHandlerWriteReturnsRowsAffected(t *testing.T) {
	s := newTestService(t, `
url-path: /widgets
method: POST
connection: [main]
template: "INSERT INTO widgets VALUES (99, 'created')"
`)
	execOnMain(t, s, "CREATE TABLE widgets (id INTEGER, name VARCHAR)")

	ep, ok := s.registry.Lookup("POST", "/widgets")
	require.True(t, ok)

	req := httptest.NewRequest(http.MethodPost, "/widgets", nil)
	rec := httptest.NewRecorder()
	s.EndpointHandler(ep)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["rows_affected"])
}

func TestEndpointHandlerValidationErrorUsesDocumentedWireShape(t *testing.T) {
	s := newTestService(t, `
url-path: /widgets/:id
method: GET
connection: [main]
request:
  - field-name: id
    field-in: path
    required: true
    validators:
      - type: int
template: "SELECT * FROM widgets WHERE id = {{ params.id }}"
`)
	execOnMain(t, s, "CREATE TABLE widgets (id INTEGER)")

	ep, ok := s.registry.Lookup("GET", "/widgets/:id")
	require.True(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/widgets/not-a-number", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "not-a-number")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	s.EndpointHandler(ep)(rec, req)

	assert.NotEqual(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["category"])
	assert.NotEmpty(t, body["message"])
}

func TestEndpointHandlerUnknownTableProducesDatabaseCategoryError(t *testing.T) {
	s := newTestService(t, `
url-path: /missing
method: GET
connection: [main]
template: "SELECT * FROM does_not_exist"
`)
	ep, ok := s.registry.Lookup("GET", "/missing")
	require.True(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	s.EndpointHandler(ep)(rec, req)

	assert.NotEqual(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Database", body["category"])
}
