package serv

import (
	"net/http"
	"strings"
	"time"

	"github.com/flapi-run/flapi/core"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

const (
	routeHealth      = "/health"
	routeCacheStatus = "/api/v1/_cache/status"
	routeOpenAPI     = "/api/v1/openapi.json"
	routeMCP         = "/mcp/jsonrpc"
)

// routesHandler assembles the full chi route table: health, endpoint
// routes (and their cache-refresh siblings), the global cache status route,
// OpenAPI, MCP, and the
// admin/_config surface (§6.2).
func routesHandler(s *Service) (http.Handler, error) {
	r := chi.NewRouter()

	project := s.registry.Project()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   project.CORS.AllowedOrigins,
		AllowedHeaders:   project.CORS.AllowedHeaders,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get(routeHealth, healthCheckHandler(s))
	r.Get(routeCacheStatus, cacheStatusHandler(s))
	r.Get(routeOpenAPI, s.openAPIHandler())
	r.Post(routeMCP, s.mcpHandler())

	mountAdminRoutes(r, s)

	for _, ep := range s.registry.All() {
		if ep.URLPath == "" {
			continue
		}
		path := toChiPath(ep.URLPath)
		r.Method(ep.EffectiveMethod(), path, s.EndpointHandler(ep))

		if ep.Cache != nil && ep.Cache.Enabled && ep.Cache.RefreshEndpoint {
			ep := ep
			r.Post(path+"/_refresh", func(w http.ResponseWriter, req *http.Request) {
				if err := s.cache.Refresh(req.Context(), ep, "manual"); err != nil {
					writeError(w, core.AsCoreError(err))
					return
				}
				writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshed"})
			})
		}
	}

	return r, nil
}

// toChiPath rewrites the project descriptor's ":param" path syntax (§3
// Endpoint.url-path) into chi's "{param}" route syntax.
func toChiPath(urlPath string) string {
	segments := strings.Split(urlPath, "/")
	for i, seg := range segments {
		if strings.HasPrefix(seg, ":") {
			segments[i] = "{" + seg[1:] + "}"
		}
	}
	return strings.Join(segments, "/")
}

func healthCheckHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func cacheStatusHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		urlPath := r.URL.Query().Get("endpoint")
		out := map[string]interface{}{}
		for _, ep := range s.registry.All() {
			if ep.Cache == nil || !ep.Cache.Enabled {
				continue
			}
			if urlPath != "" && ep.URLPath != urlPath {
				continue
			}
			state, _ := s.cache.State(ep)
			out[ep.URLPath] = map[string]interface{}{
				"last_snapshot_id":   state.LastSnapshotID,
				"last_refresh_at":    formatTimeOrNil(state.LastRefreshAt),
				"last_refresh_error": state.LastRefreshError,
				"next_scheduled_at":  formatTimeOrNil(state.NextScheduledAt),
				"row_count":          state.RowCount,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func formatTimeOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}
