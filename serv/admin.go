package serv

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/flapi-run/flapi/core"
	"github.com/flapi-run/flapi/serv/internal/util"
	"github.com/go-chi/chi/v5"
)

// identifierPattern restricts the schema endpoint's ?table= query
// parameter to a plain dotted identifier, since it is interpolated
// directly into a "SELECT * FROM <table>" introspection query.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*){0,2}$`)

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// mountAdminRoutes wires the live-edit/introspection surface under
// /api/v1/_config (§6.2): project and endpoint inspection, per-endpoint
// validate/reload/parameters/test, and runtime log-level control.
func mountAdminRoutes(r chi.Router, s *Service) {
	r.Get("/api/v1/_config/project", adminProjectHandler(s))
	r.Get("/api/v1/_config/endpoints", adminEndpointsHandler(s))
	r.Get("/api/v1/_config/endpoints/{slug}/parameters", adminEndpointParamsHandler(s))
	r.Post("/api/v1/_config/endpoints/{slug}/validate", adminEndpointValidateHandler(s))
	r.Post("/api/v1/_config/endpoints/{slug}/reload", adminEndpointReloadHandler(s))
	r.Post("/api/v1/_config/endpoints/{slug}/test", adminEndpointTestHandler(s))
	r.Get("/api/v1/_config/log-level", adminLogLevelGetHandler(s))
	r.Put("/api/v1/_config/log-level", adminLogLevelPutHandler(s))
	r.Get("/api/v1/_config/schema", adminSchemaHandler(s))
}

func adminProjectHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.registry.Project()
		conns := map[string]interface{}{}
		for name, c := range p.Connections {
			props := map[string]string{}
			for k, v := range c.Properties {
				props[k] = core.ScrubCredentials(v)
			}
			conns[name] = map[string]interface{}{"properties": props, "log_queries": c.LogQueries}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"name":        p.Name,
			"description": p.Description,
			"connections": conns,
		})
	}
}

func adminEndpointsHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out []map[string]interface{}
		for _, ep := range s.registry.All() {
			out = append(out, map[string]interface{}{
				"slug":      PathToSlug(ep.URLPath),
				"url_path":  ep.URLPath,
				"method":    ep.EffectiveMethod(),
				"mcp_tool":  ep.MCPTool,
				"is_write":  ep.IsWrite(),
				"has_cache": ep.Cache != nil && ep.Cache.Enabled,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func lookupBySlug(s *Service, slug string) (*core.Endpoint, bool) {
	urlPath := SlugToPath(slug)
	for _, ep := range s.registry.All() {
		if ep.URLPath == urlPath {
			return ep, true
		}
	}
	return nil, false
}

func adminEndpointParamsHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ep, ok := lookupBySlug(s, chi.URLParam(r, "slug"))
		if !ok {
			writeError(w, core.NewError(core.CategoryNotFound, "unknown endpoint"))
			return
		}
		writeJSON(w, http.StatusOK, ep.Request)
	}
}

func adminEndpointValidateHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ep, ok := lookupBySlug(s, chi.URLParam(r, "slug"))
		if !ok {
			writeError(w, core.NewError(core.CategoryNotFound, "unknown endpoint"))
			return
		}
		if err := ep.Validate(); err != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
	}
}

func adminEndpointReloadHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ep, ok := lookupBySlug(s, chi.URLParam(r, "slug"))
		if !ok {
			writeError(w, core.NewError(core.CategoryNotFound, "unknown endpoint"))
			return
		}
		if err := s.registry.Reload(ep.SourceFile); err != nil {
			writeError(w, core.AsCoreError(err))
			return
		}
		if ep.Cache != nil && ep.Cache.Enabled {
			if reloaded, ok := lookupBySlug(s, chi.URLParam(r, "slug")); ok {
				s.scheduler.Reschedule(reloaded)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}

// adminEndpointTestHandler validates the request body against the
// endpoint's declared parameters and returns the expanded SQL without
// executing it, for safe inspection of what a request would run.
func adminEndpointTestHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ep, ok := lookupBySlug(s, chi.URLParam(r, "slug"))
		if !ok {
			writeError(w, core.NewError(core.CategoryNotFound, "unknown endpoint"))
			return
		}

		raw, err := gatherRaw(r, ep)
		if err != nil {
			writeError(w, core.Wrap(core.CategoryValidation, "malformed request body", err))
			return
		}
		bound, verr := s.validator.Validate(ep, raw)
		if verr != nil {
			writeError(w, verr)
			return
		}

		bindCtx := map[string]interface{}{
			"params":  bound,
			"conn":    connBindings(s, ep),
			"context": map[string]interface{}{"user": map[string]interface{}{"username": "anonymous", "roles": []interface{}{}}},
			"env":     stringMapToAny(s.registry.Project().AllowedEnv()),
		}
		query, terr := s.expandTemplate(ep, bindCtx)
		if terr != nil {
			writeError(w, core.AsCoreError(terr))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"sql": query})
	}
}

func adminLogLevelGetHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"level": s.atom.Level().String()})
	}
}

func adminLogLevelPutHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Level string `json:"level"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, core.Wrap(core.CategoryValidation, "malformed request body", err))
			return
		}
		level, err := util.ParseLevel(body.Level)
		if err != nil {
			writeError(w, core.NewError(core.CategoryValidation, err.Error()))
			return
		}
		s.atom.SetLevel(level)
		writeJSON(w, http.StatusOK, map[string]string{"level": level.String()})
	}
}

// adminSchemaHandler introspects a connection/table's live column schema
// through the engine (§6.2 "GET /api/v1/_config/schema[?connection=&table=]
// ... introspection via the engine"). This is distinct from the OpenAPI
// projection at /api/v1/openapi.json, which describes endpoints, not
// underlying tables.
func adminSchemaHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connection := r.URL.Query().Get("connection")
		table := r.URL.Query().Get("table")

		if table == "" {
			writeError(w, core.NewError(core.CategoryValidation, "table query parameter is required"))
			return
		}
		if !identifierPattern.MatchString(table) {
			writeError(w, core.NewError(core.CategoryValidation, "table must be a simple dotted identifier"))
			return
		}
		if connection != "" {
			if _, ok := s.registry.Project().Connections[connection]; !ok {
				writeError(w, core.NewError(core.CategoryNotFound, "unknown connection"))
				return
			}
		}

		cols, err := s.engine.DescribeTable(r.Context(), connection, table)
		if err != nil {
			writeError(w, core.AsCoreError(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"connection": connection,
			"table":      table,
			"columns":    cols,
		})
	}
}
