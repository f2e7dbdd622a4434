package serv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/flapi-run/flapi/core"
	"github.com/go-chi/chi/v5"
)

const (
	defaultLimit = 100
	maxLimit     = 10000
)

// EndpointHandler builds the http.HandlerFunc implementing the full
// request pipeline for ep (§4.G): resolve (done by the router), auth,
// rate limit, validate, build the template binding context, expand the
// template, execute, shape the response, and translate any error to its
// single wire representation.
func (s *Service) EndpointHandler(ep *core.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, authErr := s.authenticatorFor(ep).Authenticate(r)
		if authErr != nil {
			writeError(w, authErr)
			return
		}

		if ok, retryAfter := s.limiter.Allow(ep.URLPath, principal, ep.RateLimit); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			writeError(w, core.NewError(core.CategoryRateLimit, "rate limit exceeded"))
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

		limit, offset := paginationParams(r)

		bindCtx := map[string]interface{}{
			"params": bound,
			"conn":   connBindings(s, ep),
			"context": map[string]interface{}{
				"user": principalBindings(principal),
			},
			"env": stringMapToAny(s.registry.Project().AllowedEnv()),
		}

		sql, terr := s.expandTemplate(ep, bindCtx)
		if terr != nil {
			writeError(w, core.AsCoreError(terr))
			return
		}

		if ep.IsWrite() {
			s.handleWrite(w, r, ep, sql)
			return
		}
		s.handleRead(w, r, ep, sql, limit, offset)
	}
}

func (s *Service) authenticatorFor(ep *core.Endpoint) *Authenticator {
	if ep.Auth != nil {
		return NewAuthenticator(ep.Auth)
	}
	return s.auth
}

func (s *Service) expandTemplate(ep *core.Endpoint, ctx map[string]interface{}) (string, error) {
	if ep.TemplateInline != "" {
		return s.expander.Expand(ep.TemplateInline, ctx)
	}
	return s.expander.ExpandFile(ep.TemplateSource, ctx)
}

func (s *Service) handleRead(w http.ResponseWriter, r *http.Request, ep *core.Endpoint, query string, limit, offset int) {
	stream, err := s.engine.Execute(r.Context(), ep.PrimaryConnection(), query, nil, offset+limit)
	if err != nil {
		writeError(w, core.AsCoreError(err))
		return
	}
	defer stream.Close()

	rows := make([]map[string]interface{}, 0, limit)
	skipped := 0
	for stream.Next() {
		if skipped < offset {
			skipped++
			continue
		}
		row, serr := stream.Scan()
		if serr != nil {
			writeError(w, core.WrapDatabase(serr))
			return
		}
		rows = append(rows, row)
	}
	if err := stream.Err(); err != nil {
		writeError(w, core.WrapDatabase(err))
		return
	}

	next := ""
	if stream.HasMore() {
		next = strconv.Itoa(offset + limit)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":        rows,
		"next":        next,
		"total_count": s.totalCount(r.Context(), ep, query, skipped, len(rows), next != ""),
	})
}

// totalCount implements §9 Open Question 1's page-size-fallback policy:
// when the page wasn't truncated (next == ""), the true total is exactly
// offset+len(rows), no extra query needed. When the page was truncated,
// re-running the expanded query as a wrapping COUNT(*) gives an exact
// count, paid only on requests that actually paginate.
func (s *Service) totalCount(ctx context.Context, ep *core.Endpoint, query string, offset, rowsInPage int, truncated bool) int64 {
	if !truncated {
		return int64(offset + rowsInPage)
	}
	count, err := s.engine.ExecuteScalar(ctx, ep.PrimaryConnection(), fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS flapi_total_count", query), nil)
	if err != nil {
		return int64(offset + rowsInPage)
	}
	if n, ok := count.(int64); ok {
		return n
	}
	return int64(offset + rowsInPage)
}

func (s *Service) handleWrite(w http.ResponseWriter, r *http.Request, ep *core.Endpoint, query string) {
	withTx := ep.Operation != nil && ep.Operation.Transaction

	if ep.Operation != nil && ep.Operation.ReturnsData {
		s.handleRead(w, r, ep, query, defaultLimit, 0)
		return
	}

	wr, err := s.engine.ExecuteWrite(r.Context(), ep.PrimaryConnection(), query, nil, withTx)
	if err != nil {
		writeError(w, core.AsCoreError(err))
		return
	}

	resp := map[string]interface{}{"rows_affected": wr.RowsAffected}
	if wr.HasInsertID {
		resp["last_insert_id"] = wr.LastInsertID
	}
	writeJSON(w, http.StatusOK, resp)
}

// gatherRaw collects every declared parameter's raw value from its
// declared location (query/path/header/body) into the union map that the
// validator consumes (§4.D).
func gatherRaw(r *http.Request, ep *core.Endpoint) (core.RawRequest, error) {
	raw := core.RawRequest{}

	var body map[string]interface{}
	needsBody := false
	for _, p := range ep.Request {
		if p.In == core.LocationBody {
			needsBody = true
			break
		}
	}
	if needsBody && r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
	}

	q := r.URL.Query()
	for _, p := range ep.Request {
		switch p.In {
		case core.LocationQuery:
			if v := q.Get(p.Name); v != "" {
				raw[p.Name] = v
			}
		case core.LocationPath:
			if v := chi.URLParam(r, p.Name); v != "" {
				raw[p.Name] = v
			}
		case core.LocationHeader:
			if v := r.Header.Get(p.Name); v != "" {
				raw[p.Name] = v
			}
		case core.LocationBody:
			if body != nil {
				if v, ok := body[p.Name]; ok {
					raw[p.Name] = v
				}
			}
		}
	}
	return raw, nil
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit, offset = defaultLimit, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func connBindings(s *Service, ep *core.Endpoint) map[string]interface{} {
	name := ep.PrimaryConnection()
	out := map[string]interface{}{"name": name}
	if cc, ok := s.registry.Project().Connections[name]; ok {
		props := make(map[string]interface{}, len(cc.Properties))
		for k, v := range cc.Properties {
			props[k] = v
		}
		out["properties"] = props
	}
	return out
}

func principalBindings(p *Principal) map[string]interface{} {
	if p == nil {
		return map[string]interface{}{"username": "anonymous", "roles": []interface{}{}}
	}
	roles := make([]interface{}, len(p.Roles))
	for i, r := range p.Roles {
		roles[i] = r
	}
	return map[string]interface{}{"username": p.Username, "roles": roles}
}

func stringMapToAny(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// writeJSON writes a successful JSON response.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError is the single point that translates a *core.Error into its
// HTTP wire shape (§4.I, §7).
func writeError(w http.ResponseWriter, err *core.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	_ = json.NewEncoder(w).Encode(err)
}
