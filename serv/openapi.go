package serv

import (
	"net/http"

	"github.com/flapi-run/flapi/core"
	"github.com/getkin/kin-openapi/openapi3"
)

// openAPIHandler projects the endpoint registry as an OpenAPI 3 document
// (§4.J), built fresh on every request so it always reflects the current
// snapshot after a reload.
func (s *Service) openAPIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := s.buildOpenAPI()
		writeJSON(w, http.StatusOK, doc)
	}
}

func (s *Service) buildOpenAPI() *openapi3.T {
	project := s.registry.Project()

	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       project.Name,
			Description: project.Description,
			Version:     "1.0.0",
		},
		Paths: openapi3.NewPaths(),
	}

	for _, ep := range s.registry.All() {
		if ep.URLPath == "" {
			continue
		}
		op := &openapi3.Operation{
			Summary:     ep.MCPDescription,
			OperationID: operationID(ep),
			Responses:   openapi3.NewResponses(),
		}
		op.Responses.Set("200", &openapi3.ResponseRef{
			Value: openapi3.NewResponse().WithDescription("successful response"),
		})

		for _, p := range ep.Request {
			op.Parameters = append(op.Parameters, &openapi3.ParameterRef{
				Value: paramToOpenAPI(p),
			})
		}

		item := doc.Paths.Value(ep.URLPath)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(ep.URLPath, item)
		}
		setOperation(item, ep.EffectiveMethod(), op)
	}

	return doc
}

func operationID(ep *core.Endpoint) string {
	if ep.MCPName != "" {
		return ep.MCPName
	}
	return ep.EffectiveMethod() + " " + ep.URLPath
}

func paramToOpenAPI(p core.Parameter) *openapi3.Parameter {
	in := "query"
	switch p.In {
	case core.LocationPath:
		in = "path"
	case core.LocationHeader:
		in = "header"
	}
	schema := openapi3.NewStringSchema()
	for _, v := range p.Validators {
		if v.Type == "int" {
			schema = openapi3.NewIntegerSchema()
		}
		if v.Type == "bool" {
			schema = openapi3.NewBoolSchema()
		}
		if len(v.Allowed) > 0 {
			for _, a := range v.Allowed {
				schema.Enum = append(schema.Enum, a)
			}
		}
	}
	param := openapi3.NewPathParameter(p.Name)
	param.In = in
	param.Description = p.Description
	param.Required = p.Required && in == "path"
	param.Schema = openapi3.NewSchemaRef("", schema)
	return param
}

func setOperation(item *openapi3.PathItem, method string, op *openapi3.Operation) {
	switch method {
	case "GET":
		item.Get = op
	case "POST":
		item.Post = op
	case "PUT":
		item.Put = op
	case "PATCH":
		item.Patch = op
	case "DELETE":
		item.Delete = op
	}
}
