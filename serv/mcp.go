package serv

import (
	"encoding/json"
	"net/http"

	"github.com/flapi-run/flapi/core"
)

// jsonrpcRequest is a JSON-RPC 2.0 request envelope.
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

// mcpHandler serves the MCP JSON-RPC surface (§4.J, §6.2) as a second,
// read-only projection of the same endpoint registry the REST router
// uses — tools, resources and prompts are never forked from that data.
func (s *Service) mcpHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusOK, jsonrpcResponse{JSONRPC: "2.0", Error: &jsonrpcError{Code: -32700, Message: "parse error"}})
			return
		}

		principal, authErr := s.auth.Authenticate(r)
		if authErr != nil {
			writeJSON(w, http.StatusOK, jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{Code: -32001, Message: authErr.Message}})
			return
		}

		result, rpcErr := s.dispatchMCP(r, req, principal)
		resp := jsonrpcResponse{JSONRPC: "2.0", ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Service) dispatchMCP(r *http.Request, req jsonrpcRequest, principal *Principal) (interface{}, *jsonrpcError) {
	switch req.Method {
	case "initialize":
		return map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]interface{}{"name": s.registry.Project().Name, "version": "1.0.0"},
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}, "resources": map[string]interface{}{}, "prompts": map[string]interface{}{}},
		}, nil

	case "tools/list":
		var tools []map[string]interface{}
		for _, ep := range s.registry.All() {
			if ep.MCPTool == "" {
				continue
			}
			tools = append(tools, mcpToolDescriptor(ep))
		}
		return map[string]interface{}{"tools": tools}, nil

	case "tools/call":
		var params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &jsonrpcError{Code: -32602, Message: "invalid params"}
		}
		ep, ok := s.registry.LookupMCP(params.Name)
		if !ok {
			return nil, &jsonrpcError{Code: -32602, Message: "unknown tool"}
		}
		return s.runMCPEndpoint(r, ep, params.Arguments, principal)

	case "resources/list":
		var resources []map[string]interface{}
		for _, ep := range s.registry.All() {
			if ep.MCPResource == "" {
				continue
			}
			resources = append(resources, map[string]interface{}{
				"uri":         "flapi://" + ep.MCPResource,
				"name":        ep.MCPName,
				"description": ep.MCPDescription,
			})
		}
		return map[string]interface{}{"resources": resources}, nil

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &jsonrpcError{Code: -32602, Message: "invalid params"}
		}
		name := stripResourceScheme(params.URI)
		ep, ok := s.registry.LookupMCP(name)
		if !ok {
			return nil, &jsonrpcError{Code: -32602, Message: "unknown resource"}
		}
		return s.runMCPEndpoint(r, ep, nil, principal)

	case "prompts/list":
		var prompts []map[string]interface{}
		for _, ep := range s.registry.All() {
			if ep.MCPPrompt == "" {
				continue
			}
			prompts = append(prompts, map[string]interface{}{"name": ep.MCPName, "description": ep.MCPDescription})
		}
		return map[string]interface{}{"prompts": prompts}, nil

	case "prompts/get":
		var params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &jsonrpcError{Code: -32602, Message: "invalid params"}
		}
		ep, ok := s.registry.LookupMCP(params.Name)
		if !ok {
			return nil, &jsonrpcError{Code: -32602, Message: "unknown prompt"}
		}
		text, err := s.renderPromptText(ep, params.Arguments, principal)
		if err != nil {
			return nil, &jsonrpcError{Code: -32000, Message: err.Error()}
		}
		return map[string]interface{}{
			"messages": []map[string]interface{}{{"role": "user", "content": map[string]interface{}{"type": "text", "text": text}}},
		}, nil

	default:
		return nil, &jsonrpcError{Code: -32601, Message: "method not found"}
	}
}

func mcpToolDescriptor(ep *core.Endpoint) map[string]interface{} {
	props := map[string]interface{}{}
	var required []string
	for _, p := range ep.Request {
		props[p.Name] = map[string]interface{}{"type": jsonSchemaType(p), "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]interface{}{
		"name":        ep.MCPTool,
		"description": ep.MCPDescription,
		"inputSchema": map[string]interface{}{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func jsonSchemaType(p core.Parameter) string {
	for _, v := range p.Validators {
		switch v.Type {
		case "int":
			return "integer"
		case "bool":
			return "boolean"
		}
	}
	return "string"
}

func stripResourceScheme(uri string) string {
	const prefix = "flapi://"
	if len(uri) > len(prefix) && uri[:len(prefix)] == prefix {
		return uri[len(prefix):]
	}
	return uri
}

// runMCPEndpoint executes ep's read query with the MCP-supplied arguments
// validated exactly as REST input would be, and returns an MCP tool-call
// result shape.
func (s *Service) runMCPEndpoint(r *http.Request, ep *core.Endpoint, args map[string]interface{}, principal *Principal) (interface{}, *jsonrpcError) {
	raw := core.RawRequest{}
	for k, v := range args {
		raw[k] = v
	}

	bound, verr := s.validator.Validate(ep, raw)
	if verr != nil {
		return nil, &jsonrpcError{Code: -32602, Message: verr.Message}
	}

	bindCtx := map[string]interface{}{
		"params":  bound,
		"conn":    connBindings(s, ep),
		"context": map[string]interface{}{"user": principalBindings(principal)},
		"env":     stringMapToAny(s.registry.Project().AllowedEnv()),
	}

	query, terr := s.expandTemplate(ep, bindCtx)
	if terr != nil {
		return nil, &jsonrpcError{Code: -32000, Message: terr.Error()}
	}

	stream, err := s.engine.Execute(r.Context(), ep.PrimaryConnection(), query, nil, defaultLimit)
	if err != nil {
		return nil, &jsonrpcError{Code: -32000, Message: err.Error()}
	}
	defer stream.Close()

	var rows []map[string]interface{}
	for stream.Next() {
		row, serr := stream.Scan()
		if serr != nil {
			return nil, &jsonrpcError{Code: -32000, Message: serr.Error()}
		}
		rows = append(rows, row)
	}

	b, _ := json.Marshal(rows)
	return map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": string(b)}},
	}, nil
}

func (s *Service) renderPromptText(ep *core.Endpoint, args map[string]interface{}, principal *Principal) (string, error) {
	bindCtx := map[string]interface{}{
		"params":  args,
		"conn":    connBindings(s, ep),
		"context": map[string]interface{}{"user": principalBindings(principal)},
		"env":     stringMapToAny(s.registry.Project().AllowedEnv()),
	}
	return s.expandTemplate(ep, bindCtx)
}
