package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// routeKey identifies an endpoint by HTTP method and URL path pattern.
type routeKey struct {
	method string
	path   string
}

// snapshot is the immutable, atomically-swapped view of all loaded
// endpoints. Readers never block on a reload; Reload builds a new snapshot
// and swaps it in with a single atomic.Value store.
type snapshot struct {
	byRoute map[routeKey]*Endpoint
	byMCP   map[string]*Endpoint
	all     []*Endpoint
}

// EndpointRegistry holds the set of loaded endpoint descriptors and serves
// lookups against an atomically-swapped snapshot (§4.A Config Loader,
// §6.2 live reload).
type EndpointRegistry struct {
	project *Project
	cur     atomic.Value // *snapshot
	mu      sync.Mutex   // serializes Reload/LoadAll against concurrent Reload calls
}

// NewEndpointRegistry creates a registry bound to project. Call LoadAll to
// populate it before serving requests.
func NewEndpointRegistry(project *Project) *EndpointRegistry {
	r := &EndpointRegistry{project: project}
	r.cur.Store(&snapshot{byRoute: map[routeKey]*Endpoint{}, byMCP: map[string]*Endpoint{}})
	return r
}

// LoadAll walks the project's template directory for endpoint descriptors
// (*.yaml/*.yml) and replaces the entire snapshot.
func (r *EndpointRegistry) LoadAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	root := r.project.Template.Path
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return &ConfigError{Message: fmt.Sprintf("walking template path: %s", err), File: root}
	}

	next := &snapshot{byRoute: map[routeKey]*Endpoint{}, byMCP: map[string]*Endpoint{}}
	for _, f := range files {
		ep, err := parseEndpointFile(f)
		if err != nil {
			return err
		}
		if err := ep.Validate(); err != nil {
			return err
		}
		if err := addToSnapshot(next, ep); err != nil {
			return err
		}
	}
	r.cur.Store(next)
	return nil
}

// Reload re-parses a single descriptor file and swaps it into a fresh
// snapshot built from the current one, leaving every other endpoint
// untouched. On error, the previous snapshot remains in effect (§6.2:
// "the previous endpoint ... remains active" on reload failure).
func (r *EndpointRegistry) Reload(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, err := parseEndpointFile(path)
	if err != nil {
		return err
	}
	if err := ep.Validate(); err != nil {
		return err
	}

	old := r.cur.Load().(*snapshot)
	next := &snapshot{byRoute: map[routeKey]*Endpoint{}, byMCP: map[string]*Endpoint{}}
	for _, existing := range old.all {
		if existing.SourceFile == path {
			continue
		}
		if err := addToSnapshot(next, existing); err != nil {
			return err
		}
	}
	if err := addToSnapshot(next, ep); err != nil {
		return err
	}
	r.cur.Store(next)
	return nil
}

func addToSnapshot(s *snapshot, ep *Endpoint) error {
	if ep.URLPath != "" {
		key := routeKey{method: ep.EffectiveMethod(), path: ep.URLPath}
		if existing, ok := s.byRoute[key]; ok {
			return &ConfigError{
				Message: fmt.Sprintf("duplicate route %s %s (already defined in %s)", key.method, key.path, existing.SourceFile),
				File:    ep.SourceFile,
			}
		}
		s.byRoute[key] = ep
	}
	for _, name := range []string{ep.MCPTool, ep.MCPResource, ep.MCPPrompt} {
		if name == "" {
			continue
		}
		if existing, ok := s.byMCP[name]; ok {
			return &ConfigError{
				Message: fmt.Sprintf("duplicate MCP name %q (already defined in %s)", name, existing.SourceFile),
				File:    ep.SourceFile,
			}
		}
		s.byMCP[name] = ep
	}
	s.all = append(s.all, ep)
	return nil
}

func parseEndpointFile(path string) (*Endpoint, error) {
	b, err := expandIncludesInFile(path)
	if err != nil {
		return nil, err
	}
	var ep Endpoint
	if err := yaml.Unmarshal(b, &ep); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("parsing endpoint descriptor: %s", err), File: path}
	}
	ep.SourceFile = path
	return &ep, nil
}

// Lookup resolves a REST route by exact method+path match. Path-pattern
// matching against ":param" segments is the caller's (serv router's)
// responsibility; Lookup is used once the router has already matched a
// pattern to its declared path string.
func (r *EndpointRegistry) Lookup(method, path string) (*Endpoint, bool) {
	s := r.cur.Load().(*snapshot)
	ep, ok := s.byRoute[routeKey{method: strings.ToUpper(method), path: path}]
	return ep, ok
}

// LookupMCP resolves an endpoint by its MCP tool/resource/prompt name.
func (r *EndpointRegistry) LookupMCP(name string) (*Endpoint, bool) {
	s := r.cur.Load().(*snapshot)
	ep, ok := s.byMCP[name]
	return ep, ok
}

// All returns every loaded endpoint, for route-table assembly and the
// admin/introspection surface (§6.2).
func (r *EndpointRegistry) All() []*Endpoint {
	s := r.cur.Load().(*snapshot)
	out := make([]*Endpoint, len(s.all))
	copy(out, s.all)
	return out
}

// Project returns the registry's backing project descriptor.
func (r *EndpointRegistry) Project() *Project {
	return r.project
}
