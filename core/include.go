package core

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// includeDirective matches "{include:<section> from <relative-path>}" (§4.A).
var includeDirective = regexp.MustCompile(`^\{include:([A-Za-z0-9_-]+)\s+from\s+(.+)\}$`)

// resolveIncludes walks a generic YAML document (decoded as
// map[string]interface{}/[]interface{} leaves) and expands any include
// directive it finds as the value of a map entry. Locally defined sibling
// keys always win over an included section's keys (§4.A "any key defined
// locally wins over included").
func resolveIncludes(doc map[string]interface{}, baseDir string, visited map[string]bool) error {
	for key, val := range doc {
		switch v := val.(type) {
		case string:
			m := includeDirective.FindStringSubmatch(v)
			if m == nil {
				continue
			}
			section, relPath := m[1], m[2]
			included, err := loadIncludedSectionVariant(baseDir, relPath, section, activeVariantTag(), visited)
			if err != nil {
				return err
			}
			if sub, ok := included.(map[string]interface{}); ok {
				for k, iv := range sub {
					if _, exists := doc[k]; !exists && k != key {
						doc[k] = iv
					}
				}
				delete(doc, key)
			} else {
				doc[key] = included
			}

		case map[string]interface{}:
			if err := resolveIncludes(v, baseDir, visited); err != nil {
				return err
			}

		case []interface{}:
			for _, item := range v {
				if m2, ok := item.(map[string]interface{}); ok {
					if err := resolveIncludes(m2, baseDir, visited); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// activeVariantEnv selects the active include variant tag (§4.A "a
// separate variant suffix -<tag> selects a named variant section, e.g.
// auth-dev"), letting one set of descriptors emulate per-environment
// profiles without duplicating include directives per environment.
const activeVariantEnv = "FLAPI_ENV"

func activeVariantTag() string {
	return os.Getenv(activeVariantEnv)
}

// loadIncludedSectionVariant resolves an include directive honoring the
// active variant tag: when tag is set, "<section>-<tag>" is tried first
// (e.g. "auth-dev") and, only if that exact variant section does not
// exist in the target document, resolution falls back to the plain
// "<section>" name. A directive may also still name a variant directly
// (e.g. "{include:auth-dev from ...}"), which resolves as an exact
// section name the same as it always has.
func loadIncludedSectionVariant(baseDir, relPath, section, tag string, visited map[string]bool) (interface{}, error) {
	if tag != "" {
		v, err := loadIncludedSection(baseDir, relPath, section+"-"+tag, visited)
		if err == nil {
			return v, nil
		}
		if !isSectionNotFoundErr(err) {
			return nil, err
		}
	}
	return loadIncludedSection(baseDir, relPath, section, visited)
}

func isSectionNotFoundErr(err error) bool {
	ce, ok := err.(*ConfigError)
	return ok && strings.Contains(ce.Message, "not found in")
}

// loadIncludedSection loads relPath (resolved relative to baseDir) and
// returns its top-level key named section. Cycles are errors.
func loadIncludedSection(baseDir, relPath, section string, visited map[string]bool) (interface{}, error) {
	target := filepath.Clean(filepath.Join(baseDir, relPath))
	visitKey := target + "#" + section

	if visited[visitKey] {
		return nil, &ConfigError{Message: fmt.Sprintf("include cycle detected at %s (section %q)", target, section), File: target}
	}
	visited[visitKey] = true
	defer delete(visited, visitKey)

	b, err := os.ReadFile(target)
	if err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("include target not found: %s", err), File: target}
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("parsing include target: %s", err), File: target}
	}

	if err := resolveIncludes(doc, filepath.Dir(target), visited); err != nil {
		return nil, err
	}

	section_, ok := doc[section]
	if !ok {
		return nil, &ConfigError{Message: fmt.Sprintf("section %q not found in %s", section, target), File: target}
	}
	return section_, nil
}

// expandIncludesInFile reads a descriptor file, expands all include
// directives, and re-serializes to YAML bytes the caller can unmarshal into
// a typed struct (Endpoint, Project, ...).
func expandIncludesInFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Message: err.Error(), File: path}
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("parsing descriptor: %s", err), File: path}
	}

	if err := resolveIncludes(doc, filepath.Dir(path), map[string]bool{}); err != nil {
		return nil, err
	}

	return yaml.Marshal(doc)
}

// substituteEnv replaces ${NAME} references in every connection's
// properties and init statements with allow-listed environment values
// (§4.A); no other field of the Project is substituted. Unmatched names are
// left literal; the serv layer, which owns the logger, warns about them.
func substituteEnv(p *Project) {
	for _, c := range p.Connections {
		for k, v := range c.Properties {
			c.Properties[k] = expandEnvRefs(v, p.EnvAllowed)
		}
		for i, stmt := range c.Init {
			c.Init[i] = expandEnvRefs(stmt, p.EnvAllowed)
		}
	}
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvRefs replaces ${NAME} in s when allowed(NAME) is true; otherwise
// leaves the reference untouched.
func expandEnvRefs(s string, allowed func(string) bool) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if !allowed(name) {
			return m
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}
