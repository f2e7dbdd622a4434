// Package core implements the flAPI Request Pipeline Core: configuration
// loading, template expansion, validation, query execution against the
// embedded analytical engine, and cache management.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Project is the root descriptor for a flAPI deployment (§3 Project).
type Project struct {
	Name        string `yaml:"project_name" mapstructure:"project_name"`
	Description string `yaml:"project_description" mapstructure:"project_description"`

	Template struct {
		Path                 string   `yaml:"path"`
		EnvironmentWhitelist []string `yaml:"environment-whitelist"`
	} `yaml:"template"`

	Connections map[string]*ConnectionConfig `yaml:"connections"`

	DuckDB struct {
		DBPath             string `yaml:"db_path"`
		AccessMode         string `yaml:"access_mode"`
		Threads            int    `yaml:"threads"`
		MaxMemory          string `yaml:"max_memory"`
		DefaultOrder       string `yaml:"default_order"`
		MaxConcurrentReads int    `yaml:"max_concurrent_reads"`
	} `yaml:"duckdb"`

	Ducklake struct {
		Enabled      bool   `yaml:"enabled"`
		Alias        string `yaml:"alias"`
		MetadataPath string `yaml:"metadata-path"`
		DataPath     string `yaml:"data-path"`
		Retention    struct {
			KeepLastSnapshots int           `yaml:"keep-last-snapshots"`
			MaxSnapshotAge    time.Duration `yaml:"max-snapshot-age"`
		} `yaml:"retention"`
		Scheduler struct {
			Enabled      bool          `yaml:"enabled"`
			ScanInterval time.Duration `yaml:"scan-interval"`
		} `yaml:"scheduler"`
	} `yaml:"ducklake"`

	EnforceHTTPS struct {
		Enabled     bool   `yaml:"enabled"`
		SSLCertFile string `yaml:"ssl-cert-file"`
		SSLKeyFile  string `yaml:"ssl-key-file"`
	} `yaml:"enforce-https"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed-origins"`
		AllowedHeaders []string `yaml:"allowed-headers"`
	} `yaml:"cors"`

	Heartbeat struct {
		Enabled        bool          `yaml:"enabled"`
		WorkerInterval time.Duration `yaml:"worker-interval"`
	} `yaml:"heartbeat"`

	Auth      *AuthConfig      `yaml:"auth"`
	RateLimit *RateLimitConfig `yaml:"rate-limit"`

	// envAllow is the compiled environment-variable allowlist.
	envAllow []*regexp.Regexp
}

// ConnectionConfig is a named data-source binding (§3 Connection).
type ConnectionConfig struct {
	Name       string            `yaml:"-"`
	Init       []string          `yaml:"init"`
	Properties map[string]string `yaml:"properties"`
	LogQueries bool              `yaml:"log-queries"`
	LogParams  bool              `yaml:"log-parameters"`
	Allow      string            `yaml:"allow"`
}

// ParamLocation is where an endpoint parameter is read from.
type ParamLocation string

const (
	LocationQuery  ParamLocation = "query"
	LocationPath   ParamLocation = "path"
	LocationHeader ParamLocation = "header"
	LocationBody   ParamLocation = "body"
)

// Parameter is a single declared request field (§3 Endpoint.request[]).
type Parameter struct {
	Name        string          `yaml:"field-name"`
	In          ParamLocation   `yaml:"field-in"`
	Description string          `yaml:"description"`
	Required    bool            `yaml:"required"`
	Default     any             `yaml:"default"`
	Validators  []ValidatorSpec `yaml:"validators"`
}

// ValidatorSpec is a tagged variant over the supported validator kinds (§3 Validator).
type ValidatorSpec struct {
	Type string `yaml:"type"` // int, string, enum, email, uuid, date, time, bool

	Min   *float64 `yaml:"min"`
	Max   *float64 `yaml:"max"`
	Regex string   `yaml:"regex"`

	Allowed []string `yaml:"allowed"`

	PreventSQLInjection bool `yaml:"preventSqlInjection"`

	DateFormat string `yaml:"format"`
}

// CursorSpec declares the incremental-refresh cursor column (§3 CacheSpec).
type CursorSpec struct {
	Column string `yaml:"column"`
	Type   string `yaml:"type"`
}

// RetentionSpec bounds cache snapshot history (§3 CacheSpec).
type RetentionSpec struct {
	KeepLastSnapshots int           `yaml:"keep-last-snapshots"`
	MaxSnapshotAge    time.Duration `yaml:"max-snapshot-age"`
}

// CacheMode is the derived refresh strategy for a cache-enabled endpoint.
type CacheMode string

const (
	CacheModeFull            CacheMode = "full"
	CacheModeMerge           CacheMode = "merge"
	CacheModeIncrementalMerge CacheMode = "incremental_merge"
	CacheModeAppend          CacheMode = "append"
)

// CacheSpec configures a materialized, snapshotted cache table (§3 CacheSpec).
type CacheSpec struct {
	Enabled         bool          `yaml:"enabled"`
	Catalog         string        `yaml:"catalog"`
	Schema          string        `yaml:"schema"`
	Table           string        `yaml:"table"`
	Schedule        time.Duration `yaml:"schedule"`
	RefreshEndpoint bool          `yaml:"refresh-endpoint"`
	TemplateFile    string        `yaml:"template-file"`
	SourceTemplate  string        `yaml:"source-template"`
	PrimaryKey      []string      `yaml:"primary-key"`
	Cursor          *CursorSpec   `yaml:"cursor"`
	Retention       RetentionSpec `yaml:"retention"`
}

// Mode derives the cache refresh mode from the presence of PrimaryKey/Cursor (§3).
func (c *CacheSpec) Mode() CacheMode {
	hasPK := len(c.PrimaryKey) > 0
	hasCursor := c.Cursor != nil && c.Cursor.Column != ""

	switch {
	case hasPK && hasCursor:
		return CacheModeIncrementalMerge
	case hasPK:
		return CacheModeMerge
	case hasCursor:
		return CacheModeAppend
	default:
		return CacheModeFull
	}
}

// QualifiedTable returns catalog.schema.table.
func (c *CacheSpec) QualifiedTable() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.Catalog, c.Schema, c.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// OperationSpec is the write-intent hint for an endpoint (§3 Endpoint.operation).
type OperationSpec struct {
	Type                string `yaml:"type"` // read | write
	Transaction         bool   `yaml:"transaction"`
	ValidateBeforeWrite bool   `yaml:"validate_before_write"`
	ReturnsData         bool   `yaml:"returns_data"`
}

// Endpoint is the unit of exposure: a REST path and/or MCP view bound to a
// SQL template (§3 Endpoint).
type Endpoint struct {
	URLPath string `yaml:"url-path"`
	Method  string `yaml:"method"`

	MCPTool        string `yaml:"mcp-tool"`
	MCPResource    string `yaml:"mcp-resource"`
	MCPPrompt      string `yaml:"mcp-prompt"`
	MCPName        string `yaml:"name"`
	MCPDescription string `yaml:"description"`

	Request []Parameter `yaml:"request"`

	TemplateSource string `yaml:"template-source"`
	TemplateInline string `yaml:"template"`

	Connection []string `yaml:"connection"`

	Cache *CacheSpec `yaml:"cache"`

	Auth      *AuthConfig      `yaml:"auth"`
	RateLimit *RateLimitConfig `yaml:"rate-limit"`
	Operation *OperationSpec   `yaml:"operation"`

	// SourceFile is the absolute path to the descriptor this endpoint was
	// parsed from. Used for error reporting and Reload.
	SourceFile string `yaml:"-"`
}

// IsMCPOnly reports whether the endpoint has no REST exposure.
func (e *Endpoint) IsMCPOnly() bool {
	return e.URLPath == "" && (e.MCPTool != "" || e.MCPResource != "" || e.MCPPrompt != "")
}

// EffectiveMethod returns the HTTP method, defaulting to GET.
func (e *Endpoint) EffectiveMethod() string {
	if e.Method == "" {
		return "GET"
	}
	return strings.ToUpper(e.Method)
}

// IsWrite reports whether the endpoint mutates data, per §4.G step 7.
func (e *Endpoint) IsWrite() bool {
	if e.Operation != nil && e.Operation.Type != "" {
		return e.Operation.Type == "write"
	}
	switch e.EffectiveMethod() {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	default:
		return false
	}
}

// PrimaryConnection returns the first named connection, or "" if none.
func (e *Endpoint) PrimaryConnection() string {
	if len(e.Connection) == 0 {
		return ""
	}
	return e.Connection[0]
}

// ParamByName looks up a declared parameter by name.
func (e *Endpoint) ParamByName(name string) (Parameter, bool) {
	for _, p := range e.Request {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Validate checks the structural invariants from §3 Endpoint.
func (e *Endpoint) Validate() error {
	seen := map[string]bool{}
	for _, p := range e.Request {
		if seen[p.Name] {
			return &ConfigError{Message: fmt.Sprintf("duplicate parameter %q", p.Name), File: e.SourceFile}
		}
		seen[p.Name] = true
		for _, v := range p.Validators {
			if !isKnownValidatorType(v.Type) {
				return &ConfigError{Message: fmt.Sprintf("unknown validator type %q for field %q", v.Type, p.Name), File: e.SourceFile}
			}
		}
		if p.In == LocationPath && !strings.Contains(e.URLPath, ":"+p.Name) {
			return &ConfigError{Message: fmt.Sprintf("path parameter %q not present in url-path %q", p.Name, e.URLPath), File: e.SourceFile}
		}
	}
	if len(e.Connection) == 0 && !e.IsMCPOnly() && e.MCPPrompt == "" {
		return &ConfigError{Message: "endpoint declares no connection", File: e.SourceFile}
	}
	if e.Cache != nil && e.Cache.Enabled && len(e.Connection) == 0 {
		return &ConfigError{Message: "cache-enabled endpoint requires a primary connection", File: e.SourceFile}
	}
	return nil
}

func isKnownValidatorType(t string) bool {
	switch t {
	case "int", "string", "enum", "email", "uuid", "date", "time", "bool":
		return true
	default:
		return false
	}
}

// ReadProjectFile parses the project descriptor at path, applying
// environment-variable substitution to connection properties and init
// statements (see substituteEnv); other string values are kept as written.
func ReadProjectFile(path string) (*Project, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Message: err.Error(), File: path}
	}

	var p Project
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("parsing project descriptor: %s", err), File: path}
	}

	for name, c := range p.Connections {
		c.Name = name
	}

	p.envAllow = compileAllowlist(p.Template.EnvironmentWhitelist)
	if p.Template.Path == "" {
		p.Template.Path = filepath.Join(filepath.Dir(path), "endpoints")
	} else if !filepath.IsAbs(p.Template.Path) {
		p.Template.Path = filepath.Join(filepath.Dir(path), p.Template.Path)
	}

	substituteEnv(&p)
	return &p, nil
}

func compileAllowlist(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		anchored := "^" + strings.ReplaceAll(regexp.QuoteMeta(pat), `\*`, ".*") + "$"
		if re, err := regexp.Compile(anchored); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// EnvAllowed reports whether name matches the project's environment
// allowlist (§6.6).
func (p *Project) EnvAllowed(name string) bool {
	for _, re := range p.envAllow {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// AllowedEnv returns the subset of the process environment that is
// allow-listed, for binding into `env.*` template context (§6.6).
func (p *Project) AllowedEnv() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}
		name, val := kv[:i], kv[i+1:]
		if p.EnvAllowed(name) {
			out[name] = val
		}
	}
	return out
}
