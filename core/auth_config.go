package core

import "time"

// AuthMethod selects how a request's principal is established (§4.H).
type AuthMethod string

const (
	AuthNone   AuthMethod = "none"
	AuthBasic  AuthMethod = "basic"
	AuthBearer AuthMethod = "bearer"
)

// BasicUser is one entry of a basic-auth user table (§4.H).
type BasicUser struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles"`
}

// JWTConfig configures bearer/JWT verification (§4.H). Exactly one of
// Secret or JWKSURL is expected to be set.
type JWTConfig struct {
	Secret   string `yaml:"secret"`
	JWKSURL  string `yaml:"jwks-url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	RolesClaim string `yaml:"roles-claim"`
}

// AuthConfig is the auth binding attached to a Project or an Endpoint
// (§3 Project.auth, Endpoint.auth). An Endpoint-level AuthConfig overrides
// the Project-level one wholesale, it is not merged field by field.
type AuthConfig struct {
	Method AuthMethod   `yaml:"method"`
	Basic  []BasicUser  `yaml:"basic-users"`
	JWT    *JWTConfig   `yaml:"jwt"`

	// RequireRoles, when non-empty, restricts access to principals holding
	// at least one of the listed roles.
	RequireRoles []string `yaml:"require-roles"`
}

// RateLimitConfig is the rate-limit binding attached to a Project or an
// Endpoint (§3 Project.rate-limit, Endpoint.rate-limit; §4.H).
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Max      int           `yaml:"max-requests"`
	Interval time.Duration `yaml:"interval"`

	// PerUserOverrides maps a principal name/role to a distinct Max/Interval.
	PerUserOverrides map[string]RateLimitOverride `yaml:"per-user"`
}

// RateLimitOverride replaces Max/Interval for a specific principal or role.
type RateLimitOverride struct {
	Max      int           `yaml:"max-requests"`
	Interval time.Duration `yaml:"interval"`
}
