package serv

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flapi-run/flapi/core"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller populated into a request's
// context.user.* template bindings (§4.H, §4.C).
type Principal struct {
	Username string
	Roles    []string
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authenticator resolves the principal for an incoming request according
// to an AuthConfig's method: none, basic, or bearer/JWT (§4.H).
type Authenticator struct {
	cfg *core.AuthConfig
	jwk *jwksCache
}

// NewAuthenticator builds an Authenticator for cfg. A nil cfg behaves as
// AuthNone.
func NewAuthenticator(cfg *core.AuthConfig) *Authenticator {
	a := &Authenticator{cfg: cfg}
	if cfg != nil && cfg.JWT != nil && cfg.JWT.JWKSURL != "" {
		a.jwk = newJWKSCache(cfg.JWT.JWKSURL)
	}
	return a
}

// Authenticate resolves the caller's Principal from r, or returns a
// CategoryAuthentication error when credentials are absent or invalid.
// With AuthNone (or a nil config) every request is the anonymous principal.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, *core.Error) {
	if a.cfg == nil || a.cfg.Method == "" || a.cfg.Method == core.AuthNone {
		return &Principal{Username: "anonymous"}, nil
	}

	var principal *Principal
	var err *core.Error

	switch a.cfg.Method {
	case core.AuthBasic:
		principal, err = a.authenticateBasic(r)
	case core.AuthBearer:
		principal, err = a.authenticateBearer(r)
	default:
		return nil, core.NewError(core.CategoryConfiguration, fmt.Sprintf("unsupported auth method %q", a.cfg.Method))
	}
	if err != nil {
		return nil, err
	}

	if len(a.cfg.RequireRoles) > 0 {
		ok := false
		for _, want := range a.cfg.RequireRoles {
			if principal.HasRole(want) {
				ok = true
				break
			}
		}
		if !ok {
			return nil, core.NewError(core.CategoryAuthorization, "principal lacks a required role")
		}
	}
	return principal, nil
}

func (a *Authenticator) authenticateBasic(r *http.Request) (*Principal, *core.Error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, core.NewError(core.CategoryAuthentication, "missing basic auth credentials")
	}
	for _, u := range a.cfg.Basic {
		if u.Username == user && u.Password == pass {
			return &Principal{Username: user, Roles: u.Roles}, nil
		}
	}
	return nil, core.NewError(core.CategoryAuthentication, "invalid credentials")
}

func (a *Authenticator) authenticateBearer(r *http.Request) (*Principal, *core.Error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, core.NewError(core.CategoryAuthentication, "missing bearer token")
	}
	raw := strings.TrimPrefix(header, "Bearer ")
	if a.cfg.JWT == nil {
		return nil, core.NewError(core.CategoryConfiguration, "bearer auth configured without a jwt section")
	}

	claims := jwt.MapClaims{}
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if a.cfg.JWT.Secret != "" {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(a.cfg.JWT.Secret), nil
		}
		if a.jwk != nil {
			kid, _ := t.Header["kid"].(string)
			return a.jwk.key(kid)
		}
		return nil, fmt.Errorf("no verification key configured")
	}

	token, parseErr := jwt.ParseWithClaims(raw, claims, keyFunc,
		jwt.WithIssuer(a.cfg.JWT.Issuer),
		jwt.WithAudience(a.cfg.JWT.Audience),
	)
	if parseErr != nil || !token.Valid {
		return nil, core.NewError(core.CategoryAuthentication, "invalid or expired token")
	}

	sub, _ := claims["sub"].(string)
	roles := extractRoles(claims, a.cfg.JWT.RolesClaim)
	return &Principal{Username: sub, Roles: roles}, nil
}

func extractRoles(claims jwt.MapClaims, claimName string) []string {
	if claimName == "" {
		claimName = "roles"
	}
	raw, ok := claims[claimName]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Split(v, ",")
	default:
		return nil
	}
}

// jwksKeyCacheSize bounds the number of distinct kids a single JWKS
// endpoint can hold live at once; key rotation naturally evicts the oldest.
const jwksKeyCacheSize = 32

// jwksCache fetches and caches RSA public keys from a JWKS endpoint for
// RS256-signed tokens, refreshing once the cached set expires. Keys are
// held in a bounded LRU rather than an unbounded map so a misbehaving or
// hostile JWKS endpoint can't grow this cache without limit.
type jwksCache struct {
	url string

	mu      sync.Mutex
	keys    *lru.Cache[string, *rsa.PublicKey]
	fetched time.Time
}

func newJWKSCache(url string) *jwksCache {
	keys, _ := lru.New[string, *rsa.PublicKey](jwksKeyCacheSize)
	return &jwksCache{url: url, keys: keys}
}

type jwkSet struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (c *jwksCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.fetched) > 10*time.Minute || c.keys.Len() == 0 {
		if err := c.refresh(); err != nil {
			return nil, err
		}
	}
	k, ok := c.keys.Get(kid)
	if !ok {
		return nil, fmt.Errorf("no key for kid %q", kid)
	}
	return k, nil
}

func (c *jwksCache) refresh() error {
	resp, err := http.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return err
	}

	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		eBytes = append(make([]byte, 8-len(eBytes)%8), eBytes...)
		e := binary.BigEndian.Uint64(eBytes[len(eBytes)-8:])
		c.keys.Add(k.Kid, &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(e)})
	}
	c.fetched = time.Now()
	return nil
}
