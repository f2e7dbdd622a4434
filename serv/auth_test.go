package serv

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flapi-run/flapi/core"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateNoneIsAnonymous(t *testing.T) {
	a := NewAuthenticator(nil)
	r := httptest.NewRequest(http.MethodGet, "/x", nil)

	p, err := a.Authenticate(r)
	require.Nil(t, err)
	assert.Equal(t, "anonymous", p.Username)
}

func TestAuthenticateBasicSuccess(t *testing.T) {
	cfg := &core.AuthConfig{
		Method: core.AuthBasic,
		Basic:  []core.BasicUser{{Username: "alice", Password: "hunter2", Roles: []string{"admin"}}},
	}
	a := NewAuthenticator(cfg)

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.SetBasicAuth("alice", "hunter2")

	p, err := a.Authenticate(r)
	require.Nil(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.True(t, p.HasRole("admin"))
}

func TestAuthenticateBasicWrongPassword(t *testing.T) {
	cfg := &core.AuthConfig{
		Method: core.AuthBasic,
		Basic:  []core.BasicUser{{Username: "alice", Password: "hunter2"}},
	}
	a := NewAuthenticator(cfg)

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.SetBasicAuth("alice", "wrong")

	_, err := a.Authenticate(r)
	require.NotNil(t, err)
	assert.Equal(t, core.CategoryAuthentication, err.Category)
}

func TestAuthenticateBasicMissingCredentials(t *testing.T) {
	cfg := &core.AuthConfig{Method: core.AuthBasic, Basic: []core.BasicUser{{Username: "alice", Password: "x"}}}
	a := NewAuthenticator(cfg)

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	_, err := a.Authenticate(r)
	require.NotNil(t, err)
	assert.Equal(t, core.CategoryAuthentication, err.Category)
}

func TestAuthenticateBearerHMACSuccess(t *testing.T) {
	cfg := &core.AuthConfig{Method: core.AuthBearer, JWT: &core.JWTConfig{Secret: "top-secret", RolesClaim: "roles"}}
	a := NewAuthenticator(cfg)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "bob",
		"roles": []interface{}{"editor"},
	})
	signed, err := token.SignedString([]byte("top-secret"))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer "+signed)

	p, aerr := a.Authenticate(r)
	require.Nil(t, aerr)
	assert.Equal(t, "bob", p.Username)
	assert.True(t, p.HasRole("editor"))
}

func TestAuthenticateBearerRejectsBadSignature(t *testing.T) {
	cfg := &core.AuthConfig{Method: core.AuthBearer, JWT: &core.JWTConfig{Secret: "top-secret"}}
	a := NewAuthenticator(cfg)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "bob"})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer "+signed)

	_, aerr := a.Authenticate(r)
	require.NotNil(t, aerr)
	assert.Equal(t, core.CategoryAuthentication, aerr.Category)
}

func TestAuthenticateRequireRolesRejectsMissingRole(t *testing.T) {
	cfg := &core.AuthConfig{
		Method:       core.AuthBasic,
		Basic:        []core.BasicUser{{Username: "alice", Password: "x", Roles: []string{"viewer"}}},
		RequireRoles: []string{"admin"},
	}
	a := NewAuthenticator(cfg)

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.SetBasicAuth("alice", "x")

	_, err := a.Authenticate(r)
	require.NotNil(t, err)
	assert.Equal(t, core.CategoryAuthorization, err.Category)
}

func TestPrincipalHasRole(t *testing.T) {
	p := &Principal{Roles: []string{"a", "b"}}
	assert.True(t, p.HasRole("a"))
	assert.False(t, p.HasRole("z"))
}
