package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withAuth(t *testing.T, cfg *authConfig) {
	t.Helper()
	prev := auth
	auth = cfg
	t.Cleanup(func() { auth = prev })
}

func fullAuth() *authConfig {
	return &authConfig{credentials: []credential{
		{user: "admin", pass: "secret", role: RoleAdmin},
		{user: "operator", pass: "opsecret", role: RoleOperator},
	}}
}

func call(handler http.HandlerFunc, method, user, pass string) (int, bool, http.Header) {
	called := false
	wrapped := func(w http.ResponseWriter, r *http.Request) {
		called = true
		handler(w, r)
	}
	req := httptest.NewRequest(method, "/test", nil)
	if user != "" || pass != "" {
		req.SetBasicAuth(user, pass)
	}
	w := httptest.NewRecorder()
	wrapped(w, req)
	return w.Code, called, w.Header()
}

func TestRequireRole(t *testing.T) {
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

	tests := []struct {
		name      string
		cfg       *authConfig
		adminOnly bool
		user      string
		pass      string
		want      int
	}{
		{name: "disabled allows anonymous", cfg: &authConfig{}, want: http.StatusOK},
		{name: "nil config allows anonymous", cfg: nil, adminOnly: true, want: http.StatusOK},
		{name: "missing credentials", cfg: fullAuth(), want: http.StatusUnauthorized},
		{name: "admin", cfg: fullAuth(), user: "admin", pass: "secret", want: http.StatusOK},
		{name: "operator", cfg: fullAuth(), user: "operator", pass: "opsecret", want: http.StatusOK},
		{name: "wrong password", cfg: fullAuth(), user: "admin", pass: "nope", want: http.StatusUnauthorized},
		{name: "admin only allows admin", cfg: fullAuth(), adminOnly: true, user: "admin", pass: "secret", want: http.StatusOK},
		{name: "admin only rejects operator", cfg: fullAuth(), adminOnly: true, user: "operator", pass: "opsecret", want: http.StatusForbidden},
		{
			name: "unconfigured operator",
			cfg:  &authConfig{credentials: []credential{{user: "admin", pass: "secret", role: RoleAdmin}}},
			user: "operator", pass: "anything",
			want: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withAuth(t, tt.cfg)

			wrap := RequireAnyRole
			if tt.adminOnly {
				wrap = RequireAdmin
			}
			code, _, header := call(wrap(ok), http.MethodGet, tt.user, tt.pass)

			assert.Equal(t, tt.want, code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, header.Get("WWW-Authenticate"), "Constellation")
			}
		})
	}
}

func TestRequireRole_HandlerNotCalledWhenRejected(t *testing.T) {
	withAuth(t, fullAuth())

	_, called, _ := call(RequireAdmin(func(http.ResponseWriter, *http.Request) {}), http.MethodPost, "operator", "opsecret")
	assert.False(t, called)
}

func TestRequireRole_RoleInContext(t *testing.T) {
	withAuth(t, fullAuth())

	var got Role
	h := RequireAnyRole(func(_ http.ResponseWriter, r *http.Request) { got = RoleFromContext(r.Context()) })

	call(h, http.MethodGet, "operator", "opsecret")
	assert.Equal(t, RoleOperator, got)

	withAuth(t, nil)
	call(h, http.MethodGet, "", "")
	assert.Equal(t, RoleAdmin, got)
}

func TestInitAuth(t *testing.T) {
	withAuth(t, nil)

	t.Run("no credentials disables auth", func(t *testing.T) {
		t.Setenv("CONSTELLATION_ADMIN_USER", "")
		t.Setenv("CONSTELLATION_ADMIN_PASS", "")
		require.NoError(t, InitAuth())
		assert.False(t, IsAuthEnabled())
	})

	t.Run("incomplete operator pair is ignored", func(t *testing.T) {
		t.Setenv("CONSTELLATION_ADMIN_USER", "root")
		t.Setenv("CONSTELLATION_ADMIN_PASS", "hunter2")
		t.Setenv("CONSTELLATION_OPERATOR_USER", "ops")
		t.Setenv("CONSTELLATION_OPERATOR_PASS", "")
		require.NoError(t, InitAuth())
		assert.Len(t, auth.credentials, 1)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("CONSTELLATION_ADMIN_USER", "root")
		t.Setenv("CONSTELLATION_ADMIN_PASS", "hunter2")
		t.Setenv("CONSTELLATION_OPERATOR_USER", "ops")
		t.Setenv("CONSTELLATION_OPERATOR_PASS", "ops-pass")
		require.NoError(t, InitAuth())
		assert.True(t, IsAuthEnabled())

		code, _, _ := call(RequireAnyRole(func(w http.ResponseWriter, _ *http.Request) {}), http.MethodGet, "ops", "ops-pass")
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("password from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "admin-pass")
		require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

		t.Setenv("CONSTELLATION_ADMIN_USER", "root")
		t.Setenv("CONSTELLATION_ADMIN_PASS", "")
		t.Setenv("CONSTELLATION_ADMIN_PASS_FILE", path)
		require.NoError(t, InitAuth())

		code, _, _ := call(RequireAdmin(func(w http.ResponseWriter, _ *http.Request) {}), http.MethodPost, "root", "from-file")
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("unreadable file", func(t *testing.T) {
		t.Setenv("CONSTELLATION_ADMIN_PASS", "")
		t.Setenv("CONSTELLATION_ADMIN_PASS_FILE", filepath.Join(t.TempDir(), "missing"))
		assert.Error(t, InitAuth())
	})
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, secureCompare("test", "test"))
	assert.False(t, secureCompare("test", "Test"))
	assert.False(t, secureCompare("test", "test1"))
	assert.False(t, secureCompare("", "test"))
}
