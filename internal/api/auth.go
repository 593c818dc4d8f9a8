package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/pkg/errors"

	"github.com/AaronLay10/Constellation/internal/config"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

type credential struct {
	user string
	pass string
	role Role
}

// authConfig is nil or empty when the API is open.
type authConfig struct {
	credentials []credential
}

var auth *authConfig

// InitAuth loads credentials from CONSTELLATION_ADMIN_USER/PASS and
// CONSTELLATION_OPERATOR_USER/PASS, honouring the *_FILE convention.
// Authentication is on only when an admin pair is set; an incomplete operator
// pair is ignored.
func InitAuth() error {
	s, err := config.ResolveSecrets(
		"CONSTELLATION_ADMIN_USER",
		"CONSTELLATION_ADMIN_PASS",
		"CONSTELLATION_OPERATOR_USER",
		"CONSTELLATION_OPERATOR_PASS",
	)
	if err != nil {
		return errors.Wrap(err, "load api credentials")
	}

	auth = &authConfig{}
	admin := credential{s["CONSTELLATION_ADMIN_USER"], s["CONSTELLATION_ADMIN_PASS"], RoleAdmin}
	if admin.user == "" || admin.pass == "" {
		return nil
	}
	auth.credentials = append(auth.credentials, admin)
	if op := (credential{s["CONSTELLATION_OPERATOR_USER"], s["CONSTELLATION_OPERATOR_PASS"], RoleOperator}); op.user != "" && op.pass != "" {
		auth.credentials = append(auth.credentials, op)
	}
	return nil
}

func IsAuthEnabled() bool {
	return auth != nil && len(auth.credentials) > 0
}

// authenticate returns the caller's role, or "" for bad or missing
// credentials. An open API treats every caller as admin.
func authenticate(r *http.Request) Role {
	if !IsAuthEnabled() {
		return RoleAdmin
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return ""
	}
	for _, c := range auth.credentials {
		if secureCompare(user, c.user) && secureCompare(pass, c.pass) {
			return c.role
		}
	}
	return ""
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type roleKey struct{}

// RoleFromContext returns the role RequireRole admitted the request with.
func RoleFromContext(ctx context.Context) Role {
	role, _ := ctx.Value(roleKey{}).(Role)
	return role
}

// RequireRole admits requests authenticated as one of allowed. Unknown
// callers get 401 with a Basic challenge; known callers without the role get
// 403.
func RequireRole(handler http.HandlerFunc, allowed ...Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := authenticate(r)
		if role == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="Constellation"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		for _, a := range allowed {
			if role == a {
				handler(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, role)))
				return
			}
		}
		http.Error(w, "Forbidden", http.StatusForbidden)
	}
}

func RequireAnyRole(handler http.HandlerFunc) http.HandlerFunc {
	return RequireRole(handler, RoleAdmin, RoleOperator)
}

func RequireAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return RequireRole(handler, RoleAdmin)
}
