// Package auth parses bearer-token claims and answers role-based access
// questions. The token is the base64url of a JSON claims document; it is
// not signed. In production these claims must come from an issuer.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/evently-cloud/evently/internal/problem"
)

// Role names a grant in the RBAC table.
type Role string

const (
	RolePublic    Role = "public"
	RoleAdmin     Role = "admin"
	RoleRegistrar Role = "registrar"
	RoleClient    Role = "client"
	RoleReader    Role = "reader"
	RoleAppender  Role = "appender"
)

// Claims are the parsed token contents. Ledger scopes the caller to one
// ledger; most routes resolve their ledger from it.
type Claims struct {
	Ledger string `json:"ledger,omitempty"`
	Roles  []Role `json:"roles"`
}

// ParseBearer extracts claims from an Authorization header value.
func ParseBearer(header string) (Claims, error) {
	if header == "" {
		return Claims{}, problem.Unauthorized("auth", "missing bearer token")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Claims{}, problem.Unauthorized("auth", "authorization must use the Bearer scheme")
	}
	token = strings.TrimSpace(token)

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return Claims{}, problem.Unauthorized("auth", "bearer token is not base64url")
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Claims{}, problem.Unauthorized("auth", "bearer token is not a claims document")
	}
	return claims, nil
}

// Has reports whether the claims grant the role. The client role inherits
// reader and appender.
func (c Claims) Has(role Role) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
		if r == RoleClient && (role == RoleReader || role == RoleAppender) {
			return true
		}
	}
	return role == RolePublic
}
