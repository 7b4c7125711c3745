package httpapi

import (
	"context"
	"net/http"

	"github.com/evently-cloud/evently/internal/auth"
	"github.com/evently-cloud/evently/internal/ledger"
	"github.com/evently-cloud/evently/internal/problem"
)

type contextKey int

const claimsKey contextKey = iota

// securityHeaders stamps every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "upgrade-insecure-requests; default-src https:")
		h.Set("X-Content-Type-Options", "nosniff")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=63072000")
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate parses the bearer claims and stashes them on the request.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := auth.ParseBearer(r.Header.Get("Authorization"))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// requireRole gates a route subtree on one role.
func (a *API) requireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !claimsFrom(r).Has(role) {
				a.writeError(w, r, problem.Forbidden("auth", "role %q is required", role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func claimsFrom(r *http.Request) auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(auth.Claims)
	return claims
}

// claimedLedger resolves the ledger named by the caller's claims.
func (a *API) claimedLedger(r *http.Request) (*ledger.Ledger, error) {
	claims := claimsFrom(r)
	if claims.Ledger == "" {
		return nil, problem.NotFound("http", "no ledger in token claims")
	}
	led, err := a.Ledgers.ForLedgerID(r.Context(), claims.Ledger)
	if err != nil {
		return nil, err
	}
	if led == nil {
		return nil, problem.NotFound("http", "ledger %q not found", claims.Ledger)
	}
	return led, nil
}

// pathLedger resolves the ledger named in the route path.
func (a *API) pathLedger(r *http.Request, id string) (*ledger.Ledger, error) {
	led, err := a.Ledgers.ForLedgerID(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if led == nil {
		return nil, problem.NotFound("http", "ledger %q not found", id)
	}
	return led, nil
}
