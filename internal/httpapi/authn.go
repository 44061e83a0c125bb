package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"parcela.org/internal/authz"
	"parcela.org/internal/errs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errMissingToken = errors.New("missing bearer token")

// withAuth resolves the bearer token to a principal snapshot. Permissions
// come from the actor's current role, never from the token.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="parcela"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.tokens.ParseAndValidate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="parcela", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		principal, err := a.authz.Principal(r.Context(), claims.ActorID())
		if err != nil {
			if errors.Is(err, errs.ErrUnauthorized) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="parcela", error="invalid_token"`)
			}
			a.handleError(w, r, err)
			return
		}

		ctx := authz.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensurePermission writes 401/403 and returns false unless the caller holds
// every pair.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, pairs ...authz.Pair) (authz.Principal, bool) {
	p, _ := authz.PrincipalFromContext(r.Context())
	if err := authz.RequireAll(p, pairs...); err != nil {
		a.handleError(w, r, err)
		return p, false
	}
	return p, true
}

// ensureAnyPermission passes when the caller holds at least one pair.
func (a *API) ensureAnyPermission(w http.ResponseWriter, r *http.Request, pairs ...authz.Pair) (authz.Principal, bool) {
	p, _ := authz.PrincipalFromContext(r.Context())
	if err := authz.RequireAny(p, pairs...); err != nil {
		a.handleError(w, r, err)
		return p, false
	}
	return p, true
}

// ensureActive passes for any known actor whose account is active. Inactive
// actors get 403, the same answer every permission check gives them.
func (a *API) ensureActive(w http.ResponseWriter, r *http.Request) (authz.Principal, bool) {
	p, _ := authz.PrincipalFromContext(r.Context())
	if !p.Authenticated() {
		a.handleError(w, r, errs.ErrUnauthorized)
		return p, false
	}
	if !p.Active {
		a.handleError(w, r, errs.ErrForbidden)
		return p, false
	}
	return p, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}
