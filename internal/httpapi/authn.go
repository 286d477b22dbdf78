package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"ourhour.org/internal/audit"
	"ourhour.org/internal/auth"
	"ourhour.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	streamCookie = "sseToken"
)

// Paths that also accept the short-lived stream token cookie.
var streamPaths = []string{
	"/api/notifications/",
}

// Credential exchange endpoints ignore a stale bearer header; the
// renewal cookie or the request body is what they authenticate.
var credentialPaths = []string{
	"/api/auth/signin",
	"/api/auth/token",
}

// Authenticate opens one identity unit per request. A request without a
// bearer token proceeds anonymously; a presented token that fails
// verification ends the request with 401 before any handler runs.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ctx, unit, release := auth.BeginUnit(r.Context())
		defer release()

		if isCredentialPath(r.URL.Path) {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if token, ok := bearerToken(r.Header.Get(authHeader)); ok {
			claims, err := a.codec.VerifyAndDecode(token)
			if err != nil {
				a.rejectToken(w, r, err)
				return
			}
			unit.Set(claims.Principal)
			ctx = auth.ContextWithToken(ctx, token)
		} else if isStreamPath(r.URL.Path) {
			if c, err := r.Cookie(streamCookie); err == nil && c.Value != "" {
				principal, err := a.codec.DecodeStreamToken(c.Value)
				if err != nil {
					a.rejectToken(w, r, err)
					return
				}
				unit.Set(principal)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) rejectToken(w http.ResponseWriter, r *http.Request, err error) {
	kind, _ := auth.KindOf(err)
	obs.VerifyFailure(kind.String())
	obs.Logger().WithFields(logrus.Fields{
		"request_id": RequestIDFromContext(r.Context()),
		"path":       r.URL.Path,
		"kind":       kind.String(),
	}).Debug("token rejected")
	writeAuthError(w, r, err)
}

// RequireOrgRole guards a route: the caller must hold at least required
// in the organization named by the route variable orgVar.
func RequireOrgRole(required auth.Role, orgVar string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID := orgIDFromRoute(r, orgVar)
			if _, err := auth.Authorize(r.Context(), orgID, required); err != nil {
				recordDenial(r, orgID, err)
				writeAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// orgIDFromRoute returns 0 (no organization context) when the route
// variable is absent or not a number.
func orgIDFromRoute(r *http.Request, name string) int64 {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func recordDenial(r *http.Request, orgID int64, err error) {
	var authErr *auth.Error
	if !errors.As(err, &authErr) || authErr.Kind != auth.KindForbidden {
		return
	}
	obs.GuardDenied(authErr.Reason)
	_ = audit.LogEvent(r.Context(), "auth.guard.denied", map[string]any{
		"org_id": orgID,
		"reason": authErr.Reason,
		"path":   r.URL.Path,
	})
}

// writeAuthError maps the closed auth error kinds onto the wire. Token
// failures all read "unauthenticated"; denials read "forbidden".
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	kind, ok := auth.KindOf(err)
	if !ok {
		obs.Logger().WithError(err).Error("unexpected authentication error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if kind.Status() == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="ourhour"`)
	}
	writeError(w, r, kind.Status(), kind.PublicMessage())
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	return token, token != ""
}

func isStreamPath(path string) bool {
	for _, prefix := range streamPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func isCredentialPath(path string) bool {
	for _, p := range credentialPaths {
		if path == p {
			return true
		}
	}
	return false
}
