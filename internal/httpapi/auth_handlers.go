package httpapi

import (
	"errors"
	"net/http"
	"time"

	"ourhour.org/internal/audit"
	"ourhour.org/internal/auth"
	"ourhour.org/internal/obs"
)

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken      string              `json:"accessToken"`
	TokenType        string              `json:"tokenType"`
	ExpiresAt        time.Time           `json:"expiresAt"`
	UserID           int64               `json:"userId"`
	Email            string              `json:"email"`
	OrgAuthorityList []auth.OrgAuthority `json:"orgAuthorityList"`
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, principal, err := a.svc.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrAccountDisabled):
			_ = audit.LogEvent(r.Context(), "auth.signin.failed", map[string]any{"reason": err.Error()})
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		default:
			obs.Logger().WithError(err).Error("sign-in failed")
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	a.issued(w, r, "auth.signin", pair, principal)
}

func (a *API) handleRenew(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(renewalCookie)
	if err != nil || c.Value == "" {
		writeAuthError(w, r, auth.ErrUnauthenticated)
		return
	}
	pair, principal, err := a.svc.Renew(r.Context(), c.Value)
	if err != nil {
		if kind, ok := auth.KindOf(err); ok {
			a.cookies.clear(w, renewalCookie, "/")
			obs.VerifyFailure(kind.String())
			writeAuthError(w, r, err)
			return
		}
		obs.Logger().WithError(err).Error("token renewal failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.issued(w, r, "auth.renew", pair, principal)
}

func (a *API) issued(w http.ResponseWriter, r *http.Request, event string, pair auth.TokenPair, principal auth.Principal) {
	obs.TokenIssued("access")
	obs.TokenIssued("renewal")
	a.cookies.set(w, renewalCookie, pair.RefreshToken, "/", a.codec.RefreshTTL())

	ctx := auth.ContextWithPrincipal(r.Context(), principal)
	_ = audit.LogEvent(ctx, event, map[string]any{"orgs": len(principal.OrgAuthorities)})

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:      pair.AccessToken,
		TokenType:        "Bearer",
		ExpiresAt:        pair.AccessExpiresAt,
		UserID:           principal.UserID,
		Email:            principal.Email,
		OrgAuthorityList: principal.OrgAuthorities,
	})
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.SignOut(r.Context()); err != nil {
		if _, ok := auth.KindOf(err); ok {
			writeAuthError(w, r, err)
			return
		}
		obs.Logger().WithError(err).Error("sign-out failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.signout", nil)
	a.cookies.clear(w, renewalCookie, "/")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStreamToken(w http.ResponseWriter, r *http.Request) {
	token, expiresAt, err := a.svc.IssueStreamToken(r.Context())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	obs.TokenIssued("stream")
	a.cookies.set(w, streamCookie, token, "/api/notifications", a.codec.StreamTTL())
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt,
	})
}

func (a *API) handleOrgAuthority(w http.ResponseWriter, r *http.Request) {
	authority, err := auth.Authorize(r.Context(), orgIDFromRoute(r, "orgId"), auth.RoleGuest)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authority)
}

// handleMe reports the caller's current memberships from the directory,
// which may be newer than the ones embedded in the access token.
func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAuthError(w, r, auth.ErrUnauthenticated)
		return
	}
	principal, err := a.svc.PrincipalFor(r.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeAuthError(w, r, auth.ErrUnauthenticated)
			return
		}
		obs.Logger().WithError(err).Error("load principal failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, principal)
}
