package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"ourhour.org/internal/auth"
	"ourhour.org/internal/chat"
	"ourhour.org/internal/obs"
)

const serviceName = "ourhour-api"

// ReadyProbe checks readiness (database ping when one is configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Service *auth.Service
	Hub     *chat.Hub
	Chat    http.Handler // WebSocket endpoint, mounted at /ws-stomp
	Ready   ReadyProbe
	Version string
	Cookies CookieConfig

	SignInBurst     int
	SignInPerSecond int
	TrustedProxies  TrustedProxies
}

// API is the HTTP layer.
type API struct {
	router  *mux.Router
	svc     *auth.Service
	codec   *auth.Codec
	hub     *chat.Hub
	ready   ReadyProbe
	version string
	cookies CookieConfig
}

func New(d Deps) *API {
	a := &API{
		router:  mux.NewRouter(),
		svc:     d.Service,
		codec:   d.Service.Codec(),
		hub:     d.Hub,
		ready:   d.Ready,
		version: d.Version,
		cookies: d.Cookies,
	}
	burst, perSec := d.SignInBurst, d.SignInPerSecond
	if burst <= 0 {
		burst = 10
	}
	if perSec <= 0 {
		perSec = 5
	}

	a.router.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	a.router.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	a.router.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)
	if d.Chat != nil {
		a.router.Handle("/ws-stomp", d.Chat)
	}

	limit := func(h http.Handler) http.Handler {
		return RateLimit(h, burst, perSec, TrustProxies(d.TrustedProxies))
	}

	api := a.router.PathPrefix("/api").Subrouter()
	api.Use(a.Authenticate)
	api.Handle("/auth/signin", limit(http.HandlerFunc(a.handleSignIn))).Methods(http.MethodPost)
	api.HandleFunc("/auth/token", a.handleRenew).Methods(http.MethodPost)
	api.HandleFunc("/auth/signout", a.handleSignOut).Methods(http.MethodPost)
	api.HandleFunc("/auth/sse-token", a.handleStreamToken).Methods(http.MethodPost)
	api.Handle("/orgs/{orgId}/authority",
		RequireOrgRole(auth.DefaultRequiredRole, "orgId")(http.HandlerFunc(a.handleOrgAuthority)),
	).Methods(http.MethodGet)
	api.HandleFunc("/user/me", a.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/notifications/stream", a.handleNotifications).Methods(http.MethodGet)

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = NoStore("/api/auth", "/api/user")(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = Recoverer(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
