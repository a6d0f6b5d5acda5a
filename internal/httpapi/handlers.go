package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

const serviceName = "tenantgate"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe — проверка готовности через ping хранилища.
type ReadyProbe struct {
	Store interface {
		Ping(ctx context.Context) error
	}
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Options configures the HTTP layer. Zero values fall back to defaults.
type Options struct {
	Version       string
	Logger        *slog.Logger
	Ready         readinessChecker
	Grants        auth.GrantSource
	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64
}

// API — HTTP слой.
type API struct {
	router   chi.Router
	svc      *auth.Service
	accounts *auth.Accounts
	grants   auth.GrantSource
	ready    readinessChecker
	log      *slog.Logger
	version  string

	rateBurst  int
	ratePerSec int
	maxBody    int64
}

// New builds the router. svc and accounts are required.
func New(svc *auth.Service, accounts *auth.Accounts, opts Options) *API {
	a := &API{
		svc:        svc,
		accounts:   accounts,
		grants:     opts.Grants,
		ready:      opts.Ready,
		log:        opts.Logger,
		version:    opts.Version,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSecond,
		maxBody:    opts.MaxBodyBytes,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.log == nil {
		a.log = obs.Logger()
	}
	a.log = a.log.With("component", "httpapi")
	if a.rateBurst <= 0 {
		a.rateBurst = 10
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 5
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, a.logging, SecurityHeaders, CORS)
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBody) })

	// health/ready/info
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })
			r.Post("/login", a.handleLogin)
			r.Post("/register", a.handleRegister)
			r.Post("/refresh", a.handleRefresh)
			r.Post("/refresh/access", a.handleRefreshAccess)
			r.Post("/logout", a.handleLogout)
		})
		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Post("/logout/all", a.handleLogoutAll)
			r.Get("/check", a.handleCheck)
			r.Get("/sessions", a.handleSessions)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)
		r.Get("/v1/users", a.handleListUsers)
		r.Post("/v1/users", a.handleCreateUser)
		r.Post("/v1/users/{login}/block", a.handleUserStatus(auth.StatusBlock))
		r.Post("/v1/users/{login}/unblock", a.handleUserStatus(auth.StatusUnblock))
		r.Delete("/v1/users/{login}", a.handleUserStatus(auth.StatusDelete))
		r.Get("/v1/roles", a.handleListRoles)
		r.Get("/v1/permissions", a.handleListPermissions)
		r.Get("/v1/permissions/mapping", a.handlePermissionMapping)
		r.Post("/v1/admin/permissions/reload", a.handleReloadPermissions)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

// Handler возвращает http.Handler для сервера.
func (a *API) Handler() http.Handler {
	// оборачиваем весь роутер метриками
	return obs.Instrument(a.router)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		a.log.WarnContext(r.Context(), "readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads exactly one JSON object and rejects unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		default:
			return fmt.Errorf("invalid JSON body: %v", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
