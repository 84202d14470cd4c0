// Package httpapi exposes the decision engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"authcore.dev/internal/audit"
	"authcore.dev/internal/auth"
	"authcore.dev/internal/authz"
	"authcore.dev/internal/grants"
	"authcore.dev/internal/obs"
)

// Engine is the subset of authz.Engine served over HTTP.
type Engine interface {
	Login(ctx context.Context, username, password string, meta audit.RequestMeta) (auth.Session, error)
	Logout(ctx context.Context, token string)
	CurrentPrincipal(ctx context.Context, token string) (*auth.User, error)
	Authorize(ctx context.Context, token, systemID string, meta audit.RequestMeta) (authz.Verdict, error)
	Grant(ctx context.Context, token string, req grants.GrantRequest, meta audit.RequestMeta) (grants.Grant, error)
	Revoke(ctx context.Context, token, userID, systemID string, meta audit.RequestMeta) (grants.Grant, error)
	ListGrants(ctx context.Context, token string, f grants.ListFilter, meta audit.RequestMeta) ([]grants.Grant, error)
	QueryAuditLog(ctx context.Context, token string, f audit.Filter, meta audit.RequestMeta) (audit.Page, error)
	VerifyAuditChain(ctx context.Context, token string, meta audit.RequestMeta) (audit.VerifyReport, error)
	WatchAuditLog(ctx context.Context, token string, meta audit.RequestMeta) (<-chan audit.Entry, error)
	RegisterUser(ctx context.Context, token string, in authz.NewUser, meta audit.RequestMeta) (auth.User, error)
	BootstrapAdmin(ctx context.Context, username, password, email string, meta audit.RequestMeta) (auth.User, error)
}

var _ Engine = (*authz.Engine)(nil)

// ReadyProbe reports whether backing storage is reachable.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// API is the HTTP layer.
type API struct {
	engine         Engine
	ready          ReadyProbe
	version        string
	maxBodyBytes   int64
	allowedOrigins []string
	loginBurst     int
	loginPerSecond float64
	trustedProxies []netip.Prefix
}

// Option configures API.
type Option func(*API)

// WithReadyProbe sets the readiness check used by /readyz.
func WithReadyProbe(p ReadyProbe) Option {
	return func(a *API) { a.ready = p }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithAllowedOrigins sets the CORS origin allow-list.
func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.allowedOrigins = origins }
}

// WithLoginRateLimit sets the per-IP token bucket applied to login.
func WithLoginRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.loginBurst, a.loginPerSecond = burst, perSecond
		}
	}
}

// WithTrustedProxies lists the peers whose forwarding headers
// (X-Forwarded-For, X-Real-IP, True-Client-IP) are believed.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// New constructs the API over engine.
func New(engine Engine, opts ...Option) *API {
	a := &API{
		engine:         engine,
		version:        "dev",
		maxBodyBytes:   1 << 20,
		loginBurst:     10,
		loginPerSecond: 1,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the root handler with middleware applied.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(TrustedRealIP(a.trustedProxies))
	r.Use(LoggingJSON)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader, "Retry-After"},
		MaxAge:         600,
	}))
	r.Use(SecurityHeaders)
	r.Use(MaxBodyBytes(a.maxBodyBytes))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Method(http.MethodPost, "/login", RateLimit(http.HandlerFunc(a.handleLogin), a.loginBurst, a.loginPerSecond))
			r.Post("/logout", a.handleLogout)
			r.Get("/me", a.handleMe)
			r.Post("/bootstrap", a.handleBootstrap)
		})
		r.Post("/users", a.handleRegisterUser)
		r.Post("/systems/{system}/authorize", a.handleAuthorize)
		r.Get("/grants", a.handleListGrants)
		r.Put("/grants/{user}/{system}", a.handleGrant)
		r.Delete("/grants/{user}/{system}", a.handleRevoke)
		r.Get("/audit", a.handleQueryAudit)
		r.Get("/audit/verify", a.handleVerifyAudit)
		r.Get("/audit/stream", a.handleStreamAudit)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return obs.Instrument(r)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authcore",
		"version": a.version,
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

const bearerPrefix = "bearer "

// bearerToken extracts the token from the Authorization header. A missing
// or malformed header yields "", which the engine treats as unauthenticated.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

func requestMeta(r *http.Request) audit.RequestMeta {
	return audit.RequestMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleError maps engine errors to responses. Storage and audit failures
// are reported without detail.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, authz.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, audit.ErrInvalidFilter):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, grants.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "grant not found")
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "username already exists")
	case errors.Is(err, authz.ErrAlreadyBootstrapped):
		writeError(w, r, http.StatusConflict, "already bootstrapped")
	case errors.Is(err, authz.ErrFeedDisabled):
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
