// Package api is the HTTP boundary of sessiond. It translates requests from
// the identity provider, collaborating services and administrators into
// calls on session.Manager; all policy lives in the manager.
package api

import (
	_ "embed"
	"crypto/sha256"
	"log/slog"
	"strings"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/sessionguard/clock"
	"github.com/jmcleod/sessionguard/session"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	sessions *session.Manager
	logger   *slog.Logger
	clock    clock.Clock
	subjects *lockout
	ips      *lockout
	prefix   string

	// idpDigest is the SHA-256 of the identity provider's credential.
	idpDigest []byte
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithClock sets the clock used for login lockouts.
func WithClock(c clock.Clock) Option {
	return func(a *API) { a.clock = c }
}

// WithIdPToken sets the credential the identity provider presents in
// X-IdP-Token. Session creation and login-failure reports are refused
// until one is set.
func WithIdPToken(token string) Option {
	return func(a *API) {
		token = strings.TrimSpace(token)
		if token == "" {
			return
		}
		sum := sha256.Sum256([]byte(token))
		a.idpDigest = sum[:]
	}
}

// WithMountPrefix tells the docs handlers where the router is mounted.
// The default is /api/v1.
func WithMountPrefix(prefix string) Option {
	return func(a *API) { a.prefix = prefix }
}

func New(sessions *session.Manager, opts ...Option) *API {
	a := &API{
		sessions: sessions,
		logger:   slog.Default(),
		clock:    clock.Real{},
		prefix:   "/api/v1",
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "api")
	a.subjects = newLockout(a.clock, subjectMaxFailures, subjectBaseLockout, subjectMaxLockout)
	a.ips = newLockout(a.clock, ipMaxFailures, ipBaseLockout, ipMaxLockout)
	return a
}

// SweepLockouts forgets login failures that have aged out. The server
// calls it periodically.
func (a *API) SweepLockouts() {
	a.subjects.sweep()
	a.ips.sweep()
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: a.prefix + "/openapi.yaml",
		Path:    docsPath(a.prefix, "docs"),
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: a.prefix + "/openapi.yaml",
		Path:    docsPath(a.prefix, "redoc"),
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.RequireIdP)
		r.Post("/sessions", a.CreateSession)
		r.Post("/sessions/login-failures", a.RecordLoginFailure)
	})
	r.Post("/sessions/validate", a.ValidateSession)
	r.Post("/sessions/extend", a.ExtendSession)
	r.Post("/sessions/logout", a.Logout)
	r.Post("/audit/events", a.RecordEvent)

	r.Route("/admin", func(r chi.Router) {
		r.Use(a.RequireActor)
		r.Get("/sessions", a.ListSessions)
		r.Post("/subjects/{subjectID}/force-logout", a.ForceLogout)
		r.Get("/audit/export", a.ExportAudit)
		r.Get("/audit/report", a.ComplianceReport)
	})

	return r
}

// docsPath converts a mount prefix into the relative path go-openapi
// expects, e.g. "/api/v1" and "docs" give "api/v1/docs".
func docsPath(prefix, name string) string {
	for len(prefix) > 0 && prefix[0] == '/' {
		prefix = prefix[1:]
	}
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
