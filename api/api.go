// Package api exposes the CA engine over HTTP: a JSON REST surface for CAs,
// certificates and CRLs, and the public CRL distribution endpoint that
// issued certificates point relying parties at.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/lifecycle"
)

// AuditLog is the read side of the audit trail.
type AuditLog interface {
	List(ctx context.Context, resourceID string) ([]audit.Entry, error)
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	engine         *lifecycle.Engine
	auditLog       AuditLog
	logger         *slog.Logger
	alerts         *alertCollector
	limiter        *issuanceLimiter
	trustedProxies []netip.Prefix
	now            func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, slog.Default is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAuditLog enables the audit listing and export endpoints.
func WithAuditLog(log AuditLog) Option {
	return func(a *API) {
		a.auditLog = log
	}
}

// WithAlertFunc installs a callback for revocation and custody-failure
// spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alerts = newAlertCollector(fn)
	}
}

// WithIssuanceLimit caps how many issuance requests (issue, sign CSR,
// renew) a single client may make per window. Zero disables the limit.
func WithIssuanceLimit(limit int, window time.Duration) Option {
	return func(a *API) {
		if limit <= 0 || window <= 0 {
			a.limiter = nil
			return
		}
		a.limiter = newIssuanceLimiter(limit, window)
	}
}

// WithTrustedProxies sets the proxy CIDRs whose X-Forwarded-For header is
// honoured when identifying clients.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithClock overrides the clock used for computed status and CRL cache
// headers.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// New creates a new API instance.
func New(engine *lifecycle.Engine, opts ...Option) *API {
	a := &API{
		engine: engine,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "api")
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/cas", a.CreateCA)
	r.Get("/cas", a.ListCAs)
	r.Route("/cas/{caID}", func(r chi.Router) {
		r.Get("/", a.GetCA)
		r.Delete("/", a.DeleteCA)
		r.Post("/revoke", a.RevokeCA)
		r.Get("/certificates", a.ListCertificates)
		r.With(a.RateLimitIssuance).Post("/certificates", a.IssueCertificate)
		r.With(a.RateLimitIssuance).Post("/csr", a.SignCSR)
		r.Get("/crl", a.GetLatestCRL)
		r.Post("/crl", a.GenerateCRL)
	})

	r.Route("/certificates/{certID}", func(r chi.Router) {
		r.Get("/", a.GetCertificate)
		r.Delete("/", a.DeleteCertificate)
		r.Post("/revoke", a.RevokeCertificate)
		r.With(a.RateLimitIssuance).Post("/renew", a.RenewCertificate)
		r.Get("/chain", a.GetRenewalChain)
	})

	r.Get("/crl/{file}", a.ServeCRL)

	r.Post("/tools/convert", a.ConvertFormat)
	r.Post("/tools/csr/verify", a.VerifyCSR)

	r.Get("/audit", a.ListAuditLogs)
	r.Get("/audit/export", a.ExportAuditLog)

	return r
}
