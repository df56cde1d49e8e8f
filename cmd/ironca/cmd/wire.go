package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmcleod/ironca/api"
	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/lifecycle"
	"github.com/jmcleod/ironca/storage"
	bboltstorage "github.com/jmcleod/ironca/storage/bbolt"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/jmcleod/ironca/storage/postgres"
)

// closers run in reverse order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func openStorage(ctx context.Context, cfg config.StorageConfig, dataDir string) (storage.Repository, func(), error) {
	switch cfg.Driver {
	case config.StorageMemory:
		return memory.NewRepository(), func() {}, nil
	case config.StoragePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, repo.Close, nil
	default:
		path := cfg.Path
		if path == "" {
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			path = filepath.Join(dataDir, "ironca.db")
		}
		repo, err := bboltstorage.NewRepositoryFromFile(path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	}
}

// openKeyStore returns the local key store for the software and pkcs11
// drivers.
func openKeyStore(cfg config.CustodyConfig) (custody.KeyStore, func(), error) {
	if cfg.Driver != config.CustodyPKCS11 {
		return custody.NewSoftwareKeyStore(), func() {}, nil
	}
	ks, err := custody.NewPKCS11KeyStore(cfg.PKCS11Settings())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open PKCS#11 key store: %w", err)
	}
	return ks, func() { ks.Close() }, nil
}

// openLocal builds the in-process custodian over repo and restores the
// keys recorded there.
func openLocal(ctx context.Context, cfg config.CustodyConfig, repo storage.Repository, logger *slog.Logger) (*custody.Local, func(), error) {
	ks, closeKS, err := openKeyStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts := []custody.LocalOption{
		custody.WithExportableKeys(cfg.ExportableKeys),
		custody.WithRepository(repo),
	}
	if cfg.Passphrase != "" {
		sealer, err := custody.OpenKeySealer(ctx, repo, cfg.Passphrase, custody.DefaultSealerParams())
		if err != nil {
			closeKS()
			return nil, nil, fmt.Errorf("failed to open custody sealer: %w", err)
		}
		opts = append(opts, custody.WithKeySealer(sealer))
	} else if cfg.Driver == config.CustodySoftware {
		logger.Warn("custody.passphrase is not set; software keys are stored unencrypted")
	}

	local := custody.NewLocal(ks, opts...)
	if err := local.Load(ctx); err != nil {
		closeKS()
		return nil, nil, fmt.Errorf("failed to restore custody keys: %w", err)
	}
	return local, closeKS, nil
}

// openCustody returns the configured custodian wrapped in retries.
func openCustody(ctx context.Context, cfg config.CustodyConfig, repo storage.Repository, logger *slog.Logger) (custody.Client, func(), error) {
	var next custody.Client
	cleanup := func() {}
	switch cfg.Driver {
	case config.CustodyHTTP:
		next = custody.NewHTTPClient(cfg.URL, cfg.Token, nil)
	case config.CustodySoftware, config.CustodyPKCS11:
		local, closeLocal, err := openLocal(ctx, cfg, repo, logger)
		if err != nil {
			return nil, nil, err
		}
		next, cleanup = local, closeLocal
	default:
		return nil, nil, fmt.Errorf("unknown custody driver %q", cfg.Driver)
	}
	return custody.NewRetrying(next, cfg.RetryConfig(), logger), cleanup, nil
}

// newRecorder returns the audit recorder, forwarding to a webhook when
// one is configured.
func newRecorder(repo storage.Repository, cfg config.AuditConfig, logger *slog.Logger) (*audit.Recorder, func()) {
	if cfg.WebhookURL == "" {
		return audit.NewRecorder(repo, logger), func() {}
	}
	wh := audit.NewWebhook(cfg.WebhookURL, cfg.WebhookAuthHeader, logger)
	return audit.NewRecorder(repo, logger, audit.WithForward(wh)), wh.Close
}

// buildHandler assembles the HTTP surface: /health, the public CRL
// distribution point and the API under /api/v1.
func buildHandler(cfg *config.Config, engine *lifecycle.Engine, rec *audit.Recorder, logger *slog.Logger) (http.Handler, error) {
	proxies, err := cfg.Server.Prefixes()
	if err != nil {
		return nil, err
	}
	a := api.New(engine,
		api.WithLogger(logger),
		api.WithAuditLog(rec),
		api.WithIssuanceLimit(cfg.Server.IssuanceLimit, cfg.Server.IssuanceWindow),
		api.WithTrustedProxies(proxies),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("alert", "type", e.Type, "count", e.Count, "threshold", e.Threshold, "message", e.Message)
		}),
	)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	if cfg.Server.CRLPublic {
		r.With(api.SecurityHeaders).Get("/crl/{file}", a.ServeCRL)
	}
	r.With(api.TokenAuth(cfg.Server.APIToken)).Mount("/api/v1", a.Router())
	return r, nil
}

// setup wires every component from cfg. The returned closers release
// storage, custody and the audit webhook.
func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, closers, error) {
	var cl closers
	fail := func(err error) (http.Handler, closers, error) {
		cl.run()
		return nil, nil, err
	}

	repo, closeRepo, err := openStorage(ctx, cfg.Storage, cfg.Server.DataDir)
	if err != nil {
		return fail(err)
	}
	cl.add(closeRepo)

	client, closeCustody, err := openCustody(ctx, cfg.Custody, repo, logger)
	if err != nil {
		return fail(err)
	}
	cl.add(closeCustody)

	rec, closeAudit := newRecorder(repo, cfg.Audit, logger)
	cl.add(closeAudit)

	engine, err := lifecycle.New(lifecycle.Config{
		Store:   repo,
		Custody: client,
		Audit:   rec,
		Logger:  logger,
		Policy:  cfg.Policy.LifecyclePolicy(),
	})
	if err != nil {
		return fail(err)
	}

	h, err := buildHandler(cfg, engine, rec, logger)
	if err != nil {
		return fail(err)
	}
	return h, cl, nil
}
