package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/internal/logging"
)

var custodianPort int

var custodianCmd = &cobra.Command{
	Use:   "custodian",
	Short: "Run a standalone key custodian",
	Long: `Serves the key custody API that the http custody driver talks to.
Keys live in the software or pkcs11 key store named by custody.driver
and their references are kept in the configured storage, sealed with
custody.passphrase when set. custody.token, when set, is required as a
bearer credential.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Custody.Driver == config.CustodyHTTP {
			return errors.New("custodian needs a local key store, not the http driver")
		}
		logger, logCloser, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
		if err != nil {
			return err
		}
		defer logCloser.Close()
		slog.SetDefault(logger)

		ctx := cmd.Context()
		repo, closeRepo, err := openStorage(ctx, cfg.Storage, cfg.Server.DataDir)
		if err != nil {
			return err
		}
		defer closeRepo()
		local, closeLocal, err := openLocal(ctx, cfg.Custody, repo, logger)
		if err != nil {
			return err
		}
		defer closeLocal()

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/", custody.Handler(local, cfg.Custody.Token, logger))

		tc, err := tlsConfig(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return err
		}
		fmt.Printf("Starting custodian on port %d (store: %s)...\n", custodianPort, cfg.Custody.Driver)
		return serve(r, custodianPort, tc, logger)
	},
}

func init() {
	rootCmd.AddCommand(custodianCmd)
	custodianCmd.Flags().IntVarP(&custodianPort, "port", "p", 9443, "Port to listen on")
}
