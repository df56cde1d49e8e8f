package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/storage"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "CA audit chain tools",
	Long: `Tools for the hash-chained record of CA, certificate, CRL and key
custody events.

  ironca audit export   dump the chain from the configured storage
  ironca audit verify   check an exported chain offline

An export produced here is byte-compatible with GET /api/v1/audit/export.`,
}

var (
	auditExportOut      string
	auditExportResource string
)

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit chain from storage",
	Long: `Reads the audit chain straight from the storage named in the config
file, without a running server. Use --resource to keep only the entries
for one CA or certificate id. A filtered export does not verify as a
chain.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		repo, closeRepo, err := openStorage(ctx, cfg.Storage, cfg.Server.DataDir)
		if err != nil {
			return err
		}
		defer closeRepo()

		w := cmd.OutOrStdout()
		if auditExportOut != "" && auditExportOut != "-" {
			f, err := os.Create(auditExportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		n, err := exportAudit(ctx, repo, auditExportResource, w)
		if err != nil {
			return err
		}
		if w != cmd.OutOrStdout() {
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d audit entries to %s\n", n, auditExportOut)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditExportCmd.Flags().StringVarP(&auditExportOut, "out", "o", "-", "Output file, - for stdout")
	auditExportCmd.Flags().StringVar(&auditExportResource, "resource", "", "Only entries for this CA or certificate id")
}

// exportAudit writes the chain in repo as an audit.Export and returns the
// number of entries written.
func exportAudit(ctx context.Context, repo storage.Repository, resourceID string, w io.Writer) (int, error) {
	entries, err := audit.NewRecorder(repo, nil).List(ctx, resourceID)
	if err != nil {
		return 0, fmt.Errorf("reading audit chain: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(audit.Export{Entries: entries}); err != nil {
		return 0, err
	}
	return len(entries), nil
}
