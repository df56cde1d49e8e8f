package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
)

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "CRL tools",
}

type crlEntry struct {
	SerialNumber   string    `json:"serial_number"`
	RevocationDate time.Time `json:"revocation_date"`
	Reason         string    `json:"reason"`
}

type crlReport struct {
	File               string     `json:"file"`
	Issuer             string     `json:"issuer"`
	Number             string     `json:"number"`
	SignatureAlgorithm string     `json:"signature_algorithm"`
	ThisUpdate         time.Time  `json:"this_update"`
	NextUpdate         time.Time  `json:"next_update"`
	Expired            bool       `json:"expired"`
	Entries            []crlEntry `json:"entries"`
}

// inspectCRL checks the envelope, then parses the entries.
func inspectCRL(data []byte, now time.Time) (*crlReport, error) {
	info, err := pki.DecodeCRL(data)
	if err != nil {
		return nil, err
	}
	rl, err := pki.ParseCRL(data)
	if err != nil {
		return nil, err
	}
	report := &crlReport{
		Issuer:             rl.Issuer.String(),
		SignatureAlgorithm: info.SignatureAlgorithm,
		ThisUpdate:         info.ThisUpdate,
		NextUpdate:         info.NextUpdate,
		Expired:            info.Expired(now),
		Entries:            make([]crlEntry, 0, len(rl.RevokedCertificateEntries)),
	}
	if rl.Number != nil {
		report.Number = rl.Number.String()
	}
	for _, e := range rl.RevokedCertificateEntries {
		report.Entries = append(report.Entries, crlEntry{
			SerialNumber:   pki.FormatSerial(e.SerialNumber),
			RevocationDate: e.RevocationTime.UTC(),
			Reason:         pki.ReasonCode(e.ReasonCode).String(),
		})
	}
	return report, nil
}

func printCRLReport(w io.Writer, r *crlReport) {
	fmt.Fprintf(w, "CRL:        %s\n", r.File)
	fmt.Fprintf(w, "Issuer:     %s\n", r.Issuer)
	fmt.Fprintf(w, "Number:     %s\n", r.Number)
	fmt.Fprintf(w, "Algorithm:  %s\n", r.SignatureAlgorithm)
	fmt.Fprintf(w, "This update: %s\n", r.ThisUpdate.Format(time.RFC3339))
	fmt.Fprintf(w, "Next update: %s\n", r.NextUpdate.Format(time.RFC3339))
	if r.Expired {
		fmt.Fprintln(w, "[WARN] CRL is past its next update")
	}
	fmt.Fprintf(w, "Revoked:    %d\n", len(r.Entries))
	for _, e := range r.Entries {
		fmt.Fprintf(w, "  %s  %s  %s\n", e.SerialNumber, e.RevocationDate.Format(time.RFC3339), e.Reason)
	}
}

var crlJSONOutput bool

var crlInspectCmd = &cobra.Command{
	Use:   "inspect [file]",
	Short: "Decode a PEM or DER CRL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}
		report, err := inspectCRL(data, time.Now())
		if err != nil {
			return err
		}
		report.File = args[0]
		if crlJSONOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		printCRLReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(crlCmd)
	crlCmd.AddCommand(crlInspectCmd)
	crlInspectCmd.Flags().BoolVar(&crlJSONOutput, "json", false, "Output as JSON")
}
