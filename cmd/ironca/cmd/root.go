package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ironca",
	Short: "IronCA is a certificate authority with custodial keys",
	Long: `A certificate authority that issues, renews and revokes X.509
certificates while CA private keys stay with a key custodian.
Complete documentation is available at https://github.com/jmcleod/ironca`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
}
