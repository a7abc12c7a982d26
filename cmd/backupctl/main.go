package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "backupctl",
	Short: "Site backup orchestration",
	Long: `backupctl creates site backups: a database dump, user uploads and
optimized images streamed into a single archive with its metadata first.
Only one backup or restore runs per tenant at a time.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ./backup.yaml or /etc/sitebackup/backup.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
