package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gitlab-metrics",
	Short: "GitLab webhook ingestion and review policy service",
	Long: `gitlab-metrics receives GitLab webhooks, records commits, issues and merge
requests, and enforces code review rules on protected branches.

Examples:
  gitlab-metrics serve --config config.yaml
  gitlab-metrics migrate
  gitlab-metrics config init config.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file (env GLM_* overrides)")
	rootCmd.Version = version

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
