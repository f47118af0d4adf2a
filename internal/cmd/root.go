// Package cmd implements the approvals command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-approvals/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Generic approval workflow service",
	Long: `approvals runs the platform approval engine: workflow templates,
approval instances, timeout handling and the notification outbox.

Configuration is read from --config and APPROVALS_* environment variables,
e.g. APPROVALS_STORE_DRIVER=postgres for store.driver.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (YAML)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}
