// Package commands implements the CLI commands for fetchq.
package commands

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fetchq/fetchq/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "fetchq",
	Short: "Media download task orchestrator with deduplicating cache",
	Long: `Fetchq accepts media download requests, routes each to the right
extractor, runs them on a bounded worker pool with retry and per-user
quotas, and caches results so identical requests are served once.

Examples:
  # Run the service with defaults
  fetchq serve

  # Run with a config file and more workers
  fetchq serve --config /etc/fetchq.yaml --workers 16`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.fetchq.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().Bool("log-json", false, "log in JSON format")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("log_json", rootCmd.PersistentFlags().Lookup("log-json"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".fetchq")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("FETCHQ")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
