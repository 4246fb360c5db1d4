package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "factory",
	Short: "factorywatch: predictive-maintenance agent pipeline",
	Long: `factorywatch runs sensor readings through a chain of reasoning stages:
detect anomalies, diagnose the fault, plan a work order, validate it for
safety, and notify the people who need to act.

Every run is a session whose progress and stage logs are persisted, either
in PostgreSQL (database.url) or as JSON under ~/.factory/store.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default: ./factorywatch.yaml or ~/.factory/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print stage progress to stderr")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(scenariosCmd)
	rootCmd.AddCommand(workorderCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(promptsCmd)
}
