package main

import (
	"fmt"
	"os"

	"github.com/cuemby/exaworker/pkg/config"
	"github.com/cuemby/exaworker/pkg/log"
	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "exaworker",
	Short: "exaworker - local worker pool for long-running infrastructure jobs",
	Long: `exaworker runs a pool of worker daemons on one host. Each worker owns a
TCP port, serves an authenticated control plane on it and executes the
jobs assigned to it through the shared datastore. The factory commands
start, reconcile and stop the pool.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(logConfig(cmd))
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"exaworker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().Bool("strict-ports", false, "Also consult the kernel socket table when probing ports")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(factoryCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(workerCtlCmd)
}

func logConfig(cmd *cobra.Command) log.Config {
	level, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	return log.Config{Level: log.Level(level), JSONOutput: jsonLogs}
}

// loadConfig reads --config and applies the flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if cmd.Flags().Changed("strict-ports") {
		cfg.StrictPortCheck, _ = cmd.Flags().GetBool("strict-ports")
	}
	return cfg, path, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	store, err := storage.Open(cfg.Datastore, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	return store, nil
}
