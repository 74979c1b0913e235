package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corralhq/corral/pkg/config"
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
	Use:   "corral",
	Short: "Corral - multi-tenant kanban workspace control plane",
	Long: `Corral provisions and operates kanban workspaces: tenant teams,
app-backed workspaces with their repositories, databases and identity
registrations, branch-scoped sandboxes, and the LLM agents that work
cards on tenant boards.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Corral version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	for _, cmd := range []*cobra.Command{serveCmd, workerCmd} {
		cmd.Flags().String("data-dir", "", "Data directory (overrides CORRAL_DATA_DIR)")
		cmd.Flags().String("redis-url", "", "Redis URL (overrides CORRAL_REDIS_URL)")
		cmd.Flags().String("log-level", "", "Log level (overrides CORRAL_LOG_LEVEL)")
	}
	serveCmd.Flags().String("listen-addr", "", "Listen address (overrides CORRAL_LISTEN_ADDR)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

// applyFlagOverrides lets command-line flags win over environment values.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		if cfg.ZoneFile == cfg.DataDir+"/zone/corral.zone" {
			cfg.ZoneFile = v + "/zone/corral.zone"
		}
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("redis-url"); v != "" {
		cfg.RedisURL = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if cmd.Flags().Lookup("listen-addr") != nil {
		if v, _ := cmd.Flags().GetString("listen-addr"); v != "" {
			cfg.ListenAddr = v
		}
	}
}
