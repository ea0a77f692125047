package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aurora-admin/aurora/pkg/config"
	"github.com/aurora-admin/aurora/pkg/log"
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
	Use:   "aurora",
	Short: "Aurora - Port forwarding control plane",
	Long: `Aurora manages port forwarding rules across a fleet of servers
over SSH: iptables, gost, v2ray, brook and friends, driven from a
single control API with usage accounting and traffic limits.

All configuration comes from environment variables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Aurora version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(initSuperuserCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadRuntime reads the environment and brings up logging for the
// long-running subcommands.
func loadRuntime() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	return cfg, nil
}
