// arena-executor consumes match requests and referees them between agents
// running in sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/arena_executor.yaml"

var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "arena-executor",
	Short:         "Run agent matches inside sandboxes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("arena-executor %s (commit: %s)\n", version, commit)
	},
}

func init() {
	_ = godotenv.Load()
	path := os.Getenv("ARENA_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", path, "path to config file")
	rootCmd.AddCommand(serveCmd, runCmd, initCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
