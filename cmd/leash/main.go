package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "leash",
	Short: "Leash - supervised shell execution for automated agents",
	Long: `Leash runs shell commands under supervision: bounded waits with poll-based
output delivery, a per-command circuit breaker, and a local learning store
that turns execution history into duration estimates and advisory insights.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var apiAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7468", "daemon API address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(breakerCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// A .env in the working directory seeds LEASH_* variables. Absence is
	// fine; the environment wins over the file.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
