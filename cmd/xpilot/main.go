// xpilot runs autonomous growth agents for X accounts.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "xpilot",
	Short: "xpilot runs one autonomous growth agent per X account.",
	Long: `xpilot runs a Plan-Do-Check-Act cycle per X account: it confirms post
metrics, analyzes what worked, shares findings across accounts, plans and
drafts tomorrow's posts and publishes them within each account's daily
budget and safety limits.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runOnceCmd, agentsCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
