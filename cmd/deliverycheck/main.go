// Command deliverycheck audits ad-server delivery reports against alert
// rules and notifies creative owners in Slack about new violations.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rulesPath string

var rootCmd = &cobra.Command{
	Use:           "deliverycheck",
	Short:         "Delivery report alerting",
	Long:          "deliverycheck runs a saved ad-server report, applies the configured rules and alerts owners about violations not seen earlier the same day.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rulesPath, "rules", "", "rules YAML file (overrides RULES_PATH)")
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
