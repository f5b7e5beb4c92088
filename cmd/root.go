package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "shopchat",
	Short: "shopchat: real-time store assistant chat gateway",
	Long: `shopchat serves the store assistant over WebSocket. Customers and staff
authenticate with a JWT, ask about products, stock and sales, and get answers
from a language model with store data as context.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.shopchat/config.json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Development logging")
}
