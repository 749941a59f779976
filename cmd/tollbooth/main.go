package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alecgard/tollbooth/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tollbooth",
	Short: "Tollbooth: a tool execution sandbox",
	Long:  "Tollbooth runs registered tools on behalf of tenants behind a circuit breaker, a permission gate, multi-window rate limits, per-call deadlines, and an audit log.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.LoadDotEnv()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
