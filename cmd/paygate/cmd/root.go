// Package cmd provides the CLI commands for PayGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/paygate-mcp/paygate/internal/config"
)

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "paygate",
	Short: "PayGate - MCP Monetization Gateway",
	Long: `PayGate is a monetization and access-control gateway for Model Context
Protocol (MCP) servers.

It sits in front of an MCP backend and adds API keys with credit balances,
per-tool pricing, rate limits, quotas, spend caps, response caching, and
audit logging -- without requiring changes to the backend server.

Quick start:
  1. Mint an admin key: paygate keygen --admin
  2. Put the printed hash in paygate.yaml under admin.key
  3. Run: paygate start -- npx @modelcontextprotocol/server-filesystem /tmp

Configuration:
  Config is loaded from paygate.yaml in the current directory,
  $HOME/.paygate/, or /etc/paygate/.

  Environment variables can override config values with the PAYGATE_ prefix.
  Example: PAYGATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the gateway
  stop        Stop the running gateway
  reset       Reset to clean state (remove state.json)
  keygen      Mint an admin key (with its config hash) or an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./paygate.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to state.json file (default: ./state.json)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
