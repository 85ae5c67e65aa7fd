package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "toolgate - tool orchestration and permission gating",
	Long: `toolgate supervises MCP tool servers, keeps a permission store of tool
grants and routes model tool calls to the right server.`,
	SilenceUsage: true,
}

var (
	apiAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(grantsCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
