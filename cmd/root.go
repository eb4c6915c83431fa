package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the imanage-mcp application
var rootCmd = &cobra.Command{
	Use:   "imanage-mcp",
	Short: "Bridges ChatGPT deep research to an iManage Work library over MCP",
	Long: `imanage-mcp is an MCP (Model Context Protocol) server exposing the search and
fetch tools ChatGPT deep research expects, backed by one iManage Work library.

It can authenticate to iManage with a service account, act as an OAuth relay so
every user searches with their own permissions, or combine both.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "imanage-mcp version %s\n" .Version}}`)

	// Serve when no subcommand is given, as the hosted container does.
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newGenerateDocsCmd())
	rootCmd.AddCommand(newVersionCmd())
}
