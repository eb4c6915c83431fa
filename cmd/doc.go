// Package cmd implements the command-line interface for imanage-mcp.
//
// This package provides the following commands:
//   - serve: Start the MCP server (streamable-http or stdio transport)
//   - probe: Check iManage connectivity with the service account and print the result
//   - generate-docs: Generate markdown documentation for the MCP tools
//   - version: Display version information
//
// The serve command is the default command when no subcommand is specified.
// Configuration comes from the environment; serve flags override it.
package cmd
