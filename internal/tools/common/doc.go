// Package common provides helpers shared by the MCP tool packages: caller
// identity lookup, argument access and the instrumentation wrapper every
// tool handler is registered through.
package common
