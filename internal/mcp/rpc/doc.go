// Package rpc implements the JSON-RPC surface the deep research agent talks
// to on POST /.
//
// The router answers the MCP handshake (initialize, ping, auth/list,
// auth/status, tools/list) itself and dispatches tools/call to mcp-go
// ServerTool handlers, so the same tools serve both this HTTP transport and
// the mcp-go stdio transport. Notifications are acknowledged with HTTP 202
// and no body.
package rpc
