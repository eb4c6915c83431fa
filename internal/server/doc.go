// Package server wires the iManage bridge together and serves it over HTTP.
//
// # Key Components
//
// ServerContext owns the long-lived state: the iManage client, the service
// account TokenCache, the user session store (only when AUTH_MODE enables
// user authentication), the extractor, the search engine and the fetcher.
// In user mode upstream calls take their token from the session whose id is
// carried by the request context; otherwise the service account is used.
//
// HTTPServer puts everything on one mux:
//   - POST / is the MCP JSON-RPC endpoint
//   - GET / and GET /health describe the server
//   - /healthz, /readyz and /healthz/detailed serve Kubernetes probes
//   - /test, /test/search, /test/document/{id} and /test/processing run
//     upstream diagnostics with the service account
//   - /oauth/* and /.well-known/* are served by the OAuth relay
//
// In user mode POST / requires a bearer issued by the relay and answers 401
// with a WWW-Authenticate challenge otherwise. In hybrid mode the bearer is
// optional and only identifies the caller.
//
// MetricsServer exposes Prometheus metrics on a separate port.
package server
