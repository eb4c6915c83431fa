// Package logging holds the slog setup and attribute helpers shared by the
// proxy's components.
//
// New builds the root logger. It writes to stderr in every mode, so the
// stdio transport keeps stdout for JSON-RPC. Components derive their logger
// with WithComponent, and search strategies narrow it with WithOperation:
//
//	logger := logging.WithOperation(e.logger, "search.title")
//	logger.Debug("structured search rejected", logging.SearchType("title"))
//
// Values that identify a person or a credential never reach a log line
// verbatim: UserHash and SessionHash log a short digest, and SanitizeToken
// keeps only a token's length. Query truncates the agent's search text.
package logging
