// Package instrumentation provides OpenTelemetry metrics and tracing for the
// imanage-mcp proxy.
//
// Metrics:
//   - http_requests_total, http_request_duration_seconds: inbound HTTP by method, path, status
//   - imanage_api_operations_total, imanage_api_operation_duration_seconds: outbound
//     iManage REST calls by operation (token, search, metadata, download, profile) and status
//   - oauth_auth_total, oauth_token_refresh_total: user OAuth flows
//   - mcp_tool_invocations_total, mcp_tool_duration_seconds: search and fetch tool calls
//   - search_strategy_total: title/keyword/simple strategy attempts by outcome
//   - extraction_total: document text extraction by format and status
//   - active_sessions: live user sessions
//
// Spans:
//   - tool.<name> for MCP tool invocations
//   - imanage.<operation> for upstream REST calls
//   - extract.<format> for text extraction
//
// Configuration comes from the environment (see DefaultConfig):
//   - INSTRUMENTATION_ENABLED (default: true)
//   - OTEL_SERVICE_NAME (default: imanage-mcp)
//   - METRICS_EXPORTER: prometheus, otlp, stdout (default: prometheus)
//   - TRACING_EXPORTER: otlp, stdout, none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_INSECURE
//   - OTEL_TRACES_SAMPLER_ARG (default: 0.1)
//
// Example:
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	provider.Metrics().RecordUpstreamOperation(ctx, instrumentation.OperationSearch,
//		instrumentation.StatusSuccess, time.Since(start))
package instrumentation
