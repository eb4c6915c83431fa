package common

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/imanage-mcp/internal/instrumentation"
	"github.com/teemow/imanage-mcp/internal/logging"
	"github.com/teemow/imanage-mcp/internal/server"
)

type invocationKey struct{}

// ReportResultCount records how many results a search handler returned on
// the audit entry of the surrounding invocation.
func ReportResultCount(ctx context.Context, n int) {
	if ti, ok := ctx.Value(invocationKey{}).(*instrumentation.ToolInvocation); ok {
		ti.ResultCount = n
	}
}

// InstrumentedToolHandler wraps a tool handler with a span, metrics and audit
// logging. The "query" and "id" arguments, when present, are recorded on the
// audit entry.
//
// Usage:
//
//	s.AddTool(searchTool, common.InstrumentedToolHandler("search", sc, handleSearch))
func InstrumentedToolHandler(
	toolName string,
	sc *server.ServerContext,
	handler mcpserver.ToolHandlerFunc,
) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, email := CallerFromContext(ctx, sc)

		ctx, span := instrumentation.StartToolSpan(ctx, toolName,
			instrumentation.NewSpanAttributeBuilder().WithUser(email).Build()...)
		defer span.End()

		start := time.Now()
		args := request.GetArguments()
		invocation := instrumentation.NewToolInvocation(toolName).
			WithSpanContext(ctx).
			WithUser(userID, email).
			WithQuery(StringArg(args, "query")).
			WithDocument(StringArg(args, "id"))

		result, err := handler(context.WithValue(ctx, invocationKey{}, invocation), request)
		duration := time.Since(start)

		status := instrumentation.StatusSuccess
		if err != nil || (result != nil && result.IsError) {
			status = instrumentation.StatusError
			invocation.Complete(false, err)
			if err != nil {
				instrumentation.SetSpanError(span, err)
				logging.WithTool(sc.Logger(), toolName).Warn("tool call failed", logging.Err(err))
			}
		} else {
			invocation.Complete(true, nil)
			instrumentation.SetSpanSuccess(span)
		}

		sc.Metrics().RecordToolInvocationWithUser(ctx, toolName, status, email, duration)
		sc.AuditLogger().LogToolInvocation(invocation)

		return result, err
	}
}
