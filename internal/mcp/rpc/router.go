package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/imanage-mcp/internal/logging"
)

// ProtocolVersion is the MCP revision announced by initialize.
const ProtocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// maxBodyBytes bounds a single JSON-RPC request body.
const maxBodyBytes = 4 << 20

// Request is an incoming JSON-RPC message.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC message. ID is always present and is null
// when the request carried none or could not be parsed.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ServerInfo identifies the server in the initialize result.
type ServerInfo struct {
	Name         string
	Version      string
	Instructions string
}

// AuthMethod is one entry of the auth/list result.
type AuthMethod struct {
	Type             string   `json:"type"`
	AuthorizationURL string   `json:"authorization_url,omitempty"`
	TokenURL         string   `json:"token_url,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
}

// AuthStatus is the auth/status result.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Method        string `json:"method"`
}

// Router dispatches JSON-RPC requests.
type Router struct {
	info        ServerInfo
	tools       []mcpserver.ServerTool
	byName      map[string]mcpserver.ToolHandlerFunc
	authMethods []AuthMethod
	authStatus  func(ctx context.Context) AuthStatus
	logger      *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithAuthMethods sets the auth/list result.
func WithAuthMethods(methods ...AuthMethod) Option {
	return func(r *Router) { r.authMethods = methods }
}

// WithAuthStatus sets the function answering auth/status.
func WithAuthStatus(fn func(ctx context.Context) AuthStatus) Option {
	return func(r *Router) { r.authStatus = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter returns a router serving tools. Without options, auth/list is
// empty and auth/status reports an authenticated caller with method "none".
func NewRouter(info ServerInfo, tools []mcpserver.ServerTool, opts ...Option) *Router {
	r := &Router{
		info:        info,
		tools:       tools,
		byName:      make(map[string]mcpserver.ToolHandlerFunc, len(tools)),
		authMethods: []AuthMethod{},
		authStatus: func(context.Context) AuthStatus {
			return AuthStatus{Authenticated: true, Method: "none"}
		},
	}
	for _, t := range tools {
		r.byName[t.Tool.Name] = t.Handler
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.WithComponent(r.logger, "rpc")
	return r
}

// ServeHTTP reads one JSON-RPC message from the body and writes the
// response. Notifications get 202 with no body.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusOK, errorResponse(nil, CodeParseError, "Parse error: Invalid JSON"))
		return
	}

	resp := r.Handle(req.Context(), raw)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Handle processes one raw JSON-RPC message. It returns nil for
// notifications.
func (r *Router) Handle(ctx context.Context, raw []byte) (resp *Response) {
	// Only an object is a request; null would decode into an empty one.
	if body := bytes.TrimLeft(raw, " \t\r\n"); len(body) == 0 || body[0] != '{' {
		r.logger.Debug("JSON-RPC body is not an object")
		return errorResponse(nil, CodeParseError, "Parse error: Invalid JSON")
	}
	var msg Request
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.logger.Debug("invalid JSON-RPC body", logging.Err(err))
		return errorResponse(nil, CodeParseError, "Parse error: Invalid JSON")
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic while handling request",
				logging.Operation(msg.Method), slog.Any("panic", p))
			resp = errorResponse(msg.ID, CodeInternalError, fmt.Sprintf("Internal error: %v", p))
		}
	}()

	r.logger.Debug("request received", logging.Operation(msg.Method))

	if strings.HasPrefix(msg.Method, "notifications/") {
		return nil
	}

	switch msg.Method {
	case "initialize":
		return result(msg.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo": map[string]any{
				"name":    r.info.Name,
				"version": r.info.Version,
			},
			"instructions": r.info.Instructions,
		})
	case "ping":
		return result(msg.ID, map[string]any{})
	case "auth/list":
		return result(msg.ID, map[string]any{"authMethods": r.authMethods})
	case "auth/status":
		return result(msg.ID, r.authStatus(ctx))
	case "tools/list":
		tools := make([]mcp.Tool, 0, len(r.tools))
		for _, t := range r.tools {
			tools = append(tools, t.Tool)
		}
		return result(msg.ID, map[string]any{"tools": tools})
	case "tools/call":
		return r.callTool(ctx, msg)
	default:
		return errorResponse(msg.ID, CodeMethodNotFound, "Unknown method: "+msg.Method)
	}
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (r *Router) callTool(ctx context.Context, msg Request) *Response {
	var params callParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorResponse(msg.ID, CodeInternalError, "Internal error: invalid tools/call params: "+err.Error())
		}
	}

	handler, ok := r.byName[params.Name]
	if !ok {
		r.logger.Warn("unknown tool requested", logging.Tool(params.Name))
		return errorResponse(msg.ID, CodeMethodNotFound, "Unknown tool: "+params.Name)
	}

	var call mcp.CallToolRequest
	call.Method = string(mcp.MethodToolsCall)
	call.Params.Name = params.Name
	call.Params.Arguments = params.Arguments

	res, err := handler(ctx, call)
	if err != nil {
		r.logger.Warn("tool call failed", logging.Tool(params.Name), logging.Err(err))
		return errorResponse(msg.ID, CodeInternalError, err.Error())
	}
	if res == nil {
		return errorResponse(msg.ID, CodeInternalError, "Internal error: "+errEmptyResult.Error())
	}
	return result(msg.ID, res)
}

var errEmptyResult = errors.New("tool returned no result")

func result(id json.RawMessage, v any) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Result: v}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Error: &Error{Code: code, Message: message}}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
