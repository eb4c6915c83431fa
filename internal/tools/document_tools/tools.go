package document_tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/imanage-mcp/internal/search"
	"github.com/teemow/imanage-mcp/internal/server"
	"github.com/teemow/imanage-mcp/internal/tools/common"
)

const (
	SearchToolName = "search"
	FetchToolName  = "fetch"
)

const searchDescription = "Search for documents in iManage using title search or keyword search. " +
	"For title search, use specific document names or titles. " +
	"For keyword search, use terms that might appear in document content. " +
	"The system will automatically determine the best search strategy. " +
	"You can search for legal documents, contracts, memos, emails, and other business documents. " +
	"Use specific terms like client names, matter names, document types, or legal concepts."

const fetchDescription = "Retrieve the complete content and metadata of a specific document by its ID. " +
	"Use this after finding documents with search to get the full document content for analysis."

// ToolError is a tool failure reported to the agent. Its message carries the
// tool prefix ("Search failed", "Fetch failed") followed by Detail, or by the
// wrapped cause when Detail is empty.
type ToolError struct {
	Prefix string
	Detail string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Detail != "" || e.Err == nil {
		return e.Prefix + ": " + e.Detail
	}
	return e.Prefix + ": " + e.Err.Error()
}

func (e *ToolError) Unwrap() error { return e.Err }

// searchResult is the wire shape of a search hit; metadata stays internal.
type searchResult struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
	URL   string `json:"url"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
	Message string         `json:"message,omitempty"`
}

// SearchTool returns the search tool schema.
func SearchTool() mcp.Tool {
	return mcp.NewTool(SearchToolName,
		mcp.WithDescription(searchDescription),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query. Can be document titles, keywords, or phrases to search for in documents."),
		),
	)
}

// FetchTool returns the fetch tool schema.
func FetchTool() mcp.Tool {
	return mcp.NewTool(FetchToolName,
		mcp.WithDescription(fetchDescription),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Document ID obtained from search results"),
		),
	)
}

// Tools returns the instrumented search and fetch tools bound to sc.
func Tools(sc *server.ServerContext) []mcpserver.ServerTool {
	return []mcpserver.ServerTool{
		{
			Tool: SearchTool(),
			Handler: common.InstrumentedToolHandler(SearchToolName, sc,
				func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					return handleSearch(ctx, request, sc)
				}),
		},
		{
			Tool: FetchTool(),
			Handler: common.InstrumentedToolHandler(FetchToolName, sc,
				func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					return handleFetch(ctx, request, sc)
				}),
		},
	}
}

// RegisterDocumentTools registers the search and fetch tools with an mcp-go server.
func RegisterDocumentTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	s.AddTools(Tools(sc)...)
	return nil
}

func handleSearch(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	query := strings.TrimSpace(common.StringArg(request.GetArguments(), "query"))
	if query == "" {
		return nil, &ToolError{Prefix: "Search failed", Detail: "Query parameter is required"}
	}

	results, err := sc.Search().Search(ctx, query, search.DefaultLimitPerStrategy)
	if err != nil {
		return nil, &ToolError{Prefix: "Search failed", Err: err}
	}
	common.ReportResultCount(ctx, len(results))

	resp := searchResponse{Results: make([]searchResult, 0, len(results))}
	for _, r := range results {
		resp.Results = append(resp.Results, searchResult{ID: r.ID, Title: r.Title, Text: r.Text, URL: r.URL})
	}
	if len(resp.Results) == 0 {
		resp.Message = fmt.Sprintf("No documents found for query: '%s'. "+
			"Try different search terms or check if documents exist in the library.", query)
	}
	return jsonResult(resp, "Search failed")
}

func handleFetch(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(common.StringArg(request.GetArguments(), "id"))
	if id == "" {
		return nil, &ToolError{Prefix: "Fetch failed", Detail: "Document ID parameter is required"}
	}

	bundle, err := sc.Fetcher().Fetch(ctx, id)
	if err != nil {
		return nil, &ToolError{Prefix: "Fetch failed", Err: err}
	}
	return jsonResult(bundle, "Fetch failed")
}

func jsonResult(v any, prefix string) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, &ToolError{Prefix: prefix, Err: err}
	}
	return mcp.NewToolResultText(string(data)), nil
}
