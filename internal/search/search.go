// Package search runs document searches against an iManage library.
//
// Two strategies run in sequence, title then keyword. Each tries a list of
// structured request bodies and falls back to a GET search over a list of
// query parameters. Results are merged by document id with title hits first.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/imanage-mcp/internal/imanage"
	"github.com/teemow/imanage-mcp/internal/instrumentation"
	"github.com/teemow/imanage-mcp/internal/logging"
)

const (
	// MaxResults caps the merged result list.
	MaxResults = 20
	// DefaultLimitPerStrategy is used when Search is called with a non-positive limit.
	DefaultLimitPerStrategy = 10
	// fallbackLimit is the limit of the last-resort simple search.
	fallbackLimit = 20
	// maxLoggedBody is how many runes of a rejected response reach the log.
	maxLoggedBody = 200
)

// Search types recorded in result metadata.
const (
	TypeTitle    = "title"
	TypeKeyword  = "keyword"
	TypeFallback = "fallback"
)

// Result is one search hit. Metadata values are always strings.
type Result struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var (
	fullProfile  = []string{"id", "name", "document_number", "version", "author", "edit_date", "create_date", "size", "type"}
	basicProfile = []string{"id", "name", "author", "edit_date", "type"}
)

// body builds one structured search request.
type body struct {
	filter  string
	profile []string
}

func (b body) build(query string, limit int) map[string]any {
	out := map[string]any{
		"limit":   limit,
		"filters": map[string]any{b.filter: query},
	}
	if len(b.profile) > 0 {
		out["profile_fields"] = map[string]any{"document": b.profile}
	}
	return out
}

// strategy is a structured search with its fallback text.
type strategy struct {
	searchType string
	bodies     []body
	// fallbackText is used when a document has no author, type or edit date.
	fallbackText func(query string) string
	// extra metadata added to every result.
	extra func(query string) map[string]string
}

var (
	titleStrategy = strategy{
		searchType:   TypeTitle,
		bodies:       []body{{filter: "name", profile: fullProfile}},
		fallbackText: func(string) string { return "Document metadata" },
	}

	keywordStrategy = strategy{
		searchType: TypeKeyword,
		bodies: []body{
			{filter: "anywhere", profile: fullProfile},
			{filter: "anywhere", profile: basicProfile},
			{filter: "anywhere"},
			{filter: "body"},
		},
		fallbackText: func(q string) string { return "Document contains keyword: " + q },
		extra:        func(q string) map[string]string { return map[string]string{"search_query": q} },
	}

	// simpleParams are the GET query parameters tried in order.
	simpleParams = []string{"name", "anywhere", "title", "body", "q"}
)

// Engine searches one library on behalf of whoever the token source represents.
type Engine struct {
	client  *imanage.Client
	tokens  imanage.TokenSource
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records search_strategy_total for every attempt.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine returns an engine issuing requests through client with tokens
// from tokens.
func NewEngine(client *imanage.Client, tokens imanage.TokenSource, opts ...Option) *Engine {
	e := &Engine{client: client, tokens: tokens}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.WithComponent(e.logger, "search")
	return e
}

// Search runs the title then the keyword strategy and merges their results.
// When both come back empty a broader simple search runs. The only error is
// failing to obtain a bearer token; upstream failures degrade to fewer
// results.
func (e *Engine) Search(ctx context.Context, query string, limitPerStrategy int) ([]Result, error) {
	if limitPerStrategy <= 0 {
		limitPerStrategy = DefaultLimitPerStrategy
	}

	ctx, span := instrumentation.StartSpan(ctx, "search.combined",
		attribute.Int("search.limit_per_strategy", limitPerStrategy))
	defer span.End()

	token, err := e.tokens.Token(ctx)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, fmt.Errorf("get search token: %w", err)
	}

	merged := newResultSet()
	for _, r := range e.structured(ctx, token, titleStrategy, query, limitPerStrategy) {
		merged.put(r)
	}
	for _, r := range e.structured(ctx, token, keywordStrategy, query, limitPerStrategy) {
		merged.add(r)
	}
	if merged.len() == 0 {
		e.logger.Debug("no results from title or keyword search, trying fallback", logging.Query(query))
		for _, r := range e.Simple(ctx, token, query, fallbackLimit, TypeFallback) {
			merged.put(r)
		}
	}

	results := merged.list(MaxResults)
	span.SetAttributes(attribute.Int("search.result_count", len(results)))
	instrumentation.SetSpanSuccess(span)
	e.logger.Info("search completed", logging.Query(query), slog.Int("results", len(results)))
	return results, nil
}

// structured tries each body of s in order. The first successful response
// wins; if none succeeds the simple search runs with s's type.
func (e *Engine) structured(ctx context.Context, token string, s strategy, query string, limit int) []Result {
	ctx, span := instrumentation.StartSpan(ctx, "search."+s.searchType,
		instrumentation.NewSpanAttributeBuilder().WithSearchType(s.searchType).Build()...)
	defer span.End()
	logger := logging.WithOperation(e.logger, "search."+s.searchType)

	for i, b := range s.bodies {
		resp, err := e.client.SearchDocuments(ctx, token, b.build(query, limit))
		if err != nil {
			e.record(ctx, s.searchType, instrumentation.OutcomeFailed)
			logger.Debug("structured search failed",
				logging.SearchType(s.searchType), slog.Int("attempt", i+1), logging.Err(err))
			continue
		}
		if !resp.OK() {
			e.record(ctx, s.searchType, instrumentation.OutcomeRejected)
			if imanage.InvalidateOnUnauthorized(e.tokens, resp.StatusCode) {
				logger.Info("iManage rejected the cached token, dropped it")
			}
			logger.Debug("structured search rejected",
				logging.SearchType(s.searchType), slog.Int("attempt", i+1),
				slog.Int("status_code", resp.StatusCode), logging.Body(resp.Body, maxLoggedBody))
			continue
		}

		docs, err := decodeDocuments(resp.Body, false)
		if err != nil {
			e.record(ctx, s.searchType, instrumentation.OutcomeFailed)
			logger.Debug("structured search response unreadable",
				logging.SearchType(s.searchType), slog.Int("attempt", i+1), logging.Err(err))
			continue
		}

		var extra map[string]string
		if s.extra != nil {
			extra = s.extra(query)
		}
		results := make([]Result, 0, len(docs))
		for _, doc := range docs {
			results = append(results, e.toResult(doc, s.searchType, s.fallbackText(query), extra))
		}
		e.record(ctx, s.searchType, outcome(results))
		logger.Debug("structured search succeeded",
			logging.SearchType(s.searchType), slog.Int("attempt", i+1), slog.Int("results", len(results)))
		span.SetAttributes(attribute.Int("search.attempt", i+1))
		return results
	}

	instrumentation.AddSpanEvent(span, "search.simple_fallback")
	return e.Simple(ctx, token, query, limit, s.searchType)
}

// Simple lists documents with each of the known query parameters until one
// answers 200 with JSON. Results carry searchType in their metadata and are
// capped at limit. Every failure yields an empty slice.
func (e *Engine) Simple(ctx context.Context, token, query string, limit int, searchType string) []Result {
	for _, param := range simpleParams {
		params := url.Values{}
		params.Set(param, query)
		params.Set("limit", strconv.Itoa(limit))

		resp, err := e.client.ListDocuments(ctx, token, params)
		if err != nil {
			e.record(ctx, "simple", instrumentation.OutcomeFailed)
			e.logger.Debug("simple search failed", slog.String("param", param), logging.Err(err))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			e.record(ctx, "simple", instrumentation.OutcomeRejected)
			e.logger.Debug("simple search rejected", slog.String("param", param),
				slog.Int("status_code", resp.StatusCode), logging.Body(resp.Body, maxLoggedBody))
			continue
		}

		docs, err := decodeDocuments(resp.Body, true)
		if err != nil {
			e.record(ctx, "simple", instrumentation.OutcomeFailed)
			e.logger.Debug("simple search response is not JSON", slog.String("param", param),
				logging.Body(resp.Body, maxLoggedBody))
			continue
		}

		fallback := fmt.Sprintf("Document found with %s search", searchType)
		results := make([]Result, 0, len(docs))
		for _, doc := range docs {
			results = append(results, e.toResult(doc, searchType, fallback, nil))
		}
		if len(results) > limit {
			results = results[:limit]
		}
		e.record(ctx, "simple", outcome(results))
		return results
	}

	e.logger.Debug("all simple search parameters failed", logging.SearchType(searchType))
	return nil
}

func (e *Engine) record(ctx context.Context, searchType, outcome string) {
	e.metrics.RecordSearchStrategy(ctx, searchType, outcome)
}

func outcome(results []Result) string {
	if len(results) == 0 {
		return instrumentation.OutcomeEmpty
	}
	return instrumentation.OutcomeHit
}

func (e *Engine) toResult(doc map[string]any, searchType, fallbackText string, extra map[string]string) Result {
	id := imanage.FieldString(doc["id"])

	title := "Untitled Document"
	if v, ok := doc["name"]; ok && v != nil {
		title = imanage.FieldString(v)
	}

	var parts []string
	for _, f := range []struct{ key, label string }{
		{"author", "Author"},
		{"type", "Type"},
		{"edit_date", "Last Modified"},
	} {
		if v := imanage.FieldString(doc[f.key]); imanage.FieldPresent(doc[f.key]) {
			parts = append(parts, f.label+": "+v)
		}
	}
	text := fallbackText
	if len(parts) > 0 {
		text = strings.Join(parts, "; ")
	}

	metadata := map[string]string{
		"document_number": imanage.FieldString(doc["document_number"]),
		"version":         imanage.FieldString(doc["version"]),
		"size":            imanage.FieldString(doc["size"]),
		"search_type":     searchType,
	}
	for k, v := range extra {
		metadata[k] = v
	}

	return Result{
		ID:       id,
		Title:    title,
		Text:     text,
		URL:      e.client.WorkDocumentURL(id),
		Metadata: metadata,
	}
}

// decodeDocuments reads the "data" array of a response object. When
// allowArray is set a bare top-level array is accepted too. Items that are
// not objects are skipped.
func decodeDocuments(raw []byte, allowArray bool) ([]map[string]any, error) {
	var v any
	if err := imanage.DecodeJSON(raw, &v); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	var items []any
	switch t := v.(type) {
	case map[string]any:
		items, _ = t["data"].([]any)
	case []any:
		if !allowArray {
			return nil, fmt.Errorf("unexpected top-level array")
		}
		items = t
	default:
		if !allowArray {
			return nil, fmt.Errorf("unexpected response shape %T", v)
		}
	}

	docs := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if doc, ok := item.(map[string]any); ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// resultSet keeps results unique by id in first-insertion order.
type resultSet struct {
	index map[string]int
	items []Result
}

func newResultSet() *resultSet {
	return &resultSet{index: make(map[string]int)}
}

// put inserts r, replacing an existing entry with the same id in place.
func (s *resultSet) put(r Result) {
	if i, ok := s.index[r.ID]; ok {
		s.items[i] = r
		return
	}
	s.index[r.ID] = len(s.items)
	s.items = append(s.items, r)
}

// add inserts r unless its id is already present.
func (s *resultSet) add(r Result) {
	if _, ok := s.index[r.ID]; ok {
		return
	}
	s.put(r)
}

func (s *resultSet) len() int { return len(s.items) }

func (s *resultSet) list(n int) []Result {
	if len(s.items) > n {
		return s.items[:n]
	}
	return s.items
}
