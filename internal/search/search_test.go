package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/imanage-mcp/internal/config"
	"github.com/teemow/imanage-mcp/internal/imanage"
)

const documentsPath = "/api/v2/customers/123/libraries/ACTIVE/documents"

// upstream fakes the iManage documents endpoints. post answers structured
// searches given the decoded body; get answers list calls given the query.
type upstream struct {
	t    *testing.T
	post func(body map[string]any) (int, string)
	get  func(q url.Values) (int, string)

	mu     sync.Mutex
	bodies []map[string]any
	gets   []url.Values
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == documentsPath+"/search":
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		assert.NoError(u.t, json.Unmarshal(raw, &body))
		u.mu.Lock()
		u.bodies = append(u.bodies, body)
		u.mu.Unlock()
		status, payload := http.StatusInternalServerError, `{"error":"unexpected"}`
		if u.post != nil {
			status, payload = u.post(body)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, payload)
	case r.Method == http.MethodGet && r.URL.Path == documentsPath:
		q := r.URL.Query()
		u.mu.Lock()
		u.gets = append(u.gets, q)
		u.mu.Unlock()
		status, payload := http.StatusNotFound, `{}`
		if u.get != nil {
			status, payload = u.get(q)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, payload)
	default:
		http.NotFound(w, r)
	}
}

func newEngine(t *testing.T, u *upstream) (*Engine, string) {
	t.Helper()
	u.t = t
	srv := httptest.NewServer(u)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		URLPrefix:     srv.URL,
		CustomerID:    "123",
		LibraryID:     "ACTIVE",
		SearchTimeout: 5 * time.Second,
	}
	tokens := imanage.TokenSourceFunc(func(context.Context) (string, error) { return "tok", nil })
	return NewEngine(imanage.NewClient(cfg), tokens), srv.URL
}

func filterOf(body map[string]any) (string, string) {
	filters, _ := body["filters"].(map[string]any)
	for k, v := range filters {
		s, _ := v.(string)
		return k, s
	}
	return "", ""
}

func docs(prefix string, n int) string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf(`{"id":"%s%d","name":"%s doc %d"}`, prefix, i, prefix, i)
	}
	return `{"data":[` + strings.Join(items, ",") + `]}`
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestSearch_TitleRejectedFallsBackToGet(t *testing.T) {
	u := &upstream{
		post: func(body map[string]any) (int, string) {
			return http.StatusBadRequest, `{"error":"invalid filter"}`
		},
		get: func(q url.Values) (int, string) {
			if q.Get("name") == "contract" {
				return http.StatusOK, `{"data":[{"id":"D1","name":"Contract.docx","author":"jsmith"}]}`
			}
			return http.StatusNotFound, `{}`
		},
	}
	e, _ := newEngine(t, u)

	results, err := e.Search(context.Background(), "contract", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "D1", results[0].ID)
	assert.Equal(t, "Contract.docx", results[0].Title)
	assert.Equal(t, "Author: jsmith", results[0].Text)
	assert.Equal(t, TypeTitle, results[0].Metadata["search_type"])

	// One title body plus four keyword bodies.
	assert.Len(t, u.bodies, 5)
	assert.Equal(t, "10", u.gets[0].Get("limit"))
}

func TestSearch_TitleWinsAndCap(t *testing.T) {
	u := &upstream{
		post: func(body map[string]any) (int, string) {
			filter, _ := filterOf(body)
			if filter == "name" {
				return http.StatusOK, docs("t", 15)
			}
			// Keyword results overlap the first five title ids.
			return http.StatusOK, `{"data":[` +
				`{"id":"t0","name":"keyword copy"},{"id":"t1"},{"id":"t2"},{"id":"t3"},{"id":"t4"},` +
				strings.TrimSuffix(strings.TrimPrefix(docs("k", 10), `{"data":[`), `]}`) + `]}`
		},
	}
	e, _ := newEngine(t, u)

	results, err := e.Search(context.Background(), "matter", 10)
	require.NoError(t, err)
	require.Len(t, results, MaxResults)

	seen := map[string]bool{}
	for _, r := range results {
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
	}
	for i := 0; i < 15; i++ {
		assert.Equal(t, fmt.Sprintf("t%d", i), results[i].ID)
		assert.Equal(t, TypeTitle, results[i].Metadata["search_type"])
	}
	assert.Equal(t, "t doc 0", results[0].Title)
	assert.Equal(t, []string{"k0", "k1", "k2", "k3", "k4"}, ids(results[15:]))
	assert.Equal(t, TypeKeyword, results[15].Metadata["search_type"])

	// Only the first keyword body was needed.
	assert.Len(t, u.bodies, 2)
}

func TestSearch_KeywordBodyOrder(t *testing.T) {
	u := &upstream{
		post: func(body map[string]any) (int, string) {
			filter, _ := filterOf(body)
			if filter == "name" {
				return http.StatusOK, `{"data":[]}`
			}
			if _, hasProfile := body["profile_fields"]; hasProfile {
				return http.StatusBadRequest, `{"error":"unknown field"}`
			}
			return http.StatusOK, `{"data":[{"id":"K1","name":"Brief"}]}`
		},
	}
	e, _ := newEngine(t, u)

	results, err := e.Search(context.Background(), "indemnity", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Document contains keyword: indemnity", results[0].Text)
	assert.Equal(t, TypeKeyword, results[0].Metadata["search_type"])
	assert.Equal(t, "indemnity", results[0].Metadata["search_query"])

	require.Len(t, u.bodies, 4)
	title := u.bodies[0]
	filter, q := filterOf(title)
	assert.Equal(t, "name", filter)
	assert.Equal(t, "indemnity", q)
	assert.EqualValues(t, 10, title["limit"])
	assert.Len(t, title["profile_fields"].(map[string]any)["document"], 9)

	assert.Len(t, u.bodies[1]["profile_fields"].(map[string]any)["document"], 9)
	assert.Len(t, u.bodies[2]["profile_fields"].(map[string]any)["document"], 5)
	filter, _ = filterOf(u.bodies[3])
	assert.Equal(t, "anywhere", filter)
	assert.NotContains(t, u.bodies[3], "profile_fields")
	assert.Empty(t, u.gets, "no GET fallback after a successful body")
}

func TestSearch_KeywordFourthBodyIsBodyFilter(t *testing.T) {
	u := &upstream{
		post: func(body map[string]any) (int, string) {
			filter, _ := filterOf(body)
			switch filter {
			case "name":
				return http.StatusOK, `{"data":[]}`
			case "body":
				return http.StatusOK, `{"data":[{"id":"B1"}]}`
			}
			return http.StatusBadRequest, `{}`
		},
	}
	e, _ := newEngine(t, u)

	results, err := e.Search(context.Background(), "clause", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"B1"}, ids(results))
	assert.Equal(t, "Untitled Document", results[0].Title)
}

func TestSearch_EmptyUnionRunsFallback(t *testing.T) {
	u := &upstream{
		post: func(map[string]any) (int, string) { return http.StatusOK, `{"data":[]}` },
		get: func(q url.Values) (int, string) {
			return http.StatusOK, `["junk", 42, {"id":"F1"}]`
		},
	}
	e, _ := newEngine(t, u)

	results, err := e.Search(context.Background(), "nothing", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "F1", results[0].ID)
	assert.Equal(t, "Document found with fallback search", results[0].Text)
	assert.Equal(t, TypeFallback, results[0].Metadata["search_type"])

	require.Len(t, u.gets, 1)
	assert.Equal(t, "20", u.gets[0].Get("limit"))
	assert.Equal(t, "nothing", u.gets[0].Get("name"))
}

func TestSearch_EverythingFails(t *testing.T) {
	u := &upstream{}
	e, _ := newEngine(t, u)

	results, err := e.Search(context.Background(), "x", 10)
	require.NoError(t, err, "upstream failures are absorbed")
	assert.Empty(t, results)
}

func TestSearch_TokenFailure(t *testing.T) {
	u := &upstream{}
	e, _ := newEngine(t, u)
	authErr := &imanage.AuthError{Grant: "password", Err: errors.New("invalid_grant")}
	e.tokens = imanage.TokenSourceFunc(func(context.Context) (string, error) { return "", authErr })

	results, err := e.Search(context.Background(), "x", 10)
	require.Error(t, err)
	assert.Nil(t, results)
	assert.True(t, imanage.IsAuthError(err))
	assert.Empty(t, u.bodies, "no upstream call without a token")
}

type invalidatingTokens struct {
	mu          sync.Mutex
	invalidated int
}

func (i *invalidatingTokens) Token(context.Context) (string, error) { return "stale", nil }

func (i *invalidatingTokens) Invalidate() {
	i.mu.Lock()
	i.invalidated++
	i.mu.Unlock()
}

func TestSearch_UnauthorizedDropsCachedToken(t *testing.T) {
	u := &upstream{post: func(map[string]any) (int, string) {
		return http.StatusUnauthorized, `{"error":"token expired"}`
	}}
	e, _ := newEngine(t, u)
	tokens := &invalidatingTokens{}
	e.tokens = tokens

	_, err := e.Search(context.Background(), "lease", 10)
	require.NoError(t, err)
	assert.Equal(t, len(u.bodies), tokens.invalidated, "every 401 drops the token")
	assert.NotZero(t, tokens.invalidated)
}

func TestSimple_ParamOrderAndLimit(t *testing.T) {
	u := &upstream{
		get: func(q url.Values) (int, string) {
			switch {
			case q.Has("name"):
				return http.StatusNotFound, `{}`
			case q.Has("anywhere"):
				return http.StatusOK, `<html>not json</html>`
			case q.Has("title"):
				return http.StatusOK, docs("s", 3)
			}
			return http.StatusInternalServerError, `{}`
		},
	}
	e, _ := newEngine(t, u)

	results := e.Simple(context.Background(), "tok", "lease", 2, "simple")
	assert.Equal(t, []string{"s0", "s1"}, ids(results))
	assert.Equal(t, "Document found with simple search", results[0].Text)

	require.Len(t, u.gets, 3)
	assert.Equal(t, "lease", u.gets[0].Get("name"))
	assert.Equal(t, "lease", u.gets[1].Get("anywhere"))
	assert.Equal(t, "lease", u.gets[2].Get("title"))
}

func TestResultMapping(t *testing.T) {
	u := &upstream{
		post: func(body map[string]any) (int, string) {
			return http.StatusOK, `{"data":[{"id":"ACTIVE!1234.2","name":"Lease.pdf","author":"JSMITH",` +
				`"type":"ACROBAT","edit_date":"2024-05-01T10:00:00Z","document_number":1234,"version":2,"size":20480}]}`
		},
	}
	e, base := newEngine(t, u)

	results, err := e.Search(context.Background(), "lease", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, "Lease.pdf", r.Title)
	assert.Equal(t, "Author: JSMITH; Type: ACROBAT; Last Modified: 2024-05-01T10:00:00Z", r.Text)
	assert.Equal(t, base+"/work/web"+documentsPath+"/ACTIVE!1234.2", r.URL)
	assert.Equal(t, map[string]string{
		"document_number": "1234",
		"version":         "2",
		"size":            "20480",
		"search_type":     "title",
	}, r.Metadata)
}

func TestDecodeDocuments(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		allowArray bool
		want       int
		wantErr    bool
	}{
		{name: "data object", raw: `{"data":[{"id":"1"},{"id":"2"}]}`, want: 2},
		{name: "missing data", raw: `{"total":0}`, want: 0},
		{name: "non-object items skipped", raw: `{"data":[1,"x",{"id":"1"}]}`, want: 1},
		{name: "array rejected for structured", raw: `[{"id":"1"}]`, wantErr: true},
		{name: "array accepted for simple", raw: `[{"id":"1"}]`, allowArray: true, want: 1},
		{name: "invalid json", raw: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeDocuments([]byte(tt.raw), tt.allowArray)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}
