package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWebFetchTool_FetchesAndExtracts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Fetch Me</title></head><body><main><p>payload text</p></main></body></html>`))
	}))
	defer server.Close()

	tool := NewWebFetchTool(nil, WithExtractor(NewContentExtractorForTesting()))
	params, _ := json.Marshal(map[string]string{"url": server.URL})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content, "Fetch Me")
	require.Contains(t, result.Content, "payload text")
}

func TestWebFetchTool_MissingURL(t *testing.T) {
	tool := NewWebFetchTool(nil, WithExtractor(NewContentExtractorForTesting()))
	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestWebFetchTool_TruncatesToMaxChars(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><main><p>` + strings.Repeat("x", 500) + `</p></main></body></html>`))
	}))
	defer server.Close()

	tool := NewWebFetchTool(&FetchConfig{MaxChars: 50}, WithExtractor(NewContentExtractorForTesting()))
	params, _ := json.Marshal(map[string]string{"url": server.URL})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content, `"truncated": true`)
}

func TestWebFetchTool_RejectsSSRFTarget(t *testing.T) {
	tool := NewWebFetchTool(nil)
	params, _ := json.Marshal(map[string]string{"url": "http://127.0.0.1:9999/"})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Contains(t, result.Content, "Fetch failed")
}

func TestWebFetchTool_Name(t *testing.T) {
	tool := NewWebFetchTool(nil)
	require.Equal(t, "fetch", tool.Name())
}

func TestNormalizeExtractMode(t *testing.T) {
	require.Equal(t, "text", normalizeExtractMode("text"))
	require.Equal(t, "markdown", normalizeExtractMode(""))
	require.Equal(t, "markdown", normalizeExtractMode("bogus"))
}
