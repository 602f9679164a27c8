package apiworker

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/niffler-ai/niffler/internal/config"
	"github.com/niffler-ai/niffler/pkg/models"
)

func writeSSE(w http.ResponseWriter, frames []string) {
	flusher := w.(http.Flusher)
	for _, f := range frames {
		fmt.Fprintf(w, "data: %s\n\n", f)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func TestWorker_RunStreamsTextAndCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, []string{
			chunkJSON("hello "),
			chunkJSON("world"),
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2}}`,
		})
	}))
	defer srv.Close()

	worker := New(Config{BaseURL: srv.URL, APIKey: "test-key"})
	req := Request{RequestID: "req-1", Model: "test-model", Reasoning: config.ReasoningNone}

	var events []Response
	worker.Run(t.Context(), req, func(r Response) { events = append(events, r) })

	require.Equal(t, KindStreamStart, events[0].Kind)
	require.Equal(t, "hello world", collectText(events))

	last := events[len(events)-1]
	require.Equal(t, KindStreamComplete, last.Kind)
	require.EqualValues(t, 10, last.Usage.InputTokens)
	require.EqualValues(t, 2, last.Usage.OutputTokens)

	for _, e := range events {
		require.Equal(t, "req-1", e.RequestID)
	}
}

func TestWorker_RunEmitsHTTPErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad key"}`)
	}))
	defer srv.Close()

	worker := New(Config{BaseURL: srv.URL, APIKey: "bad"})
	req := Request{RequestID: "req-2", Model: "test-model"}

	var events []Response
	worker.Run(t.Context(), req, func(r Response) { events = append(events, r) })

	last := events[len(events)-1]
	require.Equal(t, KindError, last.Kind)
	require.Equal(t, ErrHTTP, last.ErrKind)
	require.Equal(t, http.StatusUnauthorized, last.HTTPStatus)
}

func TestWorker_CancelRequestAbortsStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", chunkJSON("partial"))
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	worker := New(Config{BaseURL: srv.URL, APIKey: "test-key"})
	req := Request{RequestID: "req-3", Model: "test-model"}

	done := make(chan struct{})
	var events []Response
	go func() {
		worker.Run(t.Context(), req, func(r Response) { events = append(events, r) })
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, CancelRequest("req-3"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	last := events[len(events)-1]
	require.Equal(t, KindError, last.Kind)
	require.Equal(t, ErrCancelled, last.ErrKind)
}

func TestMessageToWire_ToolResultIncludesCallID(t *testing.T) {
	msg := models.Message{Role: models.RoleTool, Content: "42", ToolCallID: "call_1"}
	wire := messageToWire(msg)
	require.Equal(t, "call_1", wire["tool_call_id"])
	require.Equal(t, "42", wire["content"])
}
