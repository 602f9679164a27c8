package toolworker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/niffler-ai/niffler/internal/channels"
	"github.com/niffler-ai/niffler/internal/registry"
)

type stubTool struct {
	name   string
	result *registry.Result
	err    error
	delay  time.Duration
	schema json.RawMessage
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() json.RawMessage {
	if s.schema != nil {
		return s.schema
	}
	return json.RawMessage(`{"type":"object"}`)
}

func (s *stubTool) Execute(ctx context.Context, params json.RawMessage) (*registry.Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func newHarness(t *testing.T, tool *stubTool, cfg Config) (*Worker, *channels.Queue[Request], *channels.Queue[Response]) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(tool))
	in := channels.New[Request](4)
	out := channels.New[Response](4)
	return New(reg, in, out, cfg), in, out
}

func drainUntil(t *testing.T, out *channels.Queue[Response], kind ResponseKind) Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if resp, ok := out.Receive(100 * time.Millisecond); ok {
			if resp.Kind == kind {
				return resp
			}
		}
	}
	t.Fatalf("did not observe response kind %s before deadline", kind)
	return Response{}
}

func TestToolWorker_ExecutesAndEmitsReadyThenResult(t *testing.T) {
	tool := &stubTool{name: "echo", result: &registry.Result{Content: "hi"}}
	w, in, out := newHarness(t, tool, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.True(t, in.TrySend(Request{RequestID: "r1", CallID: "c1", Name: "echo", Arguments: json.RawMessage(`{}`)}))

	ready := drainUntil(t, out, KindReady)
	require.Equal(t, "r1", ready.RequestID)

	result := drainUntil(t, out, KindResult)
	require.Equal(t, "hi", result.Content)
	require.False(t, result.IsError)
}

func TestToolWorker_UnknownToolReportsError(t *testing.T) {
	tool := &stubTool{name: "echo", result: &registry.Result{Content: "hi"}}
	w, in, out := newHarness(t, tool, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.True(t, in.TrySend(Request{RequestID: "r1", Name: "missing", Arguments: json.RawMessage(`{}`)}))

	errResp := drainUntil(t, out, KindError)
	require.Equal(t, ErrUnknownTool, errResp.ErrKind)
}

func TestToolWorker_TimeoutClassifiesAsTimeout(t *testing.T) {
	tool := &stubTool{name: "slow", result: &registry.Result{Content: "late"}, delay: 200 * time.Millisecond}
	w, in, out := newHarness(t, tool, Config{Timeout: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.True(t, in.TrySend(Request{RequestID: "r1", Name: "slow", Arguments: json.RawMessage(`{}`)}))

	errResp := drainUntil(t, out, KindError)
	require.Equal(t, ErrTimeout, errResp.ErrKind)
}

func TestToolWorker_TruncatesOversizedResult(t *testing.T) {
	big := make([]byte, 100)
	for i := range big {
		big[i] = 'x'
	}
	tool := &stubTool{name: "big", result: &registry.Result{Content: string(big)}}
	w, in, out := newHarness(t, tool, Config{MaxResultSize: 10})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.True(t, in.TrySend(Request{RequestID: "r1", Name: "big", Arguments: json.RawMessage(`{}`)}))

	result := drainUntil(t, out, KindResult)
	require.True(t, result.Truncated)
	require.Contains(t, result.Content, "...[truncated]")
}

func TestToolWorker_RedactsSecrets(t *testing.T) {
	tool := &stubTool{name: "leaky", result: &registry.Result{Content: "api_key=abcdefghijklmnopqrstuvwxyz"}}
	w, in, out := newHarness(t, tool, Config{RedactSecrets: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.True(t, in.TrySend(Request{RequestID: "r1", Name: "leaky", Arguments: json.RawMessage(`{}`)}))

	result := drainUntil(t, out, KindResult)
	require.Contains(t, result.Content, "[REDACTED]")
	require.NotContains(t, result.Content, "abcdefghijklmnopqrstuvwxyz")
}

func TestNormalizeCallSignature_SortsKeysAndQuotesValues(t *testing.T) {
	sig, err := NormalizeCallSignature("edit", json.RawMessage(`{"path":"a.txt","operation":"replace"}`))
	require.NoError(t, err)
	require.Equal(t, `edit(operation="replace", path="a.txt")`, sig)
}

func TestNormalizeCallSignature_EmptyArguments(t *testing.T) {
	sig, err := NormalizeCallSignature("list", nil)
	require.NoError(t, err)
	require.Equal(t, "list()", sig)
}
