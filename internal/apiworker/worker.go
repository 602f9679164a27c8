// Package apiworker is the long-lived thread that translates an APIRequest
// into an HTTP request against an OpenAI-compatible chat completions
// endpoint, streams the server-sent-event response, and emits a typed
// sequence of APIResponse events back to the Conversation Engine.
//
// The streaming body is parsed by a hand-rolled line-oriented state machine
// rather than a provider SDK, since reasoning-token formats (Anthropic XML
// tags interleaved with plain content, OpenAI's reasoning_content field)
// need access to the raw delta text as it arrives.
package apiworker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/niffler-ai/niffler/internal/config"
	"github.com/niffler-ai/niffler/pkg/models"
)

// ToolSchema is the wire shape of one tool's declaration sent to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one APIRequest submitted by the Conversation Engine.
type Request struct {
	RequestID string
	Model     string
	System    string
	Messages  []models.Message
	Tools     []ToolSchema
	Reasoning config.ReasoningLevel
	MaxTokens int
}

// ResponseKind discriminates the APIResponse variants named in spec §4.2.
type ResponseKind string

const (
	KindStreamStart    ResponseKind = "stream_start"
	KindStreamChunk    ResponseKind = "stream_chunk"
	KindThinkingChunk  ResponseKind = "thinking_chunk"
	KindToolCallsReady ResponseKind = "tool_calls_ready"
	KindStreamComplete ResponseKind = "stream_complete"
	KindError          ResponseKind = "error"
)

// ErrorKind classifies a terminal Error response, per spec §7.
type ErrorKind string

const (
	ErrTransport ErrorKind = "transport"
	ErrProtocol  ErrorKind = "protocol"
	ErrHTTP      ErrorKind = "http"
	ErrCancelled ErrorKind = "cancelled"
)

// Usage reports token accounting from a completed stream, when the
// provider supplied it.
type Usage struct {
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	Reported        bool
}

// Response is one APIResponse event. Only the fields relevant to Kind are
// populated; this mirrors a tagged union without interface{} dispatch.
type Response struct {
	Kind         ResponseKind
	RequestID    string
	Text         string
	ThinkingFmt  models.ThinkingFormat
	Thinking     string
	ThinkingDone bool
	Calls        []models.ToolCall
	Usage        Usage
	FinishReason string
	ErrKind      ErrorKind
	HTTPStatus   int
	Message      string
}

// Worker drives one HTTP+SSE round trip per Request it receives.
type Worker struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	retry      *Retrier
}

// Config configures one Worker. ConnectTimeout (default 10s) is applied as
// the transport's response-header timeout. ReadIdleTimeout is not applied:
// once headers arrive, reads of the stream are bounded only by ctx and by
// CancelRequest.
type Config struct {
	BaseURL         string
	APIKey          string
	ConnectTimeout  time.Duration
	ReadIdleTimeout time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
}

// New constructs a Worker for one model endpoint.
func New(cfg Config) *Worker {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		ResponseHeaderTimeout: cfg.ConnectTimeout,
	}
	return &Worker{
		httpClient: &http.Client{Transport: transport},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		retry:      NewRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}
}

// cancelRegistry tracks in-flight requests by ID so CancelRequest can abort
// their HTTP stream, per spec §4.2 "Suspension/cancellation".
type cancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

var registry = &cancelRegistry{cancels: make(map[string]context.CancelFunc)}

func (r *cancelRegistry) register(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
}

func (r *cancelRegistry) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

// CancelRequest aborts the in-flight HTTP stream for requestID, if any.
// The worker emits a terminal Error(Cancelled) response for that stream.
func CancelRequest(requestID string) bool {
	registry.mu.Lock()
	cancel, ok := registry.cancels[requestID]
	registry.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Run executes req and streams Response events to emit, returning once the
// stream reaches a terminal state (StreamComplete or Error). emit must not
// block indefinitely; callers typically back it with a bounded queue.
func (w *Worker) Run(ctx context.Context, req Request, emit func(Response)) {
	streamCtx, cancel := context.WithCancel(ctx)
	registry.register(req.RequestID, cancel)
	defer registry.unregister(req.RequestID)
	defer cancel()

	emit(Response{Kind: KindStreamStart, RequestID: req.RequestID})

	body, err := buildRequestBody(req)
	if err != nil {
		emit(Response{Kind: KindError, RequestID: req.RequestID, ErrKind: ErrProtocol, Message: err.Error()})
		return
	}

	var resp *http.Response
	err = w.retry.Do(streamCtx, isRetryableHTTPErr, func() error {
		httpReq, buildErr := http.NewRequestWithContext(streamCtx, http.MethodPost, w.baseURL+"/chat/completions", strings.NewReader(string(body)))
		if buildErr != nil {
			return buildErr
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)
		httpReq.Header.Set("Accept", "text/event-stream")

		r, doErr := w.httpClient.Do(httpReq)
		if doErr != nil {
			return doErr
		}
		resp = r
		return nil
	})

	if err != nil {
		if streamCtx.Err() != nil {
			emit(Response{Kind: KindError, RequestID: req.RequestID, ErrKind: ErrCancelled})
			return
		}
		emit(Response{Kind: KindError, RequestID: req.RequestID, ErrKind: ErrTransport, Message: err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		emit(Response{
			Kind:       KindError,
			RequestID:  req.RequestID,
			ErrKind:    ErrHTTP,
			HTTPStatus: resp.StatusCode,
			Message:    string(respBody),
		})
		return
	}

	parser := newSSEParser(req.Reasoning)
	reader := bufio.NewReader(resp.Body)

	for {
		select {
		case <-streamCtx.Done():
			if ctx.Err() == nil {
				emit(Response{Kind: KindError, RequestID: req.RequestID, ErrKind: ErrCancelled})
			}
			return
		default:
		}

		line, readErr := reader.ReadString('\n')
		if len(line) > 0 {
			events := parser.feedLine(line)
			for _, ev := range events {
				ev.RequestID = req.RequestID
				emit(ev)
			}
		}
		if readErr != nil {
			if streamCtx.Err() != nil {
				if ctx.Err() == nil {
					emit(Response{Kind: KindError, RequestID: req.RequestID, ErrKind: ErrCancelled})
				}
				return
			}
			if readErr == io.EOF {
				if !parser.done {
					emit(Response{Kind: KindError, RequestID: req.RequestID, ErrKind: ErrProtocol, Message: "stream ended before [DONE] or finish_reason"})
					return
				}
				return
			}
			emit(Response{Kind: KindError, RequestID: req.RequestID, ErrKind: ErrTransport, Message: readErr.Error()})
			return
		}
	}
}

func isRetryableHTTPErr(err error) bool {
	return false
}

func buildRequestBody(req Request) ([]byte, error) {
	payload := map[string]any{
		"model":  req.Model,
		"stream": true,
	}
	msgs := make([]map[string]any, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, messageToWire(m))
	}
	payload["messages"] = msgs

	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any = map[string]any{"type": "object", "properties": map[string]any{}}
			if len(t.Parameters) > 0 {
				var decoded any
				if err := json.Unmarshal(t.Parameters, &decoded); err == nil {
					params = decoded
				}
			}
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  params,
				},
			})
		}
		payload["tools"] = tools
	}
	if req.Reasoning != "" && req.Reasoning != config.ReasoningNone {
		payload["reasoning"] = map[string]any{"level": string(req.Reasoning)}
	}

	return json.Marshal(payload)
}

func messageToWire(m models.Message) map[string]any {
	wire := map[string]any{"role": string(m.Role)}
	if m.Content != "" || len(m.ToolCalls) == 0 {
		wire["content"] = m.Content
	}
	if len(m.ToolCalls) > 0 {
		calls := make([]map[string]any, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": string(tc.Input),
				},
			})
		}
		wire["tool_calls"] = calls
	}
	if m.Role == models.RoleTool {
		wire["tool_call_id"] = m.ToolCallID
	}
	return wire
}
