// Package toolworker implements the Tool Worker thread described in spec
// §4.3: it receives one ToolRequest at a time from the ui→tool queue,
// validates and executes it through the Tool Registry, and replies on the
// tool→ui queue with a Ready/Result/Error response. Only one request is in
// flight at a time, matching the queues' single-consumer contract.
package toolworker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/niffler-ai/niffler/internal/channels"
	"github.com/niffler-ai/niffler/internal/registry"
)

// DefaultMaxToolResultSize caps a tool result's content before it's handed
// back to the engine for persistence, mirroring the teacher's tool result
// guard default of 64KB.
const DefaultMaxToolResultSize = 64 * 1024

// DefaultTimeout is the per-call execution budget when a request doesn't
// specify one (only the bash tool currently accepts a per-call override,
// applied by the tool itself, not here).
const DefaultTimeout = 30 * time.Second

// builtinSecretPatterns redacts common secret shapes from tool output before
// it's persisted or shown, grounded on the teacher's tool result guard.
var builtinSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[\w-]{20,}['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[\w-\.]+`),
	regexp.MustCompile(`(?i)(aws|amazon).*?(key|secret|token)\s*[:=]\s*['"]?[\w/+=]{20,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
}

const redactionText = "[REDACTED]"

// TruncationMarker is appended whenever a tool result is cut short. Tools
// that apply their own earlier size limit before the Tool Worker's final
// byte cap (the fetch tool's max_chars, for instance) reuse this marker so
// a truncated result reads the same regardless of which layer cut it.
const TruncationMarker = "\n...[truncated]"

// ErrorKind classifies why a tool call failed, distinct from the API
// worker's transport-level taxonomy.
type ErrorKind string

const (
	ErrUnknownTool    ErrorKind = "unknown_tool"
	ErrValidation     ErrorKind = "validation"
	ErrExecution      ErrorKind = "execution"
	ErrTimeout        ErrorKind = "timeout"
	ErrPlanProtection ErrorKind = "plan_protection"
	ErrDuplicateLimit ErrorKind = "duplicate_limit"
)

// Request is one ToolRequest dispatched by the Conversation Engine.
type Request struct {
	RequestID           string
	CallID              string
	Name                string
	Arguments           json.RawMessage
	RequireConfirmation bool
}

// ResponseKind distinguishes the three ToolResponse shapes named in spec §4.3.
type ResponseKind string

const (
	KindReady  ResponseKind = "ready"
	KindResult ResponseKind = "result"
	KindError  ResponseKind = "error"
)

// Response is one ToolResponse emitted on the tool→ui queue.
type Response struct {
	Kind       ResponseKind
	RequestID  string
	CallID     string
	Content    string
	IsError    bool
	Truncated  bool
	ErrKind    ErrorKind
	Message    string
}

// Worker owns the Tool Registry and the queues connecting it to the rest of
// the runtime.
type Worker struct {
	registry      *registry.Registry
	in            *channels.Queue[Request]
	out           *channels.Queue[Response]
	maxResultSize int
	timeout       time.Duration
	redactSecrets bool
}

// Config controls Worker behavior.
type Config struct {
	MaxResultSize int
	Timeout       time.Duration
	RedactSecrets bool
}

// New creates a Tool Worker over reg, consuming from in and publishing to out.
func New(reg *registry.Registry, in *channels.Queue[Request], out *channels.Queue[Response], cfg Config) *Worker {
	if cfg.MaxResultSize <= 0 {
		cfg.MaxResultSize = DefaultMaxToolResultSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Worker{registry: reg, in: in, out: out, maxResultSize: cfg.MaxResultSize, timeout: cfg.Timeout, redactSecrets: cfg.RedactSecrets}
}

// Run drains requests until ctx is cancelled or the in queue signals
// shutdown. Each request is handled to completion before the next is read,
// matching the "synchronous from the worker's view" contract in spec §4.3.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		req, ok := w.in.Receive(50 * time.Millisecond)
		if !ok {
			if w.in.ShuttingDown() {
				return
			}
			continue
		}
		w.handle(ctx, req)
	}
}

func (w *Worker) handle(ctx context.Context, req Request) {
	w.emit(Response{Kind: KindReady, RequestID: req.RequestID, CallID: req.CallID})

	if len(req.Name) > registry.MaxToolNameLength {
		w.emitError(req, ErrValidation, "tool name exceeds maximum length")
		return
	}

	if _, ok := w.registry.Get(req.Name); !ok {
		w.emitError(req, ErrUnknownTool, fmt.Sprintf("unknown tool: %s", req.Name))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	result, err := w.registry.Execute(callCtx, req.Name, req.Arguments)
	if callCtx.Err() == context.DeadlineExceeded {
		w.emitError(req, ErrTimeout, fmt.Sprintf("tool %q timed out after %s", req.Name, w.timeout))
		return
	}
	if err != nil {
		w.emitError(req, ErrExecution, err.Error())
		return
	}

	content, truncated := w.finalize(result.Content)
	w.emit(Response{
		Kind:      KindResult,
		RequestID: req.RequestID,
		CallID:    req.CallID,
		Content:   content,
		IsError:   result.IsError,
		Truncated: truncated,
	})
}

// finalize applies secret redaction then truncates to the configured limit,
// mirroring the teacher's ToolResultGuard.Apply ordering (redact, then cut).
func (w *Worker) finalize(content string) (string, bool) {
	if w.redactSecrets && content != "" {
		for _, re := range builtinSecretPatterns {
			content = re.ReplaceAllString(content, redactionText)
		}
	}
	if len(content) > w.maxResultSize {
		return content[:w.maxResultSize] + TruncationMarker, true
	}
	return content, false
}

func (w *Worker) emitError(req Request, kind ErrorKind, message string) {
	w.emit(Response{
		Kind:      KindError,
		RequestID: req.RequestID,
		CallID:    req.CallID,
		ErrKind:   kind,
		Message:   message,
		IsError:   true,
	})
}

func (w *Worker) emit(resp Response) {
	w.out.TrySend(resp)
}

// NormalizeCallSignature renders a canonical "name(k1=v1, k2=v2, ...)"
// signature for duplicate-call detection, per spec §4.5. Keys are sorted;
// values are each argument's canonical JSON encoding, so strings appear
// quoted and numbers, booleans and null do not.
func NormalizeCallSignature(name string, arguments json.RawMessage) (string, error) {
	var decoded map[string]json.RawMessage
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &decoded); err != nil {
			return "", fmt.Errorf("normalize signature for %q: %w", name, err)
		}
	}
	keys := make([]string, 0, len(decoded))
	for k := range decoded {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(canonicalize(decoded[k]))
	}
	b.WriteByte(')')
	return b.String(), nil
}

func canonicalize(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return strconv.Quote(string(raw))
	}
	out, err := json.Marshal(v)
	if err != nil {
		return strconv.Quote(string(raw))
	}
	return string(out)
}
