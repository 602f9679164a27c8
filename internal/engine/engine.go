// Package engine implements the Conversation Engine described in spec §4.5:
// the iterative tool-execution loop that bridges the API Worker's blocking,
// callback-style Run and the Tool Worker's queue-consumer loop, persists
// every message through the Store, and accounts for token usage and cost
// as each turn completes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/niffler-ai/niffler/internal/apiworker"
	"github.com/niffler-ai/niffler/internal/channels"
	"github.com/niffler-ai/niffler/internal/config"
	"github.com/niffler-ai/niffler/internal/mode"
	"github.com/niffler-ai/niffler/internal/persistence"
	"github.com/niffler-ai/niffler/internal/registry"
	"github.com/niffler-ai/niffler/internal/session"
	"github.com/niffler-ai/niffler/internal/toolworker"
	"github.com/niffler-ai/niffler/pkg/models"
)

// Config bounds the turn loop's depth and duplicate-call tolerance, per
// spec §4.5's duplicate-call suppression and max-depth guard.
type Config struct {
	MaxDepth               int
	PerDepthDuplicateLimit int
	GlobalDuplicateLimit   int
	MaxTokens              int
	ToolRequestTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 25
	}
	if c.PerDepthDuplicateLimit <= 0 {
		c.PerDepthDuplicateLimit = 2
	}
	if c.GlobalDuplicateLimit <= 0 {
		c.GlobalDuplicateLimit = 6
	}
	if c.ToolRequestTimeout <= 0 {
		c.ToolRequestTimeout = 45 * time.Second
	}
	return c
}

// duplicateTracker counts identical tool-call signatures seen within the
// current turn, both per loop depth and across the whole turn, per spec
// §4.5's duplicate-call suppression rule.
type duplicateTracker struct {
	perDepth map[int]map[string]int
	global   map[string]int
}

func newDuplicateTracker() *duplicateTracker {
	return &duplicateTracker{perDepth: make(map[int]map[string]int), global: make(map[string]int)}
}

func (d *duplicateTracker) exceeds(sig string, depth int, cfg Config) bool {
	if d.global[sig] >= cfg.GlobalDuplicateLimit {
		return true
	}
	if byDepth, ok := d.perDepth[depth]; ok && byDepth[sig] >= cfg.PerDepthDuplicateLimit {
		return true
	}
	return false
}

func (d *duplicateTracker) record(sig string, depth int) {
	if d.perDepth[depth] == nil {
		d.perDepth[depth] = make(map[string]int)
	}
	d.perDepth[depth][sig]++
	d.global[sig]++
}

// Engine wires the API Worker, Tool Worker queues, Store, Session, and Tool
// Registry together into the turn loop spec §4.5 describes. One Engine
// serves one active conversation at a time; switching conversations resets
// its in-memory transcript cache from the Store.
type Engine struct {
	mu sync.Mutex

	api      *apiworker.Worker
	toolIn   *channels.Queue[toolworker.Request]
	toolOut  *channels.Queue[toolworker.Response]
	store    *persistence.Store
	session  *session.Session
	registry *registry.Registry
	gate     *mode.Gate
	cfg      Config

	onEvent func(*models.RuntimeEvent)

	history []models.Message
}

// New constructs an Engine. onEvent may be nil, in which case runtime
// events are dropped.
func New(
	api *apiworker.Worker,
	toolIn *channels.Queue[toolworker.Request],
	toolOut *channels.Queue[toolworker.Response],
	store *persistence.Store,
	sess *session.Session,
	reg *registry.Registry,
	gate *mode.Gate,
	cfg Config,
	onEvent func(*models.RuntimeEvent),
) *Engine {
	if onEvent == nil {
		onEvent = func(*models.RuntimeEvent) {}
	}
	return &Engine{
		api:      api,
		toolIn:   toolIn,
		toolOut:  toolOut,
		store:    store,
		session:  sess,
		registry: reg,
		gate:     gate,
		cfg:      cfg.withDefaults(),
		onEvent:  onEvent,
	}
}

// LoadConversation resets the Engine's in-memory transcript from the Store
// and synchronizes mode/gate state, mirroring a `/conv` switch or startup
// load per spec §4.7.
func (e *Engine) LoadConversation(ctx context.Context, conversationID string) error {
	conv, err := e.store.LoadConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	msgs, err := e.store.Messages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	e.mu.Lock()
	e.history = msgs
	e.mu.Unlock()

	e.session.RestoreModeWithProtection(conversationID, conv.Mode)
	return nil
}

// SwitchMode toggles or sets Plan/Code mode for the active conversation.
func (e *Engine) SwitchMode(m models.Mode) {
	e.session.SwitchMode(m)
}

// ToolSchemas builds the LLM-facing tool declarations from the Registry.
func (e *Engine) ToolSchemas() []apiworker.ToolSchema {
	names := e.registry.Names()
	schemas := make([]apiworker.ToolSchema, 0, len(names))
	for _, name := range names {
		tool, ok := e.registry.Get(name)
		if !ok {
			continue
		}
		schemas = append(schemas, apiworker.ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return schemas
}

// TurnParams carries the per-turn inputs the caller (CLI or API surface)
// supplies to SubmitUserTurn.
type TurnParams struct {
	ConversationID string
	Model          string
	System         string
	Reasoning      config.ReasoningLevel
	ModelEntry     config.ModelEntry
}

// SubmitUserTurn appends the user's message to history, then drives the
// iterative loop from spec §4.5: stream a completion, persist the
// assistant turn, execute any requested tool calls (suppressing excessive
// duplicates), persist their results, and repeat until the model stops
// requesting tools or the max-depth guard trips.
func (e *Engine) SubmitUserTurn(ctx context.Context, params TurnParams, userText string) error {
	userMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: params.ConversationID,
		Role:           models.RoleUser,
		Content:        userText,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.AppendMessage(ctx, &userMsg); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}

	e.mu.Lock()
	e.history = append(e.history, userMsg)
	e.mu.Unlock()

	dupes := newDuplicateTracker()
	depth := 0

	for {
		e.onEvent(models.NewToolEvent(models.EventIterationStart, "", "").WithIteration(depth))

		reqID := uuid.NewString()
		req := apiworker.Request{
			RequestID: reqID,
			Model:     params.Model,
			System:    params.System,
			Messages:  e.snapshotHistory(),
			Tools:     e.ToolSchemas(),
			Reasoning: params.Reasoning,
			MaxTokens: e.cfg.MaxTokens,
		}

		acc := newAccumulator()
		e.api.Run(ctx, req, func(resp apiworker.Response) {
			e.handleAPIResponse(resp, acc)
		})

		if acc.errKind != "" {
			e.onEvent(&models.RuntimeEvent{Type: models.EventTurnError, Message: acc.errMessage})
			return fmt.Errorf("api worker error (%s): %s", acc.errKind, acc.errMessage)
		}

		assistantMsg := models.Message{
			ID:              uuid.NewString(),
			ConversationID:  params.ConversationID,
			Role:            models.RoleAssistant,
			Content:         acc.text.String(),
			ToolCalls:       acc.calls,
			InputTokens:     acc.usage.InputTokens,
			OutputTokens:    acc.usage.OutputTokens,
			ReasoningTokens: acc.usage.ReasoningTokens,
			CreatedAt:       time.Now().UTC(),
		}
		if err := e.store.AppendMessage(ctx, &assistantMsg); err != nil {
			return fmt.Errorf("persist assistant message: %w", err)
		}
		e.mu.Lock()
		e.history = append(e.history, assistantMsg)
		e.mu.Unlock()

		e.recordUsage(ctx, params.ModelEntry, acc.usage, requestText(req), acc.text.String())

		if len(acc.calls) == 0 {
			e.onEvent(&models.RuntimeEvent{Type: models.EventTurnComplete})
			return nil
		}

		for _, call := range acc.calls {
			sig, sigErr := toolworker.NormalizeCallSignature(call.Name, call.Input)
			if sigErr != nil {
				sig = call.Name
			}

			var toolMsg models.Message
			if dupes.exceeds(sig, depth, e.cfg) {
				e.onEvent(models.NewToolEvent(models.EventDuplicateSuppressed, call.Name, call.ID).WithIteration(depth))
				toolMsg = models.Message{
					ID:             uuid.NewString(),
					ConversationID: params.ConversationID,
					Role:           models.RoleTool,
					ToolCallID:     call.ID,
					Content:        fmt.Sprintf("duplicate call suppressed: %s was already invoked with identical arguments too many times this turn", call.Name),
					CreatedAt:      time.Now().UTC(),
				}
			} else {
				dupes.record(sig, depth)
				toolMsg = e.executeTool(ctx, params.ConversationID, call, depth)
			}

			if err := e.store.AppendMessage(ctx, &toolMsg); err != nil {
				return fmt.Errorf("persist tool message: %w", err)
			}
			e.mu.Lock()
			e.history = append(e.history, toolMsg)
			e.mu.Unlock()
		}

		e.onEvent(&models.RuntimeEvent{Type: models.EventIterationEnd, Iteration: depth})

		depth++
		if depth > e.cfg.MaxDepth {
			guard := models.Message{
				ID:             uuid.NewString(),
				ConversationID: params.ConversationID,
				Role:           models.RoleSystem,
				Content:        "maximum tool-call depth reached for this turn; stopping",
				CreatedAt:      time.Now().UTC(),
			}
			if err := e.store.AppendMessage(ctx, &guard); err != nil {
				return fmt.Errorf("persist depth-guard message: %w", err)
			}
			e.mu.Lock()
			e.history = append(e.history, guard)
			e.mu.Unlock()
			e.onEvent(&models.RuntimeEvent{Type: models.EventTurnComplete, Message: "max depth reached"})
			return nil
		}
	}
}

func (e *Engine) snapshotHistory() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, len(e.history))
	copy(out, e.history)
	return out
}

// executeTool dispatches one tool call through the Tool Worker's queues,
// checking Plan-mode gating first so a blocked edit never reaches the
// worker at all.
func (e *Engine) executeTool(ctx context.Context, conversationID string, call models.ToolCall, depth int) models.Message {
	e.onEvent(models.NewToolEvent(models.EventToolQueued, call.Name, call.ID).WithIteration(depth))

	if err := e.checkPlanProtection(call); err != nil {
		e.onEvent(models.NewToolEvent(models.EventToolFailed, call.Name, call.ID).WithIteration(depth).WithMessage(err.Error()))
		return models.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           models.RoleTool,
			ToolCallID:     call.ID,
			Content:        err.Error(),
			CreatedAt:      time.Now().UTC(),
		}
	}

	req := toolworker.Request{
		RequestID: uuid.NewString(),
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: call.Input,
	}

	e.onEvent(models.NewToolEvent(models.EventToolStarted, call.Name, call.ID).WithIteration(depth))

	if err := e.toolIn.Send(req); err != nil {
		e.onEvent(models.NewToolEvent(models.EventToolFailed, call.Name, call.ID).WithIteration(depth))
		return models.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           models.RoleTool,
			ToolCallID:     call.ID,
			Content:        "tool worker unavailable",
			CreatedAt:      time.Now().UTC(),
		}
	}

	resp, ok := e.awaitToolResponse(req.RequestID)
	if !ok {
		e.onEvent(models.NewToolEvent(models.EventToolTimeout, call.Name, call.ID).WithIteration(depth))
		return models.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           models.RoleTool,
			ToolCallID:     call.ID,
			Content:        "tool execution timed out waiting for a response",
			CreatedAt:      time.Now().UTC(),
		}
	}

	if resp.Kind == toolworker.KindError {
		e.onEvent(models.NewToolEvent(models.EventToolFailed, call.Name, call.ID).WithIteration(depth).WithMessage(resp.Message))
		return models.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           models.RoleTool,
			ToolCallID:     call.ID,
			Content:        fmt.Sprintf("%s: %s", resp.ErrKind, resp.Message),
			CreatedAt:      time.Now().UTC(),
		}
	}

	e.onEvent(models.NewToolEvent(models.EventToolCompleted, call.Name, call.ID).WithIteration(depth))
	return models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleTool,
		ToolCallID:     call.ID,
		Content:        resp.Content,
		CreatedAt:      time.Now().UTC(),
	}
}

// awaitToolResponse blocks on the tool→ui queue, discarding Ready
// acknowledgements until a terminal Result or Error for requestID arrives,
// or the Engine's configured tool timeout elapses.
func (e *Engine) awaitToolResponse(requestID string) (toolworker.Response, bool) {
	deadline := time.Now().Add(e.cfg.ToolRequestTimeout)
	for time.Now().Before(deadline) {
		resp, ok := e.toolOut.Receive(200 * time.Millisecond)
		if !ok {
			continue
		}
		if resp.RequestID != requestID {
			continue
		}
		if resp.Kind == toolworker.KindReady {
			continue
		}
		return resp, true
	}
	return toolworker.Response{}, false
}

// checkPlanProtection gates only the "edit" tool call against Plan mode,
// per spec §4.3: the gate is consulted before executing edit and nothing
// else — read, list, and create are always allowed to reach the Tool
// Worker regardless of mode.
func (e *Engine) checkPlanProtection(call models.ToolCall) error {
	if e.gate == nil || call.Name != "edit" {
		return nil
	}
	var args struct {
		Path string `json:"path"`
	}
	if len(call.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(call.Input, &args); err != nil || args.Path == "" {
		return nil
	}
	if err := e.gate.CheckEdit(args.Path, pathExistsOnDisk(args.Path)); err != nil {
		return fmt.Errorf("%s: %w", toolworker.ErrPlanProtection, err)
	}
	return nil
}

// recordUsage folds a completed turn's token counts into the session and
// Store. When the provider reported real usage, it updates the per-model
// correction factor against the character-based heuristic estimate
// (spec's "SUPPLEMENTED FEATURES" EMA). When the provider omitted usage,
// it fills InputTokens/OutputTokens from that same heuristic, scaled by
// the model's learned correction factor, rather than persisting zero
// tokens and zero cost for the turn.
func (e *Engine) recordUsage(ctx context.Context, entry config.ModelEntry, usage apiworker.Usage, reqText, respText string) {
	heuristicInput := apiworker.EstimateTokens(reqText)
	heuristicOutput := apiworker.EstimateTokens(respText)

	if !usage.Reported {
		factor := models.DefaultCorrectionFactor(entry.Nickname)
		if e.store != nil {
			if f, err := e.store.CorrectionFactor(ctx, entry.Nickname); err == nil {
				factor = f
			}
		}
		usage.InputTokens = int64(float64(heuristicInput) * factor.Factor)
		usage.OutputTokens = int64(float64(heuristicOutput) * factor.Factor)
	}

	costMicros := estimateCostMicroDollars(entry, usage.InputTokens, usage.OutputTokens)
	e.session.AddUsage(entry.Nickname, usage.InputTokens, usage.OutputTokens, usage.ReasoningTokens, costMicros)

	if e.store == nil {
		return
	}
	_ = e.store.UpdateTokenUsage(ctx, &models.TokenUsage{
		ConversationID:   e.session.ConversationID(),
		Model:            entry.Nickname,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		ReasoningTokens:  usage.ReasoningTokens,
		CostMicroDollars: costMicros,
	})

	if !usage.Reported {
		return
	}
	factor, err := e.store.CorrectionFactor(ctx, entry.Nickname)
	if err != nil {
		return
	}
	factor.Update(usage.InputTokens+usage.OutputTokens, heuristicInput+heuristicOutput)
	_ = e.store.SaveCorrectionFactor(ctx, factor)
}

func estimateCostMicroDollars(entry config.ModelEntry, input, output int64) int64 {
	cost := (float64(input)/1_000_000)*entry.InputCostPerM + (float64(output)/1_000_000)*entry.OutputCostPerM
	return int64(cost * 1_000_000)
}

// requestText concatenates the text an outgoing request is built from, for
// the character-based token heuristic: the system prompt and every
// message's visible content.
func requestText(req apiworker.Request) string {
	var b strings.Builder
	b.WriteString(req.System)
	for _, m := range req.Messages {
		b.WriteString(m.Content)
	}
	return b.String()
}

func pathExistsOnDisk(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
