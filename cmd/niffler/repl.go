package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/niffler-ai/niffler/internal/apiworker"
	"github.com/niffler-ai/niffler/internal/channels"
	"github.com/niffler-ai/niffler/internal/config"
	"github.com/niffler-ai/niffler/internal/engine"
	"github.com/niffler-ai/niffler/internal/mode"
	"github.com/niffler-ai/niffler/internal/observability"
	"github.com/niffler-ai/niffler/internal/persistence"
	"github.com/niffler-ai/niffler/internal/registry"
	"github.com/niffler-ai/niffler/internal/repl"
	"github.com/niffler-ai/niffler/internal/session"
	execTool "github.com/niffler-ai/niffler/internal/tools/exec"
	"github.com/niffler-ai/niffler/internal/tools/files"
	"github.com/niffler-ai/niffler/internal/tools/task"
	"github.com/niffler-ai/niffler/internal/tools/todolist"
	"github.com/niffler-ai/niffler/internal/tools/websearch"
	"github.com/niffler-ai/niffler/internal/toolworker"
	"github.com/niffler-ai/niffler/pkg/models"
)

// startOptions carries the root command's persistent flags through to runREPL.
type startOptions struct {
	configPath     string
	workspace      string
	modelNickname  string
	conversationID string
}

const systemPrompt = `You are Niffler, a terminal-based coding assistant. You have tools to
read, list, create, and edit files, run shell commands, fetch web pages, track a
todo list, and delegate self-contained sub-tasks. In Plan mode, edits to files
that already exist are refused until the user switches to Code mode; prefer
describing your intended changes and creating new files instead. Keep answers
concise and grounded in what the tools actually returned.`

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*persistence.Store, error) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return persistence.Open(ctx, cfg.DatabasePath)
}

// app holds everything the REPL needs across slash commands and turns.
type app struct {
	cfg     *config.Config
	store   *persistence.Store
	session *session.Session
	gate    *mode.Gate
	reg     *registry.Registry
	out     io.Writer
	logger  *observability.Logger

	toolIn  *channels.Queue[toolworker.Request]
	toolOut *channels.Queue[toolworker.Response]

	delegateToolIn  *channels.Queue[toolworker.Request]
	delegateToolOut *channels.Queue[toolworker.Response]

	engine     *engine.Engine
	modelEntry config.ModelEntry
	conv       *models.Conversation
}

func runREPL(ctx context.Context, opts *startOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return &configError{err}
	}

	modelEntry, err := cfg.ModelByNickname(opts.modelNickname)
	if err != nil {
		return &configError{err}
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	workspace, err := filepath.Abs(opts.workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	a := &app{
		cfg:    cfg,
		store:  store,
		out:    cmd.OutOrStdout(),
		logger: newLogger(cfg.LogLevel),
	}

	a.gate = mode.New()
	a.session = session.New(a.gate)
	a.reg = buildRegistry(cfg, workspace, a.gate, store)

	a.toolIn = channels.New[toolworker.Request](16)
	a.toolOut = channels.New[toolworker.Response](16)
	worker := toolworker.New(a.reg, a.toolIn, a.toolOut, toolworker.Config{})
	go worker.Run(ctx)

	a.delegateToolIn = channels.New[toolworker.Request](16)
	a.delegateToolOut = channels.New[toolworker.Response](16)
	delegateWorker := toolworker.New(a.reg, a.delegateToolIn, a.delegateToolOut, toolworker.Config{})
	go delegateWorker.Run(ctx)

	if err := a.setModel(ctx, modelEntry); err != nil {
		return fmt.Errorf("configure model %q: %w", modelEntry.Nickname, err)
	}

	if opts.conversationID != "" {
		conv, err := store.LoadConversation(ctx, opts.conversationID)
		if err != nil {
			return fmt.Errorf("resume conversation %s: %w", opts.conversationID, err)
		}
		if err := a.switchConversation(ctx, conv); err != nil {
			return err
		}
	} else if err := a.newConversation(ctx, ""); err != nil {
		return err
	}

	return a.loop(ctx)
}

func buildRegistry(cfg *config.Config, workspace string, gate *mode.Gate, store *persistence.Store) *registry.Registry {
	reg := registry.New()
	filesCfg := files.Config{Workspace: workspace, MaxReadBytes: cfg.Tools.MaxOutputBytes}

	mustRegister(reg, files.NewReadTool(filesCfg))
	mustRegister(reg, files.NewListTool(filesCfg))
	mustRegister(reg, files.NewCreateTool(filesCfg, gate))
	mustRegister(reg, files.NewEditTool(filesCfg, gate))

	manager := execTool.NewManager(workspace)
	mustRegister(reg, execTool.NewBashTool(manager,
		time.Duration(cfg.Tools.DefaultTimeoutSeconds)*time.Second,
		time.Duration(cfg.Tools.BashTimeoutCeilingSec)*time.Second))

	mustRegister(reg, todolist.New())
	mustRegister(reg, websearch.NewWebFetchTool(&websearch.FetchConfig{MaxChars: cfg.Tools.MaxOutputBytes}))

	return reg
}

func mustRegister(reg *registry.Registry, tool registry.Tool) {
	if err := reg.Register(tool); err != nil {
		panic(fmt.Sprintf("register tool %s: %v", tool.Name(), err))
	}
}

// setModel rebuilds the API worker and engine for entry. The engine itself
// is cheap to reconstruct: conversation history lives in the store and is
// reloaded by LoadConversation, not carried in the old engine's memory.
func (a *app) setModel(ctx context.Context, entry config.ModelEntry) error {
	key, err := entry.APIKey()
	if err != nil {
		return err
	}

	api := apiworker.New(apiworker.Config{BaseURL: entry.BaseURL, APIKey: key})
	delegate := a.newTaskDelegate(entry)
	if _, ok := a.reg.Get("task"); ok {
		a.reg.Unregister("task")
	}
	mustRegister(a.reg, task.New(delegate, 10*time.Minute))

	onEvent := a.renderEvent
	a.engine = engine.New(api, a.toolIn, a.toolOut, a.store, a.session, a.reg, a.gate, engine.Config{}, onEvent)
	a.modelEntry = entry

	if a.conv != nil {
		if err := a.store.UpdateModelNickname(ctx, a.conv.ID, entry.Nickname); err != nil {
			a.logger.Warn(ctx, "persist model nickname failed", "error", err)
		}
		a.conv.ModelNickname = entry.Nickname
		return a.engine.LoadConversation(ctx, a.conv.ID)
	}
	return nil
}

// newTaskDelegate returns a task.Delegate that runs a fully independent
// child turn through its own Engine, Session, and Gate, but the shared tool
// registry and store. It uses a second tool-worker pool so a delegated
// child turn's tool calls never contend with the parent turn's in-flight
// "task" tool call for the same queue.
func (a *app) newTaskDelegate(entry config.ModelEntry) task.Delegate {
	key, err := entry.APIKey()
	if err != nil {
		return func(context.Context, string) (string, error) {
			return "", err
		}
	}
	api := apiworker.New(apiworker.Config{BaseURL: entry.BaseURL, APIKey: key})

	return func(ctx context.Context, description string) (string, error) {
		childGate := mode.New()
		childSession := session.New(childGate)
		childEngine := engine.New(api, a.delegateToolIn, a.delegateToolOut, a.store, childSession, a.reg, childGate, engine.Config{}, nil)

		conv := &models.Conversation{Title: "task: " + truncate(description, 60), Mode: models.ModeCode, ModelNickname: entry.Nickname}
		if err := a.store.CreateConversation(ctx, conv); err != nil {
			return "", fmt.Errorf("create child conversation: %w", err)
		}
		if err := childEngine.LoadConversation(ctx, conv.ID); err != nil {
			return "", err
		}
		if err := childEngine.SubmitUserTurn(ctx, engine.TurnParams{
			ConversationID: conv.ID,
			Model:          entry.Model,
			System:         systemPrompt,
			Reasoning:      entry.Reasoning,
			ModelEntry:     entry,
		}, description); err != nil {
			return "", err
		}

		msgs, err := a.store.Messages(ctx, conv.ID)
		if err != nil {
			return "", err
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == models.RoleAssistant && msgs[i].Content != "" {
				return msgs[i].Content, nil
			}
		}
		return "", fmt.Errorf("delegated task produced no assistant reply")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// renderEvent is the engine's onEvent callback: it prints incremental
// progress to the terminal and mirrors every event into structured logs.
func (a *app) renderEvent(ev *models.RuntimeEvent) {
	ctx := context.Background()
	switch ev.Type {
	case models.EventTextDelta:
		fmt.Fprint(a.out, ev.Message)
	case models.EventToolStarted:
		fmt.Fprintf(a.out, "\n[%s running...]\n", ev.ToolName)
	case models.EventToolFailed:
		fmt.Fprintf(a.out, "\n[%s failed: %s]\n", ev.ToolName, ev.Message)
	case models.EventToolTimeout:
		fmt.Fprintf(a.out, "\n[%s timed out]\n", ev.ToolName)
	case models.EventDuplicateSuppressed:
		fmt.Fprintf(a.out, "\n[duplicate %s call suppressed]\n", ev.ToolName)
	case models.EventTurnComplete:
		fmt.Fprintln(a.out)
	}
	a.logger.Debug(ctx, "runtime event", "type", string(ev.Type), "tool", ev.ToolName, "iteration", ev.Iteration)
}

func (a *app) newConversation(ctx context.Context, title string) error {
	conv := &models.Conversation{Title: title, Mode: models.ModeCode, ModelNickname: a.modelEntry.Nickname}
	if err := a.store.CreateConversation(ctx, conv); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return a.switchConversation(ctx, conv)
}

func (a *app) switchConversation(ctx context.Context, conv *models.Conversation) error {
	a.conv = conv
	if err := a.engine.LoadConversation(ctx, conv.ID); err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	fmt.Fprintf(a.out, "switched to conversation %s (%s)\n", conv.ID, conv.Mode)
	return nil
}

// loop runs the read-eval-print cycle until /exit, Ctrl+D, or Ctrl+C.
func (a *app) loop(ctx context.Context) error {
	editor := repl.NewLineEditor(os.Stdin, a.out)
	defer editor.Close()

	fmt.Fprintln(a.out, "Niffler ready. Type /help for commands, Shift+Tab to toggle Plan/Code mode.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		prompt := fmt.Sprintf("[%s] > ", a.session.Mode())
		line, err := editor.ReadLine(prompt, func() { a.toggleMode(ctx) })
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if err == repl.ErrInterrupted {
				continue
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if exit, err := a.handleCommand(ctx, line); exit {
				return err
			} else if err != nil {
				fmt.Fprintln(a.out, "error:", err)
			}
			continue
		}

		if err := a.engine.SubmitUserTurn(ctx, engine.TurnParams{
			ConversationID: a.conv.ID,
			Model:          a.modelEntry.Model,
			System:         systemPrompt,
			Reasoning:      a.modelEntry.Reasoning,
			ModelEntry:     a.modelEntry,
		}, line); err != nil {
			fmt.Fprintln(a.out, "turn error:", err)
		}
	}
}

func (a *app) toggleMode(ctx context.Context) {
	next := a.session.ToggleMode()
	if a.conv != nil {
		if err := a.store.UpdateMode(ctx, a.conv.ID, next); err != nil {
			a.logger.Warn(ctx, "persist mode switch failed", "error", err)
		}
	}
	fmt.Fprintf(a.out, "\n[mode: %s]\n", next)
}

// handleCommand dispatches a leading-slash command. The bool return
// indicates the REPL should exit; the error, if any, is the exit error.
func (a *app) handleCommand(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	cmd := fields[0]
	rest := strings.TrimSpace(strings.TrimPrefix(line, cmd))

	switch cmd {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		a.printHelp()
		return false, nil
	case "/new":
		return false, a.newConversation(ctx, rest)
	case "/clear":
		return false, a.newConversation(ctx, "")
	case "/conv":
		return false, a.cmdConv(ctx, rest)
	case "/archive":
		return false, a.cmdArchive(ctx, rest, true)
	case "/unarchive":
		return false, a.cmdArchive(ctx, rest, false)
	case "/search":
		return false, a.cmdSearch(ctx, rest)
	case "/info":
		a.cmdInfo()
		return false, nil
	case "/model":
		return false, a.cmdModel(ctx, rest)
	default:
		fmt.Fprintf(a.out, "unknown command %q; type /help\n", cmd)
		return false, nil
	}
}

func (a *app) printHelp() {
	fmt.Fprint(a.out, `Commands:
  /new [title]       create and switch to a new conversation
  /conv [id|query]   list conversations, or switch to one by id/query
  /archive <id>      archive a conversation
  /unarchive <id>    unarchive a conversation
  /search <query>    search conversation titles and messages
  /info              show the active conversation's metadata and usage
  /model <nick>      switch the active model
  /clear             start a fresh conversation
  /help              show this message
  /exit              quit
  Shift+Tab          toggle Plan/Code mode
`)
}

func (a *app) cmdConv(ctx context.Context, arg string) error {
	if arg == "" {
		list, err := a.store.ListConversations(ctx, false)
		if err != nil {
			return err
		}
		sort.Slice(list, func(i, j int) bool { return list[i].LastActivity.After(list[j].LastActivity) })
		for _, c := range list {
			marker := " "
			if a.conv != nil && c.ID == a.conv.ID {
				marker = "*"
			}
			fmt.Fprintf(a.out, "%s %s  %-8s  %s\n", marker, c.ID, c.Mode, c.Title)
		}
		return nil
	}

	if conv, err := a.store.LoadConversation(ctx, arg); err == nil {
		return a.switchConversation(ctx, conv)
	}

	matches, err := a.store.SearchConversations(ctx, arg)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no conversation matches %q", arg)
	}
	return a.switchConversation(ctx, matches[0])
}

func (a *app) cmdArchive(ctx context.Context, id string, archived bool) error {
	if id == "" {
		if a.conv == nil {
			return fmt.Errorf("no active conversation")
		}
		id = a.conv.ID
	}
	return a.store.SetArchived(ctx, id, archived)
}

func (a *app) cmdSearch(ctx context.Context, query string) error {
	if query == "" {
		return fmt.Errorf("usage: /search <query>")
	}
	matches, err := a.store.SearchConversations(ctx, query)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Fprintln(a.out, "no matches")
		return nil
	}
	for _, c := range matches {
		fmt.Fprintf(a.out, "  %s  %-8s  %s\n", c.ID, c.Mode, c.Title)
	}
	return nil
}

func (a *app) cmdInfo() {
	if a.conv == nil {
		fmt.Fprintln(a.out, "no active conversation")
		return
	}
	fmt.Fprintf(a.out, "id:       %s\ntitle:    %s\nmode:     %s\nmodel:    %s\nmessages: %d\ncreated:  %s\n",
		a.conv.ID, a.conv.Title, a.session.Mode(), a.modelEntry.Nickname, a.conv.MessageCount, a.conv.Created.Format(time.RFC3339))
	for model, usage := range a.session.Usage() {
		fmt.Fprintf(a.out, "usage[%s]: in=%d out=%d reasoning=%d cost=$%.4f\n",
			model, usage.InputTokens, usage.OutputTokens, usage.ReasoningTokens, float64(usage.CostMicroDollars)/1_000_000)
	}
}

func (a *app) cmdModel(ctx context.Context, nickname string) error {
	if nickname == "" {
		return fmt.Errorf("usage: /model <nickname>")
	}
	entry, err := a.cfg.ModelByNickname(nickname)
	if err != nil {
		return err
	}
	if err := a.setModel(ctx, entry); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "model switched to %s\n", entry.Nickname)
	return nil
}
