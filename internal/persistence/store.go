// Package persistence implements the relational store named in spec §4.6:
// conversations, their messages and thinking tokens, the Plan-mode
// created-files set, and per-model token accounting. It's backed by SQLite
// via modernc.org/sqlite, pooled through database/sql, with every write
// wrapped in a single transaction.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/niffler-ai/niffler/pkg/models"
)

// ErrDanglingToolResult is returned when a tool-result message's
// ToolCallID doesn't reference a tool call already persisted in the same
// conversation, per spec §4.6's invariant enforcement.
var ErrDanglingToolResult = fmt.Errorf("tool result references an unknown tool call id")

// Store is the pooled connection to the conversation database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending migrations. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY churn.

	m, err := newMigrator(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := m.up(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// CreateConversation inserts a brand-new conversation record.
func (s *Store) CreateConversation(ctx context.Context, c *models.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.Created.IsZero() {
		c.Created = now
	}
	if c.LastActivity.IsZero() {
		c.LastActivity = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation (id, title, mode, model_nickname, created, last_activity, message_count, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, string(c.Mode), c.ModelNickname, c.Created, c.LastActivity, c.MessageCount, boolToInt(c.IsActive))
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// LoadConversation fetches a single conversation by id.
func (s *Store) LoadConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, mode, model_nickname, created, last_activity, message_count, is_active
		FROM conversation WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns conversations ordered by most recent activity.
// When activeOnly is true, archived conversations are excluded.
func (s *Store) ListConversations(ctx context.Context, activeOnly bool) ([]*models.Conversation, error) {
	query := `SELECT id, title, mode, model_nickname, created, last_activity, message_count, is_active FROM conversation`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY last_activity DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		c, err := scanConversationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchConversations matches query against conversation titles and their
// messages' content, case-insensitively.
func (s *Store) SearchConversations(ctx context.Context, query string) ([]*models.Conversation, error) {
	like := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.id, c.title, c.mode, c.model_nickname, c.created, c.last_activity, c.message_count, c.is_active
		FROM conversation c
		LEFT JOIN conversation_message m ON m.conversation_id = c.id
		WHERE lower(c.title) LIKE ? OR lower(m.content) LIKE ?
		ORDER BY c.last_activity DESC`, like, like)
	if err != nil {
		return nil, fmt.Errorf("search conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		c, err := scanConversationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetArchived flips a conversation's IsActive flag.
func (s *Store) SetArchived(ctx context.Context, id string, archived bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversation SET is_active = ? WHERE id = ?`, boolToInt(!archived), id)
	if err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	return requireRowsAffected(res, "conversation %s not found", id)
}

// UpdateMode persists the conversation's active Plan/Code mode so a later
// reload resumes in the mode the user left it in.
func (s *Store) UpdateMode(ctx context.Context, id string, m models.Mode) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversation SET mode = ? WHERE id = ?`, string(m), id)
	if err != nil {
		return fmt.Errorf("update mode: %w", err)
	}
	return requireRowsAffected(res, "conversation %s not found", id)
}

// UpdateModelNickname persists the model nickname a conversation is
// currently bound to, so /model changes survive a reload.
func (s *Store) UpdateModelNickname(ctx context.Context, id, nickname string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversation SET model_nickname = ? WHERE id = ?`, nickname, id)
	if err != nil {
		return fmt.Errorf("update model nickname: %w", err)
	}
	return requireRowsAffected(res, "conversation %s not found", id)
}

// touchConversation bumps last_activity and the message counter.
func (s *Store) touchConversation(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE conversation SET last_activity = ?, message_count = message_count + 1 WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// AppendMessage persists one message within a single transaction, enforcing
// that tool-result messages reference an existing tool call id.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback()

	if msg.Role == models.RoleTool {
		var exists int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM conversation_message
			WHERE conversation_id = ? AND tool_calls LIKE '%"id":"'||?||'"%'`,
			msg.ConversationID, msg.ToolCallID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check tool call reference: %w", err)
		}
		if exists == 0 {
			return ErrDanglingToolResult
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_message WHERE conversation_id = ?`, msg.ConversationID).Scan(&seq); err != nil {
		return fmt.Errorf("compute message sequence: %w", err)
	}

	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_message
			(id, conversation_id, seq, role, content, tool_calls, tool_call_id, input_tokens, output_tokens, reasoning_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, seq, string(msg.Role), msg.Content, string(toolCallsJSON), msg.ToolCallID,
		msg.InputTokens, msg.OutputTokens, msg.ReasoningTokens, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := s.touchConversation(ctx, tx, msg.ConversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	return tx.Commit()
}

// Messages returns a conversation's messages in chronological order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tool_calls, tool_call_id, input_tokens, output_tokens, reasoning_tokens, created_at
		FROM conversation_message WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		var role, toolCallsJSON string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &toolCallsJSON, &msg.ToolCallID,
			&msg.InputTokens, &msg.OutputTokens, &msg.ReasoningTokens, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if toolCallsJSON != "" && toolCallsJSON != "null" {
			if err := json.Unmarshal([]byte(toolCallsJSON), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// AppendThinkingToken records one reasoning-token chunk against a message.
func (s *Store) AppendThinkingToken(ctx context.Context, conversationID, messageID string, format models.ThinkingFormat, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_thinking_token (id, conversation_id, message_id, format, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), conversationID, messageID, string(format), content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append thinking token: %w", err)
	}
	return nil
}

// CreatedFiles loads the Plan-mode created-files set for a conversation.
func (s *Store) CreatedFiles(ctx context.Context, conversationID string) (*models.PlanModeCreatedFiles, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM plan_mode_created_files WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load created files: %w", err)
	}
	defer rows.Close()

	set := models.NewPlanModeCreatedFiles(conversationID)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan created file: %w", err)
		}
		set.MarkCreated(path)
	}
	return set, rows.Err()
}

// MarkFileCreated records path as created under conversationID's active plan.
func (s *Store) MarkFileCreated(ctx context.Context, conversationID, path string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO plan_mode_created_files (conversation_id, path, created_at) VALUES (?, ?, ?)`,
		conversationID, path, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark file created: %w", err)
	}
	return nil
}

// ClearCreatedFiles empties a conversation's persisted created-files set.
func (s *Store) ClearCreatedFiles(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plan_mode_created_files WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("clear created files: %w", err)
	}
	return nil
}

// UpdateTokenUsage upserts a conversation's per-model running totals.
func (s *Store) UpdateTokenUsage(ctx context.Context, usage *models.TokenUsage) error {
	usage.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_token_usage (conversation_id, model, input_tokens, output_tokens, reasoning_tokens, cost_micro_dollars, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, model) DO UPDATE SET
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			reasoning_tokens = reasoning_tokens + excluded.reasoning_tokens,
			cost_micro_dollars = cost_micro_dollars + excluded.cost_micro_dollars,
			updated_at = excluded.updated_at`,
		usage.ConversationID, usage.Model, usage.InputTokens, usage.OutputTokens, usage.ReasoningTokens, usage.CostMicroDollars, usage.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update token usage: %w", err)
	}
	return nil
}

// TokenUsageByConversation returns every model's running totals for a conversation.
func (s *Store) TokenUsageByConversation(ctx context.Context, conversationID string) ([]*models.TokenUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, model, input_tokens, output_tokens, reasoning_tokens, cost_micro_dollars, updated_at
		FROM model_token_usage WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load token usage: %w", err)
	}
	defer rows.Close()

	var out []*models.TokenUsage
	for rows.Next() {
		var u models.TokenUsage
		if err := rows.Scan(&u.ConversationID, &u.Model, &u.InputTokens, &u.OutputTokens, &u.ReasoningTokens, &u.CostMicroDollars, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan token usage: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// CorrectionFactor loads a model's learned correction factor, seeding a
// fresh one at 1.0 if none exists yet.
func (s *Store) CorrectionFactor(ctx context.Context, model string) (*models.TokenCorrectionFactor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT model, factor, samples, updated_at FROM token_correction_factor WHERE model = ?`, model)
	var f models.TokenCorrectionFactor
	err := row.Scan(&f.Model, &f.Factor, &f.Samples, &f.UpdatedAt)
	switch {
	case err == sql.ErrNoRows:
		return models.DefaultCorrectionFactor(model), nil
	case err != nil:
		return nil, fmt.Errorf("load correction factor: %w", err)
	default:
		return &f, nil
	}
}

// SaveCorrectionFactor upserts a model's correction factor.
func (s *Store) SaveCorrectionFactor(ctx context.Context, f *models.TokenCorrectionFactor) error {
	f.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_correction_factor (model, factor, samples, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (model) DO UPDATE SET factor = excluded.factor, samples = excluded.samples, updated_at = excluded.updated_at`,
		f.Model, f.Factor, f.Samples, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save correction factor: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRowsAffected(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf(format, args...)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	return scanConversationAny(row)
}

func scanConversationRows(rows *sql.Rows) (*models.Conversation, error) {
	return scanConversationAny(rows)
}

func scanConversationAny(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var mode string
	var isActive int
	if err := row.Scan(&c.ID, &c.Title, &mode, &c.ModelNickname, &c.Created, &c.LastActivity, &c.MessageCount, &isActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.Mode = models.Mode(mode)
	c.IsActive = isActive != 0
	return &c, nil
}
