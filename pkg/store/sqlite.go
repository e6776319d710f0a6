package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"support-relay/pkg/metrics"
	"support-relay/pkg/models"
)

// SQLiteStore persists records in a single SQLite database file.
type SQLiteStore struct {
	db      *sql.DB
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewSQLiteStore opens (creating when needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(ctx context.Context, path string, logger *logrus.Logger, metrics *metrics.Metrics) (*SQLiteStore, error) {
	if path == "" {
		path = "./data/relay.db"
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger, metrics: metrics}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.WithField("path", path).Info("SQLite store initialized")
	return s, nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			customer_id TEXT NOT NULL,
			agent_id INTEGER,
			status TEXT NOT NULL DEFAULT 'waiting',
			automation_enabled INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			sender_id TEXT NOT NULL,
			is_from_agent INTEGER NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			is_read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			automation_delay INTEGER NOT NULL DEFAULT 3,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS llm_prompts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			is_default INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_llm_prompts_agent ON llm_prompts(agent_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const conversationColumns = `id, customer_id, agent_id, status, automation_enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv    models.Conversation
		agentID sql.NullInt64
		status  string
	)
	if err := row.Scan(&conv.ID, &conv.CustomerID, &agentID, &status, &conv.AutomationEnabled, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	conv.Status = models.ConversationStatus(status)
	if agentID.Valid {
		id := agentID.Int64
		conv.AgentID = &id
	}
	return &conv, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, customerID string) (*models.Conversation, error) {
	defer observe(s.metrics, "create_conversation")()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (customer_id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		customerID, string(models.StatusWaiting), now, now)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	defer observe(s.metrics, "get_conversation")()

	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, status models.ConversationStatus) ([]models.Conversation, error) {
	defer observe(s.metrics, "list_conversations")()

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, id int64, status models.ConversationStatus) (*models.Conversation, error) {
	defer observe(s.metrics, "update_conversation_status")()

	return s.updateConversation(ctx, id, `status = ?`, string(status))
}

func (s *SQLiteStore) AssignConversation(ctx context.Context, id int64, agentID int64) (*models.Conversation, error) {
	defer observe(s.metrics, "assign_conversation")()

	return s.updateConversation(ctx, id, `agent_id = ?, status = ?`, agentID, string(models.StatusActive))
}

func (s *SQLiteStore) SetConversationAutomation(ctx context.Context, id int64, enabled bool) (*models.Conversation, error) {
	defer observe(s.metrics, "set_conversation_automation")()

	return s.updateConversation(ctx, id, `automation_enabled = ?`, enabled)
}

func (s *SQLiteStore) updateConversation(ctx context.Context, id int64, set string, args ...interface{}) (*models.Conversation, error) {
	args = append(args, time.Now().UTC(), id)
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		s.logger.WithError(err).WithField("conversation_id", id).Error("Failed to update conversation")
		return nil, fmt.Errorf("updating conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound("conversation", id)
	}
	return s.GetConversation(ctx, id)
}

const messageColumns = `id, conversation_id, sender_id, is_from_agent, content, metadata, is_read, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg      models.Message
		metadata sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.IsFromAgent, &msg.Content, &metadata, &msg.IsRead, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decoding message metadata: %w", err)
		}
	}
	return &msg, nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, data models.NewMessage) (*models.Message, error) {
	defer observe(s.metrics, "create_message")()

	var metadata sql.NullString
	if len(data.Metadata) > 0 {
		encoded, err := json.Marshal(data.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding message metadata: %w", err)
		}
		metadata = sql.NullString{String: string(encoded), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, is_from_agent, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		data.ConversationID, data.SenderID, data.IsFromAgent, data.Content, metadata, time.Now().UTC())
	if err != nil {
		if _, getErr := s.GetConversation(ctx, data.ConversationID); errors.Is(getErr, ErrNotFound) {
			return nil, getErr
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	defer observe(s.metrics, "get_message")()

	msg, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) GetMessagesByConversationID(ctx context.Context, conversationID int64) ([]models.Message, error) {
	defer observe(s.metrics, "get_messages")()

	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkMessageRead(ctx context.Context, id int64) (*models.Message, error) {
	defer observe(s.metrics, "mark_message_read")()

	res, err := s.db.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("marking message read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound("message", id)
	}
	return s.GetMessage(ctx, id)
}

func (s *SQLiteStore) CreateUser(ctx context.Context, username string, automationDelay int) (*models.User, error) {
	defer observe(s.metrics, "create_user")()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, automation_delay, created_at) VALUES (?, ?, ?)`,
		username, automationDelay, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	defer observe(s.metrics, "get_user")()

	var user models.User
	err := s.db.QueryRowContext(ctx, `SELECT id, username, automation_delay, created_at FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Username, &user.AutomationDelay, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) UpdateUserAutomationDelay(ctx context.Context, id int64, delay int) (*models.User, error) {
	defer observe(s.metrics, "update_user")()

	res, err := s.db.ExecContext(ctx, `UPDATE users SET automation_delay = ? WHERE id = ?`, delay, id)
	if err != nil {
		return nil, fmt.Errorf("updating user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound("user", id)
	}
	return s.GetUser(ctx, id)
}

func (s *SQLiteStore) CreateLLMPrompt(ctx context.Context, prompt models.LLMPrompt) (*models.LLMPrompt, error) {
	defer observe(s.metrics, "create_prompt")()

	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_prompts (agent_id, name, system_prompt, is_default, created_at) VALUES (?, ?, ?, ?, ?)`,
		prompt.AgentID, prompt.Name, prompt.SystemPrompt, prompt.IsDefault, prompt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting prompt: %w", err)
	}
	if prompt.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return &prompt, nil
}

func (s *SQLiteStore) GetLLMPromptsByAgentID(ctx context.Context, agentID int64) ([]models.LLMPrompt, error) {
	defer observe(s.metrics, "get_prompts")()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, name, system_prompt, is_default, created_at FROM llm_prompts WHERE agent_id = ? ORDER BY id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing prompts: %w", err)
	}
	defer rows.Close()

	var out []models.LLMPrompt
	for rows.Next() {
		var p models.LLMPrompt
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Name, &p.SystemPrompt, &p.IsDefault, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
