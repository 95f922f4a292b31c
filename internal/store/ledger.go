package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrAccessDenied is returned when a conversation exists but belongs to a
// different owner.
var ErrAccessDenied = errors.New("access denied")

const appendMaxAttempts = 3

type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Turn struct {
	ConversationID  string    `json:"conversation_id"`
	Seq             int64     `json:"seq"`
	CallerMessage   string    `json:"caller_message"`
	PlanJSON        string    `json:"plan"`
	ToolResultsJSON string    `json:"tool_results"`
	AssistantReply  string    `json:"assistant_reply"`
	CreatedAt       time.Time `json:"created_at"`
}

// EnsureConversation resolves the conversation for a turn. An empty id
// creates a fresh conversation; a non-empty id is created if absent, then
// ownership is verified. A conversation held by another owner is never
// read or written.
func (s *Store) EnsureConversation(ctx context.Context, ownerID, conversationID string) (*Conversation, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("ensure conversation: owner_id required")
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, owner_id, created_at, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO NOTHING;
		`, conversationID, ownerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	var conv Conversation
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, created_at, updated_at
		FROM conversations
		WHERE id = ?;
	`, conversationID)
	if err := row.Scan(&conv.ID, &conv.OwnerID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}
	if conv.OwnerID != ownerID {
		return nil, ErrAccessDenied
	}
	return &conv, nil
}

// AppendTurn appends a turn at the next sequence number. A concurrent
// writer that claims the same seq trips the unique index; the loser
// re-reads the max and retries, bounded. Conflicts counts the retries the
// append needed.
func (s *Store) AppendTurn(ctx context.Context, turn *Turn) (conflicts int, err error) {
	if turn.ConversationID == "" {
		return 0, fmt.Errorf("append turn: conversation_id required")
	}
	if turn.PlanJSON == "" {
		turn.PlanJSON = "[]"
	}
	if turn.ToolResultsJSON == "" {
		turn.ToolResultsJSON = "[]"
	}

	for attempt := 0; attempt < appendMaxAttempts; attempt++ {
		var seq int64
		var createdAt time.Time
		err = retryOnBusy(ctx, 5, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin append tx: %w", err)
			}
			defer func() { _ = tx.Rollback() }()

			if err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE conversation_id = ?;
			`, turn.ConversationID).Scan(&seq); err != nil {
				return fmt.Errorf("read max seq: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO turns (conversation_id, seq, caller_message, plan_json, tool_results_json, assistant_reply, created_at)
				VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
			`, turn.ConversationID, seq, turn.CallerMessage, turn.PlanJSON, turn.ToolResultsJSON, turn.AssistantReply); err != nil {
				return err
			}
			// Report the timestamp the row actually got, not a client-side
			// approximation, so later reads match the returned turn exactly.
			if err := tx.QueryRowContext(ctx, `
				SELECT created_at FROM turns WHERE conversation_id = ? AND seq = ?;
			`, turn.ConversationID, seq).Scan(&createdAt); err != nil {
				return fmt.Errorf("read turn timestamp: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, turn.ConversationID); err != nil {
				return fmt.Errorf("touch conversation: %w", err)
			}
			return tx.Commit()
		})
		if err == nil {
			turn.Seq = seq
			turn.CreatedAt = createdAt
			return conflicts, nil
		}
		if !isUniqueViolation(err) {
			return conflicts, fmt.Errorf("append turn: %w", err)
		}
		conflicts++
	}
	return conflicts, fmt.Errorf("append turn: seq conflict persisted after %d attempts: %w", appendMaxAttempts, err)
}

// LoadRecentTurns returns up to limit most recent turns in ascending
// sequence order.
func (s *Store) LoadRecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, seq, caller_message, plan_json, tool_results_json, assistant_reply, created_at
		FROM (
			SELECT conversation_id, seq, caller_message, plan_json, tool_results_json, assistant_reply, created_at
			FROM turns
			WHERE conversation_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC;
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ConversationID, &t.Seq, &t.CallerMessage, &t.PlanJSON, &t.ToolResultsJSON, &t.AssistantReply, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turn rows: %w", err)
	}
	return out, nil
}

// ListTurns returns the owner's view of a conversation, oldest first.
// Ownership is checked before any turn row is read.
func (s *Store) ListTurns(ctx context.Context, ownerID, conversationID string, limit int) ([]Turn, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id FROM conversations WHERE id = ?;
	`, conversationID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select conversation owner: %w", err)
	}
	if owner != ownerID {
		return nil, ErrNotFound
	}
	return s.LoadRecentTurns(ctx, conversationID, limit)
}

// ListConversations returns the owner's conversations, most recently
// active first.
func (s *Store) ListConversations(ctx context.Context, ownerID string, limit int) ([]Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, created_at, updated_at
		FROM conversations
		WHERE owner_id = ?
		ORDER BY updated_at DESC
		LIMIT ?;
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation rows: %w", err)
	}
	return out, nil
}
