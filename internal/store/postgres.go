// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/models"
)

// Postgres implements MessageStore, ConversationStore, and TokenStore on a
// pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool and verifies the connection.
func NewPostgres(ctx context.Context, url string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, content,
	original_content, tone_applied, message_type, media_url,
	is_read, read_at, created_at, updated_at`

// CreateMessage writes the message and touches the conversation inside one
// transaction. ON CONFLICT on the idempotency key absorbs redeliveries of the
// same job: the second attempt reads back the row the first one wrote.
func (s *Postgres) CreateMessage(ctx context.Context, p CreateMessageParams) (*models.Message, error) {
	conversationID := p.ConversationID
	if conversationID == "" {
		conv, err := s.GetOrCreate(ctx, p.SenderID, p.ReceiverID)
		if err != nil {
			return nil, err
		}
		conversationID = conv.ID
	}

	messageType := models.MessageTypeText
	if p.MediaURL != nil && *p.MediaURL != "" {
		messageType = models.MessageTypeImage
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		INSERT INTO messages (
			conversation_id, sender_id, receiver_id, content,
			original_content, tone_applied, message_type, media_url,
			idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+messageColumns,
		conversationID, p.SenderID, p.ReceiverID, p.Content,
		p.OriginalContent, p.ToneApplied, messageType, p.MediaURL,
		p.IdempotencyKey,
	)

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Redelivery: the key already exists, return the original row.
		existing := tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE idempotency_key = $1`,
			p.IdempotencyKey,
		)
		msg, err = scanMessage(existing)
		if err != nil {
			return nil, fmt.Errorf("load deduplicated message: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		logging.Debug().
			Str("idempotency_key", p.IdempotencyKey).
			Str("message_id", msg.ID).
			Msg("duplicate message delivery absorbed")
		return msg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET last_message_at = CURRENT_TIMESTAMP WHERE id = $1`,
		conversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return msg, nil
}

// ConversationMessages returns messages oldest-first after verifying the
// caller is party to the conversation.
func (s *Postgres) ConversationMessages(ctx context.Context, conversationID, userID string, limit, offset int) ([]models.Message, error) {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(userID) {
		return nil, ErrNotParticipant
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to oldest-first for display.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkConversationRead flags unread messages addressed to userID as read.
func (s *Postgres) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET is_read = true, read_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE conversation_id = $1 AND receiver_id = $2 AND is_read = false`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	return nil
}

// CountUnread returns the unread count for userID in the conversation.
func (s *Postgres) CountUnread(ctx context.Context, userID, conversationID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM messages
		WHERE conversation_id = $1 AND receiver_id = $2 AND is_read = false`,
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// GetOrCreate resolves the conversation for an order-normalized user pair,
// creating it on first contact.
func (s *Postgres) GetOrCreate(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	first, second := models.NormalizeUserPair(userA, userB)

	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (user1_id, user2_id)
		VALUES ($1, $2)
		ON CONFLICT (user1_id, user2_id)
		DO UPDATE SET updated_at = CURRENT_TIMESTAMP
		RETURNING id, user1_id, user2_id, last_message_at, created_at`,
		first, second,
	)

	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("get or create conversation: %w", err)
	}
	return conv, nil
}

// Get returns the conversation by id.
func (s *Postgres) Get(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user1_id, user2_id, last_message_at, created_at
		FROM conversations WHERE id = $1`,
		id,
	)

	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// RegisterToken upserts a device token for push notifications.
func (s *Postgres) RegisterToken(ctx context.Context, userID, token, deviceType string) error {
	if deviceType == "" {
		deviceType = "web"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_tokens (user_id, token, device_type, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id, token)
		DO UPDATE SET updated_at = CURRENT_TIMESTAMP, device_type = $3`,
		userID, token, deviceType,
	)
	if err != nil {
		return fmt.Errorf("register token: %w", err)
	}
	return nil
}

// RemoveTokens deletes the given tokens for a user. Used both for explicit
// unregistration and for pruning tokens the push service rejected.
func (s *Postgres) RemoveTokens(ctx context.Context, userID string, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM device_tokens WHERE user_id = $1 AND token = ANY($2)`,
		userID, tokens,
	)
	if err != nil {
		return fmt.Errorf("remove tokens: %w", err)
	}
	return nil
}

// TokensForUser returns all registered device tokens for a user.
func (s *Postgres) TokensForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token FROM device_tokens WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID,
		&msg.Content, &msg.OriginalContent, &msg.ToneApplied,
		&msg.MessageType, &msg.MediaURL, &msg.IsRead, &msg.ReadAt,
		&msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Status = models.MessageStatusSent
	return &msg, nil
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	var lastMessageAt *time.Time
	err := row.Scan(&conv.ID, &conv.User1ID, &conv.User2ID, &lastMessageAt, &conv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastMessageAt != nil {
		conv.LastMessageAt = *lastMessageAt
	}
	return &conv, nil
}
