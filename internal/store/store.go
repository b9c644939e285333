// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Package store defines the message persistence port and its Postgres
// adapter. The relational schema itself is owned by the deployment; this
// package only reads and writes it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/courierchat/courier/internal/models"
)

// Sentinel errors surfaced by store implementations.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotParticipant       = errors.New("user is not party to conversation")
)

// CreateMessageParams carries everything needed to durably write one message.
// IdempotencyKey makes duplicate delivery attempts for the same logical
// message collapse into a single row.
type CreateMessageParams struct {
	ConversationID  string // empty means resolve or create from the user pair
	SenderID        string
	ReceiverID      string
	Content         string
	OriginalContent *string
	ToneApplied     *string
	MediaURL        *string
	IdempotencyKey  string
}

// MessageStore durably writes messages and updates conversation metadata.
type MessageStore interface {
	// CreateMessage writes the message and touches the conversation's
	// last-message timestamp in the same transaction. Replaying the same
	// idempotency key returns the previously written row instead of
	// creating a second one.
	CreateMessage(ctx context.Context, p CreateMessageParams) (*models.Message, error)

	// ConversationMessages returns messages oldest-first for display.
	// Returns ErrNotParticipant when userID is not party to the conversation.
	ConversationMessages(ctx context.Context, conversationID, userID string, limit, offset int) ([]models.Message, error)

	// MarkConversationRead flags all unread messages addressed to userID in
	// the conversation as read.
	MarkConversationRead(ctx context.Context, conversationID, userID string) error

	// CountUnread returns the number of unread messages addressed to userID
	// in the conversation.
	CountUnread(ctx context.Context, userID, conversationID string) (int, error)
}

// ConversationStore resolves and creates conversations.
type ConversationStore interface {
	// GetOrCreate returns the conversation for the order-normalized user
	// pair, creating it lazily on first use.
	GetOrCreate(ctx context.Context, userA, userB string) (*models.Conversation, error)

	// Get returns the conversation by id.
	Get(ctx context.Context, id string) (*models.Conversation, error)
}

// DeviceToken is one registered push target for a user.
type DeviceToken struct {
	UserID     string
	Token      string
	DeviceType string
	UpdatedAt  time.Time
}

// TokenStore manages push notification device tokens.
type TokenStore interface {
	RegisterToken(ctx context.Context, userID, token, deviceType string) error
	RemoveTokens(ctx context.Context, userID string, tokens []string) error
	TokensForUser(ctx context.Context, userID string) ([]string, error)
}
