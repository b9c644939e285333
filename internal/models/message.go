// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Package models defines the entities shared across Courier components.
package models

import (
	"time"
)

// Message type discriminators. A message with a media URL is an image
// message; everything else is text.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
)

// MessageStatusSent is the only delivery status surfaced on the wire today.
const MessageStatusSent = "sent"

// Message is the entity of record for a delivered chat message. Field names
// are fixed for client compatibility; do not rename JSON tags.
//
// Invariants:
//   - OriginalContent is non-nil exactly when ToneApplied is non-nil, and
//     then *OriginalContent != Content.
//   - MediaURL nil implies MessageType "text", otherwise "image".
type Message struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	SenderID        string     `json:"sender_id"`
	ReceiverID      string     `json:"receiver_id"`
	Content         string     `json:"content"`
	OriginalContent *string    `json:"original_content"`
	ToneApplied     *string    `json:"tone_applied"`
	MessageType     string     `json:"message_type"`
	MediaURL        *string    `json:"media_url"`
	Status          string     `json:"status"`
	IsRead          bool       `json:"is_read"`
	ReadAt          *time.Time `json:"read_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Conversation pairs two users. The pair is order-normalized (smaller id
// first) so one conversation exists per pair of users.
type Conversation struct {
	ID            string    `json:"id"`
	User1ID       string    `json:"user1_id"`
	User2ID       string    `json:"user2_id"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// NormalizeUserPair orders two user ids so the smaller id comes first.
// Both the conversation store and its callers must use this ordering.
func NormalizeUserPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Members reports whether the given user is party to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	return c.User1ID == userID || c.User2ID == userID
}
