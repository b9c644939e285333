// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Package fanout defines how processed events reach connected clients. The
// worker pool holds a Publisher, never a reference to the hub itself, so
// workers and hubs can run on different process instances.
package fanout

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/courierchat/courier/internal/metrics"
)

// Events delivered to clients. message-queued acknowledges admission with a
// job id; message-sent later echoes the persisted message to the sender.
const (
	EventNewMessage    = "new-message"
	EventMessageQueued = "message-queued"
	EventMessageSent   = "message-sent"
	EventMessageError  = "message-error"
	EventUserTyping    = "user-typing"
	EventMessageRead   = "message-read"
	EventUserStatus    = "user-status"
)

// Subject is the NATS subject carrying fan-out envelopes between instances.
const Subject = "fanout.events"

// ChannelGlobal addresses every connected client.
const ChannelGlobal = "global"

// UserChannel returns the personal channel for a user.
func UserChannel(userID string) string {
	return "user:" + userID
}

// ConversationChannel returns the room channel for a conversation.
func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

// Envelope is one event addressed to a channel.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`

	// ExcludeUser suppresses delivery to this user's connections. Used for
	// typing indicators, which never echo to the sender.
	ExcludeUser string `json:"exclude_user,omitempty"`
}

// Publisher delivers an event to every connection subscribed to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// NATSPublisher publishes envelopes on the fan-out subject. Every hub
// instance subscribes and forwards matching envelopes to its local
// connections, so a worker on one instance reaches clients on another.
type NATSPublisher struct {
	conn *natsgo.Conn
}

// NewNATSPublisher creates a publisher on the given connection.
func NewNATSPublisher(conn *natsgo.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Publish marshals and sends one envelope.
func (p *NATSPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	return p.PublishExcluding(ctx, channel, event, payload, "")
}

// PublishExcluding sends one envelope that skips a single user's
// connections on delivery.
func (p *NATSPublisher) PublishExcluding(ctx context.Context, channel, event string, payload any, excludeUser string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal fanout payload: %w", err)
	}

	data, err := json.Marshal(Envelope{
		Channel:     channel,
		Event:       event,
		Payload:     raw,
		ExcludeUser: excludeUser,
	})
	if err != nil {
		return fmt.Errorf("marshal fanout envelope: %w", err)
	}

	if err := p.conn.Publish(Subject, data); err != nil {
		return fmt.Errorf("publish fanout envelope: %w", err)
	}
	metrics.NATSPublishes.WithLabelValues("fanout").Inc()
	return nil
}
