// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package ws

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/courierchat/courier/internal/fanout"
	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/presence"
	"github.com/courierchat/courier/internal/queue"
	"github.com/courierchat/courier/internal/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 32 * 1024

	// Outbound buffer per connection before the hub declares it too slow.
	sendBufferSize = 64
)

// clientIDCounter assigns monotonically increasing ids so the hub can
// iterate clients deterministically.
var clientIDCounter atomic.Uint64

// Broadcaster publishes events to fan-out channels, optionally excluding a
// single user's connections.
type Broadcaster interface {
	fanout.Publisher
	PublishExcluding(ctx context.Context, channel, event string, payload any, excludeUser string) error
}

// Deps are the collaborators a client needs to act on inbound frames.
type Deps struct {
	Pipeline  queue.Submitter
	Presence  presence.Store
	Messages  store.MessageStore
	Broadcast Broadcaster
}

// Client is one authenticated WebSocket connection.
type Client struct {
	id     uint64
	userID string
	hub    *Hub
	conn   *websocket.Conn
	send   chan outbound
	deps   Deps
}

// NewClient wraps an upgraded connection for the given user.
func NewClient(hub *Hub, conn *websocket.Conn, userID string, deps Deps) *Client {
	return &Client{
		id:     clientIDCounter.Add(1),
		userID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan outbound, sendBufferSize),
		deps:   deps,
	}
}

// UserID returns the authenticated user this connection belongs to.
func (c *Client) UserID() string {
	return c.userID
}

// inbound is the wire frame received from clients.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client event types.
const (
	typeJoinConversation  = "join-conversation"
	typeLeaveConversation = "leave-conversation"
	typeSendMessage       = "send-message"
	typeTyping            = "typing"
	typeMarkRead          = "mark-read"
	typeHeartbeat         = "heartbeat"
)

// ReadPump reads frames from the connection and dispatches them until the
// connection drops. Runs in its own goroutine per connection; unregisters
// the client on exit.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("user_id", c.userID).Msg("websocket read error")
			}
			return
		}

		var frame inbound
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("", "malformed frame")
			continue
		}
		c.handle(ctx, frame)
	}
}

// WritePump writes queued frames and periodic pings to the connection.
// Runs in its own goroutine per connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case out, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(out)
			if err != nil {
				logging.Warn().Err(err).Str("event", out.Type).Msg("marshal outbound frame failed")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, frame inbound) {
	switch frame.Type {
	case typeJoinConversation:
		c.handleJoin(frame.Data)
	case typeLeaveConversation:
		c.handleLeave(frame.Data)
	case typeSendMessage:
		c.handleSendMessage(ctx, frame.Data)
	case typeTyping:
		c.handleTyping(ctx, frame.Data)
	case typeMarkRead:
		c.handleMarkRead(ctx, frame.Data)
	case typeHeartbeat:
		c.handleHeartbeat(ctx)
	default:
		c.sendError("", "unknown event type: "+frame.Type)
	}
}

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

func (c *Client) handleJoin(data json.RawMessage) {
	var ref conversationRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.ConversationID == "" {
		c.sendError("", "join-conversation requires conversationId")
		return
	}
	c.hub.Join(c, fanout.ConversationChannel(ref.ConversationID))
	logging.Debug().Str("user_id", c.userID).Str("conversation_id", ref.ConversationID).Msg("joined conversation")
}

func (c *Client) handleLeave(data json.RawMessage) {
	var ref conversationRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.ConversationID == "" {
		c.sendError("", "leave-conversation requires conversationId")
		return
	}
	c.hub.Leave(c, fanout.ConversationChannel(ref.ConversationID))
}

// handleSendMessage validates the request and enqueues it on the durable
// queue. The socket never processes the message inline: the acknowledgment
// carries the job id, and the persisted message arrives later as a
// message-sent echo once a worker has it done.
func (c *Client) handleSendMessage(ctx context.Context, data json.RawMessage) {
	var req queue.Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "malformed send-message payload")
		return
	}
	req.SenderID = c.userID

	handle, err := c.deps.Pipeline.Submit(ctx, req)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", c.userID).Msg("message enqueue rejected")
		c.sendError("", err.Error())
		return
	}

	c.enqueue(fanout.EventMessageQueued, map[string]any{
		"jobId":     handle.JobID,
		"status":    "queued",
		"queuedAt":  handle.QueuedAt.UnixMilli(),
		"applyTone": req.ApplyTone,
	})
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// handleTyping relays typing indicators to the conversation. The sender is
// excluded; a user never sees their own typing indicator.
func (c *Client) handleTyping(ctx context.Context, data json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		return
	}

	err := c.deps.Broadcast.PublishExcluding(ctx,
		fanout.ConversationChannel(p.ConversationID),
		fanout.EventUserTyping,
		map[string]any{
			"userId":         c.userID,
			"conversationId": p.ConversationID,
			"isTyping":       p.IsTyping,
		},
		c.userID,
	)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", c.userID).Msg("publish typing indicator failed")
	}
}

// handleMarkRead persists the read marker and notifies the conversation so
// the sender's devices can flip their read receipts.
func (c *Client) handleMarkRead(ctx context.Context, data json.RawMessage) {
	var ref conversationRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.ConversationID == "" {
		c.sendError("", "mark-read requires conversationId")
		return
	}

	readAt := time.Now().UTC()
	if err := c.deps.Messages.MarkConversationRead(ctx, ref.ConversationID, c.userID); err != nil {
		logging.Warn().Err(err).Str("user_id", c.userID).Str("conversation_id", ref.ConversationID).Msg("mark read failed")
		c.sendError(ref.ConversationID, "could not mark conversation read")
		return
	}

	err := c.deps.Broadcast.PublishExcluding(ctx,
		fanout.ConversationChannel(ref.ConversationID),
		fanout.EventMessageRead,
		map[string]any{
			"conversationId": ref.ConversationID,
			"readerId":       c.userID,
			"readAt":         readAt.Format(time.RFC3339Nano),
		},
		c.userID,
	)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", c.userID).Msg("publish read receipt failed")
	}
}

// handleHeartbeat slides the presence TTL forward; the store republishes
// the online status so other instances keep broadcasting it.
func (c *Client) handleHeartbeat(ctx context.Context) {
	if err := c.deps.Presence.Heartbeat(ctx, c.userID); err != nil {
		logging.Warn().Err(err).Str("user_id", c.userID).Msg("presence heartbeat failed")
	}
}

// enqueue queues a frame addressed only to this connection.
func (c *Client) enqueue(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Warn().Err(err).Str("event", event).Msg("marshal direct frame failed")
		return
	}
	select {
	case c.send <- outbound{Type: event, Data: raw}:
	default:
		logging.Warn().Str("user_id", c.userID).Str("event", event).Msg("send buffer full, dropping frame")
	}
}

func (c *Client) sendError(conversationID, reason string) {
	payload := map[string]any{"error": reason}
	if conversationID != "" {
		payload["conversationId"] = conversationID
	}
	c.enqueue(fanout.EventMessageError, payload)
}
