// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Package ws implements the real-time fan-out layer: a session-addressable
// hub of authenticated WebSocket connections organized into channels.
//
// Every connection is assigned to its user's personal channel at register
// time and may join or leave conversation channels afterwards. Delivery
// order within one conversation channel follows the order envelopes arrive
// from the fan-out subject; no ordering is guaranteed across workers
// processing different jobs concurrently.
package ws

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/courierchat/courier/internal/fanout"
	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/metrics"
	"github.com/courierchat/courier/internal/presence"
)

// Hub maintains the set of active clients and their channel memberships,
// and delivers fan-out envelopes to subscribed connections.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	deliver chan fanout.Envelope
	join    chan membership
	leave   chan membership

	mu       sync.RWMutex
	clients  map[*Client]bool
	channels map[string]map[*Client]bool

	// liveConns counts live connections per user so offline transitions
	// fire only when a user's last connection goes away.
	liveConns map[string]int

	presence presence.Store
}

type membership struct {
	client  *Client
	channel string
}

// NewHub creates a hub backed by the given presence store.
func NewHub(presenceStore presence.Store) *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		deliver:    make(chan fanout.Envelope, 256),
		join:       make(chan membership),
		leave:      make(chan membership),
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
		liveConns:  make(map[string]int),
		presence:   presenceStore,
	}
}

// Run processes hub events until the context is canceled. Designed for
// suture supervision: on cancellation all clients are closed and the
// context error is returned so a restart starts clean.
//
// Lifecycle events (register/unregister) take priority over deliveries so
// client state is consistent before messages flow.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(ctx, client)
			continue
		case client := <-h.Unregister:
			h.removeClient(ctx, client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(ctx, client)
		case client := <-h.Unregister:
			h.removeClient(ctx, client)
		case m := <-h.join:
			h.joinChannel(m.client, m.channel)
		case m := <-h.leave:
			h.leaveChannel(m.client, m.channel)
		case env := <-h.deliver:
			h.deliverToChannel(env)
		}
	}
}

// Deliver hands an envelope to the hub for local delivery. Non-blocking;
// envelopes are dropped with a warning when the hub is saturated.
func (h *Hub) Deliver(env fanout.Envelope) {
	select {
	case h.deliver <- env:
	default:
		metrics.WSDroppedMessages.Inc()
		logging.Warn().Str("channel", env.Channel).Str("event", env.Event).Msg("hub delivery queue full, dropping envelope")
	}
}

// Join subscribes the client to a channel. Idempotent.
func (h *Hub) Join(client *Client, channel string) {
	h.join <- membership{client: client, channel: channel}
}

// Leave unsubscribes the client from a channel. Idempotent.
func (h *Hub) Leave(client *Client, channel string) {
	h.leave <- membership{client: client, channel: channel}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// LiveConnections returns the live connection count for a user.
func (h *Hub) LiveConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.liveConns[userID]
}

func (h *Hub) addClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.subscribeLocked(client, fanout.UserChannel(client.userID))
	h.subscribeLocked(client, fanout.ChannelGlobal)
	h.liveConns[client.userID]++
	first := h.liveConns[client.userID] == 1
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSConnections.Set(float64(total))

	// First connection for this user transitions them online; additional
	// tabs or devices only bump the refcount.
	if first && h.presence != nil {
		if err := h.presence.SetOnline(ctx, client.userID); err != nil {
			logging.Warn().Err(err).Str("user_id", client.userID).Msg("presence set online failed")
		}
	}

	logging.Info().
		Str("user_id", client.userID).
		Int("total_clients", total).
		Msg("websocket client connected")
}

func (h *Hub) removeClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	for channel := range h.channels {
		delete(h.channels[channel], client)
		if len(h.channels[channel]) == 0 {
			delete(h.channels, channel)
		}
	}
	close(client.send)

	h.liveConns[client.userID]--
	last := h.liveConns[client.userID] <= 0
	if last {
		delete(h.liveConns, client.userID)
	}
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSConnections.Set(float64(total))

	// Offline fires only when the user's last live connection is gone.
	if last && h.presence != nil {
		if err := h.presence.SetOffline(ctx, client.userID); err != nil {
			logging.Warn().Err(err).Str("user_id", client.userID).Msg("presence set offline failed")
		}
	}

	logging.Info().
		Str("user_id", client.userID).
		Int("total_clients", total).
		Msg("websocket client disconnected")
}

func (h *Hub) joinChannel(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return
	}
	h.subscribeLocked(client, channel)
}

func (h *Hub) subscribeLocked(client *Client, channel string) {
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true
}

func (h *Hub) leaveChannel(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.channels[channel]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
}

// deliverToChannel sends the envelope to every subscribed connection in a
// deterministic order (clients sorted by id), honoring ExcludeUser.
func (h *Hub) deliverToChannel(env fanout.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.channels[env.Channel]
	if len(members) == 0 {
		return
	}

	clients := make([]*Client, 0, len(members))
	for client := range members {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	out := outbound{Type: env.Event, Data: env.Payload}

	var toRemove []*Client
	for _, client := range clients {
		if env.ExcludeUser != "" && client.userID == env.ExcludeUser {
			continue
		}
		select {
		case client.send <- out:
		default:
			// Send buffer full: the connection is too slow, drop it.
			toRemove = append(toRemove, client)
		}
	}

	metrics.WSBroadcasts.WithLabelValues(env.Event).Inc()

	for _, client := range toRemove {
		metrics.WSDroppedMessages.Inc()
		close(client.send)
		delete(h.clients, client)
		for channel := range h.channels {
			delete(h.channels[channel], client)
		}
		// Keep the refcount honest; the presence TTL covers the offline
		// transition for a user evicted on their last connection.
		h.liveConns[client.userID]--
		if h.liveConns[client.userID] <= 0 {
			delete(h.liveConns, client.userID)
		}
	}
}

// shutdown closes all clients in id order for consistent teardown.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.channels = make(map[string]map[*Client]bool)
	h.liveConns = make(map[string]int)

	metrics.WSConnections.Set(0)
	logging.Info().
		Str("component", "ws-hub").
		Int("clients_closed", len(clients)).
		Msg("websocket hub stopped")
}

// outbound is the wire frame sent to clients.
type outbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}
