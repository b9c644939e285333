// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package ws

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/courierchat/courier/internal/fanout"
	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/presence"
)

// Bridge subscribes to the fan-out and presence subjects and forwards
// matching events into the local hub. Each process instance runs one
// bridge, so a worker publishing anywhere reaches clients everywhere.
type Bridge struct {
	conn *natsgo.Conn
	hub  *Hub
}

// NewBridge wires the hub to a NATS connection.
func NewBridge(conn *natsgo.Conn, hub *Hub) *Bridge {
	return &Bridge{conn: conn, hub: hub}
}

// Serve subscribes and blocks until the context is canceled. Designed for
// suture supervision; subscription failures return an error so the
// supervisor restarts the bridge.
func (b *Bridge) Serve(ctx context.Context) error {
	fanoutSub, err := b.conn.Subscribe(fanout.Subject, b.onFanout)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", fanout.Subject, err)
	}
	defer fanoutSub.Unsubscribe()

	presenceSub, err := b.conn.Subscribe(presence.StatusSubject, b.onPresence)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", presence.StatusSubject, err)
	}
	defer presenceSub.Unsubscribe()

	logging.Info().Str("component", "ws-bridge").Msg("fanout bridge started")
	<-ctx.Done()
	logging.Info().Str("component", "ws-bridge").Msg("fanout bridge stopped")
	return ctx.Err()
}

func (b *Bridge) onFanout(msg *natsgo.Msg) {
	var env fanout.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		logging.Warn().Err(err).Msg("malformed fanout envelope")
		return
	}
	b.hub.Deliver(env)
}

// onPresence rebroadcasts presence transitions as user-status events on the
// global channel, so every connected client sees contacts flip online and
// offline without polling.
func (b *Bridge) onPresence(msg *natsgo.Msg) {
	var change presence.StatusChange
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		logging.Warn().Err(err).Msg("malformed presence transition")
		return
	}

	payload, err := json.Marshal(map[string]any{
		"userId":   change.UserID,
		"status":   change.Status,
		"lastSeen": change.LastSeen,
	})
	if err != nil {
		return
	}

	b.hub.Deliver(fanout.Envelope{
		Channel: fanout.ChannelGlobal,
		Event:   fanout.EventUserStatus,
		Payload: payload,
	})
}
