// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package ws

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/courierchat/courier/internal/auth"
	"github.com/courierchat/courier/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement belongs to the reverse proxy; the handshake is
	// gated on bearer-token verification instead.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades authenticated HTTP requests to WebSocket connections and
// registers them with the hub.
type Handler struct {
	hub      *Hub
	verifier auth.Verifier
	deps     Deps
}

// NewHandler creates the upgrade handler.
func NewHandler(hub *Hub, verifier auth.Verifier, deps Deps) *Handler {
	return &Handler{hub: hub, verifier: verifier, deps: deps}
}

// ServeHTTP authenticates the request, upgrades it, and starts the client
// pumps. Unauthenticated requests are rejected before the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractBearerToken(r)
	if token == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}

	subject, err := h.verifier.VerifyToken(r.Context(), token)
	if err != nil {
		logging.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket auth rejected")
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logging.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, subject.UserID, h.deps)
	h.hub.Register <- client

	// The request context dies with the handshake; pumps run against the
	// background context for the connection's lifetime.
	go client.WritePump()
	go client.ReadPump(context.WithoutCancel(r.Context()))
}
