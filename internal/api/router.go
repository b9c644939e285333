// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courierchat/courier/internal/auth"
)

// Router assembles the HTTP surface: REST endpoints, the WebSocket upgrade
// path, health, and metrics.
type Router struct {
	handler   *Handler
	verifier  auth.Verifier
	wsHandler http.Handler
	healthy   func() bool
}

// NewRouter creates the router. wsHandler performs its own authentication
// during the upgrade handshake; healthy gates the readiness endpoint.
func NewRouter(handler *Handler, verifier auth.Verifier, wsHandler http.Handler, healthy func() bool) *Router {
	if healthy == nil {
		healthy = func() bool { return true }
	}
	return &Router{
		handler:   handler,
		verifier:  verifier,
		wsHandler: wsHandler,
		healthy:   healthy,
	}
}

// Setup configures all routes.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", rt.health)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket upgrade; bearer token via header or access_token query
	// param since browsers cannot set headers on WebSocket handshakes.
	r.Handle("/ws", rt.wsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(rt.verifier))

		r.Post("/messages", rt.handler.SubmitMessage)
		r.Get("/messages/jobs/{jobID}", rt.handler.JobStatus)

		r.Get("/conversations/with/{userID}", rt.handler.Conversation)
		r.Get("/conversations/{conversationID}/messages", rt.handler.ConversationMessages)
		r.Post("/conversations/{conversationID}/read", rt.handler.MarkRead)
		r.Get("/conversations/{conversationID}/unread", rt.handler.UnreadCount)

		r.Post("/presence/bulk", rt.handler.BulkPresence)

		r.Post("/devices/tokens", rt.handler.RegisterToken)
		r.Delete("/devices/tokens", rt.handler.RemoveTokens)
	})

	return r
}

func (rt *Router) health(w http.ResponseWriter, r *http.Request) {
	if !rt.healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
