// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Package api provides HTTP routing with Chi. The REST surface mirrors the
// WebSocket one: message sends are enqueued through the same pipeline, and
// history, read markers, presence, and device tokens are available to
// clients without a live socket.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/courierchat/courier/internal/fanout"
	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/presence"
	"github.com/courierchat/courier/internal/queue"
	"github.com/courierchat/courier/internal/store"
)

// JobStatuser resolves the lifecycle state of an enqueued job.
type JobStatuser interface {
	Status(ctx context.Context, jobID string) (*queue.JobRecord, error)
}

// Handler implements the REST endpoints.
type Handler struct {
	pipeline      queue.Submitter
	jobs          JobStatuser
	messages      store.MessageStore
	conversations store.ConversationStore
	presence      presence.Store
	tokens        store.TokenStore
	broadcast     fanout.Publisher
}

// HandlerDeps bundles the collaborators for NewHandler.
type HandlerDeps struct {
	Pipeline      queue.Submitter
	Jobs          JobStatuser
	Messages      store.MessageStore
	Conversations store.ConversationStore
	Presence      presence.Store
	Tokens        store.TokenStore
	Broadcast     fanout.Publisher
}

// NewHandler creates the REST handler.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		pipeline:      deps.Pipeline,
		jobs:          deps.Jobs,
		messages:      deps.Messages,
		conversations: deps.Conversations,
		presence:      deps.Presence,
		tokens:        deps.Tokens,
		broadcast:     deps.Broadcast,
	}
}

// SubmitMessage enqueues a message send. Responds 202: acceptance means the
// job is durable, not that the message is delivered.
func (h *Handler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	subject, ok := SubjectFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	var req queue.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.SenderID = subject.UserID

	handle, err := h.pipeline.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, store.ErrConversationNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, store.ErrNotParticipant):
			writeError(w, http.StatusForbidden, "not a participant")
		case isAdmissionError(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			logging.Error().Err(err).Str("sender_id", subject.UserID).Msg("message submit failed")
			writeError(w, http.StatusInternalServerError, "could not enqueue message")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":    handle.JobID,
		"status":   "queued",
		"queuedAt": handle.QueuedAt.UnixMilli(),
	})
}

// JobStatus reports the lifecycle record of a submitted job.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	rec, err := h.jobs.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load job status")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Conversation resolves or creates the conversation with another user.
func (h *Handler) Conversation(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFrom(r.Context())
	otherID := chi.URLParam(r, "userID")
	if otherID == "" || otherID == subject.UserID {
		writeError(w, http.StatusBadRequest, "a distinct peer user id is required")
		return
	}

	conv, err := h.conversations.GetOrCreate(r.Context(), subject.UserID, otherID)
	if err != nil {
		logging.Error().Err(err).Str("user_id", subject.UserID).Msg("resolve conversation failed")
		writeError(w, http.StatusInternalServerError, "could not resolve conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// ConversationMessages returns message history, oldest first.
func (h *Handler) ConversationMessages(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFrom(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	msgs, err := h.messages.ConversationMessages(r.Context(), conversationID, subject.UserID, limit, offset)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConversationNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, store.ErrNotParticipant):
			writeError(w, http.StatusForbidden, "not a participant")
		default:
			logging.Error().Err(err).Str("conversation_id", conversationID).Msg("load messages failed")
			writeError(w, http.StatusInternalServerError, "could not load messages")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// MarkRead flags the conversation read and broadcasts the read receipt.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFrom(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	if err := h.messages.MarkConversationRead(r.Context(), conversationID, subject.UserID); err != nil {
		logging.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark read failed")
		writeError(w, http.StatusInternalServerError, "could not mark conversation read")
		return
	}

	err := h.broadcast.Publish(r.Context(),
		fanout.ConversationChannel(conversationID),
		fanout.EventMessageRead,
		map[string]any{
			"conversationId": conversationID,
			"readerId":       subject.UserID,
			"readAt":         time.Now().UTC().Format(time.RFC3339Nano),
		})
	if err != nil {
		logging.Warn().Err(err).Str("conversation_id", conversationID).Msg("publish read receipt failed")
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// UnreadCount returns the caller's unread count for a conversation.
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFrom(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	count, err := h.messages.CountUnread(r.Context(), subject.UserID, conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not count unread messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": count})
}

type bulkPresenceRequest struct {
	UserIDs []string `json:"userIds"`
}

// BulkPresence resolves presence for up to 100 users in one call.
func (h *Handler) BulkPresence(w http.ResponseWriter, r *http.Request) {
	var req bulkPresenceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.UserIDs) == 0 || len(req.UserIDs) > 100 {
		writeError(w, http.StatusBadRequest, "userIds must contain between 1 and 100 entries")
		return
	}

	statuses, err := h.presence.BulkStatus(r.Context(), req.UserIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not resolve presence")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

type registerTokenRequest struct {
	Token      string `json:"token"`
	DeviceType string `json:"deviceType"`
}

// RegisterToken stores a push notification device token for the caller.
func (h *Handler) RegisterToken(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFrom(r.Context())

	var req registerTokenRequest
	if err := decodeBody(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if req.DeviceType == "" {
		req.DeviceType = "unknown"
	}

	if err := h.tokens.RegisterToken(r.Context(), subject.UserID, req.Token, req.DeviceType); err != nil {
		writeError(w, http.StatusInternalServerError, "could not register token")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "registered"})
}

type removeTokensRequest struct {
	Tokens []string `json:"tokens"`
}

// RemoveTokens unregisters push tokens, typically on logout.
func (h *Handler) RemoveTokens(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFrom(r.Context())

	var req removeTokensRequest
	if err := decodeBody(r, &req); err != nil || len(req.Tokens) == 0 {
		writeError(w, http.StatusBadRequest, "tokens are required")
		return
	}

	if err := h.tokens.RemoveTokens(r.Context(), subject.UserID, req.Tokens); err != nil {
		writeError(w, http.StatusInternalServerError, "could not remove tokens")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func isAdmissionError(err error) bool {
	for _, target := range []error{
		queue.ErrMissingSender,
		queue.ErrMissingReceiver,
		queue.ErrEmptyMessage,
		queue.ErrContentTooLarge,
		queue.ErrSelfMessage,
		queue.ErrInvalidTone,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
