// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Package queue implements the durable message pipeline: admission, the
// JetStream-backed job queue, the worker pool, and the dead letter consumer.
//
// A send request is validated once at admission, assigned a deterministic
// idempotency key, and published to a priority subject. Workers consume
// durably, so an accepted message survives process restarts; retries and
// dead-lettering are handled by router middleware, not by the workers
// themselves.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/courierchat/courier/internal/tone"
)

// NATS subjects for the message pipeline. Tone jobs and plain jobs land on
// separate subjects so the tone consumer pool drains its own backlog;
// subject separation is what gives tone-transform jobs priority.
const (
	SubjectTone  = "messages.process.tone"
	SubjectPlain = "messages.process.plain"
	SubjectDLQ   = "messages.dlq"
)

// Admission errors. These are terminal: a rejected request was never
// enqueued and the client must correct it.
var (
	ErrMissingSender   = errors.New("sender id is required")
	ErrMissingReceiver = errors.New("receiver id is required")
	ErrEmptyMessage    = errors.New("message needs content or media")
	ErrContentTooLarge = errors.New("message content exceeds limit")
	ErrSelfMessage     = errors.New("sender and receiver must differ")
	ErrInvalidTone     = errors.New("unknown tone type")
)

// MaxContentLength bounds message content at admission.
const MaxContentLength = 8192

// Request is a client's ask to send one message. SenderID is always set
// server-side from the authenticated principal, never trusted from the
// payload.
type Request struct {
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	ApplyTone      bool   `json:"applyTone"`
	ToneType       string `json:"toneType,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Validate checks the request against admission rules, normalizing the tone
// type in place. An error here means the request never reached the queue.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.SenderID) == "" {
		return ErrMissingSender
	}
	if strings.TrimSpace(r.ReceiverID) == "" {
		return ErrMissingReceiver
	}
	if r.SenderID == r.ReceiverID {
		return ErrSelfMessage
	}
	if strings.TrimSpace(r.Content) == "" && strings.TrimSpace(r.MediaURL) == "" {
		return ErrEmptyMessage
	}
	if len(r.Content) > MaxContentLength {
		return ErrContentTooLarge
	}

	if r.ApplyTone {
		if r.ToneType == "" {
			r.ToneType = string(tone.KindAuto)
		}
		if !tone.Kind(r.ToneType).Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidTone, r.ToneType)
		}
	}
	return nil
}

// Subject returns the pipeline subject for this request.
func (r *Request) Subject() string {
	if r.ApplyTone {
		return SubjectTone
	}
	return SubjectPlain
}

// Job is the durable payload carried through the queue: the validated
// request plus identity assigned at admission.
type Job struct {
	JobID          string `json:"job_id"`
	IdempotencyKey string `json:"idempotency_key"`
	EnqueuedAt     int64  `json:"enqueued_at"` // unix millis

	Request
}

// Handle is returned to the submitter as the enqueue acknowledgment.
type Handle struct {
	JobID    string
	Subject  string
	QueuedAt time.Time
}

// EncodeJob serializes a job for the wire.
func EncodeJob(job *Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.JobID, err)
	}
	return data, nil
}

// DecodeJob deserializes a wire payload back into a job.
func DecodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.JobID == "" {
		return nil, errors.New("decode job: missing job id")
	}
	return &job, nil
}

// IdempotencyKey derives a deterministic key from the message identity and
// a one-minute time bucket. A client retrying the same send within the
// bucket produces the same key, and the broker's duplicate window plus the
// database unique constraint absorb the duplicate end to end.
func IdempotencyKey(senderID, receiverID, content string, at time.Time) string {
	bucket := at.UTC().Truncate(time.Minute).Unix()
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d", senderID, receiverID, content, bucket))
	return hex.EncodeToString(h[:])
}
