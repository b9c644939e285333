// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/metrics"
	"github.com/courierchat/courier/internal/store"
)

// ErrRateLimited rejects a sender exceeding their per-minute budget.
var ErrRateLimited = errors.New("message rate limit exceeded")

// Submitter is the admission port into the pipeline. Both the WebSocket
// send-message handler and the REST endpoint go through it; neither path
// processes messages inline.
type Submitter interface {
	Submit(ctx context.Context, req Request) (Handle, error)
}

// PipelineConfig holds admission settings.
type PipelineConfig struct {
	// RatePerMinute is the per-sender admission budget. Zero disables
	// rate limiting.
	RatePerMinute int
}

// Pipeline validates requests, assigns durable identity, and publishes jobs
// to the priority subjects.
type Pipeline struct {
	publisher     *Publisher
	tracker       *Tracker
	conversations store.ConversationStore
	cfg           PipelineConfig

	mu       sync.Mutex
	limiters map[string]*senderLimiter
}

type senderLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPipeline creates the admission pipeline. The tracker may be nil; job
// status queries are then unavailable but processing is unaffected.
func NewPipeline(publisher *Publisher, tracker *Tracker, conversations store.ConversationStore, cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		publisher:     publisher,
		tracker:       tracker,
		conversations: conversations,
		cfg:           cfg,
		limiters:      make(map[string]*senderLimiter),
	}
}

// Submit validates the request and enqueues it durably. On return the job
// is accepted: it survives restarts and will be processed by some worker.
// Validation and rate-limit errors are terminal, nothing was enqueued.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Handle, error) {
	if err := req.Validate(); err != nil {
		return Handle{}, err
	}

	if !p.allow(req.SenderID) {
		return Handle{}, ErrRateLimited
	}

	// A caller-supplied conversation id is only honored for its own
	// participants; anyone else is rejected before a job exists.
	if req.ConversationID != "" && p.conversations != nil {
		conv, err := p.conversations.Get(ctx, req.ConversationID)
		if err != nil {
			return Handle{}, fmt.Errorf("resolve conversation %s: %w", req.ConversationID, err)
		}
		if !conv.HasMember(req.SenderID) {
			return Handle{}, store.ErrNotParticipant
		}
	}

	now := time.Now().UTC()
	job := &Job{
		JobID:          uuid.NewString(),
		IdempotencyKey: IdempotencyKey(req.SenderID, req.ReceiverID, req.Content, now),
		EnqueuedAt:     now.UnixMilli(),
		Request:        req,
	}

	payload, err := EncodeJob(job)
	if err != nil {
		return Handle{}, err
	}

	msg := message.NewMessage(job.JobID, payload)
	// The idempotency key, not the job id, is the broker dedup identity: a
	// client retry produces a new job id but the same key, and JetStream's
	// duplicate window drops the second publish.
	msg.Metadata.Set(natsgo.MsgIdHdr, job.IdempotencyKey)

	subject := req.Subject()
	if err := p.publisher.Publish(ctx, subject, msg); err != nil {
		return Handle{}, fmt.Errorf("enqueue message: %w", err)
	}

	if p.tracker != nil {
		if err := p.tracker.MarkWaiting(ctx, job.JobID, now); err != nil {
			logging.Warn().Err(err).Str("job_id", job.JobID).Msg("track enqueued job failed")
		}
	}

	priority := "plain"
	if req.ApplyTone {
		priority = "tone"
	}
	metrics.JobsEnqueued.WithLabelValues(priority).Inc()

	logging.Debug().
		Str("job_id", job.JobID).
		Str("subject", subject).
		Str("sender_id", req.SenderID).
		Msg("message enqueued")

	return Handle{JobID: job.JobID, Subject: subject, QueuedAt: now}, nil
}

// Status returns the lifecycle record for a previously submitted job.
func (p *Pipeline) Status(ctx context.Context, jobID string) (*JobRecord, error) {
	if p.tracker == nil {
		return nil, ErrJobNotFound
	}
	return p.tracker.Get(ctx, jobID)
}

// allow enforces the per-sender rate budget. Limiters for idle senders are
// evicted opportunistically to bound the map.
func (p *Pipeline) allow(senderID string) bool {
	if p.cfg.RatePerMinute <= 0 {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	sl, ok := p.limiters[senderID]
	if !ok {
		sl = &senderLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(p.cfg.RatePerMinute)/60.0), p.cfg.RatePerMinute),
		}
		p.limiters[senderID] = sl
	}
	sl.lastSeen = now

	if len(p.limiters) > 10000 {
		for id, l := range p.limiters {
			if now.Sub(l.lastSeen) > 10*time.Minute {
				delete(p.limiters, id)
			}
		}
	}

	return sl.limiter.Allow()
}
