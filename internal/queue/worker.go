// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/courierchat/courier/internal/fanout"
	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/metrics"
	"github.com/courierchat/courier/internal/models"
	"github.com/courierchat/courier/internal/notify"
	"github.com/courierchat/courier/internal/presence"
	"github.com/courierchat/courier/internal/store"
	"github.com/courierchat/courier/internal/tone"
)

// ToneConverter transforms message text. The gateway implementation never
// returns an error; failure is expressed in the Result so the worker can
// fall back to the original text.
type ToneConverter interface {
	Convert(ctx context.Context, text string, kind tone.Kind) tone.Result
}

// ProcessorConfig holds per-stage timeouts for the worker.
type ProcessorConfig struct {
	PersistTimeout time.Duration
	NotifyTimeout  time.Duration
}

// DefaultProcessorConfig returns production stage timeouts.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PersistTimeout: 5 * time.Second,
		NotifyTimeout:  5 * time.Second,
	}
}

// Processor executes one message job: optional tone transform, durable
// persistence, real-time broadcast, and an offline push notification.
//
// Only the persistence stage can fail a job. Tone failure falls back to the
// original text, broadcast and notification are best-effort; retrying a job
// for a failed broadcast would re-run persistence for no benefit, the
// idempotency key would just absorb it.
type Processor struct {
	converter ToneConverter
	messages  store.MessageStore
	presence  presence.Store
	notifier  notify.Sender
	broadcast fanout.Publisher
	tracker   *Tracker
	cfg       ProcessorConfig
}

// NewProcessor wires the worker stages together.
func NewProcessor(
	converter ToneConverter,
	messages store.MessageStore,
	presenceStore presence.Store,
	notifier notify.Sender,
	broadcast fanout.Publisher,
	tracker *Tracker,
	cfg ProcessorConfig,
) *Processor {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	return &Processor{
		converter: converter,
		messages:  messages,
		presence:  presenceStore,
		notifier:  notifier,
		broadcast: broadcast,
		tracker:   tracker,
		cfg:       cfg,
	}
}

// Handle processes one queued job. Returning an error nacks the message:
// router middleware retries with backoff and dead-letters after the final
// attempt.
func (p *Processor) Handle(msg *message.Message) error {
	ctx := msg.Context()
	start := time.Now()

	job, err := DecodeJob(msg.Payload)
	if err != nil {
		// Undecodable payloads can never succeed; let them ride the retry
		// path into the DLQ where the raw payload is kept for inspection.
		metrics.JobsFailed.Inc()
		return err
	}

	p.track(ctx, job.JobID, func(jobID string) error {
		return p.tracker.MarkActive(ctx, jobID)
	})

	content, toneApplied := p.applyTone(ctx, job)
	p.progress(ctx, job.JobID, ProgressToneApplied)

	persisted, err := p.persist(ctx, job, content, toneApplied)
	if err != nil {
		metrics.JobsFailed.Inc()
		logging.Warn().Err(err).Str("job_id", job.JobID).Msg("persist message failed")
		return fmt.Errorf("persist message for job %s: %w", job.JobID, err)
	}
	p.progress(ctx, job.JobID, ProgressPersisted)

	p.broadcastMessage(ctx, job, persisted)
	p.progress(ctx, job.JobID, ProgressBroadcast)

	p.notifyReceiver(ctx, job, persisted)

	p.track(ctx, job.JobID, func(jobID string) error {
		return p.tracker.MarkCompleted(ctx, jobID, persisted.ID)
	})

	metrics.JobsProcessed.Inc()
	metrics.ObserveJobDuration(start)

	logging.Info().
		Str("job_id", job.JobID).
		Str("message_id", persisted.ID).
		Str("conversation_id", persisted.ConversationID).
		Bool("tone_applied", toneApplied != "").
		Dur("duration", time.Since(start)).
		Msg("message job processed")
	return nil
}

// applyTone runs the tone transform when requested. A failed transform
// silently falls back to the original text; the receiver gets the message
// either way.
func (p *Processor) applyTone(ctx context.Context, job *Job) (content, toneApplied string) {
	content = job.Content
	if !job.ApplyTone || content == "" {
		return content, ""
	}

	result := p.converter.Convert(ctx, content, tone.Kind(job.ToneType))
	if !result.Success {
		logging.Info().
			Str("job_id", job.JobID).
			Str("tone", job.ToneType).
			Str("reason", result.Error).
			Msg("tone transform failed, sending original text")
		return content, ""
	}
	// An unchanged rewrite carries no tone information; recording it would
	// persist original_content equal to content.
	if result.ConvertedText == content {
		return content, ""
	}
	return result.ConvertedText, job.ToneType
}

func (p *Processor) persist(ctx context.Context, job *Job, content, toneApplied string) (*models.Message, error) {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
	defer cancel()

	params := store.CreateMessageParams{
		ConversationID: job.ConversationID,
		SenderID:       job.SenderID,
		ReceiverID:     job.ReceiverID,
		Content:        content,
		IdempotencyKey: job.IdempotencyKey,
	}
	if job.MediaURL != "" {
		params.MediaURL = &job.MediaURL
	}
	if toneApplied != "" {
		original := job.Content
		params.ToneApplied = &toneApplied
		params.OriginalContent = &original
	}

	return p.messages.CreateMessage(pctx, params)
}

// broadcastMessage fans the persisted message out: new-message to the
// conversation room and the receiver's personal channel, message-sent to the
// sender's personal channel so all of the sender's devices see the final
// content even outside the room. Best-effort.
func (p *Processor) broadcastMessage(ctx context.Context, job *Job, persisted *models.Message) {
	targets := []struct {
		channel string
		event   string
	}{
		{fanout.ConversationChannel(persisted.ConversationID), fanout.EventNewMessage},
		{fanout.UserChannel(job.ReceiverID), fanout.EventNewMessage},
		{fanout.UserChannel(job.SenderID), fanout.EventMessageSent},
	}
	for _, t := range targets {
		if err := p.broadcast.Publish(ctx, t.channel, t.event, persisted); err != nil {
			logging.Warn().
				Err(err).
				Str("job_id", job.JobID).
				Str("channel", t.channel).
				Str("event", t.event).
				Msg("broadcast message failed")
		}
	}
}

// notifyReceiver pushes an out-of-band notification when the receiver has
// no live connection. Online receivers already got the broadcast.
func (p *Processor) notifyReceiver(ctx context.Context, job *Job, persisted *models.Message) {
	if p.notifier == nil {
		return
	}

	status, err := p.presence.Status(ctx, job.ReceiverID)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", job.ReceiverID).Msg("presence lookup failed, sending notification anyway")
	}
	if status == presence.StatusOnline {
		return
	}

	nctx, cancel := context.WithTimeout(ctx, p.cfg.NotifyTimeout)
	defer cancel()

	p.notifier.SendToUser(nctx, job.ReceiverID, "New message", preview(persisted), map[string]string{
		"conversationId": persisted.ConversationID,
		"messageId":      persisted.ID,
		"senderId":       job.SenderID,
	})
}

func (p *Processor) track(ctx context.Context, jobID string, fn func(string) error) {
	if p.tracker == nil {
		return
	}
	if err := fn(jobID); err != nil {
		logging.Warn().Err(err).Str("job_id", jobID).Msg("job tracker update failed")
	}
}

func (p *Processor) progress(ctx context.Context, jobID string, milestone int) {
	p.track(ctx, jobID, func(id string) error {
		return p.tracker.SetProgress(ctx, id, milestone)
	})
}

// preview renders the notification body: media marker or truncated text.
func preview(m *models.Message) string {
	if m.Content == "" && m.MediaURL != nil && *m.MediaURL != "" {
		return "Sent you a photo"
	}
	runes := []rune(m.Content)
	if len(runes) > 120 {
		return string(runes[:117]) + "..."
	}
	return m.Content
}
