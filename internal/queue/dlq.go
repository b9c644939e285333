// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package queue

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/courierchat/courier/internal/fanout"
	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/metrics"
)

// DLQConsumer drains the dead letter subject. A job lands here only after
// exhausting its retry budget; the consumer records the terminal failure
// and tells the sender their message did not go through.
type DLQConsumer struct {
	tracker   *Tracker
	broadcast fanout.Publisher
}

// NewDLQConsumer creates the dead letter consumer.
func NewDLQConsumer(tracker *Tracker, broadcast fanout.Publisher) *DLQConsumer {
	return &DLQConsumer{tracker: tracker, broadcast: broadcast}
}

// Handle processes one dead-lettered job. Always acks: the DLQ is terminal,
// re-queueing from here would loop forever.
func (c *DLQConsumer) Handle(msg *message.Message) error {
	ctx := msg.Context()
	metrics.JobsPoisoned.Inc()

	reason := msg.Metadata.Get(middleware.ReasonForPoisonedKey)
	if reason == "" {
		reason = "processing failed after all retries"
	}

	job, err := DecodeJob(msg.Payload)
	if err != nil {
		// Payload never decoded; nothing to attribute the failure to.
		logging.Error().
			Err(err).
			Str("message_uuid", msg.UUID).
			Str("reason", reason).
			Msg("undecodable job in dead letter queue")
		return nil
	}

	logging.Error().
		Str("job_id", job.JobID).
		Str("sender_id", job.SenderID).
		Str("receiver_id", job.ReceiverID).
		Str("reason", reason).
		Msg("message job dead-lettered")

	if c.tracker != nil {
		if terr := c.tracker.MarkFailed(ctx, job.JobID, reason); terr != nil {
			logging.Warn().Err(terr).Str("job_id", job.JobID).Msg("mark job failed errored")
		}
	}

	if c.broadcast != nil {
		err := c.broadcast.Publish(ctx, fanout.UserChannel(job.SenderID), fanout.EventMessageError, map[string]any{
			"jobId": job.JobID,
			"error": "message could not be delivered",
		})
		if err != nil {
			logging.Warn().Err(err).Str("job_id", job.JobID).Msg("broadcast delivery failure notice failed")
		}
	}

	return nil
}
