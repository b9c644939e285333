// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

func TestDLQConsumerRecordsFailureAndNotifiesSender(t *testing.T) {
	tracker := newTestTracker(t)
	bc := &fakeBroadcaster{}
	consumer := NewDLQConsumer(tracker, bc)

	job := toneJob()
	if err := tracker.MarkWaiting(context.Background(), job.JobID, time.Now()); err != nil {
		t.Fatalf("MarkWaiting() = %v", err)
	}

	msg := jobMessage(t, job)
	msg.Metadata.Set(middleware.ReasonForPoisonedKey, "persist failed: connection refused")

	if err := consumer.Handle(msg); err != nil {
		t.Fatalf("Handle() = %v, DLQ must always ack", err)
	}

	rec, err := tracker.Get(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if rec.State != StateFailed {
		t.Errorf("state = %q, want failed", rec.State)
	}
	if rec.Error != "persist failed: connection refused" {
		t.Errorf("error = %q, want the poison reason", rec.Error)
	}

	if len(bc.published) != 1 {
		t.Fatalf("published events = %d, want 1", len(bc.published))
	}
	if bc.published[0].channel != "user:alice" || bc.published[0].event != "message-error" {
		t.Errorf("publish = %+v, want message-error on the sender's channel", bc.published[0])
	}
}

func TestDLQConsumerDefaultsReason(t *testing.T) {
	tracker := newTestTracker(t)
	consumer := NewDLQConsumer(tracker, &fakeBroadcaster{})

	job := toneJob()
	if err := consumer.Handle(jobMessage(t, job)); err != nil {
		t.Fatalf("Handle() = %v", err)
	}

	rec, err := tracker.Get(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if rec.Error == "" {
		t.Error("error is empty, want a default failure reason")
	}
}

func TestDLQConsumerAcksUndecodablePayload(t *testing.T) {
	bc := &fakeBroadcaster{}
	consumer := NewDLQConsumer(newTestTracker(t), bc)

	msg := message.NewMessage("bad", []byte("not a job"))
	if err := consumer.Handle(msg); err != nil {
		t.Fatalf("Handle() = %v, undecodable poison must still ack", err)
	}
	if len(bc.published) != 0 {
		t.Errorf("published events = %d, nothing to attribute the failure to", len(bc.published))
	}
}
