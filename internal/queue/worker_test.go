// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/courierchat/courier/internal/models"
	"github.com/courierchat/courier/internal/presence"
	"github.com/courierchat/courier/internal/store"
	"github.com/courierchat/courier/internal/tone"
)

type fakeConverter struct {
	result tone.Result
	calls  int
}

func (f *fakeConverter) Convert(ctx context.Context, text string, kind tone.Kind) tone.Result {
	f.calls++
	return f.result
}

type fakeMessageStore struct {
	created []store.CreateMessageParams
	err     error
}

func (f *fakeMessageStore) CreateMessage(ctx context.Context, p store.CreateMessageParams) (*models.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, p)
	msg := &models.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		Content:        p.Content,
		MessageType:    models.MessageTypeText,
		Status:         models.MessageStatusSent,
	}
	msg.OriginalContent = p.OriginalContent
	msg.ToneApplied = p.ToneApplied
	return msg, nil
}

func (f *fakeMessageStore) ConversationMessages(ctx context.Context, conversationID, userID string, limit, offset int) ([]models.Message, error) {
	return nil, nil
}

func (f *fakeMessageStore) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	return nil
}

func (f *fakeMessageStore) CountUnread(ctx context.Context, userID, conversationID string) (int, error) {
	return 0, nil
}

type fakePresence struct {
	status map[string]string
}

func (f *fakePresence) SetOnline(ctx context.Context, userID string) error  { return nil }
func (f *fakePresence) SetOffline(ctx context.Context, userID string) error { return nil }
func (f *fakePresence) Heartbeat(ctx context.Context, userID string) error  { return nil }

func (f *fakePresence) Status(ctx context.Context, userID string) (string, error) {
	if s, ok := f.status[userID]; ok {
		return s, nil
	}
	return presence.StatusOffline, nil
}

func (f *fakePresence) BulkStatus(ctx context.Context, userIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		s, _ := f.Status(ctx, id)
		out[id] = s
	}
	return out, nil
}

type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) SendToUser(ctx context.Context, userID, title, body string, data map[string]string) {
	f.sent = append(f.sent, userID)
}

type fakeBroadcaster struct {
	published []publishedEvent
	err       error
}

type publishedEvent struct {
	channel string
	event   string
	payload any
}

func (f *fakeBroadcaster) Publish(ctx context.Context, channel, event string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedEvent{channel: channel, event: event, payload: payload})
	return nil
}

func newTestProcessor(conv *fakeConverter, st *fakeMessageStore, pres *fakePresence, not *fakeNotifier, bc *fakeBroadcaster) *Processor {
	return NewProcessor(conv, st, pres, not, bc, nil, DefaultProcessorConfig())
}

func jobMessage(t *testing.T, job *Job) *message.Message {
	t.Helper()
	data, err := EncodeJob(job)
	if err != nil {
		t.Fatalf("EncodeJob() = %v", err)
	}
	return message.NewMessage(job.JobID, data)
}

func toneJob() *Job {
	return &Job{
		JobID:          "job-1",
		IdempotencyKey: "key-1",
		Request: Request{
			SenderID:   "alice",
			ReceiverID: "bob",
			Content:    "hey can you fix this asap",
			ApplyTone:  true,
			ToneType:   "professional",
		},
	}
}

func TestProcessorAppliesTone(t *testing.T) {
	conv := &fakeConverter{result: tone.Result{
		Success:       true,
		ConvertedText: "Could you please address this at your earliest convenience?",
	}}
	st := &fakeMessageStore{}
	bc := &fakeBroadcaster{}
	not := &fakeNotifier{}
	p := newTestProcessor(conv, st, &fakePresence{}, not, bc)

	if err := p.Handle(jobMessage(t, toneJob())); err != nil {
		t.Fatalf("Handle() = %v", err)
	}

	if conv.calls != 1 {
		t.Errorf("converter calls = %d, want 1", conv.calls)
	}
	if len(st.created) != 1 {
		t.Fatalf("created messages = %d, want 1", len(st.created))
	}
	created := st.created[0]
	if created.Content != conv.result.ConvertedText {
		t.Errorf("persisted content = %q, want converted text", created.Content)
	}
	if created.ToneApplied == nil || *created.ToneApplied != "professional" {
		t.Errorf("ToneApplied = %v, want professional", created.ToneApplied)
	}
	if created.OriginalContent == nil || *created.OriginalContent != "hey can you fix this asap" {
		t.Errorf("OriginalContent = %v, want original text", created.OriginalContent)
	}
}

func TestProcessorToneFailureFallsBack(t *testing.T) {
	conv := &fakeConverter{result: tone.Result{Success: false, Error: "upstream timeout"}}
	st := &fakeMessageStore{}
	p := newTestProcessor(conv, st, &fakePresence{}, &fakeNotifier{}, &fakeBroadcaster{})

	if err := p.Handle(jobMessage(t, toneJob())); err != nil {
		t.Fatalf("Handle() = %v, tone failure must not fail the job", err)
	}

	if len(st.created) != 1 {
		t.Fatalf("created messages = %d, want 1", len(st.created))
	}
	created := st.created[0]
	if created.Content != "hey can you fix this asap" {
		t.Errorf("persisted content = %q, want original text", created.Content)
	}
	if created.ToneApplied != nil {
		t.Errorf("ToneApplied = %v, want nil on fallback", created.ToneApplied)
	}
	if created.OriginalContent != nil {
		t.Errorf("OriginalContent = %v, want nil on fallback", created.OriginalContent)
	}
}

func TestProcessorUnchangedConversionNotRecorded(t *testing.T) {
	// The upstream returning the input verbatim means no tone was applied;
	// recording it would persist original_content equal to content.
	conv := &fakeConverter{result: tone.Result{
		Success:       true,
		ConvertedText: "hey can you fix this asap",
	}}
	st := &fakeMessageStore{}
	p := newTestProcessor(conv, st, &fakePresence{}, &fakeNotifier{}, &fakeBroadcaster{})

	if err := p.Handle(jobMessage(t, toneJob())); err != nil {
		t.Fatalf("Handle() = %v", err)
	}

	if len(st.created) != 1 {
		t.Fatalf("created messages = %d, want 1", len(st.created))
	}
	created := st.created[0]
	if created.ToneApplied != nil {
		t.Errorf("ToneApplied = %v, want nil for unchanged conversion", created.ToneApplied)
	}
	if created.OriginalContent != nil {
		t.Errorf("OriginalContent = %v, want nil for unchanged conversion", created.OriginalContent)
	}
}

func TestProcessorPersistErrorRetries(t *testing.T) {
	st := &fakeMessageStore{err: errors.New("connection refused")}
	p := newTestProcessor(&fakeConverter{}, st, &fakePresence{}, &fakeNotifier{}, &fakeBroadcaster{})

	job := toneJob()
	job.ApplyTone = false

	if err := p.Handle(jobMessage(t, job)); err == nil {
		t.Fatal("Handle() = nil, want error so the router retries")
	}
}

func TestProcessorBroadcastsToConversationReceiverAndSender(t *testing.T) {
	bc := &fakeBroadcaster{}
	p := newTestProcessor(&fakeConverter{}, &fakeMessageStore{}, &fakePresence{}, &fakeNotifier{}, bc)

	job := toneJob()
	job.ApplyTone = false

	if err := p.Handle(jobMessage(t, job)); err != nil {
		t.Fatalf("Handle() = %v", err)
	}

	want := []publishedEvent{
		{channel: "conversation:conv-1", event: "new-message"},
		{channel: "user:bob", event: "new-message"},
		{channel: "user:alice", event: "message-sent"},
	}
	if len(bc.published) != len(want) {
		t.Fatalf("published events = %d, want %d", len(bc.published), len(want))
	}
	for i, w := range want {
		got := bc.published[i]
		if got.channel != w.channel || got.event != w.event {
			t.Errorf("publish %d = %s/%s, want %s/%s", i, got.channel, got.event, w.channel, w.event)
		}
	}
}

// The sender's devices confirm delivery from the message-sent echo carrying
// the final persisted content, not from the admission ack.
func TestProcessorEchoesFinalContentToSender(t *testing.T) {
	conv := &fakeConverter{result: tone.Result{
		Success:       true,
		ConvertedText: "Could you please address this at your earliest convenience?",
	}}
	bc := &fakeBroadcaster{}
	p := newTestProcessor(conv, &fakeMessageStore{}, &fakePresence{}, &fakeNotifier{}, bc)

	if err := p.Handle(jobMessage(t, toneJob())); err != nil {
		t.Fatalf("Handle() = %v", err)
	}

	var echo *publishedEvent
	for i := range bc.published {
		if bc.published[i].channel == "user:alice" {
			echo = &bc.published[i]
		}
	}
	if echo == nil {
		t.Fatal("no broadcast reached the sender's channel user:alice")
	}
	if echo.event != "message-sent" {
		t.Errorf("sender echo event = %q, want message-sent", echo.event)
	}
	msg, ok := echo.payload.(*models.Message)
	if !ok {
		t.Fatalf("sender echo payload = %T, want *models.Message", echo.payload)
	}
	if msg.Content != conv.result.ConvertedText {
		t.Errorf("echoed content = %q, want the converted text", msg.Content)
	}
	if msg.ID == "" || msg.ConversationID == "" {
		t.Errorf("echoed message missing identity: id=%q conversation=%q", msg.ID, msg.ConversationID)
	}
}

func TestProcessorBroadcastFailureDoesNotFailJob(t *testing.T) {
	bc := &fakeBroadcaster{err: errors.New("nats down")}
	p := newTestProcessor(&fakeConverter{}, &fakeMessageStore{}, &fakePresence{}, &fakeNotifier{}, bc)

	job := toneJob()
	job.ApplyTone = false

	if err := p.Handle(jobMessage(t, job)); err != nil {
		t.Fatalf("Handle() = %v, broadcast failure must not fail the job", err)
	}
}

func TestProcessorNotifiesOnlyOfflineReceiver(t *testing.T) {
	tests := []struct {
		name       string
		status     map[string]string
		wantNotify bool
	}{
		{
			name:       "offline receiver gets push",
			status:     map[string]string{},
			wantNotify: true,
		},
		{
			name:       "online receiver skipped",
			status:     map[string]string{"bob": presence.StatusOnline},
			wantNotify: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			not := &fakeNotifier{}
			p := newTestProcessor(&fakeConverter{}, &fakeMessageStore{}, &fakePresence{status: tt.status}, not, &fakeBroadcaster{})

			job := toneJob()
			job.ApplyTone = false

			if err := p.Handle(jobMessage(t, job)); err != nil {
				t.Fatalf("Handle() = %v", err)
			}

			got := len(not.sent) > 0
			if got != tt.wantNotify {
				t.Errorf("notified = %v, want %v", got, tt.wantNotify)
			}
			if tt.wantNotify && not.sent[0] != "bob" {
				t.Errorf("notified %q, want bob", not.sent[0])
			}
		})
	}
}

func TestNotificationPreview(t *testing.T) {
	media := "https://cdn.example.com/p.jpg"
	long := make([]rune, 0, 200)
	for i := 0; i < 200; i++ {
		long = append(long, 'a')
	}

	tests := []struct {
		name string
		msg  models.Message
		want string
	}{
		{
			name: "text passes through",
			msg:  models.Message{Content: "see you at 5"},
			want: "see you at 5",
		},
		{
			name: "media without text",
			msg:  models.Message{MediaURL: &media},
			want: "Sent you a photo",
		},
		{
			name: "long text truncated",
			msg:  models.Message{Content: string(long)},
			want: string(long[:117]) + "...",
		},
		{
			name: "no media no text",
			msg:  models.Message{},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := preview(&tt.msg); got != tt.want {
				t.Errorf("preview() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessorUndecodableJobErrors(t *testing.T) {
	p := newTestProcessor(&fakeConverter{}, &fakeMessageStore{}, &fakePresence{}, &fakeNotifier{}, &fakeBroadcaster{})

	msg := message.NewMessage("bad", []byte("not a job"))
	if err := p.Handle(msg); err == nil {
		t.Fatal("Handle() = nil, want error for undecodable payload")
	}
}
