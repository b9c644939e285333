// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package queue

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validRequest() Request {
	return Request{
		SenderID:   "user-a",
		ReceiverID: "user-b",
		Content:    "hello there",
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Request)
		wantErr error
	}{
		{
			name:   "valid plain message",
			mutate: func(r *Request) {},
		},
		{
			name: "valid tone message",
			mutate: func(r *Request) {
				r.ApplyTone = true
				r.ToneType = "professional"
			},
		},
		{
			name: "valid media only message",
			mutate: func(r *Request) {
				r.Content = ""
				r.MediaURL = "https://cdn.example.com/photo.jpg"
			},
		},
		{
			name:    "missing sender",
			mutate:  func(r *Request) { r.SenderID = " " },
			wantErr: ErrMissingSender,
		},
		{
			name:    "missing receiver",
			mutate:  func(r *Request) { r.ReceiverID = "" },
			wantErr: ErrMissingReceiver,
		},
		{
			name:    "sender equals receiver",
			mutate:  func(r *Request) { r.ReceiverID = r.SenderID },
			wantErr: ErrSelfMessage,
		},
		{
			name: "no content and no media",
			mutate: func(r *Request) {
				r.Content = "   "
				r.MediaURL = ""
			},
			wantErr: ErrEmptyMessage,
		},
		{
			name: "content too large",
			mutate: func(r *Request) {
				r.Content = strings.Repeat("x", MaxContentLength+1)
			},
			wantErr: ErrContentTooLarge,
		},
		{
			name: "unknown tone type",
			mutate: func(r *Request) {
				r.ApplyTone = true
				r.ToneType = "sarcastic"
			},
			wantErr: ErrInvalidTone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			err := req.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestValidateDefaultsToneType(t *testing.T) {
	req := validRequest()
	req.ApplyTone = true

	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	if req.ToneType != "auto" {
		t.Errorf("ToneType = %q, want auto", req.ToneType)
	}
}

func TestRequestSubject(t *testing.T) {
	req := validRequest()
	if got := req.Subject(); got != SubjectPlain {
		t.Errorf("Subject() = %q, want %q", got, SubjectPlain)
	}

	req.ApplyTone = true
	if got := req.Subject(); got != SubjectTone {
		t.Errorf("Subject() = %q, want %q", got, SubjectTone)
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 30, 15, 0, time.UTC)

	k1 := IdempotencyKey("a", "b", "hello", at)
	k2 := IdempotencyKey("a", "b", "hello", at.Add(20*time.Second))
	if k1 != k2 {
		t.Errorf("keys within the same minute bucket differ: %q vs %q", k1, k2)
	}

	k3 := IdempotencyKey("a", "b", "hello", at.Add(time.Minute))
	if k1 == k3 {
		t.Error("keys across minute buckets should differ")
	}

	k4 := IdempotencyKey("a", "b", "different", at)
	if k1 == k4 {
		t.Error("keys for different content should differ")
	}

	k5 := IdempotencyKey("b", "a", "hello", at)
	if k1 == k5 {
		t.Error("keys for swapped sender/receiver should differ")
	}
}

func TestEncodeDecodeJob(t *testing.T) {
	job := &Job{
		JobID:          "job-1",
		IdempotencyKey: "key-1",
		EnqueuedAt:     time.Now().UnixMilli(),
		Request: Request{
			SenderID:   "a",
			ReceiverID: "b",
			Content:    "hi",
			ApplyTone:  true,
			ToneType:   "polite",
		},
	}

	data, err := EncodeJob(job)
	if err != nil {
		t.Fatalf("EncodeJob() = %v", err)
	}

	decoded, err := DecodeJob(data)
	if err != nil {
		t.Fatalf("DecodeJob() = %v", err)
	}
	if decoded.JobID != job.JobID || decoded.ToneType != job.ToneType || decoded.Content != job.Content {
		t.Errorf("decoded job mismatch: %+v", decoded)
	}
}

func TestDecodeJobRejectsGarbage(t *testing.T) {
	if _, err := DecodeJob([]byte("not json")); err == nil {
		t.Error("DecodeJob should fail on malformed payload")
	}
	if _, err := DecodeJob([]byte(`{"content":"no id"}`)); err == nil {
		t.Error("DecodeJob should fail when job id is missing")
	}
}
