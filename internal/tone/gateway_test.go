// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package tone

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type stubGenerator struct {
	response string
	err      error
	delay    time.Duration
	prompt   string
}

func (s *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	s.prompt = prompt
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func TestKindValid(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindProfessional, true},
		{KindPolite, true},
		{KindFormal, true},
		{KindAuto, true},
		{Kind("sarcastic"), false},
		{Kind(""), false},
	}
	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.want {
			t.Errorf("Kind(%q).Valid() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestGatewayConvertSuccess(t *testing.T) {
	gen := &stubGenerator{response: "  Could you please review this?  "}
	gw := NewGateway(gen, DefaultGatewayConfig())

	res := gw.Convert(context.Background(), "review this now", KindPolite)

	if !res.Success {
		t.Fatalf("Convert() failed: %s", res.Error)
	}
	if res.ConvertedText != "Could you please review this?" {
		t.Errorf("ConvertedText = %q, upstream whitespace must be trimmed", res.ConvertedText)
	}
	if res.OriginalText != "review this now" {
		t.Errorf("OriginalText = %q", res.OriginalText)
	}
	if res.Tone != KindPolite {
		t.Errorf("Tone = %q", res.Tone)
	}
}

func TestGatewayConvertFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		text string
		kind Kind
		gen  *stubGenerator
	}{
		{
			name: "blank input",
			text: "   \n\t",
			kind: KindAuto,
			gen:  &stubGenerator{response: "anything"},
		},
		{
			name: "unknown tone kind",
			text: "hello",
			kind: Kind("sarcastic"),
			gen:  &stubGenerator{response: "anything"},
		},
		{
			name: "upstream error",
			text: "hello",
			kind: KindAuto,
			gen:  &stubGenerator{err: errors.New("upstream exploded")},
		},
		{
			name: "empty upstream response",
			text: "hello",
			kind: KindAuto,
			gen:  &stubGenerator{response: "   "},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := NewGateway(tt.gen, DefaultGatewayConfig())

			res := gw.Convert(context.Background(), tt.text, tt.kind)

			if res.Success {
				t.Fatal("Convert() succeeded, want fail-closed result")
			}
			if res.Error == "" {
				t.Error("Error is empty, want a failure reason")
			}
			// Callers fall back to the original text, which must survive.
			if res.OriginalText != tt.text {
				t.Errorf("OriginalText = %q, want %q", res.OriginalText, tt.text)
			}
			if res.ConvertedText != "" {
				t.Errorf("ConvertedText = %q, want empty on failure", res.ConvertedText)
			}
		})
	}
}

func TestGatewayConvertTimeout(t *testing.T) {
	gen := &stubGenerator{response: "too late", delay: time.Second}
	gw := NewGateway(gen, GatewayConfig{Timeout: 20 * time.Millisecond})

	res := gw.Convert(context.Background(), "hello", KindAuto)

	if res.Success {
		t.Fatal("Convert() succeeded, want timeout failure")
	}
	if res.Error != "upstream timeout" {
		t.Errorf("Error = %q, want upstream timeout", res.Error)
	}
}

func TestGatewayBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	gen := &stubGenerator{err: errors.New("down")}
	gw := NewGateway(gen, GatewayConfig{
		Timeout:                 time.Second,
		BreakerFailureThreshold: 2,
		BreakerInterval:         time.Minute,
		BreakerTimeout:          time.Minute,
	})

	for i := 0; i < 2; i++ {
		if res := gw.Convert(context.Background(), "hello", KindAuto); res.Success {
			t.Fatalf("call %d succeeded, want failure", i)
		}
	}

	// Breaker is open now; the generator must not be reached again.
	gen.prompt = ""
	res := gw.Convert(context.Background(), "hello", KindAuto)
	if res.Success {
		t.Fatal("Convert() succeeded with open breaker")
	}
	if gen.prompt != "" {
		t.Error("generator called while breaker open")
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("fix this garbage now", KindPolite)

	if !strings.Contains(prompt, instructions[KindPolite]) {
		t.Error("prompt missing tone instruction")
	}
	if !strings.Contains(prompt, "fix this garbage now") {
		t.Error("prompt missing message text")
	}
	if !strings.Contains(prompt, "Output ONLY the rewritten message text") {
		t.Error("prompt missing system policy")
	}
	// The message is fenced so instructions inside it are inert.
	if !strings.Contains(prompt, "\"\"\"\nfix this garbage now\n\"\"\"") {
		t.Error("message text not fenced")
	}
}
