// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package tone

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestHTTPGeneratorGenerate(t *testing.T) {
	var gotPath, gotKey string
	var gotReq generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": "Rewritten text."}}}},
			},
		})
	}))
	defer srv.Close()

	gen := NewHTTPGenerator(HTTPGeneratorConfig{
		Endpoint: srv.URL,
		APIKey:   "key-123",
		Model:    "gemini-flash-latest",
	})

	out, err := gen.Generate(context.Background(), "rewrite this")
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if out != "Rewritten text." {
		t.Errorf("Generate() = %q", out)
	}
	if gotPath != "/v1beta/models/gemini-flash-latest:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "key-123" {
		t.Errorf("api key header = %q", gotKey)
	}
	if len(gotReq.Contents) != 1 || len(gotReq.Contents[0].Parts) != 1 || gotReq.Contents[0].Parts[0].Text != "rewrite this" {
		t.Errorf("request body = %+v", gotReq)
	}
}

func TestHTTPGeneratorErrorResponses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{
			name:    "http error status",
			status:  http.StatusTooManyRequests,
			body:    `{"error":{"code":429,"message":"quota exceeded"}}`,
			wantErr: "status 429",
		},
		{
			name:    "upstream error object",
			status:  http.StatusOK,
			body:    `{"error":{"code":400,"message":"invalid model"}}`,
			wantErr: "invalid model",
		},
		{
			name:    "no candidates",
			status:  http.StatusOK,
			body:    `{"candidates":[]}`,
			wantErr: "no candidates",
		},
		{
			name:    "garbage body",
			status:  http.StatusOK,
			body:    `{{{`,
			wantErr: "unmarshal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			gen := NewHTTPGenerator(HTTPGeneratorConfig{Endpoint: srv.URL, Model: "m"})

			_, err := gen.Generate(context.Background(), "hello")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Generate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPGeneratorContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	gen := NewHTTPGenerator(HTTPGeneratorConfig{Endpoint: srv.URL, Model: "m"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := gen.Generate(ctx, "hello"); err == nil {
		t.Error("Generate() = nil, want error on cancelled context")
	}
}
