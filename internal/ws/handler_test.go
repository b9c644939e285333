// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/courierchat/courier/internal/auth"
)

type fakeVerifier struct {
	userID string
	err    error
}

func (f *fakeVerifier) VerifyToken(ctx context.Context, token string) (*auth.Subject, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Subject{UserID: f.userID}, nil
}

func TestHandlerRejectsMissingCredentials(t *testing.T) {
	hub := startHub(t, nil)
	handler := NewHandler(hub, &fakeVerifier{userID: "alice"}, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandlerRejectsInvalidToken(t *testing.T) {
	hub := startHub(t, nil)
	handler := NewHandler(hub, &fakeVerifier{err: auth.ErrInvalidCredentials}, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/ws?access_token=bad", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d, rejected request must not register", hub.ClientCount())
	}
}

func TestHandlerRejectsPlainHTTPAfterAuth(t *testing.T) {
	// Valid credentials but no upgrade headers: the handshake fails and no
	// client is registered.
	hub := startHub(t, nil)
	handler := NewHandler(hub, &fakeVerifier{userID: "alice"}, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/ws?access_token=good", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code == http.StatusSwitchingProtocols {
		t.Error("plain HTTP request must not upgrade")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d, failed upgrade must not register", hub.ClientCount())
	}
}
