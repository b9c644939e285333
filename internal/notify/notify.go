// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Package notify delivers best-effort push notifications to a user's
// registered devices. Delivery failures are logged, never propagated; the
// message pipeline's retry contract does not cover notifications.
package notify

import (
	"context"
)

// Sender delivers an out-of-band push notification to one user.
type Sender interface {
	// SendToUser pushes to every registered device of the user.
	// Best-effort: no return value, failures are logged internally.
	SendToUser(ctx context.Context, userID, title, body string, data map[string]string)
}

// Noop is a Sender that drops everything. Used when push delivery is
// disabled in configuration.
type Noop struct{}

// SendToUser does nothing.
func (Noop) SendToUser(ctx context.Context, userID, title, body string, data map[string]string) {}
