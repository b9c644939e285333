// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/metrics"
	"github.com/courierchat/courier/internal/store"
)

// FCMConfig holds Firebase Cloud Messaging settings.
type FCMConfig struct {
	CredentialsFile string
	ProjectID       string
}

// FCM sends multicast push notifications through Firebase Cloud Messaging.
// Tokens rejected by FCM are pruned from the token store so dead devices
// don't accumulate.
type FCM struct {
	client *messaging.Client
	tokens store.TokenStore
}

// NewFCM initializes the Firebase app and messaging client.
func NewFCM(ctx context.Context, cfg FCMConfig, tokens store.TokenStore) (*FCM, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}

	return &FCM{client: client, tokens: tokens}, nil
}

// SendToUser pushes to every registered device of the user. Best-effort:
// failures are logged and invalid tokens pruned, nothing is returned.
func (f *FCM) SendToUser(ctx context.Context, userID, title, body string, data map[string]string) {
	tokens, err := f.tokens.TokensForUser(ctx, userID)
	if err != nil {
		metrics.NotificationsSent.WithLabelValues("failed").Inc()
		logging.Warn().Err(err).Str("user_id", userID).Msg("load device tokens failed")
		return
	}
	if len(tokens) == 0 {
		metrics.NotificationsSent.WithLabelValues("skipped").Inc()
		logging.Debug().Str("user_id", userID).Msg("no device tokens registered")
		return
	}

	msg := &messaging.MulticastMessage{
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data:   data,
		Tokens: tokens,
	}

	resp, err := f.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		metrics.NotificationsSent.WithLabelValues("failed").Inc()
		logging.Warn().Err(err).Str("user_id", userID).Msg("push notification send failed")
		return
	}

	metrics.NotificationsSent.WithLabelValues("sent").Inc()
	logging.Info().
		Str("user_id", userID).
		Int("success", resp.SuccessCount).
		Int("failure", resp.FailureCount).
		Msg("push notifications sent")

	if resp.FailureCount > 0 {
		var failed []string
		for i, r := range resp.Responses {
			if !r.Success {
				failed = append(failed, tokens[i])
			}
		}
		if err := f.tokens.RemoveTokens(ctx, userID, failed); err != nil {
			logging.Warn().Err(err).Str("user_id", userID).Msg("prune invalid tokens failed")
		}
	}
}
