// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package api

import (
	"context"
	"net/http"

	"github.com/courierchat/courier/internal/auth"
	"github.com/courierchat/courier/internal/logging"
)

type contextKey string

const subjectKey contextKey = "auth-subject"

// Authenticate verifies the bearer token and stores the authenticated
// subject in the request context. Requests without valid credentials never
// reach the wrapped handler.
func Authenticate(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.ExtractBearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing credentials")
				return
			}

			subject, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				logging.Debug().Err(err).Str("path", r.URL.Path).Msg("request auth rejected")
				writeError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFrom returns the authenticated subject stored by Authenticate.
func SubjectFrom(ctx context.Context) (*auth.Subject, bool) {
	subject, ok := ctx.Value(subjectKey).(*auth.Subject)
	return subject, ok
}
