// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Package auth verifies bearer tokens issued by the external identity
// provider. Both the WebSocket gateway and the HTTP API authenticate through
// the Verifier interface; nothing downstream sees raw tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for token verification failures.
var (
	ErrNoCredentials      = errors.New("no credentials provided")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrExpiredCredentials = errors.New("expired credentials")
)

// Subject identifies the authenticated principal.
type Subject struct {
	// UserID is the provider's subject identifier.
	UserID string
}

// Verifier validates a bearer token and resolves its subject.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (*Subject, error)
}

// JWTVerifier validates HS256-signed tokens from the identity provider.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier with the shared signing secret.
// issuer is enforced against the iss claim when non-empty.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret required")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}, nil
}

// VerifyToken parses and validates the token, returning the subject.
func (v *JWTVerifier) VerifyToken(ctx context.Context, token string) (*Subject, error) {
	if token == "" {
		return nil, ErrNoCredentials
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredCredentials
		}
		return nil, ErrInvalidCredentials
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidCredentials
	}

	return &Subject{UserID: claims.Subject}, nil
}

// ExtractBearerToken pulls the bearer token from an HTTP request's
// Authorization header, falling back to the access_token query parameter
// (browsers cannot set headers on WebSocket upgrade requests).
func ExtractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token
			}
		}
	}
	return r.URL.Query().Get("access_token")
}
