// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package tone

import (
	"context"
	"errors"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/metrics"
)

// Generator is the external text-generation call. A single request/response;
// the gateway never retries it so total job latency stays bounded.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GatewayConfig holds gateway settings.
type GatewayConfig struct {
	// Timeout is the hard per-call deadline.
	Timeout time.Duration

	// Circuit breaker settings guarding the upstream call.
	BreakerFailureThreshold uint32
	BreakerInterval         time.Duration
	BreakerTimeout          time.Duration
}

// DefaultGatewayConfig returns production defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Timeout:                 10 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerInterval:         30 * time.Second,
		BreakerTimeout:          10 * time.Second,
	}
}

// Gateway wraps the generation call with a timeout, tone-specific
// instructions, and a circuit breaker. Convert never raises past its own
// boundary; every failure mode produces a Result with Success=false.
type Gateway struct {
	generator Generator
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker[string]
}

// NewGateway creates a tone gateway around the given generator.
func NewGateway(generator Generator, cfg GatewayConfig) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "tone-gateway",
		MaxRequests: 3,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("tone gateway circuit breaker state change")
		},
	}

	return &Gateway{
		generator: generator,
		timeout:   cfg.Timeout,
		breaker:   gobreaker.NewCircuitBreaker[string](settings),
	}
}

// Convert rewrites text to the requested tone. Fails closed on blank input,
// unknown tone, upstream timeout, upstream error, or an empty upstream
// response.
func (g *Gateway) Convert(ctx context.Context, text string, kind Kind) Result {
	if strings.TrimSpace(text) == "" {
		return failure(text, kind, "empty input")
	}
	if !kind.Valid() {
		return failure(text, kind, "unknown tone kind: "+string(kind))
	}

	start := time.Now()
	defer metrics.ObserveToneDuration(start)

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	converted, err := g.breaker.Execute(func() (string, error) {
		return g.generator.Generate(callCtx, BuildPrompt(text, kind))
	})
	if err != nil {
		metrics.ToneConversions.WithLabelValues(string(kind), "failure").Inc()
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			reason = "upstream timeout"
		}
		logging.Warn().
			Err(err).
			Str("tone", string(kind)).
			Msg("tone conversion failed, callers fall back to original text")
		return failure(text, kind, reason)
	}

	converted = strings.TrimSpace(converted)
	if converted == "" {
		metrics.ToneConversions.WithLabelValues(string(kind), "failure").Inc()
		return failure(text, kind, "empty response from upstream")
	}

	metrics.ToneConversions.WithLabelValues(string(kind), "success").Inc()
	return Result{
		Success:       true,
		ConvertedText: converted,
		OriginalText:  text,
		Tone:          kind,
	}
}
