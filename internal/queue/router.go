// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

// RouterConfig holds retry and dead-letter settings for the worker router.
type RouterConfig struct {
	CloseTimeout time.Duration

	// MaxAttempts is the total delivery budget per job, first attempt
	// included.
	MaxAttempts int

	// RetryBaseDelay is the first backoff interval; each subsequent retry
	// doubles it.
	RetryBaseDelay time.Duration

	// PoisonQueueTopic receives jobs that exhausted their attempts.
	PoisonQueueTopic string
}

// DefaultRouterConfig returns production defaults: three attempts with a
// two second base delay, doubling per retry.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:     30 * time.Second,
		MaxAttempts:      3,
		RetryBaseDelay:   2 * time.Second,
		PoisonQueueTopic: SubjectDLQ,
	}
}

// Router runs the worker handlers under a shared middleware chain:
// panic recovery, exponential backoff retry, and poison queue routing.
type Router struct {
	router *message.Router
	config RouterConfig
	logger watermill.LoggerAdapter
}

// NewRouter creates the worker router. poisonPublisher carries exhausted
// jobs to the dead letter subject; it must publish to the same stream the
// jobs came from.
func NewRouter(cfg *RouterConfig, poisonPublisher message.Publisher, logger watermill.LoggerAdapter) (*Router, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	if cfg == nil {
		defaultCfg := DefaultRouterConfig()
		cfg = &defaultCfg
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	r := &Router{
		router: wmRouter,
		config: *cfg,
		logger: logger,
	}

	// Middleware runs outer to inner: recover panics first so they count
	// as failed attempts, then retry, then poison-queue what remains.
	wmRouter.AddMiddleware(middleware.Recoverer)

	retryMiddleware := middleware.Retry{
		MaxRetries:      cfg.MaxAttempts - 1,
		InitialInterval: cfg.RetryBaseDelay,
		MaxInterval:     cfg.RetryBaseDelay * 16,
		Multiplier:      2.0,
		Logger:          logger,
	}
	wmRouter.AddMiddleware(retryMiddleware.Middleware)

	if poisonPublisher != nil && cfg.PoisonQueueTopic != "" {
		poisonQueue, err := middleware.PoisonQueue(poisonPublisher, cfg.PoisonQueueTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		wmRouter.AddMiddleware(poisonQueue)
	}

	return r, nil
}

// AddConsumerHandler registers a handler that consumes without publishing.
func (r *Router) AddConsumerHandler(
	name string,
	subscribeTopic string,
	subscriber message.Subscriber,
	handler message.NoPublishHandlerFunc,
) {
	r.router.AddConsumerHandler(name, subscribeTopic, subscriber, handler)
}

// Serve runs the router until context cancellation. Suture-compatible.
func (r *Router) Serve(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running returns a channel that closes once the router is running.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close gracefully stops the router, waiting up to CloseTimeout for
// in-flight jobs.
func (r *Router) Close() error {
	return r.router.Close()
}
