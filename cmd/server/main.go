// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Command server runs the Courier messaging backend: the HTTP/WebSocket
// surface, the durable message pipeline, and their supporting stores, all
// under one supervision tree.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/courierchat/courier/internal/api"
	"github.com/courierchat/courier/internal/auth"
	"github.com/courierchat/courier/internal/config"
	"github.com/courierchat/courier/internal/fanout"
	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/notify"
	"github.com/courierchat/courier/internal/presence"
	"github.com/courierchat/courier/internal/queue"
	"github.com/courierchat/courier/internal/store"
	"github.com/courierchat/courier/internal/supervisor"
	"github.com/courierchat/courier/internal/tone"
	"github.com/courierchat/courier/internal/ws"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("starting courier server")

	// NATS substrate: embedded server for single-binary deployments,
	// external cluster otherwise.
	natsURL := cfg.NATS.URL
	var embedded *queue.EmbeddedServer
	if cfg.NATS.EmbeddedServer {
		embedded, err = queue.NewEmbeddedServer(&queue.ServerConfig{
			Host:              cfg.NATS.Host,
			Port:              cfg.NATS.Port,
			StoreDir:          cfg.NATS.StoreDir,
			JetStreamMaxMem:   cfg.NATS.MaxMemory,
			JetStreamMaxStore: cfg.NATS.MaxStore,
		})
		if err != nil {
			return fmt.Errorf("start embedded NATS server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Warn().Err(err).Msg("embedded NATS shutdown failed")
			}
		}()
		natsURL = embedded.ClientURL()
		logging.Info().Str("url", natsURL).Msg("embedded NATS server started")
	}

	nc, err := natsgo.Connect(natsURL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.NATS.MaxReconnects),
		natsgo.ReconnectWait(cfg.NATS.ReconnectWait),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	streamCfg := queue.DefaultStreamConfig()
	if cfg.NATS.StreamName != "" {
		streamCfg.Name = cfg.NATS.StreamName
	}
	if cfg.NATS.StreamMaxAge > 0 {
		streamCfg.MaxAge = cfg.NATS.StreamMaxAge
	}
	if cfg.NATS.StreamMaxBytes > 0 {
		streamCfg.MaxBytes = cfg.NATS.StreamMaxBytes
	}
	if cfg.NATS.DuplicateWindow > 0 {
		streamCfg.DuplicateWindow = cfg.NATS.DuplicateWindow
	}

	initializer, err := queue.NewStreamInitializer(js, &streamCfg)
	if err != nil {
		return fmt.Errorf("create stream initializer: %w", err)
	}
	stream, err := initializer.EnsureStream(ctx)
	if err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}
	info := stream.CachedInfo()
	logging.Info().
		Str("name", info.Config.Name).
		Strs("subjects", info.Config.Subjects).
		Msg("JetStream stream ready")

	// Stores.
	dbCtx, dbCancel := context.WithTimeout(ctx, cfg.Database.Timeout)
	pg, err := store.NewPostgres(dbCtx, cfg.Database.URL, cfg.Database.MaxConns)
	dbCancel()
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pg.Close()

	presenceStore, err := presence.NewBadgerStore(cfg.Presence.Path, cfg.Presence.TTL, nc)
	if err != nil {
		return fmt.Errorf("open presence store: %w", err)
	}
	defer presenceStore.Close()

	tracker, err := queue.NewTracker(queue.TrackerConfig{
		Path:               cfg.Queue.TrackerPath,
		CompletedRetention: cfg.Queue.CompletedRetention,
		FailedRetention:    cfg.Queue.FailedRetention,
	})
	if err != nil {
		return fmt.Errorf("open job tracker: %w", err)
	}
	defer tracker.Close()

	// Tone gateway.
	generator := tone.NewHTTPGenerator(tone.HTTPGeneratorConfig{
		Endpoint: cfg.Tone.Endpoint,
		APIKey:   cfg.Tone.APIKey,
		Model:    cfg.Tone.Model,
	})
	gateway := tone.NewGateway(generator, tone.GatewayConfig{
		Timeout:                 cfg.Tone.Timeout,
		BreakerFailureThreshold: cfg.Tone.BreakerFailureThreshold,
		BreakerInterval:         cfg.Tone.BreakerInterval,
		BreakerTimeout:          cfg.Tone.BreakerTimeout,
	})

	// Push notifications.
	var notifier notify.Sender = notify.Noop{}
	if cfg.Notify.Enabled {
		fcm, err := notify.NewFCM(ctx, notify.FCMConfig{
			CredentialsFile: cfg.Notify.CredentialsFile,
			ProjectID:       cfg.Notify.ProjectID,
		}, pg)
		if err != nil {
			return fmt.Errorf("init push notifications: %w", err)
		}
		notifier = fcm
		logging.Info().Str("project_id", cfg.Notify.ProjectID).Msg("push notifications enabled")
	}

	// Queue publisher and admission pipeline.
	wmLogger := logging.NewWatermillAdapter()
	publisher, err := queue.NewPublisher(queue.DefaultPublisherConfig(natsURL), wmLogger)
	if err != nil {
		return fmt.Errorf("create queue publisher: %w", err)
	}
	defer publisher.Close()

	pipeline := queue.NewPipeline(publisher, tracker, pg, queue.PipelineConfig{
		RatePerMinute: cfg.Server.MessageRatePerMinute,
	})

	broadcast := fanout.NewNATSPublisher(nc)

	// Worker processor and router.
	processor := queue.NewProcessor(gateway, pg, presenceStore, notifier, broadcast, tracker, queue.ProcessorConfig{
		PersistTimeout: cfg.Queue.PersistTimeout,
		NotifyTimeout:  cfg.Queue.NotifyTimeout,
	})

	routerCfg := queue.RouterConfig{
		CloseTimeout:     cfg.Queue.CloseTimeout,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		RetryBaseDelay:   cfg.Queue.RetryBaseDelay,
		PoisonQueueTopic: queue.SubjectDLQ,
	}
	router, err := queue.NewRouter(&routerCfg, publisher.WatermillPublisher(), wmLogger)
	if err != nil {
		return fmt.Errorf("create worker router: %w", err)
	}

	subscriberFor := func(suffix string, concurrency int) (*queue.Subscriber, error) {
		return queue.NewSubscriber(&queue.SubscriberConfig{
			URL:              natsURL,
			DurableName:      cfg.Queue.DurableName + suffix,
			QueueGroup:       cfg.Queue.QueueGroup + suffix,
			SubscribersCount: concurrency,
			AckWaitTimeout:   cfg.Queue.AckWait,
			MaxDeliver:       cfg.Queue.MaxAttempts,
			MaxAckPending:    cfg.Queue.Workers * 4,
			CloseTimeout:     cfg.Queue.CloseTimeout,
			MaxReconnects:    cfg.NATS.MaxReconnects,
			ReconnectWait:    cfg.NATS.ReconnectWait,
			StreamName:       streamCfg.Name,
		}, wmLogger)
	}

	// Tone jobs get a dedicated consumer pool so they drain ahead of plain
	// sends when workers are contended.
	toneSub, err := subscriberFor("-tone", cfg.Queue.Workers)
	if err != nil {
		return fmt.Errorf("create tone subscriber: %w", err)
	}
	defer toneSub.Close()

	plainSub, err := subscriberFor("-plain", cfg.Queue.Workers)
	if err != nil {
		return fmt.Errorf("create plain subscriber: %w", err)
	}
	defer plainSub.Close()

	dlqSub, err := subscriberFor("-dlq", 1)
	if err != nil {
		return fmt.Errorf("create dlq subscriber: %w", err)
	}
	defer dlqSub.Close()

	dlqConsumer := queue.NewDLQConsumer(tracker, broadcast)

	router.AddConsumerHandler("tone-worker", queue.SubjectTone, toneSub, processor.Handle)
	router.AddConsumerHandler("plain-worker", queue.SubjectPlain, plainSub, processor.Handle)
	router.AddConsumerHandler("dlq-consumer", queue.SubjectDLQ, dlqSub, dlqConsumer.Handle)

	// Real-time layer.
	hub := ws.NewHub(presenceStore)
	bridge := ws.NewBridge(nc, hub)

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("create token verifier: %w", err)
	}

	wsDeps := ws.Deps{
		Pipeline:  pipeline,
		Presence:  presenceStore,
		Messages:  pg,
		Broadcast: broadcast,
	}
	wsHandler := ws.NewHandler(hub, verifier, wsDeps)

	// HTTP surface.
	apiHandler := api.NewHandler(api.HandlerDeps{
		Pipeline:      pipeline,
		Jobs:          pipeline,
		Messages:      pg,
		Conversations: pg,
		Presence:      presenceStore,
		Tokens:        pg,
		Broadcast:     broadcast,
	})
	apiRouter := api.NewRouter(apiHandler, verifier, wsHandler, func() bool {
		return nc.IsConnected() && initializer.IsHealthy(context.Background())
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           apiRouter.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Supervision tree.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddMessagingService(supervisor.NewRunService("ws-hub", hub.Run))
	tree.AddMessagingService(supervisor.NewRunService("ws-bridge", bridge.Serve))
	tree.AddMessagingService(supervisor.NewRunService("queue-router", router.Serve))
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, cfg.Server.Timeout))

	logging.Info().
		Str("addr", httpServer.Addr).
		Int("workers", cfg.Queue.Workers).
		Msg("courier server ready")

	err = tree.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor tree: %w", err)
	}

	if unstopped, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop before timeout")
		}
	}

	logging.Info().Msg("courier server stopped")
	return nil
}
