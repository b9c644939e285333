// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Package metrics exposes Prometheus collectors for the message pipeline,
// tone gateway, fan-out layer, and presence store.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_jobs_enqueued_total",
			Help: "Total message jobs admitted to the queue",
		},
		[]string{"priority"}, // tone, plain
	)

	JobsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_jobs_processed_total",
			Help: "Total message jobs processed successfully",
		},
	)

	JobsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_jobs_failed_total",
			Help: "Total message job attempts that ended in error",
		},
	)

	JobsPoisoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_jobs_poisoned_total",
			Help: "Total message jobs routed to the dead letter queue",
		},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_job_duration_seconds",
			Help:    "End-to-end processing duration of a message job",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Tone gateway metrics
	ToneConversions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_tone_conversions_total",
			Help: "Total tone conversion attempts by tone and outcome",
		},
		[]string{"tone", "outcome"}, // outcome: success, failure
	)

	ToneDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_tone_duration_seconds",
			Help:    "Duration of tone transform calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// Fan-out metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_ws_connections",
			Help: "Currently connected WebSocket clients",
		},
	)

	WSBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_ws_broadcasts_total",
			Help: "Total events broadcast to WebSocket channels",
		},
		[]string{"event"},
	)

	WSDroppedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_ws_dropped_messages_total",
			Help: "Messages dropped because a client send buffer was full",
		},
	)

	// NATS metrics
	NATSPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_nats_publishes_total",
			Help: "Total messages published to NATS by subject class",
		},
		[]string{"class"}, // queue, fanout, presence
	)

	// Presence metrics
	PresenceOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_presence_ops_total",
			Help: "Presence store operations",
		},
		[]string{"op"}, // set_online, set_offline, heartbeat, status, bulk_status
	)

	// Notification metrics
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_total",
			Help: "Push notification attempts by outcome",
		},
		[]string{"outcome"}, // sent, failed, skipped
	)
)

// ObserveJobDuration records the total processing duration of one job.
func ObserveJobDuration(start time.Time) {
	JobDuration.Observe(time.Since(start).Seconds())
}

// ObserveToneDuration records the duration of one tone transform call.
func ObserveToneDuration(start time.Time) {
	ToneDuration.Observe(time.Since(start).Seconds())
}
