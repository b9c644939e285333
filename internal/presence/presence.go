// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Package presence tracks whether users are online. A user is online while a
// TTL'd record exists for them; heartbeats slide the TTL forward and absence
// of a live record is definitionally offline. State transitions are published
// on NATS so horizontally scaled hub instances converge on the same view.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/metrics"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusSubject is the NATS subject carrying presence transitions.
const StatusSubject = "presence.status"

const keyPrefix = "presence:"

// StatusChange is the transition event published to other instances.
type StatusChange struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"` // unix millis
}

// StatusPublisher carries presence transitions to other instances.
// *nats.Conn satisfies it.
type StatusPublisher interface {
	Publish(subject string, data []byte) error
}

// Store tracks user presence with a sliding TTL.
type Store interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Heartbeat(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (string, error)
	// BulkStatus resolves many users in a single store round trip.
	BulkStatus(ctx context.Context, userIDs []string) (map[string]string, error)
}

// BadgerStore implements Store on BadgerDB TTL entries, publishing
// transitions to NATS. The publisher may be nil in tests; transitions are
// then local only.
type BadgerStore struct {
	db  *badger.DB
	pub StatusPublisher
	ttl time.Duration
}

// NewBadgerStore opens the presence database at path.
func NewBadgerStore(path string, ttl time.Duration, pub StatusPublisher) (*BadgerStore, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open presence store: %w", err)
	}

	return &BadgerStore{db: db, pub: pub, ttl: ttl}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// SetOnline marks the user online with a fresh TTL and publishes the
// transition.
func (s *BadgerStore) SetOnline(ctx context.Context, userID string) error {
	metrics.PresenceOps.WithLabelValues("set_online").Inc()

	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(keyPrefix+userID), []byte(StatusOnline)).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}

	s.publish(userID, StatusOnline)
	return nil
}

// SetOffline clears the user's record and publishes the transition.
func (s *BadgerStore) SetOffline(ctx context.Context, userID string) error {
	metrics.PresenceOps.WithLabelValues("set_offline").Inc()

	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(keyPrefix + userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("set offline: %w", err)
	}

	s.publish(userID, StatusOffline)
	return nil
}

// Heartbeat slides the TTL forward and republishes the online status so
// clients on every instance see the user stay online. Badger has no in-place
// expiry refresh, so the entry is rewritten with a new TTL.
func (s *BadgerStore) Heartbeat(ctx context.Context, userID string) error {
	metrics.PresenceOps.WithLabelValues("heartbeat").Inc()

	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(keyPrefix+userID), []byte(StatusOnline)).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	s.publish(userID, StatusOnline)
	return nil
}

// Status returns online while a live record exists, offline otherwise.
// Expired entries read as absent, so a user whose heartbeats stopped flips
// to offline without an explicit SetOffline call.
func (s *BadgerStore) Status(ctx context.Context, userID string) (string, error) {
	metrics.PresenceOps.WithLabelValues("status").Inc()

	status := StatusOffline
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyPrefix + userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		status = StatusOnline
		return nil
	})
	if err != nil {
		return StatusOffline, fmt.Errorf("get status: %w", err)
	}
	return status, nil
}

// BulkStatus resolves all users in one View transaction.
func (s *BadgerStore) BulkStatus(ctx context.Context, userIDs []string) (map[string]string, error) {
	metrics.PresenceOps.WithLabelValues("bulk_status").Inc()

	result := make(map[string]string, len(userIDs))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range userIDs {
			_, err := txn.Get([]byte(keyPrefix + id))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				result[id] = StatusOffline
			case err != nil:
				return err
			default:
				result[id] = StatusOnline
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bulk status: %w", err)
	}
	return result, nil
}

// publish broadcasts the transition to other instances. Best-effort: a
// publish failure degrades cross-instance convergence, not correctness.
func (s *BadgerStore) publish(userID, status string) {
	if s.pub == nil {
		return
	}

	data, err := json.Marshal(StatusChange{
		UserID:   userID,
		Status:   status,
		LastSeen: time.Now().UnixMilli(),
	})
	if err != nil {
		logging.Warn().Err(err).Msg("marshal presence transition failed")
		return
	}

	if err := s.pub.Publish(StatusSubject, data); err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("publish presence transition failed")
		return
	}
	metrics.NATSPublishes.WithLabelValues("presence").Inc()
}
