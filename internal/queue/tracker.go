// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Job lifecycle states.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Progress milestones reported while a worker processes a job.
const (
	ProgressToneApplied = 30
	ProgressPersisted   = 60
	ProgressBroadcast   = 85
	ProgressDone        = 100
)

// ErrJobNotFound is returned when a job record has expired or never existed.
var ErrJobNotFound = errors.New("job not found")

const trackerKeyPrefix = "job:"

// JobRecord is the queryable lifecycle state of one job.
type JobRecord struct {
	JobID      string `json:"job_id"`
	State      string `json:"state"`
	Progress   int    `json:"progress"`
	MessageID  string `json:"message_id,omitempty"`
	Error      string `json:"error,omitempty"`
	EnqueuedAt int64  `json:"enqueued_at"` // unix millis
	UpdatedAt  int64  `json:"updated_at"`  // unix millis
}

// TrackerConfig holds retention settings for job records.
type TrackerConfig struct {
	Path string

	// CompletedRetention bounds how long completed records stay queryable.
	CompletedRetention time.Duration

	// FailedRetention keeps failed records longer for postmortems.
	FailedRetention time.Duration
}

// DefaultTrackerConfig returns production retention defaults.
func DefaultTrackerConfig(path string) TrackerConfig {
	return TrackerConfig{
		Path:               path,
		CompletedRetention: time.Hour,
		FailedRetention:    24 * time.Hour,
	}
}

// Tracker records job lifecycle transitions in BadgerDB with per-state TTL.
// Durability of the job itself lives in JetStream; the tracker only answers
// "what happened to job X" for status queries and never gates processing.
type Tracker struct {
	db  *badger.DB
	cfg TrackerConfig
}

// NewTracker opens the tracker database at cfg.Path.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = time.Hour
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = 24 * time.Hour
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open job tracker: %w", err)
	}
	return &Tracker{db: db, cfg: cfg}, nil
}

// Close closes the underlying database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// MarkWaiting records a freshly enqueued job.
func (t *Tracker) MarkWaiting(ctx context.Context, jobID string, enqueuedAt time.Time) error {
	return t.put(JobRecord{
		JobID:      jobID,
		State:      StateWaiting,
		EnqueuedAt: enqueuedAt.UnixMilli(),
	}, t.cfg.FailedRetention)
}

// MarkActive records that a worker picked the job up.
func (t *Tracker) MarkActive(ctx context.Context, jobID string) error {
	return t.transition(jobID, func(rec *JobRecord) {
		rec.State = StateActive
		rec.Progress = 0
	}, t.cfg.FailedRetention)
}

// SetProgress updates the progress milestone of an active job.
func (t *Tracker) SetProgress(ctx context.Context, jobID string, progress int) error {
	return t.transition(jobID, func(rec *JobRecord) {
		rec.Progress = progress
	}, t.cfg.FailedRetention)
}

// MarkCompleted finalizes a successful job with the persisted message id.
// The record's TTL drops to the completed retention window.
func (t *Tracker) MarkCompleted(ctx context.Context, jobID, messageID string) error {
	return t.transition(jobID, func(rec *JobRecord) {
		rec.State = StateCompleted
		rec.Progress = ProgressDone
		rec.MessageID = messageID
		rec.Error = ""
	}, t.cfg.CompletedRetention)
}

// MarkFailed finalizes a dead-lettered job with its terminal error.
func (t *Tracker) MarkFailed(ctx context.Context, jobID, reason string) error {
	return t.transition(jobID, func(rec *JobRecord) {
		rec.State = StateFailed
		rec.Error = reason
	}, t.cfg.FailedRetention)
}

// Get returns the lifecycle record for a job, or ErrJobNotFound once the
// record has aged out.
func (t *Tracker) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	var rec JobRecord
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(trackerKeyPrefix + jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get job record: %w", err)
	}
	return &rec, nil
}

// transition rewrites the record through fn, preserving fields the
// transition doesn't touch. Missing records are recreated rather than
// erroring: a tracker wipe must never stall the pipeline.
func (t *Tracker) transition(jobID string, fn func(*JobRecord), ttl time.Duration) error {
	return t.db.Update(func(txn *badger.Txn) error {
		rec := JobRecord{JobID: jobID}

		item, err := txn.Get([]byte(trackerKeyPrefix + jobID))
		if err == nil {
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); verr != nil {
				return verr
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		fn(&rec)
		rec.UpdatedAt = time.Now().UnixMilli()

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		entry := badger.NewEntry([]byte(trackerKeyPrefix+jobID), data).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

func (t *Tracker) put(rec JobRecord, ttl time.Duration) error {
	rec.UpdatedAt = time.Now().UnixMilli()
	return t.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		entry := badger.NewEntry([]byte(trackerKeyPrefix+rec.JobID), data).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}
