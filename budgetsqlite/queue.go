// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-budgetsync/budget"
)

// SyncJob is one pending remote mutation. ID is assigned by the queue and is
// strictly increasing, which gives the replay order.
type SyncJob struct {
	ID            int64             `json:"id"`
	EntityID      string            `json:"entityId"`
	EntityType    budget.EntityType `json:"entityType"`
	OperationType budget.Operation  `json:"operationType"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueuedAt"`
}

// Queue is the durable FIFO of sync jobs stored in sync_jobs.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger

	hookMu    sync.RWMutex
	onEnqueue func()
}

// OnEnqueue registers fn to be called after every committed enqueue.
// fn must not block; Replayer.Notify fits.
func (q *Queue) OnEnqueue(fn func()) {
	q.hookMu.Lock()
	q.onEnqueue = fn
	q.hookMu.Unlock()
}

func (q *Queue) notify() {
	q.hookMu.RLock()
	fn := q.onEnqueue
	q.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Enqueue durably appends a job and returns it with its assigned id.
// Create and Update need a payload that decodes as entityType; Delete must have none.
func (q *Queue) Enqueue(ctx context.Context, entityID string, entityType budget.EntityType, op budget.Operation, payload json.RawMessage) (SyncJob, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncJob{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := enqueueTx(ctx, tx, entityID, entityType, op, payload)
	if err != nil {
		return SyncJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return SyncJob{}, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	q.logger.Debug("sync job enqueued",
		"job_id", job.ID, "entity_type", job.EntityType, "entity_id", job.EntityID, "op", job.OperationType)
	q.notify()
	return job, nil
}

// ListPending returns every queued job in ascending id order.
func (q *Queue) ListPending(ctx context.Context) ([]SyncJob, error) {
	return q.query(ctx, `SELECT id, entityId, entityType, operationType, payload, enqueuedAt
		FROM sync_jobs ORDER BY id`)
}

// PendingFor returns the queued jobs of one entity in ascending id order.
func (q *Queue) PendingFor(ctx context.Context, entityType budget.EntityType, entityID string) ([]SyncJob, error) {
	return q.query(ctx, `SELECT id, entityId, entityType, operationType, payload, enqueuedAt
		FROM sync_jobs WHERE entityType = ? AND entityId = ? ORDER BY id`, string(entityType), entityID)
}

// Count returns the number of queued jobs.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync jobs: %w", err)
	}
	return n, nil
}

// Remove deletes exactly the job with job.ID. Removing an already removed job
// returns ErrNotFound.
func (q *Queue) Remove(ctx context.Context, job SyncJob) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = ?`, job.ID)
	if err != nil {
		return fmt.Errorf("failed to remove sync job %d: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync job %d: %w", job.ID, ErrNotFound)
	}
	return nil
}

func (q *Queue) query(ctx context.Context, query string, args ...any) ([]SyncJob, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]SyncJob, 0)
	for rows.Next() {
		var (
			job        SyncJob
			entityType string
			op         string
			payload    sql.NullString
			enqueuedAt string
		)
		if err := rows.Scan(&job.ID, &job.EntityID, &entityType, &op, &payload, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		job.EntityType = budget.EntityType(entityType)
		if job.OperationType, err = budget.ParseOperation(op); err != nil {
			return nil, fmt.Errorf("sync job %d: %w", job.ID, err)
		}
		if payload.Valid {
			job.Payload = json.RawMessage(payload.String)
		}
		job.EnqueuedAt = parseSQLiteTime(enqueuedAt)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// enqueueTx validates and inserts a job inside tx.
func enqueueTx(ctx context.Context, tx *sql.Tx, entityID string, entityType budget.EntityType, op budget.Operation, payload json.RawMessage) (SyncJob, error) {
	if err := validateJob(entityID, entityType, op, payload); err != nil {
		return SyncJob{}, err
	}

	var stored any
	if op.RequiresPayload() {
		stored = string(bytes.TrimSpace(payload))
	}
	job := SyncJob{
		EntityID:      entityID,
		EntityType:    entityType,
		OperationType: op,
	}
	var enqueuedAt string
	err := tx.QueryRowContext(ctx, `INSERT INTO sync_jobs (entityId, entityType, operationType, payload)
		VALUES (?, ?, ?, ?) RETURNING id, enqueuedAt`,
		entityID, string(entityType), string(op), stored).Scan(&job.ID, &enqueuedAt)
	if err != nil {
		return SyncJob{}, fmt.Errorf("failed to insert sync job: %w", err)
	}
	job.EnqueuedAt = parseSQLiteTime(enqueuedAt)
	if s, ok := stored.(string); ok {
		job.Payload = json.RawMessage(s)
	}
	return job, nil
}

func validateJob(entityID string, entityType budget.EntityType, op budget.Operation, payload json.RawMessage) error {
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if !entityType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	if !op.Valid() {
		return fmt.Errorf("unknown operation %q", op)
	}

	empty := isEmptyPayload(payload)
	if !op.RequiresPayload() {
		if !empty {
			return fmt.Errorf("%s %s %s: %w", op, entityType, entityID, ErrPayloadNotAllowed)
		}
		return nil
	}
	if empty {
		return fmt.Errorf("%s %s %s: %w", op, entityType, entityID, ErrPayloadRequired)
	}
	if _, err := budget.DecodePayloadFor(entityType, entityID, payload); err != nil {
		return err
	}
	return nil
}

func isEmptyPayload(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func parseSQLiteTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.999Z07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
