// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mobiletoly/go-budgetsync/budget"
)

// Conflict records a job the remote rejected permanently. The job itself is
// gone from the queue; the conflict keeps what was attempted and why it failed.
type Conflict struct {
	ID            int64             `json:"id"`
	JobID         int64             `json:"jobId"`
	EntityID      string            `json:"entityId"`
	EntityType    budget.EntityType `json:"entityType"`
	OperationType budget.Operation  `json:"operationType"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Reason        string            `json:"reason"`
	DetectedAt    time.Time         `json:"detectedAt"`
}

// ListConflicts returns recorded conflicts, oldest first.
func (s *Store) ListConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, jobId, entityId, entityType, operationType, payload, reason, detectedAt
		FROM sync_conflicts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	out := make([]Conflict, 0)
	for rows.Next() {
		var (
			c          Conflict
			entityType string
			op         string
			payload    sql.NullString
			detectedAt string
		)
		if err := rows.Scan(&c.ID, &c.JobID, &c.EntityID, &entityType, &op, &payload, &c.Reason, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.EntityType = budget.EntityType(entityType)
		c.OperationType = budget.Operation(op)
		if payload.Valid {
			c.Payload = json.RawMessage(payload.String)
		}
		c.DetectedAt = parseSQLiteTime(detectedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DismissConflict deletes a conflict once the user has seen it.
func (s *Store) DismissConflict(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sync_conflicts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to dismiss conflict %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conflict %d: %w", id, ErrNotFound)
	}
	return nil
}

func recordConflictTx(ctx context.Context, tx *sql.Tx, job SyncJob, reason string) (Conflict, error) {
	c := Conflict{
		JobID:         job.ID,
		EntityID:      job.EntityID,
		EntityType:    job.EntityType,
		OperationType: job.OperationType,
		Payload:       job.Payload,
		Reason:        reason,
	}
	var payload any
	if len(job.Payload) > 0 {
		payload = string(job.Payload)
	}
	var detectedAt string
	err := tx.QueryRowContext(ctx, `INSERT INTO sync_conflicts (jobId, entityId, entityType, operationType, payload, reason)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id, detectedAt`,
		job.ID, job.EntityID, string(job.EntityType), string(job.OperationType), payload, reason).Scan(&c.ID, &detectedAt)
	if err != nil {
		return Conflict{}, fmt.Errorf("failed to record conflict for job %d: %w", job.ID, err)
	}
	c.DetectedAt = parseSQLiteTime(detectedAt)
	return c, nil
}
