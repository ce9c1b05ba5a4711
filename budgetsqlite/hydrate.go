// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mobiletoly/go-budgetsync/budget"
)

// querier is the read side shared by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Hydrate replaces the local snapshot with the remote's state, kind by kind.
// Rows with queued jobs keep their local version: those edits have not reached
// the remote yet and would otherwise be lost. Returns the rows written per kind.
//
// Each kind is fetched before its transaction opens, so no SQLite lock is held
// across a network call. Entities pending when the fetch starts are kept too,
// since a concurrent replay may confirm them after the remote listed its state.
// Use Replayer.Hydrate to keep replay passes out entirely.
func (s *Store) Hydrate(ctx context.Context, remote Remote) (map[budget.EntityType]int, error) {
	written := make(map[budget.EntityType]int, len(budget.EntityTypes))
	for _, kind := range budget.EntityTypes {
		before, err := pendingIDs(ctx, s.DB, kind)
		if err != nil {
			return written, err
		}
		items, err := remote.List(ctx, kind)
		if err != nil {
			return written, fmt.Errorf("failed to list remote %s: %w", kind, err)
		}
		n, err := s.replaceKind(ctx, kind, items, before)
		if err != nil {
			return written, err
		}
		written[kind] = n
		s.logger.Debug("hydrated entity kind", "entity_type", kind, "rows", n)
	}
	s.logger.Info("hydration complete")
	return written, nil
}

// Hydrate runs Store.Hydrate against the replayer's remote while no replay
// pass is in flight.
func (r *Replayer) Hydrate(ctx context.Context) (map[budget.EntityType]int, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()
	return r.store.Hydrate(ctx, r.remote)
}

func pendingIDs(ctx context.Context, q querier, kind budget.EntityType) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT entityId FROM sync_jobs WHERE entityType = ?`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending %s jobs: %w", kind, err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pending job: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func (s *Store) replaceKind(ctx context.Context, kind budget.EntityType, items []budget.Entity, keep map[string]bool) (int, error) {
	table, err := s.table(kind)
	if err != nil {
		return 0, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pending, err := pendingIDs(ctx, tx, kind)
	if err != nil {
		return 0, err
	}
	for id := range keep {
		pending[id] = true
	}

	if err := table.clearExceptTx(ctx, tx, pending); err != nil {
		return 0, err
	}

	n := 0
	for _, e := range items {
		if e == nil || e.EntityType() != kind || pending[e.EntityID()] {
			continue
		}
		if err := table.upsertEntityTx(ctx, tx, e); err != nil {
			return 0, err
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit %s hydration: %w", kind, err)
	}
	return n, nil
}
