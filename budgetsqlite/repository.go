// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mobiletoly/go-budgetsync/budget"
)

// tableSpec maps one entity kind onto its snapshot table.
type tableSpec[T budget.Entity] struct {
	kind    budget.EntityType
	table   string
	columns []string      // projection columns, excluding id and payload
	values  func(T) []any // values for columns, same order
	orderBy string
}

// snapshotTable is the kind-erased view of a Repository used by replay and hydration.
type snapshotTable interface {
	entityType() budget.EntityType
	upsertEntityTx(ctx context.Context, tx *sql.Tx, e budget.Entity) error
	deleteTx(ctx context.Context, tx *sql.Tx, id string) error
	clearTx(ctx context.Context, tx *sql.Tx) error
	clearExceptTx(ctx context.Context, tx *sql.Tx, keep map[string]bool) error
	count(ctx context.Context) (int, error)
}

// Repository is the per-kind snapshot access layer. GetAll, SaveAll, DeleteByID
// and ClearAll touch only the snapshot; Create, Update and Delete also enqueue
// the matching sync job in the same transaction.
type Repository[T budget.Entity] struct {
	store     *Store
	spec      tableSpec[T]
	upsertSQL string
}

func newRepository[T budget.Entity](s *Store, spec tableSpec[T]) *Repository[T] {
	cols := append([]string{"id"}, spec.columns...)
	cols = append(cols, "payload")

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return &Repository[T]{
		store: s,
		spec:  spec,
		upsertSQL: fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
			ON CONFLICT(id) DO UPDATE SET %s`,
			spec.table, strings.Join(cols, ", "), placeholders, strings.Join(sets, ", ")),
	}
}

func (r *Repository[T]) entityType() budget.EntityType { return r.spec.kind }

// GetAll returns every row of the snapshot in the kind's display order.
func (r *Repository[T]) GetAll(ctx context.Context) ([]T, error) {
	rows, err := r.store.DB.QueryContext(ctx,
		fmt.Sprintf(`SELECT payload FROM %s ORDER BY %s`, r.spec.table, r.spec.orderBy))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", r.spec.table, err)
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", r.spec.table, err)
		}
		e, err := r.decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the snapshot row with the given id, or ErrNotFound.
func (r *Repository[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	var payload string
	err := r.store.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT payload FROM %s WHERE id = ?`, r.spec.table), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%s %s: %w", r.spec.kind, id, ErrNotFound)
	}
	if err != nil {
		return zero, fmt.Errorf("failed to load %s %s: %w", r.spec.kind, id, err)
	}
	return r.decode(payload)
}

// SaveAll upserts every item by id. No sync job is recorded.
func (r *Repository[T]) SaveAll(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range items {
			if err := r.upsertTx(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteByID removes one snapshot row. Missing rows are not an error.
func (r *Repository[T]) DeleteByID(ctx context.Context, id string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.deleteTx(ctx, tx, id)
	})
}

// ClearAll empties the snapshot table.
func (r *Repository[T]) ClearAll(ctx context.Context) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.clearTx(ctx, tx)
	})
}

func (r *Repository[T]) count(ctx context.Context) (int, error) {
	var n int
	if err := r.store.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+r.spec.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", r.spec.table, err)
	}
	return n, nil
}

// Create stores e locally and enqueues a Create job for it.
func (r *Repository[T]) Create(ctx context.Context, e T) (SyncJob, error) {
	return r.writeThrough(ctx, budget.OpCreate, e)
}

// Update stores e locally and enqueues an Update job for it.
func (r *Repository[T]) Update(ctx context.Context, e T) (SyncJob, error) {
	return r.writeThrough(ctx, budget.OpUpdate, e)
}

// Delete removes the row locally and enqueues a Delete job for it.
func (r *Repository[T]) Delete(ctx context.Context, id string) (SyncJob, error) {
	if id == "" {
		return SyncJob{}, fmt.Errorf("%s id is required", r.spec.kind)
	}
	var job SyncJob
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.deleteTx(ctx, tx, id); err != nil {
			return err
		}
		var err error
		job, err = enqueueTx(ctx, tx, id, r.spec.kind, budget.OpDelete, nil)
		return err
	})
	if err != nil {
		return SyncJob{}, err
	}
	r.store.Queue.notify()
	return job, nil
}

func (r *Repository[T]) writeThrough(ctx context.Context, op budget.Operation, e T) (SyncJob, error) {
	if err := budget.Validate(e); err != nil {
		return SyncJob{}, err
	}
	payload, err := budget.EncodePayload(e)
	if err != nil {
		return SyncJob{}, err
	}

	var job SyncJob
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.upsertTx(ctx, tx, e); err != nil {
			return err
		}
		var err error
		job, err = enqueueTx(ctx, tx, e.EntityID(), r.spec.kind, op, payload)
		return err
	})
	if err != nil {
		return SyncJob{}, err
	}
	r.store.Queue.notify()
	return job, nil
}

func (r *Repository[T]) upsertTx(ctx context.Context, tx *sql.Tx, e T) error {
	payload, err := budget.EncodePayload(e)
	if err != nil {
		return err
	}
	args := make([]any, 0, len(r.spec.columns)+2)
	args = append(args, e.EntityID())
	args = append(args, r.spec.values(e)...)
	args = append(args, string(payload))
	if _, err := tx.ExecContext(ctx, r.upsertSQL, args...); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", r.spec.kind, e.EntityID(), err)
	}
	return nil
}

func (r *Repository[T]) upsertEntityTx(ctx context.Context, tx *sql.Tx, e budget.Entity) error {
	v, ok := e.(T)
	if !ok {
		return fmt.Errorf("%s table cannot store %T", r.spec.kind, e)
	}
	return r.upsertTx(ctx, tx, v)
}

func (r *Repository[T]) deleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, r.spec.table), id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", r.spec.kind, id, err)
	}
	return nil
}

func (r *Repository[T]) clearTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, r.spec.table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", r.spec.table, err)
	}
	return nil
}

// clearExceptTx drops every row whose id is not in keep.
func (r *Repository[T]) clearExceptTx(ctx context.Context, tx *sql.Tx, keep map[string]bool) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s`, r.spec.table))
	if err != nil {
		return fmt.Errorf("failed to query %s ids: %w", r.spec.table, err)
	}
	var drop []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan %s id: %w", r.spec.table, err)
		}
		if !keep[id] {
			drop = append(drop, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, id := range drop {
		if err := r.deleteTx(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository[T]) decode(payload string) (T, error) {
	var zero T
	e, err := budget.DecodePayload(r.spec.kind, []byte(payload))
	if err != nil {
		return zero, err
	}
	v, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("%s row decoded as %T", r.spec.kind, e)
	}
	return v, nil
}

func (r *Repository[T]) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
