// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package budgetsync is the remote side of budget sync: a PostgreSQL-backed
// entity store scoped per user, exposed over a small REST API.
package budgetsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-budgetsync/budget"
)

// ErrNotFound is returned when an update or lookup targets a missing entity.
var ErrNotFound = errors.New("entity not found")

// ServiceConfig holds configuration for the entity service
type ServiceConfig struct {
	AppName         string // Application name for connection tracking
	MaxPayloadBytes int    // Maximum JSON payload size per entity in bytes (0 = unlimited)

	// Optional per-call timings.
	Metrics    MetricsRecorder
	LogTimings bool
}

// Service stores entities in PostgreSQL, one namespace per user.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// NewService creates the service from an existing pool and makes sure the schema exists.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if config == nil {
		config = &ServiceConfig{AppName: "go-budgetsync-app"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		pool:   pool,
		logger: logger,
		config: config,
	}

	ctx := context.Background()
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize budget service: %w", err)
	}
	logger.Debug("Database schema initialized successfully")
	return s, nil
}

// Close marks the service closed. It does not close the pool.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// MaxPayloadBytes returns the configured per-entity payload limit (0 = unlimited).
func (s *Service) MaxPayloadBytes() int {
	return s.config.MaxPayloadBytes
}

func (s *Service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("budget service has been closed")
	}
	return nil
}

// Create stores e for userID. Creating an entity that already exists
// overwrites it, so a replayed create whose response was lost is harmless.
func (s *Service) Create(ctx context.Context, userID string, e budget.Entity) (_ budget.Entity, err error) {
	start := s.opStart()
	defer func() { s.observeOp(ctx, MetricsOpCreate, entityTypeOf(e), start, 1, err) }()

	payload, err := s.preparePayload(e)
	if err != nil {
		return nil, err
	}

	var version int64
	var updatedAt time.Time
	err = withTxRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return tx.QueryRow(ctx, `
				INSERT INTO budget.entities (user_id, entity_type, entity_id, payload, server_version, updated_at)
				VALUES ($1, $2, $3, $4, 1, now())
				ON CONFLICT (user_id, entity_type, entity_id)
				DO UPDATE SET payload = EXCLUDED.payload,
				              server_version = budget.entities.server_version + 1,
				              updated_at = now()
				RETURNING server_version, updated_at`,
				userID, string(e.EntityType()), e.EntityID(), payload).Scan(&version, &updatedAt)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s %s: %w", e.EntityType(), e.EntityID(), err)
	}
	s.logger.Debug("entity created", "user_id", userID, "entity_type", e.EntityType(), "entity_id", e.EntityID(), "server_version", version)
	return decodeStored(e.EntityType(), []byte(payload), version, updatedAt)
}

// Update replaces an existing entity. Returns ErrNotFound if it does not exist.
func (s *Service) Update(ctx context.Context, userID string, e budget.Entity) (_ budget.Entity, err error) {
	start := s.opStart()
	defer func() { s.observeOp(ctx, MetricsOpUpdate, entityTypeOf(e), start, 1, err) }()

	payload, err := s.preparePayload(e)
	if err != nil {
		return nil, err
	}

	var version int64
	var updatedAt time.Time
	err = withTxRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return tx.QueryRow(ctx, `
				UPDATE budget.entities
				SET payload = $4, server_version = server_version + 1, updated_at = now()
				WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3
				RETURNING server_version, updated_at`,
				userID, string(e.EntityType()), e.EntityID(), payload).Scan(&version, &updatedAt)
		})
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", e.EntityType(), e.EntityID(), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update %s %s: %w", e.EntityType(), e.EntityID(), err)
	}
	s.logger.Debug("entity updated", "user_id", userID, "entity_type", e.EntityType(), "entity_id", e.EntityID(), "server_version", version)
	return decodeStored(e.EntityType(), []byte(payload), version, updatedAt)
}

// Delete removes an entity. Deleting a missing entity succeeds.
func (s *Service) Delete(ctx context.Context, userID string, kind budget.EntityType, id string) (err error) {
	start := s.opStart()
	defer func() { s.observeOp(ctx, MetricsOpDelete, kind, start, 1, err) }()

	if err := s.checkClosed(); err != nil {
		return err
	}
	var deleted int64
	err = withTxRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				DELETE FROM budget.entities
				WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3`,
				userID, string(kind), id)
			deleted = tag.RowsAffected()
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	s.logger.Debug("entity deleted", "user_id", userID, "entity_type", kind, "entity_id", id, "existed", deleted > 0)
	return nil
}

// Get returns one entity or ErrNotFound.
func (s *Service) Get(ctx context.Context, userID string, kind budget.EntityType, id string) (_ budget.Entity, err error) {
	start := s.opStart()
	defer func() { s.observeOp(ctx, MetricsOpGet, kind, start, 1, err) }()

	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	var (
		payload   []byte
		version   int64
		updatedAt time.Time
	)
	err = s.pool.QueryRow(ctx, `
		SELECT payload, server_version, updated_at FROM budget.entities
		WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3`,
		userID, string(kind), id).Scan(&payload, &version, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	return decodeStored(kind, payload, version, updatedAt)
}

// List returns every entity of kind owned by userID, ordered by id.
func (s *Service) List(ctx context.Context, userID string, kind budget.EntityType) (out []budget.Entity, err error) {
	start := s.opStart()
	defer func() { s.observeOp(ctx, MetricsOpList, kind, start, len(out), err) }()

	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT payload, server_version, updated_at FROM budget.entities
		WHERE user_id = $1 AND entity_type = $2
		ORDER BY entity_id`,
		userID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	out = make([]budget.Entity, 0)
	for rows.Next() {
		var (
			payload   []byte
			version   int64
			updatedAt time.Time
		)
		if err := rows.Scan(&payload, &version, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		e, err := decodeStored(kind, payload, version, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// preparePayload validates e and serializes it without the server-assigned fields.
func (s *Service) preparePayload(e budget.Entity) (string, error) {
	if err := s.checkClosed(); err != nil {
		return "", err
	}
	if err := budget.Validate(e); err != nil {
		return "", err
	}

	meta := e.Meta()
	saved := *meta
	*meta = budget.SyncMeta{}
	raw, err := budget.EncodePayload(e)
	*meta = saved
	if err != nil {
		return "", err
	}
	if limit := s.config.MaxPayloadBytes; limit > 0 && len(raw) > limit {
		return "", fmt.Errorf("%w: %s %s is %d bytes, limit is %d", budget.ErrInvalidPayload,
			e.EntityType(), e.EntityID(), len(raw), limit)
	}
	return string(raw), nil
}

func decodeStored(kind budget.EntityType, payload json.RawMessage, version int64, updatedAt time.Time) (budget.Entity, error) {
	e, err := budget.DecodePayload(kind, payload)
	if err != nil {
		return nil, fmt.Errorf("stored %s is unreadable: %w", kind, err)
	}
	ts := updatedAt.UTC()
	*e.Meta() = budget.SyncMeta{ServerVersion: version, UpdatedAt: &ts}
	return e, nil
}
