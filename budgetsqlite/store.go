// Package budgetsqlite is the device side of budget sync. Every entity kind
// has a SQLite snapshot table; local mutations are queued as sync jobs and
// replayed against the remote service.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-budgetsync/budget"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store owns the device database: one repository per entity kind plus the sync queue.
type Store struct {
	DB     *sql.DB
	Queue  *Queue
	logger *slog.Logger

	Accounts      *Repository[*budget.Account]
	Categories    *Repository[*budget.Category]
	Envelopes     *Repository[*budget.Envelope]
	Transactions  *Repository[*budget.Transaction]
	Tiers         *Repository[*budget.Tiers]
	Allocations   *Repository[*budget.Allocation]
	CreditCards   *Repository[*budget.CreditCard]
	PersonalLoans *Repository[*budget.PersonalLoan]

	tables map[budget.EntityType]snapshotTable
}

// Open opens (or creates) the SQLite database at path and prepares the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	s, err := New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened SQLite handle and applies pending migrations.
// SQLite allows a single writer, so the pool is pinned to one connection.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	db.SetMaxOpenConns(1)

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	s := &Store{
		DB:     db,
		logger: logger,
	}
	s.Queue = &Queue{db: db, logger: logger}
	s.Accounts = newRepository(s, accountTable)
	s.Categories = newRepository(s, categoryTable)
	s.Envelopes = newRepository(s, envelopeTable)
	s.Transactions = newRepository(s, transactionTable)
	s.Tiers = newRepository(s, tiersTable)
	s.Allocations = newRepository(s, allocationTable)
	s.CreditCards = newRepository(s, creditCardTable)
	s.PersonalLoans = newRepository(s, personalLoanTable)

	s.tables = map[budget.EntityType]snapshotTable{
		budget.EntityAccount:      s.Accounts,
		budget.EntityCategory:     s.Categories,
		budget.EntityEnvelope:     s.Envelopes,
		budget.EntityTransaction:  s.Transactions,
		budget.EntityTiers:        s.Tiers,
		budget.EntityAllocation:   s.Allocations,
		budget.EntityCreditCard:   s.CreditCards,
		budget.EntityPersonalLoan: s.PersonalLoans,
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) table(kind budget.EntityType) (snapshotTable, error) {
	t, ok := s.tables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, kind)
	}
	return t, nil
}

// Counts returns the number of snapshot rows per kind.
func (s *Store) Counts(ctx context.Context) (map[budget.EntityType]int, error) {
	out := make(map[budget.EntityType]int, len(budget.EntityTypes))
	for _, kind := range budget.EntityTypes {
		n, err := s.tables[kind].count(ctx)
		if err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, nil
}

// Reset wipes every snapshot table, the queue and the conflict log in one transaction.
// Used on sign-out.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, kind := range budget.EntityTypes {
		if err := s.tables[kind].clearTx(ctx, tx); err != nil {
			return err
		}
	}
	for _, stmt := range []string{`DELETE FROM sync_jobs`, `DELETE FROM sync_conflicts`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to reset sync tables: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	s.logger.Info("local store reset")
	return nil
}

// initializeDatabase enables WAL and brings the schema to the latest migration.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	// m.Close would close db, which belongs to the caller.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
