// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the entity store if it doesn't exist
func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS budget`,

		// Current state of every entity, one row per (user, kind, id).
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS budget.entities (
			user_id        TEXT        NOT NULL,
			entity_type    TEXT        NOT NULL,
			entity_id      TEXT        NOT NULL,
			payload        JSONB       NOT NULL,
			server_version BIGINT      NOT NULL DEFAULT 1,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity_type, entity_id)
		)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS entities_user_updated_idx
			ON budget.entities (user_id, updated_at)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}
