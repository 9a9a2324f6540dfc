package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// migrations is run idempotently at startup, in the same spirit as the
// teacher's Store.RunMetricsMigrations: a flat list of CREATE ... IF
// NOT EXISTS statements executed in order.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS mail (
		id   TEXT PRIMARY KEY,
		date TIMESTAMPTZ NOT NULL,
		text TEXT NOT NULL,
		data BYTEA NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS attachment (
		mail_id TEXT NOT NULL REFERENCES mail(id) ON DELETE CASCADE,
		number  INT  NOT NULL,
		name    TEXT,
		type    TEXT NOT NULL,
		code    TEXT,
		data    BYTEA NOT NULL,
		PRIMARY KEY (mail_id, number)
	)`,

	`CREATE TABLE IF NOT EXISTS consumer (
		id   BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		name TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS dispatch (
		consumer_id BIGINT NOT NULL REFERENCES consumer(id) ON DELETE CASCADE,
		mail_id     TEXT   NOT NULL REFERENCES mail(id) ON DELETE CASCADE,
		last_time   TIMESTAMPTZ,
		next_time   TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (consumer_id, mail_id)
	)`,

	`CREATE INDEX IF NOT EXISTS dispatch_due_idx ON dispatch (consumer_id, next_time)`,
}

// RunMigrations applies every statement in migrations, in order,
// logging failures with enough context to find the offending
// statement.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger) error {
	log.Info("running schema migrations")
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	log.Info("schema migrations complete", zap.Int("count", len(migrations)))
	return nil
}
