package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"radioguard/internal/platform/logger/transport"
)

const defaultLogDBTimeout = 5 * time.Second

// openLogDB connects to the log database and makes sure system_logs exists.
func openLogDB(ctx context.Context, url string) (*sql.DB, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultLogDBTimeout)
		defer cancel()
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open log database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping log database: %w", err)
	}
	if err := migrateLogDB(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrateLogDB(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log schema migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, transport.CreateLogsTable); err != nil {
		return fmt.Errorf("create system_logs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log schema migration: %w", err)
	}
	return nil
}
