// Package database implements the Postgres usage ledger backend.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/skillgate/gateway/internal/core"
	"github.com/skillgate/gateway/internal/ledger"
)

const createUsageEventsTable = `
CREATE TABLE IF NOT EXISTS usage_events (
    event_id       TEXT PRIMARY KEY,
    event_type     TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    caller_id      TEXT NOT NULL,
    customer_id    TEXT NOT NULL,
    agent_id       TEXT NOT NULL,
    purpose        TEXT NOT NULL DEFAULT '',
    model          TEXT NOT NULL DEFAULT '',
    cache_hit      BOOLEAN NOT NULL DEFAULT FALSE,
    tokens_in      BIGINT NOT NULL DEFAULT 0,
    tokens_out     BIGINT NOT NULL DEFAULT 0,
    cost_amount    DOUBLE PRECISION NOT NULL DEFAULT 0,
    ts_utc         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_events_customer_ts ON usage_events (customer_id, ts_utc);
CREATE INDEX IF NOT EXISTS usage_events_correlation ON usage_events (correlation_id);`

// PostgresLedger implements ledger.Ledger on a Postgres connection via
// lib/pq. Rows are insert-only; there is no UPDATE or DELETE path.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger opens the DSN, verifies connectivity and ensures the
// usage_events table exists.
func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, createUsageEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure usage_events table: %w", err)
	}

	slog.Info("Postgres ledger connected")
	return &PostgresLedger{db: db}, nil
}

// Close releases the connection pool.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

// Append inserts the event. The INSERT commits before Append returns, so
// durability matches the file backend's fsync contract.
func (l *PostgresLedger) Append(ctx context.Context, ev *core.UsageEvent) (string, error) {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO usage_events
		 (event_id, event_type, correlation_id, caller_id, customer_id, agent_id,
		  purpose, model, cache_hit, tokens_in, tokens_out, cost_amount, ts_utc)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		ev.EventID, string(ev.EventType), ev.CorrelationID, ev.CallerID,
		ev.CustomerID, ev.AgentID, ev.Purpose, ev.Model, ev.CacheHit,
		ev.TokensIn, ev.TokensOut, ev.CostAmount, ev.Timestamp.UTC())
	if err != nil {
		return "", fmt.Errorf("insert usage event: %w", err)
	}
	return ev.EventID, nil
}

// Query returns matching events in append order.
func (l *PostgresLedger) Query(ctx context.Context, f ledger.Filter, limit int) ([]*core.UsageEvent, error) {
	where, args := buildWhere(f)
	q := `SELECT event_id, event_type, correlation_id, caller_id, customer_id, agent_id,
	             purpose, model, cache_hit, tokens_in, tokens_out, cost_amount, ts_utc
	      FROM usage_events` + where + ` ORDER BY ts_utc, event_id`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var out []*core.UsageEvent
	for rows.Next() {
		var ev core.UsageEvent
		var eventType string
		if err := rows.Scan(&ev.EventID, &eventType, &ev.CorrelationID, &ev.CallerID,
			&ev.CustomerID, &ev.AgentID, &ev.Purpose, &ev.Model, &ev.CacheHit,
			&ev.TokensIn, &ev.TokensOut, &ev.CostAmount, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		ev.EventType = core.EventType(eventType)
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Aggregate buckets in SQL with date_trunc so the fold runs server-side.
func (l *PostgresLedger) Aggregate(ctx context.Context, f ledger.Filter, bucket ledger.Bucket) ([]ledger.Row, error) {
	trunc := "day"
	if bucket == ledger.BucketMonth {
		trunc = "month"
	}

	where, args := buildWhere(f)
	q := fmt.Sprintf(
		`SELECT date_trunc('%s', ts_utc AT TIME ZONE 'UTC') AT TIME ZONE 'UTC',
		        COUNT(*), COALESCE(SUM(tokens_in),0), COALESCE(SUM(tokens_out),0), COALESCE(SUM(cost_amount),0)
		 FROM usage_events%s
		 GROUP BY 1 ORDER BY 1`, trunc, where)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage events: %w", err)
	}
	defer rows.Close()

	var out []ledger.Row
	for rows.Next() {
		var r ledger.Row
		if err := rows.Scan(&r.BucketStart, &r.Events, &r.TokensIn, &r.TokensOut, &r.CostAmount); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		r.BucketStart = r.BucketStart.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Internal helpers ---

func buildWhere(f ledger.Filter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.CustomerID != "" {
		add("customer_id = $%d", f.CustomerID)
	}
	if f.CallerID != "" {
		add("caller_id = $%d", f.CallerID)
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.CorrelationID != "" {
		add("correlation_id = $%d", f.CorrelationID)
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, 0, len(f.EventTypes))
		for _, t := range f.EventTypes {
			types = append(types, string(t))
		}
		add("event_type = ANY($%d)", pq.Array(types))
	}
	if !f.Since.IsZero() {
		add("ts_utc >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("ts_utc < $%d", f.Until.UTC())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
