// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ExecutionResult holds the outcome of one sandboxed query run.
type ExecutionResult struct {
	Rows            []map[string]any `json:"rows"`
	RowCount        int              `json:"row_count"`
	ExecutionTimeMS int64            `json:"execution_time_ms"`
	CorrelationID   string           `json:"correlation_id"`
}

// Executor runs validated SELECT statements inside a read-only transaction
// with a per-statement timeout.
//
// # Safety
//
// The executor is the last line of defense. It assumes the SQL has already
// passed validation, but still wraps every run in BEGIN READ ONLY and a
// SET LOCAL statement_timeout so a validator gap cannot mutate data or
// hold a connection indefinitely.
type Executor struct {
	pool                    *pgxpool.Pool
	statementTimeoutSeconds int
	log                     *slog.Logger
}

// NewExecutor creates an Executor bound to the query pool.
func NewExecutor(pool *pgxpool.Pool, statementTimeoutSeconds int, log *slog.Logger) *Executor {
	return &Executor{
		pool:                    pool,
		statementTimeoutSeconds: statementTimeoutSeconds,
		log:                     log,
	}
}

// Execute runs the SQL and returns JSON-ready rows.
//
// Errors are sanitized: raw driver messages never reach the caller, only
// client-safe summaries.
func (e *Executor) Execute(ctx context.Context, sql, correlationID string) (*ExecutionResult, error) {
	started := time.Now()

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %s", sanitizeExecError(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// SET LOCAL scopes the timeout to this transaction only.
	timeout := fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", e.statementTimeoutSeconds*1000)
	if _, err := tx.Exec(ctx, timeout); err != nil {
		return nil, fmt.Errorf("query execution failed: %s", sanitizeExecError(err))
	}

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		e.log.Warn("query_execution_error",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("query execution failed: %s", sanitizeExecError(err))
	}

	collected, err := collectRows(rows)
	if err != nil {
		e.log.Warn("query_execution_error",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("query execution failed: %s", sanitizeExecError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("query execution failed: %s", sanitizeExecError(err))
	}

	return &ExecutionResult{
		Rows:            collected,
		RowCount:        len(collected),
		ExecutionTimeMS: time.Since(started).Milliseconds(),
		CorrelationID:   correlationID,
	}, nil
}

// collectRows drains the result set into JSON-friendly maps.
func collectRows(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := make([]map[string]any, 0, 64)

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]any, len(fields))
		for i, field := range fields {
			row[field.Name] = normalizeValue(values[i])
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

// normalizeValue converts driver types into values that marshal cleanly to JSON.
func normalizeValue(v any) any {
	switch value := v.(type) {
	case time.Time:
		return value.Format(time.RFC3339)
	case pgtype.Numeric:
		f, err := value.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		// UUID columns decode as raw byte arrays.
		return fmt.Sprintf("%x-%x-%x-%x-%x", value[0:4], value[4:6], value[6:8], value[8:10], value[10:16])
	default:
		return v
	}
}

// sanitizeExecError maps driver failures to client-safe messages.
func sanitizeExecError(err error) string {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "statement timeout") || strings.Contains(msg, "canceling statement"):
		return "Query execution time limit exceeded. Try adding more filters to reduce result size."
	case strings.Contains(msg, "connection"):
		return "Database connection error. Please try again."
	case strings.Contains(msg, "syntax error"):
		return "SQL syntax error. Please rephrase your question."
	default:
		return "An error occurred while executing the query. Please try rephrasing your question."
	}
}
