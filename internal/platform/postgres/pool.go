// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

// Package postgres provides the managed PostgreSQL connection pools and the
// sandboxed query executor for the Sequana application.
//
// # Architecture
//
// This package is part of the Infrastructure layer. It manages two physical
// connection pools with different privilege levels:
//
//   - Metadata pool: catalog introspection and statistics lookups.
//   - Query pool: executes generated SQL under a read-only role with
//     session-level timeouts.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Opinionated pool settings for the Sequana workload.
const (
	// metadataMaxConns bounds the introspection pool. Refresh runs are periodic
	// and bursty, never sustained.
	metadataMaxConns = 5
	metadataMinConns = 2

	// queryMaxConns bounds the pool that executes generated SQL.
	queryMaxConns = 20
	queryMinConns = 5

	// maxConnLifetime ensures connections are periodically recycled.
	maxConnLifetime = 60 * time.Minute
	// maxConnIdleTime closes connections that have been idle too long.
	maxConnIdleTime = 10 * time.Minute
	// healthCheckPeriod is the frequency of background connection health checks.
	healthCheckPeriod = 1 * time.Minute
	// connectTimeout is the maximum time allowed to establish a new connection.
	connectTimeout = 5 * time.Second
	// pingTimeout is the maximum duration for a health check ping.
	pingTimeout = 2 * time.Second

	// idleInTransactionTimeout kills query-pool sessions stuck inside a transaction.
	idleInTransactionTimeout = 60 * time.Second
)

// Manager owns both connection pools for the lifetime of the process.
type Manager struct {
	// Metadata serves catalog introspection and freshness lookups.
	Metadata *pgxpool.Pool
	// Query executes validated, generated SQL. The role behind its DSN
	// must be read-only; session settings enforce it again as a second layer.
	Query *pgxpool.Pool
}

// PoolHealth is a point-in-time snapshot of one pool, reported by /health.
type PoolHealth struct {
	Status string `json:"status"`
	Size   int32  `json:"size"`
	Free   int32  `json:"free"`
}

// NewManager creates and validates both PostgreSQL connection pools.
//
// # Parameters
//   - ctx: Context for the initial connection attempts.
//   - metadataDSN, queryDSN: libpq-compatible connection strings.
//   - statementTimeoutSeconds: session statement timeout for the query pool.
//   - logger: Structured logger for pool-level events.
func NewManager(ctx context.Context, metadataDSN, queryDSN string, statementTimeoutSeconds int, logger *slog.Logger) (*Manager, error) {
	metadata, err := newPool(ctx, metadataDSN, poolOptions{
		appName:  "sequana_metadata",
		maxConns: metadataMaxConns,
		minConns: metadataMinConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("postgres: metadata pool: %w", err)
	}

	query, err := newPool(ctx, queryDSN, poolOptions{
		appName:  "sequana_query",
		maxConns: queryMaxConns,
		minConns: queryMinConns,
		// Defense in depth: even if the role is misconfigured, every session
		// on this pool starts read-only with bounded statement time.
		sessionSetup: []string{
			"SET default_transaction_read_only = on",
			fmt.Sprintf("SET statement_timeout = '%ds'", statementTimeoutSeconds),
			fmt.Sprintf("SET idle_in_transaction_session_timeout = '%ds'", int(idleInTransactionTimeout.Seconds())),
		},
	}, logger)
	if err != nil {
		metadata.Close()
		return nil, fmt.Errorf("postgres: query pool: %w", err)
	}

	return &Manager{Metadata: metadata, Query: query}, nil
}

type poolOptions struct {
	appName      string
	maxConns     int32
	minConns     int32
	sessionSetup []string
}

// newPool creates and validates a single PostgreSQL connection pool.
func newPool(ctx context.Context, dsn string, opts poolOptions, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}

	// Apply pool tuning parameters.
	poolConfig.MaxConns = opts.maxConns
	poolConfig.MinConns = opts.minConns
	poolConfig.MaxConnLifetime = maxConnLifetime
	poolConfig.MaxConnIdleTime = maxConnIdleTime
	poolConfig.HealthCheckPeriod = healthCheckPeriod
	poolConfig.ConnConfig.ConnectTimeout = connectTimeout
	poolConfig.ConnConfig.RuntimeParams["application_name"] = opts.appName

	// AfterConnect is called each time a new physical connection is established.
	poolConfig.AfterConnect = func(ctx context.Context, connection *pgx.Conn) error {
		for _, stmt := range opts.sessionSetup {
			if _, err := connection.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("session setup %q: %w", stmt, err)
			}
		}
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Validate that we can actually reach the database.
	if err := Ping(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	stats := pool.Stat()
	logger.Info("postgres pool connected",
		slog.String("application_name", opts.appName),
		slog.Int("max_conns", int(stats.MaxConns())),
		slog.Int("total_conns", int(stats.TotalConns())),
	)

	return pool, nil
}

// Ping verifies that a PostgreSQL connection pool is healthy.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("postgres: ping failed: %w", err)
	}

	return nil
}

// Health reports the status of both pools for the health endpoint.
func (m *Manager) Health(ctx context.Context) map[string]PoolHealth {
	return map[string]PoolHealth{
		"metadata": poolHealth(ctx, m.Metadata),
		"query":    poolHealth(ctx, m.Query),
	}
}

func poolHealth(ctx context.Context, pool *pgxpool.Pool) PoolHealth {
	if pool == nil {
		return PoolHealth{Status: "not_initialized"}
	}

	status := "healthy"
	if err := Ping(ctx, pool); err != nil {
		status = "unhealthy"
	}

	stats := pool.Stat()
	return PoolHealth{
		Status: status,
		Size:   stats.TotalConns(),
		Free:   stats.IdleConns(),
	}
}

// Close releases both pools.
func (m *Manager) Close() {
	if m.Query != nil {
		m.Query.Close()
	}
	if m.Metadata != nil {
		m.Metadata.Close()
	}
}
