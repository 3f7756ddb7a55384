// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

// Package api contains the health check handlers for liveness and readiness probes.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/phamtuananh/sequana/internal/kb"
	"github.com/phamtuananh/sequana/internal/observe"
	"github.com/phamtuananh/sequana/internal/platform/postgres"
	"github.com/phamtuananh/sequana/internal/platform/respond"
)

// HealthDependencies holds the injectable dependency checkers for the
// health endpoints.
type HealthDependencies struct {
	// CheckDatabase pings both PostgreSQL pools.
	CheckDatabase func() error

	// PoolHealth reports per-pool connection stats.
	PoolHealth func() map[string]postgres.PoolHealth

	// KBStatus reports the refresher state.
	KBStatus func() kb.RefreshStatus

	// Rules yields the current compiled rules, nil before first refresh.
	Rules func() *kb.CompiledRules

	// Metrics yields the operational counters.
	Metrics func() observe.Snapshot
}

type healthHandler struct {
	dependencies HealthDependencies
	logger       *slog.Logger
}

// NewHealthHandlers creates the probe and status http.HandlerFuncs:
// liveness (/health root), readiness (/ready), and the detailed
// /api/v1/health, /api/v1/kb-status, and /api/v1/metrics endpoints.
func NewHealthHandlers(deps HealthDependencies, logger *slog.Logger) (liveness, readiness, detailed, kbStatus, metrics http.HandlerFunc) {
	handler := &healthHandler{dependencies: deps, logger: logger}
	return handler.liveness, handler.readiness, handler.detailed, handler.kbStatus, handler.metrics
}

// liveness handles GET /health (liveness probe).
func (handler *healthHandler) liveness(writer http.ResponseWriter, request *http.Request) {
	respond.OK(writer, map[string]string{"status": "ok"})
}

// readiness handles GET /ready. The service is ready once both pools
// answer and the knowledge base has loaded at least once.
func (handler *healthHandler) readiness(writer http.ResponseWriter, request *http.Request) {
	type checkResult struct {
		Name  string `json:"name"`
		IsOK  bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}

	results := make([]checkResult, 0, 2)
	isSystemReady := true

	if handler.dependencies.CheckDatabase != nil {
		result := checkResult{Name: "postgres", IsOK: true}
		if err := handler.dependencies.CheckDatabase(); err != nil {
			result.IsOK = false
			result.Error = err.Error()
			isSystemReady = false
			handler.logger.Error("readiness_check_failed", slog.String("dependency", "postgres"), slog.Any("error", err))
		}
		results = append(results, result)
	}

	if handler.dependencies.Rules != nil {
		result := checkResult{Name: "knowledge_base", IsOK: true}
		if handler.dependencies.Rules() == nil {
			result.IsOK = false
			result.Error = "knowledge base not loaded"
			isSystemReady = false
		}
		results = append(results, result)
	}

	status := http.StatusOK
	responseStatus := "ready"
	if !isSystemReady {
		status = http.StatusServiceUnavailable
		responseStatus = "degraded"
	}

	respond.JSON(writer, status, respond.SuccessEnvelope{Data: map[string]any{
		"status": responseStatus,
		"checks": results,
	}})
}

// detailed handles GET /api/v1/health: pool stats plus KB state, with
// an overall verdict of healthy or degraded.
func (handler *healthHandler) detailed(writer http.ResponseWriter, request *http.Request) {
	pools := handler.dependencies.PoolHealth()
	kbState := handler.dependencies.KBStatus()

	overall := "healthy"
	for _, pool := range pools {
		if pool.Status != "healthy" {
			overall = "degraded"
		}
	}
	if kbState.Status == "failed" {
		overall = "degraded"
	}

	respond.JSON(writer, http.StatusOK, map[string]any{
		"status":           overall,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"db_metadata_pool": pools["metadata"],
		"db_query_pool":    pools["query"],
		"kb_status":        kbState,
	})
}

// kbStatus handles GET /api/v1/kb-status.
func (handler *healthHandler) kbStatus(writer http.ResponseWriter, request *http.Request) {
	status := handler.dependencies.KBStatus()

	if status.TableCount == 0 && handler.dependencies.Rules != nil {
		if rules := handler.dependencies.Rules(); rules != nil {
			status.TableCount = len(rules.Tables)
		}
	}

	respond.JSON(writer, http.StatusOK, status)
}

// metrics handles GET /api/v1/metrics.
func (handler *healthHandler) metrics(writer http.ResponseWriter, request *http.Request) {
	respond.JSON(writer, http.StatusOK, handler.dependencies.Metrics())
}
