// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

/*
Package observe collects in-process operational metrics for the query
pipeline: query outcomes, clarification rates, validation failures by
reason, execution timings, knowledge-base refreshes, and LLM/retrieval
call statistics.

The collector is a plain mutex-guarded aggregate served verbatim by the
metrics endpoint. It deliberately has no exporter dependency; scraping
and shipping are an operational concern outside this service.
*/
package observe

import (
	"sync"
	"time"
)

// maxExecutionSamples bounds the rolling window used for averages.
const maxExecutionSamples = 1000

// Metrics is the process-wide metrics collector.
//
// All methods are safe for concurrent use.
type Metrics struct {
	mu sync.Mutex

	totalQueries      int64
	successfulQueries int64
	failedQueries     int64

	clarificationRequests int64

	validationFailures       int64
	validationFailureReasons map[string]int64

	totalExecutionMS float64
	maxExecutionMS   float64
	executionSamples []float64

	kbRefreshCount    int64
	kbRefreshFailures int64
	lastKBRefresh     time.Time
	kbVersion         string

	llmRequests int64
	llmFailures int64
	totalLLMMS  float64

	ragRequests int64
	ragFailures int64
	totalRAGMS  float64
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{
		validationFailureReasons: make(map[string]int64),
	}
}

// RecordQuery records one finished query. executionMS is only counted for
// successful queries.
func (m *Metrics) RecordQuery(success bool, executionMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalQueries++
	if !success {
		m.failedQueries++
		return
	}

	m.successfulQueries++
	if executionMS > 0 {
		m.totalExecutionMS += executionMS
		if executionMS > m.maxExecutionMS {
			m.maxExecutionMS = executionMS
		}
		m.executionSamples = append(m.executionSamples, executionMS)
		if len(m.executionSamples) > maxExecutionSamples {
			m.executionSamples = m.executionSamples[len(m.executionSamples)-maxExecutionSamples:]
		}
	}
}

// RecordClarification counts one clarification round-trip.
func (m *Metrics) RecordClarification() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clarificationRequests++
}

// RecordValidationFailure counts one failed validation with its reason
// labels (parse_error, not_select, invalid_join_on, ...).
func (m *Metrics) RecordValidationFailure(reasons ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.validationFailures++
	for _, reason := range reasons {
		m.validationFailureReasons[reason]++
	}
}

// KBRefreshSucceeded implements the refresh observer contract.
func (m *Metrics) KBRefreshSucceeded(version string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kbRefreshCount++
	m.lastKBRefresh = time.Now().UTC()
	m.kbVersion = version
}

// KBRefreshFailed implements the refresh observer contract.
func (m *Metrics) KBRefreshFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kbRefreshCount++
	m.kbRefreshFailures++
}

// RecordLLMRequest records one LLM call and its wall-clock duration.
func (m *Metrics) RecordLLMRequest(success bool, durationMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.llmRequests++
	m.totalLLMMS += durationMS
	if !success {
		m.llmFailures++
	}
}

// RecordRAGRequest records one retrieval pass and its duration.
func (m *Metrics) RecordRAGRequest(success bool, durationMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ragRequests++
	m.totalRAGMS += durationMS
	if !success {
		m.ragFailures++
	}
}

// # Snapshot

// QueryStats summarizes query outcomes.
type QueryStats struct {
	Total       int64   `json:"total"`
	Successful  int64   `json:"successful"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// ClarificationStats summarizes clarification round-trips.
type ClarificationStats struct {
	Total int64   `json:"total"`
	Rate  float64 `json:"rate"`
}

// ValidationStats summarizes validation rejections by reason.
type ValidationStats struct {
	Failures       int64            `json:"failures"`
	FailureReasons map[string]int64 `json:"failure_reasons"`
}

// ExecutionStats summarizes query execution timings.
type ExecutionStats struct {
	AvgTimeMS   float64 `json:"avg_time_ms"`
	MaxTimeMS   float64 `json:"max_time_ms"`
	TotalTimeMS float64 `json:"total_time_ms"`
}

// KBStats summarizes knowledge-base refreshes.
type KBStats struct {
	RefreshCount    int64  `json:"refresh_count"`
	RefreshFailures int64  `json:"refresh_failures"`
	LastRefresh     string `json:"last_refresh,omitempty"`
	Version         string `json:"version,omitempty"`
}

// CallStats summarizes an external-call category (LLM or retrieval).
type CallStats struct {
	Requests  int64   `json:"requests"`
	Failures  int64   `json:"failures"`
	AvgTimeMS float64 `json:"avg_time_ms"`
}

// Snapshot is the metrics document returned by the metrics endpoint.
type Snapshot struct {
	Queries        QueryStats         `json:"queries"`
	Clarifications ClarificationStats `json:"clarifications"`
	Validation     ValidationStats    `json:"validation"`
	Execution      ExecutionStats     `json:"execution"`
	KB             KBStats            `json:"kb"`
	LLM            CallStats          `json:"llm"`
	RAG            CallStats          `json:"rag"`
}

// Snapshot returns a consistent copy of all counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	reasons := make(map[string]int64, len(m.validationFailureReasons))
	for reason, count := range m.validationFailureReasons {
		reasons[reason] = count
	}

	var successRate, clarificationRate float64
	if m.totalQueries > 0 {
		successRate = float64(m.successfulQueries) / float64(m.totalQueries)
		clarificationRate = float64(m.clarificationRequests) / float64(m.totalQueries)
	}

	var avgExecution float64
	if len(m.executionSamples) > 0 {
		var sum float64
		for _, sample := range m.executionSamples {
			sum += sample
		}
		avgExecution = sum / float64(len(m.executionSamples))
	}

	var lastRefresh string
	if !m.lastKBRefresh.IsZero() {
		lastRefresh = m.lastKBRefresh.Format(time.RFC3339)
	}

	return Snapshot{
		Queries: QueryStats{
			Total:       m.totalQueries,
			Successful:  m.successfulQueries,
			Failed:      m.failedQueries,
			SuccessRate: successRate,
		},
		Clarifications: ClarificationStats{
			Total: m.clarificationRequests,
			Rate:  clarificationRate,
		},
		Validation: ValidationStats{
			Failures:       m.validationFailures,
			FailureReasons: reasons,
		},
		Execution: ExecutionStats{
			AvgTimeMS:   avgExecution,
			MaxTimeMS:   m.maxExecutionMS,
			TotalTimeMS: m.totalExecutionMS,
		},
		KB: KBStats{
			RefreshCount:    m.kbRefreshCount,
			RefreshFailures: m.kbRefreshFailures,
			LastRefresh:     lastRefresh,
			Version:         m.kbVersion,
		},
		LLM: callStats(m.llmRequests, m.llmFailures, m.totalLLMMS),
		RAG: callStats(m.ragRequests, m.ragFailures, m.totalRAGMS),
	}
}

func callStats(requests, failures int64, totalMS float64) CallStats {
	stats := CallStats{Requests: requests, Failures: failures}
	if requests > 0 {
		stats.AvgTimeMS = totalMS / float64(requests)
	}
	return stats
}
