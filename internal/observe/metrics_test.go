// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package observe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_QueryOutcomes(t *testing.T) {
	m := NewMetrics()
	m.RecordQuery(true, 100)
	m.RecordQuery(true, 300)
	m.RecordQuery(false, 0)

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.Queries.Total)
	assert.Equal(t, int64(2), snap.Queries.Successful)
	assert.Equal(t, int64(1), snap.Queries.Failed)
	assert.InDelta(t, 2.0/3.0, snap.Queries.SuccessRate, 1e-9)

	assert.InDelta(t, 200, snap.Execution.AvgTimeMS, 1e-9)
	assert.InDelta(t, 300, snap.Execution.MaxTimeMS, 1e-9)
	assert.InDelta(t, 400, snap.Execution.TotalTimeMS, 1e-9)
}

func TestMetrics_ClarificationRate(t *testing.T) {
	m := NewMetrics()
	m.RecordQuery(true, 10)
	m.RecordQuery(true, 10)
	m.RecordClarification()

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Clarifications.Total)
	assert.InDelta(t, 0.5, snap.Clarifications.Rate, 1e-9)
}

func TestMetrics_ValidationFailureReasons(t *testing.T) {
	m := NewMetrics()
	m.RecordValidationFailure("not_select", "blocked_keywords")
	m.RecordValidationFailure("not_select")

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Validation.Failures)
	assert.Equal(t, int64(2), snap.Validation.FailureReasons["not_select"])
	assert.Equal(t, int64(1), snap.Validation.FailureReasons["blocked_keywords"])
}

func TestMetrics_KBRefreshObserver(t *testing.T) {
	m := NewMetrics()
	m.KBRefreshSucceeded("2026-08-25T10:00:00Z")
	m.KBRefreshFailed()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.KB.RefreshCount)
	assert.Equal(t, int64(1), snap.KB.RefreshFailures)
	assert.Equal(t, "2026-08-25T10:00:00Z", snap.KB.Version)
	assert.NotEmpty(t, snap.KB.LastRefresh)
}

func TestMetrics_CallStats(t *testing.T) {
	m := NewMetrics()
	m.RecordLLMRequest(true, 400)
	m.RecordLLMRequest(false, 200)
	m.RecordRAGRequest(true, 2)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.LLM.Requests)
	assert.Equal(t, int64(1), snap.LLM.Failures)
	assert.InDelta(t, 300, snap.LLM.AvgTimeMS, 1e-9)
	assert.Equal(t, int64(1), snap.RAG.Requests)
	assert.InDelta(t, 2, snap.RAG.AvgTimeMS, 1e-9)
}

func TestMetrics_EmptySnapshotHasNoNaNs(t *testing.T) {
	snap := NewMetrics().Snapshot()
	assert.Zero(t, snap.Queries.SuccessRate)
	assert.Zero(t, snap.Clarifications.Rate)
	assert.Zero(t, snap.Execution.AvgTimeMS)
	assert.Zero(t, snap.LLM.AvgTimeMS)
	require.NotNil(t, snap.Validation.FailureReasons)
}

func TestMetrics_ExecutionWindowIsBounded(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < maxExecutionSamples+500; i++ {
		m.RecordQuery(true, 10)
	}

	m.mu.Lock()
	samples := len(m.executionSamples)
	m.mu.Unlock()
	assert.Equal(t, maxExecutionSamples, samples)
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordQuery(j%2 == 0, float64(j))
				m.RecordValidationFailure("parse_error")
				_ = m.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, int64(800), snap.Queries.Total)
	assert.Equal(t, int64(800), snap.Validation.Failures)
}
