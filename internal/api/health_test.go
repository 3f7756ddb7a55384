// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamtuananh/sequana/internal/kb"
)

type readinessBody struct {
	Data struct {
		Status string `json:"status"`
		Checks []struct {
			Name  string `json:"name"`
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		} `json:"checks"`
	} `json:"data"`
}

func TestReadiness_Ready(t *testing.T) {
	rules := &kb.CompiledRules{Version: "v1"}
	_, readiness, _, _, _ := NewHealthHandlers(HealthDependencies{
		CheckDatabase: func() error { return nil },
		Rules:         func() *kb.CompiledRules { return rules },
	}, slog.Default())

	recorder := httptest.NewRecorder()
	readiness(recorder, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)

	var body readinessBody
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Data.Status)
	require.Len(t, body.Data.Checks, 2)
	assert.True(t, body.Data.Checks[0].OK)
	assert.True(t, body.Data.Checks[1].OK)
}

func TestReadiness_DegradedReturns503(t *testing.T) {
	_, readiness, _, _, _ := NewHealthHandlers(HealthDependencies{
		CheckDatabase: func() error { return errors.New("connection refused") },
		Rules:         func() *kb.CompiledRules { return nil },
	}, slog.Default())

	recorder := httptest.NewRecorder()
	readiness(recorder, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Contains(t, recorder.Header().Get("Content-Type"), "application/json")

	var body readinessBody
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Data.Status)
	require.Len(t, body.Data.Checks, 2)
	assert.False(t, body.Data.Checks[0].OK)
	assert.Equal(t, "connection refused", body.Data.Checks[0].Error)
	assert.False(t, body.Data.Checks[1].OK)
}
