// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package nlq

import (
	"context"
	"log/slog"
	"strings"

	"github.com/phamtuananh/sequana/internal/kb"
	"github.com/phamtuananh/sequana/internal/observe"
	"github.com/phamtuananh/sequana/internal/platform/apperr"
	"github.com/phamtuananh/sequana/internal/platform/postgres"
	"github.com/phamtuananh/sequana/internal/sqlcheck"
)

// # Query Service
//
// The service strings the pipeline together: resolve context, generate,
// validate, execute, remember. Validation failures on /query are soft
// (HTTP 200 with an explanation) so clients can surface them; the same
// failure on /clarify is a hard 400 because the clarified question was
// supposed to be complete.

// readOnlyRefusalMessage is returned verbatim when a question asks for
// writes or DDL.
const readOnlyRefusalMessage = "This system is read-only. DELETE/UPDATE/INSERT/DDL operations are not allowed."

// RulesSource yields the current compiled rules snapshot, nil before the
// first successful refresh.
type RulesSource interface {
	Current() *kb.CompiledRules
}

// QueryExecutor runs one validated statement. The production
// implementation is platform/postgres.Executor.
type QueryExecutor interface {
	Execute(ctx context.Context, sql, correlationID string) (*postgres.ExecutionResult, error)
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
}

// ClarifyRequest is the body of POST /clarify.
type ClarifyRequest struct {
	OriginalQuestion    string         `json:"original_question"`
	ClarificationAnswer string         `json:"clarification_answer"`
	SessionID           string         `json:"session_id,omitempty"`
	PartialIntent       *PartialIntent `json:"partial_intent,omitempty"`
}

// Provenance records where an answer came from.
type Provenance struct {
	TablesUsed    []string `json:"tables_used"`
	KBVersion     string   `json:"kb_version"`
	CorrelationID string   `json:"correlation_id"`
}

// QueryResponse is the envelope for both /query and /clarify. Exactly
// one of three shapes is populated: results, a clarification request,
// or a refusal.
type QueryResponse struct {
	NeedsClarification    bool           `json:"needs_clarification"`
	ClarificationQuestion string         `json:"clarification_question,omitempty"`
	PartialIntent         *PartialIntent `json:"partial_intent,omitempty"`
	RefusalMessage        string         `json:"refusal_message,omitempty"`

	SQL               string           `json:"sql,omitempty"`
	Rows              []map[string]any `json:"rows"`
	RowCount          int              `json:"row_count"`
	ExecutionTimeMS   int64            `json:"execution_time_ms"`
	Warnings          []string         `json:"warnings,omitempty"`
	SafetyExplanation string           `json:"safety_explanation,omitempty"`
	Confidence        float64          `json:"confidence,omitempty"`
	Provenance        *Provenance      `json:"provenance,omitempty"`

	CorrelationID string `json:"correlation_id"`
	SessionID     string `json:"session_id"`
}

// Service implements the query and clarification pipelines.
type Service struct {
	rules     RulesSource
	resolver  *Resolver
	generator *Generator
	executor  QueryExecutor
	metrics   *observe.Metrics
	log       *slog.Logger
}

// NewService wires the pipeline.
func NewService(rules RulesSource, resolver *Resolver, generator *Generator, executor QueryExecutor, metrics *observe.Metrics, log *slog.Logger) *Service {
	return &Service{
		rules:     rules,
		resolver:  resolver,
		generator: generator,
		executor:  executor,
		metrics:   metrics,
		log:       log,
	}
}

// Query answers one natural-language question.
func (s *Service) Query(ctx context.Context, correlationID string, req QueryRequest) (*QueryResponse, error) {
	rules := s.rules.Current()
	if rules == nil {
		return nil, apperr.ServiceUnavailable("Knowledge base not initialized. Please wait for KB refresh.")
	}

	s.log.Info("query_received",
		slog.String("correlation_id", correlationID),
		slog.String("session_id", req.SessionID),
		slog.Int("question_length", len(req.Question)),
	)

	resolved := s.resolver.Resolve(req.SessionID, req.Question)

	generated, err := s.generator.Generate(ctx, GenerateInput{
		Question:      req.Question,
		Rules:         rules,
		CorrelationID: correlationID,
		Resolved:      &resolved,
	})
	if err != nil {
		s.metrics.RecordQuery(false, 0)
		return nil, apperr.Internal(err)
	}

	if generated.Refused {
		s.log.Warn("read_only_refusal",
			slog.String("correlation_id", correlationID),
			slog.String("question", req.Question),
		)
		return &QueryResponse{
			RefusalMessage: readOnlyRefusalMessage,
			Rows:           []map[string]any{},
			CorrelationID:  correlationID,
			SessionID:      req.SessionID,
		}, nil
	}

	if generated.Clarification != nil {
		s.metrics.RecordClarification()
		return &QueryResponse{
			NeedsClarification:    true,
			ClarificationQuestion: generated.Clarification.Question,
			PartialIntent:         generated.Clarification.PartialIntent,
			Rows:                  []map[string]any{},
			CorrelationID:         correlationID,
			SessionID:             req.SessionID,
		}, nil
	}

	if strings.TrimSpace(generated.SQL) == "" {
		s.metrics.RecordQuery(false, 0)
		return &QueryResponse{
			Warnings:          []string{"Empty SQL generated"},
			Rows:              []map[string]any{},
			SafetyExplanation: "SQL generation returned empty SQL. Please rephrase your question.",
			CorrelationID:     correlationID,
			SessionID:         req.SessionID,
		}, nil
	}

	validation := sqlcheck.NewValidator(rules).Validate(generated.SQL)
	if !validation.Valid {
		s.metrics.RecordQuery(false, 0)
		s.metrics.RecordValidationFailure(validation.FailureReasons...)
		return &QueryResponse{
			SQL:               generated.SQL,
			Warnings:          validation.Warnings,
			Rows:              []map[string]any{},
			SafetyExplanation: "Validation failed: " + strings.Join(validation.Errors, "; "),
			CorrelationID:     correlationID,
			SessionID:         req.SessionID,
		}, nil
	}

	execution, err := s.executor.Execute(ctx, validation.SQL, correlationID)
	if err != nil {
		s.metrics.RecordQuery(false, 0)
		return nil, apperr.Internal(err)
	}

	s.resolver.AddTurn(req.SessionID, req.Question, validation.SQL, generated.Intent)

	s.log.Info("query_executed",
		slog.String("correlation_id", correlationID),
		slog.Int("row_count", execution.RowCount),
		slog.Int64("execution_time_ms", execution.ExecutionTimeMS),
	)
	s.metrics.RecordQuery(true, float64(execution.ExecutionTimeMS))

	return &QueryResponse{
		SQL:               validation.SQL,
		Rows:              execution.Rows,
		RowCount:          execution.RowCount,
		ExecutionTimeMS:   execution.ExecutionTimeMS,
		Warnings:          validation.Warnings,
		SafetyExplanation: validation.SafetyExplanation,
		Confidence:        generated.Confidence,
		Provenance: &Provenance{
			TablesUsed:    generated.TablesUsed,
			KBVersion:     rules.Version,
			CorrelationID: correlationID,
		},
		CorrelationID: correlationID,
		SessionID:     req.SessionID,
	}, nil
}

// Clarify completes a previously clarified question. Unlike Query, an
// empty or invalid SQL here is the caller's problem: the clarified
// question should have been answerable.
func (s *Service) Clarify(ctx context.Context, correlationID string, req ClarifyRequest) (*QueryResponse, error) {
	rules := s.rules.Current()
	if rules == nil {
		return nil, apperr.ServiceUnavailable("Knowledge base not initialized")
	}

	s.log.Info("clarification_received",
		slog.String("correlation_id", correlationID),
		slog.String("session_id", req.SessionID),
		slog.String("original_question", req.OriginalQuestion),
	)

	resolved := s.resolver.Resolve(req.SessionID, req.OriginalQuestion)

	generated, err := s.generator.Generate(ctx, GenerateInput{
		Question:            req.OriginalQuestion,
		Rules:               rules,
		CorrelationID:       correlationID,
		Resolved:            &resolved,
		ClarificationAnswer: req.ClarificationAnswer,
		PartialIntent:       req.PartialIntent,
	})
	if err != nil {
		s.metrics.RecordQuery(false, 0)
		return nil, apperr.Internal(err)
	}

	if generated.Refused {
		return &QueryResponse{
			RefusalMessage: readOnlyRefusalMessage,
			Rows:           []map[string]any{},
			CorrelationID:  correlationID,
			SessionID:      req.SessionID,
		}, nil
	}

	if strings.TrimSpace(generated.SQL) == "" {
		s.metrics.RecordQuery(false, 0)
		return nil, apperr.ValidationError(
			"SQL generation returned empty SQL during clarification. Please answer with a table/entity and optional filters.")
	}

	validation := sqlcheck.NewValidator(rules).Validate(generated.SQL)
	if !validation.Valid {
		s.metrics.RecordQuery(false, 0)
		s.metrics.RecordValidationFailure(validation.FailureReasons...)
		return nil, apperr.ValidationError("Validation failed: " + strings.Join(validation.Errors, "; "))
	}

	execution, err := s.executor.Execute(ctx, validation.SQL, correlationID)
	if err != nil {
		s.metrics.RecordQuery(false, 0)
		return nil, apperr.Internal(err)
	}

	// The stored turn carries the clarified form so follow-ups anchor on
	// the complete question, not the vague original.
	clarified := req.OriginalQuestion + " [clarified: " + req.ClarificationAnswer + "]"
	s.resolver.AddTurn(req.SessionID, clarified, validation.SQL, generated.Intent)

	s.metrics.RecordQuery(true, float64(execution.ExecutionTimeMS))

	return &QueryResponse{
		SQL:               validation.SQL,
		Rows:              execution.Rows,
		RowCount:          execution.RowCount,
		ExecutionTimeMS:   execution.ExecutionTimeMS,
		Warnings:          validation.Warnings,
		SafetyExplanation: validation.SafetyExplanation,
		Confidence:        generated.Confidence,
		Provenance: &Provenance{
			TablesUsed:    generated.TablesUsed,
			KBVersion:     rules.Version,
			CorrelationID: correlationID,
		},
		CorrelationID: correlationID,
		SessionID:     req.SessionID,
	}, nil
}

// ClearSession drops one session's conversation context.
func (s *Service) ClearSession(sessionID string) {
	s.resolver.ClearSession(sessionID)
}
