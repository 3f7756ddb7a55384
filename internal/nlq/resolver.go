// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package nlq

import (
	"log/slog"
	"regexp"
	"strings"
)

// # Classification Patterns
//
// All patterns are compiled once at package load. The detection order is
// part of the contract: limit, metric, order, filter, time window, then
// drilldown, then generic referential.

var limitRefinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(?:make it|increase to|decrease to|change to|set to|limit to)\s+(\d+)\s*$`),
	regexp.MustCompile(`^(\d+)\s*$`),
	regexp.MustCompile(`^top\s+(\d+)\s*$`),
	regexp.MustCompile(`^limit\s+(\d+)\s*$`),
	regexp.MustCompile(`^(?:show|show me|give me)\s+(\d+)\s*(?:rows|results)?\s*$`),
}

var metricChangePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:now|instead)\s+by\s+(?:outstanding balance|outstanding|principal|collections|repayments|loan count|number of loans)\b`),
	regexp.MustCompile(`\bby\s+(?:outstanding balance|outstanding|principal|collections|repayments|loan count|number of loans)\b`),
}

var orderChangePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:sort|order)\s+by\b`),
	regexp.MustCompile(`\b(?:highest|lowest|most|least)\b`),
	regexp.MustCompile(`\b(?:asc|desc|ascending|descending)\b`),
}

var filterChangePattern = regexp.MustCompile(`\b(?:only|just|exclude|include|without|with)\s+\w+`)

var timeWindowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:last|past|previous)\s+\d+\s+(?:day|week|month|quarter|year)s?\b`),
	regexp.MustCompile(`\b(?:last|past|previous)\s+(?:day|week|month|quarter|year)\b`),
	regexp.MustCompile(`\b(?:january|february|march|april|may|june|july|august|september|october|november|december)\b`),
	regexp.MustCompile(`\bin\s+\d{4}\b`),
	regexp.MustCompile(`\bin\s+q[1-4](?:\s+\d{4})?\b`),
	regexp.MustCompile(`\b(?:this|current)\s+(?:day|week|month|quarter|year)\b`),
	regexp.MustCompile(`\b(?:today|yesterday)\b`),
}

var drilldownPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:they|them|those|these|their)\b`),
	regexp.MustCompile(`\b(?:from|in)\s+(?:the\s+)?(?:above|previous|prior)\s+(?:results?|data|rows?|query)\b`),
}

var referentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsame\b`),
	regexp.MustCompile(`\bwhat about\b`),
	regexp.MustCompile(`\balso\b`),
	regexp.MustCompile(`\btoo\b`),
	regexp.MustCompile(`\bsimilar\b`),
	regexp.MustCompile(`\bsplit by\b`),
	regexp.MustCompile(`\bgroup by\b`),
	regexp.MustCompile(`\bbreak down\b`),
	regexp.MustCompile(`\bshow details\b`),
}

var whitespaceRun = regexp.MustCompile(`\s+`)

var smartQuoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

// NormalizeQuestion prepares a question for pattern matching: smart
// quotes become ASCII, outer quotes are stripped, whitespace collapses,
// and trailing sentence punctuation is dropped.
func NormalizeQuestion(question string) string {
	q := strings.TrimSpace(question)
	if q == "" {
		return ""
	}

	q = smartQuoteReplacer.Replace(q)
	q = strings.Trim(q, `"'`)
	q = whitespaceRun.ReplaceAllString(q, " ")
	q = strings.TrimSpace(q)
	q = strings.TrimRight(q, ".?!")
	return strings.TrimSpace(q)
}

// # Resolver

// Resolver classifies each incoming question against its session history
// and carries preserved intent dimensions across related turns.
type Resolver struct {
	store *SessionStore
	log   *slog.Logger
}

// NewResolver wires a Resolver to its session store.
func NewResolver(store *SessionStore, log *slog.Logger) *Resolver {
	return &Resolver{store: store, log: log}
}

// AddTurn records a completed exchange for future context resolution.
func (r *Resolver) AddTurn(sessionID, question, sql string, intent IntentSummary) {
	r.store.Append(sessionID, Turn{Question: question, SQL: sql, Intent: intent})
	r.log.Info("turn_added",
		slog.String("session_id", sessionID),
		slog.Bool("has_sql", sql != ""),
	)
}

// ClearSession drops one session's conversation context.
func (r *Resolver) ClearSession(sessionID string) {
	r.store.Clear(sessionID)
}

// Resolve classifies the question as NEW, REFINE, or DRILLDOWN.
//
// The anchor is the most recent turn with SQL; without one every
// question is NEW. Refinement detection runs before drilldown so that
// "make it 10" never gets mistaken for a pronoun reference.
func (r *Resolver) Resolve(sessionID, question string) ResolvedContext {
	normalized := NormalizeQuestion(question)

	newContext := ResolvedContext{
		Continuation:    ContinuationNew,
		CurrentQuestion: normalized,
	}

	turns := r.store.Turns(sessionID)
	if len(turns) == 0 {
		return newContext
	}

	var anchor *Turn
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].SQL != "" {
			anchor = &turns[i]
			break
		}
	}
	if anchor == nil {
		return newContext
	}

	lower := strings.ToLower(normalized)

	if instruction := detectRefinement(lower); instruction != "" {
		r.log.Info("context_resolved",
			slog.String("session_id", sessionID),
			slog.String("continuation", string(ContinuationRefine)),
			slog.String("refinement", instruction),
		)
		return ResolvedContext{
			IsRelated:       true,
			Continuation:    ContinuationRefine,
			AnchorTurn:      anchor,
			Preserved:       preservedFrom(anchor),
			CurrentQuestion: normalized,
			Refinement:      instruction,
		}
	}

	if matchesAny(lower, drilldownPatterns) {
		r.log.Info("context_resolved",
			slog.String("session_id", sessionID),
			slog.String("continuation", string(ContinuationDrilldown)),
		)
		return ResolvedContext{
			IsRelated:       true,
			Continuation:    ContinuationDrilldown,
			AnchorTurn:      anchor,
			Preserved:       preservedFrom(anchor),
			CurrentQuestion: normalized,
		}
	}

	if matchesAny(lower, referentialPatterns) {
		r.log.Info("context_resolved",
			slog.String("session_id", sessionID),
			slog.String("continuation", string(ContinuationRefine)),
			slog.String("reason", "referential"),
		)
		return ResolvedContext{
			IsRelated:       true,
			Continuation:    ContinuationRefine,
			AnchorTurn:      anchor,
			Preserved:       preservedFrom(anchor),
			CurrentQuestion: normalized,
		}
	}

	return newContext
}

// detectRefinement returns the first matching refinement instruction, in
// priority order, or "" when none match.
func detectRefinement(lower string) string {
	if matchesAny(lower, limitRefinePatterns) {
		return RefineLimit
	}
	if matchesAny(lower, metricChangePatterns) {
		return RefineMetric
	}
	if matchesAny(lower, orderChangePatterns) {
		return RefineOrder
	}
	if filterChangePattern.MatchString(lower) {
		return RefineFilter
	}
	if matchesAny(lower, timeWindowPatterns) {
		return RefineTimeWindow
	}
	return ""
}

func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, pattern := range patterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// preservedFrom copies the anchor turn's intent into the dimensions a
// related follow-up must keep stable.
func preservedFrom(anchor *Turn) PreservedDimensions {
	intent := anchor.Intent
	return PreservedDimensions{
		Subject:     intent.Subject,
		Metric:      intent.Metric,
		TimeWindow:  intent.TimeWindow,
		Grouping:    intent.Grouping,
		Ordering:    intent.Ordering,
		Limit:       intent.Limit,
		Tables:      intent.Tables,
		ResultScope: intent.ResultScope,
	}
}
