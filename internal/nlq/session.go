// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

/*
Package nlq implements the natural-language query pipeline: conversation
context resolution, deterministic schema retrieval, LLM-backed SQL
generation, and the HTTP surface that ties them to validation and
execution.

Design rule carried through the whole package: the LLM is a SQL
compiler, never a decision maker. Continuation classification,
refinement rewrites, clarification gating, and retrieval scoring are
all plain code over the compiled knowledge base.
*/
package nlq

import (
	"sync"
	"time"

	"github.com/phamtuananh/sequana/internal/platform/constants"
)

// # Conversation Model

// ContinuationType classifies how a question relates to the conversation.
type ContinuationType string

const (
	// ContinuationNew is an independent question.
	ContinuationNew ContinuationType = "new"
	// ContinuationRefine adjusts the previous query (limit, order, filter...).
	ContinuationRefine ContinuationType = "refine"
	// ContinuationDrilldown digs into the previous result set (pronouns).
	ContinuationDrilldown ContinuationType = "drilldown"
)

// Refinement instructions produced by the resolver and consumed by the
// generator's deterministic rewrite path.
const (
	RefineLimit      = "limit_change"
	RefineMetric     = "metric_change"
	RefineOrder      = "order_change"
	RefineFilter     = "filter_change"
	RefineTimeWindow = "time_window_change"
)

// Ordering is one ORDER BY directive.
type Ordering struct {
	Column    string `json:"column"`
	Direction string `json:"direction"`
}

// IntentSummary is the structured description of what a query asks for.
// The LLM reports it alongside generated SQL; refinement rewrites mutate
// single fields of the anchor turn's copy.
type IntentSummary struct {
	Subject     string    `json:"subject,omitempty"`
	Metric      string    `json:"metric,omitempty"`
	TimeWindow  string    `json:"time_window,omitempty"`
	Grouping    []string  `json:"grouping,omitempty"`
	Ordering    *Ordering `json:"ordering,omitempty"`
	Limit       int       `json:"limit,omitempty"`
	Tables      []string  `json:"tables,omitempty"`
	ResultScope []any     `json:"result_scope,omitempty"`
}

// Turn is one completed conversation exchange. SQL is empty for turns
// that ended in clarification.
type Turn struct {
	Question string        `json:"question"`
	SQL      string        `json:"sql,omitempty"`
	Intent   IntentSummary `json:"intent_summary"`
}

// PreservedDimensions carries the anchor turn's intent forward so related
// follow-ups keep subject, metric, grouping, and scope stable.
type PreservedDimensions struct {
	Subject     string
	Metric      string
	TimeWindow  string
	Grouping    []string
	Ordering    *Ordering
	Limit       int
	Tables      []string
	ResultScope []any
}

// ResolvedContext is the resolver's verdict for one incoming question.
type ResolvedContext struct {
	IsRelated       bool
	Continuation    ContinuationType
	AnchorTurn      *Turn
	Preserved       PreservedDimensions
	CurrentQuestion string
	// Refinement names the detected instruction (RefineLimit, ...) and is
	// empty for generic referential follow-ups.
	Refinement string
}

// # Session Store

type sessionState struct {
	turns    []Turn
	lastSeen time.Time
}

// SessionStore keeps per-session conversation rings in memory.
//
// Sessions are process-local: capacity is bounded per session and idle
// sessions are pruned lazily. Losing them on restart is acceptable; a
// client simply starts a fresh conversation.
type SessionStore struct {
	mu       sync.Mutex
	maxTurns int
	ttl      time.Duration
	sessions map[string]*sessionState
}

// NewSessionStore creates a store with the standard ring size and TTL.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		maxTurns: constants.SessionMaxTurns,
		ttl:      constants.SessionTTL,
		sessions: make(map[string]*sessionState),
	}
}

// Append adds a turn to the session ring, evicting the oldest turn when
// the ring is full.
func (s *SessionStore) Append(sessionID string, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	state, ok := s.sessions[sessionID]
	if !ok {
		state = &sessionState{}
		s.sessions[sessionID] = state
	}

	state.turns = append(state.turns, turn)
	if len(state.turns) > s.maxTurns {
		state.turns = state.turns[len(state.turns)-s.maxTurns:]
	}
	state.lastSeen = time.Now()
}

// Turns returns a copy of the session's turns, oldest first.
func (s *SessionStore) Turns(sessionID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	state.lastSeen = time.Now()

	out := make([]Turn, len(state.turns))
	copy(out, state.turns)
	return out
}

// Clear drops the conversation context of one session.
func (s *SessionStore) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// pruneLocked evicts idle sessions. Caller holds the lock.
func (s *SessionStore) pruneLocked() {
	cutoff := time.Now().Add(-s.ttl)
	for id, state := range s.sessions {
		if state.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}
