// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package nlq

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/phamtuananh/sequana/internal/kb"
)

// # Deterministic Schema Retrieval
//
// Retrieval trims the compiled knowledge base down to the tables a
// question plausibly touches before the prompt is built. Scoring is
// plain token overlap with fixed weights; no embeddings, no external
// calls, identical input always yields identical output.

// Scoring weights, in descending influence. Conversation hints dominate
// because a preserved table from the previous turn is the strongest
// relevance signal available.
const (
	weightContextHint  = 15.0
	weightIntentTable  = 12.0
	weightTableName    = 10.0
	weightAlias        = 8.0
	weightIntentMetric = 5.0
	weightColumnMatch  = 3.0
	fallbackMaxTables  = 5
	fallbackMaxColumns = 10
)

// RetrievalCaps bounds how much schema a single prompt may carry.
type RetrievalCaps struct {
	Enabled            bool
	MaxTables          int
	MaxColumnsPerTable int
	MaxJoinPaths       int
}

// PolicySummary is the slim guardrail block embedded in retrieved
// context. The full blocked lists stay out of the prompt.
type PolicySummary struct {
	DefaultLimit            int `json:"default_limit"`
	MaxLimit                int `json:"max_limit"`
	MaxJoinDepth            int `json:"max_join_depth"`
	StatementTimeoutSeconds int `json:"statement_timeout_seconds"`
}

// RetrievalMetadata records what the retrieval pass selected.
type RetrievalMetadata struct {
	TablesSelected  int  `json:"total_tables_selected"`
	ColumnsSelected int  `json:"total_columns_selected"`
	JoinPaths       int  `json:"total_join_paths"`
	RAGEnabled      bool `json:"rag_enabled"`
	Fallback        bool `json:"fallback,omitempty"`
	ContextHints    int  `json:"context_tables_hint_count,omitempty"`
}

// SchemaContext is the retrieved slice of the knowledge base handed to
// the prompt builder.
type SchemaContext struct {
	SchemaName string
	Tables     map[string]kb.CompiledTable
	JoinPaths  map[string]kb.JoinPath
	FKEdges    []kb.FKEdge
	Policies   PolicySummary
	Metadata   RetrievalMetadata
}

// RetrievalHints carries conversation-derived relevance signals into a
// retrieval pass.
type RetrievalHints struct {
	// ContextTables are tables preserved from related prior turns.
	ContextTables []string
	// Intent is the partial intent gathered before a clarification.
	Intent *PartialIntent
	// ClarificationAnswer extends the question's token set.
	ClarificationAnswer string
}

// Retriever scores and trims compiled rules for prompt construction.
type Retriever struct {
	caps RetrievalCaps
	log  *slog.Logger
}

// NewRetriever builds a Retriever with the configured caps.
func NewRetriever(caps RetrievalCaps, log *slog.Logger) *Retriever {
	return &Retriever{caps: caps, log: log}
}

var tokenPattern = regexp.MustCompile(`\w+`)

// tokenize lowercases text and splits it into word tokens, treating
// underscores and hyphens as separators so "loan_officers" matches
// "officers".
func tokenize(text string) map[string]struct{} {
	lower := strings.ToLower(text)
	lower = strings.NewReplacer("_", " ", "-", " ").Replace(lower)

	tokens := make(map[string]struct{})
	for _, token := range tokenPattern.FindAllString(lower, -1) {
		tokens[token] = struct{}{}
	}
	return tokens
}

func overlap(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	count := 0
	for token := range a {
		if _, ok := b[token]; ok {
			count++
		}
	}
	return count
}

// Retrieve selects the most relevant tables, columns, and join paths
// for one question. When retrieval is disabled it returns the minimal
// fallback context.
func (r *Retriever) Retrieve(question string, rules *kb.CompiledRules, hints RetrievalHints) SchemaContext {
	start := time.Now()

	if !r.caps.Enabled {
		r.log.Info("rag_disabled")
		return minimalFallback(rules)
	}

	combined := question
	if hints.ClarificationAnswer != "" {
		combined = question + " " + hints.ClarificationAnswer
	}
	questionTokens := tokenize(combined)

	contextTables := make(map[string]struct{}, len(hints.ContextTables)*2)
	for _, table := range hints.ContextTables {
		if table == "" {
			continue
		}
		contextTables[table] = struct{}{}
		if idx := strings.LastIndex(table, "."); idx >= 0 {
			contextTables[table[idx+1:]] = struct{}{}
		}
	}

	type scored struct {
		score     float64
		qualified string
	}

	ranked := make([]scored, 0, len(rules.Tables))
	for qualified, table := range rules.Tables {
		ranked = append(ranked, scored{
			score:     scoreTable(&table, questionTokens, contextTables, hints.Intent),
			qualified: qualified,
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].qualified < ranked[j].qualified
	})
	if len(ranked) > r.caps.MaxTables {
		ranked = ranked[:r.caps.MaxTables]
	}

	selected := make(map[string]kb.CompiledTable, len(ranked))
	// Join paths may reference either qualified or raw names.
	selectedNames := make(map[string]struct{}, len(ranked)*2)
	totalColumns := 0

	for _, entry := range ranked {
		table := rules.Tables[entry.qualified]
		selectedNames[entry.qualified] = struct{}{}
		if table.Name != "" {
			selectedNames[table.Name] = struct{}{}
		}

		table.Columns = selectColumns(table.Columns, questionTokens,
			table.PrimaryKeys, fkColumnSet(table.ForeignKeys), r.caps.MaxColumnsPerTable)
		totalColumns += len(table.Columns)
		selected[entry.qualified] = table
	}

	joinPaths := filterJoinPaths(rules.JoinPaths, selectedNames, r.caps.MaxJoinPaths)

	ctx := SchemaContext{
		SchemaName: rules.SchemaName,
		Tables:     selected,
		JoinPaths:  joinPaths,
		FKEdges:    rules.FKEdges,
		Policies: PolicySummary{
			DefaultLimit:            rules.QueryPolicies.DefaultLimit,
			MaxLimit:                rules.QueryPolicies.MaxLimit,
			MaxJoinDepth:            rules.QueryPolicies.MaxJoinDepth,
			StatementTimeoutSeconds: rules.QueryPolicies.StatementTimeoutSeconds,
		},
		Metadata: RetrievalMetadata{
			TablesSelected:  len(selected),
			ColumnsSelected: totalColumns,
			JoinPaths:       len(joinPaths),
			RAGEnabled:      true,
			ContextHints:    len(contextTables),
		},
	}

	r.log.Info("rag_retrieval_completed",
		slog.Int("tables_selected", len(selected)),
		slog.Int("columns_selected", totalColumns),
		slog.Int("join_paths", len(joinPaths)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return ctx
}

// scoreTable computes one table's relevance score.
func scoreTable(table *kb.CompiledTable, questionTokens, contextTables map[string]struct{}, intent *PartialIntent) float64 {
	score := 0.0
	tableTokens := tokenize(table.Name)

	if n := overlap(questionTokens, tableTokens); n > 0 {
		score += weightTableName * float64(n)
	}

	for _, alias := range table.Aliases {
		if n := overlap(questionTokens, tokenize(alias)); n > 0 {
			score += weightAlias * float64(n)
		}
	}

	matchedColumns := 0
	for _, col := range table.Columns {
		if overlap(questionTokens, tokenize(col.Name)) > 0 {
			matchedColumns++
		}
	}
	score += weightColumnMatch * float64(matchedColumns)

	if _, ok := contextTables[table.SchemaQualifiedName]; ok {
		score += weightContextHint
	} else if _, ok := contextTables[table.Name]; ok {
		score += weightContextHint
	}

	if intent != nil {
		for _, t := range intent.Tables {
			if t == table.Name || t == table.SchemaQualifiedName {
				score += weightIntentTable
				break
			}
		}
		if intent.Metric != "" && overlap(tableTokens, tokenize(intent.Metric)) > 0 {
			score += weightIntentMetric
		}
	}

	return score
}

// selectColumns keeps every PK/FK column and fills the remaining slots
// with the best name matches against the question.
func selectColumns(columns []kb.Column, questionTokens map[string]struct{}, primaryKeys []string, fkColumns map[string]struct{}, maxColumns int) []kb.Column {
	pkSet := make(map[string]struct{}, len(primaryKeys))
	for _, pk := range primaryKeys {
		pkSet[pk] = struct{}{}
	}

	var keyCols []kb.Column
	type scoredColumn struct {
		relevance int
		position  int
		column    kb.Column
	}
	var regular []scoredColumn

	for i, col := range columns {
		if _, isPK := pkSet[col.Name]; isPK {
			keyCols = append(keyCols, col)
			continue
		}
		if _, isFK := fkColumns[col.Name]; isFK {
			keyCols = append(keyCols, col)
			continue
		}
		regular = append(regular, scoredColumn{
			relevance: overlap(questionTokens, tokenize(col.Name)),
			position:  i,
			column:    col,
		})
	}

	sort.Slice(regular, func(i, j int) bool {
		if regular[i].relevance != regular[j].relevance {
			return regular[i].relevance > regular[j].relevance
		}
		return regular[i].position < regular[j].position
	})

	selected := keyCols
	for _, sc := range regular {
		if len(selected) >= maxColumns {
			break
		}
		selected = append(selected, sc.column)
	}
	return selected
}

func fkColumnSet(fks []kb.ForeignKey) map[string]struct{} {
	set := make(map[string]struct{}, len(fks))
	for _, fk := range fks {
		set[fk.Column] = struct{}{}
	}
	return set
}

// filterJoinPaths keeps paths whose both endpoints are selected, in
// deterministic key order, up to maxPaths.
func filterJoinPaths(paths map[string]kb.JoinPath, selected map[string]struct{}, maxPaths int) map[string]kb.JoinPath {
	keys := make([]string, 0, len(paths))
	for key := range paths {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	filtered := make(map[string]kb.JoinPath)
	for _, key := range keys {
		path := paths[key]
		if _, ok := selected[path.FromTable]; !ok {
			continue
		}
		if _, ok := selected[path.ToTable]; !ok {
			continue
		}
		filtered[key] = path
		if len(filtered) >= maxPaths {
			break
		}
	}
	return filtered
}

// minimalFallback returns the safe context used when retrieval is
// disabled: a handful of tables in name order, trimmed columns, full FK
// edges so joins stay groundable.
func minimalFallback(rules *kb.CompiledRules) SchemaContext {
	names := make([]string, 0, len(rules.Tables))
	for qualified := range rules.Tables {
		names = append(names, qualified)
	}
	sort.Strings(names)
	if len(names) > fallbackMaxTables {
		names = names[:fallbackMaxTables]
	}

	tables := make(map[string]kb.CompiledTable, len(names))
	for _, qualified := range names {
		table := rules.Tables[qualified]
		if len(table.Columns) > fallbackMaxColumns {
			table.Columns = table.Columns[:fallbackMaxColumns]
		}
		tables[qualified] = table
	}

	return SchemaContext{
		SchemaName: rules.SchemaName,
		Tables:     tables,
		JoinPaths:  map[string]kb.JoinPath{},
		FKEdges:    rules.FKEdges,
		Policies: PolicySummary{
			DefaultLimit: rules.QueryPolicies.DefaultLimit,
			MaxLimit:     rules.QueryPolicies.MaxLimit,
		},
		Metadata: RetrievalMetadata{
			TablesSelected: len(tables),
			RAGEnabled:     false,
			Fallback:       true,
		},
	}
}
