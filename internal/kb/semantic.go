// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package kb

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-openapi/inflect"
)

// # Semantic Layer

// JoinPolicies bounds how a table may participate in joins.
type JoinPolicies struct {
	MaxDepth     int      `json:"max_depth"`
	BlockedPaths []string `json:"blocked_paths"`
}

// TableSemantics carries the human-curated knowledge about one table.
//
// Entries start as generated defaults and are enriched by hand over time;
// the merge step preserves every curated entry across schema refreshes.
type TableSemantics struct {
	Table                 string       `json:"table"`
	Aliases               []string     `json:"aliases"`
	Purpose               string       `json:"purpose"`
	PIIColumns            []string     `json:"pii_columns"`
	DefaultFilters        []string     `json:"default_filters"`
	RecommendedDimensions []string     `json:"recommended_dimensions"`
	RecommendedMetrics    []string     `json:"recommended_metrics"`
	BusinessRules         []string     `json:"business_rules"`
	JoinPolicies          JoinPolicies `json:"join_policies"`
}

// SemanticStore is the on-disk curated layer (kb_semantic.json).
type SemanticStore struct {
	Tables   []TableSemantics `json:"tables"`
	Metadata struct {
		TableCount int       `json:"table_count"`
		UpdatedAt  time.Time `json:"updated_at"`
	} `json:"metadata"`
}

// defaultSemantics builds the starter entry for a newly discovered table.
func defaultSemantics(tableName string, maxJoinDepth int) TableSemantics {
	return TableSemantics{
		Table:                 tableName,
		Aliases:               buildAliases(tableName),
		Purpose:               "unknown, needs enrichment",
		PIIColumns:            []string{},
		DefaultFilters:        []string{},
		RecommendedDimensions: []string{},
		RecommendedMetrics:    []string{},
		BusinessRules:         []string{},
		JoinPolicies: JoinPolicies{
			MaxDepth:     maxJoinDepth,
			BlockedPaths: []string{},
		},
	}
}

// buildAliases derives lookup aliases from the table name: the name itself,
// its plural and singular forms, and a spaced variant of snake_case names.
func buildAliases(tableName string) []string {
	candidates := []string{
		tableName,
		inflect.Pluralize(tableName),
		inflect.Singularize(tableName),
		strings.ReplaceAll(tableName, "_", " "),
	}

	seen := make(map[string]struct{}, len(candidates))
	aliases := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		aliases = append(aliases, candidate)
	}
	return aliases
}

// MergeSemantics reconciles the curated store with a fresh snapshot.
//
// Curated entries for surviving tables are preserved verbatim, new tables
// receive generated defaults, and entries for dropped tables are removed.
func MergeSemantics(existing *SemanticStore, snapshot *Snapshot, maxJoinDepth int) *SemanticStore {
	curated := make(map[string]TableSemantics)
	if existing != nil {
		for _, entry := range existing.Tables {
			curated[entry.Table] = entry
		}
	}

	merged := &SemanticStore{Tables: make([]TableSemantics, 0, len(snapshot.Tables))}
	for _, table := range sortedTables(snapshot) {
		if entry, ok := curated[table.Name]; ok {
			merged.Tables = append(merged.Tables, entry)
			continue
		}
		merged.Tables = append(merged.Tables, defaultSemantics(table.Name, maxJoinDepth))
	}

	merged.Metadata.TableCount = len(merged.Tables)
	merged.Metadata.UpdatedAt = time.Now().UTC()
	return merged
}

// LoadSemantics reads kb_semantic.json. A missing file yields an empty
// store. Both artifact shapes are accepted: the `{"tables": [...]}`
// wrapper and the legacy bare list of entries.
func LoadSemantics(path string) (*SemanticStore, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &SemanticStore{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kb: read semantic store: %w", err)
	}

	var store SemanticStore
	structErr := json.Unmarshal(data, &store)
	if structErr == nil && len(store.Tables) > 0 {
		return &store, nil
	}

	var entries []TableSemantics
	if listErr := json.Unmarshal(data, &entries); listErr == nil {
		wrapped := &SemanticStore{Tables: entries}
		wrapped.Metadata.TableCount = len(entries)
		return wrapped, nil
	}

	if structErr != nil {
		return nil, fmt.Errorf("kb: parse semantic store: %w", structErr)
	}
	return &store, nil
}

// byName indexes the store by unqualified table name.
func (s *SemanticStore) byName() map[string]TableSemantics {
	out := make(map[string]TableSemantics, len(s.Tables))
	for _, entry := range s.Tables {
		out[entry.Table] = entry
	}
	return out
}
