// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package kb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phamtuananh/sequana/internal/platform/constants"
)

// # Guardrail Defaults

// DefaultBlockedFunctions are functions that must never appear in generated
// SQL: sleepers, file access, remote connections, large objects, and
// backend/lock management.
var DefaultBlockedFunctions = []string{
	"pg_sleep", "pg_sleep_for", "pg_sleep_until",
	"pg_read_file", "pg_read_binary_file", "pg_ls_dir",
	"dblink", "dblink_exec", "dblink_connect", "dblink_open",
	"lo_import", "lo_export", "lo_create", "lo_unlink",
	"pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf",
	"pg_advisory_lock", "pg_try_advisory_lock",
}

// DefaultBlockedKeywords are statement keywords rejected during the raw
// keyword scan, after comments and string literals are stripped.
var DefaultBlockedKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "TRUNCATE", "DROP", "CREATE", "ALTER",
	"RENAME", "GRANT", "REVOKE", "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT",
	"VACUUM", "ANALYZE", "CLUSTER", "REINDEX", "DO", "CALL", "COPY",
	"LISTEN", "NOTIFY", "UNLISTEN",
}

// DeepJoinThreshold is the join depth at or above which a WHERE clause
// becomes mandatory.
const DeepJoinThreshold = 5

// # Compiled Artifact

// QueryPolicies is the guardrail block embedded in compiled rules.
type QueryPolicies struct {
	DefaultLimit               int      `json:"default_limit"`
	MaxLimit                   int      `json:"max_limit"`
	MaxJoinDepth               int      `json:"max_join_depth"`
	HardCapJoinDepth           int      `json:"hard_cap_join_depth"`
	RequireWhereForDeepJoins   bool     `json:"require_where_for_deep_joins"`
	DeepJoinThreshold          int      `json:"deep_join_threshold"`
	BlockedFunctions           []string `json:"blocked_functions"`
	BlockedPatterns            []string `json:"blocked_patterns"`
	RequireSchemaQualification bool     `json:"require_schema_qualification"`
	AllowedSchemas             []string `json:"allowed_schemas"`
	StatementTimeoutSeconds    int      `json:"statement_timeout_seconds"`
}

// CompiledTable is one table enriched with its semantic layer.
type CompiledTable struct {
	Table
	SchemaQualifiedName string `json:"schema_qualified_name"`

	Aliases               []string     `json:"aliases"`
	Purpose               string       `json:"purpose"`
	PIIColumns            []string     `json:"pii_columns"`
	DefaultFilters        []string     `json:"default_filters"`
	RecommendedDimensions []string     `json:"recommended_dimensions"`
	RecommendedMetrics    []string     `json:"recommended_metrics"`
	BusinessRules         []string     `json:"business_rules"`
	JoinPolicies          JoinPolicies `json:"join_policies"`
}

// applySemantics copies the curated layer onto the compiled entry.
func (ct *CompiledTable) applySemantics(sem TableSemantics) {
	ct.Aliases = sem.Aliases
	ct.Purpose = sem.Purpose
	ct.PIIColumns = sem.PIIColumns
	ct.DefaultFilters = sem.DefaultFilters
	ct.RecommendedDimensions = sem.RecommendedDimensions
	ct.RecommendedMetrics = sem.RecommendedMetrics
	ct.BusinessRules = sem.BusinessRules
	ct.JoinPolicies = sem.JoinPolicies
}

// CompiledRules is the single artifact read at query time. All retrieval,
// generation, and validation decisions are made against this structure.
type CompiledRules struct {
	Version       string                   `json:"version"`
	SchemaName    string                   `json:"schema_name"`
	Tables        map[string]CompiledTable `json:"tables"`
	JoinGraph     JoinGraphDoc             `json:"join_graph"`
	JoinPaths     map[string]JoinPath      `json:"join_paths"`
	FKEdges       []FKEdge                 `json:"fk_edges"`
	QueryPolicies QueryPolicies            `json:"query_policies"`
	CompiledAt    time.Time                `json:"compiled_at"`
}

// PolicyConfig carries the tunable guardrail values into compilation.
type PolicyConfig struct {
	DefaultLimit            int
	MaxLimit                int
	MaxJoinDepth            int
	HardCapJoinDepth        int
	StatementTimeoutSeconds int
}

// Compile merges a snapshot with its semantic layer and produces the
// compiled-rules artifact.
func Compile(snapshot *Snapshot, semantics *SemanticStore, policy PolicyConfig) *CompiledRules {
	graph := BuildGraph(snapshot)
	curated := semantics.byName()
	now := time.Now().UTC()

	tables := make(map[string]CompiledTable, len(snapshot.Tables))
	for qualified, table := range snapshot.Tables {
		entry := CompiledTable{
			Table:               *table,
			SchemaQualifiedName: qualified,
		}
		if sem, ok := curated[table.Name]; ok {
			entry.applySemantics(sem)
		} else {
			entry.applySemantics(defaultSemantics(table.Name, policy.MaxJoinDepth))
		}
		tables[qualified] = entry
	}

	return &CompiledRules{
		Version:    now.Format(time.RFC3339),
		SchemaName: snapshot.SchemaName,
		Tables:     tables,
		JoinGraph: JoinGraphDoc{
			Nodes: graph.Nodes(),
			Edges: graph.FKEdges(),
		},
		JoinPaths: graph.ComputeJoinPaths(policy.MaxJoinDepth),
		FKEdges:   graph.FKEdges(),
		QueryPolicies: QueryPolicies{
			DefaultLimit:               policy.DefaultLimit,
			MaxLimit:                   policy.MaxLimit,
			MaxJoinDepth:               policy.MaxJoinDepth,
			HardCapJoinDepth:           policy.HardCapJoinDepth,
			RequireWhereForDeepJoins:   true,
			DeepJoinThreshold:          DeepJoinThreshold,
			BlockedFunctions:           DefaultBlockedFunctions,
			BlockedPatterns:            DefaultBlockedKeywords,
			RequireSchemaQualification: true,
			AllowedSchemas:             []string{snapshot.SchemaName},
			StatementTimeoutSeconds:    policy.StatementTimeoutSeconds,
		},
		CompiledAt: now,
	}
}

// ValidateRules rejects artifacts that would leave query time without its
// guardrails.
func ValidateRules(rules *CompiledRules) error {
	if rules == nil {
		return errors.New("kb: compiled rules are nil")
	}
	if rules.Version == "" || rules.SchemaName == "" {
		return errors.New("kb: compiled rules missing version or schema name")
	}
	if len(rules.Tables) == 0 {
		return errors.New("kb: compiled rules contain no tables")
	}
	if rules.FKEdges == nil {
		return errors.New("kb: compiled rules missing fk_edges")
	}
	if rules.QueryPolicies.MaxLimit == 0 || rules.QueryPolicies.DefaultLimit == 0 {
		return errors.New("kb: compiled rules missing query policies")
	}
	return nil
}

// # Artifact Persistence

// tempName maps "compiled_rules.json" to "compiled_rules_temp.json".
func tempName(name string) string {
	return strings.TrimSuffix(name, ".json") + constants.TempFileSuffix + ".json"
}

// WriteStaged serializes v to the temp variant of name inside dir.
func WriteStaged(dir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("kb: marshal %s: %w", name, err)
	}

	path := filepath.Join(dir, tempName(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("kb: write %s: %w", path, err)
	}
	return nil
}

// AtomicSwap promotes all three staged artifacts at once. If any staged
// file is missing, nothing is promoted and the previous artifacts survive.
func AtomicSwap(dir string) error {
	names := []string{
		constants.FileSchemaSnapshot,
		constants.FileSemanticStore,
		constants.FileCompiledRules,
	}

	for _, name := range names {
		staged := filepath.Join(dir, tempName(name))
		if _, err := os.Stat(staged); err != nil {
			return fmt.Errorf("kb: staged artifact missing: %s: %w", staged, err)
		}
	}

	for _, name := range names {
		staged := filepath.Join(dir, tempName(name))
		final := filepath.Join(dir, name)
		if err := os.Rename(staged, final); err != nil {
			return fmt.Errorf("kb: promote %s: %w", name, err)
		}
	}
	return nil
}

// LoadRules reads and validates a compiled-rules artifact from disk.
func LoadRules(path string) (*CompiledRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kb: read compiled rules: %w", err)
	}

	var rules CompiledRules
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("kb: parse compiled rules: %w", err)
	}
	if err := ValidateRules(&rules); err != nil {
		return nil, err
	}
	return &rules, nil
}
