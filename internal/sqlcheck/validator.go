// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package sqlcheck

import (
	"fmt"
	"strings"

	"github.com/phamtuananh/sequana/internal/kb"
)

// Result is the outcome of running the full validation pipeline.
type Result struct {
	Valid bool
	// SQL is possibly rewritten: LIMIT injected or capped.
	SQL      string
	Errors   []string
	Warnings []string
	// FailureReasons are metric labels, one per failed check.
	FailureReasons []string
	// TablesUsed lists the physical tables, schema-qualified.
	TablesUsed []string
	// SafetyExplanation is a human-readable checklist; empty when invalid.
	SafetyExplanation string
}

// Validator runs every check against one compiled rule set.
//
// A Validator is cheap to construct; build one per request from the
// current rules snapshot.
type Validator struct {
	rules *kb.CompiledRules
	joins joinRules
}

// NewValidator binds the pipeline to a rule set.
func NewValidator(rules *kb.CompiledRules) *Validator {
	return &Validator{rules: rules, joins: joinRules{rules: rules}}
}

// Validate runs the pipeline:
//
//  1. Parse.
//  2. Single-statement check.
//  3. SELECT-only check (tree-wide forbidden node scan).
//  4. Blocked keyword scan on stripped text.
//  5. Table existence and schema allowance.
//  6. Schema-qualification warnings.
//  7. Blocked function check.
//  8. Blocked join types.
//  9. Join path validation against the FK graph.
//  10. JOIN ON clause FK enforcement.
//  11. Join depth policy.
//  12. LIMIT enforcement (inject or cap).
func (v *Validator) Validate(sql string) *Result {
	result := &Result{SQL: sql}

	if strings.TrimSpace(sql) == "" {
		result.fail("empty_sql", "Empty or invalid SQL generated.")
		return result
	}

	analysis, err := Analyze(sql)
	if err != nil {
		result.fail("parse_error", "SQL parsing failed. Check syntax.")
		return result
	}

	if analysis.StatementCount > 1 {
		result.fail("multi_statement", "Only single SQL statements are allowed. No multi-statement or stacked queries.")
	}

	if !isSelectOnly(analysis.Root) {
		result.fail("not_select", "Only SELECT queries are allowed. No INSERT/UPDATE/DELETE/DDL operations.")
	}

	if blocked := findBlockedKeywords(sql, v.rules.QueryPolicies.BlockedPatterns); len(blocked) > 0 {
		result.fail("blocked_keywords", fmt.Sprintf("Blocked keywords found: %s", strings.Join(blocked, ", ")))
	}

	schemaName := v.joins.defaultSchema()
	physicalTables := v.checkTables(analysis, schemaName, result)

	if blocked := findBlockedFunctions(analysis.Functions, v.rules.QueryPolicies.BlockedFunctions); len(blocked) > 0 {
		result.fail("blocked_functions", fmt.Sprintf("Blocked functions found: %s", strings.Join(blocked, ", ")))
	}

	if blocked := findBlockedJoinTypes(analysis.Joins); len(blocked) > 0 {
		result.fail("blocked_join_type", fmt.Sprintf(
			"Blocked join types found: %s. CROSS and NATURAL joins are not allowed.", strings.Join(blocked, ", ")))
	}

	if len(physicalTables) > 1 {
		if pathErrs := v.joins.validateJoinPath(physicalTables); len(pathErrs) > 0 {
			result.failAll("invalid_join_path", pathErrs)
		}
	}

	if len(analysis.Joins) > 0 {
		if onErrs := v.joins.validateJoinOn(analysis); len(onErrs) > 0 {
			result.failAll("invalid_join_on", onErrs)
		}
	}

	joinDepth := len(uniqueLower(physicalTables)) - 1
	if joinDepth < 0 {
		joinDepth = 0
	}
	if joinDepth > 0 {
		depthErrs, depthWarnings := v.joins.checkJoinDepth(joinDepth, analysis.HasWhere)
		result.Warnings = append(result.Warnings, depthWarnings...)
		if len(depthErrs) > 0 {
			result.failAll("join_depth_violation", depthErrs)
		}
	}

	// LIMIT enforcement rewrites the SQL, so it runs on the raw text.
	policies := v.rules.QueryPolicies
	hasLimit := analysis.HasLimit
	switch {
	case !hasLimit:
		result.SQL = injectLimit(sql, policies.DefaultLimit)
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("No LIMIT specified. Auto-injected LIMIT %d", policies.DefaultLimit))
		hasLimit = true
	case analysis.LimitValue > policies.MaxLimit:
		result.SQL = injectLimit(sql, policies.MaxLimit)
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("LIMIT %d exceeds maximum %d. Capped to %d",
				analysis.LimitValue, policies.MaxLimit, policies.MaxLimit))
	}

	result.TablesUsed = qualifyAll(physicalTables, schemaName)
	result.Valid = len(result.Errors) == 0
	if result.Valid {
		result.SafetyExplanation = buildSafetyExplanation(len(physicalTables), joinDepth, analysis.HasWhere, hasLimit)
	}
	return result
}

// checkTables validates table existence/schema and returns the physical
// (non-CTE) table names as written in the query.
func (v *Validator) checkTables(analysis *Analysis, schemaName string, result *Result) []string {
	var physical []string

	for _, table := range analysis.Tables {
		if _, isCTE := analysis.CTENames[strings.ToLower(table.Name)]; isCTE && table.Schema == "" {
			continue
		}
		physical = append(physical, table.Display())

		qualified := table.Display()
		if table.Schema != "" {
			if table.Schema != schemaName {
				result.fail("schema_not_allowed", fmt.Sprintf(
					"Schema '%s' is not allowed. Use only schema '%s'.", table.Schema, schemaName))
				continue
			}
		} else {
			qualified = schemaName + "." + table.Name
			if v.rules.QueryPolicies.RequireSchemaQualification {
				result.Warnings = append(result.Warnings, fmt.Sprintf(
					"Table '%s' should be schema-qualified as '%s'", table.Name, qualified))
			}
		}

		if _, exists := v.rules.Tables[qualified]; !exists {
			result.fail("table_not_found", fmt.Sprintf(
				"Table '%s' does not exist in schema '%s'", qualified, schemaName))
		}
	}

	return physical
}

// buildSafetyExplanation summarizes why this query is safe to run.
func buildSafetyExplanation(tableCount, joinDepth int, hasWhere, hasLimit bool) string {
	lines := []string{
		"✓ Query validated as SELECT-only (no data modification)",
		"✓ All tables exist in allowed schema",
		"✓ No blocked functions or keywords detected",
	}

	if tableCount > 1 {
		lines = append(lines, fmt.Sprintf("✓ Join path validated against FK graph (depth: %d)", joinDepth))
	}
	if hasWhere {
		lines = append(lines, "✓ WHERE clause present for result scoping")
	}
	if hasLimit {
		lines = append(lines, "✓ LIMIT enforced to prevent excessive results")
	}

	lines = append(lines, "✓ Will execute with read-only role and statement timeout")
	return strings.Join(lines, "\n")
}

func (r *Result) fail(reason, message string) {
	r.Errors = append(r.Errors, message)
	r.FailureReasons = append(r.FailureReasons, reason)
}

func (r *Result) failAll(reason string, messages []string) {
	r.Errors = append(r.Errors, messages...)
	r.FailureReasons = append(r.FailureReasons, reason)
}

func uniqueLower(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		out[strings.ToLower(value)] = struct{}{}
	}
	return out
}

func qualifyAll(tables []string, schemaName string) []string {
	out := make([]string, 0, len(tables))
	for _, table := range tables {
		if strings.Contains(table, ".") {
			out = append(out, table)
			continue
		}
		out = append(out, schemaName+"."+table)
	}
	return out
}
