// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package nlq

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/phamtuananh/sequana/internal/kb"
)

// # Prompt Construction
//
// The prompt carries the retrieved schema slice plus everything the
// resolver decided in code. The model only compiles; every contextual
// decision (continuation type, preserved dimensions, refinement
// instruction) arrives as data.

const (
	promptMaxColumns = 15
	promptMaxFKs     = 5
	promptMaxFKEdges = 30
)

// buildSQLPrompt assembles the full generation prompt.
func buildSQLPrompt(question string, schema SchemaContext, resolved *ResolvedContext, clarificationAnswer string, partialIntent *PartialIntent) string {
	var b strings.Builder

	b.WriteString("You are a PostgreSQL SQL generator. Convert natural language to safe, read-only SQL.\n")

	if resolved != nil && resolved.IsRelated {
		writeContextSection(&b, question, resolved)
	}

	b.WriteString("\n## SCHEMA\n")
	writeSchemaSection(&b, schema)

	b.WriteString("\n## FK RELATIONSHIPS (CRITICAL - JOINS MUST USE ONLY THESE)\n")
	writeFKEdges(&b, schema.FKEdges)

	b.WriteString("\n## ENUM COLUMNS (use exact values)\n")
	writeEnumColumns(&b, schema)

	b.WriteString("\n## DATE COLUMNS (for time filtering)\n")
	writeTableHints(&b, schema, func(t kb.CompiledTable) []string { return t.DateColumns }, "No date columns identified.")

	b.WriteString("\n## NATURAL KEYS (for filtering)\n")
	writeTableHints(&b, schema, func(t kb.CompiledTable) []string { return t.NaturalKeyCandidates }, "No natural key candidates.")

	writeGenerationRules(&b, schema)

	if clarificationAnswer != "" && partialIntent != nil {
		writeClarificationSection(&b, clarificationAnswer, partialIntent)
	}

	fmt.Fprintf(&b, "\nQUESTION:\n%q\n", question)
	writeResponseContract(&b, schema.SchemaName)

	return b.String()
}

// sortedTableNames gives a stable iteration order over the retrieved
// tables; map order would make prompts nondeterministic.
func sortedTableNames(schema SchemaContext) []string {
	names := make([]string, 0, len(schema.Tables))
	for name := range schema.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeSchemaSection(b *strings.Builder, schema SchemaContext) {
	for _, name := range sortedTableNames(schema) {
		table := schema.Tables[name]

		fmt.Fprintf(b, "\nTable: %s\n", name)

		columns := table.Columns
		if len(columns) > promptMaxColumns {
			columns = columns[:promptMaxColumns]
		}
		parts := make([]string, 0, len(columns))
		for _, col := range columns {
			parts = append(parts, col.Name+":"+col.DataType)
		}
		if len(parts) > 0 {
			b.WriteString("Columns: " + strings.Join(parts, ", ") + "\n")
		} else {
			b.WriteString("Columns: (unavailable)\n")
		}

		if len(table.PrimaryKeys) > 0 {
			b.WriteString("PK: " + strings.Join(table.PrimaryKeys, ", ") + "\n")
		}

		fks := table.ForeignKeys
		if len(fks) > promptMaxFKs {
			fks = fks[:promptMaxFKs]
		}
		for _, fk := range fks {
			refSchema := fk.RefSchema
			if refSchema == "" {
				refSchema = schema.SchemaName
			}
			fmt.Fprintf(b, "FK: %s -> %s.%s.%s\n", fk.Column, refSchema, fk.RefTable, fk.RefColumn)
		}
	}
}

func writeFKEdges(b *strings.Builder, edges []kb.FKEdge) {
	if len(edges) > promptMaxFKEdges {
		edges = edges[:promptMaxFKEdges]
	}

	wrote := false
	for _, edge := range edges {
		if edge.FromTable == "" || edge.FromColumn == "" || edge.ToTable == "" || edge.ToColumn == "" {
			continue
		}
		fmt.Fprintf(b, "%s.%s = %s.%s\n", edge.FromTable, edge.FromColumn, edge.ToTable, edge.ToColumn)
		wrote = true
	}
	if !wrote {
		b.WriteString("No FK relationships defined.\n")
	}
}

func writeEnumColumns(b *strings.Builder, schema SchemaContext) {
	wrote := false
	for _, name := range sortedTableNames(schema) {
		table := schema.Tables[name]
		for _, col := range table.Columns {
			if len(col.EnumValues) > 0 {
				fmt.Fprintf(b, "%s.%s: %s\n", name, col.Name, strings.Join(col.EnumValues, ", "))
				wrote = true
			}
		}
		for _, cc := range table.CheckConstraints {
			if len(cc.AllowedValues) > 0 {
				fmt.Fprintf(b, "%s (%s): %s\n", name, cc.Name, strings.Join(cc.AllowedValues, ", "))
				wrote = true
			}
		}
	}
	if !wrote {
		b.WriteString("No enum/constrained columns.\n")
	}
}

func writeTableHints(b *strings.Builder, schema SchemaContext, pick func(kb.CompiledTable) []string, empty string) {
	wrote := false
	for _, name := range sortedTableNames(schema) {
		if hints := pick(schema.Tables[name]); len(hints) > 0 {
			fmt.Fprintf(b, "%s: %s\n", name, strings.Join(hints, ", "))
			wrote = true
		}
	}
	if !wrote {
		b.WriteString(empty + "\n")
	}
}

func writeGenerationRules(b *strings.Builder, schema SchemaContext) {
	fmt.Fprintf(b, `
---

## GENERATION RULES

1. **Schema**: Always use `+"`%s.table_name`"+` (even in subqueries)
2. **READ-ONLY**: Only SELECT queries. No INSERT/UPDATE/DELETE/DDL
3. **JOINS**: MUST use FK relationships above. Never join on name-matching columns
4. **TEXT**: ENUM columns use exact values. Other text use `+"`lower(col) = lower('val')`"+`
5. **TIME**: If time mentioned, MUST include WHERE on date column
6. **AGGREGATION**: For "latest N then sum", use subquery with ORDER + LIMIT
7. **LIMIT**: Always include (default %d, max %d)

## CRITICAL SQL PATTERNS

### Time Filtering with LEFT JOIN
WRONG:
LEFT JOIN collections c ON l.id = c.loan_id
WHERE c.collection_date >= CURRENT_DATE - INTERVAL '6 months'

CORRECT:
LEFT JOIN collections c
  ON l.id = c.loan_id
 AND c.collection_date >= CURRENT_DATE - INTERVAL '6 months'

### LEFT JOIN Aggregation
Always use:
COALESCE(SUM(c.amount), 0)

### Latest-N then Aggregate
SELECT SUM(amount)
FROM (
  SELECT amount
  FROM %s.table
  ORDER BY date DESC
  LIMIT 20
) t

### Multiple Result Sets
Use UNION / UNION ALL only.

### Schema Qualification
Every table MUST be prefixed with `+"`%s.`"+`
`, schema.SchemaName, schema.Policies.DefaultLimit, schema.Policies.MaxLimit, schema.SchemaName, schema.SchemaName)
}

func writeContextSection(b *strings.Builder, question string, resolved *ResolvedContext) {
	fmt.Fprintf(b, "\n## RESOLVED CONTEXT (DO NOT CHANGE UNLESS USER EXPLICITLY ASKS)\nContinuation type: %s\n", resolved.Continuation)

	if resolved.AnchorTurn != nil {
		fmt.Fprintf(b, "\nPrevious question: %q\nPrevious SQL: %s\n\n", resolved.AnchorTurn.Question, resolved.AnchorTurn.SQL)
	}

	dims := resolved.Preserved
	b.WriteString("Preserved dimensions:\n")
	if dims.Subject != "" {
		fmt.Fprintf(b, "- Subject: %s\n", dims.Subject)
	}
	if dims.Metric != "" {
		fmt.Fprintf(b, "- Metric: %s\n", dims.Metric)
	}
	if dims.TimeWindow != "" {
		fmt.Fprintf(b, "- Time window: %s\n", dims.TimeWindow)
	}
	if len(dims.Grouping) > 0 {
		fmt.Fprintf(b, "- Grouping: %s\n", strings.Join(dims.Grouping, ", "))
	}
	if dims.Ordering != nil {
		fmt.Fprintf(b, "- Ordering: %s %s\n", dims.Ordering.Column, dims.Ordering.Direction)
	}
	if dims.Limit > 0 {
		fmt.Fprintf(b, "- Limit: %d\n", dims.Limit)
	}
	if len(dims.Tables) > 0 {
		fmt.Fprintf(b, "- Tables: %s\n", strings.Join(dims.Tables, ", "))
	}

	if resolved.Refinement != "" {
		fmt.Fprintf(b, "\nRefinement: %s\n", resolved.Refinement)
	}

	switch resolved.Continuation {
	case ContinuationDrilldown:
		b.WriteString(`
**CRITICAL: Use CTE (WITH clause) to preserve exact result scope**
Pattern:
WITH previous_results AS (
  -- Copy previous SQL here exactly
)
SELECT pr.*, new_columns
FROM previous_results pr
JOIN other_table ot ON pr.id = ot.entity_id
WHERE ...
`)
	case ContinuationRefine:
		fmt.Fprintf(b, `
CRITICAL INSTRUCTION - FOLLOW EXACTLY OR RESPONSE WILL BE REJECTED:

USER REQUEST: %q
REFINEMENT TYPE: %s

YOU MUST:
1. Take the "Previous SQL" shown above
2. Modify ONLY the element specified by refinement type
3. Preserve everything else EXACTLY (same tables, same aggregations, same JOINs)

REFINEMENT RULES:
- limit_change: Change ONLY the LIMIT number
- order_change: Change ONLY the ORDER BY clause
- filter_change: Add/modify ONLY WHERE conditions

FORBIDDEN:
- DO NOT create a new query from scratch
- DO NOT change the subject/tables unless user explicitly asks
- DO NOT remove existing aggregations
- DO NOT switch metrics unless user explicitly asks

Your SQL MUST use the same tables and structure as Previous SQL.
`, question, resolved.Refinement)
	}
}

func writeClarificationSection(b *strings.Builder, answer string, intent *PartialIntent) {
	encoded, err := json.MarshalIndent(intent, "", "  ")
	if err != nil {
		encoded = []byte("{}")
	}
	fmt.Fprintf(b, `
User clarification: %q

Partial intent: %s

CRITICAL: You MUST incorporate this clarification answer into your SQL.
`, answer, encoded)
}

func writeResponseContract(b *strings.Builder, schemaName string) {
	fmt.Fprintf(b, `
Respond ONLY with JSON:
{
  "sql": "SELECT ...",
  "confidence": 0.0,
  "tables_used": ["%s.table"],
  "intent_summary": {
    "subject": "",
    "metric": "",
    "time_window": null,
    "grouping": [],
    "ordering": null,
    "limit": null,
    "tables": []
  }
}

SQL:
`, schemaName)
}
