// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package sqlcheck

import (
	"fmt"
	"sort"
	"strings"

	"github.com/phamtuananh/sequana/internal/kb"
)

// joinRules answers join questions against the compiled knowledge base.
type joinRules struct {
	rules *kb.CompiledRules
}

func (j joinRules) defaultSchema() string {
	if len(j.rules.QueryPolicies.AllowedSchemas) > 0 {
		return j.rules.QueryPolicies.AllowedSchemas[0]
	}
	if j.rules.SchemaName != "" {
		return j.rules.SchemaName
	}
	return "core"
}

func (j joinRules) qualify(table string) string {
	if table == "" || strings.Contains(table, ".") {
		return table
	}
	return j.defaultSchema() + "." + table
}

// validateJoinPath checks that every physical table appears in the FK
// graph and that all of them sit in one connected component.
func (j joinRules) validateJoinPath(tables []string) []string {
	if len(tables) <= 1 {
		return nil
	}
	if len(j.rules.JoinPaths) == 0 {
		// Nothing to validate against; execution safeguards still apply.
		return nil
	}

	qualified := make([]string, 0, len(tables))
	for _, table := range tables {
		qualified = append(qualified, j.qualify(table))
	}

	available := make(map[string]struct{})
	adjacency := make(map[string]map[string]struct{})
	link := func(a, b string) {
		if adjacency[a] == nil {
			adjacency[a] = make(map[string]struct{})
		}
		adjacency[a][b] = struct{}{}
	}
	for key := range j.rules.JoinPaths {
		parts := strings.SplitN(key, "->", 2)
		if len(parts) != 2 {
			continue
		}
		from, to := j.qualify(strings.TrimSpace(parts[0])), j.qualify(strings.TrimSpace(parts[1]))
		available[from] = struct{}{}
		available[to] = struct{}{}
		link(from, to)
		link(to, from)
	}

	var errs []string
	for _, table := range qualified {
		if _, ok := available[table]; !ok {
			errs = append(errs, fmt.Sprintf("Table '%s' not found in FK graph", table))
		}
	}
	if len(errs) > 0 {
		return errs
	}

	// Connectivity: every table must be reachable from the anchor.
	anchor := qualified[0]
	reachable := map[string]struct{}{anchor: {}}
	queue := []string{anchor}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for next := range adjacency[current] {
			if _, seen := reachable[next]; !seen {
				reachable[next] = struct{}{}
				queue = append(queue, next)
			}
		}
	}

	var unreachable []string
	for _, table := range qualified {
		if _, ok := reachable[table]; !ok {
			unreachable = append(unreachable, table)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return []string{fmt.Sprintf(
			"Tables %v cannot be joined to %s via FK relationships. No FK path exists between these tables.",
			unreachable, anchor,
		)}
	}

	return nil
}

// checkJoinDepth applies the depth policies. Depth is the number of
// unique physical tables minus one.
func (j joinRules) checkJoinDepth(depth int, hasWhere bool) (errs, warnings []string) {
	policies := j.rules.QueryPolicies

	if depth > policies.HardCapJoinDepth {
		errs = append(errs, fmt.Sprintf(
			"Join depth %d exceeds hard cap of %d. This query is too complex.",
			depth, policies.HardCapJoinDepth,
		))
		return errs, warnings
	}

	if depth > policies.MaxJoinDepth {
		warnings = append(warnings, fmt.Sprintf(
			"Join depth %d exceeds recommended maximum of %d. Query may be slow.",
			depth, policies.MaxJoinDepth,
		))
	}

	if depth >= policies.DeepJoinThreshold && policies.RequireWhereForDeepJoins && !hasWhere {
		errs = append(errs, fmt.Sprintf(
			"Join depth %d requires WHERE clause for scoping. Add a filter to limit the result set.",
			depth,
		))
	}

	return errs, warnings
}

// validateJoinOn checks that every JOIN ON predicate follows a known FK
// relationship. Joins touching CTEs are exempt.
func (j joinRules) validateJoinOn(analysis *Analysis) []string {
	if len(analysis.Joins) == 0 {
		return nil
	}

	// Resolve aliases (and bare names) to qualified tables. CTE names
	// stay unqualified so they can be recognized and skipped.
	aliasMap := make(map[string]string, len(analysis.Tables))
	for _, table := range analysis.Tables {
		var resolved string
		if _, isCTE := analysis.CTENames[strings.ToLower(table.Name)]; isCTE && table.Schema == "" {
			resolved = table.Name
		} else {
			resolved = j.qualify(table.Display())
		}

		if table.Alias != "" {
			aliasMap[table.Alias] = resolved
		}
		aliasMap[table.Name] = resolved
	}

	// Both directions of every FK are acceptable in an ON predicate.
	fkLookup := make(map[[4]string]struct{}, 2*len(j.rules.FKEdges))
	for _, edge := range j.rules.FKEdges {
		fkLookup[[4]string{edge.FromTable, edge.FromColumn, edge.ToTable, edge.ToColumn}] = struct{}{}
		fkLookup[[4]string{edge.ToTable, edge.ToColumn, edge.FromTable, edge.FromColumn}] = struct{}{}
	}

	isCTE := func(resolved string) bool {
		base := resolved
		if idx := strings.LastIndexByte(resolved, '.'); idx >= 0 {
			base = resolved[idx+1:]
		}
		_, ok := analysis.CTENames[strings.ToLower(base)]
		return ok
	}

	var errs []string
	for _, join := range analysis.Joins {
		if join.Type == "CROSS" || join.Type == "NATURAL" {
			// Already rejected by the blocked-join-type check.
			continue
		}
		if join.Quals == nil {
			errs = append(errs, "JOIN found without ON clause. All joins must use explicit FK relationships.")
			continue
		}

		if eq, ok := asEquality(join.Quals); ok {
			if msg := j.checkEqualityPredicate(eq, aliasMap, fkLookup, isCTE); msg != "" {
				errs = append(errs, msg)
			}
			continue
		}

		if args, ok := asAndExpr(join.Quals); ok {
			if msg := j.checkAndPredicate(args, aliasMap, fkLookup, isCTE); msg != "" {
				errs = append(errs, msg)
			}
			continue
		}

		errs = append(errs,
			"Unsupported JOIN ON condition format. Use explicit FK join predicates (a.col = b.col).")
	}

	return errs
}

// equalityPredicate is one "a.col = b.col" comparison.
type equalityPredicate struct {
	leftTable, leftColumn   string
	rightTable, rightColumn string
}

// asEquality unwraps an A_Expr "=" node.
func asEquality(node map[string]any) (equalityPredicate, bool) {
	aexpr, ok := node["A_Expr"].(map[string]any)
	if !ok || stringField(aexpr, "kind") != "AEXPR_OP" || operatorName(aexpr) != "=" {
		return equalityPredicate{}, false
	}

	lexpr, _ := aexpr["lexpr"].(map[string]any)
	rexpr, _ := aexpr["rexpr"].(map[string]any)

	var eq equalityPredicate
	eq.leftTable, eq.leftColumn = extractTableColumn(lexpr)
	eq.rightTable, eq.rightColumn = extractTableColumn(rexpr)
	return eq, true
}

// asAndExpr unwraps a BoolExpr AND node into its argument list.
func asAndExpr(node map[string]any) ([]map[string]any, bool) {
	boolExpr, ok := node["BoolExpr"].(map[string]any)
	if !ok || stringField(boolExpr, "boolop") != "AND_EXPR" {
		return nil, false
	}

	rawArgs, _ := boolExpr["args"].([]any)
	args := make([]map[string]any, 0, len(rawArgs))
	for _, raw := range rawArgs {
		if arg, ok := raw.(map[string]any); ok {
			args = append(args, arg)
		}
	}
	return args, true
}

func operatorName(aexpr map[string]any) string {
	names, _ := aexpr["name"].([]any)
	if len(names) == 0 {
		return ""
	}
	first, _ := names[0].(map[string]any)
	str, _ := first["String"].(map[string]any)
	return stringField(str, "sval")
}

// checkEqualityPredicate validates a single "a.col = b.col" ON clause.
func (j joinRules) checkEqualityPredicate(eq equalityPredicate,
	aliasMap map[string]string, fkLookup map[[4]string]struct{}, isCTE func(string) bool) string {

	if eq.leftTable == "" || eq.leftColumn == "" || eq.rightTable == "" || eq.rightColumn == "" {
		return "Unparseable JOIN ON condition. Use explicit table_alias.column = table_alias.column."
	}

	left := resolveAlias(aliasMap, eq.leftTable)
	right := resolveAlias(aliasMap, eq.rightTable)

	if isCTE(left) || isCTE(right) {
		return ""
	}

	if _, ok := fkLookup[[4]string{left, eq.leftColumn, right, eq.rightColumn}]; ok {
		return ""
	}
	if _, ok := fkLookup[[4]string{right, eq.rightColumn, left, eq.leftColumn}]; ok {
		return ""
	}

	return fmt.Sprintf(
		"JOIN between '%s' and '%s' on (%s, %s) does not follow an FK relationship. Only FK-based joins are allowed.",
		left, right, eq.leftColumn, eq.rightColumn,
	)
}

// checkAndPredicate validates "a.col = b.col AND ..." clauses: at least
// one equality must match an FK edge.
func (j joinRules) checkAndPredicate(args []map[string]any,
	aliasMap map[string]string, fkLookup map[[4]string]struct{}, isCTE func(string) bool) string {

	foundFKMatch := false
	anyCTEInvolved := false
	parsedAny := false

	for _, arg := range args {
		eq, ok := asEquality(arg)
		if !ok || eq.leftTable == "" || eq.leftColumn == "" || eq.rightTable == "" || eq.rightColumn == "" {
			continue
		}
		parsedAny = true

		left := resolveAlias(aliasMap, eq.leftTable)
		right := resolveAlias(aliasMap, eq.rightTable)

		if isCTE(left) || isCTE(right) {
			anyCTEInvolved = true
			continue
		}

		if _, ok := fkLookup[[4]string{left, eq.leftColumn, right, eq.rightColumn}]; ok {
			foundFKMatch = true
			break
		}
		if _, ok := fkLookup[[4]string{right, eq.rightColumn, left, eq.leftColumn}]; ok {
			foundFKMatch = true
			break
		}
	}

	switch {
	case !parsedAny && !anyCTEInvolved:
		return "Unparseable complex JOIN ON condition. Only FK-based joins are allowed."
	case !foundFKMatch && !anyCTEInvolved:
		return "Complex JOIN condition with AND found, but no FK relationship matches any predicate. Only FK-based joins are allowed."
	}
	return ""
}

func resolveAlias(aliasMap map[string]string, name string) string {
	if resolved, ok := aliasMap[name]; ok {
		return resolved
	}
	return name
}
