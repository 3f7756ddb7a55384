// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

/*
Package sqlcheck validates generated SQL before execution.

Defense in depth: every statement is parsed with the native PostgreSQL
parser and checked against the compiled knowledge base — SELECT-only
shape, blocked keywords and functions, table existence, FK-grounded
joins, join depth, and LIMIT enforcement. Execution-layer safeguards
(read-only role, statement timeout) back up anything the validator
misses.
*/
package sqlcheck

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// TableRef is one physical or CTE table reference found in the statement.
type TableRef struct {
	Schema string
	Name   string
	Alias  string
}

// Display returns "schema.name" when qualified, else the bare name.
func (t TableRef) Display() string {
	if t.Schema != "" {
		return t.Schema + "." + t.Name
	}
	return t.Name
}

// JoinInfo is one JOIN node and its ON expression.
type JoinInfo struct {
	// Type is INNER, LEFT, RIGHT, FULL, CROSS, or NATURAL.
	Type string
	// Quals is the ON expression node; nil for CROSS and NATURAL joins.
	Quals map[string]any
}

// Analysis is everything the validator needs from one parsed statement.
type Analysis struct {
	StatementCount int
	// Root maps the parse-tree kind of the first statement (e.g.
	// "SelectStmt") to its body.
	Root map[string]any

	Tables    []TableRef
	CTENames  map[string]struct{}
	Functions []string
	Joins     []JoinInfo

	HasWhere   bool
	HasLimit   bool
	LimitValue int
}

// Analyze parses SQL with the PostgreSQL parser and extracts the facts
// used by the validation pipeline.
func Analyze(sql string) (*Analysis, error) {
	treeJSON, err := pg_query.ParseToJSON(sql)
	if err != nil {
		return nil, fmt.Errorf("sqlcheck: parse: %w", err)
	}

	var doc struct {
		Stmts []struct {
			Stmt map[string]any `json:"stmt"`
		} `json:"stmts"`
	}
	if err := json.Unmarshal([]byte(treeJSON), &doc); err != nil {
		return nil, fmt.Errorf("sqlcheck: decode parse tree: %w", err)
	}
	if len(doc.Stmts) == 0 {
		return nil, fmt.Errorf("sqlcheck: no statements parsed")
	}

	analysis := &Analysis{
		StatementCount: len(doc.Stmts),
		Root:           doc.Stmts[0].Stmt,
		CTENames:       make(map[string]struct{}),
	}

	seenTables := make(map[string]struct{})
	seenFuncs := make(map[string]struct{})

	for _, stmt := range doc.Stmts {
		walk(stmt.Stmt, func(kind string, body map[string]any) {
			switch kind {
			case "RangeVar":
				ref := TableRef{
					Schema: stringField(body, "schemaname"),
					Name:   stringField(body, "relname"),
				}
				if alias, ok := body["alias"].(map[string]any); ok {
					ref.Alias = stringField(alias, "aliasname")
				}
				key := ref.Display()
				if _, dup := seenTables[key]; !dup && ref.Name != "" {
					seenTables[key] = struct{}{}
					analysis.Tables = append(analysis.Tables, ref)
				}

			case "CommonTableExpr":
				if name := stringField(body, "ctename"); name != "" {
					analysis.CTENames[strings.ToLower(name)] = struct{}{}
				}

			case "FuncCall":
				if name := funcName(body); name != "" {
					if _, dup := seenFuncs[name]; !dup {
						seenFuncs[name] = struct{}{}
						analysis.Functions = append(analysis.Functions, name)
					}
				}

			case "JoinExpr":
				analysis.Joins = append(analysis.Joins, joinInfo(body))
			}

			if _, ok := body["whereClause"].(map[string]any); ok {
				analysis.HasWhere = true
			}
			if limit, ok := body["limitCount"].(map[string]any); ok {
				analysis.HasLimit = true
				if analysis.LimitValue == 0 {
					analysis.LimitValue = limitValue(limit)
				}
			}
		})
	}

	sort.Strings(analysis.Functions)
	return analysis, nil
}

// StatementCount reports how many statements the SQL contains without a
// full analysis. A parse failure counts as zero.
func StatementCount(sql string) int {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return 0
	}
	return len(result.Stmts)
}

// walk visits every parse-tree node in deterministic (sorted-key) order.
// A node is any map value whose key names the node kind.
func walk(node any, visit func(kind string, body map[string]any)) {
	switch typed := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			if body, ok := typed[key].(map[string]any); ok {
				visit(key, body)
			}
			walk(typed[key], visit)
		}
	case []any:
		for _, item := range typed {
			walk(item, visit)
		}
	}
}

func stringField(body map[string]any, key string) string {
	value, _ := body[key].(string)
	return value
}

// funcName extracts the unqualified, lowercase function name from a
// FuncCall node.
func funcName(body map[string]any) string {
	parts, _ := body["funcname"].([]any)
	if len(parts) == 0 {
		return ""
	}
	last, _ := parts[len(parts)-1].(map[string]any)
	str, _ := last["String"].(map[string]any)
	return strings.ToLower(stringField(str, "sval"))
}

// joinInfo classifies one JoinExpr node.
//
// The parser folds CROSS JOIN into an inner join with no qualifier, so an
// inner join carrying neither ON nor USING is reported as CROSS.
func joinInfo(body map[string]any) JoinInfo {
	quals, _ := body["quals"].(map[string]any)
	_, hasUsing := body["usingClause"]
	natural, _ := body["isNatural"].(bool)

	joinType := "INNER"
	switch stringField(body, "jointype") {
	case "JOIN_LEFT":
		joinType = "LEFT"
	case "JOIN_RIGHT":
		joinType = "RIGHT"
	case "JOIN_FULL":
		joinType = "FULL"
	}

	if natural {
		joinType = "NATURAL"
	} else if joinType == "INNER" && quals == nil && !hasUsing {
		joinType = "CROSS"
	}

	return JoinInfo{Type: joinType, Quals: quals}
}

// limitValue digs the integer out of a limitCount constant node.
func limitValue(limit map[string]any) int {
	aConst, _ := limit["A_Const"].(map[string]any)
	ival, _ := aConst["ival"].(map[string]any)
	value, ok := ival["ival"].(float64)
	if !ok {
		return 0
	}
	return int(value)
}

// # Expression Helpers

// extractTableColumn pulls (table, column) from a ColumnRef node. The
// table part is empty for unqualified references.
func extractTableColumn(node map[string]any) (string, string) {
	columnRef, ok := node["ColumnRef"].(map[string]any)
	if !ok {
		return "", ""
	}

	fields, _ := columnRef["fields"].([]any)
	names := make([]string, 0, len(fields))
	for _, field := range fields {
		fieldMap, _ := field.(map[string]any)
		str, _ := fieldMap["String"].(map[string]any)
		if sval := stringField(str, "sval"); sval != "" {
			names = append(names, sval)
		}
	}

	switch len(names) {
	case 0:
		return "", ""
	case 1:
		return "", names[0]
	default:
		return names[len(names)-2], names[len(names)-1]
	}
}

// forbiddenNodeKinds are parse-tree kinds that can never appear anywhere
// in a read-only query.
var forbiddenNodeKinds = map[string]struct{}{
	"InsertStmt": {}, "UpdateStmt": {}, "DeleteStmt": {}, "MergeStmt": {},
	"CreateStmt": {}, "CreateTableAsStmt": {}, "DropStmt": {}, "AlterTableStmt": {},
	"TruncateStmt": {}, "RenameStmt": {}, "GrantStmt": {}, "GrantRoleStmt": {},
	"VariableSetStmt": {}, "CopyStmt": {}, "DoStmt": {}, "CallStmt": {},
	"VacuumStmt": {}, "ClusterStmt": {}, "ReindexStmt": {}, "IndexStmt": {},
	"ViewStmt": {}, "TransactionStmt": {}, "ListenStmt": {}, "NotifyStmt": {},
	"UnlistenStmt": {}, "LockStmt": {}, "PrepareStmt": {}, "ExecuteStmt": {},
	"DeallocateStmt": {}, "ExplainStmt": {},
}

// isSelectOnly reports whether the statement is a pure SELECT (including
// UNION/CTE forms) with no forbidden node anywhere in the tree.
func isSelectOnly(root map[string]any) bool {
	if _, ok := root["SelectStmt"]; !ok {
		return false
	}

	clean := true
	walk(root, func(kind string, body map[string]any) {
		if _, forbidden := forbiddenNodeKinds[kind]; forbidden {
			clean = false
		}
	})
	return clean
}
