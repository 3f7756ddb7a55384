// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

/*
Package kb builds and serves the knowledge base that grounds SQL generation.

The pipeline is strictly ordered:

  1. Introspect: read tables, columns, keys, and constraints from the catalog.
  2. Enrich: merge curated semantics (aliases, purposes, join policies).
  3. Compile: produce the single compiled-rules artifact consumed at query time.

Artifacts are staged to temp files and swapped atomically so readers never
observe a partially written knowledge base.
*/
package kb

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// # Catalog Types

// Column describes one column of an introspected table.
type Column struct {
	Name             string   `json:"name"`
	DataType         string   `json:"data_type"`
	IsNullable       bool     `json:"is_nullable"`
	Default          string   `json:"default,omitempty"`
	MaxLength        *int     `json:"max_length,omitempty"`
	NumericPrecision *int     `json:"numeric_precision,omitempty"`
	NumericScale     *int     `json:"numeric_scale,omitempty"`
	UDTName          string   `json:"udt_name,omitempty"`
	EnumValues       []string `json:"enum_values,omitempty"`
}

// ForeignKey describes one column-level FK reference.
type ForeignKey struct {
	ConstraintName string `json:"constraint_name"`
	Column         string `json:"column"`
	RefSchema      string `json:"ref_schema"`
	RefTable       string `json:"ref_table"`
	RefColumn      string `json:"ref_column"`
}

// Index describes a catalog index and its column list.
type Index struct {
	Name     string   `json:"name"`
	IsUnique bool     `json:"is_unique"`
	Columns  []string `json:"columns"`
}

// CheckConstraint holds a CHECK clause and any literal values parsed from it.
type CheckConstraint struct {
	Name          string   `json:"name"`
	Clause        string   `json:"clause"`
	AllowedValues []string `json:"allowed_values,omitempty"`
}

// Table is the full introspected description of one base table.
type Table struct {
	Schema           string            `json:"schema"`
	Name             string            `json:"table"`
	Columns          []Column          `json:"columns"`
	PrimaryKeys      []string          `json:"primary_keys"`
	ForeignKeys      []ForeignKey      `json:"foreign_keys"`
	Indexes          []Index           `json:"indexes"`
	CheckConstraints []CheckConstraint `json:"check_constraints"`

	// Derived hints used by retrieval and prompt construction.
	Domain               string   `json:"domain"`
	DateColumns          []string `json:"date_columns"`
	StatusColumns        []string `json:"status_columns"`
	NaturalKeyCandidates []string `json:"natural_key_candidates"`
}

// QualifiedName returns "schema.table".
func (t *Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

// Snapshot is a point-in-time capture of one schema, keyed by "schema.table".
type Snapshot struct {
	SchemaName     string            `json:"schema_name"`
	Tables         map[string]*Table `json:"tables"`
	IntrospectedAt time.Time         `json:"introspected_at"`
}

// # Introspection

// Introspector reads catalog metadata over the metadata pool.
type Introspector struct {
	pool *pgxpool.Pool
}

// NewIntrospector wires an Introspector to the metadata pool.
func NewIntrospector(pool *pgxpool.Pool) *Introspector {
	return &Introspector{pool: pool}
}

const (
	tablesSQL = `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	columnsSQL = `
		SELECT table_name, column_name, data_type, is_nullable, column_default,
		       character_maximum_length, numeric_precision, numeric_scale, udt_name
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position`

	primaryKeysSQL = `
		SELECT tc.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY tc.table_name, kcu.ordinal_position`

	foreignKeysSQL = `
		SELECT tc.table_name, tc.constraint_name, kcu.column_name,
		       ccu.table_schema AS ref_schema, ccu.table_name AS ref_table,
		       ccu.column_name AS ref_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		 AND tc.table_schema = ccu.table_schema
		WHERE tc.table_schema = $1 AND tc.constraint_type = 'FOREIGN KEY'
		ORDER BY tc.table_name, tc.constraint_name`

	indexesSQL = `
		SELECT c.relname AS table_name, i.relname AS index_name, ix.indisunique,
		       array_agg(a.attname ORDER BY a.attnum) AS columns
		FROM pg_index ix
		JOIN pg_class c ON c.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = ANY(ix.indkey)
		WHERE n.nspname = $1
		GROUP BY c.relname, i.relname, ix.indisunique
		ORDER BY c.relname, i.relname`

	enumColumnsSQL = `
		SELECT c.table_name, c.column_name, e.enumlabel
		FROM information_schema.columns c
		JOIN pg_type t ON t.typname = c.udt_name
		JOIN pg_enum e ON e.enumtypid = t.oid
		WHERE c.table_schema = $1 AND c.data_type = 'USER-DEFINED'
		ORDER BY c.table_name, c.column_name, e.enumsortorder`

	checkConstraintsSQL = `
		SELECT tc.table_name, cc.constraint_name, cc.check_clause
		FROM information_schema.check_constraints cc
		JOIN information_schema.table_constraints tc
		  ON cc.constraint_name = tc.constraint_name
		 AND cc.constraint_schema = tc.table_schema
		WHERE tc.table_schema = $1 AND tc.constraint_type = 'CHECK'
		ORDER BY tc.table_name, cc.constraint_name`
)

// Introspect captures the full catalog description of one schema.
//
// The table list is fetched first; the remaining catalog reads run
// concurrently since they are independent set-based queries.
func (in *Introspector) Introspect(ctx context.Context, schema string) (*Snapshot, error) {
	tableNames, err := in.fetchTableNames(ctx, schema)
	if err != nil {
		return nil, fmt.Errorf("kb: list tables: %w", err)
	}

	snapshot := &Snapshot{
		SchemaName:     schema,
		Tables:         make(map[string]*Table, len(tableNames)),
		IntrospectedAt: time.Now().UTC(),
	}
	for _, name := range tableNames {
		snapshot.Tables[schema+"."+name] = &Table{
			Schema:               schema,
			Name:                 name,
			Columns:              []Column{},
			PrimaryKeys:          []string{},
			ForeignKeys:          []ForeignKey{},
			Indexes:              []Index{},
			CheckConstraints:     []CheckConstraint{},
			DateColumns:          []string{},
			StatusColumns:        []string{},
			NaturalKeyCandidates: []string{},
		}
	}

	var (
		stateMu sync.Mutex
		group   errgroup.Group
	)

	lookup := func(table string) *Table {
		return snapshot.Tables[schema+"."+table]
	}

	group.Go(func() error { return in.fetchColumns(ctx, schema, &stateMu, lookup) })
	group.Go(func() error { return in.fetchPrimaryKeys(ctx, schema, &stateMu, lookup) })
	group.Go(func() error { return in.fetchForeignKeys(ctx, schema, &stateMu, lookup) })
	group.Go(func() error { return in.fetchIndexes(ctx, schema, &stateMu, lookup) })
	group.Go(func() error { return in.fetchCheckConstraints(ctx, schema, &stateMu, lookup) })

	if err := group.Wait(); err != nil {
		return nil, err
	}

	// Enum labels join against columns, so they run after the column pass.
	if err := in.fetchEnumValues(ctx, schema, lookup); err != nil {
		return nil, err
	}

	for _, table := range snapshot.Tables {
		deriveHints(table)
	}

	return snapshot, nil
}

func (in *Introspector) fetchTableNames(ctx context.Context, schema string) ([]string, error) {
	rows, err := in.pool.Query(ctx, tablesSQL, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (in *Introspector) fetchColumns(ctx context.Context, schema string, mu *sync.Mutex, lookup func(string) *Table) error {
	rows, err := in.pool.Query(ctx, columnsSQL, schema)
	if err != nil {
		return fmt.Errorf("kb: columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tableName, columnName, dataType, nullable string
			columnDefault, udtName                    *string
			maxLength, precision, scale               *int
		)
		if err := rows.Scan(&tableName, &columnName, &dataType, &nullable,
			&columnDefault, &maxLength, &precision, &scale, &udtName); err != nil {
			return fmt.Errorf("kb: columns: %w", err)
		}

		column := Column{
			Name:             columnName,
			DataType:         dataType,
			IsNullable:       nullable == "YES",
			MaxLength:        maxLength,
			NumericPrecision: precision,
			NumericScale:     scale,
		}
		if columnDefault != nil {
			column.Default = *columnDefault
		}
		if udtName != nil {
			column.UDTName = *udtName
		}

		mu.Lock()
		if table := lookup(tableName); table != nil {
			table.Columns = append(table.Columns, column)
		}
		mu.Unlock()
	}
	return rows.Err()
}

func (in *Introspector) fetchPrimaryKeys(ctx context.Context, schema string, mu *sync.Mutex, lookup func(string) *Table) error {
	rows, err := in.pool.Query(ctx, primaryKeysSQL, schema)
	if err != nil {
		return fmt.Errorf("kb: primary keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tableName, columnName string
		if err := rows.Scan(&tableName, &columnName); err != nil {
			return fmt.Errorf("kb: primary keys: %w", err)
		}

		mu.Lock()
		if table := lookup(tableName); table != nil {
			table.PrimaryKeys = append(table.PrimaryKeys, columnName)
		}
		mu.Unlock()
	}
	return rows.Err()
}

func (in *Introspector) fetchForeignKeys(ctx context.Context, schema string, mu *sync.Mutex, lookup func(string) *Table) error {
	rows, err := in.pool.Query(ctx, foreignKeysSQL, schema)
	if err != nil {
		return fmt.Errorf("kb: foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tableName string
		var fk ForeignKey
		if err := rows.Scan(&tableName, &fk.ConstraintName, &fk.Column,
			&fk.RefSchema, &fk.RefTable, &fk.RefColumn); err != nil {
			return fmt.Errorf("kb: foreign keys: %w", err)
		}

		mu.Lock()
		if table := lookup(tableName); table != nil {
			table.ForeignKeys = append(table.ForeignKeys, fk)
		}
		mu.Unlock()
	}
	return rows.Err()
}

func (in *Introspector) fetchIndexes(ctx context.Context, schema string, mu *sync.Mutex, lookup func(string) *Table) error {
	rows, err := in.pool.Query(ctx, indexesSQL, schema)
	if err != nil {
		// Index metadata is advisory. A restricted role may lack pg_catalog
		// access; the knowledge base stays usable without it.
		return nil
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tableName, indexName string
			isUnique             bool
			columns              []string
		)
		if err := rows.Scan(&tableName, &indexName, &isUnique, &columns); err != nil {
			return nil
		}

		mu.Lock()
		if table := lookup(tableName); table != nil {
			table.Indexes = append(table.Indexes, Index{Name: indexName, IsUnique: isUnique, Columns: columns})
		}
		mu.Unlock()
	}
	return nil
}

func (in *Introspector) fetchCheckConstraints(ctx context.Context, schema string, mu *sync.Mutex, lookup func(string) *Table) error {
	rows, err := in.pool.Query(ctx, checkConstraintsSQL, schema)
	if err != nil {
		return fmt.Errorf("kb: check constraints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tableName string
		var cc CheckConstraint
		if err := rows.Scan(&tableName, &cc.Name, &cc.Clause); err != nil {
			return fmt.Errorf("kb: check constraints: %w", err)
		}
		cc.AllowedValues = parseCheckValues(cc.Clause)

		mu.Lock()
		if table := lookup(tableName); table != nil {
			table.CheckConstraints = append(table.CheckConstraints, cc)
		}
		mu.Unlock()
	}
	return rows.Err()
}

func (in *Introspector) fetchEnumValues(ctx context.Context, schema string, lookup func(string) *Table) error {
	rows, err := in.pool.Query(ctx, enumColumnsSQL, schema)
	if err != nil {
		return fmt.Errorf("kb: enum columns: %w", err)
	}
	defer rows.Close()

	type key struct{ table, column string }
	labels := make(map[key][]string)

	for rows.Next() {
		var tableName, columnName, label string
		if err := rows.Scan(&tableName, &columnName, &label); err != nil {
			return fmt.Errorf("kb: enum columns: %w", err)
		}
		k := key{tableName, columnName}
		labels[k] = append(labels[k], label)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for k, values := range labels {
		table := lookup(k.table)
		if table == nil {
			continue
		}
		for i := range table.Columns {
			if table.Columns[i].Name == k.column {
				table.Columns[i].EnumValues = values
			}
		}
	}
	return nil
}

// # Derived Hints

var (
	checkArrayRegex  = regexp.MustCompile(`ARRAY\[([^\]]+)\]`)
	checkStringRegex = regexp.MustCompile(`'([^']+)'`)
	checkEqualRegex  = regexp.MustCompile(`=\s*'([^']+)'`)
)

// parseCheckValues extracts literal values from a CHECK clause.
//
// Handles the two shapes Postgres emits for value constraints:
// "col = ANY (ARRAY['a','b'])" and "col = 'a'".
func parseCheckValues(clause string) []string {
	if m := checkArrayRegex.FindStringSubmatch(clause); m != nil {
		values := checkStringRegex.FindAllStringSubmatch(m[1], -1)
		out := make([]string, 0, len(values))
		for _, v := range values {
			out = append(out, v[1])
		}
		return out
	}

	if values := checkEqualRegex.FindAllStringSubmatch(clause, -1); values != nil {
		out := make([]string, 0, len(values))
		for _, v := range values {
			out = append(out, v[1])
		}
		return out
	}

	return nil
}

var statusNameTokens = []string{"status", "state", "type", "stage", "phase"}
var naturalKeyTokens = []string{"number", "code", "name", "email", "username"}

// deriveHints populates the date/status/natural-key column sets and the
// inferred business domain.
func deriveHints(table *Table) {
	for _, column := range table.Columns {
		dataType := strings.ToLower(column.DataType)
		name := strings.ToLower(column.Name)

		if strings.Contains(dataType, "date") || strings.Contains(dataType, "timestamp") {
			table.DateColumns = append(table.DateColumns, column.Name)
		}

		if isTextual(dataType) && containsAny(name, statusNameTokens) {
			table.StatusColumns = append(table.StatusColumns, column.Name)
		}

		if containsAny(name, naturalKeyTokens) && !strings.HasSuffix(name, "_id") {
			table.NaturalKeyCandidates = append(table.NaturalKeyCandidates, column.Name)
		}
	}

	table.Domain = inferDomain(table.Name)
}

func isTextual(dataType string) bool {
	switch {
	case strings.Contains(dataType, "character varying"),
		strings.Contains(dataType, "varchar"),
		strings.Contains(dataType, "text"),
		strings.Contains(dataType, "char"),
		dataType == "user-defined":
		return true
	}
	return false
}

func containsAny(s string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}

var domainKeywords = []struct {
	domain   string
	keywords []string
}{
	{"microfinance", []string{"borrower", "loan", "repayment", "collection", "field_officer", "branch"}},
	{"ecommerce", []string{"user", "order", "product", "cart", "payment", "shipping"}},
	{"audit", []string{"history", "audit", "log", "event"}},
}

// inferDomain guesses the business domain from the table name.
func inferDomain(tableName string) string {
	name := strings.ToLower(tableName)
	for _, entry := range domainKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(name, keyword) {
				return entry.domain
			}
		}
	}
	return "general"
}
