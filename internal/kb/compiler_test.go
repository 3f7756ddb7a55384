// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package kb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamtuananh/sequana/internal/platform/constants"
)

func testPolicy() PolicyConfig {
	return PolicyConfig{
		DefaultLimit:            200,
		MaxLimit:                2000,
		MaxJoinDepth:            4,
		HardCapJoinDepth:        6,
		StatementTimeoutSeconds: 30,
	}
}

/*
TestCompile assembles the full artifact and checks the pieces validation
and retrieval depend on.
*/
func TestCompile(t *testing.T) {
	snapshot := microfinanceSnapshot()
	semantics := MergeSemantics(nil, snapshot, 4)

	rules := Compile(snapshot, semantics, testPolicy())
	require.NoError(t, ValidateRules(rules))

	assert.Equal(t, "core", rules.SchemaName)
	assert.Len(t, rules.Tables, 4)
	assert.Len(t, rules.FKEdges, 3)
	assert.NotEmpty(t, rules.Version)

	loans, ok := rules.Tables["core.loans"]
	require.True(t, ok)
	assert.Equal(t, "core.loans", loans.SchemaQualifiedName)
	assert.Contains(t, loans.Aliases, "loans")
	assert.Contains(t, loans.Aliases, "loan")

	policies := rules.QueryPolicies
	assert.Equal(t, 200, policies.DefaultLimit)
	assert.Equal(t, 2000, policies.MaxLimit)
	assert.True(t, policies.RequireWhereForDeepJoins)
	assert.Equal(t, []string{"core"}, policies.AllowedSchemas)
	assert.Contains(t, policies.BlockedFunctions, "pg_sleep")
	assert.Contains(t, policies.BlockedPatterns, "TRUNCATE")

	_, ok = rules.JoinPaths["core.loans->core.borrowers"]
	assert.True(t, ok)
}

/*
TestValidateRules rejects artifacts missing their guardrails.
*/
func TestValidateRules(t *testing.T) {
	snapshot := microfinanceSnapshot()
	rules := Compile(snapshot, MergeSemantics(nil, snapshot, 4), testPolicy())

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, ValidateRules(rules))
	})

	t.Run("nil_rules", func(t *testing.T) {
		assert.Error(t, ValidateRules(nil))
	})

	t.Run("no_tables", func(t *testing.T) {
		broken := *rules
		broken.Tables = nil
		assert.Error(t, ValidateRules(&broken))
	})

	t.Run("missing_fk_edges", func(t *testing.T) {
		broken := *rules
		broken.FKEdges = nil
		assert.Error(t, ValidateRules(&broken))
	})
}

/*
TestMergeSemantics verifies the three merge behaviors: preserve curated,
default new, drop removed.
*/
func TestMergeSemantics(t *testing.T) {
	snapshot := microfinanceSnapshot()

	existing := &SemanticStore{
		Tables: []TableSemantics{
			{Table: "loans", Purpose: "active loan book", Aliases: []string{"loans", "loan book"}},
			{Table: "ghost_table", Purpose: "dropped last release"},
		},
	}

	merged := MergeSemantics(existing, snapshot, 4)
	byName := merged.byName()

	// Curated entry preserved verbatim.
	assert.Equal(t, "active loan book", byName["loans"].Purpose)
	assert.Equal(t, []string{"loans", "loan book"}, byName["loans"].Aliases)

	// New tables get generated defaults.
	borrowers, ok := byName["borrowers"]
	require.True(t, ok)
	assert.Equal(t, "unknown, needs enrichment", borrowers.Purpose)
	assert.Contains(t, borrowers.Aliases, "borrower")

	// Dropped tables disappear.
	_, ok = byName["ghost_table"]
	assert.False(t, ok)

	assert.Equal(t, 4, merged.Metadata.TableCount)
}

/*
TestAtomicSwap checks both the all-or-nothing promotion and the
missing-staged-file failure mode.
*/
func TestAtomicSwap(t *testing.T) {
	snapshot := microfinanceSnapshot()
	semantics := MergeSemantics(nil, snapshot, 4)
	rules := Compile(snapshot, semantics, testPolicy())

	t.Run("promotes_all_three", func(t *testing.T) {
		dir := t.TempDir()

		require.NoError(t, WriteStaged(dir, constants.FileSchemaSnapshot, snapshot))
		require.NoError(t, WriteStaged(dir, constants.FileSemanticStore, semantics))
		require.NoError(t, WriteStaged(dir, constants.FileCompiledRules, rules))
		require.NoError(t, AtomicSwap(dir))

		loaded, err := LoadRules(filepath.Join(dir, constants.FileCompiledRules))
		require.NoError(t, err)
		assert.Equal(t, rules.Version, loaded.Version)

		// Temp files are gone after promotion.
		_, err = os.Stat(filepath.Join(dir, "compiled_rules_temp.json"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("missing_staged_file_aborts", func(t *testing.T) {
		dir := t.TempDir()

		require.NoError(t, WriteStaged(dir, constants.FileSchemaSnapshot, snapshot))
		require.NoError(t, WriteStaged(dir, constants.FileCompiledRules, rules))

		err := AtomicSwap(dir)
		require.Error(t, err)

		// Nothing was promoted.
		_, statErr := os.Stat(filepath.Join(dir, constants.FileCompiledRules))
		assert.True(t, os.IsNotExist(statErr))
	})
}
