// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package sqlcheck

import (
	"regexp"
	"strconv"
	"strings"
)

// # Raw-Text Scanning

var (
	blockCommentRegex = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineCommentRegex  = regexp.MustCompile(`--[^\n]*`)
	singleQuoteRegex  = regexp.MustCompile(`'(?:''|[^'])*'`)
	doubleQuoteRegex  = regexp.MustCompile(`"(?:[^"]|"")*"`)
	whitespaceRegex   = regexp.MustCompile(`\s+`)
)

// stripLiteralsAndComments removes string literals and comments so the
// keyword scan neither false-positives on SELECT 'DELETE' nor gets
// bypassed via comment tricks.
func stripLiteralsAndComments(sql string) string {
	sql = blockCommentRegex.ReplaceAllString(sql, " ")
	sql = lineCommentRegex.ReplaceAllString(sql, " ")
	sql = singleQuoteRegex.ReplaceAllString(sql, " ")
	sql = doubleQuoteRegex.ReplaceAllString(sql, " ")
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(sql, " "))
}

// findBlockedKeywords returns every blocked keyword present in the SQL
// after literals and comments are stripped, word-boundary matched.
func findBlockedKeywords(sql string, blocked []string) []string {
	cleaned := stripLiteralsAndComments(sql)
	if cleaned == "" {
		return nil
	}

	var found []string
	for _, keyword := range blocked {
		pattern := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`)
		if pattern.MatchString(cleaned) {
			found = append(found, keyword)
		}
	}
	return found
}

// findBlockedFunctions intersects the functions used in the query with
// the blocked list. Both sides are compared lowercase.
func findBlockedFunctions(functions, blocked []string) []string {
	used := make(map[string]struct{}, len(functions))
	for _, fn := range functions {
		used[strings.ToLower(fn)] = struct{}{}
	}

	var found []string
	for _, fn := range blocked {
		if _, ok := used[strings.ToLower(fn)]; ok {
			found = append(found, fn)
		}
	}
	return found
}

// findBlockedJoinTypes reports disallowed join kinds. CROSS and NATURAL
// are blocked outright: neither carries an FK-grounded ON clause.
func findBlockedJoinTypes(joins []JoinInfo) []string {
	var found []string
	for _, join := range joins {
		switch {
		case strings.HasPrefix(join.Type, "CROSS"):
			found = append(found, "CROSS")
		case join.Type == "NATURAL":
			found = append(found, "NATURAL")
		}
	}
	return found
}

// # LIMIT Rewriting

var limitClauseRegex = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)

// injectLimit replaces an existing LIMIT or appends one.
func injectLimit(sql string, limit int) string {
	replacement := "LIMIT " + strconv.Itoa(limit)
	if limitClauseRegex.MatchString(sql) {
		return limitClauseRegex.ReplaceAllString(sql, replacement)
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";")) + " " + replacement
}
