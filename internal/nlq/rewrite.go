// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package nlq

import (
	"regexp"
	"strconv"
	"strings"
)

// # Deterministic Refinement Rewrites
//
// Simple follow-ups ("make it 5", "sort by balance desc") never reach
// the LLM. The anchor SQL is rewritten in place, touching only the
// targeted clause; every other byte stays identical.

var limitValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:make it|increase to|decrease to|change to|set to|limit to|show me|give me)\s+(\d+)\b`),
	regexp.MustCompile(`^(\d+)$`),
	regexp.MustCompile(`\btop\s+(\d+)\b`),
	regexp.MustCompile(`\blimit\s+(\d+)\b`),
	regexp.MustCompile(`\bshow\s+(\d+)\b`),
}

var (
	sqlLimitClause  = regexp.MustCompile(`(?i)\bLIMIT\s+\d+\b`)
	sqlOrderClause  = regexp.MustCompile(`(?i)\bORDER\s+BY\s+[\w.]+\s+(?:ASC|DESC)\b`)
	orderDirective  = regexp.MustCompile(`\b(?:sort|order)\s+by\s+(\w+)(?:\s+(asc|desc|ascending|descending))?\b`)
	sqlLimitCapture = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)
)

// ParseLimitValue extracts the requested row count from a limit
// refinement ("make it 5", "top 3", "10"). Returns 0 when no number is
// present.
func ParseLimitValue(question string) int {
	lower := strings.ToLower(strings.TrimSpace(question))

	for _, pattern := range limitValuePatterns {
		match := pattern.FindStringSubmatch(lower)
		if match == nil {
			continue
		}
		value, err := strconv.Atoi(match[1])
		if err == nil && value > 0 {
			return value
		}
	}
	return 0
}

// RewriteLimit replaces the anchor SQL's LIMIT, or appends one when the
// statement has none. A trailing semicolon is stripped before appending.
func RewriteLimit(sql string, newLimit int) string {
	if sql == "" {
		return sql
	}

	clause := "LIMIT " + strconv.Itoa(newLimit)
	if sqlLimitClause.MatchString(sql) {
		return sqlLimitClause.ReplaceAllString(sql, clause)
	}

	stripped := strings.TrimRight(strings.TrimSpace(sql), ";")
	return strings.TrimRight(stripped, " \t\n") + "\n" + clause
}

// ParseOrderClause extracts "sort by <column> [direction]" from an order
// refinement. Direction defaults to DESC when unspecified.
func ParseOrderClause(question string) *Ordering {
	lower := strings.ToLower(strings.TrimSpace(question))

	match := orderDirective.FindStringSubmatch(lower)
	if match == nil {
		return nil
	}

	direction := "DESC"
	if strings.HasPrefix(match[2], "asc") {
		direction = "ASC"
	}
	return &Ordering{Column: match[1], Direction: direction}
}

// RewriteOrder replaces the anchor SQL's ORDER BY, or inserts one before
// an existing LIMIT, or appends it at the end.
func RewriteOrder(sql string, order *Ordering) string {
	if sql == "" || order == nil {
		return sql
	}

	clause := "ORDER BY " + order.Column + " " + order.Direction
	if sqlOrderClause.MatchString(sql) {
		return sqlOrderClause.ReplaceAllString(sql, clause)
	}

	if limitMatch := sqlLimitCapture.FindString(sql); limitMatch != "" {
		return strings.Replace(sql, limitMatch, clause+"\n"+limitMatch, 1)
	}

	stripped := strings.TrimRight(strings.TrimSpace(sql), ";")
	return strings.TrimRight(stripped, " \t\n") + "\n" + clause
}
