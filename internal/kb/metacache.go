// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package kb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phamtuananh/sequana/internal/platform/constants"
)

// # Metadata Cache

// MetadataCache memoizes cheap freshness lookups (latest dates, row
// estimates) against the metadata pool with a bounded TTL.
//
// Lookups are best-effort: any database error is treated as a miss and
// callers receive the zero value. Prompt construction must never fail
// because a hint was unavailable.
type MetadataCache struct {
	pool *pgxpool.Pool
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// NewMetadataCache creates a cache with the standard TTL.
func NewMetadataCache(pool *pgxpool.Pool) *MetadataCache {
	return &MetadataCache{
		pool:    pool,
		ttl:     constants.MetadataCacheTTL,
		entries: make(map[string]cacheEntry),
	}
}

// MaxDate returns the latest value of a date column, or ok=false when the
// lookup fails or the table is empty.
func (c *MetadataCache) MaxDate(ctx context.Context, qualifiedTable, column string) (time.Time, bool) {
	key := "max_date:" + qualifiedTable + ":" + column
	if cached, ok := c.get(key); ok {
		value, valid := cached.(time.Time)
		return value, valid
	}

	var value *time.Time
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", column, qualifiedTable)
	if err := c.pool.QueryRow(ctx, query).Scan(&value); err != nil || value == nil {
		c.put(key, nil)
		return time.Time{}, false
	}

	c.put(key, *value)
	return *value, true
}

// RowEstimate returns the planner's live-tuple estimate for a table.
// Returns 0 when statistics are unavailable.
func (c *MetadataCache) RowEstimate(ctx context.Context, qualifiedTable string) int64 {
	key := "row_estimate:" + qualifiedTable
	if cached, ok := c.get(key); ok {
		value, _ := cached.(int64)
		return value
	}

	schema := "public"
	table := qualifiedTable
	if idx := strings.IndexByte(qualifiedTable, '.'); idx >= 0 {
		schema = qualifiedTable[:idx]
		table = qualifiedTable[idx+1:]
	}

	var estimate int64
	query := `SELECT COALESCE(n_live_tup, 0) FROM pg_stat_user_tables WHERE schemaname = $1 AND relname = $2`
	if err := c.pool.QueryRow(ctx, query, schema, table).Scan(&estimate); err != nil {
		c.put(key, int64(0))
		return 0
	}

	c.put(key, estimate)
	return estimate
}

// Invalidate removes entries whose key mentions the given table. An empty
// table name clears everything (used after a knowledge-base refresh).
func (c *MetadataCache) Invalidate(qualifiedTable string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if qualifiedTable == "" {
		c.entries = make(map[string]cacheEntry)
		return
	}

	for key := range c.entries {
		if strings.Contains(key, qualifiedTable) {
			delete(c.entries, key)
		}
	}
}

func (c *MetadataCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (c *MetadataCache) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
}
