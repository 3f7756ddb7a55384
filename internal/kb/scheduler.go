// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package kb

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phamtuananh/sequana/internal/platform/constants"
)

// SchemaSource abstracts catalog introspection so the refresh pipeline can
// be exercised without a live database.
type SchemaSource interface {
	Introspect(ctx context.Context, schema string) (*Snapshot, error)
}

// RefreshObserver receives refresh outcomes for metrics accounting.
type RefreshObserver interface {
	KBRefreshSucceeded(version string)
	KBRefreshFailed()
}

// RefreshStatus is the state reported by the kb-status endpoint.
type RefreshStatus struct {
	LastRefresh  *time.Time `json:"last_refresh"`
	NextRefresh  *time.Time `json:"next_refresh"`
	Status       string     `json:"status"`
	Version      string     `json:"version"`
	TableCount   int        `json:"table_count"`
	Error        string     `json:"error,omitempty"`
	IsRefreshing bool       `json:"is_refreshing"`
}

// Refresher owns the periodic knowledge-base rebuild.
//
// # Concurrency
//
// The active rule set is held in an atomic pointer; request handlers take
// a snapshot once per request and never observe a half-swapped artifact.
// Overlapping refresh runs are skipped, not queued.
type Refresher struct {
	source     SchemaSource
	dir        string
	schemaName string
	interval   time.Duration
	policy     PolicyConfig
	cache      *MetadataCache
	observer   RefreshObserver
	log        *slog.Logger

	current    atomic.Pointer[CompiledRules]
	refreshing atomic.Bool

	mu     sync.Mutex
	status RefreshStatus
}

// NewRefresher wires a Refresher. cache and observer may be nil.
func NewRefresher(source SchemaSource, dir, schemaName string, interval time.Duration,
	policy PolicyConfig, cache *MetadataCache, observer RefreshObserver, log *slog.Logger) *Refresher {
	return &Refresher{
		source:     source,
		dir:        dir,
		schemaName: schemaName,
		interval:   interval,
		policy:     policy,
		cache:      cache,
		observer:   observer,
		log:        log,
		status:     RefreshStatus{Status: "never_run"},
	}
}

// Current returns the active rule set, or nil before the first successful
// load. Callers must treat the result as immutable.
func (r *Refresher) Current() *CompiledRules {
	return r.current.Load()
}

// Status returns a copy of the latest refresh state.
func (r *Refresher) Status() RefreshStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := r.status
	status.IsRefreshing = r.refreshing.Load()
	return status
}

// Start performs the blocking initial load, then launches the periodic loop.
//
// If the first refresh fails but a compiled artifact from a previous run
// exists on disk, the service starts in last-known-good mode. With neither,
// startup fails.
func (r *Refresher) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		r.log.Error("kb_initial_refresh_failed", slog.Any("error", err))

		rules, loadErr := LoadRules(filepath.Join(r.dir, constants.FileCompiledRules))
		if loadErr != nil {
			return fmt.Errorf("kb: no usable rule set: refresh failed (%w) and no prior artifact", err)
		}

		r.current.Store(rules)
		r.setStatus(func(s *RefreshStatus) {
			s.Status = "using_last_known_good"
			s.Version = rules.Version
			s.TableCount = len(rules.Tables)
			s.Error = err.Error()
		})
		r.log.Warn("kb_using_last_known_good", slog.String("version", rules.Version))
	}

	go r.run(ctx)
	return nil
}

// run is the ticker loop. It exits on context cancellation.
func (r *Refresher) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.log.Error("kb_scheduled_refresh_failed", slog.Any("error", err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Refresh runs the full pipeline: introspect, merge semantics, compile,
// validate, atomic swap. On any failure the previous rule set stays active.
func (r *Refresher) Refresh(ctx context.Context) error {
	if !r.refreshing.CompareAndSwap(false, true) {
		r.setStatus(func(s *RefreshStatus) { s.Status = "skipped" })
		return nil
	}
	defer r.refreshing.Store(false)

	started := time.Now().UTC()
	r.log.Info("kb_refresh_started", slog.String("schema", r.schemaName))

	rules, err := r.rebuild(ctx)
	if err != nil {
		r.setStatus(func(s *RefreshStatus) {
			s.Status = "failed"
			s.Error = err.Error()
		})
		if r.observer != nil {
			r.observer.KBRefreshFailed()
		}
		return err
	}

	r.current.Store(rules)
	if r.cache != nil {
		r.cache.Invalidate("")
	}

	next := started.Add(r.interval)
	r.setStatus(func(s *RefreshStatus) {
		s.LastRefresh = &started
		s.NextRefresh = &next
		s.Status = "success"
		s.Version = rules.Version
		s.TableCount = len(rules.Tables)
		s.Error = ""
	})
	if r.observer != nil {
		r.observer.KBRefreshSucceeded(rules.Version)
	}

	r.log.Info("kb_refresh_completed",
		slog.String("version", rules.Version),
		slog.Int("table_count", len(rules.Tables)),
		slog.Int64("duration_ms", time.Since(started).Milliseconds()),
	)
	return nil
}

// rebuild produces and stages all three artifacts, then swaps them in.
func (r *Refresher) rebuild(ctx context.Context) (*CompiledRules, error) {
	snapshot, err := r.source.Introspect(ctx, r.schemaName)
	if err != nil {
		return nil, fmt.Errorf("kb: introspect: %w", err)
	}
	if err := WriteStaged(r.dir, constants.FileSchemaSnapshot, snapshot); err != nil {
		return nil, err
	}

	existing, err := LoadSemantics(filepath.Join(r.dir, constants.FileSemanticStore))
	if err != nil {
		return nil, err
	}
	merged := MergeSemantics(existing, snapshot, r.policy.MaxJoinDepth)
	if err := WriteStaged(r.dir, constants.FileSemanticStore, merged); err != nil {
		return nil, err
	}

	rules := Compile(snapshot, merged, r.policy)
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}
	if err := WriteStaged(r.dir, constants.FileCompiledRules, rules); err != nil {
		return nil, err
	}

	if err := AtomicSwap(r.dir); err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *Refresher) setStatus(mutate func(*RefreshStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(&r.status)
}
