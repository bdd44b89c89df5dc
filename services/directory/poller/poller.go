// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package poller re-fetches the upstream package manifest on a fixed
// period, diffs it against the loaded manifest, records first-seen
// history for new names, and triggers an index rebuild.
//
// Failure is per-tick: a failed tick is logged and the loop continues.
// There is no retry or backoff beyond the poll interval itself (the
// fetcher retries transport errors internally).
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/nimdir/services/directory/cache"
	"github.com/AleutianAI/nimdir/services/directory/datatypes"
	"github.com/AleutianAI/nimdir/services/directory/pkglist"
)

// Source abstracts the upstream fetch for tests.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Stats receives poller measurements.
type Stats interface {
	PollerTick(changed bool, err error)
}

type nopStats struct{}

func (nopStats) PollerTick(bool, error) {}

// Poller owns the upstream polling loop.
type Poller struct {
	source Source
	store  *pkglist.Store
	cache  *cache.Cache
	period time.Duration
	logger *slog.Logger
	stats  Stats
}

// New creates a Poller.
func New(source Source, store *pkglist.Store, c *cache.Cache, period time.Duration,
	logger *slog.Logger, stats Stats) *Poller {

	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = nopStats{}
	}
	return &Poller{
		source: source,
		store:  store,
		cache:  c,
		period: period,
		logger: logger,
		stats:  stats,
	}
}

// Run polls forever until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.logger.Error("manifest poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick performs one poll cycle.
func (p *Poller) Tick(ctx context.Context) (err error) {
	changed := false
	defer func() { p.stats.PollerTick(changed, err) }()

	remote, err := p.source.Fetch(ctx)
	if err != nil {
		return err
	}

	local, rerr := os.ReadFile(p.store.Path())
	if rerr == nil && bytes.Equal(local, remote) {
		p.logger.Debug("upstream manifest unchanged")
		return nil
	}
	changed = true

	// Record first-seen entries for names the store has never loaded.
	names, err := manifestNames(remote)
	if err != nil {
		return err
	}
	now := time.Now()
	var fresh []datatypes.PkgHistoryItem
	for _, name := range names {
		key := datatypes.NormalizeName(name)
		if p.store.Has(key) || p.cache.Seen(key) {
			continue
		}
		fresh = append(fresh, datatypes.PkgHistoryItem{Name: key, FirstSeen: now})
	}
	if added := p.cache.Append(fresh...); added > 0 {
		p.logger.Info("new packages discovered", slog.Int("count", added))
	}
	if err := p.cache.SaveHistory(); err != nil {
		return err
	}

	if err := p.store.ReplaceManifest(remote); err != nil {
		return err
	}
	if err := p.store.Load(ctx); err != nil {
		return err
	}

	p.logDisappeared()
	p.logger.Info("manifest refreshed", slog.Int("packages", p.store.Count()))
	return nil
}

// logDisappeared reports names present in the first-seen history but
// gone from the current manifest.
func (p *Poller) logDisappeared() {
	for _, item := range p.cache.History() {
		if !p.store.Has(item.Name) {
			p.logger.Warn("package disappeared from upstream manifest",
				slog.String("package", item.Name))
		}
	}
}

// manifestNames extracts the name of every entry that has one.
func manifestNames(data []byte) ([]string, error) {
	var raw []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(raw))
	for _, e := range raw {
		if e.Name != "" {
			names = append(names, e.Name)
		}
	}
	return names, nil
}
