// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package builder runs the asynchronous per-package build pipeline:
// install, HTML documentation, symbol documentation.
//
// # State machine
//
// Each package moves Waiting -> Running -> {OK, Failed, Timeout}. A
// global slot admits one running build at a time; everything else queues
// in the waiting set. Admission, the transient sets, and metadata
// mutation share one mutex so handlers always observe a consistent
// snapshot.
//
// # Ordering
//
// After a build reaches its terminal status, finish appends it to the
// ring history, persists metadata, and only then releases the slot.
// Observers of "not building" therefore
// also observe the history update.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/nimdir/services/directory/cache"
	"github.com/AleutianAI/nimdir/services/directory/datatypes"
	"github.com/AleutianAI/nimdir/services/directory/history"
	"github.com/AleutianAI/nimdir/services/directory/pkglist"
	"github.com/AleutianAI/nimdir/services/directory/runner"
	"github.com/AleutianAI/nimdir/services/directory/symbols"
)

var (
	// ErrNotFound is returned by Request for names not in the manifest.
	ErrNotFound = errors.New("package not in manifest")

	// ErrRootNotFound means the installer succeeded but no directory in
	// the per-package workspace matches the package name.
	ErrRootNotFound = errors.New("installed package root not found")
)

// slotPollInterval is how long a queued build sleeps between attempts to
// take the global slot. wait-completion polls at the same cadence.
const slotPollInterval = 1 * time.Second

// sourceExt is the source extension the doc stages enumerate.
const sourceExt = ".nim"

// Config carries the orchestrator knobs.
type Config struct {
	WorkspaceRoot string
	NimbleBin     string
	NimBin        string
	BuildTimeout  time.Duration
	DocTimeout    time.Duration
	BuildExpiry   time.Duration
}

// Event is a build state transition, published to the events hub.
type Event struct {
	AttemptID      string                `json:"attempt_id"`
	Name           string                `json:"name"`
	BuildStatus    datatypes.BuildStatus `json:"build_status"`
	DocBuildStatus datatypes.BuildStatus `json:"doc_build_status"`
	Time           time.Time             `json:"time"`
}

// Stats receives orchestrator measurements. Implementations must be
// safe for concurrent use.
type Stats interface {
	BuildFinished(status datatypes.BuildStatus, installSeconds float64)
	InstallFailed()
	SlotBusy(waiting int)
}

type nopStats struct{}

func (nopStats) BuildFinished(datatypes.BuildStatus, float64) {}
func (nopStats) InstallFailed()                               {}
func (nopStats) SlotBusy(int)                                 {}

// Orchestrator owns the per-package build lifecycle.
type Orchestrator struct {
	cfg     Config
	run     runner.Runner
	store   *pkglist.Store
	symbols *symbols.Index
	cache   *cache.Cache
	ring    *history.Ring
	logger  *slog.Logger
	stats   Stats
	notify  func(Event)

	mu       sync.Mutex
	metadata map[string]*datatypes.PkgDocMetadata
	waiting  map[string]struct{}
	building map[string]struct{}
}

// New creates an Orchestrator. notify may be nil.
func New(cfg Config, run runner.Runner, store *pkglist.Store, idx *symbols.Index,
	c *cache.Cache, ring *history.Ring, logger *slog.Logger, stats Stats, notify func(Event)) *Orchestrator {

	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = nopStats{}
	}
	if notify == nil {
		notify = func(Event) {}
	}
	return &Orchestrator{
		cfg:      cfg,
		run:      run,
		store:    store,
		symbols:  idx,
		cache:    c,
		ring:     ring,
		logger:   logger,
		stats:    stats,
		notify:   notify,
		metadata: make(map[string]*datatypes.PkgDocMetadata),
		waiting:  make(map[string]struct{}),
		building: make(map[string]struct{}),
	}
}

// Rehydrate installs persisted metadata at startup. Called by the
// directory scanner before any request is admitted.
func (o *Orchestrator) Rehydrate(meta *datatypes.PkgDocMetadata) {
	key := datatypes.NormalizeName(meta.Name)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metadata[key] = meta
}

// Request ensures that, eventually, the package's docs reflect a build
// no older than the build expiry. Non-blocking: progress is visible
// through Status and the badges.
//
// Admission:
//  1. Already waiting or building: no-op.
//  2. Fresh metadata and force unset: no-op.
//  3. Otherwise queue the package and set both statuses to Waiting.
func (o *Orchestrator) Request(name string, force bool) error {
	if !o.store.Has(name) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	key := datatypes.NormalizeName(name)

	o.mu.Lock()
	if _, ok := o.waiting[key]; ok {
		o.mu.Unlock()
		return nil
	}
	if _, ok := o.building[key]; ok {
		o.mu.Unlock()
		return nil
	}
	meta, exists := o.metadata[key]
	if exists && !force && meta.Fresh(time.Now()) {
		o.mu.Unlock()
		return nil
	}
	if !exists {
		meta = &datatypes.PkgDocMetadata{Name: key}
		o.metadata[key] = meta
	}
	meta.BuildStatus = datatypes.BuildWaiting
	meta.DocBuildStatus = datatypes.BuildWaiting
	o.waiting[key] = struct{}{}
	o.mu.Unlock()

	o.notify(Event{Name: key, BuildStatus: datatypes.BuildWaiting,
		DocBuildStatus: datatypes.BuildWaiting, Time: time.Now()})
	o.logger.Info("build queued", slog.String("package", key), slog.Bool("force", force))

	go o.build(key)
	return nil
}

// WaitCompletion blocks until the package leaves both transient sets or
// the build timeout elapses. Returns true if the package settled.
func (o *Orchestrator) WaitCompletion(ctx context.Context, name string) bool {
	key := datatypes.NormalizeName(name)
	deadline := time.NewTimer(o.cfg.BuildTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(slotPollInterval)
	defer ticker.Stop()

	for {
		if !o.pending(key) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) pending(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.waiting[key]; ok {
		return true
	}
	_, ok := o.building[key]
	return ok
}

// Status reports the coarse state for the status API: waiting, building,
// done, or unknown, plus the current build time.
func (o *Orchestrator) Status(name string) (string, time.Time) {
	key := datatypes.NormalizeName(name)
	o.mu.Lock()
	defer o.mu.Unlock()

	var buildTime time.Time
	if meta, ok := o.metadata[key]; ok {
		buildTime = meta.BuildTime
	}
	if _, ok := o.waiting[key]; ok {
		return "waiting", buildTime
	}
	if _, ok := o.building[key]; ok {
		return "building", buildTime
	}
	if _, ok := o.metadata[key]; ok {
		return "done", buildTime
	}
	return "unknown", buildTime
}

// Metadata returns a copy of a package's build record.
func (o *Orchestrator) Metadata(name string) (*datatypes.PkgDocMetadata, bool) {
	key := datatypes.NormalizeName(name)
	o.mu.Lock()
	defer o.mu.Unlock()
	meta, ok := o.metadata[key]
	if !ok {
		return nil, false
	}
	return meta.Clone(), true
}

// TransientSets returns copies of the waiting and building sets.
func (o *Orchestrator) TransientSets() (waiting, building []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for name := range o.waiting {
		waiting = append(waiting, name)
	}
	for name := range o.building {
		building = append(building, name)
	}
	return waiting, building
}

// WaitingCount and BuildingCount back the telemetry gauges.
func (o *Orchestrator) WaitingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.waiting)
}

func (o *Orchestrator) BuildingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.building)
}

// acquireSlot blocks until the global slot is free, then atomically
// moves the package from waiting to building and stamps the attempt.
func (o *Orchestrator) acquireSlot(key string) *datatypes.PkgDocMetadata {
	for {
		o.mu.Lock()
		if len(o.building) == 0 {
			delete(o.waiting, key)
			o.building[key] = struct{}{}
			meta := o.metadata[key]
			now := time.Now()
			meta.BuildStatus = datatypes.BuildRunning
			meta.DocBuildStatus = datatypes.BuildRunning
			meta.BuildTime = now
			meta.ExpireTime = now.Add(o.cfg.BuildExpiry)
			o.mu.Unlock()
			return meta
		}
		queued := len(o.waiting)
		o.mu.Unlock()

		o.stats.SlotBusy(queued)
		time.Sleep(slotPollInterval)
	}
}

// build runs the full pipeline for one admitted package.
func (o *Orchestrator) build(key string) {
	meta := o.acquireSlot(key)
	attemptID := uuid.NewString()

	o.notify(Event{AttemptID: attemptID, Name: key,
		BuildStatus: datatypes.BuildRunning, DocBuildStatus: datatypes.BuildRunning,
		Time: time.Now()})

	installDir := filepath.Join(o.cfg.WorkspaceRoot, key)
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		o.mu.Lock()
		meta.BuildStatus = datatypes.BuildFailed
		meta.DocBuildStatus = datatypes.BuildFailed
		meta.BuildOutput = fmt.Sprintf("cannot create workspace: %v", err)
		o.mu.Unlock()
		o.finish(key, meta, attemptID, 0)
		return
	}

	// Stage 1: install.
	installRes := o.run.Run(context.Background(), o.cfg.NimbleBin,
		[]string{"install", key, "--verbose", "--nimbleDir=" + installDir, "-y", "--debug"},
		installDir, o.cfg.BuildTimeout)

	status := installStatus(installRes)
	output := installRes.Output
	if status == datatypes.BuildTimeout {
		output = fmt.Sprintf("** Install test timed out after %d seconds **\n",
			int(o.cfg.BuildTimeout.Seconds())) + output
	}

	o.mu.Lock()
	meta.BuildStatus = status
	meta.BuildOutput = output
	if status != datatypes.BuildOK {
		// Doc stages never ran for this attempt.
		meta.DocBuildStatus = datatypes.BuildWaiting
	}
	o.mu.Unlock()

	if status != datatypes.BuildOK {
		o.logger.Warn("install stage failed",
			slog.String("package", key),
			slog.String("status", string(status)),
			slog.Int("exit_code", installRes.ExitCode),
		)
		o.stats.InstallFailed()
		o.finish(key, meta, attemptID, installRes.ElapsedSeconds)
		return
	}

	// Stage 2: HTML documentation.
	docItems, fnames, idxFnames, docStatus := o.buildDocs(key, installDir)

	// Stage 3: version capture from the manifest enrichment.
	version := "?"
	if entry, ok := o.store.Get(key); ok && entry.GithubLatestVersion != "" {
		version = entry.GithubLatestVersion
	}

	o.mu.Lock()
	meta.DocBuildStatus = docStatus
	meta.DocBuildOutput = docItems
	meta.Fnames = fnames
	meta.IdxFnames = idxFnames
	meta.Version = version
	o.mu.Unlock()

	// Stage 4: symbol documentation. Failures are logged only; they do
	// not affect doc_build_status.
	o.buildSymbolDocs(key, installDir)

	o.finish(key, meta, attemptID, installRes.ElapsedSeconds)
}

// finish performs the terminal actions: ring append under the status
// lock, metadata persistence, slot release, notifications.
func (o *Orchestrator) finish(key string, meta *datatypes.PkgDocMetadata, attemptID string, installSeconds float64) {
	o.mu.Lock()
	item := datatypes.BuildHistoryItem{
		AttemptID:      attemptID,
		Name:           key,
		BuildTime:      meta.BuildTime,
		BuildStatus:    meta.BuildStatus,
		DocBuildStatus: meta.DocBuildStatus,
	}
	o.ring.Push(item)
	snapshot := meta.Clone()
	o.mu.Unlock()

	if err := o.cache.SaveMetadata(o.cfg.WorkspaceRoot, key, snapshot); err != nil {
		o.logger.Error("metadata persistence failed",
			slog.String("package", key), slog.String("error", err.Error()))
	}

	o.mu.Lock()
	delete(o.building, key)
	o.mu.Unlock()

	o.stats.BuildFinished(snapshot.BuildStatus, installSeconds)
	o.notify(Event{AttemptID: attemptID, Name: key,
		BuildStatus: snapshot.BuildStatus, DocBuildStatus: snapshot.DocBuildStatus,
		Time: time.Now()})
	o.logger.Info("build finished",
		slog.String("package", key),
		slog.String("build_status", string(snapshot.BuildStatus)),
		slog.String("doc_build_status", string(snapshot.DocBuildStatus)),
		slog.Int("doc_files", len(snapshot.Fnames)),
	)
}

func installStatus(res runner.Result) datatypes.BuildStatus {
	switch {
	case res.ExitCode == 0:
		return datatypes.BuildOK
	case res.TimedOut():
		return datatypes.BuildTimeout
	default:
		return datatypes.BuildFailed
	}
}
