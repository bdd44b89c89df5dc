// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package directory assembles the nimdir service: the manifest store,
// the build orchestrator, the upstream poller, the enrichment client,
// and the HTTP surface over all of them.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/nimdir/pkg/logging"

	"github.com/AleutianAI/nimdir/services/directory/builder"
	"github.com/AleutianAI/nimdir/services/directory/cache"
	"github.com/AleutianAI/nimdir/services/directory/config"
	"github.com/AleutianAI/nimdir/services/directory/enrich"
	"github.com/AleutianAI/nimdir/services/directory/events"
	"github.com/AleutianAI/nimdir/services/directory/history"
	"github.com/AleutianAI/nimdir/services/directory/pkglist"
	"github.com/AleutianAI/nimdir/services/directory/poller"
	"github.com/AleutianAI/nimdir/services/directory/query"
	"github.com/AleutianAI/nimdir/services/directory/runner"
	"github.com/AleutianAI/nimdir/services/directory/scanner"
	"github.com/AleutianAI/nimdir/services/directory/signature"
	"github.com/AleutianAI/nimdir/services/directory/symbols"
	"github.com/AleutianAI/nimdir/services/directory/telemetry"
	"github.com/AleutianAI/nimdir/services/directory/watchdog"
)

// shutdownGrace bounds how long shutdown waits for an in-flight build to
// end naturally before the process exits anyway.
const shutdownGrace = 10 * time.Second

// Service owns every component of the package directory.
type Service struct {
	cfg    config.Config
	logger *logging.Logger

	store     *pkglist.Store
	cache     *cache.Cache
	symbols   *symbols.Index
	ring      *history.Ring
	orch      *builder.Orchestrator
	queries   *query.Service
	poller    *poller.Poller
	enrich    *enrich.Client
	hub       *events.Hub
	telemetry *telemetry.Telemetry
	verifier  signature.Verifier
}

// New wires the service and performs the startup sequence: load the
// manifest (fetching it on first run), open the caches, and rehydrate
// orchestrator state from the workspace.
func New(ctx context.Context, cfg config.Config, logger *logging.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{cfg: cfg, logger: logger}

	var err error
	if s.telemetry, err = telemetry.New(
		func() int {
			if s.orch == nil {
				return 0
			}
			return s.orch.WaitingCount()
		},
		func() int {
			if s.orch == nil {
				return 0
			}
			return s.orch.BuildingCount()
		},
	); err != nil {
		return nil, err
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "."
	}
	if s.cache, err = cache.New(cacheDir, logger.Logger); err != nil {
		return nil, err
	}

	fetcher := poller.NewFetcher(cfg.UpstreamManifestURL)
	s.store = pkglist.New(cfg.PackagesListFname, fetcher.Fetch, logger.Logger)
	if err = s.store.Load(ctx); err != nil {
		return nil, fmt.Errorf("initial manifest load: %w", err)
	}

	s.symbols = symbols.NewIndex(logger.Logger)
	s.ring = history.NewRing(history.DefaultCapacity)
	s.hub = events.NewHub(logger.Logger)

	s.orch = builder.New(builder.Config{
		WorkspaceRoot: cfg.WorkspaceRoot,
		NimbleBin:     cfg.NimbleBin,
		NimBin:        cfg.NimBin,
		BuildTimeout:  cfg.BuildTimeout(),
		DocTimeout:    cfg.DocTimeout(),
		BuildExpiry:   cfg.BuildExpiry(),
	}, runner.NewExec(logger.Logger), s.store, s.symbols, s.cache, s.ring,
		logger.Logger, s.telemetry, func(ev builder.Event) { s.hub.Broadcast(ev) })

	s.queries = query.New(s.store, s.symbols, s.ring, s.orch)
	s.poller = poller.New(fetcher, s.store, s.cache, cfg.PollPeriod(), logger.Logger, s.telemetry)

	if s.enrich, err = enrich.NewClient(enrich.Options{
		CacheDir: cfg.EnrichCacheDir,
		Token:    cfg.GithubToken,
		TTL:      cfg.GithubCaching(),
		Logger:   logger.Logger,
	}); err != nil {
		return nil, err
	}

	s.verifier = signature.Verifier(signature.Disabled{})
	if cfg.UpdatePublicKey != "" {
		v, verr := signature.NewEd25519FromHex(cfg.UpdatePublicKey)
		if verr != nil {
			return nil, fmt.Errorf("update public key: %w", verr)
		}
		s.verifier = v
	}

	scanner.Scan(cfg.WorkspaceRoot, s.orch, s.symbols, logger.Logger)
	return s, nil
}

// Run serves HTTP and runs the background loops until ctx is cancelled,
// then performs the orderly shutdown path: stop accepting traffic, give
// an in-flight build a bounded grace period, persist the first-seen
// history, and release the stores.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := s.poller.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		s.watchManifestFile(gctx)
		return nil
	})

	g.Go(func() error {
		watchdog.Run(gctx, s.logger.Logger)
		return nil
	})

	<-gctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}

	s.waitForBuildDrain()

	if err := s.cache.SaveHistory(); err != nil {
		s.logger.Error("first-seen history not persisted", slog.String("error", err.Error()))
	}
	if err := s.enrich.Close(); err != nil {
		s.logger.Warn("enrichment cache close failed", slog.String("error", err.Error()))
	}
	_ = s.telemetry.Shutdown(context.Background())

	return g.Wait()
}

// waitForBuildDrain gives an active build a bounded chance to finish.
// Its children die with the process otherwise; the next startup rebuilds.
func (s *Service) waitForBuildDrain() {
	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		if s.orch.BuildingCount() == 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	s.logger.Warn("shutting down with a build in flight")
}

// watchManifestFile reloads the store when the local manifest file is
// rewritten out of band. Self-inflicted writes trigger a redundant but
// harmless reload.
func (s *Service) watchManifestFile(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("manifest watcher unavailable", slog.String("error", err.Error()))
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(s.cfg.PackagesListFname)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		s.logger.Warn("manifest watch failed", slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}

	target := filepath.Clean(s.cfg.PackagesListFname)
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(time.Second, func() {
				if err := s.store.Load(context.Background()); err != nil {
					s.logger.Error("manifest reload failed", slog.String("error", err.Error()))
				} else {
					s.logger.Info("manifest reloaded after external change")
				}
			})
		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("manifest watcher error", slog.String("error", werr.Error()))
		}
	}
}
