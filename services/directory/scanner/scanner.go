// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scanner rehydrates orchestrator state from the workspace at
// startup: per-package metadata from nimpkgdir.json files and the symbol
// index from cached jsondoc descriptors.
package scanner

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/nimdir/services/directory/builder"
	"github.com/AleutianAI/nimdir/services/directory/cache"
	"github.com/AleutianAI/nimdir/services/directory/symbols"
)

// Scan walks the workspace root once and loads whatever it can. Broken
// per-package files are logged and skipped; those packages rebuild on
// their next request.
//
// Returns the number of packages rehydrated.
func Scan(workspace string, orch *builder.Orchestrator, idx *symbols.Index, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(workspace)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("workspace unreadable, starting empty",
				slog.String("workspace", workspace), slog.String("error", err.Error()))
		}
		return 0
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pkg := entry.Name()
		meta, err := cache.LoadMetadataFile(filepath.Join(workspace, pkg, cache.MetadataFilename))
		if err != nil {
			if err != cache.ErrNoMetadata {
				logger.Warn("skipping unreadable package metadata",
					slog.String("package", pkg), slog.String("error", err.Error()))
			}
			continue
		}
		if meta.Name == "" {
			meta.Name = pkg
		}
		orch.Rehydrate(meta)
		loaded++

		rehydrateSymbols(workspace, pkg, idx, logger)
	}

	logger.Info("workspace scan complete",
		slog.String("workspace", workspace), slog.Int("packages", loaded))
	return loaded
}

// rehydrateSymbols replays cached jsondoc descriptors for one package.
func rehydrateSymbols(workspace, pkg string, idx *symbols.Index, logger *slog.Logger) {
	root, err := builder.FindPackageRoot(filepath.Join(workspace, pkg), pkg)
	if err != nil {
		return
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".nim" {
			return nil
		}
		if perr := idx.ParseFile(pkg, root, path); perr != nil {
			logger.Debug("no cached symbols for source",
				slog.String("package", pkg), slog.String("source", path))
		}
		return nil
	})
}
