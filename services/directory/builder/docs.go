// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/nimdir/services/directory/datatypes"
)

// FindPackageRoot locates the installed sources inside the per-package
// workspace.
//
// Candidates live under <installDir>/pkgs/. A directory is preferred
// when it carries the installer's nimblemeta.json and its leading
// dash-delimited token normalizes to the package name; the bare token
// match is the fallback heuristic for older installer layouts.
func FindPackageRoot(installDir, key string) (string, error) {
	pkgsDir := filepath.Join(installDir, "pkgs")
	entries, err := os.ReadDir(pkgsDir)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRootNotFound, key)
	}

	var fallback string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		token := strings.SplitN(entry.Name(), "-", 2)[0]
		if datatypes.NormalizeName(token) != key {
			continue
		}
		full := filepath.Join(pkgsDir, entry.Name())
		if _, err := os.Stat(filepath.Join(full, "nimblemeta.json")); err == nil {
			return full, nil
		}
		if fallback == "" {
			fallback = full
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("%w: %s", ErrRootNotFound, key)
}

// collectSources returns the package's source files in walk order.
func collectSources(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && filepath.Ext(path) == sourceExt {
			files = append(files, path)
		}
		return nil
	})
	return files
}

// collectIdxFiles gathers generated .idx files under the package root.
// Collected once after the doc loop so repeats do not duplicate.
func collectIdxFiles(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && filepath.Ext(path) == ".idx" {
			if rel, rerr := filepath.Rel(root, path); rerr == nil {
				files = append(files, rel)
			}
		}
		return nil
	})
	return files
}

// buildDocs runs the HTML documentation stage: one subprocess per source
// file, each in that file's directory with the per-file timeout.
func (o *Orchestrator) buildDocs(key, installDir string) ([]datatypes.DocBuildOutItem, []string, []string, datatypes.BuildStatus) {
	root, err := FindPackageRoot(installDir, key)
	if err != nil {
		o.logger.Warn("package root not found, doc stage aborted",
			slog.String("package", key), slog.String("error", err.Error()))
		item := datatypes.DocBuildOutItem{
			Success:  false,
			Filename: "",
			Desc:     "locate package root",
			Output:   err.Error(),
		}
		return []datatypes.DocBuildOutItem{item}, nil, nil, datatypes.BuildFailed
	}

	sources := collectSources(root)
	items := make([]datatypes.DocBuildOutItem, 0, len(sources))
	var fnames []string
	allOK := true

	for _, src := range sources {
		rel, rerr := filepath.Rel(root, src)
		if rerr != nil {
			rel = filepath.Base(src)
		}
		res := o.run.Run(context.Background(), o.cfg.NimBin,
			[]string{"doc", "--index:on", src}, filepath.Dir(src), o.cfg.DocTimeout)

		ok := res.ExitCode == 0
		if !ok {
			allOK = false
		} else {
			fnames = append(fnames, strings.TrimSuffix(rel, sourceExt)+".html")
		}
		items = append(items, datatypes.DocBuildOutItem{
			Success:  ok,
			Filename: rel,
			Desc:     fmt.Sprintf("nim doc %s", rel),
			Output:   res.Output,
		})
	}

	idxFnames := collectIdxFiles(root)

	status := datatypes.BuildOK
	if !allOK {
		status = datatypes.BuildFailed
	}
	return items, fnames, idxFnames, status
}

// buildSymbolDocs runs the jsondoc stage and feeds the symbol index.
func (o *Orchestrator) buildSymbolDocs(key, installDir string) {
	root, err := FindPackageRoot(installDir, key)
	if err != nil {
		return
	}
	for _, src := range collectSources(root) {
		res := o.run.Run(context.Background(), o.cfg.NimBin,
			[]string{"jsondoc", src}, filepath.Dir(src), o.cfg.DocTimeout)
		if res.ExitCode != 0 {
			o.logger.Warn("jsondoc failed",
				slog.String("package", key),
				slog.String("source", src),
				slog.Int("exit_code", res.ExitCode))
			continue
		}
		if err := o.symbols.ParseFile(key, root, src); err != nil {
			o.logger.Warn("symbol descriptor unusable",
				slog.String("package", key),
				slog.String("source", src),
				slog.String("error", err.Error()))
		}
	}
}
