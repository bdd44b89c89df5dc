// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache persists the two on-disk artifacts the service needs to
// survive a restart: the global first-seen history (.cache.json) and the
// per-package build metadata (<workspace>/<pkg>/nimpkgdir.json).
//
// Every save is an atomic replace: write to a temp file in the target
// directory, fsync, rename. A crash mid-save leaves the previous file
// intact.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/AleutianAI/nimdir/services/directory/datatypes"
)

// HistoryFilename is the first-seen history artifact, relative to the
// process working directory.
const HistoryFilename = ".cache.json"

// MetadataFilename is the per-package metadata artifact inside each
// package workspace.
const MetadataFilename = "nimpkgdir.json"

// ErrNoMetadata is returned when a package has no persisted metadata.
var ErrNoMetadata = errors.New("no persisted metadata for package")

// historyFile is the serialized form of .cache.json.
type historyFile struct {
	PkgsHistory []datatypes.PkgHistoryItem `json:"pkgs_history"`
}

// Cache owns the first-seen history and the metadata files.
//
// Thread Safety: safe for concurrent use. History mutations and saves are
// serialized by one mutex; metadata saves go to distinct per-package
// files and are serialized by the orchestrator's single build slot.
type Cache struct {
	mu      sync.Mutex
	dir     string // directory holding .cache.json
	history []datatypes.PkgHistoryItem
	seen    map[string]struct{}
	logger  *slog.Logger
}

// New creates a Cache rooted at dir and loads the first-seen history.
//
// A missing or unreadable history file initializes an empty history and
// saves it immediately, per the recovery contract.
func New(dir string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{dir: dir, seen: make(map[string]struct{}), logger: logger}

	path := filepath.Join(dir, HistoryFilename)
	data, err := os.ReadFile(path)
	if err == nil {
		var hf historyFile
		if jerr := json.Unmarshal(data, &hf); jerr == nil {
			c.history = hf.PkgsHistory
			for _, item := range c.history {
				c.seen[item.Name] = struct{}{}
			}
			return c, nil
		}
		logger.Warn("first-seen history unreadable, reinitializing",
			slog.String("path", path))
	}

	if err := c.saveHistoryLocked(); err != nil {
		return nil, fmt.Errorf("initialize first-seen history: %w", err)
	}
	return c, nil
}

// History returns a copy of the first-seen history, oldest first.
func (c *Cache) History() []datatypes.PkgHistoryItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]datatypes.PkgHistoryItem(nil), c.history...)
}

// Seen reports whether a normalized name already has a first-seen entry.
func (c *Cache) Seen(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[name]
	return ok
}

// Append records first-seen entries for names not already present and
// returns how many were new. Names must be normalized by the caller.
func (c *Cache) Append(items ...datatypes.PkgHistoryItem) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, item := range items {
		if _, ok := c.seen[item.Name]; ok {
			continue
		}
		c.seen[item.Name] = struct{}{}
		c.history = append(c.history, item)
		added++
	}
	return added
}

// SaveHistory persists the first-seen history atomically.
func (c *Cache) SaveHistory() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveHistoryLocked()
}

func (c *Cache) saveHistoryLocked() error {
	data, err := json.MarshalIndent(historyFile{PkgsHistory: c.history}, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(c.dir, HistoryFilename), data)
}

// SaveMetadata persists one package's build metadata under its workspace
// directory, normalizing the record first: an empty version becomes "?",
// null bytes are stripped from the version, and non-printable bytes in
// the build transcript are escaped.
func (c *Cache) SaveMetadata(workspace, pkg string, meta *datatypes.PkgDocMetadata) error {
	out := meta.Clone()
	NormalizeForDisk(out)

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", pkg, err)
	}

	dir := filepath.Join(workspace, pkg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create package workspace: %w", err)
	}
	return atomicWrite(filepath.Join(dir, MetadataFilename), data)
}

// LoadMetadata reads one package's persisted metadata.
func (c *Cache) LoadMetadata(workspace, pkg string) (*datatypes.PkgDocMetadata, error) {
	return LoadMetadataFile(filepath.Join(workspace, pkg, MetadataFilename))
}

// LoadMetadataFile reads a nimpkgdir.json at an explicit path.
func LoadMetadataFile(path string) (*datatypes.PkgDocMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoMetadata
		}
		return nil, err
	}
	var meta datatypes.PkgDocMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &meta, nil
}

// NormalizeForDisk applies the persistence invariants in place.
func NormalizeForDisk(meta *datatypes.PkgDocMetadata) {
	meta.Version = strings.ReplaceAll(meta.Version, "\x00", "")
	if meta.Version == "" {
		meta.Version = "?"
	}
	meta.BuildOutput = escapeNonPrintable(meta.BuildOutput)
	for i := range meta.DocBuildOutput {
		meta.DocBuildOutput[i].Output = escapeNonPrintable(meta.DocBuildOutput[i].Output)
	}
}

// escapeNonPrintable replaces control bytes other than newline and tab
// with a visible \xNN escape. Subprocess transcripts routinely carry raw
// terminal control sequences.
func escapeNonPrintable(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || (unicode.IsPrint(r) && r != unicode.ReplacementChar) {
			b.WriteRune(r)
			continue
		}
		fmt.Fprintf(&b, "\\x%02x", r)
	}
	return b.String()
}

// atomicWrite replaces path with data via temp-file, sync, rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	success = true
	return nil
}
