// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pkglist owns the local mirror of the upstream package manifest
// and the derived indexes over it: the tag index, the description-word
// index, and the volatile view counters.
//
// A successful Load publishes the manifest and both indexes atomically:
// no reader observes the tag index from load N alongside the manifest
// from load N+1.
package pkglist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/nimdir/services/directory/datatypes"
)

var (
	// ErrNotFound is returned when a package name is not in the manifest.
	ErrNotFound = errors.New("package not in manifest")

	// ErrNameCollision is returned when adding a package whose normalized
	// name matches a different existing package.
	ErrNameCollision = errors.New("normalized package name already taken")
)

// minWordLen is the shortest description word that gets indexed.
const minWordLen = 3

// FetchFunc retrieves the raw upstream manifest bytes.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Store is the in-memory manifest with derived indexes.
//
// Thread Safety: safe for concurrent use. One RWMutex guards the
// manifest, both indexes, and the view counters; Load swaps the manifest
// and both indexes in one critical section and keeps the view counters.
type Store struct {
	path   string
	fetch  FetchFunc
	logger *slog.Logger

	// updateMu serializes manifest-file writers (update endpoint vs
	// poller rewrite).
	updateMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]*Entry   // normalized name -> entry
	byTag   map[string][]string // tag (as it arrives) -> normalized names
	byWord  map[string][]string // lowercased word (len >= 3) -> normalized names
	views   map[string]int64    // normalized name -> view counter
}

// New creates a Store over the local manifest file at path. The fetch
// func is used once when the local file does not exist yet.
func New(path string, fetch FetchFunc, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:    path,
		fetch:   fetch,
		logger:  logger,
		entries: make(map[string]*Entry),
		byTag:   make(map[string][]string),
		byWord:  make(map[string][]string),
		views:   make(map[string]int64),
	}
}

// Load reads the local manifest file, fetching it from upstream first if
// absent, and rebuilds all derived indexes from scratch.
//
// Entries missing a name or a tags array are skipped. When two raw names
// normalize to the same key the first one loaded wins and the collision
// is logged.
func (s *Store) Load(ctx context.Context) error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if s.fetch == nil {
			return fmt.Errorf("manifest %s missing and no fetcher configured", s.path)
		}
		s.logger.Info("local manifest missing, fetching upstream", slog.String("path", s.path))
		data, err = s.fetch(ctx)
		if err != nil {
			return fmt.Errorf("fetch upstream manifest: %w", err)
		}
		if werr := atomicWriteFile(s.path, data); werr != nil {
			return fmt.Errorf("write local manifest: %w", werr)
		}
	} else if err != nil {
		return fmt.Errorf("read local manifest: %w", err)
	}

	entries, skipped, err := parseManifest(data, s.logger)
	if err != nil {
		return err
	}

	byTag := make(map[string][]string)
	byWord := make(map[string][]string)
	for _, name := range sortedKeys(entries) {
		e := entries[name]
		for _, tag := range e.Tags {
			byTag[tag] = append(byTag[tag], name)
		}
		for _, word := range descriptionWords(e.Description) {
			byWord[word] = append(byWord[word], name)
		}
	}

	s.mu.Lock()
	s.entries = entries
	s.byTag = byTag
	s.byWord = byWord
	s.mu.Unlock()

	s.logger.Info("manifest loaded",
		slog.Int("packages", len(entries)),
		slog.Int("skipped", skipped),
		slog.Int("tags", len(byTag)),
	)
	return nil
}

// parseManifest decodes a JSON array of entries, skipping malformed
// records and resolving normalized-name collisions keep-first.
func parseManifest(data []byte, logger *slog.Logger) (map[string]*Entry, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("manifest is not a JSON array: %w", err)
	}

	entries := make(map[string]*Entry, len(raw))
	skipped := 0
	for i, msg := range raw {
		var e Entry
		if err := json.Unmarshal(msg, &e); err != nil {
			logger.Warn("skipping unparseable manifest entry",
				slog.Int("index", i), slog.String("error", err.Error()))
			skipped++
			continue
		}
		if e.Name == "" || e.Tags == nil {
			skipped++
			continue
		}
		key := datatypes.NormalizeName(e.Name)
		if prev, ok := entries[key]; ok {
			logger.Warn("normalized name collision, keeping first",
				slog.String("kept", prev.Name), slog.String("dropped", e.Name))
			skipped++
			continue
		}
		entries[key] = &e
	}
	return entries, skipped, nil
}

// descriptionWords splits a description on spaces and commas, lowercases
// the pieces, and keeps words of at least minWordLen runes.
func descriptionWords(desc string) []string {
	fields := strings.FieldsFunc(desc, func(r rune) bool {
		return r == ' ' || r == ','
	})
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < minWordLen {
			continue
		}
		words = append(words, strings.ToLower(f))
	}
	return words
}

// Count returns the number of loaded packages.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Has reports whether a name (any casing) is in the manifest.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[datatypes.NormalizeName(name)]
	return ok
}

// Get returns a copy of the entry for name.
func (s *Store) Get(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[datatypes.NormalizeName(name)]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

// Names returns all normalized names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.entries)
}

// ByTag returns the normalized names under a tag, exactly as it arrived.
func (s *Store) ByTag(tag string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.byTag[tag]...)
}

// MatchTag returns the normalized names whose tags match term
// case-insensitively.
func (s *Store) MatchTag(term string) []string {
	term = strings.ToLower(term)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for tag, names := range s.byTag {
		if strings.ToLower(tag) == term {
			out = append(out, names...)
		}
	}
	return out
}

// MatchWord returns the normalized names whose description contains the
// lowercased word.
func (s *Store) MatchWord(word string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.byWord[strings.ToLower(word)]...)
}

// SetEnrichment stores GitHub enrichment data on an entry.
func (s *Store) SetEnrichment(name string, fn func(e *Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[datatypes.NormalizeName(name)]
	if !ok {
		return ErrNotFound
	}
	fn(e)
	return nil
}

// IncrementView bumps the view counter for a package.
func (s *Store) IncrementView(name string) {
	key := datatypes.NormalizeName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		s.views[key]++
	}
}

// ViewCount is one entry of the most-queried table.
type ViewCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// TopQueried returns the n most viewed packages, descending.
func (s *Store) TopQueried(n int) []ViewCount {
	s.mu.RLock()
	counts := make([]ViewCount, 0, len(s.views))
	for name, c := range s.views {
		counts = append(counts, ViewCount{Name: name, Count: c})
	}
	s.mu.RUnlock()

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Name < counts[j].Name
	})
	if n < len(counts) {
		counts = counts[:n]
	}
	return counts
}

// Update applies a signature-verified manifest update: reload from disk,
// enforce the collision rules, write the full sorted manifest back, and
// rebuild the indexes. The whole operation holds one mutex.
func (s *Store) Update(ctx context.Context, pkg Entry) error {
	if pkg.Name == "" || pkg.Tags == nil {
		return fmt.Errorf("update requires name and tags")
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read local manifest: %w", err)
	}
	var raw []Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse local manifest: %w", err)
	}

	key := collisionKey(pkg.Name)
	replaced := false
	for i := range raw {
		if raw[i].Name == pkg.Name {
			raw[i] = pkg
			replaced = true
			continue
		}
		if collisionKey(raw[i].Name) == key {
			return fmt.Errorf("%w: %q vs existing %q", ErrNameCollision, pkg.Name, raw[i].Name)
		}
	}
	if !replaced {
		raw = append(raw, pkg)
	}

	sort.Slice(raw, func(i, j int) bool {
		return strings.ToLower(raw[i].Name) < strings.ToLower(raw[j].Name)
	})

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWriteFile(s.path, out); err != nil {
		return fmt.Errorf("write local manifest: %w", err)
	}

	return s.Load(ctx)
}

// collisionKey is the update endpoint's stricter identity: case,
// underscores, and dashes are all ignored so near-identical submissions
// cannot shadow an existing package.
func collisionKey(name string) string {
	return strings.ReplaceAll(datatypes.NormalizeName(name), "-", "")
}

// ReplaceManifest overwrites the local manifest file atomically. Used by
// the poller after an upstream change; the caller follows with Load.
func (s *Store) ReplaceManifest(data []byte) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	return atomicWriteFile(s.path, data)
}

// RawManifest returns the local manifest file bytes for /packages.json.
func (s *Store) RawManifest() ([]byte, error) {
	return os.ReadFile(s.path)
}

// Path returns the local manifest file location.
func (s *Store) Path() string {
	return s.path
}

func sortedKeys(m map[string]*Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// atomicWriteFile replaces path with data via temp-file and rename.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
