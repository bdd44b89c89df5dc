// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symbols maintains the cross-package and per-package symbol
// indexes built from the documentation tool's jsondoc output.
package symbols

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AleutianAI/nimdir/services/directory/datatypes"
)

// ErrNoDescriptor is returned when no jsondoc JSON exists for a source.
var ErrNoDescriptor = errors.New("no symbol descriptor for source file")

// pkgKey identifies a (package, symbol) pair.
type pkgKey struct {
	pkg    string
	symbol string
}

// Index is the in-memory symbol database.
//
// Inserts happen from the orchestrator's single build slot; readers are
// HTTP handlers. Whole PkgSymbol values are published under the index
// lock, so readers may observe an in-progress insert batch but never a
// torn entry.
type Index struct {
	mu     sync.RWMutex
	byName map[string][]datatypes.PkgSymbol
	byPkg  map[pkgKey][]datatypes.PkgSymbol
	logger *slog.Logger
}

// NewIndex creates an empty symbol index.
func NewIndex(logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		byName: make(map[string][]datatypes.PkgSymbol),
		byPkg:  make(map[pkgKey][]datatypes.PkgSymbol),
		logger: logger,
	}
}

// descriptorEntry is one record of the jsondoc output.
type descriptorEntry struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Code        string `json:"code"`
	Line        int    `json:"line"`
	Col         int    `json:"col"`
}

// descriptorObject is the wrapped form: {"entries": [...]}.
type descriptorObject struct {
	Entries []descriptorEntry `json:"entries"`
}

// ParseFile locates and ingests the jsondoc descriptor for one source
// file inside a package root.
//
// The descriptor is looked for next to the source (<base>.json), then in
// the htmldocs subdirectory of the source's directory. Missing
// descriptors return ErrNoDescriptor so callers can log and skip.
func (x *Index) ParseFile(pkg, root, sourcePath string) error {
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath)) + ".json"
	candidates := []string{
		filepath.Join(filepath.Dir(sourcePath), base),
		filepath.Join(filepath.Dir(sourcePath), "htmldocs", base),
	}

	var data []byte
	var err error
	for _, cand := range candidates {
		data, err = os.ReadFile(cand)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoDescriptor, sourcePath)
	}

	entries, err := parseDescriptor(data)
	if err != nil {
		return fmt.Errorf("parse descriptor for %s: %w", sourcePath, err)
	}

	rel, rerr := filepath.Rel(root, sourcePath)
	if rerr != nil {
		rel = filepath.Base(sourcePath)
	}

	pkg = datatypes.NormalizeName(pkg)
	for _, entry := range entries {
		if entry.Name == "" {
			continue
		}
		sym := datatypes.PkgSymbol{
			Kind:         entry.Type,
			Description:  stripHTMLTags(entry.Description),
			Code:         entry.Code,
			RelativePath: rel,
			Line:         entry.Line,
			Col:          entry.Col,
		}
		x.insert(pkg, entry.Name, sym)
	}
	return nil
}

// parseDescriptor accepts either a bare array or an object wrapping an
// "entries" array.
func parseDescriptor(data []byte) ([]descriptorEntry, error) {
	var entries []descriptorEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		return entries, nil
	}
	var obj descriptorObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return obj.Entries, nil
}

// insert publishes a symbol into both indexes, deduplicating by
// structural equality.
func (x *Index) insert(pkg, name string, sym datatypes.PkgSymbol) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !containsSymbol(x.byName[name], sym) {
		x.byName[name] = append(x.byName[name], sym)
	}
	key := pkgKey{pkg: pkg, symbol: name}
	if !containsSymbol(x.byPkg[key], sym) {
		x.byPkg[key] = append(x.byPkg[key], sym)
	}
}

func containsSymbol(list []datatypes.PkgSymbol, sym datatypes.PkgSymbol) bool {
	for _, s := range list {
		if s == sym {
			return true
		}
	}
	return false
}

// Search returns all symbols with the given name across packages.
func (x *Index) Search(name string) []datatypes.PkgSymbol {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]datatypes.PkgSymbol(nil), x.byName[name]...)
}

// SearchInPkg returns the symbols with the given name inside one
// package.
func (x *Index) SearchInPkg(pkg, name string) []datatypes.PkgSymbol {
	x.mu.RLock()
	defer x.mu.RUnlock()
	key := pkgKey{pkg: datatypes.NormalizeName(pkg), symbol: name}
	return append([]datatypes.PkgSymbol(nil), x.byPkg[key]...)
}

// SymbolCount returns the number of distinct symbol names.
func (x *Index) SymbolCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byName)
}

// stripHTMLTags removes <...> runs from a description. jsondoc emits
// rendered fragments; the index stores plain text.
func stripHTMLTags(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case inTag:
			if r == '>' {
				inTag = false
			}
		case r == '<':
			inTag = true
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
