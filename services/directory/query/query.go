// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query provides the read-only operations the HTTP layer serves:
// package search, symbol search, top viewed packages, and the build
// history snapshot. Each read of the underlying state goes through its
// owner's lock; a package search makes several such reads in turn.
package query

import (
	"sort"
	"strings"

	"github.com/AleutianAI/nimdir/services/directory/builder"
	"github.com/AleutianAI/nimdir/services/directory/datatypes"
	"github.com/AleutianAI/nimdir/services/directory/history"
	"github.com/AleutianAI/nimdir/services/directory/pkglist"
	"github.com/AleutianAI/nimdir/services/directory/symbols"
)

// Search term weights.
const (
	weightExactName = 5
	weightNameSub   = 3
	weightTag       = 3
	weightDescWord  = 1
)

// Scored is one package search result.
type Scored struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// HistorySnapshot is the build-history view: the ring contents plus the
// current transient sets.
type HistorySnapshot struct {
	History  []datatypes.BuildHistoryItem `json:"history"`
	Waiting  []string                     `json:"waiting"`
	Building []string                     `json:"building"`
}

// Service bundles the read paths.
type Service struct {
	store   *pkglist.Store
	symbols *symbols.Index
	ring    *history.Ring
	orch    *builder.Orchestrator
}

// New creates a query Service.
func New(store *pkglist.Store, idx *symbols.Index, ring *history.Ring, orch *builder.Orchestrator) *Service {
	return &Service{store: store, symbols: idx, ring: ring, orch: orch}
}

// SearchPackages splits the query on spaces and commas and accumulates a
// weighted count per package: exact name +5, substring name +3, tag +3,
// description word +1. Results are sorted by descending score.
func (s *Service) SearchPackages(q string) []Scored {
	terms := strings.FieldsFunc(q, func(r rune) bool {
		return r == ' ' || r == ','
	})

	scores := make(map[string]int)
	names := s.store.Names()
	for _, raw := range terms {
		term := strings.ToLower(raw)
		if term == "" {
			continue
		}
		for _, name := range names {
			if name == term {
				scores[name] += weightExactName
			} else if strings.Contains(name, term) {
				scores[name] += weightNameSub
			}
		}
		for _, name := range s.store.MatchTag(term) {
			scores[name] += weightTag
		}
		for _, name := range s.store.MatchWord(term) {
			scores[name] += weightDescWord
		}
	}

	out := make([]Scored, 0, len(scores))
	for name, score := range scores {
		out = append(out, Scored{Name: name, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// TopQueried returns the n most viewed packages.
func (s *Service) TopQueried(n int) []pkglist.ViewCount {
	return s.store.TopQueried(n)
}

// BuildHistory returns the ring contents (newest first) plus the current
// waiting and building sets.
func (s *Service) BuildHistory() HistorySnapshot {
	waiting, building := s.orch.TransientSets()
	sort.Strings(waiting)
	sort.Strings(building)
	return HistorySnapshot{
		History:  s.ring.Snapshot(),
		Waiting:  waiting,
		Building: building,
	}
}

// RecentHistory returns the newest n attempts.
func (s *Service) RecentHistory(n int) []datatypes.BuildHistoryItem {
	return s.ring.Last(n)
}

// SearchSymbol looks a symbol name up across all packages.
func (s *Service) SearchSymbol(name string) []datatypes.PkgSymbol {
	return s.symbols.Search(name)
}

// SearchSymbolInPkg looks a symbol name up inside one package.
func (s *Service) SearchSymbolInPkg(pkg, name string) []datatypes.PkgSymbol {
	return s.symbols.SearchInPkg(pkg, name)
}
