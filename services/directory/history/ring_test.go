// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"fmt"
	"testing"

	"github.com/AleutianAI/nimdir/services/directory/datatypes"
)

func item(name string) datatypes.BuildHistoryItem {
	return datatypes.BuildHistoryItem{Name: name, BuildStatus: datatypes.BuildOK}
}

func TestRingNewestFirst(t *testing.T) {
	r := NewRing(10)
	r.Push(item("a"))
	r.Push(item("b"))
	r.Push(item("c"))

	got := r.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Name != "c" || got[2].Name != "a" {
		t.Errorf("not newest first: %v", got)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Push(item(fmt.Sprintf("p%d", i)))
	}

	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	got := r.Snapshot()
	if got[0].Name != "p4" || got[1].Name != "p3" || got[2].Name != "p2" {
		t.Errorf("wrong survivors: %v", got)
	}
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	r := NewRing(100)
	for i := 0; i < 250; i++ {
		r.Push(item("x"))
	}
	if r.Len() != 100 {
		t.Errorf("len = %d, want 100", r.Len())
	}
	if len(r.Snapshot()) != 100 {
		t.Errorf("snapshot len = %d, want 100", len(r.Snapshot()))
	}
}

func TestRingLastBounds(t *testing.T) {
	r := NewRing(5)
	r.Push(item("a"))

	if got := r.Last(0); got != nil {
		t.Errorf("Last(0) = %v, want nil", got)
	}
	if got := r.Last(10); len(got) != 1 {
		t.Errorf("Last(10) len = %d, want 1", len(got))
	}
}

func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing(0)
	if r.Cap() != DefaultCapacity {
		t.Errorf("cap = %d, want %d", r.Cap(), DefaultCapacity)
	}
}
