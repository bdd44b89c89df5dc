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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nimdir/services/directory/cache"
	"github.com/AleutianAI/nimdir/services/directory/datatypes"
	"github.com/AleutianAI/nimdir/services/directory/history"
	"github.com/AleutianAI/nimdir/services/directory/pkglist"
	"github.com/AleutianAI/nimdir/services/directory/runner"
	"github.com/AleutianAI/nimdir/services/directory/symbols"
)

// fakeRunner scripts subprocess outcomes and records every call.
type fakeRunner struct {
	mu            sync.Mutex
	installCalls  int
	docCalls      int
	jsondocCalls  int
	installResult runner.Result
	installDelay  time.Duration
	docExit       int
	onInstall     func(name string)
}

func (f *fakeRunner) Run(_ context.Context, _ string, args []string, _ string, _ time.Duration) runner.Result {
	switch args[0] {
	case "install":
		f.mu.Lock()
		f.installCalls++
		delay := f.installDelay
		res := f.installResult
		hook := f.onInstall
		name := args[1]
		f.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if hook != nil && res.ExitCode == 0 {
			hook(name)
		}
		return res
	case "doc":
		f.mu.Lock()
		f.docCalls++
		exit := f.docExit
		f.mu.Unlock()
		return runner.Result{ExitCode: exit, Output: "doc output"}
	case "jsondoc":
		f.mu.Lock()
		f.jsondocCalls++
		f.mu.Unlock()
		return runner.Result{ExitCode: 0}
	}
	return runner.Result{ExitCode: 1, Output: "unexpected command"}
}

func (f *fakeRunner) counts() (install, doc, jsondoc int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installCalls, f.docCalls, f.jsondocCalls
}

type fixture struct {
	orch      *Orchestrator
	run       *fakeRunner
	workspace string
	ring      *history.Ring
	symbols   *symbols.Index
}

const testDescriptor = `[{"name": "connect", "type": "skProc",
  "description": "demo", "code": "proc connect*()", "line": 1, "col": 0}]`

// plantInstalledTree simulates a successful nimble install by creating
// the package root with one source and its jsondoc descriptor.
func plantInstalledTree(t *testing.T, workspace, name string) func(string) {
	t.Helper()
	return func(string) {
		root := filepath.Join(workspace, name, "pkgs", name+"-0.1.0")
		if err := os.MkdirAll(root, 0o755); err != nil {
			panic(err)
		}
		mustWrite(filepath.Join(root, "nimblemeta.json"), `{"url": ""}`)
		mustWrite(filepath.Join(root, name+".nim"), "# source")
		mustWrite(filepath.Join(root, name+".json"), testDescriptor)
		mustWrite(filepath.Join(root, name+".idx"), "idx")
	}
}

func mustWrite(path, body string) {
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		panic(err)
	}
}

func newFixture(t *testing.T, fr *fakeRunner) *fixture {
	t.Helper()
	workspace := t.TempDir()

	manifest := filepath.Join(t.TempDir(), "packages.json")
	mustWrite(manifest, `[
	  {"name": "Foo", "tags": ["net"], "description": "a demo", "url": "u",
	   "github_latest_version": "1.2.3"},
	  {"name": "bar", "tags": [], "description": "other"}
	]`)
	store := pkglist.New(manifest, nil, nil)
	require.NoError(t, store.Load(context.Background()))

	c, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)

	ring := history.NewRing(100)
	idx := symbols.NewIndex(nil)

	cfg := Config{
		WorkspaceRoot: workspace,
		NimbleBin:     "/usr/bin/nimble",
		NimBin:        "/usr/bin/nim",
		BuildTimeout:  5 * time.Second,
		DocTimeout:    time.Second,
		BuildExpiry:   240 * time.Minute,
	}
	orch := New(cfg, fr, store, idx, c, ring, nil, nil, nil)
	return &fixture{orch: orch, run: fr, workspace: workspace, ring: ring, symbols: idx}
}

// settle polls until the package leaves the transient sets.
func settle(t *testing.T, o *Orchestrator, name string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !o.pending(datatypes.NormalizeName(name)) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("package %s never settled", name)
}

func TestColdInstallAllGreen(t *testing.T) {
	fr := &fakeRunner{installResult: runner.Result{ExitCode: 0, Output: "install ok"}}
	fx := newFixture(t, fr)
	fr.onInstall = plantInstalledTree(t, fx.workspace, "foo")

	require.NoError(t, fx.orch.Request("foo", false))
	settle(t, fx.orch, "foo")

	meta, ok := fx.orch.Metadata("foo")
	require.True(t, ok)
	assert.Equal(t, datatypes.BuildOK, meta.BuildStatus)
	assert.Equal(t, datatypes.BuildOK, meta.DocBuildStatus)
	assert.Equal(t, []string{"foo.html"}, meta.Fnames)
	assert.Equal(t, []string{"foo.idx"}, meta.IdxFnames)
	assert.Equal(t, "1.2.3", meta.Version, "version copied from manifest enrichment")
	assert.Contains(t, meta.BuildOutput, "install ok")

	// Metadata persisted in the package workspace.
	persisted, err := cache.LoadMetadataFile(filepath.Join(fx.workspace, "foo", "nimpkgdir.json"))
	require.NoError(t, err)
	assert.Equal(t, datatypes.BuildOK, persisted.BuildStatus)

	// Ring head records the attempt.
	head := fx.ring.Last(1)
	require.Len(t, head, 1)
	assert.Equal(t, "foo", head[0].Name)
	assert.Equal(t, datatypes.BuildOK, head[0].BuildStatus)
	assert.Equal(t, datatypes.BuildOK, head[0].DocBuildStatus)
	assert.NotEmpty(t, head[0].AttemptID)

	// The symbol stage fed the index.
	assert.Len(t, fx.symbols.SearchInPkg("foo", "connect"), 1)
}

func TestInstallTimeout(t *testing.T) {
	fr := &fakeRunner{installResult: runner.Result{ExitCode: runner.ExitTimedOut, Output: "partial"}}
	fx := newFixture(t, fr)

	require.NoError(t, fx.orch.Request("foo", false))
	settle(t, fx.orch, "foo")

	meta, ok := fx.orch.Metadata("foo")
	require.True(t, ok)
	assert.Equal(t, datatypes.BuildTimeout, meta.BuildStatus)
	assert.True(t, len(meta.BuildOutput) > 0)
	assert.Contains(t, meta.BuildOutput, "** Install test timed out after 5 seconds **")
	assert.Contains(t, meta.BuildOutput, "partial")
	assert.Equal(t, datatypes.BuildWaiting, meta.DocBuildStatus, "doc stages never ran")

	_, doc, jsondoc := fr.counts()
	assert.Zero(t, doc)
	assert.Zero(t, jsondoc)
}

func TestInstallFailureStopsPipeline(t *testing.T) {
	fr := &fakeRunner{installResult: runner.Result{ExitCode: 1, Output: "boom"}}
	fx := newFixture(t, fr)

	require.NoError(t, fx.orch.Request("foo", false))
	settle(t, fx.orch, "foo")

	meta, _ := fx.orch.Metadata("foo")
	assert.Equal(t, datatypes.BuildFailed, meta.BuildStatus)
	assert.Contains(t, meta.BuildOutput, "boom")

	head := fx.ring.Last(1)
	require.Len(t, head, 1)
	assert.Equal(t, datatypes.BuildFailed, head[0].BuildStatus)
}

func TestConcurrentDoubleRequestIsNoOp(t *testing.T) {
	fr := &fakeRunner{
		installResult: runner.Result{ExitCode: 0, Output: "ok"},
		installDelay:  300 * time.Millisecond,
	}
	fx := newFixture(t, fr)
	fr.onInstall = plantInstalledTree(t, fx.workspace, "foo")

	require.NoError(t, fx.orch.Request("foo", false))
	require.NoError(t, fx.orch.Request("foo", false))
	require.NoError(t, fx.orch.Request("foo", true), "force does not bypass an in-flight attempt")
	settle(t, fx.orch, "foo")

	install, _, _ := fr.counts()
	assert.Equal(t, 1, install, "exactly one install for back-to-back requests")
	assert.Equal(t, 1, fx.ring.Len(), "exactly one history entry")
}

func TestFreshMetadataSkipsRebuild(t *testing.T) {
	fr := &fakeRunner{installResult: runner.Result{ExitCode: 0, Output: "ok"}}
	fx := newFixture(t, fr)
	fr.onInstall = plantInstalledTree(t, fx.workspace, "foo")

	require.NoError(t, fx.orch.Request("foo", false))
	settle(t, fx.orch, "foo")
	require.NoError(t, fx.orch.Request("foo", false))
	settle(t, fx.orch, "foo")

	install, _, _ := fr.counts()
	assert.Equal(t, 1, install, "fresh build is not repeated")
}

func TestForceRebuildBeforeExpiry(t *testing.T) {
	fr := &fakeRunner{installResult: runner.Result{ExitCode: 0, Output: "ok"}}
	fx := newFixture(t, fr)
	fr.onInstall = plantInstalledTree(t, fx.workspace, "foo")

	require.NoError(t, fx.orch.Request("foo", false))
	settle(t, fx.orch, "foo")
	first, _ := fx.orch.Metadata("foo")

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, fx.orch.Request("foo", true))
	settle(t, fx.orch, "foo")
	second, _ := fx.orch.Metadata("foo")

	install, _, _ := fr.counts()
	assert.Equal(t, 2, install)
	assert.Equal(t, 2, fx.ring.Len())
	assert.True(t, second.BuildTime.After(first.BuildTime), "build time advances")
}

func TestRequestUnknownPackage(t *testing.T) {
	fx := newFixture(t, &fakeRunner{})

	err := fx.orch.Request("ghost", false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok := fx.orch.Metadata("ghost")
	assert.False(t, ok, "no metadata created for unknown names")
}

func TestGlobalSlotCap(t *testing.T) {
	fr := &fakeRunner{
		installResult: runner.Result{ExitCode: 1, Output: "fail fast"},
		installDelay:  200 * time.Millisecond,
	}
	fx := newFixture(t, fr)

	require.NoError(t, fx.orch.Request("foo", false))
	require.NoError(t, fx.orch.Request("bar", false))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		assert.LessOrEqual(t, fx.orch.BuildingCount(), 1, "invariant: |building| <= 1")
		if !fx.orch.pending("foo") && !fx.orch.pending("bar") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	settle(t, fx.orch, "foo")
	settle(t, fx.orch, "bar")
	install, _, _ := fr.counts()
	assert.Equal(t, 2, install, "both packages eventually built")
}

func TestWaitingAndBuildingDisjoint(t *testing.T) {
	fr := &fakeRunner{
		installResult: runner.Result{ExitCode: 1},
		installDelay:  150 * time.Millisecond,
	}
	fx := newFixture(t, fr)

	require.NoError(t, fx.orch.Request("foo", false))
	require.NoError(t, fx.orch.Request("bar", false))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		waiting, building := fx.orch.TransientSets()
		for _, w := range waiting {
			for _, b := range building {
				assert.NotEqual(t, w, b, "a name may be in at most one transient set")
			}
		}
		if len(waiting) == 0 && len(building) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWaitCompletion(t *testing.T) {
	fr := &fakeRunner{installResult: runner.Result{ExitCode: 1}}
	fx := newFixture(t, fr)

	// Settled (never requested) names return immediately.
	assert.True(t, fx.orch.WaitCompletion(context.Background(), "foo"))

	require.NoError(t, fx.orch.Request("foo", false))
	assert.True(t, fx.orch.WaitCompletion(context.Background(), "foo"))

	status, _ := fx.orch.Status("foo")
	assert.Equal(t, "done", status)
}

func TestStatusTransitions(t *testing.T) {
	fr := &fakeRunner{installResult: runner.Result{ExitCode: 1}, installDelay: 200 * time.Millisecond}
	fx := newFixture(t, fr)

	status, _ := fx.orch.Status("foo")
	assert.Equal(t, "unknown", status)

	require.NoError(t, fx.orch.Request("foo", false))
	settle(t, fx.orch, "foo")

	status, buildTime := fx.orch.Status("foo")
	assert.Equal(t, "done", status)
	assert.False(t, buildTime.IsZero())
}

func TestRehydrateSkipsFreshRebuild(t *testing.T) {
	fr := &fakeRunner{installResult: runner.Result{ExitCode: 0}}
	fx := newFixture(t, fr)

	fx.orch.Rehydrate(&datatypes.PkgDocMetadata{
		Name:        "foo",
		BuildStatus: datatypes.BuildOK,
		BuildTime:   time.Now(),
		ExpireTime:  time.Now().Add(time.Hour),
		Version:     "1.0.0",
	})

	require.NoError(t, fx.orch.Request("foo", false))
	settle(t, fx.orch, "foo")

	install, _, _ := fr.counts()
	assert.Zero(t, install, "rehydrated fresh metadata suppresses the rebuild")
}

func TestFindPackageRootHeuristics(t *testing.T) {
	ws := t.TempDir()
	pkgs := filepath.Join(ws, "foo", "pkgs")
	require.NoError(t, os.MkdirAll(filepath.Join(pkgs, "unrelated-2.0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(pkgs, "foo-1.0.0"), 0o755))

	root, err := FindPackageRoot(filepath.Join(ws, "foo"), "foo")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(pkgs, "foo-1.0.0"), root)

	// Metadata-bearing candidates win over the bare token match.
	require.NoError(t, os.MkdirAll(filepath.Join(pkgs, "Foo_pkg-9.9"), 0o755))
	withMeta := filepath.Join(pkgs, "foo-2.0.0")
	require.NoError(t, os.MkdirAll(withMeta, 0o755))
	mustWrite(filepath.Join(withMeta, "nimblemeta.json"), "{}")

	root, err = FindPackageRoot(filepath.Join(ws, "foo"), "foo")
	require.NoError(t, err)
	assert.Equal(t, withMeta, root)

	_, err = FindPackageRoot(filepath.Join(ws, "foo"), "missing")
	assert.ErrorIs(t, err, ErrRootNotFound)
}

func TestMissingRootFailsDocStageOnly(t *testing.T) {
	// Install succeeds but plants nothing.
	fr := &fakeRunner{installResult: runner.Result{ExitCode: 0, Output: "ok"}}
	fx := newFixture(t, fr)

	require.NoError(t, fx.orch.Request("foo", false))
	settle(t, fx.orch, "foo")

	meta, _ := fx.orch.Metadata("foo")
	assert.Equal(t, datatypes.BuildOK, meta.BuildStatus, "install stage remains OK")
	assert.Equal(t, datatypes.BuildFailed, meta.DocBuildStatus)
	assert.Empty(t, meta.Fnames)
}
