// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbols

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDescriptor = `[
  {"name": "connect", "type": "skProc",
   "description": "Opens a <em>connection</em>.",
   "code": "proc connect*(host: string): Socket", "line": 10, "col": 0},
  {"name": "connect", "type": "skProc",
   "description": "Opens a <em>connection</em>.",
   "code": "proc connect*(host: string): Socket", "line": 10, "col": 0},
  {"name": "close", "type": "skProc", "description": "",
   "code": "proc close*(s: Socket)", "line": 22, "col": 0}
]`

func writeSource(t *testing.T, root, rel, descriptor string) string {
	t.Helper()
	src := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("# nim source"), 0o644))
	jsonPath := src[:len(src)-len(filepath.Ext(src))] + ".json"
	require.NoError(t, os.WriteFile(jsonPath, []byte(descriptor), 0o644))
	return src
}

func TestParseFileIndexesSymbols(t *testing.T) {
	root := t.TempDir()
	src := writeSource(t, root, "src/socket.nim", sampleDescriptor)

	x := NewIndex(nil)
	require.NoError(t, x.ParseFile("MyPkg", root, src))

	got := x.Search("connect")
	require.Len(t, got, 1, "duplicates are deduplicated on insert")
	assert.Equal(t, "skProc", got[0].Kind)
	assert.Equal(t, "Opens a connection.", got[0].Description, "HTML tags stripped")
	assert.Equal(t, filepath.Join("src", "socket.nim"), got[0].RelativePath)
	assert.Equal(t, 10, got[0].Line)

	// Per-package lookup uses the normalized name.
	assert.Len(t, x.SearchInPkg("mypkg", "connect"), 1)
	assert.Len(t, x.SearchInPkg("MyPkg", "connect"), 1)
	assert.Empty(t, x.SearchInPkg("other", "connect"))

	assert.Equal(t, 2, x.SymbolCount())
}

func TestParseFileAcceptsEntriesObject(t *testing.T) {
	root := t.TempDir()
	src := writeSource(t, root, "lib.nim",
		`{"entries": [{"name": "parse", "type": "skProc", "code": "proc parse*()", "line": 1, "col": 0}]}`)

	x := NewIndex(nil)
	require.NoError(t, x.ParseFile("pkg", root, src))
	assert.Len(t, x.Search("parse"), 1)
}

func TestParseFileFallsBackToHtmldocs(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "lib.nim")
	require.NoError(t, os.WriteFile(src, []byte("# src"), 0o644))
	docDir := filepath.Join(root, "htmldocs")
	require.NoError(t, os.MkdirAll(docDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docDir, "lib.json"),
		[]byte(`[{"name": "x", "type": "skConst", "code": "const x* = 1", "line": 1, "col": 0}]`), 0o644))

	x := NewIndex(nil)
	require.NoError(t, x.ParseFile("pkg", root, src))
	assert.Len(t, x.Search("x"), 1)
}

func TestParseFileMissingDescriptor(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "lib.nim")
	require.NoError(t, os.WriteFile(src, []byte("# src"), 0o644))

	x := NewIndex(nil)
	err := x.ParseFile("pkg", root, src)
	assert.ErrorIs(t, err, ErrNoDescriptor)
}

func TestSameSymbolDifferentPackages(t *testing.T) {
	x := NewIndex(nil)
	rootA, rootB := t.TempDir(), t.TempDir()
	srcA := writeSource(t, rootA, "a.nim",
		`[{"name": "init", "type": "skProc", "code": "proc init*() {.a.}", "line": 1, "col": 0}]`)
	srcB := writeSource(t, rootB, "b.nim",
		`[{"name": "init", "type": "skProc", "code": "proc init*() {.b.}", "line": 1, "col": 0}]`)

	require.NoError(t, x.ParseFile("alpha", rootA, srcA))
	require.NoError(t, x.ParseFile("beta", rootB, srcB))

	assert.Len(t, x.Search("init"), 2, "cross-package index holds both")
	assert.Len(t, x.SearchInPkg("alpha", "init"), 1)
	assert.Len(t, x.SearchInPkg("beta", "init"), 1)
}

func TestStripHTMLTags(t *testing.T) {
	cases := map[string]string{
		"plain":                     "plain",
		"<p>wrapped</p>":            "wrapped",
		"a <a href=\"x\">link</a>.": "a link.",
		"":                          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, stripHTMLTags(in), "input: %q", in)
	}
}
