// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ansi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlainTextIsEscapedOnly(t *testing.T) {
	assert.Equal(t, "a &lt;b&gt; c", ToHTML("a <b> c"))
	assert.Equal(t, "", ToHTML(""))
}

func TestColorRun(t *testing.T) {
	got := ToHTML("\x1b[31merror\x1b[0m done")
	assert.Equal(t, `<span class="ansi-fg-1">error</span> done`, got)
}

func TestBoldColorCombined(t *testing.T) {
	got := ToHTML("\x1b[1;32mok\x1b[0m")
	assert.Equal(t, `<span class="ansi-bold ansi-fg-2">ok</span>`, got)
}

func TestNestedStyleAccumulates(t *testing.T) {
	got := ToHTML("\x1b[31mred \x1b[1mred-bold\x1b[0m plain")
	assert.Equal(t,
		`<span class="ansi-fg-1">red </span><span class="ansi-fg-1 ansi-bold">red-bold</span> plain`,
		got)
}

func TestUnterminatedSequenceDoesNotLeak(t *testing.T) {
	got := ToHTML("before \x1b[3")
	assert.Equal(t, "before ", got)
	assert.NotContains(t, got, "\x1b")
}

func TestNonSGRSequencesDropped(t *testing.T) {
	// Cursor movement and erase sequences disappear entirely.
	got := ToHTML("a\x1b[2Jb\x1b[1;1Hc")
	assert.Equal(t, "abc", got)
}

func TestBareEscapeDropped(t *testing.T) {
	assert.Equal(t, "ab", ToHTML("a\x1bb"))
	assert.Equal(t, "a", ToHTML("a\x1b"))
}

func TestUnknownCodesIgnored(t *testing.T) {
	// 38 (extended-color introducer) alone is an unknown code: it produces
	// no classes, so no span is opened.
	got := ToHTML("\x1b[38mplain\x1b[0m")
	assert.NotContains(t, got, "<span")
	assert.Contains(t, got, "plain")
}

func TestTranscriptEndsInsideSpan(t *testing.T) {
	got := ToHTML("\x1b[33mnever reset")
	assert.True(t, strings.HasSuffix(got, "</span>"), "open span is closed at end: %q", got)
}
