// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ansi translates terminal SGR escape sequences in build
// transcripts into CSS-classed span elements.
//
// The translator is a small tokenizer over CSI sequences rather than a
// fixed replacement table, so partial or unusual sequences never leak
// raw escapes into the rendered page. Non-SGR CSI sequences are dropped.
package ansi

import (
	"html"
	"strconv"
	"strings"
)

const esc = '\x1b'

// classFor maps SGR parameter codes to CSS class suffixes.
func classFor(code int) string {
	switch {
	case code == 1:
		return "ansi-bold"
	case code == 3:
		return "ansi-italic"
	case code == 4:
		return "ansi-underline"
	case code >= 30 && code <= 37:
		return "ansi-fg-" + strconv.Itoa(code-30)
	case code >= 90 && code <= 97:
		return "ansi-fg-bright-" + strconv.Itoa(code-90)
	case code >= 40 && code <= 47:
		return "ansi-bg-" + strconv.Itoa(code-40)
	default:
		return ""
	}
}

// ToHTML escapes s for HTML and converts SGR runs into span wrappers.
func ToHTML(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	var openSpan bool
	var active []string

	flushText := func(text string) {
		if text != "" {
			b.WriteString(html.EscapeString(text))
		}
	}
	closeSpan := func() {
		if openSpan {
			b.WriteString("</span>")
			openSpan = false
		}
	}
	openWith := func(classes []string) {
		closeSpan()
		if len(classes) == 0 {
			return
		}
		b.WriteString(`<span class="` + strings.Join(classes, " ") + `">`)
		openSpan = true
	}

	i := 0
	for i < len(s) {
		idx := strings.IndexByte(s[i:], esc)
		if idx < 0 {
			flushText(s[i:])
			break
		}
		flushText(s[i : i+idx])
		i += idx

		seq, params, isSGR := scanCSI(s[i:])
		if seq == 0 {
			// Input ends mid-escape; drop the partial sequence.
			break
		}
		i += seq
		if !isSGR {
			continue
		}

		if len(params) == 0 {
			params = []int{0}
		}
		for _, code := range params {
			if code == 0 {
				active = active[:0]
				continue
			}
			if class := classFor(code); class != "" && !contains(active, class) {
				active = append(active, class)
			}
		}
		openWith(append([]string(nil), active...))
	}
	closeSpan()
	return b.String()
}

// scanCSI measures the escape sequence starting at s[0] == ESC. Returns
// the byte length consumed, the numeric parameters, and whether it was
// an SGR ("m") sequence. A length of 0 means the input ends mid-escape.
func scanCSI(s string) (length int, params []int, isSGR bool) {
	if len(s) < 2 {
		return 0, nil, false
	}
	if s[1] != '[' {
		// Two-byte escape (ESC c, ESC ( B, ...); consume conservatively.
		return 2, nil, false
	}

	num := 0
	hasNum := false
	for i := 2; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			num = num*10 + int(c-'0')
			hasNum = true
		case c == ';':
			params = append(params, num)
			num = 0
			hasNum = false
		case c >= 0x40 && c <= 0x7e:
			// Final byte.
			if hasNum {
				params = append(params, num)
			}
			return i + 1, params, c == 'm'
		default:
			// Intermediate bytes (rare); keep scanning.
		}
	}
	return 0, nil, false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
