// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package directory

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/nimdir/services/directory/datatypes"
)

// Badge colors (shields.io flat palette).
const (
	colorGreen  = "#4c1"
	colorRed    = "#e05d44"
	colorYellow = "#dfb317"
	colorBlue   = "#007ec6"
	colorGrey   = "#9f9f9f"
)

// badgeSVG renders a two-cell flat badge.
func badgeSVG(label, value, color string) string {
	labelW := 6*len(label) + 10
	valueW := 6*len(value) + 10
	total := labelW + valueW
	return fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="20">
<rect rx="3" width="%d" height="20" fill="#555"/>
<rect rx="3" x="%d" width="%d" height="20" fill="%s"/>
<g fill="#fff" text-anchor="middle" font-family="DejaVu Sans,Verdana,Geneva,sans-serif" font-size="11">
<text x="%d" y="14">%s</text>
<text x="%d" y="14">%s</text>
</g>
</svg>
`, total, labelW, labelW, valueW, color, labelW/2, label, labelW+valueW/2, value)
}

// writeBadge sends an SVG with the full cache-busting header set; badges
// reflect live build state and must never be cached.
func writeBadge(c *gin.Context, svg string) {
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate, max-age=0")
	c.Header("Expires", "0")
	c.Header("Pragma", "no-cache")
	c.Data(http.StatusOK, "image/svg+xml", []byte(svg))
}

func statusColor(status datatypes.BuildStatus) string {
	switch status {
	case datatypes.BuildOK:
		return colorGreen
	case datatypes.BuildFailed, datatypes.BuildTimeout:
		return colorRed
	case datatypes.BuildRunning:
		return colorBlue
	case datatypes.BuildWaiting:
		return colorYellow
	default:
		return colorGrey
	}
}

func (s *Service) handleVersionBadge(c *gin.Context) {
	name := c.Param("name")
	version := "?"
	if meta, ok := s.orch.Metadata(name); ok && meta.Version != "" {
		version = meta.Version
	} else if entry, ok := s.store.Get(name); ok && entry.GithubLatestVersion != "" {
		version = entry.GithubLatestVersion
	}
	color := colorBlue
	if version == "?" {
		color = colorGrey
	}
	writeBadge(c, badgeSVG("version", version, color))
}

func (s *Service) handleStatusBadge(c *gin.Context) {
	name := c.Param("name")
	status := datatypes.BuildStatus("unknown")
	if meta, ok := s.orch.Metadata(name); ok {
		status = meta.BuildStatus
	}
	writeBadge(c, badgeSVG("nimdevel", string(status), statusColor(status)))
}

func (s *Service) handleDocStatusBadge(c *gin.Context) {
	name := c.Param("name")
	status := datatypes.BuildStatus("unknown")
	if meta, ok := s.orch.Metadata(name); ok {
		status = meta.DocBuildStatus
	}
	writeBadge(c, badgeSVG("docs", string(status), statusColor(status)))
}
