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
	"github.com/gin-gonic/gin"
)

// Router builds the full HTTP surface.
//
// Directory Endpoints:
//
//	GET  / - home: top queried packages, recent builds, recent arrivals
//	GET  /search?query=... - weighted package search
//	GET  /pkg/:name - package details; schedules a build
//	GET  /docs/:name/*path - generated docs; bare path waits for the build
//	GET  /packages.json - raw manifest mirror
//	GET  /packages.xml - RSS over the first-seen history
//	GET  /robots.txt - static
//
// Badge Endpoints:
//
//	GET  /ci/badges/:name/version.svg
//	GET  /ci/badges/:name/nimdevel/status.svg
//	GET  /ci/badges/:name/nimdevel/docstatus.svg
//	GET  /ci/badges/:name/nimdevel/output.html
//	GET  /ci/badges/:name/nimdevel/doc_build_output.html
//	POST /ci/rebuild/:name - force a rebuild
//
// API Endpoints:
//
//	GET  /api/v1/package_count
//	GET  /api/v1/status/:name
//	GET  /api/v1/search_symbol?symbol=...
//	GET  /v1/events - websocket stream of build transitions
//	POST /update_package - signature-verified manifest update
//
// Operational Endpoints:
//
//	GET  /health
//	GET  /metrics
func (s *Service) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", s.handleHome)
	router.GET("/search", s.handleSearch)
	router.GET("/pkg/:name", s.handlePackage)
	router.GET("/docs/:name/*path", s.handleDocs)
	router.GET("/packages.json", s.handleRawManifest)
	router.GET("/packages.xml", s.handleRSS)
	router.GET("/robots.txt", s.handleRobots)

	ci := router.Group("/ci")
	{
		ci.GET("/badges/:name/version.svg", s.handleVersionBadge)
		ci.GET("/badges/:name/nimdevel/status.svg", s.handleStatusBadge)
		ci.GET("/badges/:name/nimdevel/docstatus.svg", s.handleDocStatusBadge)
		ci.GET("/badges/:name/nimdevel/output.html", s.handleBuildOutput)
		ci.GET("/badges/:name/nimdevel/doc_build_output.html", s.handleDocBuildOutput)
		ci.POST("/rebuild/:name", s.handleRebuild)
	}

	api := router.Group("/api/v1")
	{
		api.GET("/package_count", s.handlePackageCount)
		api.GET("/status/:name", s.handleStatus)
		api.GET("/search_symbol", s.handleSearchSymbol)
	}

	router.GET("/v1/events", s.hub.Handle)
	router.POST("/update_package", s.handleUpdatePackage)

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.telemetry.Handler()))

	return router
}
