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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/nimdir/services/directory/ansi"
	"github.com/AleutianAI/nimdir/services/directory/builder"
	"github.com/AleutianAI/nimdir/services/directory/datatypes"
	"github.com/AleutianAI/nimdir/services/directory/enrich"
	"github.com/AleutianAI/nimdir/services/directory/pkglist"
	"github.com/AleutianAI/nimdir/services/directory/signature"
)

var validate = validator.New()

// handleHome serves the front-page data: the five most viewed packages,
// the last ten build attempts, and the newest arrivals.
func (s *Service) handleHome(c *gin.Context) {
	hist := s.cache.History()
	recent := hist
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	c.JSON(http.StatusOK, gin.H{
		"package_count": s.store.Count(),
		"top_packages":  s.queries.TopQueried(5),
		"build_history": s.queries.RecentHistory(10),
		"new_packages":  recent,
	})
}

func (s *Service) handleSearch(c *gin.Context) {
	q := c.Query("query")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "results": s.queries.SearchPackages(q)})
}

// handlePackage returns the manifest entry plus build state, schedules a
// background build if the cached one is stale, and lazily refreshes the
// GitHub enrichments.
func (s *Service) handlePackage(c *gin.Context) {
	name := c.Param("name")
	entry, ok := s.store.Get(name)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "package not found", "name": name})
		return
	}

	s.store.IncrementView(name)
	if err := s.orch.Request(name, false); err != nil && !errors.Is(err, builder.ErrNotFound) {
		s.logger.Error("build request failed", slog.String("package", name), slog.String("error", err.Error()))
	}

	s.applyEnrichment(c, name, &entry)

	status, buildTime := s.orch.Status(name)
	resp := gin.H{
		"package": entry,
		"status":  status,
	}
	if !buildTime.IsZero() {
		resp["build_time"] = buildTime
	}
	if meta, ok := s.orch.Metadata(name); ok {
		resp["build_status"] = meta.BuildStatus
		resp["doc_build_status"] = meta.DocBuildStatus
		resp["doc_files"] = meta.Fnames
		resp["version"] = meta.Version
	}
	c.JSON(http.StatusOK, resp)
}

// applyEnrichment fetches (or reads cached) GitHub metadata and folds it
// into the manifest entry.
func (s *Service) applyEnrichment(c *gin.Context, name string, entry *pkglist.Entry) {
	e, err := s.enrich.Enrich(c.Request.Context(), name, entry.URL)
	if err != nil {
		if !errors.Is(err, enrich.ErrNotGithub) {
			s.logger.Warn("enrichment unavailable",
				slog.String("package", name), slog.String("error", err.Error()))
		}
		return
	}

	uerr := s.store.SetEnrichment(name, func(target *pkglist.Entry) {
		target.GithubOwner = e.Owner
		target.GithubReadme = e.Readme
		target.GithubLatestVersion = e.LatestVersion
		target.GithubLatestVersionsStr = e.Versions
		target.GithubLastUpdateTime = e.LastUpdateTime
	})
	if uerr == nil {
		entry.GithubOwner = e.Owner
		entry.GithubReadme = e.Readme
		entry.GithubLatestVersion = e.LatestVersion
		entry.GithubLatestVersionsStr = e.Versions
		entry.GithubLastUpdateTime = e.LastUpdateTime
	}
}

// validDocPath accepts only .html and .idx paths with no traversal.
func validDocPath(p string) bool {
	if p == "" || strings.Contains(p, "..") {
		return false
	}
	clean := path.Clean("/" + p)
	if strings.Contains(clean, "..") {
		return false
	}
	return strings.HasSuffix(clean, ".html") || strings.HasSuffix(clean, ".idx")
}

// handleDocs serves generated documentation. The bare package path
// schedules a build, waits for it, and returns the doc index; file paths
// are validated before any filesystem access.
func (s *Service) handleDocs(c *gin.Context) {
	name := c.Param("name")
	rel := strings.TrimPrefix(c.Param("path"), "/")

	if !s.store.Has(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "package not found", "name": name})
		return
	}

	if rel == "" {
		if err := s.orch.Request(name, false); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !s.orch.WaitCompletion(c.Request.Context(), name) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "build did not finish in time", "name": name})
			return
		}
		meta, ok := s.orch.Metadata(name)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no build metadata", "name": name})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"name":             name,
			"build_status":     meta.BuildStatus,
			"doc_build_status": meta.DocBuildStatus,
			"doc_files":        meta.Fnames,
			"idx_files":        meta.IdxFnames,
		})
		return
	}

	if !validDocPath(rel) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid documentation path"})
		return
	}

	key := datatypes.NormalizeName(name)
	root, err := builder.FindPackageRoot(path.Join(s.cfg.WorkspaceRoot, key), key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "package has no installed docs", "name": name})
		return
	}
	c.File(path.Join(root, path.Clean("/"+rel)))
}

func (s *Service) handleRawManifest(c *gin.Context) {
	data, err := s.store.RawManifest()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Service) handleRobots(c *gin.Context) {
	c.String(http.StatusOK, "User-agent: *\nDisallow: /ci/\n")
}

func (s *Service) handlePackageCount(c *gin.Context) {
	c.String(http.StatusOK, "%d", s.store.Count())
}

func (s *Service) handleStatus(c *gin.Context) {
	name := c.Param("name")
	status, buildTime := s.orch.Status(name)
	resp := gin.H{"status": status}
	if !buildTime.IsZero() {
		resp["build_time"] = buildTime.Unix()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Service) handleSearchSymbol(c *gin.Context) {
	sym := c.Query("symbol")
	if sym == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol parameter is required"})
		return
	}
	if pkg := c.Query("pkg"); pkg != "" {
		c.JSON(http.StatusOK, s.queries.SearchSymbolInPkg(pkg, sym))
		return
	}
	c.JSON(http.StatusOK, s.queries.SearchSymbol(sym))
}

func (s *Service) handleRebuild(c *gin.Context) {
	name := c.Param("name")
	if err := s.orch.Request(name, true); err != nil {
		if errors.Is(err, builder.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "package not found", "name": name})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"name": name, "scheduled": true})
}

// updateRequest is the /update_package payload: the entry bytes exactly
// as signed, plus the signature over them.
type updateRequest struct {
	Data      json.RawMessage `json:"data" binding:"required"`
	Signature string          `json:"signature" binding:"required"`
}

// updateEntry enforces the minimum shape of a submitted entry.
type updateEntry struct {
	Name string   `validate:"required,min=2,max=100"`
	URL  string   `validate:"omitempty,url"`
	Tags []string `validate:"required"`
}

func (s *Service) handleUpdatePackage(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature is not valid base64"})
		return
	}
	if err := s.verifier.Verify(req.Data, sig); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, signature.ErrNoKey) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	var entry pkglist.Entry
	if err := json.Unmarshal(req.Data, &entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload is not a package entry", "details": err.Error()})
		return
	}
	if err := validate.Struct(updateEntry{Name: entry.Name, URL: entry.URL, Tags: entry.Tags}); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid package entry", "details": err.Error()})
		return
	}

	if err := s.store.Update(c.Request.Context(), entry); err != nil {
		if errors.Is(err, pkglist.ErrNameCollision) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("manifest updated", slog.String("package", entry.Name))
	c.JSON(http.StatusOK, gin.H{"updated": entry.Name})
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "nimdir",
		"packages": s.store.Count(),
	})
}

// transcriptPage wraps an ANSI-translated transcript in a minimal page.
func transcriptPage(title, body string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title>
<style>
body { background: #111; color: #ddd; font-family: monospace; }
pre { white-space: pre-wrap; }
.ansi-bold { font-weight: bold; }
.ansi-underline { text-decoration: underline; }
.ansi-fg-1 { color: #e05d44; } .ansi-fg-2 { color: #4c1; }
.ansi-fg-3 { color: #dfb317; } .ansi-fg-4 { color: #007ec6; }
.ansi-fg-5 { color: #c6a; } .ansi-fg-6 { color: #6cc; }
</style></head><body><pre>%s</pre></body></html>
`, title, body)
}

func (s *Service) handleBuildOutput(c *gin.Context) {
	name := c.Param("name")
	meta, ok := s.orch.Metadata(name)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no build metadata", "name": name})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8",
		[]byte(transcriptPage(name+" build output", ansi.ToHTML(meta.BuildOutput))))
}

func (s *Service) handleDocBuildOutput(c *gin.Context) {
	name := c.Param("name")
	meta, ok := s.orch.Metadata(name)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no build metadata", "name": name})
		return
	}

	var b strings.Builder
	for _, item := range meta.DocBuildOutput {
		status := "ok"
		if !item.Success {
			status = "failed"
		}
		fmt.Fprintf(&b, "== %s (%s)\n%s\n", html.EscapeString(item.Filename), status, ansi.ToHTML(item.Output))
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8",
		[]byte(transcriptPage(name+" doc build output", b.String())))
}
