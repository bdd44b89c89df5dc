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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

// rssLimit bounds the feed to the newest arrivals.
const rssLimit = 50

// handleRSS serves the new-packages feed built from the first-seen
// history, newest first.
func (s *Service) handleRSS(c *gin.Context) {
	base := s.cfg.PublicBaseURL

	feed := &feeds.Feed{
		Title:       "nimdir - new packages",
		Link:        &feeds.Link{Href: base + "/packages.xml"},
		Description: "Packages newly published in the nimble directory",
	}

	hist := s.cache.History()
	for i := len(hist) - 1; i >= 0 && len(feed.Items) < rssLimit; i-- {
		item := hist[i]
		desc := ""
		if entry, ok := s.store.Get(item.Name); ok {
			desc = entry.Description
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Title:       item.Name,
			Link:        &feeds.Link{Href: base + "/pkg/" + item.Name},
			Description: desc,
			Created:     item.FirstSeen,
		})
	}
	if len(feed.Items) > 0 {
		feed.Created = feed.Items[0].Created
	}

	rss, err := feed.ToRss()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}
