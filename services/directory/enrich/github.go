// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enrich fetches GitHub metadata for manifest entries: owner,
// readme, tag list, and last update time.
//
// Responses are cached in an embedded BadgerDB with a TTL so repeated
// package views inside the caching window never touch the GitHub API.
// Calls are rate limited client-side and guarded by a circuit breaker.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	circuit "github.com/rubyist/circuitbreaker"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/nimdir/services/directory/datatypes"
)

var (
	// ErrNotGithub means the entry's URL does not point at GitHub.
	ErrNotGithub = errors.New("package is not hosted on github")

	// ErrUpstreamDown is returned while the circuit is open.
	ErrUpstreamDown = errors.New("github unavailable")
)

// maxReadmeBytes bounds the cached readme body.
const maxReadmeBytes = 64 << 10

// Enrichment is the cached GitHub view of one package.
type Enrichment struct {
	Owner          string   `json:"owner"`
	Readme         string   `json:"readme"`
	LatestVersion  string   `json:"latest_version"`
	Versions       []string `json:"versions"`
	LastUpdateTime int64    `json:"last_update_time"`
	FetchedAt      int64    `json:"fetched_at"`
}

// Options configures the enrichment client.
type Options struct {
	CacheDir string
	InMemory bool // tests
	Token    string
	TTL      time.Duration
	BaseURL  string // override for tests; default https://api.github.com
	Logger   *slog.Logger

	// RequestsPerSecond bounds outgoing GitHub calls. Default 1.
	RequestsPerSecond float64
}

// Client fetches and caches GitHub enrichments.
type Client struct {
	db      *badger.DB
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuit.Breaker
	token   string
	ttl     time.Duration
	baseURL string
	logger  *slog.Logger
}

// NewClient opens the cache store and builds the client.
func NewClient(opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.github.com"
	}
	if opts.TTL <= 0 {
		opts.TTL = 3 * time.Hour
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}

	badgerOpts := badger.DefaultOptions(opts.CacheDir).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open enrichment cache: %w", err)
	}

	return &Client{
		db:      db,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 2),
		breaker: circuit.NewThresholdBreaker(5),
		token:   opts.Token,
		ttl:     opts.TTL,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		logger:  opts.Logger,
	}, nil
}

// Close releases the cache store.
func (c *Client) Close() error {
	return c.db.Close()
}

// ParseRepoURL extracts owner and repo from a GitHub clone or web URL.
func ParseRepoURL(raw string) (owner, repo string, err error) {
	u, perr := url.Parse(raw)
	if perr != nil || !strings.Contains(u.Host, "github.com") {
		return "", "", ErrNotGithub
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", "", ErrNotGithub
	}
	repo = strings.TrimSuffix(parts[1], ".git")
	return parts[0], repo, nil
}

// Enrich returns the cached enrichment for a package, fetching from
// GitHub when the cache entry is missing or expired.
func (c *Client) Enrich(ctx context.Context, pkgName, repoURL string) (*Enrichment, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}

	key := []byte("enrich/" + datatypes.NormalizeName(pkgName))
	if cached, ok := c.cached(key); ok {
		return cached, nil
	}

	if !c.breaker.Ready() {
		return nil, ErrUpstreamDown
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var enrichment *Enrichment
	err = c.breaker.Call(func() error {
		var ferr error
		enrichment, ferr = c.fetch(ctx, owner, repo)
		return ferr
	}, 0)
	if err != nil {
		return nil, err
	}

	c.put(key, enrichment)
	return enrichment, nil
}

func (c *Client) cached(key []byte) (*Enrichment, bool) {
	var out Enrichment
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		return nil, false
	}
	return &out, true
}

func (c *Client) put(key []byte, e *Enrichment) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		// Badger expires the entry itself; no sweeper needed.
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(c.ttl))
	})
	if err != nil {
		c.logger.Warn("enrichment cache write failed", slog.String("error", err.Error()))
	}
}

// fetch pulls repo metadata, the tag list, and the readme.
func (c *Client) fetch(ctx context.Context, owner, repo string) (*Enrichment, error) {
	e := &Enrichment{Owner: owner, FetchedAt: time.Now().Unix()}

	var repoInfo struct {
		PushedAt time.Time `json:"pushed_at"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, repo), &repoInfo); err != nil {
		return nil, err
	}
	e.LastUpdateTime = repoInfo.PushedAt.Unix()

	var tags []struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/repos/%s/%s/tags", c.baseURL, owner, repo), &tags); err == nil {
		for _, tag := range tags {
			e.Versions = append(e.Versions, strings.TrimPrefix(tag.Name, "v"))
		}
		if len(e.Versions) > 0 {
			e.LatestVersion = e.Versions[0]
		}
	}

	if readme, err := c.getRaw(ctx, fmt.Sprintf("%s/repos/%s/%s/readme", c.baseURL, owner, repo)); err == nil {
		e.Readme = readme
	}

	return e, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	body, err := c.get(ctx, url, "application/vnd.github+json")
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *Client) getRaw(ctx context.Context, url string) (string, error) {
	body, err := c.get(ctx, url, "application/vnd.github.raw+json")
	if err != nil {
		return "", err
	}
	if len(body) > maxReadmeBytes {
		body = body[:maxReadmeBytes]
	}
	return string(body), nil
}

func (c *Client) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github returned %s for %s", resp.Status, url)
	}
	return io.ReadAll(resp.Body)
}
