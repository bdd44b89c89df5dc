// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the nimdir service configuration from a YAML file.
//
// A missing file is not an error: on first run the default configuration
// is written to the requested path so operators have something concrete
// to edit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":5000".
	ListenAddr string `yaml:"listen_addr"`

	// PublicBaseURL is the externally visible base URL, used in RSS links.
	PublicBaseURL string `yaml:"public_base_url"`

	// WorkspaceRoot is the per-package build workspace subtree.
	WorkspaceRoot string `yaml:"tmp_nimble_root_dir"`

	// PackagesListFname is the local mirror of the upstream manifest.
	PackagesListFname string `yaml:"packages_list_fname"`

	// UpstreamManifestURL is the authoritative manifest location.
	UpstreamManifestURL string `yaml:"upstream_manifest_url"`

	// NimbleBin and NimBin are absolute paths to the subprocess binaries.
	NimbleBin string `yaml:"nimble_bin"`
	NimBin    string `yaml:"nim_bin"`

	// CacheDir holds the first-seen history cache (.cache.json).
	CacheDir string `yaml:"cache_dir"`

	// EnrichCacheDir is the BadgerDB directory for GitHub enrichments.
	EnrichCacheDir string `yaml:"enrich_cache_dir"`

	// GithubToken authenticates GitHub API calls. Overridable via the
	// NIMDIR_GITHUB_TOKEN environment variable.
	GithubToken string `yaml:"github_token"`

	// UpdatePublicKey is the hex-encoded ed25519 key that signs
	// /update_package payloads.
	UpdatePublicKey string `yaml:"update_public_key"`

	BuildTimeoutSeconds  int `yaml:"build_timeout_seconds"`
	DocTimeoutSeconds    int `yaml:"doc_timeout_seconds"`
	BuildExpiryMinutes   int `yaml:"build_expiry_minutes"`
	ManifestPollSeconds  int `yaml:"manifest_poll_seconds"`
	GithubCachingMinutes int `yaml:"github_caching_minutes"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
	LogDir   string `yaml:"log_dir"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		ListenAddr:           ":5000",
		PublicBaseURL:        "http://localhost:5000",
		WorkspaceRoot:        "/tmp/nimdir_workspace",
		PackagesListFname:    "packages.json",
		UpstreamManifestURL:  "https://raw.githubusercontent.com/nim-lang/packages/master/packages.json",
		NimbleBin:            "/usr/bin/nimble",
		NimBin:               "/usr/bin/nim",
		CacheDir:             ".",
		EnrichCacheDir:       "/tmp/nimdir_enrich",
		BuildTimeoutSeconds:  240,
		DocTimeoutSeconds:    10,
		BuildExpiryMinutes:   240,
		ManifestPollSeconds:  600,
		GithubCachingMinutes: 180,
		LogLevel:             "info",
	}
}

// Load reads the config at path, creating the default file first if it
// does not exist.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return Config{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	if tok := os.Getenv("NIMDIR_GITHUB_TOKEN"); tok != "" {
		cfg.GithubToken = tok
	}
	if addr := os.Getenv("NIMDIR_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("config: tmp_nimble_root_dir must be set")
	}
	if c.PackagesListFname == "" {
		return fmt.Errorf("config: packages_list_fname must be set")
	}
	if c.BuildTimeoutSeconds <= 0 || c.DocTimeoutSeconds <= 0 {
		return fmt.Errorf("config: subprocess timeouts must be positive")
	}
	if c.ManifestPollSeconds <= 0 {
		return fmt.Errorf("config: manifest_poll_seconds must be positive")
	}
	return nil
}

func writeDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// BuildTimeout is the install-stage subprocess cap.
func (c Config) BuildTimeout() time.Duration {
	return time.Duration(c.BuildTimeoutSeconds) * time.Second
}

// DocTimeout is the per-source documentation subprocess cap.
func (c Config) DocTimeout() time.Duration {
	return time.Duration(c.DocTimeoutSeconds) * time.Second
}

// BuildExpiry is the minimum age at which a cached build is stale.
func (c Config) BuildExpiry() time.Duration {
	return time.Duration(c.BuildExpiryMinutes) * time.Minute
}

// PollPeriod is the upstream manifest poll interval.
func (c Config) PollPeriod() time.Duration {
	return time.Duration(c.ManifestPollSeconds) * time.Second
}

// GithubCaching is how long GitHub enrichments stay cached.
func (c Config) GithubCaching() time.Duration {
	return time.Duration(c.GithubCachingMinutes) * time.Minute
}
