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
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/nimdir/services/directory/config"
)

const testManifest = `[
  {"name": "Foo", "tags": ["net"], "description": "a demo", "url": "https://example.com/foo"},
  {"name": "bar", "tags": ["util"], "description": "tiny helpers"}
]`

// newTestService builds a full service over temp dirs. The installer
// binary is /bin/false so accidental build requests fail fast without
// touching the network.
func newTestService(t *testing.T, mutate func(*config.Config)) (*Service, *gin.Engine) {
	t.Helper()

	manifest := filepath.Join(t.TempDir(), "packages.json")
	require.NoError(t, os.WriteFile(manifest, []byte(testManifest), 0o644))

	cfg := config.Default()
	cfg.PackagesListFname = manifest
	cfg.WorkspaceRoot = t.TempDir()
	cfg.CacheDir = t.TempDir()
	cfg.EnrichCacheDir = filepath.Join(t.TempDir(), "enrich")
	cfg.NimbleBin = "/bin/false"
	cfg.NimBin = "/bin/false"
	cfg.BuildTimeoutSeconds = 2
	cfg.DocTimeoutSeconds = 1
	if mutate != nil {
		mutate(&cfg)
	}

	svc, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.enrich.Close() })
	return svc, svc.Router()
}

func doRequest(router *gin.Engine, method, target string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHomeEndpoint(t *testing.T) {
	_, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body["package_count"])
}

func TestSearchEndpoint(t *testing.T) {
	_, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/search", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodGet, "/search?query=demo", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"foo"`)
}

func TestPackageCountEndpoint(t *testing.T) {
	_, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/package_count", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Body.String())
}

func TestStatusEndpointUnknown(t *testing.T) {
	_, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/status/ghost", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"unknown"`)
}

func TestPackageEndpointNotFound(t *testing.T) {
	_, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/pkg/ghost", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPackageEndpointSchedulesBuild(t *testing.T) {
	svc, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/pkg/Foo", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"Foo"`)

	// The view was counted.
	top := svc.queries.TopQueried(1)
	require.Len(t, top, 1)
	assert.Equal(t, "foo", top[0].Name)

	// The build settles (and fails fast, /bin/false).
	assert.True(t, svc.orch.WaitCompletion(context.Background(), "foo"))
}

func TestDocPathValidation(t *testing.T) {
	_, router := newTestService(t, nil)

	for _, bad := range []string{
		"/docs/foo/../secret.html",
		"/docs/foo/output.txt",
		"/docs/foo/x.html.bak",
	} {
		w := doRequest(router, http.MethodGet, bad, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, "path %s must be rejected", bad)
	}
}

func TestValidDocPath(t *testing.T) {
	assert.True(t, validDocPath("index.html"))
	assert.True(t, validDocPath("sub/dir/file.idx"))
	assert.False(t, validDocPath("../escape.html"))
	assert.False(t, validDocPath("a/../../b.html"))
	assert.False(t, validDocPath("script.js"))
	assert.False(t, validDocPath(""))
}

func TestBadgeHeaders(t *testing.T) {
	_, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/ci/badges/foo/nimdevel/status.svg", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/svg+xml", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate, max-age=0", w.Header().Get("Cache-Control"))
	assert.Equal(t, "0", w.Header().Get("Expires"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))
	assert.Contains(t, w.Body.String(), "<svg")
	assert.Contains(t, w.Body.String(), "unknown")
}

func TestVersionBadge(t *testing.T) {
	_, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/ci/badges/foo/version.svg", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "version")
}

func TestRawManifestEndpoint(t *testing.T) {
	_, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/packages.json", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, testManifest, w.Body.String())
}

func TestRSSEndpoint(t *testing.T) {
	_, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/packages.xml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<rss")
	assert.Contains(t, w.Header().Get("Content-Type"), "rss")
}

func TestRobotsEndpoint(t *testing.T) {
	_, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/robots.txt", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "User-agent")
}

func TestHealthEndpoint(t *testing.T) {
	_, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := newTestService(t, nil)

	w := doRequest(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "nimdir_builds_waiting")
}

func TestRebuildEndpoint(t *testing.T) {
	svc, router := newTestService(t, nil)

	w := doRequest(router, http.MethodPost, "/ci/rebuild/ghost", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/ci/rebuild/foo", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, svc.orch.WaitCompletion(context.Background(), "foo"))
}

func TestUpdatePackageWithoutKey(t *testing.T) {
	_, router := newTestService(t, nil)

	body := `{"data": {"name":"baz","tags":["x"]}, "signature": "` +
		base64.StdEncoding.EncodeToString([]byte("junk")) + `"}`
	w := doRequest(router, http.MethodPost, "/update_package", body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUpdatePackageSigned(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	svc, router := newTestService(t, func(cfg *config.Config) {
		cfg.UpdatePublicKey = hex.EncodeToString(pub)
	})

	payload := []byte(`{"name":"baz","tags":["x"],"description":"added later"}`)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))

	body, err := json.Marshal(map[string]any{
		"data":      json.RawMessage(payload),
		"signature": sig,
	})
	require.NoError(t, err)

	w := doRequest(router, http.MethodPost, "/update_package", string(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, svc.store.Has("baz"))

	// A bad signature is rejected.
	tampered := strings.Replace(string(body), "baz", "zab", 1)
	w = doRequest(router, http.MethodPost, "/update_package", tampered)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// A normalized-name collision is rejected with a client error.
	collide := []byte(`{"name":"Ba_z","tags":["x"]}`)
	body, err = json.Marshal(map[string]any{
		"data":      json.RawMessage(collide),
		"signature": base64.StdEncoding.EncodeToString(ed25519.Sign(priv, collide)),
	})
	require.NoError(t, err)
	w = doRequest(router, http.MethodPost, "/update_package", string(body))
	assert.Equal(t, http.StatusConflict, w.Code)
}
