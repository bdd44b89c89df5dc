// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pkglist

import (
	"encoding/json"
)

// Entry is one package record from the upstream manifest, plus the
// GitHub enrichments filled in lazily on package view.
//
// Manifest entries arrive as schemaless JSON. The typed fields cover
// what the service consumes; everything else is kept verbatim in Extra
// so the update endpoint round-trips fields it does not understand.
type Entry struct {
	Name        string   `json:"name"`
	URL         string   `json:"url,omitempty"`
	Method      string   `json:"method,omitempty"`
	Tags        []string `json:"tags"`
	Description string   `json:"description,omitempty"`
	License     string   `json:"license,omitempty"`
	Web         string   `json:"web,omitempty"`
	Doc         string   `json:"doc,omitempty"`

	GithubOwner             string   `json:"github_owner,omitempty"`
	GithubReadme            string   `json:"github_readme,omitempty"`
	GithubLatestVersion     string   `json:"github_latest_version,omitempty"`
	GithubLatestVersionsStr []string `json:"github_latest_versions_str,omitempty"`
	GithubLastUpdateTime    int64    `json:"github_last_update_time,omitempty"`

	// Extra holds manifest fields the service has no schema for.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownKeys are the JSON keys the typed fields own.
var knownKeys = []string{
	"name", "url", "method", "tags", "description", "license", "web", "doc",
	"github_owner", "github_readme", "github_latest_version",
	"github_latest_versions_str", "github_last_update_time",
}

// entryAlias avoids recursive UnmarshalJSON.
type entryAlias Entry

// UnmarshalJSON decodes the typed fields and stashes unknown keys in
// Extra.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var a entryAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.Extra = raw
	}

	*e = Entry(a)
	return nil
}

// MarshalJSON merges the typed fields with the preserved Extra keys.
// Typed fields win on key conflict.
func (e Entry) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(entryAlias(e))
	if err != nil {
		return nil, err
	}

	if len(e.Extra) == 0 {
		return typed, nil
	}

	merged := make(map[string]json.RawMessage, len(e.Extra)+len(knownKeys))
	for k, v := range e.Extra {
		merged[k] = v
	}
	var typedMap map[string]json.RawMessage
	if err := json.Unmarshal(typed, &typedMap); err != nil {
		return nil, err
	}
	for k, v := range typedMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy safe to hand to readers.
func (e Entry) Clone() Entry {
	out := e
	out.Tags = append([]string(nil), e.Tags...)
	out.GithubLatestVersionsStr = append([]string(nil), e.GithubLatestVersionsStr...)
	if e.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
