// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"
	circuit "github.com/rubyist/circuitbreaker"
)

// ErrUpstreamDown is returned while the circuit to the upstream host is
// open.
var ErrUpstreamDown = errors.New("upstream manifest host unavailable")

const (
	fetchTimeout = 60 * time.Second
	maxRetries   = 3
	userAgent    = "nimdir/1.0"
)

// Fetcher downloads the upstream manifest with DNS caching, bounded
// retries, and a circuit breaker guarding the upstream host.
type Fetcher struct {
	url     string
	client  *http.Client
	breaker *circuit.Breaker
}

// NewFetcher creates a Fetcher for the given manifest URL.
func NewFetcher(url string) *Fetcher {
	// DNS cache with periodic refresh; the poller hits the same host
	// every few minutes for the lifetime of the process.
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
			}
			return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	// Trip once the breaker has counted 5 failures, recover on exponential backoff.
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Reset()

	return &Fetcher{
		url:    url,
		client: &http.Client{Timeout: fetchTimeout, Transport: transport},
		breaker: circuit.NewBreakerWithOptions(&circuit.Options{
			BackOff:    expBackoff,
			ShouldTrip: circuit.ThresholdTripFunc(5),
		}),
	}
}

// Fetch retrieves the raw manifest bytes.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	if !f.breaker.Ready() {
		return nil, ErrUpstreamDown
	}

	var body []byte
	err := f.breaker.Call(func() error {
		op := func() error {
			var ferr error
			body, ferr = f.fetchOnce(ctx)
			return ferr
		}
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
		return backoff.Retry(op, b)
	}, 0)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream manifest returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
