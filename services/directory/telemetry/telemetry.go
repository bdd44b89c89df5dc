// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires the service's OpenTelemetry metrics to a
// Prometheus exporter served on /metrics.
//
// All instruments use the "nimdir_" prefix for consistent naming.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/AleutianAI/nimdir/services/directory/datatypes"
)

// Telemetry holds the service instruments. It implements the stats
// interfaces of the builder and the poller.
//
// Thread Safety: safe for concurrent use after creation.
type Telemetry struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	// BuildsTotal counts finished builds by terminal status.
	BuildsTotal metric.Int64Counter

	// InstallFailuresTotal counts install-stage failures.
	InstallFailuresTotal metric.Int64Counter

	// InstallDuration records install-stage duration in seconds.
	InstallDuration metric.Float64Histogram

	// SlotWaits counts slot-acquisition retries.
	SlotWaits metric.Int64Counter

	// PollerTicksTotal counts poll cycles by outcome.
	PollerTicksTotal metric.Int64Counter
}

// New builds the Prometheus-backed telemetry. The waiting and building
// callbacks feed the two queue gauges.
func New(waitingFn, buildingFn func() int) (*Telemetry, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("nimdir")

	t := &Telemetry{registry: registry, provider: provider}

	if t.BuildsTotal, err = meter.Int64Counter("nimdir_builds_total",
		metric.WithDescription("Finished builds by terminal status")); err != nil {
		return nil, err
	}
	if t.InstallFailuresTotal, err = meter.Int64Counter("nimdir_install_failures_total",
		metric.WithDescription("Install-stage failures")); err != nil {
		return nil, err
	}
	if t.InstallDuration, err = meter.Float64Histogram("nimdir_install_duration_seconds",
		metric.WithDescription("Install-stage duration")); err != nil {
		return nil, err
	}
	if t.SlotWaits, err = meter.Int64Counter("nimdir_slot_waits_total",
		metric.WithDescription("Build-slot acquisition retries")); err != nil {
		return nil, err
	}
	if t.PollerTicksTotal, err = meter.Int64Counter("nimdir_poller_ticks_total",
		metric.WithDescription("Upstream manifest poll cycles")); err != nil {
		return nil, err
	}

	if _, err = meter.Int64ObservableGauge("nimdir_builds_waiting",
		metric.WithDescription("Packages queued for a build slot"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(waitingFn()))
			return nil
		})); err != nil {
		return nil, err
	}
	if _, err = meter.Int64ObservableGauge("nimdir_builds_active",
		metric.WithDescription("Packages holding the build slot"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(buildingFn()))
			return nil
		})); err != nil {
		return nil, err
	}

	return t, nil
}

// Handler serves the /metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// BuildFinished implements builder.Stats.
func (t *Telemetry) BuildFinished(status datatypes.BuildStatus, installSeconds float64) {
	ctx := context.Background()
	t.BuildsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	t.InstallDuration.Record(ctx, installSeconds)
}

// InstallFailed implements builder.Stats.
func (t *Telemetry) InstallFailed() {
	t.InstallFailuresTotal.Add(context.Background(), 1)
}

// SlotBusy implements builder.Stats. The waiting depth itself is
// observed by the nimdir_builds_waiting gauge.
func (t *Telemetry) SlotBusy(waiting int) {
	t.SlotWaits.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Int("waiting", waiting)))
}

// PollerTick implements poller.Stats.
func (t *Telemetry) PollerTick(changed bool, err error) {
	outcome := "unchanged"
	switch {
	case err != nil:
		outcome = "error"
	case changed:
		outcome = "changed"
	}
	t.PollerTicksTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
