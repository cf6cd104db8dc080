// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the mediator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring turn-taking
// sessions. Metrics include:
//   - Submission counters (by outcome)
//   - Generation counters (by path) and attempt histograms
//   - Safety gate counters (by action)
//   - Long-poll gauges and outcome counters
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "attune"

// Subsystem for mediator metrics
const mediatorSubsystem = "mediator"

// MediatorMetrics holds all Prometheus metrics for session mediation.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring submission flow,
// reflection generation, and long-poll delivery. Initialize once at startup
// via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type MediatorMetrics struct {
	// SubmissionsTotal counts message submissions by outcome.
	// Labels: outcome (accepted, duplicate, turn_violation, boundary_locked,
	// rate_limited, rejected)
	SubmissionsTotal *prometheus.CounterVec

	// GenerationsTotal counts reflection generations by path.
	// Labels: path (generated, fallback, boundary)
	GenerationsTotal *prometheus.CounterVec

	// GenerationAttempts measures attempts consumed per generation.
	GenerationAttempts prometheus.Histogram

	// GenerationDurationSeconds measures pipeline wall time by path.
	// Labels: path (generated, fallback, boundary)
	GenerationDurationSeconds *prometheus.HistogramVec

	// SafetyVerdictsTotal counts safety gate verdicts by action.
	// Labels: action (admit, review, lock)
	SafetyVerdictsTotal *prometheus.CounterVec

	// ActiveWaiters tracks registered long-poll waiters.
	ActiveWaiters prometheus.Gauge

	// PollsTotal counts long-poll completions by result.
	// Labels: result (messages, heartbeat, boundary, cancelled, overflow)
	PollsTotal *prometheus.CounterVec

	// ActiveSessions tracks sessions that have not ended.
	ActiveSessions prometheus.Gauge
}

// DefaultMetrics is the singleton instance of MediatorMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *MediatorMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup, after Prometheus registry is available.
//
// # Outputs
//
//   - *MediatorMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *MediatorMetrics {
	DefaultMetrics = &MediatorMetrics{
		SubmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: mediatorSubsystem,
				Name:      "submissions_total",
				Help:      "Total message submissions by outcome",
			},
			[]string{"outcome"},
		),

		GenerationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: mediatorSubsystem,
				Name:      "generations_total",
				Help:      "Total reflection generations by delivery path",
			},
			[]string{"path"},
		),

		GenerationAttempts: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: mediatorSubsystem,
				Name:      "generation_attempts",
				Help:      "Model attempts consumed per generation",
				Buckets:   []float64{1, 2, 3, 4, 5},
			},
		),

		GenerationDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: mediatorSubsystem,
				Name:      "generation_duration_seconds",
				Help:      "Pipeline wall time in seconds by delivery path",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"path"},
		),

		SafetyVerdictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: mediatorSubsystem,
				Name:      "safety_verdicts_total",
				Help:      "Total safety gate verdicts by action",
			},
			[]string{"action"},
		),

		ActiveWaiters: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: mediatorSubsystem,
				Name:      "active_waiters",
				Help:      "Number of registered long-poll waiters",
			},
		),

		PollsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: mediatorSubsystem,
				Name:      "polls_total",
				Help:      "Total long-poll completions by result",
			},
			[]string{"result"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: mediatorSubsystem,
				Name:      "active_sessions",
				Help:      "Number of sessions that have not ended",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordSubmission records a submission outcome.
func (m *MediatorMetrics) RecordSubmission(outcome string) {
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordGeneration records a completed generation.
//
// # Inputs
//
//   - path: Delivery path (generated, fallback, boundary).
//   - attempts: Model attempts consumed.
//   - seconds: Pipeline wall time in seconds.
func (m *MediatorMetrics) RecordGeneration(path string, attempts int, seconds float64) {
	m.GenerationsTotal.WithLabelValues(path).Inc()
	if attempts > 0 {
		m.GenerationAttempts.Observe(float64(attempts))
	}
	m.GenerationDurationSeconds.WithLabelValues(path).Observe(seconds)
}

// RecordVerdict records a safety gate verdict.
func (m *MediatorMetrics) RecordVerdict(action string) {
	m.SafetyVerdictsTotal.WithLabelValues(action).Inc()
}

// RecordPoll records a long-poll completion.
func (m *MediatorMetrics) RecordPoll(result string) {
	m.PollsTotal.WithLabelValues(result).Inc()
}

// SetActiveWaiters updates the waiter gauge.
func (m *MediatorMetrics) SetActiveWaiters(n int) {
	m.ActiveWaiters.Set(float64(n))
}

// SessionStarted increments the active sessions gauge.
func (m *MediatorMetrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active sessions gauge.
func (m *MediatorMetrics) SessionEnded() {
	m.ActiveSessions.Dec()
}
