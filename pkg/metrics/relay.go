/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relayd"

// Relay holds the Prometheus metrics of the relay. A nil *Relay is valid
// and records nothing, which keeps tests free of registry setup.
type Relay struct {
	registry *prometheus.Registry

	AdmittedTotal    *prometheus.CounterVec
	RejectedTotal    *prometheus.CounterVec
	AdmittedBytes    *prometheus.CounterVec
	DeliveredTotal   *prometheus.CounterVec
	RetriedTotal     *prometheus.CounterVec
	EvictedTotal     *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	RemoteRunJobs    *prometheus.CounterVec
	RemoteRunTargets *prometheus.CounterVec
	InboundInFlight  prometheus.Gauge
}

// NewRelay creates the relay metrics on a dedicated registry that also
// carries the Go runtime and process collectors.
func NewRelay() *Relay {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)

	return &Relay{
		registry: reg,
		AdmittedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_admitted_total",
			Help:      "Payloads durably spooled, by kind",
		}, []string{"kind"}),
		RejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_rejected_total",
			Help:      "Inbound payloads rejected, by reason",
		}, []string{"reason"}),
		AdmittedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_admitted_total",
			Help:      "Uncompressed payload bytes spooled, by kind",
		}, []string{"kind"}),
		DeliveredTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_delivered_total",
			Help:      "Spool entries delivered upstream, by destination",
		}, []string{"destination"}),
		RetriedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_retried_total",
			Help:      "Failed delivery attempts rescheduled, by destination",
		}, []string{"destination"}),
		EvictedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_evicted_total",
			Help:      "Spool entries dropped as poison, by destination",
		}, []string{"destination"}),
		DeliveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of upstream delivery attempts",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"destination", "outcome"}),
		RemoteRunJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_run_jobs_total",
			Help:      "Remote-run jobs finished, by final status",
		}, []string{"status"}),
		RemoteRunTargets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_run_targets_total",
			Help:      "Remote-run target results, by status",
		}, []string{"status"}),
		InboundInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbound_admissions_in_flight",
			Help:      "Inbound payloads currently being admitted",
		}),
	}
}

// MustRegister adds extra collectors, such as the spool collector.
func (m *Relay) MustRegister(cs ...prometheus.Collector) {
	if m == nil {
		return
	}

	m.registry.MustRegister(cs...)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Relay) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests.
func (m *Relay) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Relay) Admitted(kind string, size int64) {
	if m == nil {
		return
	}

	m.AdmittedTotal.WithLabelValues(kind).Inc()
	m.AdmittedBytes.WithLabelValues(kind).Add(float64(size))
}

func (m *Relay) Rejected(reason string) {
	if m == nil {
		return
	}

	m.RejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Relay) AdmissionStarted() {
	if m == nil {
		return
	}

	m.InboundInFlight.Inc()
}

func (m *Relay) AdmissionFinished() {
	if m == nil {
		return
	}

	m.InboundInFlight.Dec()
}

// Delivery records one delivery attempt and its outcome.
func (m *Relay) Delivery(dest, outcome string, took time.Duration) {
	if m == nil {
		return
	}

	m.DeliveryDuration.WithLabelValues(dest, outcome).Observe(took.Seconds())
}

func (m *Relay) Delivered(dest string) {
	if m == nil {
		return
	}

	m.DeliveredTotal.WithLabelValues(dest).Inc()
}

func (m *Relay) Retried(dest string) {
	if m == nil {
		return
	}

	m.RetriedTotal.WithLabelValues(dest).Inc()
}

func (m *Relay) Evicted(dest string) {
	if m == nil {
		return
	}

	m.EvictedTotal.WithLabelValues(dest).Inc()
}

func (m *Relay) JobFinished(status string) {
	if m == nil {
		return
	}

	m.RemoteRunJobs.WithLabelValues(status).Inc()
}

func (m *Relay) TargetFinished(status string) {
	if m == nil {
		return
	}

	m.RemoteRunTargets.WithLabelValues(status).Inc()
}
