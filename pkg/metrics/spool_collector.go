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
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carverauto/relayd/pkg/spool"
)

// StatsSource is the part of the spool the collector reads.
type StatsSource interface {
	Stats() spool.Stats
}

// SpoolCollector exports spool gauges computed from Stats at scrape time.
type SpoolCollector struct {
	src   StatsSource
	now   func() time.Time
	depth *prometheus.Desc
	bytes *prometheus.Desc
	lag   *prometheus.Desc
	dead  *prometheus.Desc
	total *prometheus.Desc
	blobs *prometheus.Desc
}

var _ prometheus.Collector = (*SpoolCollector)(nil)

// NewSpoolCollector returns a collector over src.
func NewSpoolCollector(src StatsSource) *SpoolCollector {
	return &SpoolCollector{
		src: src,
		now: time.Now,
		depth: prometheus.NewDesc(prometheus.BuildFQName(namespace, "spool", "depth"),
			"Undelivered entries per destination", []string{"destination"}, nil),
		bytes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "spool", "destination_bytes"),
			"Payload bytes queued per destination", []string{"destination"}, nil),
		lag: prometheus.NewDesc(prometheus.BuildFQName(namespace, "forwarder", "lag_seconds"),
			"Age of the oldest undelivered entry per destination", []string{"destination"}, nil),
		dead: prometheus.NewDesc(prometheus.BuildFQName(namespace, "spool", "dead_entries"),
			"Dead-lettered entries per destination", []string{"destination"}, nil),
		total: prometheus.NewDesc(prometheus.BuildFQName(namespace, "spool", "bytes"),
			"Uncompressed bytes held in the blob store", nil, nil),
		blobs: prometheus.NewDesc(prometheus.BuildFQName(namespace, "spool", "blobs"),
			"Blobs held in the blob store", nil, nil),
	}
}

func (c *SpoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
	ch <- c.bytes
	ch <- c.lag
	ch <- c.dead
	ch <- c.total
	ch <- c.blobs
}

func (c *SpoolCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	now := c.now()

	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(st.Bytes))
	ch <- prometheus.MustNewConstMetric(c.blobs, prometheus.GaugeValue, float64(st.Blobs))

	for _, d := range st.Destinations {
		lag := 0.0
		if !d.OldestPending.IsZero() {
			lag = now.Sub(d.OldestPending).Seconds()
		}

		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(d.Depth), d.Name)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(d.Bytes), d.Name)
		ch <- prometheus.MustNewConstMetric(c.lag, prometheus.GaugeValue, lag, d.Name)
		ch <- prometheus.MustNewConstMetric(c.dead, prometheus.GaugeValue, float64(d.Dead), d.Name)
	}
}
