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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/relayd/pkg/spool"
)

type fakeStats struct {
	stats spool.Stats
}

func (f fakeStats) Stats() spool.Stats {
	return f.stats
}

func TestNilRelayIsNoop(t *testing.T) {
	var m *Relay

	m.Admitted("report", 10)
	m.Rejected("auth")
	m.Delivered("root")
	m.Delivery("root", "delivered", time.Second)
	m.MustRegister()
}

func TestCounters(t *testing.T) {
	m := NewRelay()

	m.Admitted("report", 100)
	m.Admitted("report", 50)
	m.Evicted("root")

	assert.InDelta(t, 2, testutil.ToFloat64(m.AdmittedTotal.WithLabelValues("report")), 0)
	assert.InDelta(t, 150, testutil.ToFloat64(m.AdmittedBytes.WithLabelValues("report")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.EvictedTotal.WithLabelValues("root")), 0)
}

func TestSpoolCollectorAndHandler(t *testing.T) {
	m := NewRelay()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	c := NewSpoolCollector(fakeStats{stats: spool.Stats{
		Bytes: 4096,
		Blobs: 2,
		Destinations: []spool.DestinationStats{
			{Name: "root", Depth: 3, Bytes: 4096, OldestPending: now.Add(-30 * time.Second)},
		},
	}})
	c.now = func() time.Time { return now }
	m.MustRegister(c)

	count, err := testutil.GatherAndCount(m.Gatherer(), "relayd_spool_depth", "relayd_forwarder_lag_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `relayd_spool_depth{destination="root"} 3`), body)
	assert.True(t, strings.Contains(body, `relayd_forwarder_lag_seconds{destination="root"} 30`), body)
}
