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

package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRelayConfig() *RelayConfig {
	return &RelayConfig{
		NodeID:     "relay-1",
		ListenAddr: ":8443",
		Spool:      SpoolConfig{Dir: "/var/spool/relayd"},
		Upstreams:  []UpstreamConfig{{Name: "root", URL: "https://root:8443"}},
	}
}

func TestRelayConfigDefaults(t *testing.T) {
	cfg := validRelayConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(defaultSpoolMaxBytes), cfg.Spool.MaxBytes)
	assert.Equal(t, cfg.Spool.MaxBytes, cfg.Spool.MaxDestinationBytes)
	assert.Equal(t, defaultMaxAttempts, cfg.Spool.MaxAttempts)
	assert.Equal(t, Duration(defaultBackoffBase), cfg.Spool.Backoff.Base)
	assert.Equal(t, Duration(defaultBackoffMax), cfg.Spool.Backoff.Max)
	assert.InDelta(t, defaultBackoffJitter, cfg.Spool.Backoff.Jitter, 1e-9)
	assert.Equal(t, TrustModeStrict, cfg.Trust.Mode)
	assert.Equal(t, UpstreamHTTP, cfg.Upstreams[0].Type)
	assert.Equal(t, Duration(defaultUpstreamTimeout), cfg.Upstreams[0].Timeout)
	assert.Equal(t, defaultMaxConcurrent, cfg.Inbound.MaxConcurrent)
	assert.Equal(t, defaultAgentPort, cfg.RemoteRun.AgentPort)
}

func TestRelayConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RelayConfig)
		want   error
	}{
		{"missing node id", func(c *RelayConfig) { c.NodeID = "" }, errNodeIDRequired},
		{"missing spool dir", func(c *RelayConfig) { c.Spool.Dir = "" }, errSpoolDirRequired},
		{"no upstreams", func(c *RelayConfig) { c.Upstreams = nil }, errUpstreamRequired},
		{"bad upstream name", func(c *RelayConfig) { c.Upstreams[0].Name = "../etc" }, errUpstreamName},
		{"duplicate upstream", func(c *RelayConfig) {
			c.Upstreams = append(c.Upstreams, UpstreamConfig{Name: "root", URL: "https://other"})
		}, errDuplicateUpstream},
		{"unknown kind", func(c *RelayConfig) { c.Upstreams[0].Kinds = []PayloadKind{"logs"} }, errUnknownPayloadKind},
		{"bad outcome class", func(c *RelayConfig) {
			c.Upstreams[0].Outcomes = map[string]DeliveryOutcome{"6xx": OutcomeRetry}
		}, errInvalidOutcomeClass},
		{"bad outcome", func(c *RelayConfig) {
			c.Upstreams[0].Outcomes = map[string]DeliveryOutcome{"409": "ignore"}
		}, errUnknownOutcome},
		{"jitter out of range", func(c *RelayConfig) { c.Spool.Backoff.Jitter = 1.5 }, errInvalidJitter},
		{"destination quota above global", func(c *RelayConfig) {
			c.Spool.MaxBytes = 10
			c.Spool.MaxDestinationBytes = 20
		}, errDestinationQuota},
		{"unknown trust mode", func(c *RelayConfig) { c.Trust.Mode = "open" }, errUnknownTrustMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validRelayConfig()
			tt.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestUpstreamAccepts(t *testing.T) {
	all := UpstreamConfig{}
	assert.True(t, all.Accepts(KindSharedFile))

	reports := UpstreamConfig{Kinds: []PayloadKind{KindReport}}
	assert.True(t, reports.Accepts(KindReport))
	assert.False(t, reports.Accepts(KindInventory))
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, Duration(90*time.Second), d)

	require.NoError(t, json.Unmarshal([]byte(`2000000000`), &d))
	assert.Equal(t, Duration(2*time.Second), d)

	require.Error(t, json.Unmarshal([]byte(`true`), &d))

	out, err := json.Marshal(Duration(time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `"1m0s"`, string(out))
}
