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

package remoterun

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/models"
	"github.com/carverauto/relayd/pkg/trust"
)

func agentServer(t *testing.T, h http.HandlerFunc) (models.Node, *HTTPExecutor) {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.AgentPort = port

	exec, err := NewHTTPExecutor(cfg, nil, logger.NewTestLogger())
	require.NoError(t, err)

	return models.Node{ID: "node-1", Hostname: host}, exec
}

func TestHTTPExecutorSuccess(t *testing.T) {
	node, exec := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rudder/relay-api/1/remote-run/execute", r.URL.Path)

		var cmd models.RemoteRunCommand
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		assert.Equal(t, "job-1", cmd.JobID)

		_ = json.NewEncoder(w).Encode(models.Envelope{
			Result: models.ResultSuccess,
			Action: "remoteRunExecute",
			Data:   models.RemoteRunOutput{Output: "up 3 days", ExitCode: 0},
		})
	})

	out, err := exec.Execute(context.Background(), node, models.RemoteRunCommand{JobID: "job-1", Command: "uptime"})
	require.NoError(t, err)
	assert.Equal(t, "up 3 days", out.Output)
}

func TestHTTPExecutorAgentError(t *testing.T) {
	node, exec := agentServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(models.Envelope{
			Result:       models.ResultError,
			Action:       "remoteRunExecute",
			ErrorDetails: "relay not allowed",
		})
	})

	_, err := exec.Execute(context.Background(), node, models.RemoteRunCommand{JobID: "job-1", Command: "id"})
	require.ErrorIs(t, err, errAgentFailed)
	assert.Contains(t, err.Error(), "relay not allowed")
}

func TestHTTPExecutorUnreachable(t *testing.T) {
	exec, err := NewHTTPExecutor(models.RemoteRunConfig{AgentPort: 1}, nil, logger.NewTestLogger())
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), models.Node{ID: "node-1", Hostname: "127.0.0.1"},
		models.RemoteRunCommand{JobID: "job-1", Command: "id"})
	require.ErrorIs(t, err, models.ErrTransport)
}

func TestHTTPExecutorPinsAgentFingerprint(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)

		_ = json.NewEncoder(w).Encode(models.Envelope{
			Result: models.ResultSuccess,
			Action: "remoteRunExecute",
			Data:   models.RemoteRunOutput{Output: "ok"},
		})
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.AgentPort = port

	exec, err := NewHTTPExecutor(cfg, nil, logger.NewTestLogger())
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	exec.useTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})

	cmd := models.RemoteRunCommand{JobID: "job-1", Command: "id"}
	good := models.Node{ID: "node-1", Hostname: host, Fingerprint: trust.Fingerprint(srv.Certificate())}

	out, err := exec.Execute(context.Background(), good, cmd)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Output)

	// Same host and a CA-valid certificate, but not the one trusted for this node.
	imposter := models.Node{ID: "node-2", Hostname: host, Fingerprint: strings.Repeat("ab", 32)}

	_, err = exec.Execute(context.Background(), imposter, cmd)
	require.ErrorIs(t, err, models.ErrTransport)
	assert.Contains(t, err.Error(), errFingerprintMismatch.Error())

	_, err = exec.Execute(context.Background(), models.Node{ID: "node-3", Hostname: host}, cmd)
	require.ErrorIs(t, err, errNoFingerprint)

	assert.Equal(t, int32(1), calls.Load())
}
