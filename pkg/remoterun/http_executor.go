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
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/models"
	"github.com/carverauto/relayd/pkg/tlsutil"
	"github.com/carverauto/relayd/pkg/trust"
)

const maxOutputBytes = 1 << 20

var (
	errAgentFailed         = errors.New("agent rejected command")
	errFingerprintMismatch = errors.New("agent certificate does not match trusted fingerprint")
	errNoFingerprint       = errors.New("node has no trusted fingerprint")
)

// HTTPExecutor posts commands to the agent API of a node. Over TLS every
// node gets its own client whose handshake only accepts the certificate
// fingerprint recorded in the trust store.
type HTTPExecutor struct {
	transport *http.Transport
	client    *http.Client
	pinned    sync.Map // fingerprint -> *http.Client
	scheme    string
	port      int
	log       logger.Logger
}

// NewHTTPExecutor builds an executor presenting the relay certificate.
// Without mTLS agents are reached over plain HTTP.
func NewHTTPExecutor(cfg models.RemoteRunConfig, fallback *models.SecurityConfig, log logger.Logger) (*HTTPExecutor, error) {
	sec := cfg.Security
	if sec == nil {
		sec = fallback
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	e := &HTTPExecutor{
		transport: transport,
		client:    &http.Client{Transport: transport},
		scheme:    "http",
		port:      cfg.AgentPort,
		log:       log,
	}

	if tlsutil.Enabled(sec) {
		tlsConf, err := tlsutil.ClientConfig(sec, log)
		if err != nil {
			return nil, fmt.Errorf("remote run client: %w", err)
		}

		e.useTLS(tlsConf)
	}

	return e, nil
}

func (e *HTTPExecutor) useTLS(conf *tls.Config) {
	// Agents are addressed by their own hostname, not the relay's
	// configured server name.
	conf.ServerName = ""
	e.transport.TLSClientConfig = conf
	e.scheme = "https"
}

// clientFor returns the client to reach node with.
func (e *HTTPExecutor) clientFor(node models.Node) (*http.Client, error) {
	if e.scheme != "https" {
		return e.client, nil
	}

	fp := node.Fingerprint
	if fp == "" {
		return nil, fmt.Errorf("%w: %s", errNoFingerprint, node.ID)
	}

	if c, ok := e.pinned.Load(fp); ok {
		return c.(*http.Client), nil
	}

	t := e.transport.Clone()
	t.TLSClientConfig.VerifyConnection = pinFingerprint(fp)

	c, _ := e.pinned.LoadOrStore(fp, &http.Client{Transport: t})

	return c.(*http.Client), nil
}

func pinFingerprint(want string) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return fmt.Errorf("%w: no certificate presented", errFingerprintMismatch)
		}

		if got := trust.Fingerprint(cs.PeerCertificates[0]); got != want {
			return fmt.Errorf("%w: got %s", errFingerprintMismatch, got)
		}

		return nil
	}
}

func (e *HTTPExecutor) endpoint(node models.Node) string {
	host := node.Hostname
	if host == "" {
		host = node.ID
	}

	return fmt.Sprintf("%s://%s%s/remote-run/execute", e.scheme,
		net.JoinHostPort(host, strconv.Itoa(e.port)), models.APIPrefix)
}

type executeResponse struct {
	Data         models.RemoteRunOutput `json:"data"`
	Result       string                 `json:"result"`
	ErrorDetails string                 `json:"errorDetails,omitempty"`
}

// Execute runs cmd on node and returns the agent's output. The call is
// bounded by ctx, which carries the job deadline.
func (e *HTTPExecutor) Execute(ctx context.Context, node models.Node, cmd models.RemoteRunCommand) (models.RemoteRunOutput, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return models.RemoteRunOutput{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint(node), bytes.NewReader(payload))
	if err != nil {
		return models.RemoteRunOutput{}, err
	}

	req.Header.Set("Content-Type", "application/json")

	client, err := e.clientFor(node)
	if err != nil {
		return models.RemoteRunOutput{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return models.RemoteRunOutput{}, fmt.Errorf("%w: %s: %w", models.ErrTransport, node.ID, err)
	}

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
	if err != nil {
		return models.RemoteRunOutput{}, fmt.Errorf("%w: %s: reading response: %w", models.ErrTransport, node.ID, err)
	}

	var out executeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return models.RemoteRunOutput{}, fmt.Errorf("%w: %s answered %d with undecodable body", errAgentFailed, node.ID, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK || out.Result != models.ResultSuccess {
		return models.RemoteRunOutput{}, fmt.Errorf("%w: %s answered %d: %s", errAgentFailed, node.ID, resp.StatusCode, out.ErrorDetails)
	}

	e.log.Debug().Str("job", cmd.JobID).Str("node", node.ID).Int("exit_code", out.Data.ExitCode).Msg("Remote command finished")

	return out.Data, nil
}
