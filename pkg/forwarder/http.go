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

package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/models"
	"github.com/carverauto/relayd/pkg/tlsutil"
)

const maxErrorBody = 512

var (
	errMissingMetadata = errors.New("shared file entry lacks routing metadata")
	errUnknownKind     = errors.New("unknown payload kind")
)

// defaultOutcomes applies when an upstream configures no table, and fills
// gaps when it does.
var defaultOutcomes = map[string]models.DeliveryOutcome{
	"2xx": models.OutcomeDelivered,
	"408": models.OutcomeRetry,
	"429": models.OutcomeRetry,
	"4xx": models.OutcomePoison,
	"5xx": models.OutcomeRetry,
}

// OutcomeTable maps upstream HTTP statuses to delivery outcomes. Exact
// codes win over classes; anything unmatched is retried.
type OutcomeTable map[string]models.DeliveryOutcome

// NewOutcomeTable merges overrides on top of the default table.
func NewOutcomeTable(overrides map[string]models.DeliveryOutcome) OutcomeTable {
	t := make(OutcomeTable, len(defaultOutcomes)+len(overrides))

	for k, v := range defaultOutcomes {
		t[k] = v
	}

	for k, v := range overrides {
		t[strings.ToLower(k)] = v
	}

	return t
}

// Classify returns the outcome for an HTTP status code.
func (t OutcomeTable) Classify(status int) models.DeliveryOutcome {
	if o, ok := t[strconv.Itoa(status)]; ok {
		return o
	}

	if o, ok := t[fmt.Sprintf("%dxx", status/100)]; ok {
		return o
	}

	return models.OutcomeRetry
}

// HTTPTransport forwards payloads to an upstream relay's inbound API.
type HTTPTransport struct {
	name     string
	base     *url.URL
	client   *http.Client
	outcomes OutcomeTable
	log      logger.Logger
}

// NewHTTPClient returns a client presenting the relay certificate when the
// upstream is configured for mTLS.
func NewHTTPClient(cfg *models.UpstreamConfig, fallback *models.SecurityConfig, log logger.Logger) (*http.Client, error) {
	sec := cfg.Security
	if sec == nil {
		sec = fallback
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 2

	if tlsutil.Enabled(sec) {
		tlsConf, err := tlsutil.ClientConfig(sec, log)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", cfg.Name, err)
		}

		transport.TLSClientConfig = tlsConf
	}

	return &http.Client{Transport: transport, Timeout: time.Duration(cfg.Timeout)}, nil
}

// NewHTTPTransport creates a transport for an http upstream.
func NewHTTPTransport(cfg *models.UpstreamConfig, client *http.Client, log logger.Logger) (*HTTPTransport, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("upstream %s: invalid url: %w", cfg.Name, err)
	}

	return &HTTPTransport{
		name:     cfg.Name,
		base:     base,
		client:   client,
		outcomes: NewOutcomeTable(cfg.Outcomes),
		log:      log,
	}, nil
}

func (t *HTTPTransport) target(entry *models.SpoolEntry) (method, path string, err error) {
	switch entry.Payload.Kind {
	case models.KindReport:
		return http.MethodPost, models.APIPrefix + "/reports", nil
	case models.KindInventory:
		return http.MethodPost, models.APIPrefix + "/inventories", nil
	case models.KindSharedFile:
		md := entry.Payload.Metadata

		target, source, file := md[models.MetaTargetNode], md[models.MetaSourceNode], md[models.MetaFileID]
		if target == "" || source == "" || file == "" {
			return "", "", errMissingMetadata
		}

		return http.MethodPut, fmt.Sprintf("%s/shared-files/%s/%s/%s", models.APIPrefix,
			url.PathEscape(target), url.PathEscape(source), url.PathEscape(file)), nil
	default:
		return "", "", fmt.Errorf("%w: %q", errUnknownKind, entry.Payload.Kind)
	}
}

// Deliver sends one entry. Network failures are retried; HTTP responses
// are classified through the outcome table.
func (t *HTTPTransport) Deliver(ctx context.Context, entry *models.SpoolEntry, body []byte) (models.DeliveryOutcome, error) {
	method, path, err := t.target(entry)
	if err != nil {
		return models.OutcomePoison, err
	}

	u := *t.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return models.OutcomePoison, err
	}

	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(models.HeaderContentDigest, "sha256:"+entry.Payload.Hash)
	req.Header.Set(models.HeaderRelaySource, entry.Payload.Source)
	req.Header.Set(models.HeaderRelayArrived, entry.Payload.ArrivedAt.UTC().Format(time.RFC3339Nano))

	if name := entry.Payload.Metadata[models.MetaFilename]; name != "" {
		req.Header.Set(models.HeaderFilename, name)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return models.OutcomeRetry, fmt.Errorf("%w: %s: %w", models.ErrTransport, t.name, err)
	}

	defer func() { _ = resp.Body.Close() }()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	outcome := t.outcomes.Classify(resp.StatusCode)
	if outcome == models.OutcomeDelivered {
		return outcome, nil
	}

	t.log.Debug().
		Str("entry", entry.ID).
		Int("status", resp.StatusCode).
		Str("outcome", string(outcome)).
		Msg("Upstream did not accept payload")

	return outcome, fmt.Errorf("%w: %s answered %d: %s",
		models.ErrUpstreamReject, t.name, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()

	return nil
}
