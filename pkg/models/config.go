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
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/carverauto/relayd/pkg/logger"
)

// Duration is a time.Duration that unmarshals from "30s" strings or
// nanosecond numbers.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		// parse numeric as nanoseconds
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// TrustMode selects how unknown certificates are handled.
type TrustMode string

const (
	TrustModeStrict TrustMode = "strict"
	TrustModeTOFU   TrustMode = "tofu"
)

// DeliveryOutcome is how an upstream response is treated by the forwarder.
type DeliveryOutcome string

const (
	OutcomeDelivered DeliveryOutcome = "delivered"
	OutcomeRetry     DeliveryOutcome = "retry"
	OutcomePoison    DeliveryOutcome = "poison"
)

// UpstreamType selects the forwarding transport.
type UpstreamType string

const (
	UpstreamHTTP UpstreamType = "http"
	UpstreamNATS UpstreamType = "nats"
)

// BackoffConfig parameterises retry scheduling.
type BackoffConfig struct {
	Base   Duration `json:"base"`
	Max    Duration `json:"max"`
	Jitter float64  `json:"jitter"` // fraction of the delay, 0.2 = ±20%
}

// SpoolConfig configures the on-disk spool.
type SpoolConfig struct {
	Dir                 string        `json:"dir"`
	MaxBytes            int64         `json:"max_bytes"`
	MaxDestinationBytes int64         `json:"max_destination_bytes"`
	MaxAttempts         int           `json:"max_attempts"`
	Backoff             BackoffConfig `json:"backoff"`
	DedupWindow         Duration      `json:"dedup_window"`
	GCInterval          Duration      `json:"gc_interval"`
}

// TrustSeed pre-provisions a trusted node at startup.
type TrustSeed struct {
	NodeID      string   `json:"node_id"`
	Hostname    string   `json:"hostname"`
	Role        NodeRole `json:"role"`
	Fingerprint string   `json:"fingerprint"`
}

// TrustConfig configures the certificate trust store.
type TrustConfig struct {
	Mode   TrustMode   `json:"mode"`
	DBPath string      `json:"db_path"`
	Seed   []TrustSeed `json:"seed,omitempty"`
}

// UpstreamConfig describes one forwarding destination.
type UpstreamConfig struct {
	Name          string                     `json:"name"`
	Type          UpstreamType               `json:"type"`
	URL           string                     `json:"url"`
	Kinds         []PayloadKind              `json:"kinds,omitempty"`
	Timeout       Duration                   `json:"timeout"`
	Outcomes      map[string]DeliveryOutcome `json:"outcomes,omitempty"`
	SubjectPrefix string                     `json:"subject_prefix,omitempty"`
	Security      *SecurityConfig            `json:"security,omitempty"`
}

// Accepts reports whether payloads of kind k are routed to this upstream.
func (u *UpstreamConfig) Accepts(k PayloadKind) bool {
	if len(u.Kinds) == 0 {
		return true
	}

	for _, kind := range u.Kinds {
		if kind == k {
			return true
		}
	}

	return false
}

// InboundConfig bounds the receiver.
type InboundConfig struct {
	MaxConcurrent   int      `json:"max_concurrent"`
	QueueTimeout    Duration `json:"queue_timeout"`
	MaxPayloadBytes int64    `json:"max_payload_bytes"`
}

// RemoteRunConfig configures the remote-run dispatcher.
type RemoteRunConfig struct {
	DefaultTimeout Duration        `json:"default_timeout"`
	MaxTimeout     Duration        `json:"max_timeout"`
	AgentPort      int             `json:"agent_port"`
	JobRetention   Duration        `json:"job_retention"`
	Security       *SecurityConfig `json:"security,omitempty"`
}

// RelayConfig is the root configuration of relayd.
type RelayConfig struct {
	NodeID          string           `json:"node_id"`
	ListenAddr      string           `json:"listen_addr"`
	LocalListenAddr string           `json:"local_listen_addr,omitempty"`
	Spool           SpoolConfig      `json:"spool"`
	Trust           TrustConfig      `json:"trust"`
	Upstreams       []UpstreamConfig `json:"upstreams"`
	Inbound         InboundConfig    `json:"inbound"`
	RemoteRun       RemoteRunConfig  `json:"remote_run"`
	Security        *SecurityConfig  `json:"security"`
	Logging         *logger.Config   `json:"logging"`
}

const (
	defaultSpoolMaxBytes   = 1 << 30
	defaultMaxAttempts     = 10
	defaultBackoffBase     = 2 * time.Second
	defaultBackoffMax      = 10 * time.Minute
	defaultBackoffJitter   = 0.2
	defaultDedupWindow     = 10 * time.Minute
	defaultGCInterval      = 10 * time.Minute
	defaultMaxConcurrent   = 64
	defaultQueueTimeout    = 2 * time.Second
	defaultMaxPayloadBytes = 64 << 20
	defaultUpstreamTimeout = 30 * time.Second
	defaultRunTimeout      = 30 * time.Second
	defaultRunMaxTimeout   = 10 * time.Minute
	defaultAgentPort       = 5309
	defaultJobRetention    = time.Hour
	defaultSubjectPrefix   = "relay"
)

var (
	errInvalidDuration      = fmt.Errorf("invalid duration")
	errNodeIDRequired       = fmt.Errorf("node_id is required")
	errListenAddrRequired   = fmt.Errorf("listen address is required")
	errSpoolDirRequired     = fmt.Errorf("spool.dir is required")
	errUpstreamRequired     = fmt.Errorf("at least one upstream is required")
	errUpstreamName         = fmt.Errorf("upstream name must match %s", upstreamNamePattern)
	errDuplicateUpstream    = fmt.Errorf("duplicate upstream name")
	errUpstreamURL          = fmt.Errorf("upstream url is required")
	errUnknownUpstreamType  = fmt.Errorf("unknown upstream type")
	errUnknownPayloadKind   = fmt.Errorf("unknown payload kind")
	errUnknownOutcome       = fmt.Errorf("unknown delivery outcome")
	errUnknownTrustMode     = fmt.Errorf("unknown trust mode")
	errInvalidBackoff       = fmt.Errorf("spool.backoff.max must not be lower than spool.backoff.base")
	errInvalidJitter        = fmt.Errorf("spool.backoff.jitter must be within [0, 1)")
	errInvalidSeed          = fmt.Errorf("trust seed requires node_id and fingerprint")
	errDestinationQuota     = fmt.Errorf("spool.max_destination_bytes must not exceed spool.max_bytes")
	errInvalidOutcomeClass  = fmt.Errorf("outcome key must be a status code or class like 4xx")
	errRemoteRunMaxTimeout  = fmt.Errorf("remote_run.max_timeout must not be lower than default_timeout")
	errInvalidMaxConcurrent = fmt.Errorf("inbound.max_concurrent must be positive")
)

const upstreamNamePattern = `^[A-Za-z0-9][A-Za-z0-9._-]*$`

var (
	upstreamNameRE = regexp.MustCompile(upstreamNamePattern)
	outcomeClassRE = regexp.MustCompile(`^([1-5]xx|[1-5][0-9]{2})$`)
)

// Validate applies defaults and checks the configuration.
func (c *RelayConfig) Validate() error {
	if c.NodeID == "" {
		return errNodeIDRequired
	}

	if c.ListenAddr == "" {
		return errListenAddrRequired
	}

	if err := c.Spool.validate(); err != nil {
		return err
	}

	if err := c.Trust.validate(); err != nil {
		return err
	}

	if err := c.validateUpstreams(); err != nil {
		return err
	}

	if err := c.Inbound.validate(); err != nil {
		return err
	}

	return c.RemoteRun.validate()
}

func (s *SpoolConfig) validate() error {
	if s.Dir == "" {
		return errSpoolDirRequired
	}

	if s.MaxBytes <= 0 {
		s.MaxBytes = defaultSpoolMaxBytes
	}

	if s.MaxDestinationBytes <= 0 {
		s.MaxDestinationBytes = s.MaxBytes
	}

	if s.MaxDestinationBytes > s.MaxBytes {
		return errDestinationQuota
	}

	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}

	if s.Backoff.Base <= 0 {
		s.Backoff.Base = Duration(defaultBackoffBase)
	}

	if s.Backoff.Max <= 0 {
		s.Backoff.Max = Duration(defaultBackoffMax)
	}

	if s.Backoff.Max < s.Backoff.Base {
		return errInvalidBackoff
	}

	if s.Backoff.Jitter == 0 {
		s.Backoff.Jitter = defaultBackoffJitter
	}

	if s.Backoff.Jitter < 0 || s.Backoff.Jitter >= 1 {
		return errInvalidJitter
	}

	if s.DedupWindow <= 0 {
		s.DedupWindow = Duration(defaultDedupWindow)
	}

	if s.GCInterval <= 0 {
		s.GCInterval = Duration(defaultGCInterval)
	}

	return nil
}

func (t *TrustConfig) validate() error {
	switch t.Mode {
	case "":
		t.Mode = TrustModeStrict
	case TrustModeStrict, TrustModeTOFU:
	default:
		return fmt.Errorf("%w: %s", errUnknownTrustMode, t.Mode)
	}

	for i := range t.Seed {
		if t.Seed[i].NodeID == "" || t.Seed[i].Fingerprint == "" {
			return errInvalidSeed
		}

		if t.Seed[i].Role == "" {
			t.Seed[i].Role = NodeRoleLeaf
		}
	}

	return nil
}

func (c *RelayConfig) validateUpstreams() error {
	if len(c.Upstreams) == 0 {
		return errUpstreamRequired
	}

	seen := make(map[string]struct{}, len(c.Upstreams))

	for i := range c.Upstreams {
		u := &c.Upstreams[i]

		if !upstreamNameRE.MatchString(u.Name) {
			return fmt.Errorf("%w: %q", errUpstreamName, u.Name)
		}

		if _, dup := seen[u.Name]; dup {
			return fmt.Errorf("%w: %s", errDuplicateUpstream, u.Name)
		}

		seen[u.Name] = struct{}{}

		if err := u.validate(); err != nil {
			return fmt.Errorf("upstream %s: %w", u.Name, err)
		}

		if u.Security == nil {
			u.Security = c.Security
		}
	}

	return nil
}

func (u *UpstreamConfig) validate() error {
	switch u.Type {
	case "":
		u.Type = UpstreamHTTP
	case UpstreamHTTP, UpstreamNATS:
	default:
		return fmt.Errorf("%w: %s", errUnknownUpstreamType, u.Type)
	}

	if u.URL == "" {
		return errUpstreamURL
	}

	if u.Timeout <= 0 {
		u.Timeout = Duration(defaultUpstreamTimeout)
	}

	if u.Type == UpstreamNATS && u.SubjectPrefix == "" {
		u.SubjectPrefix = defaultSubjectPrefix
	}

	for _, k := range u.Kinds {
		if !k.Valid() {
			return fmt.Errorf("%w: %s", errUnknownPayloadKind, k)
		}
	}

	for class, outcome := range u.Outcomes {
		if !outcomeClassRE.MatchString(strings.ToLower(class)) {
			return fmt.Errorf("%w: %q", errInvalidOutcomeClass, class)
		}

		switch outcome {
		case OutcomeDelivered, OutcomeRetry, OutcomePoison:
		default:
			return fmt.Errorf("%w: %s", errUnknownOutcome, outcome)
		}
	}

	return nil
}

func (i *InboundConfig) validate() error {
	if i.MaxConcurrent < 0 {
		return errInvalidMaxConcurrent
	}

	if i.MaxConcurrent == 0 {
		i.MaxConcurrent = defaultMaxConcurrent
	}

	if i.QueueTimeout <= 0 {
		i.QueueTimeout = Duration(defaultQueueTimeout)
	}

	if i.MaxPayloadBytes <= 0 {
		i.MaxPayloadBytes = defaultMaxPayloadBytes
	}

	return nil
}

func (r *RemoteRunConfig) validate() error {
	if r.DefaultTimeout <= 0 {
		r.DefaultTimeout = Duration(defaultRunTimeout)
	}

	if r.MaxTimeout <= 0 {
		r.MaxTimeout = Duration(defaultRunMaxTimeout)
	}

	if r.MaxTimeout < r.DefaultTimeout {
		return errRemoteRunMaxTimeout
	}

	if r.AgentPort <= 0 {
		r.AgentPort = defaultAgentPort
	}

	if r.JobRetention <= 0 {
		r.JobRetention = Duration(defaultJobRetention)
	}

	return nil
}
