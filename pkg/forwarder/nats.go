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
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/models"
	"github.com/carverauto/relayd/pkg/natsutil"
)

const metaHeaderPrefix = "Relay-Meta-"

// Publisher is the JetStream call the NATS transport needs.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSTransport publishes payloads into a JetStream stream. The content
// digest is the message ID so the stream drops redeliveries.
type NATSTransport struct {
	name   string
	prefix string
	pub    Publisher
	conn   *nats.Conn
	log    logger.Logger
}

// StreamName derives the JetStream stream name from a subject prefix.
func StreamName(prefix string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(prefix))
}

// NewNATSTransport wraps an existing publisher. conn may be nil.
func NewNATSTransport(cfg *models.UpstreamConfig, pub Publisher, conn *nats.Conn, log logger.Logger) *NATSTransport {
	return &NATSTransport{
		name:   cfg.Name,
		prefix: cfg.SubjectPrefix,
		pub:    pub,
		conn:   conn,
		log:    log,
	}
}

// DialNATS connects to the upstream's NATS server and makes sure the
// stream covering <prefix>.> exists.
func DialNATS(ctx context.Context, cfg *models.UpstreamConfig, fallback *models.SecurityConfig, log logger.Logger) (*NATSTransport, error) {
	sec := cfg.Security
	if sec == nil {
		sec = fallback
	}

	nc, err := natsutil.ConnectWithSecurity(ctx, cfg.URL, sec, log)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", cfg.Name, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("upstream %s: failed to create JetStream context: %w", cfg.Name, err)
	}

	if _, err := natsutil.EnsureStream(ctx, js, StreamName(cfg.SubjectPrefix), []string{cfg.SubjectPrefix + ".>"}); err != nil {
		nc.Close()

		return nil, fmt.Errorf("upstream %s: %w", cfg.Name, err)
	}

	return NewNATSTransport(cfg, js, nc, log), nil
}

func (t *NATSTransport) Subject(kind models.PayloadKind) string {
	return t.prefix + "." + string(kind)
}

func (t *NATSTransport) Deliver(ctx context.Context, entry *models.SpoolEntry, body []byte) (models.DeliveryOutcome, error) {
	msg := nats.NewMsg(t.Subject(entry.Payload.Kind))
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, entry.Payload.Identity())
	msg.Header.Set(models.HeaderRelaySource, entry.Payload.Source)
	msg.Header.Set(models.HeaderRelayArrived, entry.Payload.ArrivedAt.UTC().Format(time.RFC3339Nano))

	for k, v := range entry.Payload.Metadata {
		msg.Header.Set(metaHeaderPrefix+k, v)
	}

	ack, err := t.pub.PublishMsg(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrMaxPayload) {
			return models.OutcomePoison, fmt.Errorf("%w: %s: %w", models.ErrUpstreamReject, t.name, err)
		}

		return models.OutcomeRetry, fmt.Errorf("%w: %s: %w", models.ErrTransport, t.name, err)
	}

	if ack.Duplicate {
		t.log.Debug().Str("entry", entry.ID).Msg("Stream already held this payload")
	}

	return models.OutcomeDelivered, nil
}

func (t *NATSTransport) Close() error {
	if t.conn != nil {
		return t.conn.Drain()
	}

	return nil
}
