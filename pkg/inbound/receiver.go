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

// Package inbound accepts payloads from downstream nodes and durably
// spools them for every upstream routed for their kind.
package inbound

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/semaphore"

	"github.com/carverauto/relayd/pkg/clock"
	"github.com/carverauto/relayd/pkg/hashutil"
	srHttp "github.com/carverauto/relayd/pkg/http"
	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/metrics"
	"github.com/carverauto/relayd/pkg/models"
	"github.com/carverauto/relayd/pkg/spool"
)

const (
	ActionReceiveReport     = "receiveReport"
	ActionReceiveInventory  = "receiveInventory"
	ActionReceiveSharedFile = "receiveSharedFile"
	ActionHeadSharedFile    = "headSharedFile"
)

var (
	errMissingDigest  = fmt.Errorf("%w: %s header is required", models.ErrInvalidDigest, models.HeaderContentDigest)
	errNoRoute        = errors.New("no upstream accepts this payload kind")
	errInvalidPath    = errors.New("invalid shared file path")
	errSourceMismatch = fmt.Errorf("%w: source node does not match client certificate", models.ErrAuthentication)
)

// Authenticator maps a client certificate to a trusted node.
type Authenticator interface {
	Authenticate(ctx context.Context, cert *x509.Certificate) (*models.Node, error)
}

// Spool is the admission side of the spool store.
type Spool interface {
	Stage(ctx context.Context, r io.Reader, declared *hashutil.Digest, declaredSize, maxBytes int64) (*spool.Staged, error)
	CheckCapacity(hash string, size int64, dests []string) error
	Admit(ctx context.Context, st *spool.Staged, payload models.Payload, dests []string) ([]*models.SpoolEntry, error)
	HasBlob(hash string) bool
	Holds(payload models.Payload, dests []string) bool
}

// Receiver serves the inbound payload routes.
type Receiver struct {
	auth      Authenticator
	spool     Spool
	upstreams []models.UpstreamConfig
	cfg       models.InboundConfig
	sem       *semaphore.Weighted
	clock     clock.Clock
	metrics   *metrics.Relay
	log       logger.Logger
}

type Option func(*Receiver)

func WithClock(c clock.Clock) Option {
	return func(r *Receiver) {
		r.clock = c
	}
}

func WithMetrics(m *metrics.Relay) Option {
	return func(r *Receiver) {
		r.metrics = m
	}
}

// NewReceiver creates a receiver admitting at most cfg.MaxConcurrent
// payloads at a time.
func NewReceiver(auth Authenticator, sp Spool, upstreams []models.UpstreamConfig, cfg models.InboundConfig,
	log logger.Logger, opts ...Option) *Receiver {
	limit := int64(cfg.MaxConcurrent)
	if limit <= 0 {
		limit = 1
	}

	r := &Receiver{
		auth:      auth,
		spool:     sp,
		upstreams: upstreams,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(limit),
		clock:     clock.Real(),
		log:       log,
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

// RegisterRoutes mounts the inbound routes under the API prefix.
func (r *Receiver) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix(models.APIPrefix).Subrouter()

	api.HandleFunc("/reports", r.handleReport).Methods(http.MethodPost)
	api.HandleFunc("/inventories", r.handleInventory).Methods(http.MethodPost)
	api.HandleFunc("/shared-files/{target}/{source}/{file}", r.handleSharedFile).Methods(http.MethodPut)
	api.HandleFunc("/shared-files/{target}/{source}/{file}", r.handleHeadSharedFile).Methods(http.MethodHead)
}

// Routes returns the destinations payloads of kind are spooled for.
func (r *Receiver) Routes(kind models.PayloadKind) []string {
	var dests []string

	for i := range r.upstreams {
		if r.upstreams[i].Accepts(kind) {
			dests = append(dests, r.upstreams[i].Name)
		}
	}

	return dests
}

func (r *Receiver) handleReport(w http.ResponseWriter, req *http.Request) {
	r.receive(w, req, models.KindReport, ActionReceiveReport, nil)
}

func (r *Receiver) handleInventory(w http.ResponseWriter, req *http.Request) {
	r.receive(w, req, models.KindInventory, ActionReceiveInventory, nil)
}

func (r *Receiver) handleSharedFile(w http.ResponseWriter, req *http.Request) {
	md, err := sharedFileMetadata(req)
	if err != nil {
		srHttp.WriteError(w, http.StatusBadRequest, ActionReceiveSharedFile, err.Error())

		return
	}

	r.receive(w, req, models.KindSharedFile, ActionReceiveSharedFile, md)
}

// handleHeadSharedFile answers whether this exact shared file, the content
// named by ?hash= for the target, source and file of the path, is already
// spooled for every upstream, so the sender can skip the upload.
func (r *Receiver) handleHeadSharedFile(w http.ResponseWriter, req *http.Request) {
	node, err := r.authenticate(req)
	if err != nil {
		w.WriteHeader(srHttp.StatusForError(err))

		return
	}

	md, err := sharedFileMetadata(req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	hash, err := hashutil.CanonicalContentHash(req.URL.Query().Get("hash"))
	if err != nil || hash == "" {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	payload := models.Payload{
		Source:   node.ID,
		Kind:     models.KindSharedFile,
		Hash:     hash,
		Metadata: md,
	}
	r.applyRelayHeaders(req, node, &payload)

	if r.spool.Holds(payload, r.Routes(models.KindSharedFile)) {
		w.WriteHeader(http.StatusOK)

		return
	}

	w.WriteHeader(http.StatusNotFound)
}

func sharedFileMetadata(req *http.Request) (map[string]string, error) {
	vars := mux.Vars(req)

	for _, k := range []string{"target", "source", "file"} {
		v := vars[k]
		if v == "" || v == "." || v == ".." || strings.ContainsAny(v, "/\\") {
			return nil, fmt.Errorf("%w: %s %q", errInvalidPath, k, v)
		}
	}

	md := map[string]string{
		models.MetaTargetNode: vars["target"],
		models.MetaSourceNode: vars["source"],
		models.MetaFileID:     vars["file"],
	}

	if name := req.Header.Get(models.HeaderFilename); name != "" {
		md[models.MetaFilename] = name
	}

	return md, nil
}

func (r *Receiver) authenticate(req *http.Request) (*models.Node, error) {
	if req.TLS == nil || len(req.TLS.PeerCertificates) == 0 {
		return nil, models.ErrNoCertificate
	}

	return r.auth.Authenticate(req.Context(), req.TLS.PeerCertificates[0])
}

// acquire waits at most the queue timeout for an admission slot.
func (r *Receiver) acquire(ctx context.Context) error {
	if r.sem.TryAcquire(1) {
		return nil
	}

	wait := time.Duration(r.cfg.QueueTimeout)
	if wait <= 0 {
		return models.ErrBackpressure
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return models.ErrBackpressure
	}

	return nil
}

func (r *Receiver) reject(w http.ResponseWriter, action, reason string, err error) {
	r.metrics.Rejected(reason)
	srHttp.WriteFailure(w, action, err)
}

// receive runs the admission pipeline. Nothing touches the spool until the
// sender is authenticated, and success is only reported once every
// destination entry is durable.
func (r *Receiver) receive(w http.ResponseWriter, req *http.Request, kind models.PayloadKind, action string, md map[string]string) {
	ctx := req.Context()

	node, err := r.authenticate(req)
	if err != nil {
		r.log.Warn().Err(err).Str("remote", req.RemoteAddr).Str("action", action).Msg("Rejected unauthenticated payload")
		r.reject(w, action, "auth", err)

		return
	}

	if kind == models.KindSharedFile && node.Role != models.NodeRoleRelay && md[models.MetaSourceNode] != node.ID {
		r.reject(w, action, "auth", errSourceMismatch)

		return
	}

	if err := r.acquire(ctx); err != nil {
		r.reject(w, action, "backpressure", err)

		return
	}

	defer r.sem.Release(1)

	r.metrics.AdmissionStarted()
	defer r.metrics.AdmissionFinished()

	dests := r.Routes(kind)
	if len(dests) == 0 {
		r.metrics.Rejected("route")
		srHttp.WriteError(w, http.StatusUnprocessableEntity, action, errNoRoute.Error())

		return
	}

	header := req.Header.Get(models.HeaderContentDigest)
	if header == "" {
		r.reject(w, action, "integrity", errMissingDigest)

		return
	}

	digest, err := hashutil.ParseDigest(header)
	if err != nil {
		r.reject(w, action, "integrity", err)

		return
	}

	size := req.ContentLength
	if limit := r.cfg.MaxPayloadBytes; limit > 0 && size > limit {
		r.reject(w, action, "size", fmt.Errorf("%w: %d > %d", models.ErrPayloadTooBig, size, limit))

		return
	}

	if size >= 0 {
		hash := ""
		if digest.Algorithm == hashutil.SHA256 {
			hash = hex.EncodeToString(digest.Sum)
		}

		if hash == "" || !r.spool.HasBlob(hash) {
			if err := r.spool.CheckCapacity(hash, size, dests); err != nil {
				r.reject(w, action, "capacity", err)

				return
			}
		}
	}

	staged, err := r.spool.Stage(ctx, req.Body, &digest, size, r.cfg.MaxPayloadBytes)
	if err != nil {
		r.log.Warn().Err(err).Str("node", node.ID).Str("action", action).Msg("Payload failed verification")
		r.reject(w, action, "integrity", err)

		return
	}

	payload := models.Payload{
		Source:   node.ID,
		Kind:     kind,
		Metadata: md,
	}
	r.applyRelayHeaders(req, node, &payload)

	entries, err := r.spool.Admit(ctx, staged, payload, dests)
	if err != nil {
		reason := "spool"
		if errors.Is(err, models.ErrCapacity) {
			reason = "capacity"
		}

		r.log.Error().Err(err).Str("node", node.ID).Str("hash", staged.Hash).Msg("Failed to spool payload")
		r.reject(w, action, reason, err)

		return
	}

	r.metrics.Admitted(string(kind), staged.Size)

	receipt := models.Receipt{Hash: staged.Hash, Size: staged.Size}
	for _, e := range entries {
		receipt.Entries = append(receipt.Entries, e.ID)
		receipt.Destinations = append(receipt.Destinations, e.Destination)
	}

	r.log.Debug().
		Str("node", node.ID).
		Str("kind", string(kind)).
		Str("hash", staged.Hash).
		Int64("size", staged.Size).
		Msg("Payload spooled")

	srHttp.WriteSuccess(w, http.StatusOK, action, receipt)
}

// applyRelayHeaders keeps the original source and arrival time of
// payloads forwarded by another relay.
func (r *Receiver) applyRelayHeaders(req *http.Request, node *models.Node, p *models.Payload) {
	if node.Role != models.NodeRoleRelay {
		p.ArrivedAt = r.clock.Now()

		return
	}

	if src := req.Header.Get(models.HeaderRelaySource); src != "" {
		p.Source = src
	}

	if at, err := time.Parse(time.RFC3339Nano, req.Header.Get(models.HeaderRelayArrived)); err == nil {
		p.ArrivedAt = at
	} else {
		p.ArrivedAt = r.clock.Now()
	}
}
