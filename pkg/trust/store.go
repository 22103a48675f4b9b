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

// Package trust maps client certificates to managed nodes and tracks the
// administrative trust state of each binding.
package trust

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/relayd/pkg/clock"
	"github.com/carverauto/relayd/pkg/hashutil"
	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/models"
)

const defaultFlushInterval = 30 * time.Second

var (
	ErrNodeNotFound      = errors.New("node not found")
	ErrInvalidTransition = errors.New("invalid trust state transition")
	ErrFingerprintInUse  = errors.New("fingerprint already bound to another node")
	ErrInvalidEntry      = errors.New("trust entry requires node_id and a sha256 fingerprint")
)

// snapshot is an immutable view of all entries. A published snapshot and
// the entries it points to are never modified.
type snapshot struct {
	byFingerprint map[string]*models.TrustEntry
	byID          map[string]*models.TrustEntry
}

func newSnapshot(entries []models.TrustEntry) *snapshot {
	s := &snapshot{
		byFingerprint: make(map[string]*models.TrustEntry, len(entries)),
		byID:          make(map[string]*models.TrustEntry, len(entries)),
	}

	for i := range entries {
		e := entries[i]
		s.byID[e.NodeID] = &e
		s.byFingerprint[e.Fingerprint] = &e
	}

	return s
}

// with returns a copy of s in which e replaces any entry with the same node ID.
func (s *snapshot) with(e *models.TrustEntry) *snapshot {
	next := &snapshot{
		byFingerprint: make(map[string]*models.TrustEntry, len(s.byFingerprint)+1),
		byID:          make(map[string]*models.TrustEntry, len(s.byID)+1),
	}

	for id, entry := range s.byID {
		if id != e.NodeID {
			next.byID[id] = entry
			next.byFingerprint[entry.Fingerprint] = entry
		}
	}

	next.byID[e.NodeID] = e
	next.byFingerprint[e.Fingerprint] = e

	return next
}

// Store answers trust queries for inbound connections and the remote-run
// dispatcher. Reads are lock-free against an atomically published
// snapshot; administrative writes serialise on a mutex, persist, then
// publish.
type Store struct {
	repo  Repository
	mode  models.TrustMode
	log   logger.Logger
	clock clock.Clock

	current atomic.Pointer[snapshot]
	writeMu sync.Mutex

	seenMu sync.Mutex
	seen   map[string]time.Time

	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithFlushInterval sets how often last-seen times are persisted.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) {
		s.flushInterval = d
	}
}

// NewStore loads all entries from repo.
func NewStore(ctx context.Context, repo Repository, mode models.TrustMode, log logger.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		repo:          repo,
		mode:          mode,
		log:           log,
		clock:         clock.Real(),
		seen:          make(map[string]time.Time),
		flushInterval: defaultFlushInterval,
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	entries, err := repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust entries: %w", err)
	}

	s.current.Store(newSnapshot(entries))

	s.log.Info().Int("entries", len(entries)).Str("mode", string(mode)).Msg("Trust store loaded")

	return s, nil
}

// Fingerprint returns the lowercase hex SHA-256 of the certificate DER.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)

	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint accepts "AA:BB:..", "sha256:aabb.." or bare hex.
func NormalizeFingerprint(fp string) (string, error) {
	fp = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(fp)), "sha256:")
	fp = strings.ReplaceAll(fp, ":", "")

	if !hashutil.IsContentHash(fp) {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntry, fp)
	}

	return fp, nil
}

// Authenticate resolves the presented certificate to a trusted node.
func (s *Store) Authenticate(ctx context.Context, cert *x509.Certificate) (*models.Node, error) {
	if cert == nil {
		return nil, models.ErrNoCertificate
	}

	fp := Fingerprint(cert)

	entry, ok := s.current.Load().byFingerprint[fp]
	if !ok {
		if s.mode == models.TrustModeTOFU {
			s.recordPending(ctx, cert, fp)
		}

		return nil, fmt.Errorf("%w: %s", models.ErrUnknownCertificate, fp)
	}

	switch entry.State {
	case models.TrustStateTrusted:
	case models.TrustStatePendingApproval:
		return nil, fmt.Errorf("%w: %s", models.ErrPendingApproval, entry.NodeID)
	case models.TrustStateRevoked:
		return nil, fmt.Errorf("%w: %s", models.ErrRevoked, entry.NodeID)
	default:
		return nil, fmt.Errorf("%w: %s in state %q", models.ErrUnknownCertificate, entry.NodeID, entry.State)
	}

	now := s.clock.Now()

	s.seenMu.Lock()
	s.seen[entry.NodeID] = now
	s.seenMu.Unlock()

	node := entry.Node()
	node.LastSeen = now

	return &node, nil
}

// recordPending stores an unknown certificate as pending approval. Errors
// are logged only; the request is rejected either way.
func (s *Store) recordPending(ctx context.Context, cert *x509.Certificate, fp string) {
	nodeID := cert.Subject.CommonName
	if nodeID == "" {
		s.log.Warn().Str("fingerprint", fp).Msg("Unknown certificate without common name, not recorded")

		return
	}

	hostname := nodeID
	if len(cert.DNSNames) > 0 {
		hostname = cert.DNSNames[0]
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.current.Load()
	if _, ok := snap.byFingerprint[fp]; ok {
		return
	}

	if existing, ok := snap.byID[nodeID]; ok {
		s.log.Warn().Str("node_id", nodeID).Str("fingerprint", fp).
			Str("known_fingerprint", existing.Fingerprint).
			Msg("Certificate presents a known node ID with a different fingerprint")

		return
	}

	now := s.clock.Now()
	entry := &models.TrustEntry{
		NodeID:      nodeID,
		Fingerprint: fp,
		Hostname:    hostname,
		Role:        models.NodeRoleLeaf,
		State:       models.TrustStatePendingApproval,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Save(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("node_id", nodeID).Msg("Failed to record pending node")

		return
	}

	s.current.Store(snap.with(entry))

	s.log.Info().Str("node_id", nodeID).Str("fingerprint", fp).Msg("Recorded unknown certificate for approval")
}

// IsTrusted reports whether nodeID is currently trusted.
func (s *Store) IsTrusted(nodeID string) bool {
	e, ok := s.current.Load().byID[nodeID]

	return ok && e.State == models.TrustStateTrusted
}

// ListTrusted returns all trusted nodes ordered by ID.
func (s *Store) ListTrusted() []models.Node {
	snap := s.current.Load()

	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	nodes := make([]models.Node, 0, len(snap.byID))

	for _, e := range snap.byID {
		if e.State != models.TrustStateTrusted {
			continue
		}

		n := e.Node()
		if at, ok := s.seen[e.NodeID]; ok && at.After(n.LastSeen) {
			n.LastSeen = at
		}

		nodes = append(nodes, n)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	return nodes
}

// Entries returns every entry regardless of state, ordered by node ID.
func (s *Store) Entries() []models.TrustEntry {
	snap := s.current.Load()
	out := make([]models.TrustEntry, 0, len(snap.byID))

	for _, e := range snap.byID {
		out = append(out, *e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })

	return out
}

// Get returns the entry for nodeID.
func (s *Store) Get(nodeID string) (models.TrustEntry, bool) {
	e, ok := s.current.Load().byID[nodeID]
	if !ok {
		return models.TrustEntry{}, false
	}

	return *e, true
}

// Provision creates or replaces the binding for entry.NodeID. It is the
// only way out of the revoked state.
func (s *Store) Provision(ctx context.Context, entry models.TrustEntry) (models.TrustEntry, error) {
	fp, err := NormalizeFingerprint(entry.Fingerprint)
	if err != nil || entry.NodeID == "" {
		return models.TrustEntry{}, ErrInvalidEntry
	}

	entry.Fingerprint = fp

	if entry.State == "" {
		entry.State = models.TrustStateTrusted
	}

	if entry.Role == "" {
		entry.Role = models.NodeRoleLeaf
	}

	if entry.Hostname == "" {
		entry.Hostname = entry.NodeID
	}

	return s.update(ctx, entry.NodeID, func(snap *snapshot, prev *models.TrustEntry) (*models.TrustEntry, error) {
		if owner, ok := snap.byFingerprint[fp]; ok && owner.NodeID != entry.NodeID {
			return nil, fmt.Errorf("%w: %s", ErrFingerprintInUse, owner.NodeID)
		}

		next := entry
		next.CreatedAt = s.clock.Now()

		if prev != nil {
			next.CreatedAt = prev.CreatedAt
			next.LastSeen = prev.LastSeen
		}

		return &next, nil
	})
}

// Approve promotes a pending node to trusted.
func (s *Store) Approve(ctx context.Context, nodeID string) (models.TrustEntry, error) {
	return s.transition(ctx, nodeID, models.TrustStateTrusted, models.TrustStatePendingApproval)
}

// Revoke withdraws trust from a trusted or pending node.
func (s *Store) Revoke(ctx context.Context, nodeID string) (models.TrustEntry, error) {
	return s.transition(ctx, nodeID, models.TrustStateRevoked,
		models.TrustStateTrusted, models.TrustStatePendingApproval)
}

func (s *Store) transition(ctx context.Context, nodeID string, to models.TrustState, from ...models.TrustState) (models.TrustEntry, error) {
	return s.update(ctx, nodeID, func(_ *snapshot, prev *models.TrustEntry) (*models.TrustEntry, error) {
		if prev == nil {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
		}

		allowed := false

		for _, st := range from {
			if prev.State == st {
				allowed = true
			}
		}

		if !allowed {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.State, to)
		}

		next := *prev
		next.State = to

		return &next, nil
	})
}

// update applies fn under the write lock, persists the result and only
// then publishes a new snapshot.
func (s *Store) update(ctx context.Context, nodeID string,
	fn func(*snapshot, *models.TrustEntry) (*models.TrustEntry, error)) (models.TrustEntry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.current.Load()

	next, err := fn(snap, snap.byID[nodeID])
	if err != nil {
		return models.TrustEntry{}, err
	}

	next.UpdatedAt = s.clock.Now()

	s.seenMu.Lock()
	if at, ok := s.seen[next.NodeID]; ok && at.After(next.LastSeen) {
		next.LastSeen = at
	}
	s.seenMu.Unlock()

	if err := s.repo.Save(ctx, next); err != nil {
		return models.TrustEntry{}, fmt.Errorf("failed to persist trust entry: %w", err)
	}

	s.current.Store(snap.with(next))

	s.log.Info().Str("node_id", next.NodeID).Str("state", string(next.State)).Msg("Trust entry updated")

	return *next, nil
}

// Seed provisions the configured entries whose node ID is not yet known.
func (s *Store) Seed(ctx context.Context, seeds []models.TrustSeed) error {
	for _, seed := range seeds {
		if _, ok := s.Get(seed.NodeID); ok {
			continue
		}

		if _, err := s.Provision(ctx, models.TrustEntry{
			NodeID:      seed.NodeID,
			Hostname:    seed.Hostname,
			Role:        seed.Role,
			Fingerprint: seed.Fingerprint,
		}); err != nil {
			return fmt.Errorf("seed %s: %w", seed.NodeID, err)
		}
	}

	return nil
}

// FlushLastSeen persists buffered last-seen times and folds them into
// the published snapshot.
func (s *Store) FlushLastSeen(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.seenMu.Lock()
	if len(s.seen) == 0 {
		s.seenMu.Unlock()

		return nil
	}

	batch := s.seen
	s.seen = make(map[string]time.Time, len(batch))
	s.seenMu.Unlock()

	if err := s.repo.TouchLastSeen(ctx, batch); err != nil {
		// Put the batch back unless newer contacts superseded it.
		s.seenMu.Lock()
		for id, at := range batch {
			if cur, ok := s.seen[id]; !ok || at.After(cur) {
				s.seen[id] = at
			}
		}
		s.seenMu.Unlock()

		return err
	}

	snap := s.current.Load()

	for id, at := range batch {
		if e, ok := snap.byID[id]; ok && at.After(e.LastSeen) {
			next := *e
			next.LastSeen = at
			snap = snap.with(&next)
		}
	}

	s.current.Store(snap)

	return nil
}

// Start periodically flushes last-seen times until Stop or ctx is done.
func (s *Store) Start(ctx context.Context) error {
	ticker := s.clock.Ticker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.Chan():
			if err := s.FlushLastSeen(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Failed to flush last-seen times")
			}
		}
	}
}

// Stop flushes pending last-seen times and closes the repository.
func (s *Store) Stop(ctx context.Context) error {
	var err error

	s.stopOnce.Do(func() {
		close(s.done)

		err = errors.Join(s.FlushLastSeen(ctx), s.repo.Close())
	})

	return err
}
