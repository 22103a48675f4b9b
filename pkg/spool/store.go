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

// Package spool is the relay's durable, content-addressed delivery queue.
//
// Payload bytes are stored once per content hash under blobs/, and every
// destination has its own directory of small CBOR entry records that
// reference a blob. All files are written to tmp/ and renamed into
// place, so a crash never leaves a partially written record visible.
//
//	<dir>/blobs/<hh>/<hash>.zst
//	<dir>/queues/<dest>/<seq>-<id>.cbor
//	<dir>/dead/<dest>/<id>.cbor
//	<dir>/tmp/
package spool

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/relayd/pkg/clock"
	"github.com/carverauto/relayd/pkg/hashutil"
	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/models"
)

const (
	blobsDir  = "blobs"
	queuesDir = "queues"
	deadDir   = "dead"
	tmpDir    = "tmp"
	entryExt  = ".cbor"
)

var destinationRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// queue is the per-destination index over the entry arena.
type queue struct {
	name    string
	pending entryHeap
	items   map[string]*item
	leased  *models.SpoolEntry
	bytes   int64
	notify  chan struct{}

	delivered     uint64
	retried       uint64
	evicted       uint64
	dead          int
	lastError     string
	lastDelivered time.Time
}

func newQueue(name string) *queue {
	return &queue{
		name:   name,
		items:  make(map[string]*item),
		notify: make(chan struct{}, 1),
	}
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type deliveredMark struct {
	entry *models.SpoolEntry
	at    time.Time
}

// Store is the spool. All mutation goes through its methods; the entry
// arena, per-destination heaps and the blob table are guarded by mu.
type Store struct {
	dir     string
	cfg     models.SpoolConfig
	backoff Backoff
	log     logger.Logger
	clock   clock.Clock

	mu         sync.Mutex
	rnd        *rand.Rand
	entries    map[string]*models.SpoolEntry
	queues     map[string]*queue
	blobs      map[string]*blobRef
	byIdentity map[string]string
	delivered  map[string]deliveredMark
	seq        uint64
	blobBytes  int64

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithRandSeed seeds the jitter source.
func WithRandSeed(seed uint64) Option {
	return func(s *Store) {
		s.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// Open opens or creates the spool in cfg.Dir and rebuilds its in-memory
// state from disk. Entries that were in flight when the process stopped
// come back as pending.
func Open(ctx context.Context, cfg models.SpoolConfig, log logger.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		dir:        cfg.Dir,
		cfg:        cfg,
		backoff:    BackoffFromConfig(cfg.Backoff),
		log:        log,
		clock:      clock.Real(),
		entries:    make(map[string]*models.SpoolEntry),
		queues:     make(map[string]*queue),
		blobs:      make(map[string]*blobRef),
		byIdentity: make(map[string]string),
		delivered:  make(map[string]deliveredMark),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.rnd == nil {
		seed := uint64(time.Now().UnixNano())
		s.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}

	for _, d := range []string{blobsDir, queuesDir, deadDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(s.dir, d), 0o750); err != nil {
			return nil, fmt.Errorf("creating spool directory %s: %w", d, err)
		}
	}

	if err := s.clearTmp(); err != nil {
		return nil, err
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	if _, err := s.CollectGarbage(); err != nil {
		s.log.Warn().Err(err).Msg("Initial spool garbage collection failed")
	}

	stats := s.Stats()
	s.log.Info().
		Str("dir", s.dir).
		Int("entries", stats.Entries).
		Int("blobs", stats.Blobs).
		Int64("bytes", stats.Bytes).
		Msg("Spool opened")

	return s, nil
}

func (s *Store) clearTmp() error {
	dir := filepath.Join(s.dir, tmpDir)

	names, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading tmp directory: %w", err)
	}

	for _, n := range names {
		_ = os.RemoveAll(filepath.Join(dir, n.Name()))
	}

	return nil
}

func (s *Store) load(ctx context.Context) error {
	qdirs, err := os.ReadDir(filepath.Join(s.dir, queuesDir))
	if err != nil {
		return fmt.Errorf("reading queues directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, qd := range qdirs {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !qd.IsDir() || !destinationRE.MatchString(qd.Name()) {
			continue
		}

		if err := s.loadQueue(qd.Name()); err != nil {
			return err
		}
	}

	s.countDead()

	return nil
}

func (s *Store) loadQueue(dest string) error {
	dir := filepath.Join(s.dir, queuesDir, dest)

	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading queue %s: %w", dest, err)
	}

	q := s.queueLocked(dest)

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), entryExt) {
			continue
		}

		path := filepath.Join(dir, f.Name())

		e, err := readEntry(path)
		if err != nil || e.ID == "" || e.Destination != dest || !hashutil.IsContentHash(e.Payload.Hash) {
			s.quarantine(dest, path, err)

			continue
		}

		e.State = models.EntryPending

		if e.Seq > s.seq {
			s.seq = e.Seq
		}

		if _, err := os.Stat(s.blobPath(e.Payload.Hash)); err != nil {
			s.log.Error().Str("entry", e.ID).Str("hash", e.Payload.Hash).
				Msg("Spool entry references a missing blob, dead-lettering")

			s.writeDead(e, "blob missing at startup")
			_ = os.Remove(path)

			continue
		}

		s.insertLocked(q, e)
	}

	return nil
}

func readEntry(path string) (*models.SpoolEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return decodeEntry(b)
}

// quarantine moves an unreadable record out of the queue.
func (s *Store) quarantine(dest, path string, cause error) {
	target := filepath.Join(s.dir, deadDir, dest, filepath.Base(path)+".corrupt")

	s.log.Error().Err(cause).Str("path", path).Msg("Unreadable spool record moved aside")

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err == nil {
		if err := os.Rename(path, target); err == nil {
			return
		}
	}

	_ = os.Remove(path)
}

func (s *Store) countDead() {
	dirs, err := os.ReadDir(filepath.Join(s.dir, deadDir))
	if err != nil {
		return
	}

	for _, d := range dirs {
		if !d.IsDir() || !destinationRE.MatchString(d.Name()) {
			continue
		}

		files, err := os.ReadDir(filepath.Join(s.dir, deadDir, d.Name()))
		if err != nil {
			continue
		}

		s.queueLocked(d.Name()).dead = len(files)
	}
}

func (s *Store) queueLocked(dest string) *queue {
	q, ok := s.queues[dest]
	if !ok {
		q = newQueue(dest)
		s.queues[dest] = q
	}

	return q
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

// identityKey indexes entries by destination and payload identity. Blobs
// are keyed by content hash alone, so payloads sharing bytes share a blob.
func identityKey(dest string, p *models.Payload) string {
	return dest + "\x00" + p.Identity()
}

func (s *Store) entryPath(e *models.SpoolEntry) string {
	return filepath.Join(s.dir, queuesDir, e.Destination, fmt.Sprintf("%020d-%s%s", e.Seq, e.ID, entryExt))
}

func (s *Store) deadPath(e *models.SpoolEntry) string {
	return filepath.Join(s.dir, deadDir, e.Destination, e.ID+entryExt)
}

func (s *Store) writeEntry(e *models.SpoolEntry) error {
	b, err := encodeEntry(e)
	if err != nil {
		return fmt.Errorf("encoding spool entry: %w", err)
	}

	return writeFileAtomic(filepath.Join(s.dir, tmpDir), s.entryPath(e), b)
}

// insertLocked adds a pending entry to the arena and its destination
// index and takes a blob reference.
func (s *Store) insertLocked(q *queue, e *models.SpoolEntry) {
	s.entries[e.ID] = e
	s.byIdentity[identityKey(e.Destination, &e.Payload)] = e.ID

	it := &item{entry: e}
	q.items[e.ID] = it
	heapPush(&q.pending, it)
	q.bytes += e.Payload.Size

	ref, ok := s.blobs[e.Payload.Hash]
	if !ok {
		ref = &blobRef{size: e.Payload.Size}
		s.blobs[e.Payload.Hash] = ref
		s.blobBytes += ref.size
	}

	ref.refs++
}

// removeLocked drops an entry from every index and releases its blob
// reference. The entry's queue file is left to the caller.
func (s *Store) removeLocked(q *queue, e *models.SpoolEntry) {
	delete(s.entries, e.ID)

	key := identityKey(e.Destination, &e.Payload)
	if s.byIdentity[key] == e.ID {
		delete(s.byIdentity, key)
	}

	if it, ok := q.items[e.ID]; ok {
		heapRemove(&q.pending, it.index)
		delete(q.items, e.ID)
	}

	if q.leased != nil && q.leased.ID == e.ID {
		q.leased = nil
	}

	q.bytes -= e.Payload.Size

	s.unrefBlobLocked(e.Payload.Hash)
}

func (s *Store) unrefBlobLocked(hash string) {
	ref, ok := s.blobs[hash]
	if !ok {
		return
	}

	ref.refs--
	if ref.refs > 0 {
		return
	}

	delete(s.blobs, hash)
	s.blobBytes -= ref.size

	if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("hash", hash).Msg("Failed to remove unreferenced blob, left for GC")
	}
}

// CheckCapacity reports ErrSpoolFull when size more bytes would not fit
// in every destination and in the global quota. The authoritative check
// happens again on Admit.
func (s *Store) CheckCapacity(hash string, size int64, dests []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.checkCapacityLocked(hash, size, dests)
}

func (s *Store) checkCapacityLocked(hash string, size int64, dests []string) error {
	if _, ok := s.blobs[hash]; !ok || hash == "" {
		if s.blobBytes+size > s.cfg.MaxBytes {
			return fmt.Errorf("%w: global quota %d bytes, %d used", models.ErrSpoolFull, s.cfg.MaxBytes, s.blobBytes)
		}
	}

	for _, d := range dests {
		q := s.queues[d]
		if q == nil {
			if size > s.cfg.MaxDestinationBytes {
				return fmt.Errorf("%w: destination %s quota %d bytes", models.ErrSpoolFull, d, s.cfg.MaxDestinationBytes)
			}

			continue
		}

		if q.bytes+size > s.cfg.MaxDestinationBytes {
			return fmt.Errorf("%w: destination %s quota %d bytes, %d used", models.ErrSpoolFull, d, s.cfg.MaxDestinationBytes, q.bytes)
		}
	}

	return nil
}

// existingLocked returns the live or recently delivered entry holding the
// same payload for dest.
func (s *Store) existingLocked(dest string, p *models.Payload) *models.SpoolEntry {
	key := identityKey(dest, p)

	if id, ok := s.byIdentity[key]; ok {
		if e, ok := s.entries[id]; ok {
			return e
		}
	}

	if mark, ok := s.delivered[key]; ok && s.clock.Now().Sub(mark.at) < time.Duration(s.cfg.DedupWindow) {
		return mark.entry
	}

	return nil
}

// Admit durably queues staged content for every destination. Admission
// is idempotent per (payload identity, destination): a destination that
// already holds the same payload pending, in flight or recently delivered
// gets the existing entry back. The staged file is consumed either way.
func (s *Store) Admit(ctx context.Context, st *Staged, payload models.Payload, dests []string) ([]*models.SpoolEntry, error) {
	if st.done {
		return nil, errStagedCommitted
	}

	defer st.Discard()

	if len(dests) == 0 {
		return nil, ErrNoDestinations
	}

	for _, d := range dests {
		if !destinationRE.MatchString(d) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, d)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload.Hash = st.Hash
	payload.Size = st.Size

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if payload.ArrivedAt.IsZero() {
		payload.ArrivedAt = now
	}

	result := make([]*models.SpoolEntry, len(dests))

	var fresh []*models.SpoolEntry

	var freshDests []string

	for i, d := range dests {
		if existing := s.existingLocked(d, &payload); existing != nil {
			result[i] = existing.Clone()

			continue
		}

		freshDests = append(freshDests, d)
	}

	if len(freshDests) == 0 {
		return result, nil
	}

	if err := s.checkCapacityLocked(st.Hash, st.Size, freshDests); err != nil {
		return nil, err
	}

	newBlob := false
	if _, ok := s.blobs[st.Hash]; !ok {
		if err := commitFile(st.path, s.blobPath(st.Hash)); err != nil {
			return nil, fmt.Errorf("storing blob: %w", err)
		}

		st.done = true
		newBlob = true
	}

	for _, d := range freshDests {
		s.seq++

		e := &models.SpoolEntry{
			ID:          uuid.NewString(),
			Seq:         s.seq,
			Destination: d,
			Payload:     payload,
			State:       models.EntryPending,
			NextAttempt: now,
			CreatedAt:   now,
		}
		e.Payload.Metadata = copyMetadata(payload.Metadata)

		if err := s.writeEntry(e); err != nil {
			for _, written := range fresh {
				_ = os.Remove(s.entryPath(written))
			}

			if newBlob {
				_ = os.Remove(s.blobPath(st.Hash))
			}

			return nil, fmt.Errorf("writing spool entry: %w", err)
		}

		fresh = append(fresh, e)
	}

	for _, e := range fresh {
		q := s.queueLocked(e.Destination)
		s.insertLocked(q, e)
		q.signal()
	}

	j := 0

	for i := range result {
		if result[i] == nil {
			result[i] = fresh[j].Clone()
			j++
		}
	}

	s.log.Debug().Str("hash", st.Hash).Int64("size", st.Size).Strs("destinations", freshDests).
		Msg("Payload spooled")

	return result, nil
}

// Enqueue stages body and admits it for one destination. When
// payload.Hash is set it must match the body.
func (s *Store) Enqueue(ctx context.Context, dest string, payload models.Payload, body []byte) (*models.SpoolEntry, error) {
	var declared *hashutil.Digest

	if payload.Hash != "" {
		d, err := hashutil.ParseDigest(payload.Hash)
		if err != nil {
			return nil, err
		}

		declared = &d
	}

	st, err := s.Stage(ctx, bytes.NewReader(body), declared, int64(len(body)), 0)
	if err != nil {
		return nil, err
	}

	entries, err := s.Admit(ctx, st, payload, []string{dest})
	if err != nil {
		return nil, err
	}

	return entries[0], nil
}

// Destinations returns the known destination names.
func (s *Store) Destinations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.queues))
	for name := range s.queues {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

// Notify returns the wake channel of dest. It receives a value whenever
// an entry becomes pending for dest; a single buffered slot coalesces
// bursts.
func (s *Store) Notify(dest string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queueLocked(dest).notify
}

// Start runs periodic garbage collection until Stop or ctx is done.
func (s *Store) Start(ctx context.Context) error {
	interval := time.Duration(s.cfg.GCInterval)
	if interval <= 0 {
		select {
		case <-ctx.Done():
		case <-s.done:
		}

		return nil
	}

	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.Chan():
			removed, err := s.CollectGarbage()
			if err != nil {
				s.log.Warn().Err(err).Msg("Spool garbage collection failed")

				continue
			}

			if removed > 0 {
				s.log.Info().Int("removed", removed).Msg("Spool garbage collected")
			}
		}
	}
}

// Stop ends the GC loop. In-memory leases are dropped with the process;
// their entries are pending again on the next Open.
func (s *Store) Stop(context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	return nil
}
