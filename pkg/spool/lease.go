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

package spool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/carverauto/relayd/pkg/models"
)

// LeaseNext moves the earliest due pending entry of dest to in-flight and
// returns a copy. At most one entry per destination is in flight; while
// one is, LeaseNext fails with ErrDestinationBusy. An empty queue yields
// ErrQueueEmpty and a queue whose entries are all backing off yields an
// error matching ErrNotEligible that NextWake can read.
func (s *Store) LeaseNext(dest string) (*models.SpoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[dest]
	if !ok {
		return nil, ErrQueueEmpty
	}

	if q.leased != nil {
		return nil, ErrDestinationBusy
	}

	top := q.pending.peek()
	if top == nil {
		return nil, ErrQueueEmpty
	}

	if now := s.clock.Now(); top.entry.NextAttempt.After(now) {
		return nil, &NotEligibleError{Until: top.entry.NextAttempt}
	}

	it := heapPop(&q.pending)
	delete(q.items, it.entry.ID)

	it.entry.State = models.EntryInFlight
	q.leased = it.entry

	return it.entry.Clone(), nil
}

func (s *Store) leasedLocked(id string) (*models.SpoolEntry, *queue, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}

	q := s.queues[e.Destination]
	if q.leased == nil || q.leased.ID != id {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotLeased, id)
	}

	return e, q, nil
}

// AckDelivered removes a delivered in-flight entry and releases its blob
// reference. The content stays known to Admit for the dedup window.
func (s *Store) AckDelivered(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, q, err := s.leasedLocked(id)
	if err != nil {
		return err
	}

	if err := os.Remove(s.entryPath(e)); err != nil && !os.IsNotExist(err) {
		// The record would be redelivered after a restart, which
		// at-least-once delivery tolerates.
		s.log.Warn().Err(err).Str("entry", id).Msg("Failed to remove delivered spool entry")
	}

	s.removeLocked(q, e)

	now := s.clock.Now()
	done := e.Clone()
	done.State = models.EntryDelivered

	s.delivered[identityKey(e.Destination, &e.Payload)] = deliveredMark{entry: done, at: now}

	q.delivered++
	q.lastDelivered = now

	return nil
}

// AckFailed records a failed delivery attempt. The entry returns to
// pending with its next attempt pushed out by the backoff schedule. Once
// the attempt count reaches the configured maximum the entry is evicted
// instead and the returned error wraps models.ErrPoisonEntry.
func (s *Store) AckFailed(id string, cause error) (*models.SpoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, q, err := s.leasedLocked(id)
	if err != nil {
		return nil, err
	}

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	e.Attempts++
	e.LastError = reason
	q.lastError = reason

	if s.cfg.MaxAttempts > 0 && e.Attempts >= s.cfg.MaxAttempts {
		evicted := s.evictLocked(q, e, fmt.Sprintf("retries exhausted after %d attempts: %s", e.Attempts, reason))

		return evicted, fmt.Errorf("%w: %s after %d attempts", models.ErrPoisonEntry, id, evicted.Attempts)
	}

	e.State = models.EntryPending
	e.NextAttempt = s.clock.Now().Add(s.backoff.Jittered(e.Attempts, s.rnd))

	if err := s.writeEntry(e); err != nil {
		// The in-memory schedule still applies; only the attempt count
		// is lost if the process restarts before the next rewrite.
		s.log.Warn().Err(err).Str("entry", id).Msg("Failed to persist retry state")
	}

	q.leased = nil
	q.retried++

	it := &item{entry: e}
	q.items[e.ID] = it
	heapPush(&q.pending, it)
	q.signal()

	return e.Clone(), nil
}

// Release returns an in-flight entry to pending without counting an
// attempt. Forwarders call it when shutdown interrupts a delivery.
func (s *Store) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, q, err := s.leasedLocked(id)
	if err != nil {
		return err
	}

	e.State = models.EntryPending
	q.leased = nil

	it := &item{entry: e}
	q.items[e.ID] = it
	heapPush(&q.pending, it)
	q.signal()

	return nil
}

// EvictPoison moves an entry to the dead-letter area and releases its
// blob reference. It applies to pending and in-flight entries alike.
func (s *Store) EvictPoison(id, reason string) (*models.SpoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}

	return s.evictLocked(s.queues[e.Destination], e, reason), nil
}

func (s *Store) evictLocked(q *queue, e *models.SpoolEntry, reason string) *models.SpoolEntry {
	rec := s.writeDead(e, reason)

	if err := os.Remove(s.entryPath(e)); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("entry", e.ID).Msg("Failed to remove evicted spool entry")
	}

	s.removeLocked(q, e)

	q.evicted++
	q.dead++
	q.lastError = reason

	s.log.Error().
		Str("entry", e.ID).
		Str("destination", e.Destination).
		Str("source", e.Payload.Source).
		Str("kind", string(e.Payload.Kind)).
		Str("hash", e.Payload.Hash).
		Int("attempts", e.Attempts).
		Str("reason", reason).
		Msg("Spool entry evicted, payload dropped")

	return rec
}

// writeDead records a terminal failed copy of e under dead/.
func (s *Store) writeDead(e *models.SpoolEntry, reason string) *models.SpoolEntry {
	rec := e.Clone()
	now := s.clock.Now()
	rec.State = models.EntryFailed
	rec.LastError = reason
	rec.EvictedAt = &now

	b, err := encodeEntry(rec)
	if err == nil {
		err = writeFileAtomic(filepath.Join(s.dir, tmpDir), s.deadPath(rec), b)
	}

	if err != nil {
		s.log.Warn().Err(err).Str("entry", e.ID).Msg("Failed to write dead-letter record")
	}

	return rec
}

// purgeBlob deletes a blob whose content no longer matches its key and
// dead-letters every entry that referenced it.
func (s *Store) purgeBlob(hash, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []*models.SpoolEntry

	for _, e := range s.entries {
		if e.Payload.Hash == hash {
			victims = append(victims, e)
		}
	}

	for _, e := range victims {
		s.evictLocked(s.queues[e.Destination], e, "integrity failure: "+reason)
	}

	if ref, ok := s.blobs[hash]; ok {
		delete(s.blobs, hash)
		s.blobBytes -= ref.size
	}

	if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("hash", hash).Msg("Failed to remove corrupted blob")
	}

	s.log.Error().Str("hash", hash).Int("entries", len(victims)).Str("reason", reason).
		Msg("Corrupted blob purged; sources must resend")
}
