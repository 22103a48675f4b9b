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
	"sort"
	"time"
)

// DestinationStats describes one destination queue.
type DestinationStats struct {
	Name          string
	Depth         int
	Bytes         int64
	InFlight      bool
	OldestPending time.Time
	Delivered     uint64
	Retried       uint64
	Evicted       uint64
	Dead          int
	LastError     string
	LastDelivered time.Time
}

// Stats is a point-in-time summary of the spool.
type Stats struct {
	Entries      int
	Bytes        int64
	Blobs        int
	MaxBytes     int64
	Dead         int
	Destinations []DestinationStats
}

// Stats returns queue depths, byte usage and counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Entries:      len(s.entries),
		Bytes:        s.blobBytes,
		Blobs:        len(s.blobs),
		MaxBytes:     s.cfg.MaxBytes,
		Destinations: make([]DestinationStats, 0, len(s.queues)),
	}

	for _, q := range s.queues {
		d := DestinationStats{
			Name:          q.name,
			Depth:         len(q.pending),
			Bytes:         q.bytes,
			InFlight:      q.leased != nil,
			OldestPending: q.oldestLocked(),
			Delivered:     q.delivered,
			Retried:       q.retried,
			Evicted:       q.evicted,
			Dead:          q.dead,
			LastError:     q.lastError,
			LastDelivered: q.lastDelivered,
		}

		if d.InFlight {
			d.Depth++
		}

		st.Dead += q.dead
		st.Destinations = append(st.Destinations, d)
	}

	sort.Slice(st.Destinations, func(i, j int) bool {
		return st.Destinations[i].Name < st.Destinations[j].Name
	})

	return st
}

func (q *queue) oldestLocked() time.Time {
	var oldest time.Time

	if q.leased != nil {
		oldest = q.leased.CreatedAt
	}

	for _, it := range q.pending {
		if oldest.IsZero() || it.entry.CreatedAt.Before(oldest) {
			oldest = it.entry.CreatedAt
		}
	}

	return oldest
}

// Lag is the age of the oldest undelivered entry of dest, zero when the
// queue is empty.
func (s *Store) Lag(dest string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[dest]
	if !ok {
		return 0
	}

	oldest := q.oldestLocked()
	if oldest.IsZero() {
		return 0
	}

	return s.clock.Now().Sub(oldest)
}
