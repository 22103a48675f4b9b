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

package trust

//go:generate mockgen -destination=mock_repository.go -package=trust github.com/carverauto/relayd/pkg/trust Repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carverauto/relayd/pkg/models"
)

// Repository persists trust entries.
type Repository interface {
	// Load returns every stored entry.
	Load(ctx context.Context) ([]models.TrustEntry, error)
	// Save inserts or replaces the entry keyed by NodeID. A stored
	// last-seen time never moves backwards.
	Save(ctx context.Context, entry *models.TrustEntry) error
	// TouchLastSeen records last contact times by node ID.
	TouchLastSeen(ctx context.Context, seen map[string]time.Time) error
	Close() error
}

// MemoryRepository keeps entries in memory. It backs tests and relays
// configured without a trust database, where the seed list is the
// source of truth on every start.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[string]models.TrustEntry
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]models.TrustEntry)}
}

func (m *MemoryRepository) Load(context.Context) ([]models.TrustEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.TrustEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })

	return out, nil
}

func (m *MemoryRepository) Save(_ context.Context, entry *models.TrustEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *entry
	if prev, ok := m.entries[entry.NodeID]; ok && prev.LastSeen.After(next.LastSeen) {
		next.LastSeen = prev.LastSeen
	}

	m.entries[entry.NodeID] = next

	return nil
}

func (m *MemoryRepository) TouchLastSeen(_ context.Context, seen map[string]time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, at := range seen {
		if e, ok := m.entries[id]; ok && at.After(e.LastSeen) {
			e.LastSeen = at
			m.entries[id] = e
		}
	}

	return nil
}

func (*MemoryRepository) Close() error {
	return nil
}
