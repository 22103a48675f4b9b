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
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// PayloadKind is one of the categories of data a relay carries.
type PayloadKind string

const (
	KindReport     PayloadKind = "report"
	KindInventory  PayloadKind = "inventory"
	KindSharedFile PayloadKind = "shared-file"
)

// Valid reports whether k is a known payload kind.
func (k PayloadKind) Valid() bool {
	switch k {
	case KindReport, KindInventory, KindSharedFile:
		return true
	default:
		return false
	}
}

// Metadata keys carried by shared-file payloads.
const (
	MetaTargetNode = "target_node"
	MetaSourceNode = "source_node"
	MetaFileID     = "file_id"
	MetaFilename   = "filename"
)

// Payload describes an opaque unit of data admitted for relaying. The
// bytes themselves live in the content-addressed blob store under Hash.
type Payload struct {
	Source    string            `json:"source" cbor:"source"`
	Kind      PayloadKind       `json:"kind" cbor:"kind"`
	Hash      string            `json:"hash" cbor:"hash"`
	Size      int64             `json:"size" cbor:"size"`
	ArrivedAt time.Time         `json:"arrived_at" cbor:"arrived_at"`
	Metadata  map[string]string `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}

// Identity names the logical payload: its content hash, kind, source and
// shared-file routing. Identical bytes from another node, or the same file
// for another target, are a different payload. Arrival time and the
// original filename are not part of it.
func (p *Payload) Identity() string {
	h := sha256.New()

	for _, part := range []string{
		p.Hash,
		string(p.Kind),
		p.Source,
		p.Metadata[MetaTargetNode],
		p.Metadata[MetaSourceNode],
		p.Metadata[MetaFileID],
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// EntryState is the delivery state of a spool entry.
type EntryState string

const (
	EntryPending   EntryState = "pending"
	EntryInFlight  EntryState = "in-flight"
	EntryFailed    EntryState = "failed"
	EntryDelivered EntryState = "delivered"
)

// SpoolEntry is the durable record of one payload awaiting delivery to
// one destination.
type SpoolEntry struct {
	ID          string     `json:"id" cbor:"id"`
	Seq         uint64     `json:"seq" cbor:"seq"`
	Destination string     `json:"destination" cbor:"destination"`
	Payload     Payload    `json:"payload" cbor:"payload"`
	State       EntryState `json:"state" cbor:"state"`
	Attempts    int        `json:"attempts" cbor:"attempts"`
	NextAttempt time.Time  `json:"next_attempt" cbor:"next_attempt"`
	LastError   string     `json:"last_error,omitempty" cbor:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at" cbor:"created_at"`
	EvictedAt   *time.Time `json:"evicted_at,omitempty" cbor:"evicted_at,omitempty"`
}

// Clone returns a copy that shares no mutable state with e.
func (e *SpoolEntry) Clone() *SpoolEntry {
	c := *e

	if e.Payload.Metadata != nil {
		c.Payload.Metadata = make(map[string]string, len(e.Payload.Metadata))
		for k, v := range e.Payload.Metadata {
			c.Payload.Metadata[k] = v
		}
	}

	if e.EvictedAt != nil {
		t := *e.EvictedAt
		c.EvictedAt = &t
	}

	return &c
}
