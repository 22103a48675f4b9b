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

import "time"

// NodeRole is the position of a node in the relay hierarchy.
type NodeRole string

const (
	NodeRoleLeaf   NodeRole = "leaf"
	NodeRoleRelay  NodeRole = "relay"
	NodeRoleServer NodeRole = "server"
)

// TrustState is the administrative state of a certificate binding.
type TrustState string

const (
	TrustStateTrusted         TrustState = "trusted"
	TrustStatePendingApproval TrustState = "pending-approval"
	TrustStateRevoked         TrustState = "revoked"
)

// Node is a managed node known to the relay.
type Node struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname"`
	Role        NodeRole  `json:"role"`
	Fingerprint string    `json:"fingerprint"`
	LastSeen    time.Time `json:"last_seen"`
}

// TrustEntry binds a node ID to a certificate fingerprint.
type TrustEntry struct {
	NodeID      string     `json:"node_id"`
	Fingerprint string     `json:"fingerprint"`
	Hostname    string     `json:"hostname"`
	Role        NodeRole   `json:"role"`
	State       TrustState `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastSeen    time.Time  `json:"last_seen"`
}

// Node returns the node view of the entry.
func (e *TrustEntry) Node() Node {
	return Node{
		ID:          e.NodeID,
		Hostname:    e.Hostname,
		Role:        e.Role,
		Fingerprint: e.Fingerprint,
		LastSeen:    e.LastSeen,
	}
}
