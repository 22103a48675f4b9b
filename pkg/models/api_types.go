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

// Package models pkg/models/api_types.go
package models

import "time"

const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// APIPrefix is the path prefix of every relay API route.
const APIPrefix = "/rudder/relay-api/1"

const (
	// HeaderContentDigest carries the declared digest of a request body,
	// "sha256:<hex>" or "blake3:<hex>".
	HeaderContentDigest = "X-Content-Digest"
	// HeaderRelaySource names the node a payload originated from when a
	// relay forwards it on behalf of a downstream node.
	HeaderRelaySource = "X-Relay-Source"
	// HeaderRelayArrived is the RFC 3339 time the first relay received a
	// forwarded payload.
	HeaderRelayArrived = "X-Relay-Arrived"
	// HeaderFilename is the original name of a shared file.
	HeaderFilename = "X-Filename"
)

// Envelope is the response wrapper shared by every relay API endpoint.
type Envelope struct {
	Data         interface{} `json:"data,omitempty"`
	Result       string      `json:"result"`
	Action       string      `json:"action"`
	ErrorDetails string      `json:"errorDetails,omitempty"`
}

// SystemInfo is returned by the getSystemInfo action.
type SystemInfo struct {
	MajorVersion string `json:"major-version"`
	FullVersion  string `json:"full-version"`
}

// Receipt acknowledges a durably spooled payload.
type Receipt struct {
	Hash         string   `json:"hash"`
	Size         int64    `json:"size"`
	Entries      []string `json:"entries"`
	Destinations []string `json:"destinations"`
}

// DestinationStatus summarises one upstream queue.
type DestinationStatus struct {
	Name          string    `json:"name"`
	Depth         int       `json:"depth"`
	Bytes         int64     `json:"bytes"`
	InFlight      bool      `json:"in_flight"`
	LagSeconds    float64   `json:"lag_seconds"`
	Delivered     uint64    `json:"delivered"`
	Retried       uint64    `json:"retried"`
	Evicted       uint64    `json:"evicted"`
	LastError     string    `json:"last_error,omitempty"`
	LastDelivered time.Time `json:"last_delivered,omitempty"`
}

// SpoolStatus summarises the whole spool.
type SpoolStatus struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Blobs     int   `json:"blobs"`
	MaxBytes  int64 `json:"max_bytes"`
	DeadCount int   `json:"dead_entries"`
}

// DiskStatus reports free space on the spool filesystem.
type DiskStatus struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// RelayStatus is returned by the getStatus action.
type RelayStatus struct {
	NodeID       string              `json:"node_id"`
	Uptime       string              `json:"uptime"`
	Spool        SpoolStatus         `json:"spool"`
	Destinations []DestinationStatus `json:"destinations"`
	Disk         *DiskStatus         `json:"disk,omitempty"`
	TrustedNodes int                 `json:"trusted_nodes"`
}
