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
	"errors"
	"fmt"
)

// Admission and delivery error taxonomy. Callers classify with errors.Is
// against the category sentinels (ErrAuthentication, ErrIntegrity,
// ErrCapacity, ErrTransport, ErrPoisonEntry, ErrJobTimeout).
var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrUnknownCertificate = fmt.Errorf("%w: unknown certificate", ErrAuthentication)
	ErrRevoked            = fmt.Errorf("%w: certificate revoked", ErrAuthentication)
	ErrPendingApproval    = fmt.Errorf("%w: node pending approval", ErrAuthentication)
	ErrNoCertificate      = fmt.Errorf("%w: no client certificate presented", ErrAuthentication)

	ErrIntegrity      = errors.New("integrity check failed")
	ErrHashMismatch   = fmt.Errorf("%w: content digest mismatch", ErrIntegrity)
	ErrSizeMismatch   = fmt.Errorf("%w: content size mismatch", ErrIntegrity)
	ErrPayloadTooBig  = fmt.Errorf("%w: payload exceeds maximum size", ErrIntegrity)
	ErrInvalidDigest  = fmt.Errorf("%w: malformed content digest", ErrIntegrity)
	ErrCorruptedBlob  = fmt.Errorf("%w: stored blob does not match its digest", ErrIntegrity)
	ErrCapacity       = errors.New("capacity exceeded")
	ErrSpoolFull      = fmt.Errorf("%w: spool full", ErrCapacity)
	ErrBackpressure   = fmt.Errorf("%w: too many concurrent admissions", ErrCapacity)
	ErrTransport      = errors.New("transport failure")
	ErrUpstreamReject = fmt.Errorf("%w: upstream rejected payload", ErrTransport)
	ErrPoisonEntry    = errors.New("poison entry evicted")
	ErrJobTimeout     = errors.New("remote run target timed out")
)
