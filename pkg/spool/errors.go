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
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueEmpty      = errors.New("destination queue empty")
	ErrDestinationBusy = errors.New("destination already has an entry in flight")
	ErrNotEligible     = errors.New("no entry eligible yet")
	ErrUnknownEntry    = errors.New("unknown spool entry")
	ErrNotLeased       = errors.New("entry is not in flight")
	ErrInvalidName     = errors.New("invalid destination name")
	ErrInvalidHash     = errors.New("invalid content hash")
	ErrBlobNotFound    = errors.New("blob not found")
	ErrNoDestinations  = errors.New("no destinations given")
	errStagedCommitted = errors.New("staged payload already committed")
)

// NotEligibleError carries the time the earliest pending entry becomes due.
type NotEligibleError struct {
	Until time.Time
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("%s until %s", ErrNotEligible, e.Until.Format(time.RFC3339Nano))
}

func (*NotEligibleError) Is(target error) bool {
	return target == ErrNotEligible
}

// NextWake extracts the due time from an ErrNotEligible error.
func NextWake(err error) (time.Time, bool) {
	var ne *NotEligibleError
	if errors.As(err, &ne) {
		return ne.Until, true
	}

	return time.Time{}, false
}
