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
	"math/rand/v2"
	"time"

	"github.com/carverauto/relayd/pkg/models"
)

// Backoff computes retry delays: min(Base * 2^attempt, Max), spread by
// ±Jitter of the delay.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// BackoffFromConfig converts the configured backoff.
func BackoffFromConfig(c models.BackoffConfig) Backoff {
	return Backoff{Base: time.Duration(c.Base), Max: time.Duration(c.Max), Jitter: c.Jitter}
}

// Delay is the un-jittered delay for attempt. It never decreases as
// attempt grows.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base

	for i := 0; i < attempt; i++ {
		if d >= b.Max/2 {
			return b.Max
		}

		d *= 2
	}

	if d > b.Max {
		return b.Max
	}

	return d
}

// Jittered applies a uniformly random spread of ±Jitter to Delay(attempt).
func (b Backoff) Jittered(attempt int, rnd *rand.Rand) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 || rnd == nil {
		return d
	}

	spread := (rnd.Float64()*2 - 1) * b.Jitter * float64(d)

	out := d + time.Duration(spread)
	if out < 0 {
		return 0
	}

	return out
}
