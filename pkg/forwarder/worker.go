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

package forwarder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/models"
	"github.com/carverauto/relayd/pkg/spool"
)

const errorPause = time.Second

type worker struct {
	name      string
	transport Transport
	timeout   time.Duration
	f         *Forwarder
	log       logger.Logger
}

func (w *worker) stopping() bool {
	select {
	case <-w.f.quit:
		return true
	default:
		return false
	}
}

func (w *worker) run() {
	for !w.stopping() {
		entry, err := w.f.spool.LeaseNext(w.name)
		if err != nil {
			if !w.wait(err) {
				return
			}

			continue
		}

		w.deliver(entry)
	}
}

// wait blocks until the destination may have work again. It returns false
// when the worker should exit.
func (w *worker) wait(leaseErr error) bool {
	var delay time.Duration

	switch {
	case errors.Is(leaseErr, spool.ErrQueueEmpty), errors.Is(leaseErr, spool.ErrDestinationBusy):
	case errors.Is(leaseErr, spool.ErrNotEligible):
		if until, ok := spool.NextWake(leaseErr); ok {
			delay = until.Sub(w.f.clock.Now())
			if delay <= 0 {
				return true
			}
		}
	default:
		w.log.Warn().Err(leaseErr).Msg("Lease failed")

		delay = errorPause
	}

	var timerC <-chan time.Time

	if delay > 0 {
		t := w.f.clock.Timer(delay)
		defer t.Stop()

		timerC = t.Chan()
	}

	select {
	case <-w.f.quit:
		return false
	case <-w.f.spool.Notify(w.name):
	case <-timerC:
	}

	return true
}

func (w *worker) deliver(entry *models.SpoolEntry) {
	log := logger.Wrap(w.log.With().
		Str("entry", entry.ID).
		Str("kind", string(entry.Payload.Kind)).
		Str("hash", entry.Payload.Hash).
		Logger())

	body, err := w.f.spool.ReadBlob(entry.Payload.Hash)
	if err != nil {
		w.blobFailed(entry, err, log)

		return
	}

	ctx := w.f.hardCtx

	var cancel context.CancelFunc
	if w.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	start := w.f.clock.Now()
	outcome, err := w.transport.Deliver(ctx, entry, body)

	cancel()

	w.f.metrics.Delivery(w.name, string(outcome), w.f.clock.Now().Sub(start))

	if outcome != models.OutcomeDelivered && w.f.hardCtx.Err() != nil {
		if rerr := w.f.spool.Release(entry.ID); rerr != nil {
			log.Warn().Err(rerr).Msg("Failed to release interrupted delivery")
		}

		log.Info().Msg("Delivery interrupted by shutdown, entry released")

		return
	}

	switch outcome {
	case models.OutcomeDelivered:
		if err := w.f.spool.AckDelivered(entry.ID); err != nil {
			log.Error().Err(err).Msg("Failed to acknowledge delivered entry")

			return
		}

		w.f.metrics.Delivered(w.name)
		log.Debug().Int("attempts", entry.Attempts+1).Msg("Entry delivered")
	case models.OutcomePoison:
		reason := "rejected by upstream"
		if err != nil {
			reason = err.Error()
		}

		if _, eerr := w.f.spool.EvictPoison(entry.ID, reason); eerr != nil {
			log.Error().Err(eerr).Msg("Failed to evict poison entry")

			return
		}

		w.f.metrics.Evicted(w.name)
	default:
		w.retry(entry, err, log)
	}
}

func (w *worker) retry(entry *models.SpoolEntry, cause error, log logger.Logger) {
	if cause == nil {
		cause = fmt.Errorf("%w: delivery not confirmed", models.ErrTransport)
	}

	next, err := w.f.spool.AckFailed(entry.ID, cause)

	switch {
	case errors.Is(err, models.ErrPoisonEntry):
		w.f.metrics.Evicted(w.name)
	case err != nil:
		log.Error().Err(err).Msg("Failed to record delivery failure")
	default:
		w.f.metrics.Retried(w.name)
		log.Warn().
			Err(cause).
			Int("attempts", next.Attempts).
			Time("next_attempt", next.NextAttempt).
			Msg("Delivery failed, will retry")
	}
}

// blobFailed handles an entry whose content cannot be read. A corrupted
// blob has already been dead-lettered by the spool.
func (w *worker) blobFailed(entry *models.SpoolEntry, err error, log logger.Logger) {
	switch {
	case errors.Is(err, models.ErrIntegrity):
		w.f.metrics.Evicted(w.name)
		log.Error().Err(err).Msg("Spooled content failed verification")
	case errors.Is(err, spool.ErrBlobNotFound):
		if _, eerr := w.f.spool.EvictPoison(entry.ID, err.Error()); eerr != nil {
			log.Error().Err(eerr).Msg("Failed to evict entry without content")

			return
		}

		w.f.metrics.Evicted(w.name)
	default:
		w.retry(entry, fmt.Errorf("reading spooled content: %w", err), log)
	}
}
