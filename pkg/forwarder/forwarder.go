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

// Package forwarder drains spool destinations to their upstreams. Each
// upstream gets one worker, so deliveries to a destination are serial and
// follow spool order.
package forwarder

//go:generate mockgen -destination=mock_transport.go -package=forwarder github.com/carverauto/relayd/pkg/forwarder Transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/carverauto/relayd/pkg/clock"
	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/metrics"
	"github.com/carverauto/relayd/pkg/models"
)

var errNoUpstreams = errors.New("forwarder needs at least one upstream")

// Transport delivers one spooled payload to an upstream and classifies
// the result.
type Transport interface {
	Deliver(ctx context.Context, entry *models.SpoolEntry, body []byte) (models.DeliveryOutcome, error)
	Close() error
}

// Spool is the part of the spool store the forwarder drives.
type Spool interface {
	LeaseNext(dest string) (*models.SpoolEntry, error)
	ReadBlob(hash string) ([]byte, error)
	AckDelivered(id string) error
	AckFailed(id string, cause error) (*models.SpoolEntry, error)
	EvictPoison(id, reason string) (*models.SpoolEntry, error)
	Release(id string) error
	Notify(dest string) <-chan struct{}
	Lag(dest string) time.Duration
}

// Upstream binds a destination name to its transport.
type Upstream struct {
	Name      string
	Transport Transport
	Timeout   time.Duration
}

// Forwarder runs the per-upstream delivery workers.
type Forwarder struct {
	spool   Spool
	workers []*worker
	log     logger.Logger
	clock   clock.Clock
	metrics *metrics.Relay

	quit      chan struct{}
	quitOnce  sync.Once
	hardCtx   context.Context
	hardStop  context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

type Option func(*Forwarder)

func WithClock(c clock.Clock) Option {
	return func(f *Forwarder) {
		f.clock = c
	}
}

func WithMetrics(m *metrics.Relay) Option {
	return func(f *Forwarder) {
		f.metrics = m
	}
}

// New creates a forwarder over sp for the given upstreams.
func New(sp Spool, upstreams []Upstream, log logger.Logger, opts ...Option) (*Forwarder, error) {
	if len(upstreams) == 0 {
		return nil, errNoUpstreams
	}

	hardCtx, hardStop := context.WithCancel(context.Background())

	f := &Forwarder{
		spool:    sp,
		log:      log,
		clock:    clock.Real(),
		quit:     make(chan struct{}),
		hardCtx:  hardCtx,
		hardStop: hardStop,
	}

	for _, o := range opts {
		o(f)
	}

	for _, u := range upstreams {
		f.workers = append(f.workers, &worker{
			name:      u.Name,
			transport: u.Transport,
			timeout:   u.Timeout,
			f:         f,
			log:       logger.Wrap(log.With().Str("upstream", u.Name).Logger()),
		})
	}

	return f, nil
}

// Start launches the workers and blocks until ctx is done or Stop is
// called. Workers keep running after ctx ends; Stop ends them.
func (f *Forwarder) Start(ctx context.Context) error {
	f.startOnce.Do(func() {
		for _, w := range f.workers {
			f.wg.Add(1)

			go func(w *worker) {
				defer f.wg.Done()

				w.run()
			}(w)
		}

		f.log.Info().Int("upstreams", len(f.workers)).Msg("Forwarder started")
	})

	select {
	case <-ctx.Done():
	case <-f.quit:
	}

	return nil
}

// Stop asks the workers to finish their current delivery and exit. When
// ctx ends first, in-flight deliveries are cancelled and their entries
// released back to pending.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.quitOnce.Do(func() { close(f.quit) })

	done := make(chan struct{})

	go func() {
		f.wg.Wait()
		close(done)
	}()

	var err error

	select {
	case <-done:
	case <-ctx.Done():
		f.log.Warn().Msg("Forwarder drain timed out, cancelling in-flight deliveries")
		f.hardStop()
		<-done

		err = ctx.Err()
	}

	f.hardStop()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}

	for _, w := range f.workers {
		if cerr := w.transport.Close(); cerr != nil {
			errs = append(errs, cerr)
		}
	}

	return errors.Join(errs...)
}

// Lag reports the age of the oldest undelivered entry of each upstream.
func (f *Forwarder) Lag() map[string]time.Duration {
	lag := make(map[string]time.Duration, len(f.workers))

	for _, w := range f.workers {
		lag[w.name] = f.spool.Lag(w.name)
	}

	return lag
}
