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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/relayd/pkg/clock"
	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/metrics"
	"github.com/carverauto/relayd/pkg/models"
	"github.com/carverauto/relayd/pkg/spool"
)

const upstream = "root"

var epoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	dir     string
	spool   *spool.Store
	clock   *clock.FakeClock
	fwd     *Forwarder
	metrics *metrics.Relay
	done    chan struct{}
}

func newHarness(t *testing.T, transport Transport, maxAttempts int) *harness {
	t.Helper()

	fake := clock.NewFake(epoch)
	dir := t.TempDir()

	sp, err := spool.Open(context.Background(), models.SpoolConfig{
		Dir:         dir,
		MaxBytes:    8 << 20,
		MaxAttempts: maxAttempts,
		Backoff: models.BackoffConfig{
			Base: models.Duration(time.Second),
			Max:  models.Duration(time.Minute),
		},
		DedupWindow: models.Duration(time.Minute),
	}, logger.NewTestLogger(), spool.WithClock(fake))
	require.NoError(t, err)

	m := metrics.NewRelay()

	fwd, err := New(sp, []Upstream{{Name: upstream, Transport: transport, Timeout: time.Minute}},
		logger.NewTestLogger(), WithClock(fake), WithMetrics(m))
	require.NoError(t, err)

	return &harness{dir: dir, spool: sp, clock: fake, fwd: fwd, metrics: m, done: make(chan struct{})}
}

func (h *harness) start() {
	go func() {
		defer close(h.done)

		_ = h.fwd.Start(context.Background())
	}()
}

func (h *harness) stop(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.fwd.Stop(ctx))
	<-h.done
}

func (h *harness) enqueue(t *testing.T, body string) *models.SpoolEntry {
	t.Helper()

	e, err := h.spool.Enqueue(context.Background(), upstream,
		models.Payload{Source: "node-1", Kind: models.KindReport}, []byte(body))
	require.NoError(t, err)

	return e
}

func (h *harness) destination() spool.DestinationStats {
	for _, d := range h.spool.Stats().Destinations {
		if d.Name == upstream {
			return d
		}
	}

	return spool.DestinationStats{}
}

func TestNewRequiresUpstreams(t *testing.T) {
	_, err := New(nil, nil, logger.NewTestLogger())
	require.ErrorIs(t, err, errNoUpstreams)
}

func TestDeliversInSpoolOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)
	h := newHarness(t, tr, 3)

	first := h.enqueue(t, "first report")
	second := h.enqueue(t, "second report")

	var (
		mu  sync.Mutex
		got []string
	)

	tr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e *models.SpoolEntry, body []byte) (models.DeliveryOutcome, error) {
			mu.Lock()
			defer mu.Unlock()

			got = append(got, e.ID+"="+string(body))

			return models.OutcomeDelivered, nil
		}).Times(2)
	tr.EXPECT().Close().Return(nil)

	h.start()

	require.Eventually(t, func() bool { return h.destination().Delivered == 2 }, 5*time.Second, 10*time.Millisecond)
	h.stop(t)

	assert.Equal(t, []string{first.ID + "=first report", second.ID + "=second report"}, got)
	assert.Equal(t, 0, h.destination().Depth)
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.DeliveredTotal.WithLabelValues(upstream)), 0)
}

func TestRetryWaitsForBackoff(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)
	h := newHarness(t, tr, 5)

	h.enqueue(t, "flaky")

	gomock.InOrder(
		tr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(models.OutcomeRetry, models.ErrTransport),
		tr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(models.OutcomeDelivered, nil),
	)
	tr.EXPECT().Close().Return(nil)

	h.start()

	require.Eventually(t, func() bool { return h.destination().Retried == 1 }, 5*time.Second, 10*time.Millisecond)

	// The worker sleeps on a backoff timer until the entry is due.
	h.clock.WaitForWaiters(1)
	assert.Equal(t, uint64(0), h.destination().Delivered)

	h.clock.Advance(time.Minute)

	require.Eventually(t, func() bool { return h.destination().Delivered == 1 }, 5*time.Second, 10*time.Millisecond)
	h.stop(t)

	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.RetriedTotal.WithLabelValues(upstream)), 0)
}

func TestPoisonOutcomeEvicts(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)
	h := newHarness(t, tr, 5)

	h.enqueue(t, "malformed")

	tr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(models.OutcomePoison, models.ErrUpstreamReject)
	tr.EXPECT().Close().Return(nil)

	h.start()

	require.Eventually(t, func() bool { return h.destination().Dead == 1 }, 5*time.Second, 10*time.Millisecond)
	h.stop(t)

	assert.Equal(t, 0, h.destination().Depth)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.EvictedTotal.WithLabelValues(upstream)), 0)
}

func TestExhaustedRetriesEvict(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)
	h := newHarness(t, tr, 1)

	h.enqueue(t, "never accepted")

	tr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(models.OutcomeRetry, errors.New("connection refused"))
	tr.EXPECT().Close().Return(nil)

	h.start()

	require.Eventually(t, func() bool { return h.destination().Dead == 1 }, 5*time.Second, 10*time.Millisecond)
	h.stop(t)

	assert.Equal(t, uint64(0), h.destination().Retried)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.EvictedTotal.WithLabelValues(upstream)), 0)
}

func TestStopReleasesInterruptedDelivery(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)
	h := newHarness(t, tr, 3)

	h.enqueue(t, "slow upstream")

	started := make(chan struct{})

	tr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ *models.SpoolEntry, _ []byte) (models.DeliveryOutcome, error) {
			close(started)
			<-ctx.Done()

			return models.OutcomeRetry, ctx.Err()
		})
	tr.EXPECT().Close().Return(nil)

	h.start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.fwd.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	<-h.done

	d := h.destination()
	assert.Equal(t, 1, d.Depth)
	assert.False(t, d.InFlight)
	assert.Equal(t, uint64(0), d.Retried)
}

func TestStopWaitsForCurrentDelivery(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)
	h := newHarness(t, tr, 3)

	h.enqueue(t, "in progress")

	started := make(chan struct{})
	finish := make(chan struct{})

	tr.EXPECT().Deliver(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, *models.SpoolEntry, []byte) (models.DeliveryOutcome, error) {
			close(started)
			<-finish

			return models.OutcomeDelivered, nil
		})
	tr.EXPECT().Close().Return(nil)

	h.start()
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(finish)
	}()

	h.stop(t)

	assert.Equal(t, uint64(1), h.destination().Delivered)
}

func TestCorruptedBlobIsNotDelivered(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)
	h := newHarness(t, tr, 3)

	e := h.enqueue(t, "original content")

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)

	path := filepath.Join(h.dir, "blobs", e.Payload.Hash[:2], e.Payload.Hash+".zst")
	require.NoError(t, os.WriteFile(path, enc.EncodeAll([]byte("tampered"), nil), 0o600))

	tr.EXPECT().Close().Return(nil)

	h.start()

	require.Eventually(t, func() bool { return h.destination().Dead == 1 }, 5*time.Second, 10*time.Millisecond)
	h.stop(t)

	assert.Equal(t, 0, h.destination().Depth)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.EvictedTotal.WithLabelValues(upstream)), 0)
}
