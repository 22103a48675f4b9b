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
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/relayd/pkg/clock"
	"github.com/carverauto/relayd/pkg/hashutil"
	"github.com/carverauto/relayd/pkg/logger"
	"github.com/carverauto/relayd/pkg/models"
)

var epoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func testConfig(dir string) models.SpoolConfig {
	return models.SpoolConfig{
		Dir:                 dir,
		MaxBytes:            8 << 20,
		MaxDestinationBytes: 8 << 20,
		MaxAttempts:         3,
		Backoff: models.BackoffConfig{
			Base:   models.Duration(time.Second),
			Max:    models.Duration(time.Minute),
			Jitter: 0.2,
		},
		DedupWindow: models.Duration(10 * time.Minute),
	}
}

func openStore(t *testing.T, cfg models.SpoolConfig) (*Store, *clock.FakeClock) {
	t.Helper()

	fake := clock.NewFake(epoch)

	s, err := Open(context.Background(), cfg, logger.NewTestLogger(), WithClock(fake), WithRandSeed(42))
	require.NoError(t, err)

	return s, fake
}

func report(source string) models.Payload {
	return models.Payload{Source: source, Kind: models.KindReport}
}

func TestEnqueueLeaseDeliver(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t.TempDir()))

	e, err := s.Enqueue(ctx, "root", report("node-a"), []byte("report body"))
	require.NoError(t, err)
	assert.Equal(t, models.EntryPending, e.State)
	assert.Equal(t, hashutil.SumHex([]byte("report body")), e.Payload.Hash)
	assert.Equal(t, int64(len("report body")), e.Payload.Size)

	leased, err := s.LeaseNext("root")
	require.NoError(t, err)
	assert.Equal(t, e.ID, leased.ID)
	assert.Equal(t, models.EntryInFlight, leased.State)

	body, err := s.ReadBlob(leased.Payload.Hash)
	require.NoError(t, err)
	assert.Equal(t, "report body", string(body))

	require.NoError(t, s.AckDelivered(leased.ID))

	_, err = s.LeaseNext("root")
	require.ErrorIs(t, err, ErrQueueEmpty)

	st := s.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, 0, st.Blobs)
	require.Len(t, st.Destinations, 1)
	assert.Equal(t, uint64(1), st.Destinations[0].Delivered)
}

func TestSingleActiveLease(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t.TempDir()))

	for i := 0; i < 5; i++ {
		_, err := s.Enqueue(ctx, "root", report("node-a"), []byte{byte(i)})
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, err := s.LeaseNext("root"); err == nil {
				granted.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrDestinationBusy)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())

	// Another destination is unaffected.
	_, err := s.Enqueue(ctx, "mirror", report("node-a"), []byte{0})
	require.NoError(t, err)

	_, err = s.LeaseNext("mirror")
	require.NoError(t, err)
}

func TestLeaseOrderFollowsArrival(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t.TempDir()))

	var ids []string

	for i := 0; i < 3; i++ {
		e, err := s.Enqueue(ctx, "root", report("node-a"), []byte{byte(i)})
		require.NoError(t, err)

		ids = append(ids, e.ID)
	}

	for _, want := range ids {
		e, err := s.LeaseNext("root")
		require.NoError(t, err)
		assert.Equal(t, want, e.ID)
		require.NoError(t, s.AckDelivered(e.ID))
	}
}

func TestIdempotentEnqueue(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t.TempDir()))
	body := []byte("inventory")

	first, err := s.Enqueue(ctx, "root", report("node-a"), body)
	require.NoError(t, err)

	second, err := s.Enqueue(ctx, "root", report("node-a"), body)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, s.Stats().Entries)

	// Same content for another destination shares the blob.
	other, err := s.Enqueue(ctx, "mirror", report("node-a"), body)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	st := s.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, 1, st.Blobs)

	// Recently delivered content is still deduplicated.
	leased, err := s.LeaseNext("root")
	require.NoError(t, err)
	require.NoError(t, s.AckDelivered(leased.ID))

	again, err := s.Enqueue(ctx, "root", report("node-a"), body)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, models.EntryDelivered, again.State)

	_, err = s.LeaseNext("root")
	require.ErrorIs(t, err, ErrQueueEmpty)
}

func sharedFile(source, target, file string) models.Payload {
	return models.Payload{
		Source: source,
		Kind:   models.KindSharedFile,
		Metadata: map[string]string{
			models.MetaTargetNode: target,
			models.MetaSourceNode: source,
			models.MetaFileID:     file,
		},
	}
}

func TestSameContentForTwoTargetsKeepsBothEntries(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t.TempDir()))
	body := []byte("same bytes, two targets")

	toA, err := s.Enqueue(ctx, "root", sharedFile("node-1", "node-a", "motd"), body)
	require.NoError(t, err)

	toB, err := s.Enqueue(ctx, "root", sharedFile("node-1", "node-b", "motd"), body)
	require.NoError(t, err)

	assert.NotEqual(t, toA.ID, toB.ID)
	assert.Equal(t, "node-b", toB.Payload.Metadata[models.MetaTargetNode])
	assert.Equal(t, toA.Payload.Hash, toB.Payload.Hash)

	st := s.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, 1, st.Blobs)

	s.mu.Lock()
	refs := s.blobs[toA.Payload.Hash].refs
	s.mu.Unlock()
	assert.Equal(t, 2, refs)

	// Identical reports from two nodes are two payloads as well.
	fromA, err := s.Enqueue(ctx, "root", report("node-a"), body)
	require.NoError(t, err)
	fromB, err := s.Enqueue(ctx, "root", report("node-b"), body)
	require.NoError(t, err)
	assert.NotEqual(t, fromA.ID, fromB.ID)

	again, err := s.Enqueue(ctx, "root", sharedFile("node-1", "node-a", "motd"), body)
	require.NoError(t, err)
	assert.Equal(t, toA.ID, again.ID)
	assert.Equal(t, 4, s.Stats().Entries)

	query := sharedFile("node-1", "node-b", "motd")
	query.Hash = toA.Payload.Hash
	assert.True(t, s.Holds(query, []string{"root"}))
	assert.False(t, s.Holds(query, []string{"root", "mirror"}))

	query.Metadata[models.MetaTargetNode] = "node-c"
	assert.False(t, s.Holds(query, []string{"root"}))

	first, err := s.LeaseNext("root")
	require.NoError(t, err)
	assert.Equal(t, toA.ID, first.ID)
	require.NoError(t, s.AckDelivered(first.ID))

	second, err := s.LeaseNext("root")
	require.NoError(t, err)
	assert.Equal(t, toB.ID, second.ID)
}

func TestDedupWindowExpires(t *testing.T) {
	ctx := context.Background()
	s, fake := openStore(t, testConfig(t.TempDir()))
	body := []byte("report")

	e, err := s.Enqueue(ctx, "root", report("node-a"), body)
	require.NoError(t, err)

	_, err = s.LeaseNext("root")
	require.NoError(t, err)
	require.NoError(t, s.AckDelivered(e.ID))

	fake.Advance(11 * time.Minute)

	_, err = s.CollectGarbage()
	require.NoError(t, err)

	fresh, err := s.Enqueue(ctx, "root", report("node-a"), body)
	require.NoError(t, err)
	assert.NotEqual(t, e.ID, fresh.ID)
	assert.Equal(t, models.EntryPending, fresh.State)
}

func TestHashMismatchNeverAdmitted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, _ := openStore(t, testConfig(dir))

	p := report("node-a")
	p.Hash = "sha256:" + hashutil.SumHex([]byte("something else"))

	_, err := s.Enqueue(ctx, "root", p, []byte("actual bytes"))
	require.ErrorIs(t, err, models.ErrHashMismatch)
	require.ErrorIs(t, err, models.ErrIntegrity)

	st := s.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, 0, st.Blobs)

	tmp, err := os.ReadDir(filepath.Join(dir, tmpDir))
	require.NoError(t, err)
	assert.Empty(t, tmp)

	_, err = s.LeaseNext("root")
	require.ErrorIs(t, err, ErrQueueEmpty)
}

func TestStageRejectsOversize(t *testing.T) {
	s, _ := openStore(t, testConfig(t.TempDir()))

	_, err := s.Stage(context.Background(), bytes.NewReader(make([]byte, 100)), nil, -1, 10)
	require.ErrorIs(t, err, models.ErrPayloadTooBig)

	_, err = s.Stage(context.Background(), bytes.NewReader(nil), nil, 100, 10)
	require.ErrorIs(t, err, models.ErrPayloadTooBig)
}

func TestCapacity(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	cfg.MaxBytes = 1 << 20
	cfg.MaxDestinationBytes = 1 << 20
	s, _ := openStore(t, cfg)

	first := make([]byte, 1<<20)
	_, _ = rand.Read(first)

	_, err := s.Enqueue(ctx, "root", report("node-a"), first)
	require.NoError(t, err)

	second := make([]byte, 1<<20)
	_, _ = rand.Read(second)

	_, err = s.Enqueue(ctx, "root", report("node-b"), second)
	require.ErrorIs(t, err, models.ErrSpoolFull)
	require.ErrorIs(t, err, models.ErrCapacity)

	assert.Equal(t, 1, s.Stats().Entries)
	require.ErrorIs(t, s.CheckCapacity(hashutil.SumHex(second), int64(len(second)), []string{"root"}), models.ErrSpoolFull)
}

func TestPerDestinationQuota(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	cfg.MaxDestinationBytes = 100
	s, _ := openStore(t, cfg)

	_, err := s.Enqueue(ctx, "root", report("node-a"), make([]byte, 80))
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, "root", report("node-a"), bytes.Repeat([]byte{1}, 80))
	require.ErrorIs(t, err, models.ErrSpoolFull)

	// A different destination has its own budget.
	_, err = s.Enqueue(ctx, "mirror", report("node-a"), bytes.Repeat([]byte{1}, 80))
	require.NoError(t, err)
}

func TestRetryBackoffAndEviction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, fake := openStore(t, testConfig(dir))

	e, err := s.Enqueue(ctx, "root", report("node-a"), []byte("poison"))
	require.NoError(t, err)

	leased, err := s.LeaseNext("root")
	require.NoError(t, err)

	retried, err := s.AckFailed(leased.ID, errors.New("upstream 503"))
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Attempts)
	assert.Equal(t, "upstream 503", retried.LastError)
	assert.True(t, retried.NextAttempt.After(epoch))

	_, err = s.LeaseNext("root")
	require.ErrorIs(t, err, ErrNotEligible)

	wake, ok := NextWake(err)
	require.True(t, ok)
	assert.Equal(t, retried.NextAttempt, wake)

	fake.Advance(time.Hour)

	leased, err = s.LeaseNext("root")
	require.NoError(t, err)
	_, err = s.AckFailed(leased.ID, errors.New("upstream 503"))
	require.NoError(t, err)

	fake.Advance(time.Hour)

	leased, err = s.LeaseNext("root")
	require.NoError(t, err)

	evicted, err := s.AckFailed(leased.ID, errors.New("upstream 503"))
	require.ErrorIs(t, err, models.ErrPoisonEntry)
	assert.Equal(t, models.EntryFailed, evicted.State)
	assert.Equal(t, 3, evicted.Attempts)
	require.NotNil(t, evicted.EvictedAt)

	fake.Advance(time.Hour)

	_, err = s.LeaseNext("root")
	require.ErrorIs(t, err, ErrQueueEmpty)

	_, err = os.Stat(filepath.Join(dir, deadDir, "root", e.ID+entryExt))
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, 0, st.Blobs)
	assert.Equal(t, 1, st.Dead)
}

func TestEvictPoisonPending(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t.TempDir()))

	e, err := s.Enqueue(ctx, "root", report("node-a"), []byte("x"))
	require.NoError(t, err)

	rec, err := s.EvictPoison(e.ID, "rejected by upstream: 400")
	require.NoError(t, err)
	assert.Equal(t, models.EntryFailed, rec.State)

	_, err = s.LeaseNext("root")
	require.ErrorIs(t, err, ErrQueueEmpty)

	_, err = s.EvictPoison(e.ID, "again")
	require.ErrorIs(t, err, ErrUnknownEntry)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2}

	prev := time.Duration(0)
	for attempt := 0; attempt < 64; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Minute)

		prev = d
	}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, time.Minute, b.Delay(10))
}

func TestJitterSpreadsRetries(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t.TempDir()))

	_, err := s.Enqueue(ctx, "a", report("node-a"), []byte("x"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "b", report("node-a"), []byte("x"))
	require.NoError(t, err)

	ea, err := s.LeaseNext("a")
	require.NoError(t, err)
	eb, err := s.LeaseNext("b")
	require.NoError(t, err)

	ra, err := s.AckFailed(ea.ID, errors.New("down"))
	require.NoError(t, err)
	rb, err := s.AckFailed(eb.ID, errors.New("down"))
	require.NoError(t, err)

	assert.Equal(t, ra.Attempts, rb.Attempts)
	assert.False(t, ra.NextAttempt.Equal(rb.NextAttempt))

	for _, e := range []*models.SpoolEntry{ra, rb} {
		delay := e.NextAttempt.Sub(epoch)
		assert.InDelta(t, float64(2*time.Second), float64(delay), float64(400*time.Millisecond))
	}
}

func TestBlobRetainedWhileReferenced(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t.TempDir()))
	body := []byte("shared file")

	a, err := s.Enqueue(ctx, "a", report("node-a"), body)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "b", report("node-a"), body)
	require.NoError(t, err)

	path := s.blobPath(a.Payload.Hash)

	leased, err := s.LeaseNext("a")
	require.NoError(t, err)
	require.NoError(t, s.AckDelivered(leased.ID))

	_, err = s.CollectGarbage()
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "blob still referenced by destination b")

	leased, err = s.LeaseNext("b")
	require.NoError(t, err)
	require.NoError(t, s.AckDelivered(leased.ID))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestGarbageCollectsOrphanBlobs(t *testing.T) {
	s, _ := openStore(t, testConfig(t.TempDir()))

	orphan := hashutil.SumHex([]byte("orphan"))
	path := s.blobPath(orphan)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	removed, err := s.CollectGarbage()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestRestartRequeuesInFlight(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	s, fake := openStore(t, cfg)

	first, err := s.Enqueue(ctx, "root", report("node-a"), []byte("one"))
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, "root", report("node-a"), []byte("two"))
	require.NoError(t, err)

	leased, err := s.LeaseNext("root")
	require.NoError(t, err)
	require.Equal(t, first.ID, leased.ID)
	_, err = s.AckFailed(leased.ID, errors.New("timeout"))
	require.NoError(t, err)

	fake.Advance(time.Hour)

	// The retried entry is due later than the untouched one.
	leased, err = s.LeaseNext("root")
	require.NoError(t, err)
	require.Equal(t, second.ID, leased.ID)

	// Simulate a crash with the entry in flight.
	reopened, err := Open(ctx, cfg, logger.NewTestLogger(), WithClock(fake))
	require.NoError(t, err)

	st := reopened.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, 2, st.Blobs)

	got, err := reopened.LeaseNext("root")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, models.EntryInFlight, got.State)
	require.NoError(t, reopened.AckDelivered(got.ID))

	got, err = reopened.LeaseNext("root")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, 1, got.Attempts, "retry state survives restart")

	body, err := reopened.ReadBlob(got.Payload.Hash)
	require.NoError(t, err)
	assert.Equal(t, "one", string(body))

	// New entries continue the sequence.
	third, err := reopened.Enqueue(ctx, "root", report("node-a"), []byte("three"))
	require.NoError(t, err)
	assert.Greater(t, third.Seq, second.Seq)
}

func TestOpenDeadLettersEntriesWithMissingBlob(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	s, _ := openStore(t, cfg)

	e, err := s.Enqueue(ctx, "root", report("node-a"), []byte("gone"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(s.blobPath(e.Payload.Hash)))

	reopened, _ := openStore(t, cfg)

	_, err = reopened.LeaseNext("root")
	require.ErrorIs(t, err, ErrQueueEmpty)
	assert.Equal(t, 1, reopened.Stats().Dead)
}

func TestCorruptedBlobIsPurged(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t.TempDir()))

	e, err := s.Enqueue(ctx, "a", report("node-a"), []byte("original"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "b", report("node-a"), []byte("original"))
	require.NoError(t, err)

	// Replace the blob with a valid zstd stream of different content.
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.blobPath(e.Payload.Hash), enc.EncodeAll([]byte("tampered"), nil), 0o600))

	leased, err := s.LeaseNext("a")
	require.NoError(t, err)

	_, err = s.ReadBlob(leased.Payload.Hash)
	require.ErrorIs(t, err, models.ErrCorruptedBlob)

	assert.False(t, s.HasBlob(e.Payload.Hash))

	for _, d := range []string{"a", "b"} {
		_, err = s.LeaseNext(d)
		require.ErrorIs(t, err, ErrQueueEmpty, d)
	}

	st := s.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, 2, st.Dead)

	require.ErrorIs(t, s.AckDelivered(leased.ID), ErrUnknownEntry)
}

func TestReleaseKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t.TempDir()))

	e, err := s.Enqueue(ctx, "root", report("node-a"), []byte("x"))
	require.NoError(t, err)

	_, err = s.LeaseNext("root")
	require.NoError(t, err)
	require.NoError(t, s.Release(e.ID))

	again, err := s.LeaseNext("root")
	require.NoError(t, err)
	assert.Equal(t, e.ID, again.ID)
	assert.Equal(t, 0, again.Attempts)

	require.ErrorIs(t, s.Release("nope"), ErrUnknownEntry)
}

func TestNotifyOnEnqueue(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t.TempDir()))

	ch := s.Notify("root")

	_, err := s.Enqueue(ctx, "root", report("node-a"), []byte("x"))
	require.NoError(t, err)

	select {
	case <-ch:
	default:
		t.Fatal("expected wake-up after enqueue")
	}
}

func TestLagAndStats(t *testing.T) {
	ctx := context.Background()
	s, fake := openStore(t, testConfig(t.TempDir()))

	assert.Zero(t, s.Lag("root"))

	_, err := s.Enqueue(ctx, "root", report("node-a"), []byte("x"))
	require.NoError(t, err)

	fake.Advance(90 * time.Second)
	assert.Equal(t, 90*time.Second, s.Lag("root"))

	_, err = s.LeaseNext("root")
	require.NoError(t, err)

	st := s.Stats()
	require.Len(t, st.Destinations, 1)
	assert.Equal(t, 1, st.Destinations[0].Depth)
	assert.True(t, st.Destinations[0].InFlight)
	assert.Equal(t, epoch, st.Destinations[0].OldestPending)
}

func TestAdmitValidatesDestinations(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, testConfig(t.TempDir()))

	st, err := s.Stage(ctx, bytes.NewReader([]byte("x")), nil, 1, 0)
	require.NoError(t, err)

	_, err = s.Admit(ctx, st, report("node-a"), []string{"../escape"})
	require.ErrorIs(t, err, ErrInvalidName)

	st, err = s.Stage(ctx, bytes.NewReader([]byte("x")), nil, 1, 0)
	require.NoError(t, err)

	_, err = s.Admit(ctx, st, report("node-a"), nil)
	require.ErrorIs(t, err, ErrNoDestinations)
}
