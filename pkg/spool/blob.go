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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/carverauto/relayd/pkg/hashutil"
	"github.com/carverauto/relayd/pkg/models"
)

// blobRef tracks one content-addressed blob. Size is the uncompressed
// length; refs counts the queue entries pointing at it.
type blobRef struct {
	size int64
	refs int
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.dir, blobsDir, hash[:2], hash+".zst")
}

// Staged is payload content that has been written and verified in the
// spool's staging area but not yet admitted. Commit it with Admit or
// drop it with Discard.
type Staged struct {
	Hash string
	Size int64

	store *Store
	path  string
	done  bool
}

// Discard removes the staged file. It is safe to call after Admit.
func (st *Staged) Discard() {
	if st.done {
		return
	}

	st.done = true
	_ = os.Remove(st.path)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

// Stage streams r into a compressed staging file while hashing it. The
// content is checked against declared (when not nil) and declaredSize
// (when not negative); reading more than maxBytes fails with
// ErrPayloadTooBig. Nothing becomes visible in the spool until Admit.
func (s *Store) Stage(ctx context.Context, r io.Reader, declared *hashutil.Digest, declaredSize, maxBytes int64) (*Staged, error) {
	if maxBytes > 0 && declaredSize > maxBytes {
		return nil, fmt.Errorf("%w: %d > %d", models.ErrPayloadTooBig, declaredSize, maxBytes)
	}

	verifier, err := hashutil.NewVerifier(declared)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(filepath.Join(s.dir, tmpDir), "blob-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}

	tmpPath := f.Name()
	success := false

	defer func() {
		if !success {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	src := io.Reader(ctxReader{ctx: ctx, r: r})
	if maxBytes > 0 {
		src = io.LimitReader(src, maxBytes+1)
	}

	if _, err := io.Copy(io.MultiWriter(enc, verifier), src); err != nil {
		_ = enc.Close()

		return nil, fmt.Errorf("reading payload: %w", err)
	}

	if maxBytes > 0 && verifier.Size() > maxBytes {
		_ = enc.Close()

		return nil, fmt.Errorf("%w: more than %d bytes", models.ErrPayloadTooBig, maxBytes)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}

	if err := verifier.Verify(declaredSize); err != nil {
		return nil, err
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("syncing staging file: %w", err)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing staging file: %w", err)
	}

	success = true

	return &Staged{
		Hash:  verifier.ContentHash(),
		Size:  verifier.Size(),
		store: s,
		path:  tmpPath,
	}, nil
}

// blobReader decompresses a blob and verifies it against its key when
// the stream ends.
type blobReader struct {
	f        *os.File
	dec      *zstd.Decoder
	verifier *hashutil.Verifier
	hash     string
	size     int64
	corrupt  func(error)
	err      error
}

func (b *blobReader) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}

	n, err := b.dec.Read(p)
	if n > 0 {
		_, _ = b.verifier.Write(p[:n])
	}

	switch {
	case err == nil:
		if b.verifier.Size() > b.size {
			b.fail(fmt.Errorf("%w: %s longer than recorded", models.ErrCorruptedBlob, b.hash))

			return n, b.err
		}

		return n, nil
	case errors.Is(err, io.EOF):
		if b.verifier.Size() != b.size || b.verifier.ContentHash() != b.hash {
			b.fail(fmt.Errorf("%w: %s", models.ErrCorruptedBlob, b.hash))

			return n, b.err
		}

		return n, io.EOF
	default:
		b.fail(fmt.Errorf("%w: %s: %w", models.ErrCorruptedBlob, b.hash, err))

		return n, b.err
	}
}

func (b *blobReader) fail(err error) {
	b.err = err
	if b.corrupt != nil {
		b.corrupt(err)
		b.corrupt = nil
	}
}

func (b *blobReader) Close() error {
	b.dec.Close()

	return b.f.Close()
}

// OpenBlob returns the decompressed content stored under hash. The
// reader verifies the content as it is consumed; on mismatch it returns
// an error wrapping models.ErrCorruptedBlob, and the blob is purged with
// every entry referencing it dead-lettered.
func (s *Store) OpenBlob(hash string) (io.ReadCloser, error) {
	s.mu.Lock()
	ref, ok := s.blobs[hash]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
	}

	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			s.purgeBlob(hash, "blob file missing")

			return nil, fmt.Errorf("%w: %s missing on disk", models.ErrCorruptedBlob, hash)
		}

		return nil, err
	}

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	verifier, _ := hashutil.NewVerifier(nil)

	return &blobReader{
		f:        f,
		dec:      dec,
		verifier: verifier,
		hash:     hash,
		size:     ref.size,
		corrupt:  func(err error) { s.purgeBlob(hash, err.Error()) },
	}, nil
}

// ReadBlob returns the whole verified content stored under hash.
func (s *Store) ReadBlob(hash string) ([]byte, error) {
	rc, err := s.OpenBlob(hash)
	if err != nil {
		return nil, err
	}

	defer func() { _ = rc.Close() }()

	return io.ReadAll(rc)
}

// Holds reports whether every one of dests already holds payload, pending,
// in flight or recently delivered. payload.Hash must be the hex SHA-256
// content hash.
func (s *Store) Holds(payload models.Payload, dests []string) bool {
	if payload.Hash == "" || len(dests) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range dests {
		if s.existingLocked(d, &payload) == nil {
			return false
		}
	}

	return true
}

// HasBlob reports whether content with hash is currently spooled.
func (s *Store) HasBlob(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.blobs[hash]

	return ok
}
