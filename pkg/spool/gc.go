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
	"os"
	"path/filepath"
	"strings"
	"time"
)

const staleTmpAge = time.Hour

// CollectGarbage removes blob files no entry references, such as those
// left by a crash between writing a blob and its entries, stale staging
// files, and expired dedup records. It returns the number of files
// removed.
func (s *Store) CollectGarbage() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	window := time.Duration(s.cfg.DedupWindow)

	for key, mark := range s.delivered {
		if now.Sub(mark.at) >= window {
			delete(s.delivered, key)
		}
	}

	removed := 0

	var errs []error

	shards, err := os.ReadDir(filepath.Join(s.dir, blobsDir))
	if err != nil {
		return 0, err
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}

		dir := filepath.Join(s.dir, blobsDir, shard.Name())

		files, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		for _, f := range files {
			hash := strings.TrimSuffix(f.Name(), ".zst")
			if _, ok := s.blobs[hash]; ok {
				continue
			}

			if err := os.Remove(filepath.Join(dir, f.Name())); err != nil {
				errs = append(errs, err)

				continue
			}

			removed++
		}
	}

	tmp, err := os.ReadDir(filepath.Join(s.dir, tmpDir))
	if err != nil {
		return removed, errors.Join(append(errs, err)...)
	}

	for _, f := range tmp {
		info, err := f.Info()
		if err != nil || time.Since(info.ModTime()) < staleTmpAge {
			continue
		}

		if err := os.Remove(filepath.Join(s.dir, tmpDir, f.Name())); err == nil {
			removed++
		}
	}

	return removed, errors.Join(errs...)
}
