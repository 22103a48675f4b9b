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

package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/carverauto/relayd/pkg/models"
)

// Verifier is an io.Writer that hashes streamed content. It always keeps
// the SHA-256 content hash used as the blob key and, when a digest was
// declared with another algorithm, that algorithm's sum as well.
type Verifier struct {
	declared *Digest
	content  hash.Hash
	other    hash.Hash
	n        int64
}

// NewVerifier returns a verifier checking against declared, which may be
// nil when only the content hash is wanted.
func NewVerifier(declared *Digest) (*Verifier, error) {
	v := &Verifier{declared: declared, content: sha256.New()}

	if declared != nil && declared.Algorithm != SHA256 {
		h, err := New(declared.Algorithm)
		if err != nil {
			return nil, err
		}

		v.other = h
	}

	return v, nil
}

func (v *Verifier) Write(p []byte) (int, error) {
	v.content.Write(p)

	if v.other != nil {
		v.other.Write(p)
	}

	v.n += int64(len(p))

	return len(p), nil
}

// Size is the number of bytes written so far.
func (v *Verifier) Size() int64 {
	return v.n
}

// ContentHash returns the hex SHA-256 of everything written.
func (v *Verifier) ContentHash() string {
	return hex.EncodeToString(v.content.Sum(nil))
}

// Verify checks the declared digest and, when expectedSize is not
// negative, the byte count.
func (v *Verifier) Verify(expectedSize int64) error {
	if expectedSize >= 0 && expectedSize != v.n {
		return fmt.Errorf("%w: declared %d, received %d", models.ErrSizeMismatch, expectedSize, v.n)
	}

	if v.declared == nil {
		return nil
	}

	h := v.content
	if v.other != nil {
		h = v.other
	}

	if !v.declared.Matches(h.Sum(nil)) {
		return fmt.Errorf("%w: declared %s", models.ErrHashMismatch, v.declared)
	}

	return nil
}
