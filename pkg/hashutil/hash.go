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

// Package hashutil parses content digests and verifies streamed payloads
// against them.
package hashutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/carverauto/relayd/pkg/models"
)

// Algorithm names a supported digest function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

const digestSize = 32

var (
	errEmptyChecksum       = errors.New("empty checksum string")
	errUnsupportedEncoding = errors.New("unsupported checksum encoding")
)

// Digest is a declared content digest such as "sha256:<hex>".
type Digest struct {
	Algorithm Algorithm
	Sum       []byte
}

// String renders the digest in its canonical "<alg>:<lowercase hex>" form.
func (d Digest) String() string {
	return string(d.Algorithm) + ":" + hex.EncodeToString(d.Sum)
}

// Matches reports in constant time whether sum equals the digest.
func (d Digest) Matches(sum []byte) bool {
	return len(sum) == len(d.Sum) && subtle.ConstantTimeCompare(d.Sum, sum) == 1
}

// ParseDigest parses "<alg>:<value>" where value is hex or base64. A bare
// value without an algorithm prefix is taken as SHA-256.
func ParseDigest(s string) (Digest, error) {
	alg, value, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		alg, value = string(SHA256), alg
	}

	algorithm := Algorithm(strings.ToLower(alg))
	if algorithm != SHA256 && algorithm != BLAKE3 {
		return Digest{}, fmt.Errorf("%w: unknown algorithm %q", models.ErrInvalidDigest, alg)
	}

	sum, err := DecodeDigestString(value)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %w", models.ErrInvalidDigest, err)
	}

	if len(sum) != digestSize {
		return Digest{}, fmt.Errorf("%w: expected %d bytes, got %d", models.ErrInvalidDigest, digestSize, len(sum))
	}

	return Digest{Algorithm: algorithm, Sum: sum}, nil
}

// DecodeDigestString attempts to decode the provided checksum string which may be
// hex-encoded or base64/base64url-encoded. It returns the raw digest.
func DecodeDigestString(s string) ([]byte, error) {
	clean := strings.TrimSpace(s)
	if clean == "" {
		return nil, errEmptyChecksum
	}

	if decoded, err := hex.DecodeString(clean); err == nil {
		return decoded, nil
	}

	// Try several base64 alphabets to accommodate header encodings.
	base64Variants := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}

	for _, enc := range base64Variants {
		if decoded, err := enc.DecodeString(clean); err == nil {
			return decoded, nil
		}
	}

	return nil, errUnsupportedEncoding
}

// CanonicalContentHash returns the lowercase hex form of a SHA-256 digest
// given as "sha256:<value>", a bare hex value or base64. It is the key
// format of the blob store.
func CanonicalContentHash(s string) (string, error) {
	d, err := ParseDigest(s)
	if err != nil {
		return "", err
	}

	if d.Algorithm != SHA256 {
		return "", fmt.Errorf("%w: content hashes are sha256", models.ErrInvalidDigest)
	}

	return hex.EncodeToString(d.Sum), nil
}

// New returns a fresh hash for the algorithm.
func New(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", models.ErrInvalidDigest, alg)
	}
}

// SumHex returns the hex SHA-256 of b.
func SumHex(b []byte) string {
	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:])
}

// IsContentHash reports whether s looks like a blob key: 64 lowercase hex
// characters.
func IsContentHash(s string) bool {
	if len(s) != 2*digestSize {
		return false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}
