// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest names specifications by their hash.
//
// A [Function] hashes a committed specification into a fixed-width
// [Digest]. The digest's lower-case hex encoding is the name of the
// virtual file the specification produces, so clients that know the
// algorithm can compute the name themselves without asking the
// filesystem.
//
// BLAKE3 (256-bit) is the default. SHA-1 is available for clients of
// the legacy concat-fuse protocol, which compute SHA-1 names
// locally.
package digest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Algorithm identifies a digest function by its configuration name.
type Algorithm string

const (
	// BLAKE3 is the 32-byte BLAKE3 hash.
	BLAKE3 Algorithm = "blake3"

	// SHA1 is the 20-byte SHA-1 hash, for compatibility with legacy
	// clients only.
	SHA1 Algorithm = "sha1"
)

// maximumSize is the widest digest any supported algorithm produces.
const maximumSize = 32

// Digest is the hash of a specification. Digests are comparable and
// usable as map keys. The zero value is not a valid digest.
type Digest struct {
	size uint8
	sum  [maximumSize]byte
}

// Bytes returns the raw digest bytes.
func (d Digest) Bytes() []byte {
	return append([]byte(nil), d.sum[:d.size]...)
}

// String returns the lower-case hex encoding, which is also the
// virtual file name.
func (d Digest) String() string {
	return hex.EncodeToString(d.sum[:d.size])
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d.size == 0
}

// Function computes digests with one algorithm.
type Function struct {
	algorithm Algorithm
	size      int
	sum       func(data []byte) []byte
}

// NewFunction returns the digest function for algorithm.
func NewFunction(algorithm Algorithm) (Function, error) {
	switch algorithm {
	case BLAKE3:
		return Function{algorithm: BLAKE3, size: 32, sum: func(data []byte) []byte {
			sum := blake3.Sum256(data)
			return sum[:]
		}}, nil
	case SHA1:
		return Function{algorithm: SHA1, size: sha1.Size, sum: func(data []byte) []byte {
			sum := sha1.Sum(data)
			return sum[:]
		}}, nil
	default:
		return Function{}, fmt.Errorf("unknown digest algorithm %q (supported: %s, %s)", algorithm, BLAKE3, SHA1)
	}
}

// MustNewFunction is NewFunction for algorithms known at compile time.
func MustNewFunction(algorithm Algorithm) Function {
	function, err := NewFunction(algorithm)
	if err != nil {
		panic(err)
	}
	return function
}

// Algorithm returns the algorithm this function computes.
func (f Function) Algorithm() Algorithm {
	return f.algorithm
}

// Sum hashes data.
func (f Function) Sum(data []byte) Digest {
	return FromBytes(f.sum(data))
}

// Parse decodes a hex name produced by this function. Names of the
// wrong length or with upper-case or non-hex characters are rejected,
// so every digest has exactly one valid name.
func (f Function) Parse(name string) (Digest, error) {
	if len(name) != 2*f.size {
		return Digest{}, fmt.Errorf("%s digest name must be %d hex characters, got %d", f.algorithm, 2*f.size, len(name))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return Digest{}, fmt.Errorf("digest name %q: invalid character %q at position %d", name, c, i)
		}
	}
	decoded, err := hex.DecodeString(name)
	if err != nil {
		return Digest{}, fmt.Errorf("parsing digest name: %w", err)
	}
	return FromBytes(decoded), nil
}

// FromBytes builds a digest from raw bytes. It panics if raw is empty
// or longer than the widest supported digest; digest functions never
// produce such values.
func FromBytes(raw []byte) Digest {
	if len(raw) == 0 || len(raw) > maximumSize {
		panic(fmt.Sprintf("digest: invalid raw digest length %d", len(raw)))
	}
	var d Digest
	d.size = uint8(len(raw))
	copy(d.sum[:], raw)
	return d
}
