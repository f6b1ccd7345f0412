package store

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Digest names the content hash used for entries.
type Digest string

// Supported digests.
const (
	MD5     Digest = "md5"
	SHA256  Digest = "sha256"
	BLAKE2b Digest = "blake2b"
)

// DefaultDigest matches the inventories produced by existing deployments.
const DefaultDigest = MD5

// ParseDigest parses a digest name. An empty name selects DefaultDigest.
func ParseDigest(name string) (Digest, error) {
	switch d := Digest(strings.ToLower(strings.TrimSpace(name))); d {
	case "":
		return DefaultDigest, nil
	case MD5, SHA256, BLAKE2b:
		return d, nil
	default:
		return "", fmt.Errorf("unknown digest %q (want md5, sha256 or blake2b)", name)
	}
}

// New returns a fresh hasher.
func (d Digest) New() hash.Hash {
	switch d {
	case SHA256:
		return sha256.New()
	case BLAKE2b:
		h, _ := blake2b.New256(nil) // only fails for oversized keys
		return h
	default:
		return md5.New()
	}
}

// Size returns the digest length in bytes.
func (d Digest) Size() int {
	return d.New().Size()
}

// Sum hashes everything read from r.
func (d Digest) Sum(r io.Reader) ([]byte, error) {
	h := d.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
