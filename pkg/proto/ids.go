package proto

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// FormatID renders an identifier as the 32-character hex string used in query parameters.
func FormatID(id uuid.UUID) string {
	return hex.EncodeToString(id[:])
}

// ParseID parses a hex identifier. The dashed UUID form is accepted too.
func ParseID(s string) (uuid.UUID, error) {
	if len(s) == 2*idSize {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
		}
		return uuid.FromBytes(raw)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

// IDFromBytes converts a raw 16-byte response body into an identifier.
func IDFromBytes(b []byte) (uuid.UUID, error) {
	if len(b) != idSize {
		return uuid.Nil, fmt.Errorf("%w: id must be %d bytes, got %d", ErrDecode, idSize, len(b))
	}
	return uuid.FromBytes(b)
}
