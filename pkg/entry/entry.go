// Package entry implements the content-addressed virtual file tree used to
// track store inventories.
//
// An Entry binds a virtual path to a content digest and the time the content
// was last known to change. Entries are immutable; updating a file means
// replacing its Entry.
//
// Binary record format:
//
//	[8 bytes: update time in ticks (big-endian)] [1 byte: digest length] [digest] [UTF-8 path]
//
// The path runs to the end of the record, so records must be framed by the
// caller (see pkg/proto).
//
// Text line format:
//
//	base64(8-byte ticks) TAB base64(digest) TAB virtual path
package entry

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxDigestSize is the largest digest that fits the 1-byte length prefix.
	MaxDigestSize = 255

	// recordHeaderSize is ticks (8) + digest length (1).
	recordHeaderSize = 9
)

var (
	// ErrMalformed is returned when a binary record or text line cannot be decoded.
	ErrMalformed = errors.New("malformed entry")

	// ErrInvalidPath is returned for paths with no segments, with "." / ".."
	// segments, with control characters the text format cannot carry, or that
	// are not valid UTF-8.
	ErrInvalidPath = errors.New("invalid virtual path")

	// ErrTimeRange is returned for update times that do not fit the tick encoding.
	ErrTimeRange = errors.New("update time out of range")
)

// Entry is one tracked file: virtual path, content digest and update time.
type Entry struct {
	path    string
	name    string
	digest  []byte
	updated time.Time
}

// New creates an entry. The path is normalized to "/a/b" form and the update
// time is converted to UTC at tick (100ns) precision.
func New(path string, digest []byte, updated time.Time) (*Entry, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: %q has no file name", ErrInvalidPath, path)
	}
	if len(digest) > MaxDigestSize {
		return nil, fmt.Errorf("digest too large: %d > %d", len(digest), MaxDigestSize)
	}
	if updated.Before(MinTime) || updated.After(MaxTime) {
		return nil, fmt.Errorf("%w: %s", ErrTimeRange, updated.UTC().Format(time.RFC3339))
	}

	d := make([]byte, len(digest))
	copy(d, digest)

	return &Entry{
		path:    "/" + strings.Join(segments, "/"),
		name:    segments[len(segments)-1],
		digest:  d,
		updated: FromTicks(ToTicks(updated)),
	}, nil
}

// Path returns the normalized virtual path.
func (e *Entry) Path() string { return e.path }

// Name returns the last path segment.
func (e *Entry) Name() string { return e.name }

// Dir returns the virtual path of the directory holding the entry.
func (e *Entry) Dir() string {
	i := strings.LastIndexByte(e.path, '/')
	if i <= 0 {
		return "/"
	}
	return e.path[:i]
}

// Digest returns a copy of the content digest.
func (e *Entry) Digest() []byte {
	d := make([]byte, len(e.digest))
	copy(d, e.digest)
	return d
}

// DigestEqual reports whether sum matches the entry digest.
func (e *Entry) DigestEqual(sum []byte) bool {
	return bytes.Equal(e.digest, sum)
}

// Updated returns the last-known update time (UTC).
func (e *Entry) Updated() time.Time { return e.updated }

// Equal reports whether both entries have the same path, update time and digest.
func (e *Entry) Equal(other *Entry) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.path == other.path &&
		e.updated.Equal(other.updated) &&
		bytes.Equal(e.digest, other.digest)
}

// String renders the entry for listings.
func (e *Entry) String() string {
	return fmt.Sprintf("%s\t%X\t%s", e.updated.Format(time.RFC3339), e.digest, e.path)
}

// MarshalBinary encodes the entry as a binary record.
func (e *Entry) MarshalBinary() ([]byte, error) {
	buf := make([]byte, recordHeaderSize+len(e.digest)+len(e.path))
	binary.BigEndian.PutUint64(buf[0:8], uint64(ToTicks(e.updated)))
	buf[8] = byte(len(e.digest))
	copy(buf[recordHeaderSize:], e.digest)
	copy(buf[recordHeaderSize+len(e.digest):], e.path)
	return buf, nil
}

// Decode parses a binary record produced by MarshalBinary.
func Decode(data []byte) (*Entry, error) {
	if len(data) < recordHeaderSize {
		return nil, fmt.Errorf("%w: record too short (%d bytes)", ErrMalformed, len(data))
	}

	ticks := int64(binary.BigEndian.Uint64(data[0:8]))
	digestLen := int(data[8])
	if len(data) < recordHeaderSize+digestLen {
		return nil, fmt.Errorf("%w: digest length %d exceeds record", ErrMalformed, digestLen)
	}

	digest := data[recordHeaderSize : recordHeaderSize+digestLen]
	path := data[recordHeaderSize+digestLen:]
	if !utf8.Valid(path) {
		return nil, fmt.Errorf("%w: path is not valid UTF-8", ErrMalformed)
	}

	e, err := New(string(path), digest, FromTicks(ticks))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}

// Line encodes the entry in the text persistence format (without newline).
func (e *Entry) Line() string {
	var ticks [8]byte
	binary.BigEndian.PutUint64(ticks[:], uint64(ToTicks(e.updated)))

	return base64.StdEncoding.EncodeToString(ticks[:]) + "\t" +
		base64.StdEncoding.EncodeToString(e.digest) + "\t" +
		e.path
}

// ParseLine decodes one line of the text persistence format.
func ParseLine(line string) (*Entry, error) {
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), "\t", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 tab-separated fields, got %d", ErrMalformed, len(parts))
	}

	ticks, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(ticks) != 8 {
		return nil, fmt.Errorf("%w: bad timestamp field", ErrMalformed)
	}
	digest, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad digest field: %v", ErrMalformed, err)
	}

	e, err := New(parts[2], digest, FromTicks(int64(binary.BigEndian.Uint64(ticks))))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}

// ValidPath reports whether path can be stored as an entry path.
func ValidPath(path string) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("%w: %q has no file name", ErrInvalidPath, path)
	}
	return nil
}

// splitPath splits a virtual path into its non-empty segments.
func splitPath(path string) ([]string, error) {
	if !utf8.ValidString(path) {
		return nil, fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidPath, path)
	}
	if strings.ContainsAny(path, "\t\r\n") {
		return nil, fmt.Errorf("%w: %q contains a tab or line break", ErrInvalidPath, path)
	}
	path = strings.ReplaceAll(path, "\\", "/")
	raw := strings.Split(path, "/")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		switch s {
		case "":
			continue
		case ".", "..":
			return nil, fmt.Errorf("%w: %q contains %q", ErrInvalidPath, path, s)
		}
		segments = append(segments, s)
	}
	return segments, nil
}
