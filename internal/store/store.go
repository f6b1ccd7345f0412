// Package store binds an entry tree to a physical directory and verifies that
// the directory actually holds what the tree says it must.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fogmesh/fog/pkg/entry"
)

// Store is a named inventory, optionally backed by a physical root directory.
// Coordinator-side stores have no root: their tree is the grant list the
// owning peer is expected to satisfy.
type Store struct {
	ID     uuid.UUID
	Name   string
	Root   string
	Digest Digest

	tree *entry.Tree
}

// New creates a store with an empty inventory.
func New(id uuid.UUID, name, root string, digest Digest) *Store {
	if digest == "" {
		digest = DefaultDigest
	}
	return &Store{
		ID:     id,
		Name:   name,
		Root:   root,
		Digest: digest,
		tree:   entry.NewTree(),
	}
}

// Tree returns the store inventory.
func (s *Store) Tree() *entry.Tree { return s.tree }

// PhysicalPath maps a virtual path onto the store root.
func (s *Store) PhysicalPath(virtual string) string {
	return filepath.Join(s.Root, filepath.FromSlash(virtual))
}

// Verify recomputes the digest of e's physical file and compares it with
// e's digest. It returns nil when the file verifies, or an error wrapping
// ErrMissing, ErrUnreadable or ErrIntegrityMismatch.
func (s *Store) Verify(e *entry.Entry) error {
	_, err := s.read(e, io.Discard)
	return err
}

// VerifyPath verifies the inventory entry at virtual path p.
func (s *Store) VerifyPath(p string) error {
	e, ok := s.tree.File(p)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, p)
	}
	return s.Verify(e)
}

// Verified reports whether e's physical file verifies.
func (s *Store) Verified(e *entry.Entry) bool {
	return s.Verify(e) == nil
}

// ReadVerified returns the content of e's physical file if, and only if, it
// matches e's digest.
func (s *Store) ReadVerified(e *entry.Entry) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.read(e, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Store) read(e *entry.Entry, w io.Writer) (int64, error) {
	if s.Root == "" {
		return 0, ErrNoRoot
	}

	f, err := os.Open(s.PhysicalPath(e.Path()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrMissing, e.Path())
		}
		return 0, fmt.Errorf("%w: %s: %v", ErrUnreadable, e.Path(), err)
	}
	defer func() { _ = f.Close() }()

	h := s.Digest.New()
	n, err := io.Copy(io.MultiWriter(h, w), f)
	if err != nil {
		return n, fmt.Errorf("%w: %s: %v", ErrUnreadable, e.Path(), err)
	}
	if !e.DigestEqual(h.Sum(nil)) {
		return n, fmt.Errorf("%w: %s", ErrIntegrityMismatch, e.Path())
	}
	return n, nil
}

// CreateEntry hashes r and returns a new entry for virtual path p. The entry
// is not inserted into any tree.
func (s *Store) CreateEntry(p string, r io.Reader, updated time.Time) (*entry.Entry, error) {
	return CreateEntry(s.Digest, p, r, updated)
}

// CreateEntry hashes r with d and returns a new entry for virtual path p.
func CreateEntry(d Digest, p string, r io.Reader, updated time.Time) (*entry.Entry, error) {
	sum, err := d.Sum(r)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", p, err)
	}
	return entry.New(p, sum, updated)
}

// Install writes content for e into the store, verifying it on the way. The
// file is written to a temporary file and renamed into place only when the
// digest matches, so a failed download never clobbers existing content with
// a partial one. The file's modification time is set to e's update time.
func (s *Store) Install(e *entry.Entry, r io.Reader) error {
	if s.Root == "" {
		return ErrNoRoot
	}

	dst := s.PhysicalPath(e.Path())
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".fog-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	h := s.Digest.New()
	if _, err := io.Copy(io.MultiWriter(tmpFile, h), r); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", e.Path(), err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if !e.DigestEqual(h.Sum(nil)) {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: downloaded content for %s", ErrIntegrityMismatch, e.Path())
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", e.Path(), err)
	}
	_ = os.Chtimes(dst, e.Updated(), e.Updated())
	return nil
}

// SyncResult counts the changes ApplyInventory made.
type SyncResult struct {
	Added    int
	Replaced int
	Removed  int
}

// Changed reports whether anything changed.
func (r SyncResult) Changed() bool {
	return r.Added+r.Replaced+r.Removed > 0
}

// ApplyInventory makes the store inventory match entries: listed entries
// replace local ones at the same path and local entries not listed are dropped.
func (s *Store) ApplyInventory(entries []*entry.Entry) SyncResult {
	var res SyncResult
	wanted := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		wanted[e.Path()] = struct{}{}
		if cur, ok := s.tree.File(e.Path()); ok && cur.Equal(e) {
			continue
		}
		if _, replaced := s.tree.Replace(e); replaced {
			res.Replaced++
		} else {
			res.Added++
		}
	}

	for _, e := range s.tree.Entries() {
		if _, ok := wanted[e.Path()]; !ok && s.tree.Delete(e) {
			res.Removed++
		}
	}
	return res
}
