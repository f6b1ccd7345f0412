package entry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrConflict is returned (wrapped in a *ConflictError) when an entry is added
// at a path that already holds a different entry.
var ErrConflict = errors.New("entry conflict")

// ConflictError describes an add that collided with an existing entry.
// The tree keeps Existing; resolving the conflict is left to the caller.
type ConflictError struct {
	Existing *Entry
	Incoming *Entry
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("entry conflict at %s: existing %s, incoming %s",
		e.Existing.Path(), e.Existing.Updated().Format("2006-01-02T15:04:05.0000000Z"),
		e.Incoming.Updated().Format("2006-01-02T15:04:05.0000000Z"))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Directory is one node of the tree. It is read through the owning tree's lock
// and only mutated by Tree methods.
type Directory struct {
	tree  *Tree
	path  string
	dirs  map[string]*Directory
	files map[string]*Entry
}

func newDirectory(t *Tree, path string) *Directory {
	return &Directory{
		tree:  t,
		path:  path,
		dirs:  make(map[string]*Directory),
		files: make(map[string]*Entry),
	}
}

// Path returns the virtual path of the directory; the root is "/".
func (d *Directory) Path() string { return d.path }

// Directories returns the names of the child directories, sorted.
func (d *Directory) Directories() []string {
	d.tree.mu.RLock()
	defer d.tree.mu.RUnlock()

	names := make([]string, 0, len(d.dirs))
	for name := range d.dirs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Files returns the entries held directly in this directory, sorted by name.
func (d *Directory) Files() []*Entry {
	d.tree.mu.RLock()
	defer d.tree.mu.RUnlock()

	files := make([]*Entry, 0, len(d.files))
	for _, e := range d.files {
		files = append(files, e)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })
	return files
}

// File returns the entry with the given name in this directory.
func (d *Directory) File(name string) (*Entry, bool) {
	d.tree.mu.RLock()
	defer d.tree.mu.RUnlock()
	e, ok := d.files[name]
	return e, ok
}

func (d *Directory) child(name string) *Directory {
	sub := newDirectory(d.tree, strings.TrimSuffix(d.path, "/")+"/"+name)
	d.dirs[name] = sub
	return sub
}

// Tree holds a set of entries under two indexes kept in lock-step: the
// directory hierarchy for path lookup and a flat list for enumeration.
type Tree struct {
	mu      sync.RWMutex
	root    *Directory
	entries []*Entry
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	t := &Tree{}
	t.root = newDirectory(t, "/")
	return t
}

// Root returns the root directory.
func (t *Tree) Root() *Directory { return t.root }

// Navigate walks to the directory at path. With create set, missing
// directories are created; otherwise a missing segment returns false.
func (t *Tree) Navigate(path string, create bool) (*Directory, bool) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, false
	}

	if create {
		t.mu.Lock()
		defer t.mu.Unlock()
	} else {
		t.mu.RLock()
		defer t.mu.RUnlock()
	}
	return t.navigate(segments, create)
}

// navigate must be called with the lock held (write lock when create is set).
func (t *Tree) navigate(segments []string, create bool) (*Directory, bool) {
	current := t.root
	for _, s := range segments {
		next, ok := current.dirs[s]
		if !ok {
			if !create {
				return nil, false
			}
			next = current.child(s)
		}
		current = next
	}
	return current, true
}

// File returns the entry at path.
func (t *Tree) File(path string) (*Entry, bool) {
	segments, err := splitPath(path)
	if err != nil || len(segments) == 0 {
		return nil, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	dir, ok := t.navigate(segments[:len(segments)-1], false)
	if !ok {
		return nil, false
	}
	e, ok := dir.files[segments[len(segments)-1]]
	return e, ok
}

// Add inserts e. Adding an entry equal to the one already present is a no-op;
// adding a different entry at an occupied path returns a *ConflictError and
// leaves the tree unchanged.
func (t *Tree) Add(e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dir := t.parentOf(e)
	if existing, ok := dir.files[e.Name()]; ok {
		if existing.Equal(e) {
			return nil
		}
		return &ConflictError{Existing: existing, Incoming: e}
	}

	dir.files[e.Name()] = e
	t.entries = append(t.entries, e)
	return nil
}

// Replace inserts e, overwriting any entry at the same path. It returns the
// replaced entry, if any.
func (t *Tree) Replace(e *Entry) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dir := t.parentOf(e)
	existing, ok := dir.files[e.Name()]
	if ok {
		t.removeFlat(existing)
	}
	dir.files[e.Name()] = e
	t.entries = append(t.entries, e)
	return existing, ok
}

// Delete removes e from both indexes. It returns false if the tree does not
// hold an entry equal to e.
func (t *Tree) Delete(e *Entry) bool {
	segments, err := splitPath(e.Path())
	if err != nil || len(segments) == 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	dir, ok := t.navigate(segments[:len(segments)-1], false)
	if !ok {
		return false
	}
	existing, ok := dir.files[e.Name()]
	if !ok || !existing.Equal(e) {
		return false
	}

	delete(dir.files, e.Name())
	t.removeFlat(existing)
	return true
}

// Entries returns a snapshot of all entries. Order carries no meaning.
func (t *Tree) Entries() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// SaveText renders every entry as one line of the text persistence format.
func (t *Tree) SaveText() string {
	var b strings.Builder
	for _, e := range t.Entries() {
		b.WriteString(e.Line())
		b.WriteByte('\n')
	}
	return b.String()
}

// LoadText adds the entries from text produced by SaveText. Lines may end in
// LF or CRLF; blank lines are ignored. A malformed line aborts the load;
// conflicts are collected and returned together after all lines are applied.
func (t *Tree) LoadText(data string) error {
	var conflicts []error
	for i, line := range strings.Split(data, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
		if err := t.Add(e); err != nil {
			conflicts = append(conflicts, err)
		}
	}
	return errors.Join(conflicts...)
}

// parentOf returns the directory holding e, creating it if needed. Must be
// called with the write lock held.
func (t *Tree) parentOf(e *Entry) *Directory {
	segments, _ := splitPath(e.Path())
	dir, _ := t.navigate(segments[:len(segments)-1], true)
	return dir
}

// removeFlat drops e from the flat index. Must be called with the write lock held.
func (t *Tree) removeFlat(e *Entry) {
	for i, cur := range t.entries {
		if cur == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}
