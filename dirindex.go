package vaultfs

import (
	"fmt"
	"sort"
	"sync"
)

// DirEntry names a child inode within a directory
type DirEntry struct {
	Name  string
	Inode InodeID
	Kind  Kind
}

// DirectoryIndex maps (parent, name) to child inodes. Names are unique per
// parent and every directory has exactly one parent, so the tree can be
// walked upward to detect cycles.
type DirectoryIndex struct {
	mu      sync.RWMutex
	entries map[InodeID]map[string]DirEntry
	parents map[InodeID]InodeID
}

// NewDirectoryIndex returns an index holding only the empty root directory
func NewDirectoryIndex() *DirectoryIndex {
	return &DirectoryIndex{
		entries: map[InodeID]map[string]DirEntry{RootInode: {}},
		parents: map[InodeID]InodeID{RootInode: RootInode},
	}
}

// Lookup returns the entry called name in parent
func (d *DirectoryIndex) Lookup(parent InodeID, name string) (DirEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dir, ok := d.entries[parent]
	if !ok {
		return DirEntry{}, fmt.Errorf("directory %d: %w", parent, ErrNotFound)
	}
	e, ok := dir[name]
	if !ok {
		return DirEntry{}, fmt.Errorf("%q in directory %d: %w", name, parent, ErrNotFound)
	}
	return e, nil
}

// Insert adds child under parent. Directories become parents themselves.
func (d *DirectoryIndex) Insert(parent InodeID, name string, child InodeID, kind Kind) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dir, ok := d.entries[parent]
	if !ok {
		return fmt.Errorf("directory %d: %w", parent, ErrNotFound)
	}
	if _, exists := dir[name]; exists {
		return fmt.Errorf("%q in directory %d: %w", name, parent, ErrAlreadyExists)
	}

	dir[name] = DirEntry{Name: name, Inode: child, Kind: kind}
	if kind == KindDirectory {
		d.entries[child] = map[string]DirEntry{}
		d.parents[child] = parent
	}
	return nil
}

// Remove deletes the entry called name from parent. kind states what the
// caller expects: removing a directory as a file fails with ErrNotAFile,
// removing a file as a directory fails with ErrNotADirectory, and a
// directory that still has entries fails with ErrNotEmpty.
func (d *DirectoryIndex) Remove(parent InodeID, name string, kind Kind) (DirEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dir, ok := d.entries[parent]
	if !ok {
		return DirEntry{}, fmt.Errorf("directory %d: %w", parent, ErrNotFound)
	}
	e, ok := dir[name]
	if !ok {
		return DirEntry{}, fmt.Errorf("%q in directory %d: %w", name, parent, ErrNotFound)
	}

	switch {
	case kind == KindFile && e.Kind == KindDirectory:
		return DirEntry{}, fmt.Errorf("%q: %w", name, ErrNotAFile)
	case kind == KindDirectory && e.Kind != KindDirectory:
		return DirEntry{}, fmt.Errorf("%q: %w", name, ErrNotADirectory)
	case e.Kind == KindDirectory && len(d.entries[e.Inode]) > 0:
		return DirEntry{}, fmt.Errorf("%q: %w", name, ErrNotEmpty)
	}

	delete(dir, name)
	if e.Kind == KindDirectory {
		delete(d.entries, e.Inode)
		delete(d.parents, e.Inode)
	}
	return e, nil
}

// Rename moves oldParent/oldName to newParent/newName in one critical
// section, so concurrent lookups see the entry in exactly one place. An
// existing file target, or an empty directory target, is replaced and
// returned as displaced.
func (d *DirectoryIndex) Rename(oldParent InodeID, oldName string, newParent InodeID, newName string) (displaced *DirEntry, err error) {
	if err := ValidateName(newName); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	src, ok := d.entries[oldParent]
	if !ok {
		return nil, fmt.Errorf("directory %d: %w", oldParent, ErrNotFound)
	}
	dst, ok := d.entries[newParent]
	if !ok {
		return nil, fmt.Errorf("directory %d: %w", newParent, ErrNotFound)
	}
	e, ok := src[oldName]
	if !ok {
		return nil, fmt.Errorf("%q in directory %d: %w", oldName, oldParent, ErrNotFound)
	}
	if oldParent == newParent && oldName == newName {
		return nil, nil
	}

	if e.Kind == KindDirectory && d.isAncestor(e.Inode, newParent) {
		return nil, &ValidationError{
			Field:   "new_parent",
			Value:   newParent,
			Message: fmt.Sprintf("cannot move directory %d into its own subtree", e.Inode),
		}
	}

	if target, exists := dst[newName]; exists {
		if target.Kind != e.Kind {
			return nil, fmt.Errorf("%q in directory %d is a %s: %w", newName, newParent, target.Kind, ErrAlreadyExists)
		}
		if target.Kind == KindDirectory {
			if len(d.entries[target.Inode]) > 0 {
				return nil, fmt.Errorf("%q: %w", newName, ErrNotEmpty)
			}
			delete(d.entries, target.Inode)
			delete(d.parents, target.Inode)
		}
		displaced = &target
	}

	delete(src, oldName)
	e.Name = newName
	dst[newName] = e
	if e.Kind == KindDirectory {
		d.parents[e.Inode] = newParent
	}
	return displaced, nil
}

// isAncestor reports whether dir is node or one of its ancestors
func (d *DirectoryIndex) isAncestor(dir, node InodeID) bool {
	for {
		if node == dir {
			return true
		}
		parent, ok := d.parents[node]
		if !ok || parent == node {
			return false
		}
		node = parent
	}
}

// Parent returns the directory containing dir. The root is its own parent.
func (d *DirectoryIndex) Parent(dir InodeID) (InodeID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	parent, ok := d.parents[dir]
	if !ok {
		return 0, fmt.Errorf("directory %d: %w", dir, ErrNotFound)
	}
	return parent, nil
}

// Len returns the number of entries in dir
func (d *DirectoryIndex) Len(dir InodeID) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries, ok := d.entries[dir]
	if !ok {
		return 0, fmt.Errorf("directory %d: %w", dir, ErrNotFound)
	}
	return len(entries), nil
}

// Iterate returns an iterator over a snapshot of dir taken now. Later
// changes to the directory are not reflected.
func (d *DirectoryIndex) Iterate(dir InodeID) (*DirIterator, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries, ok := d.entries[dir]
	if !ok {
		return nil, fmt.Errorf("directory %d: %w", dir, ErrNotFound)
	}
	snap := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		snap = append(snap, e)
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].Name < snap[j].Name })
	return &DirIterator{dir: dir, entries: snap}, nil
}

// Linked returns every inode reachable through an entry
func (d *DirectoryIndex) Linked() map[InodeID]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	linked := map[InodeID]bool{RootInode: true}
	for _, dir := range d.entries {
		for _, e := range dir {
			linked[e.Inode] = true
		}
	}
	return linked
}

func (d *DirectoryIndex) snapshot() []entryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var records []entryRecord
	for parent, dir := range d.entries {
		for _, e := range dir {
			records = append(records, entryRecord{
				Parent: uint64(parent),
				Name:   e.Name,
				Inode:  uint64(e.Inode),
				Kind:   uint8(e.Kind),
			})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Parent != records[j].Parent {
			return records[i].Parent < records[j].Parent
		}
		return records[i].Name < records[j].Name
	})
	return records
}

// restore rebuilds the index from persisted entries. Directories are
// created from their own entries, so records may arrive in any order.
func (d *DirectoryIndex) restore(records []entryRecord) error {
	entries := map[InodeID]map[string]DirEntry{RootInode: {}}
	parents := map[InodeID]InodeID{RootInode: RootInode}

	for _, r := range records {
		if Kind(r.Kind) == KindDirectory {
			if _, dup := parents[InodeID(r.Inode)]; dup {
				return fmt.Errorf("%w: directory %d has two entries", ErrInvalidHeader, r.Inode)
			}
			entries[InodeID(r.Inode)] = map[string]DirEntry{}
			parents[InodeID(r.Inode)] = InodeID(r.Parent)
		}
	}
	for _, r := range records {
		dir, ok := entries[InodeID(r.Parent)]
		if !ok {
			return fmt.Errorf("%w: entry %q has unknown parent %d", ErrInvalidHeader, r.Name, r.Parent)
		}
		if _, dup := dir[r.Name]; dup {
			return fmt.Errorf("%w: duplicate entry %q in %d", ErrInvalidHeader, r.Name, r.Parent)
		}
		dir[r.Name] = DirEntry{Name: r.Name, Inode: InodeID(r.Inode), Kind: Kind(r.Kind)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = entries
	d.parents = parents
	return nil
}

// DirIterator walks a directory snapshot in name order. It is not safe
// for concurrent use.
type DirIterator struct {
	dir     InodeID
	entries []DirEntry
	pos     int
}

// Next returns the next entry, or false when the snapshot is exhausted
func (it *DirIterator) Next() (DirEntry, bool) {
	if it.pos >= len(it.entries) {
		return DirEntry{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true
}

// Reset rewinds the iterator to the first entry of the same snapshot
func (it *DirIterator) Reset() {
	it.pos = 0
}

// Dir returns the directory the iterator was opened on
func (it *DirIterator) Dir() InodeID {
	return it.dir
}

// Len returns the number of entries in the snapshot
func (it *DirIterator) Len() int {
	return len(it.entries)
}
