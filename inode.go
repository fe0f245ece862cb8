package vaultfs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InodeState tracks where an inode is in its lifecycle:
// Allocated -> Linked -> PendingDelete -> freed.
type InodeState uint8

const (
	// StateAllocated inodes exist but no directory entry names them yet
	StateAllocated InodeState = iota + 1
	// StateLinked inodes are named by exactly one directory entry
	StateLinked
	// StatePendingDelete inodes were unlinked while handles were open
	StatePendingDelete
)

func (s InodeState) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateLinked:
		return "linked"
	case StatePendingDelete:
		return "pending-delete"
	default:
		return "unknown"
	}
}

// Inode is the metadata of a file or directory
type Inode struct {
	ID      InodeID
	Kind    Kind
	Size    int64
	Ctime   time.Time
	Mtime   time.Time
	Atime   time.Time
	Content uuid.UUID // Content reference of a file; zero for directories
	State   InodeState
}

type inodeEntry struct {
	Inode
	refs int // open handles
}

// InodeTable maps inode identifiers to metadata. It allocates identifiers
// from a monotonic counter and tracks open references for deferred delete.
type InodeTable struct {
	mu     sync.RWMutex
	inodes map[InodeID]*inodeEntry
	next   InodeID
	now    func() time.Time
}

// NewInodeTable returns a table holding only the root directory
func NewInodeTable() *InodeTable {
	t := &InodeTable{
		inodes: make(map[InodeID]*inodeEntry),
		next:   RootInode + 1,
		now:    time.Now,
	}
	now := t.now()
	t.inodes[RootInode] = &inodeEntry{Inode: Inode{
		ID:    RootInode,
		Kind:  KindDirectory,
		Ctime: now,
		Mtime: now,
		Atime: now,
		State: StateLinked,
	}}
	return t
}

// Allocate creates an inode of the given kind in the Allocated state.
// Files receive a fresh content reference.
func (t *InodeTable) Allocate(kind Kind) (Inode, error) {
	if kind != KindFile && kind != KindDirectory {
		return Inode{}, NewValidationError("kind", kind, "unknown inode kind")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e := &inodeEntry{Inode: Inode{
		ID:    t.next,
		Kind:  kind,
		Ctime: now,
		Mtime: now,
		Atime: now,
		State: StateAllocated,
	}}
	if kind == KindFile {
		e.Content = uuid.New()
	}
	t.next++
	t.inodes[e.ID] = e
	return e.Inode, nil
}

// Get returns a copy of the inode
func (t *InodeTable) Get(id InodeID) (Inode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.inodes[id]
	if !ok {
		return Inode{}, fmt.Errorf("inode %d: %w", id, ErrNotFound)
	}
	return e.Inode, nil
}

// MarkLinked moves an Allocated inode to Linked. It also reverts a
// PendingDelete inode, which is how a failed unlink is undone.
func (t *InodeTable) MarkLinked(id InodeID) error {
	return t.update(id, func(e *inodeEntry) error {
		e.State = StateLinked
		return nil
	})
}

// MarkPendingDelete records that the inode no longer has a directory entry
func (t *InodeTable) MarkPendingDelete(id InodeID) error {
	return t.update(id, func(e *inodeEntry) error {
		if id == RootInode {
			return NewValidationError("inode", id, "root cannot be deleted")
		}
		e.State = StatePendingDelete
		e.Ctime = t.now()
		return nil
	})
}

// UpdateSize sets the size and the modification times
func (t *InodeTable) UpdateSize(id InodeID, size int64) error {
	return t.update(id, func(e *inodeEntry) error {
		if size < 0 {
			return NewValidationError("size", size, "size cannot be negative")
		}
		now := t.now()
		e.Size = size
		e.Mtime = now
		e.Ctime = now
		return nil
	})
}

// Touch sets the modification times to now
func (t *InodeTable) Touch(id InodeID) error {
	return t.update(id, func(e *inodeEntry) error {
		now := t.now()
		e.Mtime = now
		e.Ctime = now
		return nil
	})
}

// TouchAccess sets the access time to now
func (t *InodeTable) TouchAccess(id InodeID) error {
	return t.update(id, func(e *inodeEntry) error {
		e.Atime = t.now()
		return nil
	})
}

// Ref records an open handle. Inodes awaiting deletion cannot be opened.
func (t *InodeTable) Ref(id InodeID) error {
	return t.update(id, func(e *inodeEntry) error {
		if e.State == StatePendingDelete {
			return fmt.Errorf("inode %d: %w", id, ErrNotFound)
		}
		e.refs++
		return nil
	})
}

// Unref releases an open handle and returns the remaining count
func (t *InodeTable) Unref(id InodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.inodes[id]
	if !ok {
		return 0
	}
	if e.refs > 0 {
		e.refs--
	}
	return e.refs
}

// TryFinalizeDelete removes a PendingDelete inode once no handle
// references it, returning its final metadata so the caller can free its
// content.
func (t *InodeTable) TryFinalizeDelete(id InodeID) (Inode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.inodes[id]
	if !ok || e.State != StatePendingDelete || e.refs > 0 {
		return Inode{}, false
	}
	delete(t.inodes, id)
	return e.Inode, true
}

// Discard drops an inode that never became reachable
func (t *InodeTable) Discard(id InodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.inodes[id]; ok && e.State == StateAllocated {
		delete(t.inodes, id)
	}
}

// Len returns the number of inodes in the table
func (t *InodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.inodes)
}

// All returns a copy of every inode ordered by id
func (t *InodeTable) All() []Inode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Inode, 0, len(t.inodes))
	for _, e := range t.inodes {
		out = append(out, e.Inode)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *InodeTable) update(id InodeID, fn func(*inodeEntry) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.inodes[id]
	if !ok {
		return fmt.Errorf("inode %d: %w", id, ErrNotFound)
	}
	return fn(e)
}

// snapshot captures the table for persistence. Open reference counts are
// runtime state and are not included.
func (t *InodeTable) snapshot() (InodeID, []inodeRecord) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	records := make([]inodeRecord, 0, len(t.inodes))
	for _, e := range t.inodes {
		records = append(records, inodeRecord{
			ID:      uint64(e.ID),
			Kind:    uint8(e.Kind),
			Size:    e.Size,
			Ctime:   e.Ctime.UnixNano(),
			Mtime:   e.Mtime.UnixNano(),
			Atime:   e.Atime.UnixNano(),
			Content: e.Content,
			State:   uint8(e.State),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return t.next, records
}

// restore replaces the table contents with a persisted snapshot
func (t *InodeTable) restore(next InodeID, records []inodeRecord) error {
	inodes := make(map[InodeID]*inodeEntry, len(records))
	for _, r := range records {
		id := InodeID(r.ID)
		if id == 0 || id >= next {
			return fmt.Errorf("%w: inode %d outside allocated range", ErrInvalidHeader, id)
		}
		kind := Kind(r.Kind)
		if kind != KindFile && kind != KindDirectory {
			return fmt.Errorf("%w: inode %d has kind %d", ErrInvalidHeader, id, r.Kind)
		}
		inodes[id] = &inodeEntry{Inode: Inode{
			ID:      id,
			Kind:    kind,
			Size:    r.Size,
			Ctime:   time.Unix(0, r.Ctime),
			Mtime:   time.Unix(0, r.Mtime),
			Atime:   time.Unix(0, r.Atime),
			Content: r.Content,
			State:   InodeState(r.State),
		}}
	}
	root, ok := inodes[RootInode]
	if !ok || root.Kind != KindDirectory {
		return fmt.Errorf("%w: missing root directory", ErrInvalidHeader)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inodes = inodes
	t.next = next
	return nil
}
