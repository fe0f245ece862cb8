package vaultfs

import (
	"fmt"
	"sync"
)

// Handle is the state of one open file
type Handle struct {
	ID     HandleID
	Inode  InodeID
	Mode   OpenMode
	Cursor int64 // Offset just past the last read or write
	Dirty  bool  // Written since the last flush
}

// contentIO is the positional content access a HandleTable delegates to
type contentIO interface {
	ReadAt(ino InodeID, p []byte, off int64) (int, error)
	WriteAt(ino InodeID, p []byte, off int64) (int, error)
	Flush(ino InodeID) error
}

type handleSlot struct {
	gen  uint32
	open bool
	h    Handle
}

// HandleTable keeps open handles in an arena of generation-checked slots.
// A HandleID encodes generation<<32 | slot, so an identifier stays invalid
// after its handle closes even when the slot is reused.
type HandleTable struct {
	mu      sync.Mutex
	slots   []handleSlot
	free    []uint32
	open    int
	inodes  *InodeTable
	content contentIO
}

// NewHandleTable returns an empty table opening inodes from inodes and
// delegating I/O to content
func NewHandleTable(inodes *InodeTable, content contentIO) *HandleTable {
	return &HandleTable{inodes: inodes, content: content}
}

func makeHandleID(slot, gen uint32) HandleID {
	return HandleID(uint64(gen)<<32 | uint64(slot))
}

func splitHandleID(id HandleID) (slot, gen uint32) {
	return uint32(id), uint32(id >> 32)
}

// Open creates a handle on a file inode
func (t *HandleTable) Open(ino InodeID, mode OpenMode) (HandleID, error) {
	if !mode.valid() {
		return 0, NewValidationError("mode", mode, "unknown open mode")
	}
	meta, err := t.inodes.Get(ino)
	if err != nil {
		return 0, err
	}
	if meta.Kind != KindFile {
		return 0, fmt.Errorf("inode %d: %w", ino, ErrNotAFile)
	}
	if err := t.inodes.Ref(ino); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var slot uint32
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		slot = uint32(len(t.slots))
		t.slots = append(t.slots, handleSlot{})
	}
	s := &t.slots[slot]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.open = true
	s.h = Handle{ID: makeHandleID(slot, s.gen), Inode: ino, Mode: mode}
	t.open++
	return s.h.ID, nil
}

// Get returns a copy of the handle state
func (t *HandleTable) Get(id HandleID) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(id)
	if err != nil {
		return Handle{}, err
	}
	return s.h, nil
}

// Read reads from the handle's file at off
func (t *HandleTable) Read(id HandleID, p []byte, off int64) (int, error) {
	h, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	if h.Mode&ModeRead == 0 {
		return 0, NewValidationError("mode", h.Mode, "handle not open for reading")
	}

	n, err := t.content.ReadAt(h.Inode, p, off)
	t.advance(id, off+int64(n), false)
	return n, err
}

// Write writes to the handle's file at off and marks the handle dirty
func (t *HandleTable) Write(id HandleID, p []byte, off int64) (int, error) {
	h, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	if h.Mode&ModeWrite == 0 {
		return 0, NewValidationError("mode", h.Mode, "handle not open for writing")
	}

	n, err := t.content.WriteAt(h.Inode, p, off)
	if n > 0 {
		t.advance(id, off+int64(n), true)
	}
	return n, err
}

// Flush persists the metadata changed by writes through this handle
func (t *HandleTable) Flush(id HandleID) error {
	h, err := t.Get(id)
	if err != nil {
		return err
	}
	if !h.Dirty {
		return nil
	}
	if err := t.content.Flush(h.Inode); err != nil {
		return err
	}

	t.mu.Lock()
	if s, err := t.lookup(id); err == nil {
		s.h.Dirty = false
	}
	t.mu.Unlock()
	return nil
}

// Close flushes the handle and invalidates it. It returns the inode the
// handle referenced and the number of handles still open on it. If the
// flush fails the handle stays open so the caller can retry.
func (t *HandleTable) Close(id HandleID) (ino InodeID, remaining int, err error) {
	if err := t.Flush(id); err != nil {
		return 0, 0, err
	}

	t.mu.Lock()
	s, err := t.lookup(id)
	if err != nil {
		t.mu.Unlock()
		return 0, 0, err
	}
	ino = s.h.Inode
	slot, _ := splitHandleID(id)
	s.open = false
	s.h = Handle{}
	t.free = append(t.free, slot)
	t.open--
	t.mu.Unlock()

	return ino, t.inodes.Unref(ino), nil
}

// Count returns the number of open handles
func (t *HandleTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// IDs returns the identifiers of all open handles
func (t *HandleTable) IDs() []HandleID {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]HandleID, 0, t.open)
	for _, s := range t.slots {
		if s.open {
			ids = append(ids, s.h.ID)
		}
	}
	return ids
}

func (t *HandleTable) advance(id HandleID, cursor int64, dirty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, err := t.lookup(id); err == nil {
		s.h.Cursor = cursor
		s.h.Dirty = s.h.Dirty || dirty
	}
}

// lookup must be called with t.mu held
func (t *HandleTable) lookup(id HandleID) (*handleSlot, error) {
	slot, gen := splitHandleID(id)
	if int(slot) >= len(t.slots) {
		return nil, fmt.Errorf("handle %#x: %w", uint64(id), ErrInvalidHandle)
	}
	s := &t.slots[slot]
	if !s.open || s.gen != gen {
		return nil, fmt.Errorf("handle %#x: %w", uint64(id), ErrInvalidHandle)
	}
	return s, nil
}
