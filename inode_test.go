package vaultfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInodeTable_Root(t *testing.T) {
	tbl := NewInodeTable()
	root, err := tbl.Get(RootInode)
	require.NoError(t, err)
	require.Equal(t, KindDirectory, root.Kind)
	require.Equal(t, StateLinked, root.State)
	require.Equal(t, 1, tbl.Len())

	require.ErrorIs(t, tbl.MarkPendingDelete(RootInode), ErrInvalidArgument)
}

func TestInodeTable_AllocateNeverReuses(t *testing.T) {
	tbl := NewInodeTable()
	seen := map[InodeID]bool{RootInode: true}

	for i := 0; i < 20; i++ {
		kind := KindFile
		if i%3 == 0 {
			kind = KindDirectory
		}
		meta, err := tbl.Allocate(kind)
		require.NoError(t, err)
		require.False(t, seen[meta.ID], "id %d reused", meta.ID)
		seen[meta.ID] = true
		require.Equal(t, StateAllocated, meta.State)

		if kind == KindFile {
			require.NotZero(t, meta.Content)
		} else {
			require.Zero(t, meta.Content)
		}

		// Free every other inode right away
		if i%2 == 0 {
			tbl.Discard(meta.ID)
		}
	}

	_, err := tbl.Allocate(Kind(7))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestInodeTable_Lifecycle(t *testing.T) {
	tbl := NewInodeTable()
	meta, err := tbl.Allocate(KindFile)
	require.NoError(t, err)
	id := meta.ID

	require.NoError(t, tbl.MarkLinked(id))
	require.NoError(t, tbl.Ref(id))
	require.NoError(t, tbl.Ref(id))

	// Unlinked while two handles are open
	require.NoError(t, tbl.MarkPendingDelete(id))
	_, ok := tbl.TryFinalizeDelete(id)
	require.False(t, ok, "finalized with open handles")

	// Still readable by existing handles, but cannot be opened again
	got, err := tbl.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatePendingDelete, got.State)
	require.ErrorIs(t, tbl.Ref(id), ErrNotFound)

	require.Equal(t, 1, tbl.Unref(id))
	_, ok = tbl.TryFinalizeDelete(id)
	require.False(t, ok)

	require.Equal(t, 0, tbl.Unref(id))
	freed, ok := tbl.TryFinalizeDelete(id)
	require.True(t, ok)
	require.Equal(t, meta.Content, freed.Content)

	_, err = tbl.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, tbl.Touch(id), ErrNotFound)
	require.ErrorIs(t, tbl.UpdateSize(id, 10), ErrNotFound)
}

func TestInodeTable_DiscardOnlyAllocated(t *testing.T) {
	tbl := NewInodeTable()
	meta, _ := tbl.Allocate(KindFile)
	require.NoError(t, tbl.MarkLinked(meta.ID))

	tbl.Discard(meta.ID)
	_, err := tbl.Get(meta.ID)
	require.NoError(t, err, "linked inode was discarded")
}

func TestInodeTable_Times(t *testing.T) {
	tbl := NewInodeTable()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tbl.now = func() time.Time { return clock }

	meta, _ := tbl.Allocate(KindFile)
	require.Equal(t, clock, meta.Mtime)

	clock = clock.Add(time.Minute)
	require.NoError(t, tbl.UpdateSize(meta.ID, 42))
	got, _ := tbl.Get(meta.ID)
	require.EqualValues(t, 42, got.Size)
	require.Equal(t, clock, got.Mtime)
	require.Equal(t, clock, got.Ctime)

	clock = clock.Add(time.Minute)
	require.NoError(t, tbl.TouchAccess(meta.ID))
	got, _ = tbl.Get(meta.ID)
	require.Equal(t, clock, got.Atime)
	require.NotEqual(t, clock, got.Mtime)

	require.ErrorIs(t, tbl.UpdateSize(meta.ID, -1), ErrInvalidArgument)
}

func TestInodeTable_SnapshotRestore(t *testing.T) {
	tbl := NewInodeTable()
	a, _ := tbl.Allocate(KindDirectory)
	b, _ := tbl.Allocate(KindFile)
	tbl.MarkLinked(a.ID)
	tbl.MarkLinked(b.ID)
	tbl.UpdateSize(b.ID, 1234)

	next, records := tbl.snapshot()
	require.Len(t, records, 3)

	restored := NewInodeTable()
	require.NoError(t, restored.restore(next, records))
	require.Equal(t, 3, restored.Len())

	got, err := restored.Get(b.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1234, got.Size)
	require.Equal(t, b.Content, got.Content)

	// Identifiers keep increasing after a restore
	c, _ := restored.Allocate(KindFile)
	require.Equal(t, next, c.ID)
}

func TestInodeTable_RestoreRejects(t *testing.T) {
	root := inodeRecord{ID: uint64(RootInode), Kind: uint8(KindDirectory), State: uint8(StateLinked)}

	tests := []struct {
		name    string
		next    InodeID
		records []inodeRecord
	}{
		{"no root", 5, []inodeRecord{{ID: 2, Kind: uint8(KindFile)}}},
		{"id beyond next", 3, []inodeRecord{root, {ID: 3, Kind: uint8(KindFile)}}},
		{"zero id", 3, []inodeRecord{root, {ID: 0, Kind: uint8(KindFile)}}},
		{"bad kind", 3, []inodeRecord{root, {ID: 2, Kind: 9}}},
		{"root is a file", 3, []inodeRecord{{ID: 1, Kind: uint8(KindFile)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := NewInodeTable()
			require.ErrorIs(t, tbl.restore(tt.next, tt.records), ErrInvalidHeader)
			require.Equal(t, 1, tbl.Len(), "failed restore modified the table")
		})
	}
}
