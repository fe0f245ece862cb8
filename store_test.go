package vaultfs

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateWriteCloseReadBack(t *testing.T) {
	s, _ := openTestStore(t)

	data := []byte("thirty-nine bytes of secret content!!!!")
	require.Len(t, data, 39)

	ino, h, err := s.CreateFile(RootInode, "a.txt")
	require.NoError(t, err)
	n, err := s.Write(ino, h, data, 0)
	require.NoError(t, err)
	require.Equal(t, 39, n)
	require.NoError(t, s.CloseHandle(h))

	h2, err := s.Open(ino, ModeRead)
	require.NoError(t, err)
	got := make([]byte, 39)
	n, err = s.Read(ino, h2, got, 0)
	require.NoError(t, err)
	require.Equal(t, 39, n)
	require.Equal(t, data, got)

	meta, err := s.Stat(ino)
	require.NoError(t, err)
	require.EqualValues(t, 39, meta.Size)
	require.Equal(t, KindFile, meta.Kind)
}

func TestStore_RoundTripOffsets(t *testing.T) {
	s, _ := openTestStore(t)
	ino, h, err := s.CreateFile(RootInode, "f")
	require.NoError(t, err)

	for _, tc := range []struct {
		off int64
		n   int
	}{{0, 1}, {5, 100}, {63, 2}, {200, 64}, {1000, 333}, {7, 0}} {
		data := randomBytes(t, tc.n)
		n, err := s.Write(ino, h, data, tc.off)
		require.NoError(t, err)
		require.Equal(t, tc.n, n)

		got := make([]byte, tc.n)
		n, err = s.Read(ino, h, got, tc.off)
		require.NoError(t, err)
		require.Equal(t, tc.n, n)
		require.Equal(t, data, got, "offset %d", tc.off)
	}

	// A zero-length write past the end does not grow the file
	meta, _ := s.Stat(ino)
	_, err = s.Write(ino, h, []byte{}, meta.Size+100)
	require.NoError(t, err)
	after, _ := s.Stat(ino)
	require.Equal(t, meta.Size, after.Size)
}

func TestStore_MkdirRmdir(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.Mkdir(RootInode, "d")
	require.NoError(t, err)
	require.NoError(t, s.Rmdir(RootInode, "d"))
	_, err = s.Lookup(RootInode, "d")
	require.ErrorIs(t, err, ErrNotFound)

	d, err := s.Mkdir(RootInode, "d")
	require.NoError(t, err)
	_, h, err := s.CreateFile(d, "inner")
	require.NoError(t, err)
	require.NoError(t, s.CloseHandle(h))

	err = s.Rmdir(RootInode, "d")
	require.ErrorIs(t, err, ErrNotEmpty)
	require.Equal(t, StatusNotEmpty, StatusCode(err))
}

func TestStore_NamespaceUniqueness(t *testing.T) {
	s, _ := openTestStore(t)

	_, h, err := s.CreateFile(RootInode, "x")
	require.NoError(t, err)
	s.CloseHandle(h)

	_, _, err = s.CreateFile(RootInode, "x")
	require.ErrorIs(t, err, ErrAlreadyExists)
	_, err = s.Mkdir(RootInode, "x")
	require.ErrorIs(t, err, ErrAlreadyExists)

	// The failed attempts did not leak inodes
	require.Equal(t, 2, s.inodes.Len())
}

func TestStore_WrongKinds(t *testing.T) {
	s, _ := openTestStore(t)
	f, h, err := s.CreateFile(RootInode, "file")
	require.NoError(t, err)
	s.CloseHandle(h)
	d, err := s.Mkdir(RootInode, "dir")
	require.NoError(t, err)

	_, _, err = s.CreateFile(f, "child")
	require.ErrorIs(t, err, ErrNotADirectory)
	_, err = s.Mkdir(f, "child")
	require.ErrorIs(t, err, ErrNotADirectory)
	_, err = s.OpenDir(f)
	require.ErrorIs(t, err, ErrNotADirectory)
	_, err = s.Open(d, ModeRead)
	require.ErrorIs(t, err, ErrNotAFile)
	require.ErrorIs(t, s.Unlink(RootInode, "dir"), ErrNotAFile)
	require.ErrorIs(t, s.Rmdir(RootInode, "file"), ErrNotADirectory)
	require.ErrorIs(t, s.Truncate(d, 0), ErrNotAFile)

	_, _, err = s.CreateFile(999, "orphan")
	require.ErrorIs(t, err, ErrNotFound)
	_, _, err = s.CreateFile(RootInode, "bad/name")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStore_Rename(t *testing.T) {
	s, _ := openTestStore(t)
	ino, h, err := s.CreateFile(RootInode, "a.txt")
	require.NoError(t, err)
	s.CloseHandle(h)

	require.NoError(t, s.Rename(RootInode, "a.txt", RootInode, "b.txt"))

	_, err = s.Lookup(RootInode, "a.txt")
	require.ErrorIs(t, err, ErrNotFound)
	e, err := s.Lookup(RootInode, "b.txt")
	require.NoError(t, err)
	require.Equal(t, ino, e.Inode)
}

func TestStore_RenameReplacesFile(t *testing.T) {
	s, _ := openTestStore(t)

	src, h, _ := s.CreateFile(RootInode, "src")
	s.Write(src, h, []byte("new"), 0)
	s.CloseHandle(h)

	dst, h, _ := s.CreateFile(RootInode, "dst")
	s.Write(dst, h, []byte("old"), 0)
	s.CloseHandle(h)
	dstMeta, _ := s.Stat(dst)

	require.NoError(t, s.Rename(RootInode, "src", RootInode, "dst"))

	e, err := s.Lookup(RootInode, "dst")
	require.NoError(t, err)
	require.Equal(t, src, e.Inode)

	// The replaced file is gone, content included
	_, err = s.Stat(dst)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.backend.Stat(contentPath(dstMeta.Content))
	require.True(t, isNotExist(err))
}

func TestStore_RenameCycle(t *testing.T) {
	s, _ := openTestStore(t)
	a, _ := s.Mkdir(RootInode, "a")
	b, _ := s.Mkdir(a, "b")

	err := s.Rename(RootInode, "a", b, "a")
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, StatusInvalidArgument, StatusCode(err))

	got, err := s.Resolve("/a/b")
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestStore_DeferredDelete(t *testing.T) {
	s, _ := openTestStore(t)
	ino, h, err := s.CreateFile(RootInode, "doomed")
	require.NoError(t, err)
	_, err = s.Write(ino, h, []byte("still here"), 0)
	require.NoError(t, err)
	meta, _ := s.Stat(ino)

	require.NoError(t, s.Unlink(RootInode, "doomed"))

	_, err = s.Lookup(RootInode, "doomed")
	require.ErrorIs(t, err, ErrNotFound)

	// The open handle keeps working
	buf := make([]byte, 10)
	n, err := s.Read(ino, h, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "still here", string(buf[:n]))
	_, err = s.Write(ino, h, []byte("STILL"), 0)
	require.NoError(t, err)

	// but the inode cannot be opened again
	_, err = s.Open(ino, ModeRead)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.backend.Stat(contentPath(meta.Content))
	require.NoError(t, err, "content freed while a handle is open")

	require.NoError(t, s.CloseHandle(h))

	_, err = s.Stat(ino)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.backend.Stat(contentPath(meta.Content))
	require.True(t, isNotExist(err), "content not freed after last close")

	_, err = s.Read(ino, h, buf, 0)
	require.ErrorIs(t, err, ErrInvalidHandle)
}

func TestStore_HandleInodeMismatch(t *testing.T) {
	s, _ := openTestStore(t)
	a, ha, _ := s.CreateFile(RootInode, "a")
	b, hb, _ := s.CreateFile(RootInode, "b")

	_, err := s.Write(a, hb, []byte("x"), 0)
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = s.Read(b, ha, make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.Equal(t, StatusInvalidHandle, StatusCode(err))
}

func TestStore_OpenDir(t *testing.T) {
	s, _ := openTestStore(t)
	for _, name := range []string{"c", "a", "b"} {
		_, h, err := s.CreateFile(RootInode, name)
		require.NoError(t, err)
		s.CloseHandle(h)
	}
	_, err := s.Mkdir(RootInode, "dir")
	require.NoError(t, err)

	it, err := s.OpenDir(RootInode)
	require.NoError(t, err)

	// Mutations after opening do not affect the iteration
	require.NoError(t, s.Unlink(RootInode, "b"))

	var names []string
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"a", "b", "c", "dir"}, names)
}

func TestStore_Truncate(t *testing.T) {
	s, _ := openTestStore(t)
	ino, h, _ := s.CreateFile(RootInode, "t")
	data := randomBytes(t, 500)
	s.Write(ino, h, data, 0)

	require.NoError(t, s.Truncate(ino, 70))
	meta, _ := s.Stat(ino)
	require.EqualValues(t, 70, meta.Size)

	got := make([]byte, 500)
	n, err := s.Read(ino, h, got, 0)
	require.NoError(t, err)
	require.Equal(t, data[:70], got[:n])

	require.ErrorIs(t, s.Truncate(ino, -5), ErrInvalidArgument)
}

func TestStore_Resolve(t *testing.T) {
	s, _ := openTestStore(t)
	a, _ := s.Mkdir(RootInode, "a")
	b, _ := s.Mkdir(a, "b")
	f, h, _ := s.CreateFile(b, "f")
	s.CloseHandle(h)

	tests := []struct {
		path string
		want InodeID
		err  error
	}{
		{"", RootInode, nil},
		{"/", RootInode, nil},
		{"/a/b/f", f, nil},
		{"a//b/./f", f, nil},
		{"/a/b/../b", b, nil},
		{"/..", RootInode, nil},
		{"/a/missing", 0, ErrNotFound},
		{"/a/b/f/x", 0, ErrNotADirectory},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := s.Resolve(tt.path)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)

	s, err := Open(dir, testPass, cfg)
	require.NoError(t, err)
	d, _ := s.Mkdir(RootInode, "docs")
	ino, h, _ := s.CreateFile(d, "note")
	payload := randomBytes(t, 777)
	_, err = s.Write(ino, h, payload, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, testPass, cfg)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Resolve("/docs/note")
	require.NoError(t, err)
	require.Equal(t, ino, got)

	h, err = s.Open(got, ModeRead)
	require.NoError(t, err)
	buf := make([]byte, 1000)
	n, err := s.Read(got, h, buf, 0)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])

	// Identifiers are not reused after a reopen
	next, err := s.Mkdir(RootInode, "later")
	require.NoError(t, err)
	require.Greater(t, next, ino)
}

func TestStore_ChangePasswordThenReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)

	s, err := Open(dir, testPass, cfg)
	require.NoError(t, err)
	ino, h, _ := s.CreateFile(RootInode, "f")
	content := []byte("survives rotation")
	s.Write(ino, h, content, 0)

	newPass := []byte("rotated passphrase")
	require.NoError(t, s.ChangePassword(testPass, newPass))

	// Open handles are unaffected
	buf := make([]byte, len(content))
	_, err = s.Read(ino, h, buf, 0)
	require.NoError(t, err)
	require.Equal(t, content, buf)
	require.NoError(t, s.Close())

	_, err = Open(dir, testPass, cfg)
	require.ErrorIs(t, err, ErrAuth)
	require.Equal(t, StatusAuth, StatusCode(err))

	s, err = Open(dir, newPass, cfg)
	require.NoError(t, err)
	defer s.Close()
	h, err = s.Open(ino, ModeRead)
	require.NoError(t, err)
	n, err := s.Read(ino, h, buf, 0)
	require.NoError(t, err)
	require.Equal(t, content, buf[:n])
}

func TestStore_ChangePasswordWrongOld(t *testing.T) {
	s, _ := openTestStore(t)
	require.ErrorIs(t, s.ChangePassword([]byte("nope"), []byte("new")), ErrAuth)
}

func TestChangePassword_ClosedStore(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	s, err := Open(dir, testPass, cfg)
	require.NoError(t, err)

	// Refused while the store is open in this process
	require.ErrorIs(t, ChangePassword(dir, testPass, []byte("x")), ErrBusy)
	require.NoError(t, s.Close())

	require.NoError(t, ChangePassword(dir, testPass, []byte("next")))
	_, err = Open(dir, testPass, cfg)
	require.ErrorIs(t, err, ErrAuth)

	s, err = Open(dir, []byte("next"), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestResetPassword(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	s, err := Open(dir, testPass, cfg)
	require.NoError(t, err)
	phrase, err := s.RecoveryPhrase(testPass)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, ResetPassword(dir, phrase, []byte("after reset")))
	s, err = Open(dir, []byte("after reset"), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpen_Busy(t *testing.T) {
	s, dir := openTestStore(t)

	_, err := Open(dir, testPass, testConfig(t))
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, StatusBusy, StatusCode(err))

	// The same directory spelled differently is still the same store
	_, err = Open(filepath.Join(dir, "."), testPass, testConfig(t))
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, s.Close())
	s2, err := Open(dir, testPass, testConfig(t))
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestOpen_WrongPassphraseReleases(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testPass, testConfig(t))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(dir, []byte("wrong"), testConfig(t))
	require.ErrorIs(t, err, ErrAuth)

	// A failed open does not leave the store marked busy
	s, err = Open(dir, testPass, testConfig(t))
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestStore_Closed(t *testing.T) {
	s, _ := openTestStore(t)
	ino, h, _ := s.CreateFile(RootInode, "f")
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Close(), ErrClosed)
	_, err := s.Read(ino, h, make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Lookup(RootInode, "f")
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Mkdir(RootInode, "x")
	require.ErrorIs(t, err, ErrClosed)
}

func TestStore_OpenBackendMemfs(t *testing.T) {
	b := newMemBackend(t)
	cfg := testConfig(t)
	cfg.Cipher = CipherChaCha20Poly1305

	s, err := OpenBackend(b, testPass, cfg)
	require.NoError(t, err)
	ino, h, err := s.CreateFile(RootInode, "m")
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("memfs "), 50)
	_, err = s.Write(ino, h, payload, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBackend(b, testPass, nil)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 64, s.ChunkSize(), "chunk size comes from the key record")

	h, err = s.Open(ino, ModeRead)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	_, err = s.Read(ino, h, got, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestStore_TamperedNamespace(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testPass, testConfig(t))
	require.NoError(t, err)
	s.Mkdir(RootInode, "x")
	require.NoError(t, s.Close())

	path := filepath.Join(dir, "namespace")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 1
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = Open(dir, testPass, testConfig(t))
	require.ErrorIs(t, err, ErrIntegrity)
	require.Equal(t, StatusIntegrity, StatusCode(err))
}

func TestStore_SweepsOrphans(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testPass, testConfig(t))
	require.NoError(t, err)
	ino, h, _ := s.CreateFile(RootInode, "open-at-exit")
	s.Write(ino, h, []byte("data"), 0)
	meta, _ := s.Stat(ino)
	require.NoError(t, s.Unlink(RootInode, "open-at-exit"))

	// Simulate a crash: persist with the handle still open and skip Close
	s.nsMu.Lock()
	require.NoError(t, s.persist())
	s.nsMu.Unlock()
	s.closed.Store(true)
	s.release()

	stray := uuid.New()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "content", stray.String()), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "namespace.tmp-leftover"), []byte("x"), 0600))

	s, err = Open(dir, testPass, testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Stat(ino)
	require.ErrorIs(t, err, ErrNotFound)
	for _, p := range []string{
		filepath.Join(dir, "content", meta.Content.String()),
		filepath.Join(dir, "content", stray.String()),
		filepath.Join(dir, "namespace.tmp-leftover"),
	} {
		_, err := os.Stat(p)
		require.True(t, os.IsNotExist(err), "%s survived the sweep", p)
	}
}

func TestStore_Verify(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testPass, testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	good, h, _ := s.CreateFile(RootInode, "good")
	s.Write(good, h, randomBytes(t, 300), 0)
	s.CloseHandle(h)
	bad, h, _ := s.CreateFile(RootInode, "bad")
	s.Write(bad, h, randomBytes(t, 300), 0)
	s.CloseHandle(h)

	failed, err := s.Verify()
	require.NoError(t, err)
	require.Empty(t, failed)

	meta, _ := s.Stat(bad)
	chunk := filepath.Join(dir, "content", meta.Content.String(), "0000000000000002")
	raw, err := os.ReadFile(chunk)
	require.NoError(t, err)
	raw[ChunkHeaderSize] ^= 0xff
	require.NoError(t, os.WriteFile(chunk, raw, 0600))

	failed, err = s.Verify()
	require.ErrorIs(t, err, ErrIntegrity)
	require.Equal(t, []InodeID{bad}, failed)

	require.NoError(t, s.VerifyFile(good))
	require.ErrorIs(t, s.VerifyFile(bad), ErrIntegrity)
}

func readStoreFile(t *testing.T, s *Store, ino InodeID) []byte {
	t.Helper()
	meta, err := s.Stat(ino)
	require.NoError(t, err)
	h, err := s.Open(ino, ModeRead)
	require.NoError(t, err)
	defer s.CloseHandle(h)
	got := make([]byte, meta.Size)
	_, err = s.Read(ino, h, got, 0)
	require.NoError(t, err)
	return got
}

func TestStore_ReopenKeepsContent(t *testing.T) {
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := OpenBackend(b, testPass, testConfig(t))
			require.NoError(t, err)
			ino, h, err := s.CreateFile(RootInode, "greeting")
			require.NoError(t, err)
			_, err = s.Write(ino, h, []byte("hello"), 0)
			require.NoError(t, err)
			require.NoError(t, s.Close())

			// Entries that are not content references are left alone
			require.NoError(t, b.MkdirAll(contentDir+"/lost+found", dirPerm))

			for i := 0; i < 2; i++ {
				s, err = OpenBackend(b, testPass, nil)
				require.NoError(t, err)
				require.Equal(t, []byte("hello"), readStoreFile(t, s, ino), "open %d", i+1)
				require.NoError(t, s.Close())
			}

			_, err = b.Stat(contentDir + "/lost+found")
			require.NoError(t, err)
		})
	}
}

func TestStore_SweepsInterruptedChunkWrites(t *testing.T) {
	b := newMemBackend(t)
	s, err := OpenBackend(b, testPass, testConfig(t))
	require.NoError(t, err)
	ino, h, err := s.CreateFile(RootInode, "f")
	require.NoError(t, err)
	_, err = s.Write(ino, h, bytes.Repeat([]byte("x"), 100), 0)
	require.NoError(t, err)
	meta, err := s.Stat(ino)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	tmp := chunkPath(meta.Content, 1) + ".tmp-" + uuid.NewString()
	require.NoError(t, writeFileAtomic(b, tmp, []byte("half a chunk")))

	s, err = OpenBackend(b, testPass, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = b.Stat(tmp)
	require.True(t, isNotExist(err), "temporary chunk survived the sweep")
	names, err := listDir(b, contentPath(meta.Content))
	require.NoError(t, err)
	require.Len(t, names, 2)
	require.Equal(t, bytes.Repeat([]byte("x"), 100), readStoreFile(t, s, ino))
}

func TestStore_MissingKeyRecord(t *testing.T) {
	b := newMemBackend(t)
	s, err := OpenBackend(b, testPass, testConfig(t))
	require.NoError(t, err)
	_, err = s.Mkdir(RootInode, "keep")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, b.Remove(keyRecordPath))

	_, err = OpenBackend(b, testPass, testConfig(t))
	require.ErrorIs(t, err, ErrIntegrity)
	_, err = b.Stat(keyRecordPath)
	require.True(t, isNotExist(err), "a new key record replaced the lost one")
	_, err = b.Stat(namespacePath)
	require.NoError(t, err)
}

func TestStore_PersistFailureRollsBack(t *testing.T) {
	tests := []struct {
		name   string
		op     func(s *Store) error
		absent string
	}{
		{"create file", func(s *Store) error {
			_, _, err := s.CreateFile(RootInode, "new")
			return err
		}, "new"},
		{"mkdir", func(s *Store) error {
			_, err := s.Mkdir(RootInode, "new")
			return err
		}, "new"},
		{"unlink", func(s *Store) error { return s.Unlink(RootInode, "a") }, ""},
		{"rmdir", func(s *Store) error { return s.Rmdir(RootInode, "d") }, ""},
		{"rename", func(s *Store) error { return s.Rename(RootInode, "a", RootInode, "c") }, "c"},
		{"rename over file", func(s *Store) error { return s.Rename(RootInode, "a", RootInode, "b") }, ""},
		{"rename into directory", func(s *Store) error {
			d, err := s.Lookup(RootInode, "d")
			if err != nil {
				return err
			}
			return s.Rename(RootInode, "b", d.Inode, "b")
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &faultyBackend{Backend: newMemBackend(t)}
			s, err := OpenBackend(fb, testPass, testConfig(t))
			require.NoError(t, err)

			entries := make(map[string]InodeID)
			for _, name := range []string{"a", "b"} {
				ino, h, err := s.CreateFile(RootInode, name)
				require.NoError(t, err)
				_, err = s.Write(ino, h, []byte("data of "+name), 0)
				require.NoError(t, err)
				require.NoError(t, s.CloseHandle(h))
				entries[name] = ino
			}
			entries["d"], err = s.Mkdir(RootInode, "d")
			require.NoError(t, err)

			unchanged := func(s *Store) {
				t.Helper()
				for name, ino := range entries {
					e, err := s.Lookup(RootInode, name)
					require.NoError(t, err, name)
					require.Equal(t, ino, e.Inode, name)
				}
				for _, name := range []string{"a", "b"} {
					require.Equal(t, []byte("data of "+name), readStoreFile(t, s, entries[name]))
				}
				it, err := s.OpenDir(entries["d"])
				require.NoError(t, err)
				require.Zero(t, it.Len(), "directory d gained an entry")
				if tt.absent != "" {
					_, err := s.Lookup(RootInode, tt.absent)
					require.ErrorIs(t, err, ErrNotFound)
				}
			}

			fb.setFailCreate(func(name string) bool {
				return strings.HasPrefix(name, namespacePath+".tmp-")
			})
			err = tt.op(s)
			require.ErrorIs(t, err, errDiskFull)
			require.Equal(t, StatusIO, StatusCode(err))
			unchanged(s)

			fb.setFailCreate(nil)
			require.NoError(t, s.Close())
			s, err = OpenBackend(fb, testPass, nil)
			require.NoError(t, err)
			defer s.Close()
			unchanged(s)
		})
	}
}
