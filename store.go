package vaultfs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is an open encrypted filesystem. All methods are safe for
// concurrent use.
//
// Structural operations (create, mkdir, unlink, rmdir, rename) take the
// namespace lock exclusively and persist the namespace before returning;
// lookups, iteration and opens share it. File content is locked per inode.
// Password changes only take the key manager's lock.
type Store struct {
	backend Backend
	cfg     *Config
	logger  *zap.Logger
	metrics *Metrics

	keys    *KeyManager
	storeID uuid.UUID
	codec   *namespaceCodec
	blocks  *BlockIO
	inodes  *InodeTable
	dirs    *DirectoryIndex
	handles *HandleTable
	content *contentStore

	nsMu      sync.RWMutex // namespace structure
	persistMu sync.Mutex   // serializes namespace writes

	closed  atomic.Bool
	release func()
}

// Open unlocks the store in directory path, creating it if the directory
// holds no store yet. A nil cfg uses DefaultConfig.
func Open(path string, passphrase []byte, cfg *Config) (*Store, error) {
	backend := NewDirBackend(path)
	if err := backend.MkdirAll("/", dirPerm); err != nil {
		return nil, NewIOError("mkdir", path, err)
	}
	return OpenBackend(backend, passphrase, cfg)
}

// OpenBackend is Open for a store kept in an arbitrary Backend, such as an
// absfs filesystem.
func OpenBackend(backend Backend, passphrase []byte, cfg *Config) (*Store, error) {
	if backend == nil {
		return nil, NewValidationError("backend", nil, "backend cannot be nil")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	release, err := acquire(backend)
	if err != nil {
		return nil, err
	}

	s, err := openStore(backend, passphrase, cfg)
	if err != nil {
		release()
		return nil, err
	}
	s.release = release
	return s, nil
}

func openStore(backend Backend, passphrase []byte, cfg *Config) (*Store, error) {
	keys := NewKeyManager(backend, cfg.Logger)
	rec, master, created, err := keys.Initialize(passphrase, KeySettings{
		Cipher:    cfg.Cipher,
		ChunkSize: cfg.ChunkSize,
		KDF:       cfg.KDF,
	})
	if err != nil {
		return nil, err
	}
	defer clear(master)

	logger := cfg.Logger.With(zap.String("store", rec.StoreID.String()))

	metrics, err := NewMetrics(cfg.Registerer, rec.StoreID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	blocks, err := NewBlockIO(backend, master, BlockIOConfig{
		Cipher:      rec.Cipher,
		ChunkSize:   int(rec.ChunkSize),
		CacheChunks: cfg.CacheChunks,
		Parallel:    cfg.Parallel,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		metrics.unregister()
		return nil, err
	}

	codec, err := newNamespaceCodec(master, rec.StoreID)
	if err != nil {
		metrics.unregister()
		return nil, err
	}

	s := &Store{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		keys:    keys,
		storeID: rec.StoreID,
		codec:   codec,
		blocks:  blocks,
		inodes:  NewInodeTable(),
		dirs:    NewDirectoryIndex(),
	}
	s.content = &contentStore{inodes: s.inodes, blocks: blocks, flush: s.flushNamespace}
	s.handles = NewHandleTable(s.inodes, s.content)

	if err := s.load(created); err != nil {
		metrics.unregister()
		return nil, err
	}

	logger.Info("store opened",
		zap.Bool("created", created),
		zap.Stringer("cipher", rec.Cipher),
		zap.Uint32("chunk_size", rec.ChunkSize),
		zap.Int("inodes", s.inodes.Len()))
	return s, nil
}

// load restores the namespace and sweeps state left behind by a crash
func (s *Store) load(created bool) error {
	data, err := readFile(s.backend, namespacePath)
	switch {
	case err == nil:
		rec, err := s.codec.open(data)
		if err != nil {
			return err
		}
		if err := s.restore(rec); err != nil {
			return NewCorruptionError(namespacePath, -1, "inconsistent namespace", err)
		}
	case isNotExist(err):
		if !created {
			s.logger.Warn("namespace record missing, starting with an empty root")
		}
	default:
		return NewIOError("read", namespacePath, err)
	}

	if err := s.sweep(); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) restore(rec *namespaceRecord) error {
	if err := s.inodes.restore(InodeID(rec.NextInode), rec.Inodes); err != nil {
		return err
	}
	if err := s.dirs.restore(rec.Entries); err != nil {
		return err
	}
	for _, e := range rec.Entries {
		meta, err := s.inodes.Get(InodeID(e.Inode))
		if err != nil {
			return fmt.Errorf("entry %q: %w", e.Name, err)
		}
		if meta.Kind != Kind(e.Kind) {
			return fmt.Errorf("%w: entry %q kind does not match inode %d", ErrInvalidHeader, e.Name, e.Inode)
		}
	}
	return nil
}

// sweep frees inodes no entry reaches (creates interrupted before linking,
// deletes pending at the last shutdown) and content no inode references.
func (s *Store) sweep() error {
	linked := s.dirs.Linked()
	referenced := make(map[uuid.UUID]bool)

	for _, meta := range s.inodes.All() {
		if linked[meta.ID] {
			if meta.State != StateLinked {
				s.inodes.MarkLinked(meta.ID)
			}
			if meta.Kind == KindFile {
				referenced[meta.Content] = true
			}
			continue
		}
		s.inodes.MarkPendingDelete(meta.ID)
		if freed, ok := s.inodes.TryFinalizeDelete(meta.ID); ok {
			s.logger.Warn("freeing unreachable inode",
				zap.Uint64("inode", uint64(freed.ID)),
				zap.Stringer("state", meta.State))
		}
	}

	names, err := listDir(s.backend, contentDir)
	if err != nil {
		return NewIOError("list", contentDir, err)
	}
	for _, name := range names {
		dir := contentDir + "/" + name
		ref, err := uuid.Parse(name)
		if err != nil || ref.String() != name {
			s.logger.Warn("ignoring unknown entry in content directory", zap.String("name", name))
			continue
		}
		if referenced[ref] {
			// Chunk replacements interrupted by a crash
			chunks, err := listDir(s.backend, dir)
			if err != nil {
				return NewIOError("list", dir, err)
			}
			for _, c := range chunks {
				if strings.Contains(c, ".tmp-") {
					s.backend.Remove(dir + "/" + c)
				}
			}
			continue
		}
		s.logger.Warn("removing unreferenced content", zap.String("content", name))
		if err := s.backend.RemoveAll(dir); err != nil && !isNotExist(err) {
			return NewIOError("remove", dir, err)
		}
	}

	rootNames, err := listDir(s.backend, "/")
	if err != nil {
		return NewIOError("list", "/", err)
	}
	for _, name := range rootNames {
		if strings.Contains(name, ".tmp-") {
			s.backend.Remove("/" + name)
		}
	}

	s.metrics.setInodes(s.inodes.Len())
	return nil
}

// persist writes the namespace record. Callers hold nsMu (shared or
// exclusive) so the inode table and directory index are consistent.
func (s *Store) persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	next, inodes := s.inodes.snapshot()
	data, err := s.codec.seal(&namespaceRecord{
		NextInode: uint64(next),
		Inodes:    inodes,
		Entries:   s.dirs.snapshot(),
	})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.backend, namespacePath, data); err != nil {
		return NewIOError("write", namespacePath, err)
	}
	s.metrics.setInodes(len(inodes))
	return nil
}

func (s *Store) flushNamespace() error {
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()
	return s.persist()
}

func (s *Store) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// dir returns the metadata of a directory inode
func (s *Store) dir(ino InodeID) (Inode, error) {
	meta, err := s.inodes.Get(ino)
	if err != nil {
		return Inode{}, err
	}
	if meta.Kind != KindDirectory {
		return Inode{}, fmt.Errorf("inode %d: %w", ino, ErrNotADirectory)
	}
	return meta, nil
}

// ID returns the identifier recorded in the store's key record
func (s *Store) ID() uuid.UUID {
	return s.storeID
}

// ChunkSize returns the plaintext size of a content chunk
func (s *Store) ChunkSize() int {
	return s.blocks.ChunkSize()
}

// CreateFile creates an empty file called name in parent and opens it for
// reading and writing.
func (s *Store) CreateFile(parent InodeID, name string) (ino InodeID, h HandleID, err error) {
	defer func() { s.metrics.observe("create", err) }()
	if err := s.check(); err != nil {
		return 0, 0, err
	}

	ino, err = s.link(parent, name, KindFile)
	if err != nil {
		return 0, 0, opErr("create", parent, name, err)
	}

	h, err = s.handles.Open(ino, ModeReadWrite)
	if err != nil {
		return 0, 0, opErr("create", parent, name, err)
	}
	s.metrics.setOpenHandles(s.handles.Count())
	return ino, h, nil
}

// Mkdir creates an empty directory called name in parent
func (s *Store) Mkdir(parent InodeID, name string) (ino InodeID, err error) {
	defer func() { s.metrics.observe("mkdir", err) }()
	if err := s.check(); err != nil {
		return 0, err
	}

	ino, err = s.link(parent, name, KindDirectory)
	return ino, opErr("mkdir", parent, name, err)
}

// link allocates an inode of kind and names it parent/name
func (s *Store) link(parent InodeID, name string, kind Kind) (InodeID, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	s.nsMu.Lock()
	defer s.nsMu.Unlock()

	if _, err := s.dir(parent); err != nil {
		return 0, err
	}
	if _, err := s.dirs.Lookup(parent, name); err == nil {
		return 0, fmt.Errorf("%q: %w", name, ErrAlreadyExists)
	}

	meta, err := s.inodes.Allocate(kind)
	if err != nil {
		return 0, err
	}
	if kind == KindFile {
		if err := s.blocks.Create(meta.Content); err != nil {
			s.inodes.Discard(meta.ID)
			return 0, err
		}
	}
	if err := s.dirs.Insert(parent, name, meta.ID, kind); err != nil {
		s.discard(meta)
		return 0, err
	}
	s.inodes.MarkLinked(meta.ID)
	s.inodes.Touch(parent)

	if err := s.persist(); err != nil {
		s.dirs.Remove(parent, name, kind)
		s.inodes.MarkPendingDelete(meta.ID)
		s.inodes.TryFinalizeDelete(meta.ID)
		s.content.Free(meta)
		return 0, err
	}

	s.logger.Debug("linked",
		zap.Uint64("parent", uint64(parent)),
		zap.String("name", name),
		zap.Uint64("inode", uint64(meta.ID)),
		zap.Stringer("kind", kind))
	return meta.ID, nil
}

func (s *Store) discard(meta Inode) {
	s.inodes.Discard(meta.ID)
	if meta.Kind == KindFile {
		s.blocks.Remove(meta.Content)
	}
}

// Unlink removes the file entry parent/name. The file's content is freed
// once the last handle on it closes.
func (s *Store) Unlink(parent InodeID, name string) (err error) {
	defer func() { s.metrics.observe("unlink", err) }()
	if err := s.check(); err != nil {
		return err
	}
	return opErr("unlink", parent, name, s.unlink(parent, name, KindFile))
}

// Rmdir removes the empty directory parent/name
func (s *Store) Rmdir(parent InodeID, name string) (err error) {
	defer func() { s.metrics.observe("rmdir", err) }()
	if err := s.check(); err != nil {
		return err
	}
	return opErr("rmdir", parent, name, s.unlink(parent, name, KindDirectory))
}

func (s *Store) unlink(parent InodeID, name string, kind Kind) error {
	s.nsMu.Lock()
	defer s.nsMu.Unlock()

	if _, err := s.dir(parent); err != nil {
		return err
	}
	e, err := s.dirs.Remove(parent, name, kind)
	if err != nil {
		return err
	}
	s.inodes.MarkPendingDelete(e.Inode)
	s.inodes.Touch(parent)

	if err := s.persist(); err != nil {
		s.dirs.Insert(parent, name, e.Inode, e.Kind)
		s.inodes.MarkLinked(e.Inode)
		return err
	}

	s.logger.Debug("unlinked",
		zap.Uint64("parent", uint64(parent)),
		zap.String("name", name),
		zap.Uint64("inode", uint64(e.Inode)))
	s.finalizeLocked(e.Inode)
	return nil
}

// Rename moves oldParent/oldName to newParent/newName. A file or empty
// directory of the same kind at the destination is replaced.
func (s *Store) Rename(oldParent InodeID, oldName string, newParent InodeID, newName string) (err error) {
	defer func() { s.metrics.observe("rename", err) }()
	if err := s.check(); err != nil {
		return err
	}
	return opErr("rename", oldParent, oldName, s.rename(oldParent, oldName, newParent, newName))
}

func (s *Store) rename(oldParent InodeID, oldName string, newParent InodeID, newName string) error {
	s.nsMu.Lock()
	defer s.nsMu.Unlock()

	if _, err := s.dir(oldParent); err != nil {
		return err
	}
	if _, err := s.dir(newParent); err != nil {
		return err
	}

	displaced, err := s.dirs.Rename(oldParent, oldName, newParent, newName)
	if err != nil {
		return err
	}
	if oldParent == newParent && oldName == newName {
		return nil
	}
	if displaced != nil {
		s.inodes.MarkPendingDelete(displaced.Inode)
	}
	s.inodes.Touch(oldParent)
	s.inodes.Touch(newParent)

	if err := s.persist(); err != nil {
		s.dirs.Rename(newParent, newName, oldParent, oldName)
		if displaced != nil {
			s.dirs.Insert(newParent, displaced.Name, displaced.Inode, displaced.Kind)
			s.inodes.MarkLinked(displaced.Inode)
		}
		return err
	}

	if displaced != nil {
		s.finalizeLocked(displaced.Inode)
	}
	return nil
}

// finalizeLocked frees a pending-delete inode if nothing holds it open.
// The caller holds nsMu exclusively.
func (s *Store) finalizeLocked(ino InodeID) {
	meta, ok := s.inodes.TryFinalizeDelete(ino)
	if !ok {
		return
	}
	if err := s.content.Free(meta); err != nil {
		// The next open sweeps unreferenced content.
		s.logger.Warn("failed to free content", zap.Uint64("inode", uint64(ino)), zap.Error(err))
	}
	if err := s.persist(); err != nil {
		s.logger.Warn("failed to persist finalized delete", zap.Uint64("inode", uint64(ino)), zap.Error(err))
	}
	s.logger.Debug("freed inode", zap.Uint64("inode", uint64(ino)))
}

// Lookup returns the entry called name in parent
func (s *Store) Lookup(parent InodeID, name string) (DirEntry, error) {
	if err := s.check(); err != nil {
		return DirEntry{}, err
	}
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	if _, err := s.dir(parent); err != nil {
		return DirEntry{}, opErr("lookup", parent, name, err)
	}
	e, err := s.dirs.Lookup(parent, name)
	return e, opErr("lookup", parent, name, err)
}

// Resolve walks a slash-separated path from the root directory
func (s *Store) Resolve(path string) (InodeID, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	ino := RootInode
	for _, name := range strings.Split(path, "/") {
		switch name {
		case "", ".":
			continue
		case "..":
			parent, err := s.dirs.Parent(ino)
			if err != nil {
				return 0, opErr("resolve", ino, name, err)
			}
			ino = parent
			continue
		}
		if _, err := s.dir(ino); err != nil {
			return 0, opErr("resolve", ino, name, err)
		}
		e, err := s.dirs.Lookup(ino, name)
		if err != nil {
			return 0, opErr("resolve", ino, name, err)
		}
		ino = e.Inode
	}
	return ino, nil
}

// Stat returns the metadata of an inode
func (s *Store) Stat(ino InodeID) (Inode, error) {
	if err := s.check(); err != nil {
		return Inode{}, err
	}
	meta, err := s.inodes.Get(ino)
	return meta, opErr("stat", ino, "", err)
}

// OpenDir returns an iterator over a snapshot of the directory's entries.
// "." and ".." are not included.
func (s *Store) OpenDir(ino InodeID) (*DirIterator, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	if _, err := s.dir(ino); err != nil {
		return nil, opErr("opendir", ino, "", err)
	}
	it, err := s.dirs.Iterate(ino)
	return it, opErr("opendir", ino, "", err)
}

// Open opens a file inode
func (s *Store) Open(ino InodeID, mode OpenMode) (h HandleID, err error) {
	defer func() { s.metrics.observe("open", err) }()
	if err := s.check(); err != nil {
		return 0, err
	}
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	h, err = s.handles.Open(ino, mode)
	if err != nil {
		return 0, opErr("open", ino, "", err)
	}
	s.metrics.setOpenHandles(s.handles.Count())
	return h, nil
}

// handleFor checks that h is open on ino
func (s *Store) handleFor(ino InodeID, h HandleID) error {
	hd, err := s.handles.Get(h)
	if err != nil {
		return err
	}
	if hd.Inode != ino {
		return fmt.Errorf("handle %#x is open on inode %d: %w", uint64(h), hd.Inode, ErrInvalidHandle)
	}
	return nil
}

// Read reads up to len(p) bytes at off through handle h on inode ino.
// It returns 0 at or past the end of the file.
func (s *Store) Read(ino InodeID, h HandleID, p []byte, off int64) (n int, err error) {
	defer func() { s.metrics.observe("read", err) }()
	if err := s.check(); err != nil {
		return 0, err
	}
	if err := s.handleFor(ino, h); err != nil {
		return 0, opErr("read", ino, "", err)
	}
	n, err = s.handles.Read(h, p, off)
	return n, opErr("read", ino, "", err)
}

// Write writes p at off through handle h on inode ino. On error n is the
// length of the prefix of p that was durably written.
func (s *Store) Write(ino InodeID, h HandleID, p []byte, off int64) (n int, err error) {
	defer func() { s.metrics.observe("write", err) }()
	if err := s.check(); err != nil {
		return 0, err
	}
	if err := s.handleFor(ino, h); err != nil {
		return 0, opErr("write", ino, "", err)
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err = s.handles.Write(h, p, off)
	return n, opErr("write", ino, "", err)
}

// Truncate changes the size of a file
func (s *Store) Truncate(ino InodeID, size int64) (err error) {
	defer func() { s.metrics.observe("truncate", err) }()
	if err := s.check(); err != nil {
		return err
	}
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	if err := s.content.Truncate(ino, size); err != nil {
		return opErr("truncate", ino, "", err)
	}
	return opErr("truncate", ino, "", s.persist())
}

// Flush persists the metadata changed through handle h
func (s *Store) Flush(h HandleID) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.handles.Flush(h)
}

// CloseHandle flushes and closes h. If the file was unlinked and this was
// its last handle, its content is freed.
func (s *Store) CloseHandle(h HandleID) (err error) {
	defer func() { s.metrics.observe("close", err) }()
	if err := s.check(); err != nil {
		return err
	}
	return s.closeHandle(h)
}

func (s *Store) closeHandle(h HandleID) error {
	ino, remaining, err := s.handles.Close(h)
	if err != nil {
		return err
	}
	s.metrics.setOpenHandles(s.handles.Count())
	if remaining == 0 {
		s.nsMu.Lock()
		s.finalizeLocked(ino)
		s.nsMu.Unlock()
	}
	return nil
}

// ChangePassword re-wraps the master key under newPass. Open handles and
// file content are unaffected.
func (s *Store) ChangePassword(oldPass, newPass []byte) (err error) {
	defer func() { s.metrics.observe("change_password", err) }()
	if err := s.check(); err != nil {
		return err
	}
	return s.keys.ChangePassword(oldPass, newPass, nil)
}

// RecoveryPhrase returns the store's recovery phrase. See
// KeyManager.RecoveryPhrase.
func (s *Store) RecoveryPhrase(passphrase []byte) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	return s.keys.RecoveryPhrase(passphrase)
}

// Close flushes and closes every open handle, persists the namespace and
// releases the store. Unlinked files still open are freed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}

	var errs []error
	for _, h := range s.handles.IDs() {
		if err := s.closeHandle(h); err != nil {
			errs = append(errs, err)
		}
	}

	s.nsMu.Lock()
	if err := s.persist(); err != nil {
		errs = append(errs, err)
	}
	s.nsMu.Unlock()

	clear(s.blocks.nonceKey)
	s.metrics.unregister()
	if s.release != nil {
		s.release()
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("store closed with errors", zap.Error(err))
	} else {
		s.logger.Info("store closed")
	}
	return err
}
