package vaultfs

import (
	"fmt"
	"sync"
)

// inodeLocks hands out one RWMutex per inode in use. Entries are dropped
// when the last user releases them.
type inodeLocks struct {
	mu    sync.Mutex
	locks map[InodeID]*inodeLock
}

type inodeLock struct {
	sync.RWMutex
	users int
}

func (l *inodeLocks) acquire(ino InodeID) *inodeLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locks == nil {
		l.locks = make(map[InodeID]*inodeLock)
	}
	lk, ok := l.locks[ino]
	if !ok {
		lk = &inodeLock{}
		l.locks[ino] = lk
	}
	lk.users++
	return lk
}

func (l *inodeLocks) release(ino InodeID, lk *inodeLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk.users--
	if lk.users == 0 {
		delete(l.locks, ino)
	}
}

// withRead runs fn holding the inode's content lock shared
func (l *inodeLocks) withRead(ino InodeID, fn func() error) error {
	lk := l.acquire(ino)
	defer l.release(ino, lk)
	lk.RLock()
	defer lk.RUnlock()
	return fn()
}

// withWrite runs fn holding the inode's content lock exclusively
func (l *inodeLocks) withWrite(ino InodeID, fn func() error) error {
	lk := l.acquire(ino)
	defer l.release(ino, lk)
	lk.Lock()
	defer lk.Unlock()
	return fn()
}

// contentStore joins inode metadata with encrypted block storage. Reads of
// one inode run concurrently; writes, truncation and freeing are exclusive
// per inode; different inodes never contend.
type contentStore struct {
	inodes *InodeTable
	blocks *BlockIO
	locks  inodeLocks
	flush  func() error
}

func (c *contentStore) file(ino InodeID) (Inode, error) {
	meta, err := c.inodes.Get(ino)
	if err != nil {
		return Inode{}, err
	}
	if meta.Kind != KindFile {
		return Inode{}, fmt.Errorf("inode %d: %w", ino, ErrNotAFile)
	}
	return meta, nil
}

func (c *contentStore) ReadAt(ino InodeID, p []byte, off int64) (n int, err error) {
	err = c.locks.withRead(ino, func() error {
		meta, err := c.file(ino)
		if err != nil {
			return err
		}
		n, err = c.blocks.ReadAt(meta.Content, meta.Size, p, off)
		if n > 0 {
			c.inodes.TouchAccess(ino)
		}
		return err
	})
	return n, err
}

func (c *contentStore) WriteAt(ino InodeID, p []byte, off int64) (n int, err error) {
	err = c.locks.withWrite(ino, func() error {
		meta, err := c.file(ino)
		if err != nil {
			return err
		}
		var size int64
		n, size, err = c.blocks.WriteAt(meta.Content, meta.Size, p, off)
		if size != meta.Size || n > 0 {
			if uerr := c.inodes.UpdateSize(ino, size); uerr != nil && err == nil {
				err = uerr
			}
		}
		return err
	})
	return n, err
}

func (c *contentStore) Truncate(ino InodeID, size int64) error {
	return c.locks.withWrite(ino, func() error {
		meta, err := c.file(ino)
		if err != nil {
			return err
		}
		if err := c.blocks.Truncate(meta.Content, meta.Size, size); err != nil {
			return err
		}
		return c.inodes.UpdateSize(ino, size)
	})
}

// Free removes the chunks of a finalized file
func (c *contentStore) Free(meta Inode) error {
	if meta.Kind != KindFile {
		return nil
	}
	return c.locks.withWrite(meta.ID, func() error {
		return c.blocks.Remove(meta.Content)
	})
}

// Verify authenticates every chunk of a file
func (c *contentStore) Verify(ino InodeID) error {
	return c.locks.withRead(ino, func() error {
		meta, err := c.file(ino)
		if err != nil {
			return err
		}
		return c.blocks.Verify(meta.Content, meta.Size)
	})
}

func (c *contentStore) Flush(InodeID) error {
	return c.flush()
}
