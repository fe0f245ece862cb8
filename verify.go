package vaultfs

import (
	"fmt"

	"go.uber.org/zap"
)

// VerifyFile authenticates every chunk of a file without going through the
// chunk cache.
func (s *Store) VerifyFile(ino InodeID) error {
	if err := s.check(); err != nil {
		return err
	}
	return opErr("verify", ino, "", s.content.Verify(ino))
}

// Verify authenticates the content of every linked file. It returns the
// inodes that failed, and an error if any did.
func (s *Store) Verify() ([]InodeID, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	var failed []InodeID
	for _, meta := range s.inodes.All() {
		if meta.Kind != KindFile || meta.State != StateLinked {
			continue
		}
		if err := s.content.Verify(meta.ID); err != nil {
			s.logger.Warn("verification failed", zap.Uint64("inode", uint64(meta.ID)), zap.Error(err))
			failed = append(failed, meta.ID)
		}
	}

	if len(failed) > 0 {
		return failed, fmt.Errorf("%d files failed verification: %w", len(failed), ErrIntegrity)
	}
	return nil, nil
}
