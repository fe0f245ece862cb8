// Package vaultfs is a password-protected encrypted filesystem engine. A
// store is a directory (or any absfs-style Backend) holding a wrapped key
// record, an encrypted namespace, and file content as independently
// encrypted chunks.
//
// # Overview
//
// The engine is built from small components that each own one concern:
//
//   - KeyManager derives a key-encryption key from the passphrase and wraps
//     a random master key with it. Changing the passphrase rewrites only the
//     key record; no file content is re-encrypted.
//   - BlockIO splits file content into fixed-size chunks, each sealed with
//     an AEAD under a key derived from the master key.
//   - InodeTable and DirectoryIndex hold the metadata and the name tree,
//     persisted together as one encrypted namespace record.
//   - HandleTable tracks open files with generation-checked identifiers.
//   - Store composes them into the filesystem operations.
//
// # Basic Usage
//
//	s, err := vaultfs.Open("/srv/vault", []byte("passphrase"), nil)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	ino, h, err := s.CreateFile(vaultfs.RootInode, "notes.txt")
//	if err != nil {
//	    return err
//	}
//	s.Write(ino, h, []byte("kept encrypted at rest"), 0)
//	s.CloseHandle(h)
//
// # Cipher Suites
//
// Content chunks use AES-256-GCM (the default) or ChaCha20-Poly1305. The
// nonce of a chunk is derived from a keyed BLAKE3 hash of the content
// reference, chunk index and a per-chunk generation counter, so rewriting a
// chunk never reuses a nonce. The namespace record is sealed with
// XChaCha20-Poly1305 under a random nonce.
//
// # Key Derivation
//
// Argon2id (recommended, the default) and PBKDF2 with SHA-256 or SHA-512 are
// supported. The parameters are stored in the key record, so a store can be
// unlocked without knowing how it was created.
//
// # Errors
//
// Every failure matches one of the category sentinels (ErrAuth,
// ErrNotFound, ErrIntegrity and so on) with errors.Is. StatusCode converts
// an error to the negative status used at outer boundaries such as the
// command line tool.
//
// # Security Considerations
//
// Protected against:
//   - Reading file names, sizes or content from the stored files
//   - Undetected tampering with any chunk, the namespace, or the key record
//   - Offline guessing of weak passphrases, up to the cost of the KDF
//
// Not protected against:
//   - Memory dumps of a process with the store open
//   - The number and approximate size of stored files
//   - Rollback of the whole store to an earlier copy
package vaultfs
