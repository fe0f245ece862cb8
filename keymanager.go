package vaultfs

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// Subkey labels. Each purpose gets its own key derived from the master key.
const (
	infoKeyCheck  = "vaultfs.keycheck.v1"
	infoContent   = "vaultfs.content.v1"
	infoNonce     = "vaultfs.nonce.v1"
	infoNamespace = "vaultfs.namespace.v1"
)

// KeySettings are the store-wide values recorded when a key record is
// first created.
type KeySettings struct {
	Cipher    CipherSuite
	ChunkSize int
	KDF       KDFParams
}

// KeyManager owns the key record. It derives the key-encryption key from a
// passphrase, wraps and unwraps the master key, and rotates the passphrase
// without touching file content.
type KeyManager struct {
	mu      sync.Mutex
	backend Backend
	logger  *zap.Logger
}

// NewKeyManager returns a KeyManager for the key record stored in backend
func NewKeyManager(backend Backend, logger *zap.Logger) *KeyManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyManager{backend: backend, logger: logger}
}

// Exists reports whether a key record has been written
func (km *KeyManager) Exists() (bool, error) {
	_, err := km.backend.Stat(keyRecordPath)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, NewIOError("stat", keyRecordPath, err)
}

// Initialize unlocks the store with passphrase, creating a new master key
// and key record first when none exists. created reports which path was
// taken. The caller owns the returned master key and should clear it.
func (km *KeyManager) Initialize(passphrase []byte, settings KeySettings) (rec *KeyRecord, master []byte, created bool, err error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	rec, err = km.load()
	if err == nil {
		master, err = km.unwrap(rec, passphrase)
		return rec, master, false, err
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, false, err
	}
	// A fresh key over existing data would make that data unreadable
	for _, p := range []string{namespacePath, contentDir} {
		if _, statErr := km.backend.Stat(p); statErr == nil {
			return nil, nil, false, NewCorruptionError(keyRecordPath, -1,
				"key record missing but "+p+" exists", nil)
		}
	}

	rec, master, err = km.create(passphrase, settings)
	if err != nil {
		return nil, nil, false, err
	}
	return rec, master, true, nil
}

// Unlock derives the key-encryption key from passphrase and unwraps the
// master key. A wrong passphrase yields ErrAuth.
func (km *KeyManager) Unlock(passphrase []byte) (*KeyRecord, []byte, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	rec, err := km.load()
	if err != nil {
		return nil, nil, err
	}
	master, err := km.unwrap(rec, passphrase)
	if err != nil {
		return nil, nil, err
	}
	return rec, master, nil
}

// ChangePassword re-wraps the master key under newPass with a fresh salt.
// If params is non-nil the new record uses those KDF parameters. The record
// is replaced atomically; on any error the old passphrase keeps working.
func (km *KeyManager) ChangePassword(oldPass, newPass []byte, params *KDFParams) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	rec, err := km.load()
	if err != nil {
		return err
	}
	master, err := km.unwrap(rec, oldPass)
	if err != nil {
		return err
	}
	defer clear(master)

	kdf := rec.KDF
	if params != nil {
		kdf = params.normalized()
	}
	if err := km.rewrap(rec, master, newPass, kdf); err != nil {
		return err
	}
	km.logger.Info("passphrase changed",
		zap.String("store", rec.StoreID.String()),
		zap.Stringer("kdf", kdf.Algorithm))
	return nil
}

// RecoveryPhrase returns the master key as a 24-word BIP-39 mnemonic.
// Anyone holding the phrase can reset the passphrase.
func (km *KeyManager) RecoveryPhrase(passphrase []byte) (string, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	rec, err := km.load()
	if err != nil {
		return "", err
	}
	master, err := km.unwrap(rec, passphrase)
	if err != nil {
		return "", err
	}
	defer clear(master)

	phrase, err := bip39.NewMnemonic(master)
	if err != nil {
		return "", fmt.Errorf("failed to encode recovery phrase: %w", err)
	}
	return phrase, nil
}

// ResetPassword recovers the master key from a recovery phrase and wraps
// it under newPass. The phrase is checked against the record's key check
// value; a phrase for a different store yields ErrAuth.
func (km *KeyManager) ResetPassword(phrase string, newPass []byte) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	rec, err := km.load()
	if err != nil {
		return err
	}

	master, err := bip39.EntropyFromMnemonic(strings.Join(strings.Fields(phrase), " "))
	if err != nil || len(master) != MasterKeySize {
		return &AuthenticationError{Path: keyRecordPath, Message: "invalid recovery phrase"}
	}
	defer clear(master)

	check, err := keyCheck(master)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(check[:], rec.KeyCheck[:]) != 1 {
		return &AuthenticationError{Path: keyRecordPath, Message: "recovery phrase does not match this store"}
	}

	if err := km.rewrap(rec, master, newPass, rec.KDF); err != nil {
		return err
	}
	km.logger.Info("passphrase reset from recovery phrase", zap.String("store", rec.StoreID.String()))
	return nil
}

// create generates the master key and writes the first key record
func (km *KeyManager) create(passphrase []byte, settings KeySettings) (*KeyRecord, []byte, error) {
	if settings.Cipher == CipherAuto {
		settings.Cipher = CipherAES256GCM
	}
	if err := ValidateChunkSize(settings.ChunkSize); err != nil {
		return nil, nil, err
	}

	master := make([]byte, MasterKeySize)
	if _, err := rand.Read(master); err != nil {
		return nil, nil, fmt.Errorf("failed to generate master key: %w", err)
	}

	check, err := keyCheck(master)
	if err != nil {
		clear(master)
		return nil, nil, err
	}

	rec := &KeyRecord{
		Version:   KeyRecordVersion,
		Cipher:    settings.Cipher,
		ChunkSize: uint32(settings.ChunkSize),
		StoreID:   uuid.New(),
		KeyCheck:  check,
	}
	if err := km.rewrap(rec, master, passphrase, settings.KDF.normalized()); err != nil {
		clear(master)
		return nil, nil, err
	}

	km.logger.Info("created key record",
		zap.String("store", rec.StoreID.String()),
		zap.Stringer("cipher", rec.Cipher),
		zap.Uint32("chunk_size", rec.ChunkSize),
		zap.Stringer("kdf", rec.KDF.Algorithm))
	return rec, master, nil
}

// rewrap wraps master under passphrase with a fresh salt and kdf, then
// atomically replaces the stored record. rec is updated only on success.
func (km *KeyManager) rewrap(rec *KeyRecord, master, passphrase []byte, kdf KDFParams) error {
	salt, err := generateSalt()
	if err != nil {
		return err
	}

	next := *rec
	next.Salt = salt
	next.KDF = kdf

	kek, err := deriveKEK(passphrase, salt, kdf)
	if err != nil {
		return err
	}
	defer clear(kek)

	w, err := newKeyWrapper(kek)
	if err != nil {
		return err
	}
	next.Wrapped = w.Seal(master, next.associatedData())

	buf := new(bytes.Buffer)
	if _, err := next.WriteTo(buf); err != nil {
		return err
	}
	if err := writeFileAtomic(km.backend, keyRecordPath, buf.Bytes()); err != nil {
		return NewIOError("write", keyRecordPath, err)
	}

	*rec = next
	return nil
}

// load reads and parses the key record
func (km *KeyManager) load() (*KeyRecord, error) {
	data, err := readFile(km.backend, keyRecordPath)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("key record: %w", ErrNotFound)
		}
		return nil, NewIOError("read", keyRecordPath, err)
	}

	rec := &KeyRecord{}
	if _, err := rec.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, NewCorruptionError(keyRecordPath, -1, "malformed key record", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, NewCorruptionError(keyRecordPath, -1, "unusable key record", err)
	}
	return rec, nil
}

// unwrap recovers the master key. Any failure to authenticate the wrapped
// key, whether from a wrong passphrase or a modified record, is ErrAuth.
func (km *KeyManager) unwrap(rec *KeyRecord, passphrase []byte) ([]byte, error) {
	kek, err := deriveKEK(passphrase, rec.Salt, rec.KDF)
	if err != nil {
		return nil, err
	}
	defer clear(kek)

	w, err := newKeyWrapper(kek)
	if err != nil {
		return nil, err
	}
	master, err := w.Open(rec.Wrapped, rec.associatedData())
	if err != nil {
		km.logger.Debug("key unwrap failed", zap.String("store", rec.StoreID.String()))
		return nil, &AuthenticationError{Path: keyRecordPath, Message: "passphrase does not unlock the store"}
	}
	return master, nil
}

// deriveSubkey expands the master key into a purpose-specific 32-byte key
func deriveSubkey(master []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}

// keyCheck fingerprints the master key so a recovery phrase can be
// checked without a passphrase
func keyCheck(master []byte) ([keyCheckSize]byte, error) {
	var out [keyCheckSize]byte
	sub, err := deriveSubkey(master, infoKeyCheck)
	if err != nil {
		return out, err
	}
	copy(out[:], sub)
	return out, nil
}
