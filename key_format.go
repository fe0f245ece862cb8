package vaultfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Key record layout (little endian):
//
//	magic "VFSK" | version u8 | cipher u8 | kdf u8 | reserved u8
//	chunk size u32 | kdf memory u32 | kdf iterations u32
//	kdf parallelism u8 | reserved [3]
//	store id [16] | key check [16]
//	salt len u16 | salt
//	wrapped len u16 | wrapped master key (SIV || ciphertext)
//
// Everything before the wrapped key is authenticated as associated data
// when the master key is wrapped.

const (
	// KeyRecordMagic identifies a key record (ASCII: "VFSK")
	KeyRecordMagic = uint32(0x4B534656)

	// KeyRecordVersion is the current key record format version
	KeyRecordVersion = uint8(1)

	// MasterKeySize is the size of the random master key
	MasterKeySize = 32

	keyCheckSize      = 16
	keyRecordFixedLen = 4 + 4 + 12 + 4 + 16 + keyCheckSize
)

// KeyRecord is the persisted, passphrase-protected form of the master key
// together with the store-wide settings fixed at creation.
type KeyRecord struct {
	Version   uint8
	Cipher    CipherSuite
	ChunkSize uint32
	KDF       KDFParams
	StoreID   uuid.UUID
	KeyCheck  [keyCheckSize]byte // Passphrase-independent fingerprint of the master key
	Salt      []byte
	Wrapped   []byte
}

// associatedData returns the authenticated prefix of the encoded record.
func (r *KeyRecord) associatedData() []byte {
	buf := new(bytes.Buffer)
	r.writeHeader(buf)
	return buf.Bytes()
}

func (r *KeyRecord) writeHeader(buf *bytes.Buffer) {
	var fixed [keyRecordFixedLen]byte
	binary.LittleEndian.PutUint32(fixed[0:4], KeyRecordMagic)
	fixed[4] = r.Version
	fixed[5] = uint8(r.Cipher)
	fixed[6] = uint8(r.KDF.Algorithm)
	binary.LittleEndian.PutUint32(fixed[8:12], r.ChunkSize)
	binary.LittleEndian.PutUint32(fixed[12:16], r.KDF.Memory)
	binary.LittleEndian.PutUint32(fixed[16:20], r.KDF.Iterations)
	fixed[20] = r.KDF.Parallelism
	copy(fixed[24:40], r.StoreID[:])
	copy(fixed[40:56], r.KeyCheck[:])
	buf.Write(fixed[:])

	binary.Write(buf, binary.LittleEndian, uint16(len(r.Salt)))
	buf.Write(r.Salt)
}

// WriteTo writes the encoded record to w
func (r *KeyRecord) WriteTo(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)
	r.writeHeader(buf)

	if err := binary.Write(buf, binary.LittleEndian, uint16(len(r.Wrapped))); err != nil {
		return 0, fmt.Errorf("failed to write wrapped key size: %w", err)
	}
	buf.Write(r.Wrapped)

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFrom decodes a record from r
func (r *KeyRecord) ReadFrom(rd io.Reader) (int64, error) {
	var totalRead int64

	var fixed [keyRecordFixedLen]byte
	n, err := io.ReadFull(rd, fixed[:])
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read key record header: %w", err)
	}
	if binary.LittleEndian.Uint32(fixed[0:4]) != KeyRecordMagic {
		return totalRead, ErrInvalidHeader
	}

	r.Version = fixed[4]
	r.Cipher = CipherSuite(fixed[5])
	r.KDF.Algorithm = KDFAlgorithm(fixed[6])
	r.ChunkSize = binary.LittleEndian.Uint32(fixed[8:12])
	r.KDF.Memory = binary.LittleEndian.Uint32(fixed[12:16])
	r.KDF.Iterations = binary.LittleEndian.Uint32(fixed[16:20])
	r.KDF.Parallelism = fixed[20]
	copy(r.StoreID[:], fixed[24:40])
	copy(r.KeyCheck[:], fixed[40:56])

	if r.Salt, err = readSized(rd, &totalRead); err != nil {
		return totalRead, fmt.Errorf("failed to read salt: %w", err)
	}
	if r.Wrapped, err = readSized(rd, &totalRead); err != nil {
		return totalRead, fmt.Errorf("failed to read wrapped key: %w", err)
	}
	return totalRead, nil
}

func readSized(rd io.Reader, total *int64) ([]byte, error) {
	var size uint16
	if err := binary.Read(rd, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	*total += 2
	out := make([]byte, size)
	n, err := io.ReadFull(rd, out)
	*total += int64(n)
	return out, err
}

// Validate checks that the record can be used by this version of the package
func (r *KeyRecord) Validate() error {
	if r.Version != KeyRecordVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, r.Version)
	}
	if r.Cipher != CipherAES256GCM && r.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	if err := ValidateChunkSize(int(r.ChunkSize)); err != nil {
		return err
	}
	if err := r.KDF.Validate(); err != nil {
		return err
	}
	if r.KDF.Algorithm == KDFDefault {
		return ErrUnsupportedKDF
	}
	if len(r.Salt) == 0 {
		return fmt.Errorf("%w: empty salt", ErrInvalidHeader)
	}
	if len(r.Wrapped) != sivSize+MasterKeySize {
		return fmt.Errorf("%w: wrapped key is %d bytes", ErrInvalidHeader, len(r.Wrapped))
	}
	return nil
}
