package vaultfs

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// Namespace record layout:
//
//	magic "VFSN" u32 | version u8 | reserved [3] | nonce [24]
//	XChaCha20-Poly1305( zstd( CBOR(namespaceRecord) ) )
//
// The associated data is the 8-byte prefix followed by the store id, so a
// record cannot be replayed into another store.

const (
	// NamespaceMagic identifies a namespace record (ASCII: "VFSN")
	NamespaceMagic = uint32(0x4E534656)

	// NamespaceVersion is the current namespace record version
	NamespaceVersion = uint8(1)

	namespacePrefixSize = 8
	namespaceHeaderSize = namespacePrefixSize + chacha20poly1305.NonceSizeX
)

type inodeRecord struct {
	ID      uint64    `cbor:"1,keyasint"`
	Kind    uint8     `cbor:"2,keyasint"`
	Size    int64     `cbor:"3,keyasint"`
	Ctime   int64     `cbor:"4,keyasint"`
	Mtime   int64     `cbor:"5,keyasint"`
	Atime   int64     `cbor:"6,keyasint"`
	Content uuid.UUID `cbor:"7,keyasint"`
	State   uint8     `cbor:"8,keyasint"`
}

type entryRecord struct {
	Parent uint64 `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint"`
	Inode  uint64 `cbor:"3,keyasint"`
	Kind   uint8  `cbor:"4,keyasint"`
}

// namespaceRecord is the persisted inode table and directory index
type namespaceRecord struct {
	NextInode uint64        `cbor:"1,keyasint"`
	Inodes    []inodeRecord `cbor:"2,keyasint"`
	Entries   []entryRecord `cbor:"3,keyasint"`
}

var (
	nsEncMode   cbor.EncMode
	nsDecMode   cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	nsEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("vaultfs: CBOR encoder initialization failed: " + err.Error())
	}
	nsDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("vaultfs: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("vaultfs: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("vaultfs: zstd decoder initialization failed: " + err.Error())
	}
}

// namespaceCodec seals and opens namespace records of one store
type namespaceCodec struct {
	engine  CipherEngine
	storeID uuid.UUID
}

func newNamespaceCodec(master []byte, storeID uuid.UUID) (*namespaceCodec, error) {
	key, err := deriveSubkey(master, infoNamespace)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	engine, err := newXChaCha20Engine(key)
	if err != nil {
		return nil, err
	}
	return &namespaceCodec{engine: engine, storeID: storeID}, nil
}

func (c *namespaceCodec) aad(prefix []byte) []byte {
	aad := make([]byte, 0, len(prefix)+len(c.storeID))
	aad = append(aad, prefix...)
	return append(aad, c.storeID[:]...)
}

func (c *namespaceCodec) seal(rec *namespaceRecord) ([]byte, error) {
	encoded, err := nsEncMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode namespace: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(encoded, nil)

	header := make([]byte, namespaceHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], NamespaceMagic)
	header[4] = NamespaceVersion
	if _, err := rand.Read(header[namespacePrefixSize:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := c.engine.Encrypt(header[namespacePrefixSize:], compressed, c.aad(header[:namespacePrefixSize]))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt namespace: %w", err)
	}

	buf := bytes.NewBuffer(make([]byte, 0, len(header)+len(ciphertext)))
	buf.Write(header)
	buf.Write(ciphertext)
	return buf.Bytes(), nil
}

func (c *namespaceCodec) open(data []byte) (*namespaceRecord, error) {
	if len(data) < namespaceHeaderSize || binary.LittleEndian.Uint32(data[0:4]) != NamespaceMagic {
		return nil, NewCorruptionError(namespacePath, -1, "not a namespace record", ErrInvalidHeader)
	}
	if data[4] != NamespaceVersion {
		return nil, NewCorruptionError(namespacePath, -1, fmt.Sprintf("version %d", data[4]), ErrUnsupportedVersion)
	}

	nonce := data[namespacePrefixSize:namespaceHeaderSize]
	compressed, err := c.engine.Decrypt(nonce, data[namespaceHeaderSize:], c.aad(data[:namespacePrefixSize]))
	if err != nil {
		return nil, NewCorruptionError(namespacePath, -1, "namespace failed authentication", err)
	}

	encoded, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, NewCorruptionError(namespacePath, -1, "zstd decompress", err)
	}

	rec := &namespaceRecord{}
	if err := nsDecMode.Unmarshal(encoded, rec); err != nil {
		return nil, NewCorruptionError(namespacePath, -1, "malformed namespace", err)
	}
	return rec, nil
}
