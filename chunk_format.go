package vaultfs

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Content layout
//
//	/content/<content uuid>/<chunk index, 16 hex digits>
//
// Each chunk object holds one chunk of a file:
//
//	┌─────────────────────────────────────┐
//	│ Chunk Header (16 bytes)             │
//	│ - Version (uint8)                   │
//	│ - Reserved (3 bytes)                │
//	│ - Plaintext size (uint32)           │
//	│ - Generation (uint64)               │
//	├─────────────────────────────────────┤
//	│ Ciphertext + Auth Tag               │
//	└─────────────────────────────────────┘
//
// The nonce is not stored: it is derived from the content reference, the
// chunk index and the generation, which is bumped on every rewrite.

const (
	// DefaultChunkSize is the default plaintext chunk size (4 KB)
	DefaultChunkSize = 4 * 1024

	// MinChunkSize is the minimum allowed chunk size (64 bytes, for testing)
	MinChunkSize = 64

	// MaxChunkSize is the maximum allowed chunk size (16 MB)
	MaxChunkSize = 16 * 1024 * 1024

	// ChunkHeaderSize is the size of the plaintext chunk header
	ChunkHeaderSize = 16

	// ChunkVersion is the current chunk format version
	ChunkVersion = uint8(1)

	// maxFileSize bounds offsets so chunk arithmetic cannot overflow
	maxFileSize = int64(1) << 52
)

// ChunkHeader precedes the ciphertext of each chunk. It is authenticated
// as part of the chunk's associated data.
type ChunkHeader struct {
	Version       uint8
	PlaintextSize uint32
	Generation    uint64
}

// MarshalBinary encodes the header
func (h ChunkHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ChunkHeaderSize)
	buf[0] = h.Version
	binary.LittleEndian.PutUint32(buf[4:8], h.PlaintextSize)
	binary.LittleEndian.PutUint64(buf[8:16], h.Generation)
	return buf, nil
}

// UnmarshalBinary decodes a header from the start of data
func (h *ChunkHeader) UnmarshalBinary(data []byte) error {
	if len(data) < ChunkHeaderSize {
		return fmt.Errorf("%w: chunk header is %d bytes", ErrInvalidHeader, len(data))
	}
	h.Version = data[0]
	h.PlaintextSize = binary.LittleEndian.Uint32(data[4:8])
	h.Generation = binary.LittleEndian.Uint64(data[8:16])
	if h.Version != ChunkVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return nil
}

// chunkAAD binds a chunk to its header, its file and its position
func chunkAAD(header []byte, ref uuid.UUID, idx uint64) []byte {
	aad := make([]byte, 0, len(header)+len(ref)+8)
	aad = append(aad, header...)
	aad = append(aad, ref[:]...)
	return binary.LittleEndian.AppendUint64(aad, idx)
}

func contentPath(ref uuid.UUID) string {
	return contentDir + "/" + ref.String()
}

func chunkPath(ref uuid.UUID, idx uint64) string {
	return fmt.Sprintf("%s/%s/%016x", contentDir, ref.String(), idx)
}

// CalculateChunkCount calculates how many chunks are needed for a given data size
func CalculateChunkCount(dataSize int64, chunkSize int) uint64 {
	if dataSize <= 0 {
		return 0
	}
	return uint64((dataSize + int64(chunkSize) - 1) / int64(chunkSize))
}
