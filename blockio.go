package vaultfs

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// BlockIOConfig configures a BlockIO
type BlockIOConfig struct {
	Cipher      CipherSuite
	ChunkSize   int
	CacheChunks int
	Parallel    ParallelConfig
	Logger      *zap.Logger
	Metrics     *Metrics
}

// BlockIO stores file content as independently encrypted, fixed-size
// chunks. It does not track file sizes: callers pass the current logical
// size and serialize access per content reference.
type BlockIO struct {
	backend   Backend
	engine    CipherEngine
	nonceKey  []byte
	chunkSize int
	cache     *chunkCache
	parallel  ParallelConfig
	logger    *zap.Logger
	metrics   *Metrics
}

// NewBlockIO derives the content and nonce subkeys from master and returns
// a BlockIO writing to backend
func NewBlockIO(backend Backend, master []byte, cfg BlockIOConfig) (*BlockIO, error) {
	if err := ValidateKey(master, MasterKeySize); err != nil {
		return nil, err
	}
	if err := ValidateChunkSize(cfg.ChunkSize); err != nil {
		return nil, err
	}

	contentKey, err := deriveSubkey(master, infoContent)
	if err != nil {
		return nil, err
	}
	defer clear(contentKey)

	engine, err := NewCipherEngine(cfg.Cipher, contentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher engine: %w", err)
	}

	nonceKey, err := deriveSubkey(master, infoNonce)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BlockIO{
		backend:   backend,
		engine:    engine,
		nonceKey:  nonceKey,
		chunkSize: cfg.ChunkSize,
		cache:     newChunkCache(cfg.CacheChunks),
		parallel:  cfg.Parallel,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// ChunkSize returns the plaintext size of a full chunk
func (b *BlockIO) ChunkSize() int {
	return b.chunkSize
}

// Create prepares storage for a new, empty content reference
func (b *BlockIO) Create(ref uuid.UUID) error {
	if err := b.backend.MkdirAll(contentPath(ref), dirPerm); err != nil {
		return NewIOError("mkdir", contentPath(ref), err)
	}
	return nil
}

// Remove deletes all chunks of ref
func (b *BlockIO) Remove(ref uuid.UUID) error {
	b.cache.Invalidate(ref, 0)
	if err := b.backend.RemoveAll(contentPath(ref)); err != nil && !isNotExist(err) {
		return NewIOError("remove", contentPath(ref), err)
	}
	return nil
}

// ReadAt reads up to len(p) bytes at off from a file of the given size.
// Reads at or past the end return 0 and no error. Chunks are never
// substituted: a missing chunk is ErrNotFound and a chunk that fails
// authentication is ErrIntegrity.
func (b *BlockIO) ReadAt(ref uuid.UUID, size int64, p []byte, off int64) (int, error) {
	if err := ValidateReadWrite(p, off); err != nil {
		return 0, err
	}
	if off >= size || len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p))
	if end > size {
		end = size
	}
	cs := int64(b.chunkSize)
	first := uint64(off / cs)
	last := uint64((end - 1) / cs)

	idxs := make([]uint64, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		idxs = append(idxs, idx)
	}

	chunks, err := b.loadChunks(idxs, func(idx uint64) ([]byte, error) {
		data, _, err := b.chunk(ref, idx)
		return data, err
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for i, idx := range idxs {
		cStart := int64(idx) * cs
		want := min(cs, size-cStart)
		if int64(len(chunks[i])) < want {
			return n, NewCorruptionError(chunkPath(ref, idx), int64(idx),
				fmt.Sprintf("chunk holds %d bytes, file size needs %d", len(chunks[i]), want), nil)
		}
		from := max(off, cStart) - cStart
		to := min(end, cStart+cs) - cStart
		n += copy(p[n:], chunks[i][from:to])
	}

	b.metrics.addRead(n)
	return n, nil
}

// WriteAt writes p at off into a file of the given size and returns the
// number of bytes of p durably written and the resulting size. Chunks are
// written in order and each chunk replacement is atomic, so on error the
// file holds a prefix of the write and newSize covers only completed
// chunks. Writing past the end fills the gap with zero chunks.
func (b *BlockIO) WriteAt(ref uuid.UUID, size int64, p []byte, off int64) (n int, newSize int64, err error) {
	if err := ValidateReadWrite(p, off); err != nil {
		return 0, size, err
	}
	newSize = size

	start := min(off, size)
	end := off + int64(len(p))
	if end <= start {
		return 0, size, nil
	}

	cs := int64(b.chunkSize)
	for idx := uint64(start / cs); int64(idx)*cs < end; idx++ {
		cStart := int64(idx) * cs
		cEnd := min(cStart+cs, end)

		existing := min(max(size-cStart, 0), cs)
		length := max(existing, cEnd-cStart)
		buf := make([]byte, length)

		// Preserve existing bytes unless the write covers all of them
		wStart := max(off, cStart) - cStart
		wEnd := cEnd - cStart
		var gen uint64
		if existing > 0 && (wStart > 0 || wEnd < existing) {
			old, oldGen, err := b.chunk(ref, idx)
			if err != nil {
				return n, newSize, err
			}
			copy(buf, old)
			gen = oldGen + 1
		} else {
			gen, err = b.nextGeneration(ref, idx)
			if err != nil {
				return n, newSize, err
			}
		}

		if wEnd > wStart {
			copy(buf[wStart:wEnd], p[cStart+wStart-off:])
		}

		if err := b.writeChunk(ref, idx, gen, buf); err != nil {
			return n, newSize, err
		}

		if cEnd > off {
			n = int(cEnd - off)
		}
		newSize = max(newSize, cStart+length)
	}

	b.metrics.addWritten(n)
	return n, newSize, nil
}

// Truncate changes a file of size bytes to newSize bytes. Growing
// appends zero chunks; shrinking rewrites the new last chunk and removes
// the chunks past it.
func (b *BlockIO) Truncate(ref uuid.UUID, size, newSize int64) error {
	if err := ValidateOffset(newSize, "size"); err != nil {
		return err
	}
	if newSize > maxFileSize {
		return NewValidationError("size", newSize, "exceeds maximum file size")
	}
	if newSize == size {
		return nil
	}
	if newSize > size {
		_, _, err := b.WriteAt(ref, size, []byte{}, newSize)
		return err
	}

	cs := int64(b.chunkSize)
	keep := CalculateChunkCount(newSize, b.chunkSize)
	if tail := newSize % cs; tail != 0 {
		idx := keep - 1
		old, gen, err := b.chunk(ref, idx)
		if err != nil {
			return err
		}
		if int64(len(old)) > tail {
			if err := b.writeChunk(ref, idx, gen+1, old[:tail]); err != nil {
				return err
			}
		}
	}

	b.cache.Invalidate(ref, keep)
	for idx := keep; idx < CalculateChunkCount(size, b.chunkSize); idx++ {
		if err := b.backend.Remove(chunkPath(ref, idx)); err != nil && !isNotExist(err) {
			return NewIOError("remove", chunkPath(ref, idx), err)
		}
	}
	return nil
}

// Verify decrypts every chunk of a file of the given size, bypassing the
// cache, and returns the first failure
func (b *BlockIO) Verify(ref uuid.UUID, size int64) error {
	count := CalculateChunkCount(size, b.chunkSize)
	for idx := uint64(0); idx < count; idx++ {
		data, _, err := b.readChunk(ref, idx)
		if err != nil {
			return err
		}
		want := min(int64(b.chunkSize), size-int64(idx)*int64(b.chunkSize))
		if int64(len(data)) < want {
			return NewCorruptionError(chunkPath(ref, idx), int64(idx), "short chunk", nil)
		}
	}
	return nil
}

// chunk returns the plaintext and generation of a chunk, from the cache
// when possible
func (b *BlockIO) chunk(ref uuid.UUID, idx uint64) ([]byte, uint64, error) {
	key := chunkKey{ref: ref, idx: idx}
	if data, gen, ok := b.cache.Get(key); ok {
		b.metrics.cacheHit()
		return data, gen, nil
	}
	b.metrics.cacheMiss()

	data, gen, err := b.readChunk(ref, idx)
	if err != nil {
		return nil, 0, err
	}
	b.cache.Put(key, gen, data)
	return data, gen, nil
}

// readChunk loads and authenticates one chunk object
func (b *BlockIO) readChunk(ref uuid.UUID, idx uint64) ([]byte, uint64, error) {
	name := chunkPath(ref, idx)
	raw, err := readFile(b.backend, name)
	if err != nil {
		if isNotExist(err) {
			return nil, 0, fmt.Errorf("chunk %d of %s: %w", idx, ref, ErrNotFound)
		}
		return nil, 0, NewIOError("read", name, err)
	}

	var hdr ChunkHeader
	if err := hdr.UnmarshalBinary(raw); err != nil {
		b.integrityFailure(name, idx, err)
		return nil, 0, NewCorruptionError(name, int64(idx), "bad chunk header", err)
	}

	nonce, err := b.nonce(ref, idx, hdr.Generation)
	if err != nil {
		return nil, 0, err
	}
	plaintext, err := b.engine.Decrypt(nonce, raw[ChunkHeaderSize:], chunkAAD(raw[:ChunkHeaderSize], ref, idx))
	if err != nil {
		b.integrityFailure(name, idx, err)
		return nil, 0, NewCorruptionError(name, int64(idx), "chunk failed authentication", err)
	}
	if len(plaintext) != int(hdr.PlaintextSize) || len(plaintext) > b.chunkSize {
		b.integrityFailure(name, idx, nil)
		return nil, 0, NewCorruptionError(name, int64(idx), "chunk size mismatch", nil)
	}
	return plaintext, hdr.Generation, nil
}

// writeChunk encrypts plaintext as generation gen of chunk idx and
// atomically replaces the chunk object
func (b *BlockIO) writeChunk(ref uuid.UUID, idx, gen uint64, plaintext []byte) error {
	hdr, _ := ChunkHeader{
		Version:       ChunkVersion,
		PlaintextSize: uint32(len(plaintext)),
		Generation:    gen,
	}.MarshalBinary()

	nonce, err := b.nonce(ref, idx, gen)
	if err != nil {
		return err
	}
	ciphertext, err := b.engine.Encrypt(nonce, plaintext, chunkAAD(hdr, ref, idx))
	if err != nil {
		return fmt.Errorf("failed to encrypt chunk %d: %w", idx, err)
	}

	name := chunkPath(ref, idx)
	if err := writeFileAtomic(b.backend, name, append(hdr, ciphertext...)); err != nil {
		b.cache.Invalidate(ref, idx)
		return NewIOError("write", name, err)
	}
	b.cache.Put(chunkKey{ref: ref, idx: idx}, gen, plaintext)
	return nil
}

// nextGeneration returns the generation for a chunk about to be written
// without reading its previous content. A stored chunk continues its
// sequence; a new chunk starts at a random point so that a chunk index
// reused after truncation never repeats an earlier nonce.
func (b *BlockIO) nextGeneration(ref uuid.UUID, idx uint64) (uint64, error) {
	if _, gen, ok := b.cache.Get(chunkKey{ref: ref, idx: idx}); ok {
		return gen + 1, nil
	}

	name := chunkPath(ref, idx)
	f, err := b.backend.OpenFile(name, os.O_RDONLY, 0)
	if err == nil {
		defer f.Close()
		raw := make([]byte, ChunkHeaderSize)
		var hdr ChunkHeader
		if _, err := f.ReadAt(raw, 0); err == nil && hdr.UnmarshalBinary(raw) == nil {
			return hdr.Generation + 1, nil
		}
	} else if !isNotExist(err) {
		return 0, NewIOError("open", name, err)
	}

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return 0, fmt.Errorf("failed to generate chunk generation: %w", err)
	}
	return binary.LittleEndian.Uint64(seed[:]) >> 1, nil
}

// nonce derives the AEAD nonce of a chunk generation
func (b *BlockIO) nonce(ref uuid.UUID, idx, gen uint64) ([]byte, error) {
	h, err := blake3.NewKeyed(b.nonceKey)
	if err != nil {
		return nil, fmt.Errorf("nonce key: %w", err)
	}
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], idx)
	binary.LittleEndian.PutUint64(buf[8:], gen)
	h.Write(ref[:])
	h.Write(buf[:])
	return h.Sum(nil)[:b.engine.NonceSize()], nil
}

func (b *BlockIO) integrityFailure(name string, idx uint64, err error) {
	b.metrics.integrityFailure()
	b.logger.Warn("chunk integrity failure",
		zap.String("chunk", name),
		zap.Uint64("index", idx),
		zap.Error(err))
}
