package vaultfs

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// InodeID identifies a file or directory for the lifetime of a store.
// Identifiers are never reused.
type InodeID uint64

// RootInode is the directory every store starts with.
const RootInode InodeID = 1

// Kind is the type of an inode. The numeric values are the ones exposed
// to bindings.
type Kind uint8

const (
	KindDirectory Kind = 1
	KindFile      Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// HandleID is an opaque token for an open file. It carries a slot
// generation so a closed handle is never mistaken for a newer one.
type HandleID uint64

// OpenMode selects the operations permitted through a handle.
type OpenMode uint8

const (
	ModeRead      OpenMode = 1
	ModeWrite     OpenMode = 2
	ModeReadWrite OpenMode = ModeRead | ModeWrite
)

func (m OpenMode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func (m OpenMode) valid() bool {
	return m != 0 && m&^ModeReadWrite == 0
}

// CipherSuite represents the content encryption algorithm
type CipherSuite uint8

const (
	// CipherAuto selects the default suite when a store is created
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ParseCipherSuite is the inverse of CipherSuite.String.
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch s {
	case "", "auto":
		return CipherAuto, nil
	case "aes-256-gcm":
		return CipherAES256GCM, nil
	case "chacha20-poly1305":
		return CipherChaCha20Poly1305, nil
	default:
		return 0, NewValidationError("cipher", s, "unknown cipher suite")
	}
}

// Config contains configuration for opening or creating a store. Cipher,
// KDF and ChunkSize only apply when the store is created; an existing store
// keeps the values recorded in its key record.
type Config struct {
	// Cipher suite used for file content
	Cipher CipherSuite

	// KDF parameters for deriving the key-encryption key from a passphrase
	KDF KDFParams

	// ChunkSize is the plaintext size of each encrypted content chunk
	ChunkSize int

	// CacheChunks is the number of decrypted chunks kept in memory (0 disables)
	CacheChunks int

	// Parallel controls concurrent decryption of multi-chunk reads
	Parallel ParallelConfig

	// Logger receives operational logs. Nil means no logging.
	Logger *zap.Logger

	// Registerer, when set, receives the store's Prometheus collectors
	Registerer prometheus.Registerer
}

// DefaultConfig returns the configuration used when Open is given nil.
func DefaultConfig() *Config {
	return &Config{
		Cipher:      CipherAES256GCM,
		KDF:         DefaultKDFParams(),
		ChunkSize:   DefaultChunkSize,
		CacheChunks: 64,
		Parallel:    DefaultParallelConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return NewValidationError("config", nil, "config cannot be nil")
	}
	if c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 && c.Cipher != CipherAuto {
		return &ValidationError{Field: "cipher", Value: c.Cipher, Message: "unsupported cipher suite", Err: ErrUnsupportedCipher}
	}
	if err := ValidateChunkSize(c.ChunkSize); err != nil {
		return err
	}
	if c.CacheChunks < 0 {
		return NewValidationError("cache_chunks", c.CacheChunks, "cannot be negative")
	}
	if err := c.KDF.Validate(); err != nil {
		return err
	}
	return c.Parallel.Validate()
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	out := *d
	if c != nil {
		out = *c
	}
	if out.Cipher == CipherAuto {
		out.Cipher = d.Cipher
	}
	if out.ChunkSize == 0 {
		out.ChunkSize = d.ChunkSize
	}
	out.KDF = out.KDF.normalized()
	if out.Parallel.MinChunksForParallel == 0 {
		out.Parallel.MinChunksForParallel = d.Parallel.MinChunksForParallel
	}
	if out.Parallel.MaxWorkers == 0 {
		out.Parallel.MaxWorkers = runtime.NumCPU()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return &out
}
