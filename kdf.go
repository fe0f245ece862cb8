package vaultfs

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KDFAlgorithm selects how a passphrase is stretched into the
// key-encryption key.
type KDFAlgorithm uint8

const (
	// KDFDefault resolves to KDFArgon2id
	KDFDefault KDFAlgorithm = iota
	KDFArgon2id
	KDFPBKDF2SHA256
	KDFPBKDF2SHA512
)

func (a KDFAlgorithm) String() string {
	switch a {
	case KDFDefault:
		return "default"
	case KDFArgon2id:
		return "argon2id"
	case KDFPBKDF2SHA256:
		return "pbkdf2-sha256"
	case KDFPBKDF2SHA512:
		return "pbkdf2-sha512"
	default:
		return "unknown"
	}
}

// ParseKDFAlgorithm is the inverse of KDFAlgorithm.String.
func ParseKDFAlgorithm(s string) (KDFAlgorithm, error) {
	switch s {
	case "", "default":
		return KDFDefault, nil
	case "argon2id":
		return KDFArgon2id, nil
	case "pbkdf2-sha256":
		return KDFPBKDF2SHA256, nil
	case "pbkdf2-sha512":
		return KDFPBKDF2SHA512, nil
	default:
		return 0, &ValidationError{Field: "kdf", Value: s, Message: "unknown algorithm", Err: ErrUnsupportedKDF}
	}
}

const (
	// SaltSize is the size of the random salt stored in the key record
	SaltSize = 32

	// kekSize is the AES-SIV key size: two AES-256 keys
	kekSize = 64

	defaultArgon2Memory      = 64 * 1024 // 64 MB
	defaultArgon2Iterations  = 3
	defaultArgon2Parallelism = 4
	defaultPBKDF2Iterations  = 600000
)

// KDFParams contains the passphrase stretching parameters. They are
// stored alongside the salt so the same key can be derived later.
type KDFParams struct {
	Algorithm   KDFAlgorithm
	Memory      uint32 // Memory in KiB (Argon2id only)
	Iterations  uint32 // Time cost for Argon2id, iteration count for PBKDF2
	Parallelism uint8  // Lanes (Argon2id only)
}

// DefaultKDFParams returns Argon2id with 64 MB of memory, 3 passes and 4 lanes.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm:   KDFArgon2id,
		Memory:      defaultArgon2Memory,
		Iterations:  defaultArgon2Iterations,
		Parallelism: defaultArgon2Parallelism,
	}
}

// normalized resolves KDFDefault and fills zero cost parameters.
func (p KDFParams) normalized() KDFParams {
	if p.Algorithm == KDFDefault {
		p.Algorithm = KDFArgon2id
	}
	switch p.Algorithm {
	case KDFArgon2id:
		if p.Memory == 0 {
			p.Memory = defaultArgon2Memory
		}
		if p.Iterations == 0 {
			p.Iterations = defaultArgon2Iterations
		}
		if p.Parallelism == 0 {
			p.Parallelism = defaultArgon2Parallelism
		}
	case KDFPBKDF2SHA256, KDFPBKDF2SHA512:
		if p.Iterations == 0 {
			p.Iterations = defaultPBKDF2Iterations
		}
		p.Memory = 0
		p.Parallelism = 0
	}
	return p
}

// Validate checks the parameters after defaults are applied.
func (p KDFParams) Validate() error {
	p = p.normalized()
	switch p.Algorithm {
	case KDFArgon2id:
		if p.Memory < 8*uint32(p.Parallelism) {
			return NewValidationError("kdf.memory", p.Memory, fmt.Sprintf("argon2id needs at least %d KiB for %d lanes", 8*uint32(p.Parallelism), p.Parallelism))
		}
	case KDFPBKDF2SHA256, KDFPBKDF2SHA512:
	default:
		return &ValidationError{Field: "kdf.algorithm", Value: p.Algorithm, Message: "unsupported algorithm", Err: ErrUnsupportedKDF}
	}
	return nil
}

// deriveKEK stretches passphrase into the 64-byte key that wraps the
// master key.
func deriveKEK(passphrase, salt []byte, p KDFParams) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, NewValidationError("passphrase", nil, "passphrase cannot be empty")
	}
	if len(salt) == 0 {
		return nil, NewValidationError("salt", nil, "salt cannot be empty")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p = p.normalized()

	var hashFunc func() hash.Hash
	switch p.Algorithm {
	case KDFArgon2id:
		return argon2.IDKey(passphrase, salt, p.Iterations, p.Memory, p.Parallelism, kekSize), nil
	case KDFPBKDF2SHA256:
		hashFunc = sha256.New
	case KDFPBKDF2SHA512:
		hashFunc = sha512.New
	}
	return pbkdf2.Key(passphrase, salt, int(p.Iterations), kekSize, hashFunc), nil
}

// generateSalt returns SaltSize random bytes
func generateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}
