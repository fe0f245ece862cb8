package vaultfs

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the package matches exactly one
// of these with errors.Is.
var (
	ErrAuth            = errors.New("authentication failed")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotEmpty        = errors.New("directory not empty")
	ErrNotAFile        = errors.New("not a file")
	ErrNotADirectory   = errors.New("not a directory")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrIntegrity       = errors.New("integrity check failed")
	ErrIO              = errors.New("i/o error")
	ErrBusy            = errors.New("store is busy")
	ErrClosed          = errors.New("store is closed")
)

// Format-level causes wrapped by CorruptionError and ValidationError.
var (
	ErrInvalidHeader      = errors.New("invalid header")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrUnsupportedKDF     = errors.New("unsupported key derivation algorithm")
	ErrInvalidKey         = errors.New("invalid key")
	errOpenFailed         = errors.New("message authentication failed")
)

// ValidationError represents an invalid parameter or configuration value
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is reports ErrInvalidArgument for every validation failure.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// IOError represents a failure of the underlying storage
type IOError struct {
	Operation string // "read", "write", "rename", "remove", etc.
	Path      string // Backend path
	Offset    int64  // Plaintext offset, or -1
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, msg)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, msg)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, msg)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// CorruptionError represents stored data that failed authentication or
// could not be parsed
type CorruptionError struct {
	Path     string // Backend path
	ChunkIdx int64  // Chunk index, or -1
	Message  string // Human-readable error message
	Err      error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.ChunkIdx >= 0 {
		return fmt.Sprintf("corruption error: %s (chunk %d): %s", e.Path, e.ChunkIdx, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrIntegrity
}

// AuthenticationError represents a passphrase or recovery phrase that does
// not unlock the store
type AuthenticationError struct {
	Path    string // Key record path
	Message string // Human-readable error message
}

func (e *AuthenticationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("authentication error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuth
}

// OpError records a failed namespace or handle operation with the inode and
// name it was applied to. Err is one of the category sentinels or a
// structured error wrapping one.
type OpError struct {
	Op    string
	Inode InodeID
	Name  string
	Err   error
}

func (e *OpError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %d/%q: %v", e.Op, e.Inode, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %d: %v", e.Op, e.Inode, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    -1,
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, chunkIdx int64, message string, err error) error {
	return &CorruptionError{
		Path:     path,
		ChunkIdx: chunkIdx,
		Message:  message,
		Err:      err,
	}
}

func opErr(op string, ino InodeID, name string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Inode: ino, Name: name, Err: err}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
