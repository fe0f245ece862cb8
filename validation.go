package vaultfs

import (
	"fmt"
	"strings"
)

// MaxNameLength is the longest directory entry name accepted, in bytes
const MaxNameLength = 255

// ValidateName checks that name is usable as a single directory entry
func ValidateName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Field: "name", Message: "name cannot be empty"}
	case name == "." || name == "..":
		return &ValidationError{Field: "name", Value: name, Message: "reserved name"}
	case len(name) > MaxNameLength:
		return &ValidationError{
			Field:   "name",
			Value:   len(name),
			Message: fmt.Sprintf("name too long: %d bytes, maximum is %d", len(name), MaxNameLength),
		}
	case strings.ContainsAny(name, "/\x00"):
		return &ValidationError{Field: "name", Value: name, Message: "name cannot contain '/' or NUL"}
	}
	return nil
}

// ValidateOffset checks if a file offset is valid
func ValidateOffset(offset int64, name string) error {
	if offset < 0 {
		return &ValidationError{
			Field:   name,
			Value:   offset,
			Message: "offset cannot be negative",
		}
	}
	return nil
}

// ValidateChunkSize validates that a chunk size is within acceptable bounds
func ValidateChunkSize(size int) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return &ValidationError{
			Field:   "chunk_size",
			Value:   size,
			Message: fmt.Sprintf("chunk size must be between %d and %d", MinChunkSize, MaxChunkSize),
		}
	}
	return nil
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}

	return nil
}

// ValidateReadWrite checks common preconditions for positional I/O
func ValidateReadWrite(buf []byte, offset int64) error {
	if buf == nil {
		return &ValidationError{Field: "buffer", Message: "buffer cannot be nil"}
	}
	if offset < 0 {
		return &ValidationError{Field: "offset", Value: offset, Message: "offset cannot be negative"}
	}
	if offset > maxFileSize-int64(len(buf)) {
		return &ValidationError{Field: "offset", Value: offset, Message: "offset exceeds maximum file size"}
	}
	return nil
}
