package vaultfs

import "errors"

// Status codes reported across a foreign-function boundary. They follow the
// negated errno convention so a binding can hand them to callers unchanged.
const (
	StatusOK              = 0
	StatusUnknown         = -1
	StatusNotFound        = -2
	StatusIO              = -5
	StatusInvalidHandle   = -9
	StatusAuth            = -13
	StatusBusy            = -16
	StatusAlreadyExists   = -17
	StatusNotADirectory   = -20
	StatusNotAFile        = -21
	StatusInvalidArgument = -22
	StatusNotEmpty        = -39
	StatusIntegrity       = -74
)

var statusTable = []struct {
	err  error
	code int
}{
	{ErrAuth, StatusAuth},
	{ErrIntegrity, StatusIntegrity},
	{ErrBusy, StatusBusy},
	{ErrClosed, StatusInvalidHandle},
	{ErrNotFound, StatusNotFound},
	{ErrAlreadyExists, StatusAlreadyExists},
	{ErrNotEmpty, StatusNotEmpty},
	{ErrNotAFile, StatusNotAFile},
	{ErrNotADirectory, StatusNotADirectory},
	{ErrInvalidHandle, StatusInvalidHandle},
	{ErrInvalidArgument, StatusInvalidArgument},
	{ErrIO, StatusIO},
}

// StatusCode maps err to its boundary status code. When err matches more
// than one category the first entry in the table above wins. A nil error is
// StatusOK; an error outside the taxonomy is StatusUnknown.
func StatusCode(err error) int {
	if err == nil {
		return StatusOK
	}
	for _, s := range statusTable {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return StatusUnknown
}
