package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

var errMismatch = errors.New("passphrases do not match")

// passphrase returns the value of envVar when it is set, otherwise it
// prompts for one without echo.
func (e *env) passphrase(envVar, prompt string) ([]byte, error) {
	if v, ok := os.LookupEnv(envVar); ok {
		return []byte(v), nil
	}
	if _, err := fmt.Fprint(e.stderr, prompt); err != nil {
		return nil, err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(e.stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return pw, nil
}

// newPassphrase reads a passphrase that is about to be set. When prompting,
// it asks twice.
func (e *env) newPassphrase(envVar, prompt string) ([]byte, error) {
	if v, ok := os.LookupEnv(envVar); ok {
		return []byte(v), nil
	}
	first, err := e.passphrase(envVar, prompt)
	if err != nil {
		return nil, err
	}
	second, err := e.passphrase(envVar, "Repeat "+strings.ToLower(prompt[:1])+prompt[1:])
	if err != nil {
		return nil, err
	}
	defer wipe(second)
	if !bytes.Equal(first, second) {
		wipe(first)
		return nil, errMismatch
	}
	return first, nil
}

// readLine reads one line of input, trimming surrounding space.
func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func wipe(b []byte) {
	clear(b)
}
