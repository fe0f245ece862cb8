package vaultfs

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testPass = []byte("correct horse battery staple")

// testKDF is cheap enough to run hundreds of derivations in a test run
var testKDF = KDFParams{Algorithm: KDFArgon2id, Memory: 1024, Iterations: 1, Parallelism: 1}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.KDF = testKDF
	cfg.ChunkSize = 64
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func newMemBackend(t *testing.T) Backend {
	t.Helper()
	fs, err := memfs.NewFS()
	require.NoError(t, err)
	return fs
}

// openTestStore opens a new store in a temporary directory and closes it
// when the test ends
func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, testPass, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		if !s.closed.Load() {
			s.Close()
		}
	})
	return s, dir
}

func testMasterKey() []byte {
	key := make([]byte, MasterKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

var errDiskFull = errors.New("disk full")

// faultyBackend fails file creation for names matching failCreate
type faultyBackend struct {
	Backend

	mu         sync.Mutex
	failCreate func(name string) bool
}

func (b *faultyBackend) setFailCreate(fn func(name string) bool) {
	b.mu.Lock()
	b.failCreate = fn
	b.mu.Unlock()
}

func (b *faultyBackend) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	b.mu.Lock()
	fail := flag&os.O_CREATE != 0 && b.failCreate != nil && b.failCreate(name)
	b.mu.Unlock()
	if fail {
		return nil, &os.PathError{Op: "open", Path: name, Err: errDiskFull}
	}
	return b.Backend.OpenFile(name, flag, perm)
}
