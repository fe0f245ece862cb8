package vaultfs

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	m, err := NewMetrics(nil, "x")
	require.NoError(t, err)
	require.Nil(t, m)

	// None of these may panic
	m.observe("read", nil)
	m.addRead(10)
	m.addWritten(10)
	m.integrityFailure()
	m.cacheHit()
	m.cacheMiss()
	m.setOpenHandles(1)
	m.setInodes(1)
	m.unregister()
}

func TestMetrics_StoreOperations(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	cfg := testConfig(t)
	cfg.Registerer = reg

	s, err := Open(t.TempDir(), testPass, cfg)
	require.NoError(t, err)

	ino, h, err := s.CreateFile(RootInode, "m")
	require.NoError(t, err)
	_, err = s.Write(ino, h, make([]byte, 100), 0)
	require.NoError(t, err)
	_, err = s.Read(ino, h, make([]byte, 100), 0)
	require.NoError(t, err)
	_, _, err = s.CreateFile(RootInode, "m")
	require.ErrorIs(t, err, ErrAlreadyExists)

	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.ops.WithLabelValues("create", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.ops.WithLabelValues("create", "already_exists")))
	require.Equal(t, 100.0, testutil.ToFloat64(s.metrics.bytesWritten))
	require.Equal(t, 100.0, testutil.ToFloat64(s.metrics.bytesRead))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.openHandles))
	require.Equal(t, 2.0, testutil.ToFloat64(s.metrics.inodes))

	expected := `
# HELP vaultfs_open_handles Number of open file handles
# TYPE vaultfs_open_handles gauge
vaultfs_open_handles{store="` + s.ID().String() + `"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "vaultfs_open_handles"))

	require.NoError(t, s.Close())

	// Closing unregisters, so the same registry can serve the next open
	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMetrics_IntegrityFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, "store")
	require.NoError(t, err)
	defer m.unregister()

	b := newMemBackend(t)
	bio, err := NewBlockIO(b, testMasterKey(), BlockIOConfig{Cipher: CipherAES256GCM, ChunkSize: 64, Metrics: m})
	require.NoError(t, err)

	ref := uuid.New()
	require.NoError(t, bio.Create(ref))
	_, size, err := bio.WriteAt(ref, 0, make([]byte, 64), 0)
	require.NoError(t, err)

	raw, _ := readFile(b, chunkPath(ref, 0))
	raw[len(raw)-1] ^= 1
	require.NoError(t, writeFileAtomic(b, chunkPath(ref, 0), raw))

	require.ErrorIs(t, bio.Verify(ref, size), ErrIntegrity)
	require.Equal(t, 1.0, testutil.ToFloat64(m.integrityFailures))
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, "same")
	require.NoError(t, err)
	defer m.unregister()

	_, err = NewMetrics(reg, "same")
	require.Error(t, err)

	// The failed attempt rolled back, leaving the first set intact
	m.cacheHit()
	require.Equal(t, 1.0, testutil.ToFloat64(m.cacheHits))
}

func TestStatusName(t *testing.T) {
	require.Equal(t, "not_found", statusName(StatusNotFound))
	require.Equal(t, "integrity", statusName(StatusIntegrity))
	require.Equal(t, "unknown", statusName(StatusUnknown))
}
