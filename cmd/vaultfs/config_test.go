package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/absfs/vaultfs"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func parseFlags(t *testing.T, args ...string) (*pflag.FlagSet, *flagValues) {
	t.Helper()
	var fv flagValues
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fv.register(flags)
	require.NoError(t, flags.Parse(args))
	return flags, &fv
}

func TestResolveConfig_Layers(t *testing.T) {
	t.Setenv("VAULTFS_CONFIG", "")
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: /from/file\ncipher: chacha20-poly1305\nchunk_size: 8192\n"), 0o600))

	flags, fv := parseFlags(t, "--config", path, "--chunk-size", "1024")
	cfg, err := resolveConfig(flags, fv)
	require.NoError(t, err)

	require.Equal(t, "/from/file", cfg.Store)         // file over default
	require.Equal(t, "chacha20-poly1305", cfg.Cipher) // file over default
	require.Equal(t, 1024, cfg.ChunkSize)             // flag over file
	require.Equal(t, "warn", cfg.Log.Level)           // default
}

func TestResolveConfig_Files(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		flags, fv := parseFlags(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := resolveConfig(flags, fv)
		require.Error(t, err)
	})

	t.Run("missing env file is ignored", func(t *testing.T) {
		t.Setenv("VAULTFS_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
		flags, fv := parseFlags(t)
		cfg, err := resolveConfig(flags, fv)
		require.NoError(t, err)
		require.Equal(t, ".", cfg.Store)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("chunk_size: [1, 2"), 0o600))
		flags, fv := parseFlags(t, "--config", path)
		_, err := resolveConfig(flags, fv)
		require.Error(t, err)
	})
}

func TestStoreConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.KDF.Algorithm = "pbkdf2-sha512"
	out, err := cfg.storeConfig(zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, vaultfs.CipherAES256GCM, out.Cipher)
	require.Equal(t, vaultfs.KDFPBKDF2SHA512, out.KDF.Algorithm)

	cfg = defaultConfig()
	cfg.Cipher = "des"
	_, err = cfg.storeConfig(zap.NewNop())
	require.ErrorIs(t, err, vaultfs.ErrInvalidArgument)

	cfg = defaultConfig()
	cfg.ChunkSize = 3
	_, err = cfg.storeConfig(zap.NewNop())
	require.ErrorIs(t, err, vaultfs.ErrInvalidArgument)
}

func TestNewLogger(t *testing.T) {
	logger, level, err := newLogger(logConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.False(t, level.Enabled(zap.DebugLevel))
	level.SetLevel(zap.DebugLevel)
	require.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, _, err = newLogger(logConfig{Level: "loud"})
	require.Error(t, err)
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in, dir, name string
	}{
		{"/a", "/", "a"},
		{"a/b", "/a", "b"},
		{"/a/b/../c/", "/a", "c"},
	}
	for _, tt := range tests {
		dir, name, err := splitPath(tt.in)
		require.NoError(t, err)
		require.Equal(t, tt.dir, dir, tt.in)
		require.Equal(t, tt.name, name, tt.in)
	}

	_, _, err := splitPath("/..")
	require.Error(t, err)
}
