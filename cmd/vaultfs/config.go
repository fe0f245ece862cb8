package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/absfs/vaultfs"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// config is the command line configuration. Values come from defaults, then
// the YAML file named by --config or VAULTFS_CONFIG, then explicit flags.
type config struct {
	// Store is the directory holding the encrypted store
	Store string `yaml:"store"`

	// Cipher, ChunkSize and KDF only apply when a store is created
	Cipher    string    `yaml:"cipher"`
	ChunkSize int       `yaml:"chunk_size"`
	KDF       kdfConfig `yaml:"kdf"`

	// CacheChunks is the number of decrypted chunks kept in memory
	CacheChunks int `yaml:"cache_chunks"`

	Log logConfig `yaml:"log"`
}

// kdfConfig cost fields left at zero take the algorithm's defaults.
type kdfConfig struct {
	Algorithm   string `yaml:"algorithm"`
	Memory      uint32 `yaml:"memory"` // KiB
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
}

type logConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

func defaultConfig() *config {
	d := vaultfs.DefaultConfig()
	return &config{
		Store:       ".",
		Cipher:      d.Cipher.String(),
		ChunkSize:   d.ChunkSize,
		KDF:         kdfConfig{Algorithm: d.KDF.Algorithm.String()},
		CacheChunks: d.CacheChunks,
		Log:         logConfig{Level: "warn", Format: "console"},
	}
}

// loadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values.
func (c *config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// flagValues holds the global flags before they are merged into a config.
type flagValues struct {
	configPath  string
	store       string
	cipher      string
	chunkSize   int
	kdf         string
	cacheChunks int
	logLevel    string
}

func (v *flagValues) register(flags *pflag.FlagSet) {
	flags.StringVar(&v.configPath, "config", "", "YAML configuration file (default $VAULTFS_CONFIG)")
	flags.StringVarP(&v.store, "store", "s", "", "store directory")
	flags.StringVar(&v.cipher, "cipher", "", "content cipher for new stores: aes-256-gcm or chacha20-poly1305")
	flags.IntVar(&v.chunkSize, "chunk-size", 0, "plaintext chunk size in bytes for new stores")
	flags.StringVar(&v.kdf, "kdf", "", "key derivation for new stores: argon2id, pbkdf2-sha256 or pbkdf2-sha512")
	flags.IntVar(&v.cacheChunks, "cache-chunks", 0, "decrypted chunks kept in memory")
	flags.StringVar(&v.logLevel, "log-level", "", "log level: debug, info, warn or error")
}

// resolveConfig builds the effective configuration from defaults, the config
// file and the flags that were set explicitly.
func resolveConfig(flags *pflag.FlagSet, v *flagValues) (*config, error) {
	cfg := defaultConfig()

	path := v.configPath
	if path == "" {
		path = os.Getenv("VAULTFS_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			// A VAULTFS_CONFIG naming a missing file is ignored
			if v.configPath != "" || !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	if flags.Changed("store") {
		cfg.Store = v.store
	}
	if flags.Changed("cipher") {
		cfg.Cipher = v.cipher
	}
	if flags.Changed("chunk-size") {
		cfg.ChunkSize = v.chunkSize
	}
	if flags.Changed("kdf") {
		cfg.KDF.Algorithm = v.kdf
	}
	if flags.Changed("cache-chunks") {
		cfg.CacheChunks = v.cacheChunks
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = v.logLevel
	}
	return cfg, nil
}

// storeConfig converts c into the library configuration.
func (c *config) storeConfig(logger *zap.Logger) (*vaultfs.Config, error) {
	suite, err := vaultfs.ParseCipherSuite(c.Cipher)
	if err != nil {
		return nil, err
	}
	alg, err := vaultfs.ParseKDFAlgorithm(c.KDF.Algorithm)
	if err != nil {
		return nil, err
	}

	out := vaultfs.DefaultConfig()
	out.Cipher = suite
	out.ChunkSize = c.ChunkSize
	out.CacheChunks = c.CacheChunks
	out.KDF = vaultfs.KDFParams{
		Algorithm:   alg,
		Memory:      c.KDF.Memory,
		Iterations:  c.KDF.Iterations,
		Parallelism: c.KDF.Parallelism,
	}
	out.Logger = logger
	return out, out.Validate()
}

// newLogger builds a stderr logger. The returned level can be changed at
// runtime.
func newLogger(cfg logConfig) (*zap.Logger, zap.AtomicLevel, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q", cfg.Level)
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	atom := zap.NewAtomicLevelAt(level)
	zc.Level = atom
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, atom, err
	}
	return logger, atom, nil
}
