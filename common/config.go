package common

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds the tunables of the storage/concurrency core. Subsystems
// never read viper directly: they take a Config (or the fields they need)
// so they stay constructible in tests without touching the filesystem or
// environment.
type Config struct {
	// DBFile is the path to the disk-backed page file.
	DBFile string

	// BufferPoolSize is the number of frames the buffer pool holds.
	BufferPoolSize int

	// ReplacerK is the K in the buffer pool's LRU-K replacement policy.
	ReplacerK int

	// BTreeLeafMaxSize and BTreeInternalMaxSize bound the fan-out of
	// B+ tree pages.
	BTreeLeafMaxSize     int
	BTreeInternalMaxSize int

	// DeadlockDetectionIntervalMillis is how often the lock manager's
	// background detector runs.
	DeadlockDetectionIntervalMillis int
}

// DefaultConfig returns the values used when nothing overrides them: a
// 64-frame pool with k=2, B+ tree pages of at most 4 entries, and a
// 50 ms deadlock-detection interval, so a caller that never touches
// configuration still gets sane values.
func DefaultConfig() Config {
	return Config{
		DBFile:                          "relcore.db",
		BufferPoolSize:                  64,
		ReplacerK:                       2,
		BTreeLeafMaxSize:                4,
		BTreeInternalMaxSize:            4,
		DeadlockDetectionIntervalMillis: 50,
	}
}

// LoadConfig reads configuration from the given file (if non-empty) and
// from RELCORE_-prefixed environment variables, falling back to
// DefaultConfig for anything unset.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("relcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db_file", cfg.DBFile)
	v.SetDefault("buffer_pool_size", cfg.BufferPoolSize)
	v.SetDefault("replacer_k", cfg.ReplacerK)
	v.SetDefault("btree_leaf_max_size", cfg.BTreeLeafMaxSize)
	v.SetDefault("btree_internal_max_size", cfg.BTreeInternalMaxSize)
	v.SetDefault("deadlock_detection_interval_millis", cfg.DeadlockDetectionIntervalMillis)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	cfg.DBFile = v.GetString("db_file")
	cfg.BufferPoolSize = v.GetInt("buffer_pool_size")
	cfg.ReplacerK = v.GetInt("replacer_k")
	cfg.BTreeLeafMaxSize = v.GetInt("btree_leaf_max_size")
	cfg.BTreeInternalMaxSize = v.GetInt("btree_internal_max_size")
	cfg.DeadlockDetectionIntervalMillis = v.GetInt("deadlock_detection_interval_millis")

	return cfg, nil
}
