// Package config loads realmindex settings from the environment and an
// optional YAML file.
//
// Every key can be set as an environment variable (its upper-case name) or
// in the config file (its lower-case name). Integer settings fall back to
// their default when missing, unparsable, or not positive.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/realmindex/internal/reindex"
)

// Setting keys. Each doubles as its environment variable name.
const (
	KeyBatchSize      = "FULL_REINDEX_BATCH_SIZE"
	KeyConcurrency    = "FULL_REINDEX_CONCURRENCY"
	KeyCooldownSec    = "FULL_REINDEX_COOLDOWN_SEC"
	KeyJobTimeoutSec  = "FROM_SCRATCH_JOB_TIMEOUT_SEC"
	KeyDBPath         = "REALMINDEX_DB"
	KeyDatabaseURL    = "REALMINDEX_DATABASE_URL"
	KeyDebounceMS     = "REALMINDEX_QUEUE_DEBOUNCE_MS"
	KeyQueueWorkers   = "REALMINDEX_QUEUE_WORKERS"
	KeyReadCacheSize  = "REALMINDEX_READ_CACHE_SIZE"
	KeyJobPollMS      = "REALMINDEX_JOB_POLL_MS"
	DefaultDBPath     = "realmindex.db"
	defaultDebounceMS = 10
)

var intDefaults = map[string]int{
	KeyBatchSize:     reindex.DefaultBatchSize,
	KeyConcurrency:   reindex.DefaultConcurrency,
	KeyCooldownSec:   int(reindex.DefaultCooldown / time.Second),
	KeyJobTimeoutSec: int(reindex.DefaultJobTimeout / time.Second),
	KeyDebounceMS:    defaultDebounceMS,
	KeyQueueWorkers:  4,
	KeyReadCacheSize: 1024,
	KeyJobPollMS:     1000,
}

// Config is the resolved configuration.
type Config struct {
	DBPath      string
	DatabaseURL string

	BatchSize   int
	Concurrency int
	Cooldown    time.Duration
	JobTimeout  time.Duration

	QueueDebounce time.Duration
	QueueWorkers  int
	ReadCacheSize int
	JobPoll       time.Duration

	// File is the config file read, if any.
	File string
}

// Postgres reports whether the Postgres backend is selected.
func (c Config) Postgres() bool {
	return c.DatabaseURL != ""
}

// Reindex returns the full-reindex bounds.
func (c Config) Reindex() reindex.Config {
	return reindex.Config{
		BatchSize:   c.BatchSize,
		Concurrency: c.Concurrency,
		Cooldown:    c.Cooldown,
		JobTimeout:  c.JobTimeout,
	}
}

// Default returns the configuration with every setting at its default.
func Default() Config {
	d := func(key string) int { return intDefaults[key] }
	return Config{
		DBPath:        DefaultDBPath,
		BatchSize:     d(KeyBatchSize),
		Concurrency:   d(KeyConcurrency),
		Cooldown:      time.Duration(d(KeyCooldownSec)) * time.Second,
		JobTimeout:    time.Duration(d(KeyJobTimeoutSec)) * time.Second,
		QueueDebounce: time.Duration(d(KeyDebounceMS)) * time.Millisecond,
		QueueWorkers:  d(KeyQueueWorkers),
		ReadCacheSize: d(KeyReadCacheSize),
		JobPoll:       time.Duration(d(KeyJobPollMS)) * time.Millisecond,
	}
}

// Load reads the environment and, when file is non-empty, the YAML config
// file at file. Without a file it looks for realmindex.yaml in the working
// directory and ignores its absence.
func Load(file string) (Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("realmindex")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.AutomaticEnv()

	used := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		used = v.ConfigFileUsed()
	}

	c, err := fromViper(v, slog.Default())
	if err != nil {
		return Config{}, err
	}
	c.File = used
	return c, nil
}

func fromViper(v *viper.Viper, logger *slog.Logger) (Config, error) {
	for key := range intDefaults {
		if err := v.BindEnv(strings.ToLower(key), key); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	for _, key := range []string{KeyDBPath, KeyDatabaseURL} {
		if err := v.BindEnv(strings.ToLower(key), key); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	v.SetDefault(strings.ToLower(KeyDBPath), DefaultDBPath)

	i := func(key string) int { return positiveInt(v, key, logger) }
	return Config{
		DBPath:        v.GetString(strings.ToLower(KeyDBPath)),
		DatabaseURL:   v.GetString(strings.ToLower(KeyDatabaseURL)),
		BatchSize:     i(KeyBatchSize),
		Concurrency:   i(KeyConcurrency),
		Cooldown:      time.Duration(i(KeyCooldownSec)) * time.Second,
		JobTimeout:    time.Duration(i(KeyJobTimeoutSec)) * time.Second,
		QueueDebounce: time.Duration(i(KeyDebounceMS)) * time.Millisecond,
		QueueWorkers:  i(KeyQueueWorkers),
		ReadCacheSize: i(KeyReadCacheSize),
		JobPoll:       time.Duration(i(KeyJobPollMS)) * time.Millisecond,
	}, nil
}

// positiveInt reads key as a positive integer, falling back to its default.
func positiveInt(v *viper.Viper, key string, logger *slog.Logger) int {
	def := intDefaults[key]
	raw := strings.TrimSpace(v.GetString(strings.ToLower(key)))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		logger.Warn("invalid setting, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return n
}
