package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onexay/commitvault/internal/faults"
	"github.com/onexay/commitvault/internal/storage"
)

// ArchiveBackend enumerates supported object stores.
type ArchiveBackend string

const (
	// ArchiveBackendBolt stores archives in a local BoltDB file.
	ArchiveBackendBolt ArchiveBackend = "bolt"
	// ArchiveBackendMemory keeps archives in-process.
	ArchiveBackendMemory ArchiveBackend = "memory"
	// ArchiveBackendPG stores archives in postgres.
	ArchiveBackendPG ArchiveBackend = "pg"
)

// Config aggregates runtime configuration.
type Config struct {
	APIAddr     string           `yaml:"api_addr"`
	CORSOrigins []string         `yaml:"cors_origins"`
	Directory   DirectoryConfig  `yaml:"directory"`
	Cache       CacheConfig      `yaml:"cache"`
	Archive     ArchiveConfig    `yaml:"archive"`
	Processing  ProcessingConfig `yaml:"processing"`
	Log         LogConfig        `yaml:"log"`

	// Rejected holds environment values that did not parse.
	Rejected []Rejected `yaml:"-"`
}

// DirectoryConfig locates the node directory. Hosts, when set, replaces the
// directory with a fixed master list.
type DirectoryConfig struct {
	URL      string        `yaml:"url"`
	Hosts    []string      `yaml:"hosts"`
	Interval time.Duration `yaml:"interval"`
	Async    bool          `yaml:"async"`
}

// CacheConfig holds the redis/KeyDB client settings.
type CacheConfig struct {
	Async    bool          `yaml:"async"`
	Interval time.Duration `yaml:"interval"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
}

// ArchiveConfig selects and tunes the archive store.
type ArchiveConfig struct {
	Backend      ArchiveBackend `yaml:"backend"`
	Path         string         `yaml:"path"`
	PGURL        string         `yaml:"pg_url"`
	Secret       string         `yaml:"secret"`
	Cipher       string         `yaml:"cipher"`
	Compression  string         `yaml:"compression"`
	TTL          time.Duration  `yaml:"ttl"`
	ManageSchema bool           `yaml:"manage_schema"`
}

// ProcessingConfig controls deferred archive registration.
type ProcessingConfig struct {
	Async bool `yaml:"async"`
}

// LogConfig mirrors logger.Options.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		APIAddr: ":8080",
		Directory: DirectoryConfig{
			Interval: 60 * time.Second,
		},
		Cache: CacheConfig{
			Interval: 30 * time.Second,
		},
		Archive: ArchiveConfig{
			Backend:      ArchiveBackendBolt,
			Path:         "data/archive.db",
			Compression:  "auto",
			ManageSchema: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from environment variables over Defaults.
func Load() Config {
	return FromEnv(Defaults())
}

// LoadFile reads a YAML file over Defaults, then applies environment
// variables on top.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return FromEnv(cfg), nil
}

// FromEnv overlays environment variables on base.
func FromEnv(base Config) Config {
	env := New()
	dir := env.Prefix("DIRECTORY_")
	cache := env.Prefix("CACHE_")
	archive := env.Prefix("ARCHIVE_")
	logs := env.Prefix("LOG_")

	cfg := Config{
		APIAddr:     env.MayString("API_ADDR", base.APIAddr),
		CORSOrigins: env.MayCSV("API_CORS_ORIGINS", base.CORSOrigins),
		Directory: DirectoryConfig{
			URL:      dir.MayString("URL", base.Directory.URL),
			Hosts:    dir.MayCSV("HOSTS", base.Directory.Hosts),
			Interval: dir.MayDuration("INTERVAL", base.Directory.Interval),
			Async:    dir.MayBool("ASYNC", base.Directory.Async),
		},
		Cache: CacheConfig{
			Async:    cache.MayBool("ASYNC", base.Cache.Async),
			Interval: cache.MayDuration("INTERVAL", base.Cache.Interval),
			Username: cache.MayString("USERNAME", base.Cache.Username),
			Password: cache.MayString("PASSWORD", base.Cache.Password),
			DB:       cache.MayInt("DB", base.Cache.DB),
		},
		Archive: ArchiveConfig{
			Backend:      ArchiveBackend(strings.ToLower(archive.MayString("BACKEND", string(base.Archive.Backend)))),
			Path:         archive.MayString("PATH", base.Archive.Path),
			PGURL:        archive.MayString("PG_URL", base.Archive.PGURL),
			Secret:       archive.MayString("SECRET", base.Archive.Secret),
			Cipher:       strings.ToLower(archive.MayString("CIPHER", base.Archive.Cipher)),
			Compression:  strings.ToLower(archive.MayString("COMPRESSION", base.Archive.Compression)),
			TTL:          archive.MayDuration("TTL", base.Archive.TTL),
			ManageSchema: archive.MayBool("MANAGE_SCHEMA", base.Archive.ManageSchema),
		},
		Processing: ProcessingConfig{
			Async: env.MayBool("PROCESSING_ASYNC", base.Processing.Async),
		},
		Log: LogConfig{
			Level:  logs.MayString("LEVEL", base.Log.Level),
			Format: logs.MayString("FORMAT", base.Log.Format),
		},
	}
	cfg.Rejected = env.Rejected()
	return cfg
}

// Validate reports every setting that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Directory.URL == "" && len(c.Directory.Hosts) == 0 {
		errs = append(errs, errors.New("DIRECTORY_URL or DIRECTORY_HOSTS is required"))
	}
	switch c.Archive.Backend {
	case ArchiveBackendMemory:
	case ArchiveBackendBolt:
		if c.Archive.Path == "" {
			errs = append(errs, errors.New("ARCHIVE_PATH is required for the bolt backend"))
		}
	case ArchiveBackendPG:
		if c.Archive.PGURL == "" {
			errs = append(errs, errors.New("ARCHIVE_PG_URL is required for the pg backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ARCHIVE_BACKEND %q", c.Archive.Backend))
	}
	if _, err := storage.ParseCipher(c.Archive.Cipher, c.Archive.Secret != ""); err != nil {
		errs = append(errs, err)
	}
	if _, err := storage.ParseCompression(c.Archive.Compression); err != nil {
		errs = append(errs, err)
	}
	if c.Archive.TTL < 0 {
		errs = append(errs, errors.New("ARCHIVE_TTL must not be negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return &faults.ConfigurationError{Message: errors.Join(errs...).Error()}
}
