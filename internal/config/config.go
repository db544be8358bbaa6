// Package config loads MatchOps sync configuration from a TOML file, a .env
// file and MATCHOPS_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/logging"
	"github.com/matchops/localsync/internal/sync"
	"github.com/matchops/localsync/internal/sync/queue"
	"github.com/matchops/localsync/internal/sync/s3"
)

const (
	// EnvPrefix prefixes every environment override, e.g. MATCHOPS_SYNC_BATCH_SIZE.
	EnvPrefix = "MATCHOPS"
	// FileName is the config file searched for in the home directory.
	FileName = "matchops.toml"
)

// Remote kinds.
const (
	RemoteNone = ""
	RemoteHTTP = "http"
	RemoteS3   = "s3"
)

// Config holds all application configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	Log          LogConfig          `mapstructure:"log"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Server       ServerConfig       `mapstructure:"server"`
	RemoteServer RemoteServerConfig `mapstructure:"remote_server"`

	// path is the file the config was read from, if any.
	path string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SyncConfig holds queue and engine tunables.
type SyncConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`
	MaxPerType           int           `mapstructure:"max_per_type"`
	Concurrency          int           `mapstructure:"concurrency"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	RemoteTimeout        time.Duration `mapstructure:"remote_timeout"`
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	CoalesceCreateDelete bool          `mapstructure:"coalesce_create_delete"`
	PreferBatch          bool          `mapstructure:"prefer_batch"`
	ProbeInterval        time.Duration `mapstructure:"probe_interval"`
}

// RemoteConfig selects and configures the remote store.
type RemoteConfig struct {
	Kind string           `mapstructure:"kind"`
	HTTP HTTPRemoteConfig `mapstructure:"http"`
	S3   S3RemoteConfig   `mapstructure:"s3"`
}

// HTTPRemoteConfig configures the REST remote.
type HTTPRemoteConfig struct {
	URL               string  `mapstructure:"url"`
	Token             string  `mapstructure:"token"`
	Secret            string  `mapstructure:"secret"`
	DeviceID          string  `mapstructure:"device_id"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	AtomicBatch       bool    `mapstructure:"atomic_batch"`
}

// S3RemoteConfig configures the object store remote.
type S3RemoteConfig struct {
	Provider  string `mapstructure:"provider"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccountID string `mapstructure:"account_id"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	PathStyle bool   `mapstructure:"path_style"`
	Prefix    string `mapstructure:"prefix"`
}

// ServerConfig configures the local daemon's API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// RemoteServerConfig configures matchops-remote.
type RemoteServerConfig struct {
	Addr         string   `mapstructure:"addr"`
	DBPath       string   `mapstructure:"db_path"`
	JWTSecret    string   `mapstructure:"jwt_secret"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// Home returns $MATCHOPS_HOME, falling back to ~/.matchops.
func Home() string {
	if home := os.Getenv(EnvPrefix + "_HOME"); home != "" {
		return home
	}
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".matchops")
	}
	return ".matchops"
}

// DefaultPath is the config file location when none is given.
func DefaultPath() string {
	return filepath.Join(Home(), FileName)
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	q := queue.DefaultConfig()
	e := sync.DefaultConfig()
	return &Config{
		DataDir: Home(),
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Sync: SyncConfig{
			BatchSize:            e.BatchSize,
			MaxPerType:           e.MaxPerType,
			Concurrency:          e.Concurrency,
			PollInterval:         e.PollInterval,
			RemoteTimeout:        e.RemoteTimeout,
			BaseDelay:            q.BaseDelay,
			MaxDelay:             q.MaxDelay,
			MaxAttempts:          q.MaxAttempts,
			CoalesceCreateDelete: q.CoalesceCreateDelete,
			ProbeInterval:        15 * time.Second,
		},
		Remote: RemoteConfig{
			HTTP: HTTPRemoteConfig{AtomicBatch: true},
		},
		Server: ServerConfig{Addr: "127.0.0.1:8090"},
		RemoteServer: RemoteServerConfig{
			Addr:   ":8080",
			DBPath: filepath.Join(Home(), "remote.db"),
		},
	}
}

// Load reads configuration. An empty path reads DefaultPath when it exists;
// an explicit path must exist. A .env file in the working directory is
// loaded into the environment first without overriding variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn("Ignoring unreadable .env file", map[string]interface{}{"error": err.Error()})
	}

	v := newViper()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to read config file "+path, err)
		}
		path = ""
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to decode config", err)
	}
	cfg.path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults register every key so environment overrides reach Unmarshal.
	for key, value := range values(Default()) {
		v.SetDefault(key, value)
	}
	return v
}

// Path returns the file the config was loaded from, or "".
func (c *Config) Path() string {
	return c.path
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	s := c.Sync
	switch {
	case s.BatchSize <= 0, s.MaxPerType <= 0, s.Concurrency <= 0, s.MaxAttempts <= 0:
		return apperrors.New(apperrors.ErrConfig, "sync batch_size, max_per_type, concurrency and max_attempts must be positive")
	case s.PollInterval <= 0, s.RemoteTimeout <= 0, s.BaseDelay <= 0:
		return apperrors.New(apperrors.ErrConfig, "sync poll_interval, remote_timeout and base_delay must be positive")
	case s.MaxDelay < s.BaseDelay:
		return apperrors.Newf(apperrors.ErrConfig, "sync max_delay %s is below base_delay %s", s.MaxDelay, s.BaseDelay)
	}

	switch c.Remote.Kind {
	case RemoteNone:
	case RemoteHTTP:
		if c.Remote.HTTP.URL == "" {
			return apperrors.New(apperrors.ErrConfig, "remote.http.url is required for the http remote")
		}
	case RemoteS3:
		if c.Remote.S3.Bucket == "" {
			return apperrors.New(apperrors.ErrConfig, "remote.s3.bucket is required for the s3 remote")
		}
	default:
		return apperrors.Newf(apperrors.ErrConfig, "unknown remote kind %q (want http or s3)", c.Remote.Kind)
	}
	return nil
}

// QueueConfig returns the queue tunables.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		BaseDelay:            c.Sync.BaseDelay,
		MaxDelay:             c.Sync.MaxDelay,
		MaxAttempts:          c.Sync.MaxAttempts,
		CoalesceCreateDelete: c.Sync.CoalesceCreateDelete,
	}
}

// EngineConfig returns the engine tunables.
func (c *Config) EngineConfig() sync.Config {
	return sync.Config{
		BatchSize:     c.Sync.BatchSize,
		MaxPerType:    c.Sync.MaxPerType,
		Concurrency:   c.Sync.Concurrency,
		PollInterval:  c.Sync.PollInterval,
		RemoteTimeout: c.Sync.RemoteTimeout,
		PreferBatch:   c.Sync.PreferBatch,
	}
}

// LogOptions returns the logger options.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
		Console:    c.Log.File != "",
	}
}

// S3ProviderConfig returns the object store settings.
func (c *Config) S3ProviderConfig() s3.ProviderConfig {
	r := c.Remote.S3
	return s3.ProviderConfig{
		Provider:  s3.Provider(r.Provider),
		Endpoint:  r.Endpoint,
		Region:    r.Region,
		AccountID: r.AccountID,
		Bucket:    r.Bucket,
		AccessKey: r.AccessKey,
		SecretKey: r.SecretKey,
		UseSSL:    r.UseSSL,
		PathStyle: r.PathStyle,
	}
}

const redacted = "********"

// Redacted returns a copy of c with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&out.Remote.HTTP.Token)
	mask(&out.Remote.HTTP.Secret)
	mask(&out.Remote.S3.SecretKey)
	mask(&out.RemoteServer.JWTSecret)
	return &out
}
