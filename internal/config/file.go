package config

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	apperrors "github.com/matchops/localsync/internal/errors"
)

// values flattens cfg into dotted viper keys. Durations are rendered as
// strings ("30s") so the file stays readable.
func values(cfg *Config) map[string]interface{} {
	s := cfg.Sync
	origins := cfg.RemoteServer.AllowOrigins
	if origins == nil {
		origins = []string{}
	}
	return map[string]interface{}{
		"data_dir": cfg.DataDir,

		"log.level":        cfg.Log.Level,
		"log.file":         cfg.Log.File,
		"log.max_size_mb":  cfg.Log.MaxSizeMB,
		"log.max_backups":  cfg.Log.MaxBackups,
		"log.max_age_days": cfg.Log.MaxAgeDays,
		"log.compress":     cfg.Log.Compress,

		"sync.batch_size":             s.BatchSize,
		"sync.max_per_type":           s.MaxPerType,
		"sync.concurrency":            s.Concurrency,
		"sync.poll_interval":          s.PollInterval.String(),
		"sync.remote_timeout":         s.RemoteTimeout.String(),
		"sync.base_delay":             s.BaseDelay.String(),
		"sync.max_delay":              s.MaxDelay.String(),
		"sync.max_attempts":           s.MaxAttempts,
		"sync.coalesce_create_delete": s.CoalesceCreateDelete,
		"sync.prefer_batch":           s.PreferBatch,
		"sync.probe_interval":         s.ProbeInterval.String(),

		"remote.kind":                     cfg.Remote.Kind,
		"remote.http.url":                 cfg.Remote.HTTP.URL,
		"remote.http.token":               cfg.Remote.HTTP.Token,
		"remote.http.secret":              cfg.Remote.HTTP.Secret,
		"remote.http.device_id":           cfg.Remote.HTTP.DeviceID,
		"remote.http.requests_per_second": cfg.Remote.HTTP.RequestsPerSecond,
		"remote.http.burst":               cfg.Remote.HTTP.Burst,
		"remote.http.atomic_batch":        cfg.Remote.HTTP.AtomicBatch,
		"remote.s3.provider":              cfg.Remote.S3.Provider,
		"remote.s3.endpoint":              cfg.Remote.S3.Endpoint,
		"remote.s3.region":                cfg.Remote.S3.Region,
		"remote.s3.account_id":            cfg.Remote.S3.AccountID,
		"remote.s3.bucket":                cfg.Remote.S3.Bucket,
		"remote.s3.access_key":            cfg.Remote.S3.AccessKey,
		"remote.s3.secret_key":            cfg.Remote.S3.SecretKey,
		"remote.s3.use_ssl":               cfg.Remote.S3.UseSSL,
		"remote.s3.path_style":            cfg.Remote.S3.PathStyle,
		"remote.s3.prefix":                cfg.Remote.S3.Prefix,

		"server.addr": cfg.Server.Addr,

		"remote_server.addr":          cfg.RemoteServer.Addr,
		"remote_server.db_path":       cfg.RemoteServer.DBPath,
		"remote_server.jwt_secret":    cfg.RemoteServer.JWTSecret,
		"remote_server.allow_origins": origins,
	}
}

// nest turns dotted keys into nested tables.
func nest(flat map[string]interface{}) map[string]interface{} {
	root := make(map[string]interface{})
	for key, value := range flat {
		parts := strings.Split(key, ".")
		table := root
		for _, part := range parts[:len(parts)-1] {
			next, ok := table[part].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				table[part] = next
			}
			table = next
		}
		table[parts[len(parts)-1]] = value
	}
	return root
}

// Encode renders cfg as TOML.
func Encode(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# MatchOps local sync configuration.\n")
	buf.WriteString("# Every key can be overridden with " + EnvPrefix + "_<SECTION>_<KEY>, e.g. " + EnvPrefix + "_SYNC_BATCH_SIZE.\n\n")
	if err := toml.NewEncoder(&buf).Encode(nest(values(cfg))); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to encode config", err)
	}
	return buf.Bytes(), nil
}

// Write saves cfg to path as TOML, creating parent directories. An existing
// file is only replaced when overwrite is set.
func Write(path string, cfg *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return apperrors.Newf(apperrors.ErrConfig, "config file %s already exists", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return apperrors.Wrap(apperrors.ErrConfig, "failed to stat config file", err)
		}
	}

	data, err := Encode(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "failed to create config directory", err)
	}
	// The file may hold remote credentials.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "failed to write config file", err)
	}
	return nil
}

// Settings returns cfg as nested tables keyed like the TOML file.
func Settings(cfg *Config) map[string]interface{} {
	return nest(values(cfg))
}
