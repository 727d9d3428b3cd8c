// Package config loads the server configuration from the environment, an
// optional .env file and an optional YAML file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageFile   = "file"
	StorageRedis  = "redis"
	StorageSQL    = "sql"
	StorageMemory = "memory"
	BackupNone    = "none"
)

// Config is the complete server configuration. Environment variables take
// precedence over the YAML file, which takes precedence over defaults.
type Config struct {
	ConfigFile string `env:"DLB_CONFIG_FILE" mapstructure:"-"`

	DataDir      string `env:"DLB_DATA_DIR" envDefault:"data" mapstructure:"data_dir"`
	DialoguesDir string `env:"DLB_DIALOGUES_DIR" envDefault:"dialogues" mapstructure:"dialogues_dir"`

	Storage       string `env:"DLB_STORAGE" envDefault:"file" mapstructure:"storage"`
	Backup        string `env:"DLB_BACKUP" envDefault:"none" mapstructure:"backup"`
	RedisAddr     string `env:"DLB_REDIS_ADDR" envDefault:"localhost:6379" mapstructure:"redis_addr"`
	RedisPassword string `env:"DLB_REDIS_PASSWORD" mapstructure:"redis_password"`
	RedisDB       int    `env:"DLB_REDIS_DB" mapstructure:"redis_db"`
	SQLDriver     string `env:"DLB_SQL_DRIVER" envDefault:"sqlite" mapstructure:"sql_driver"`
	SQLDSN        string `env:"DLB_SQL_DSN" mapstructure:"sql_dsn"`

	DistributedLock bool `env:"DLB_DISTRIBUTED_LOCK" mapstructure:"distributed_lock"`

	// EncryptionKey is a base64 AES-256 key. When set, every blob is encrypted at rest.
	EncryptionKey          string   `env:"DLB_ENCRYPTION_KEY" mapstructure:"encryption_key"`
	EncryptionFallbackKeys []string `env:"DLB_ENCRYPTION_FALLBACK_KEYS" envSeparator:"," mapstructure:"encryption_fallback_keys"`

	JWTSecret  string `env:"DLB_JWT_SECRET" mapstructure:"jwt_secret"`
	APIVersion string `env:"DLB_API_VERSION" envDefault:"1" mapstructure:"api_version"`
	ListenAddr string `env:"DLB_LISTEN_ADDR" envDefault:":8089" mapstructure:"listen_addr"`

	// MaxInputSize bounds each string value a client sends, in bytes.
	MaxInputSize int `env:"DLB_MAX_INPUT_SIZE" envDefault:"4096" mapstructure:"max_input_size"`

	ExternalVarURL             string        `env:"DLB_EXTERNAL_VAR_URL" mapstructure:"external_var_url"`
	ExternalVarUser            string        `env:"DLB_EXTERNAL_VAR_USER" mapstructure:"external_var_user"`
	ExternalVarPassword        string        `env:"DLB_EXTERNAL_VAR_PASSWORD" mapstructure:"external_var_password"`
	ExternalVarAPIVersion      string        `env:"DLB_EXTERNAL_VAR_API_VERSION" envDefault:"1" mapstructure:"external_var_api_version"`
	ExternalVarTimeout         time.Duration `env:"DLB_EXTERNAL_VAR_TIMEOUT" envDefault:"10s" mapstructure:"external_var_timeout"`
	ExternalVarTokenExpiration int           `env:"DLB_EXTERNAL_VAR_TOKEN_EXPIRATION" mapstructure:"external_var_token_expiration"`

	IdleTimeout      time.Duration `env:"DLB_IDLE_TIMEOUT" mapstructure:"idle_timeout"`
	EvictionSchedule string        `env:"DLB_EVICTION_SCHEDULE" envDefault:"@every 5m" mapstructure:"eviction_schedule"`

	LogLevel  string `env:"DLB_LOG_LEVEL" envDefault:"info" mapstructure:"log_level"`
	LogFormat string `env:"DLB_LOG_FORMAT" envDefault:"text" mapstructure:"log_format"`
}

// Load reads envFile when it exists, then the environment, then the YAML
// file named by DLB_CONFIG_FILE. An empty envFile skips the .env step.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile decodes path over cfg, skipping keys whose variable is set in
// the environment.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	envNames := envByKey()
	values := make(map[string]any, len(raw))
	for key, v := range raw {
		name, ok := envNames[key]
		if !ok {
			return fmt.Errorf("config file %s: unknown key %q", path, key)
		}
		if _, set := os.LookupEnv(name); set {
			continue
		}
		values[key] = v
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           c,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(values); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

// envByKey maps file keys to environment variable names.
func envByKey() map[string]string {
	out := make(map[string]string)
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		out[key] = strings.Split(f.Tag.Get("env"), ",")[0]
	}
	return out
}

// Validate checks values that combine several settings.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageFile, StorageRedis, StorageSQL, StorageMemory:
	default:
		return fmt.Errorf("invalid storage %q", c.Storage)
	}
	switch c.Backup {
	case BackupNone, StorageRedis, StorageSQL:
	default:
		return fmt.Errorf("invalid backup %q", c.Backup)
	}
	if c.Backup == c.Storage {
		return fmt.Errorf("backup must differ from storage %q", c.Storage)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative")
	}
	if _, _, err := c.EncryptionKeys(); err != nil {
		return err
	}
	if c.ExternalVarURL != "" && c.ExternalVarTimeout <= 0 {
		return fmt.Errorf("external variable service timeout must be positive")
	}
	return nil
}

// EncryptionKeys decodes the active and fallback keys. The active key is nil
// when encryption is off.
func (c *Config) EncryptionKeys() (active []byte, fallback [][]byte, err error) {
	if c.EncryptionKey == "" {
		if len(c.EncryptionFallbackKeys) > 0 {
			return nil, nil, errors.New("fallback encryption keys need an active key")
		}
		return nil, nil, nil
	}
	if active, err = decodeKey(c.EncryptionKey); err != nil {
		return nil, nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	for i, k := range c.EncryptionFallbackKeys {
		key, err := decodeKey(k)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid fallback encryption key %d: %w", i, err)
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("want 32 bytes, got %d", len(key))
	}
	return key, nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Storage == StorageRedis || c.Backup == StorageRedis || c.DistributedLock
}
