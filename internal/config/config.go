// Package config loads runtime settings from defaults, an optional config
// file and GOPHBOARD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete runtime configuration of a board client.
type Config struct {
	DevMode    bool
	BoardID    string
	DataDir    string
	ListenAddr string
	CORSOrigin string

	Sync       SyncConfig
	Queue      QueueConfig
	EditBuffer EditBufferConfig
	Remote     RemoteConfig
	Realtime   RealtimeConfig
	Auth       AuthConfig
	Storage    StorageConfig
}

// SyncConfig tunes conflict resolution and remote batching.
type SyncConfig struct {
	Tolerance  time.Duration
	BatchLimit int
}

// QueueConfig tunes the offline queue retry policy.
type QueueConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	FlushInterval  time.Duration
}

// EditBufferConfig tunes local edit throttling.
type EditBufferConfig struct {
	Throttle       time.Duration
	CursorThrottle time.Duration
}

// RemoteConfig selects and configures the authoritative shape store.
type RemoteConfig struct {
	Backend           string // memory, dynamo, postgres
	ShapesTable       string
	PollInterval      time.Duration
	DatabaseURLParam  string
	ProbeInterval     time.Duration
	BreakerTimeout    time.Duration
	BreakerMaxFailure int
}

// RealtimeConfig selects and configures the ephemeral store.
type RealtimeConfig struct {
	Backend            string // memory, redis
	RedisAddr          string
	RedisPasswordParam string
	LeaseTTL           time.Duration
	RefreshInterval    time.Duration
}

// AuthConfig locates the bridge's JWT signing secret.
type AuthConfig struct {
	JWTSecretParam string
}

// StorageConfig configures the local durable tier.
type StorageConfig struct {
	SessionCapacity int
	KMSKeyID        string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dev_mode", false)
	v.SetDefault("board_id", "default")
	v.SetDefault("data_dir", ".gophboard")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("cors_origin", "http://localhost:3000")

	v.SetDefault("sync.tolerance", 100*time.Millisecond)
	v.SetDefault("sync.batch_limit", 500)

	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.initial_backoff", time.Second)
	v.SetDefault("queue.max_backoff", 32*time.Second)
	v.SetDefault("queue.flush_interval", 30*time.Second)

	v.SetDefault("edit_buffer.throttle", 100*time.Millisecond)
	v.SetDefault("edit_buffer.cursor_throttle", 50*time.Millisecond)

	v.SetDefault("remote.backend", "dynamo")
	v.SetDefault("remote.shapes_table", "BoardShapes")
	v.SetDefault("remote.poll_interval", 500*time.Millisecond)
	v.SetDefault("remote.database_url_param", "/gophboard/database-url")
	v.SetDefault("remote.probe_interval", 5*time.Second)
	v.SetDefault("remote.breaker_timeout", 10*time.Second)
	v.SetDefault("remote.breaker_max_failure", 5)

	v.SetDefault("realtime.backend", "redis")
	v.SetDefault("realtime.redis_addr", "localhost:6379")
	v.SetDefault("realtime.redis_password_param", "/gophboard/redis-password")
	v.SetDefault("realtime.lease_ttl", 15*time.Second)
	v.SetDefault("realtime.refresh_interval", 5*time.Second)

	v.SetDefault("auth.jwt_secret_param", "/gophboard/jwt-secret")

	v.SetDefault("storage.session_capacity", 1024)
	v.SetDefault("storage.kms_key_id", "")
}

// Load reads the configuration. configFile may be empty.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GOPHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile == "" {
		configFile = os.Getenv("GOPHBOARD_CONFIG")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}

	return fromViper(v)
}

// Default returns the built-in defaults with in-memory backends, without
// consulting the environment. Used by tests and tooling.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	v.Set("dev_mode", true)
	cfg, err := fromViper(v)
	if err != nil {
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	return cfg
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DevMode:    v.GetBool("dev_mode") || os.Getenv("DEV_MODE") == "true",
		BoardID:    v.GetString("board_id"),
		DataDir:    v.GetString("data_dir"),
		ListenAddr: v.GetString("listen_addr"),
		CORSOrigin: v.GetString("cors_origin"),
		Sync: SyncConfig{
			Tolerance:  v.GetDuration("sync.tolerance"),
			BatchLimit: v.GetInt("sync.batch_limit"),
		},
		Queue: QueueConfig{
			MaxAttempts:    v.GetInt("queue.max_attempts"),
			InitialBackoff: v.GetDuration("queue.initial_backoff"),
			MaxBackoff:     v.GetDuration("queue.max_backoff"),
			FlushInterval:  v.GetDuration("queue.flush_interval"),
		},
		EditBuffer: EditBufferConfig{
			Throttle:       v.GetDuration("edit_buffer.throttle"),
			CursorThrottle: v.GetDuration("edit_buffer.cursor_throttle"),
		},
		Remote: RemoteConfig{
			Backend:           v.GetString("remote.backend"),
			ShapesTable:       v.GetString("remote.shapes_table"),
			PollInterval:      v.GetDuration("remote.poll_interval"),
			DatabaseURLParam:  v.GetString("remote.database_url_param"),
			ProbeInterval:     v.GetDuration("remote.probe_interval"),
			BreakerTimeout:    v.GetDuration("remote.breaker_timeout"),
			BreakerMaxFailure: v.GetInt("remote.breaker_max_failure"),
		},
		Realtime: RealtimeConfig{
			Backend:            v.GetString("realtime.backend"),
			RedisAddr:          v.GetString("realtime.redis_addr"),
			RedisPasswordParam: v.GetString("realtime.redis_password_param"),
			LeaseTTL:           v.GetDuration("realtime.lease_ttl"),
			RefreshInterval:    v.GetDuration("realtime.refresh_interval"),
		},
		Auth: AuthConfig{
			JWTSecretParam: v.GetString("auth.jwt_secret_param"),
		},
		Storage: StorageConfig{
			SessionCapacity: v.GetInt("storage.session_capacity"),
			KMSKeyID:        v.GetString("storage.kms_key_id"),
		},
	}

	// DEV_MODE swaps every external service for its in-memory twin.
	if cfg.DevMode {
		cfg.Remote.Backend = "memory"
		cfg.Realtime.Backend = "memory"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.BoardID == "" {
		return fmt.Errorf("board_id is required")
	}
	if c.Sync.Tolerance < 0 {
		return fmt.Errorf("sync.tolerance must not be negative")
	}
	if c.Sync.BatchLimit <= 0 {
		return fmt.Errorf("sync.batch_limit must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.Queue.InitialBackoff <= 0 || c.Queue.MaxBackoff < c.Queue.InitialBackoff {
		return fmt.Errorf("queue backoff bounds are inconsistent (%s, %s)", c.Queue.InitialBackoff, c.Queue.MaxBackoff)
	}
	switch c.Remote.Backend {
	case "memory", "dynamo", "postgres":
	default:
		return fmt.Errorf("unknown remote backend %q", c.Remote.Backend)
	}
	switch c.Realtime.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown realtime backend %q", c.Realtime.Backend)
	}
	return nil
}
