package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Session  SessionConfig
	Metrics  MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int // Seconds
	WriteTimeout int // Seconds
}

type DatabaseConfig struct {
	Path string
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	Redis     RedisConfig
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

type SessionConfig struct {
	DebounceWindowMs  int // Quiet period before a document flush
	CursorTTLSeconds  int // Staleness threshold for cursor eviction
	SweepIntervalSecs int
	MaxDocumentSize   int // Bytes
	SendBufferSize    int // Per-connection outbound queue
	MessagesPerSecond float64
	MessageBurst      int
}

type MetricsConfig struct {
	Enabled bool
	Port    int
}

var (
	instance *AppConfig
	once     sync.Once
)

// Initialize loads config.<env>.yaml plus CODEHUB_* environment overrides.
// A missing config file is fine: the defaults cover every knob.
func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("CODEHUB")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				initErr = fmt.Errorf("config file error: %w", err)
				return
			}
		}

		cfg := &AppConfig{}
		if err := viper.Unmarshal(cfg); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := validate(cfg); err != nil {
			initErr = err
			return
		}

		instance = cfg
	})
	return initErr
}

// Get returns the loaded config. Initialize must have been called first.
func Get() *AppConfig {
	return instance
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readtimeout", 15)
	viper.SetDefault("server.writetimeout", 15)

	viper.SetDefault("database.path", "./data/codehub.db")

	viper.SetDefault("auth.enabled", true)
	viper.SetDefault("auth.jwtsecret", "")
	viper.SetDefault("auth.redis.enabled", false)
	viper.SetDefault("auth.redis.address", "localhost:6379")
	viper.SetDefault("auth.redis.password", "")
	viper.SetDefault("auth.redis.db", 0)
	viper.SetDefault("auth.redis.poolsize", 10)

	viper.SetDefault("session.debouncewindowms", 1500)
	viper.SetDefault("session.cursorttlseconds", 30)
	viper.SetDefault("session.sweepintervalsecs", 30)
	viper.SetDefault("session.maxdocumentsize", 1000000)
	viper.SetDefault("session.sendbuffersize", 512)
	viper.SetDefault("session.messagespersecond", 100)
	viper.SetDefault("session.messageburst", 200)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
}

func bindEnvVars() {
	viper.BindEnv("server.port", "CODEHUB_PORT")
	viper.BindEnv("database.path", "CODEHUB_DB_PATH")
	viper.BindEnv("auth.jwtsecret", "CODEHUB_JWT_SECRET")
	viper.BindEnv("auth.enabled", "CODEHUB_AUTH_ENABLED")
	viper.BindEnv("auth.redis.enabled", "CODEHUB_REDIS_ENABLED")
	viper.BindEnv("auth.redis.address", "CODEHUB_REDIS_ADDR")
	viper.BindEnv("auth.redis.password", "CODEHUB_REDIS_PASSWORD")
}

func validate(cfg *AppConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth is enabled but no JWT secret is configured")
	}
	if cfg.Session.DebounceWindowMs <= 0 {
		return fmt.Errorf("debounce window must be positive")
	}
	if cfg.Session.MaxDocumentSize <= 0 {
		return fmt.Errorf("max document size must be positive")
	}
	return nil
}

// DebounceWindow returns the flush quiet period as a duration.
func (s SessionConfig) DebounceWindow() time.Duration {
	return time.Duration(s.DebounceWindowMs) * time.Millisecond
}

// CursorTTL returns the cursor staleness threshold as a duration.
func (s SessionConfig) CursorTTL() time.Duration {
	return time.Duration(s.CursorTTLSeconds) * time.Second
}

// SweepInterval returns the sweep cadence as a duration.
func (s SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSecs) * time.Second
}
