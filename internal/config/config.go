package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "NOTESYNC"
	defaultHTTPAddress       = "0.0.0.0:5000"
	defaultDatabasePath      = "notesync.db"
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "notesync-auth"
	defaultCookieName        = "app_session"
	defaultTokenTTL          = 60 * time.Minute
	defaultBufferSize        = 32
	defaultWriteTimeout      = 10 * time.Second
	defaultPongTimeout       = 60 * time.Second
	defaultPingInterval      = 25 * time.Second
	defaultMaxMessageBytes   = 1 << 20
	defaultRedisChannel      = "notesync:realtime"
	defaultCORSAllowedOrigin = "http://localhost:5173"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	AuthSigningSecret  string
	AuthIssuer         string
	AuthCookieName     string
	AuthTokenTTL       time.Duration
	CORSAllowedOrigins []string
	Realtime           RealtimeConfig
	RedisAddress       string
	RedisChannel       string
	MetricsEnabled     bool
}

// RealtimeConfig tunes the websocket transport and the per-connection outbound queue.
type RealtimeConfig struct {
	BufferSize      int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("cors.allowed_origins", []string{defaultCORSAllowedOrigin})
	configViper.SetDefault("realtime.buffer_size", defaultBufferSize)
	configViper.SetDefault("realtime.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("realtime.pong_timeout", defaultPongTimeout)
	configViper.SetDefault("realtime.ping_interval", defaultPingInterval)
	configViper.SetDefault("realtime.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.channel", defaultRedisChannel)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthCookieName:     configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:       configViper.GetDuration("auth.token_ttl"),
		CORSAllowedOrigins: normalizeOrigins(configViper.GetStringSlice("cors.allowed_origins")),
		Realtime: RealtimeConfig{
			BufferSize:      configViper.GetInt("realtime.buffer_size"),
			WriteTimeout:    configViper.GetDuration("realtime.write_timeout"),
			PongTimeout:     configViper.GetDuration("realtime.pong_timeout"),
			PingInterval:    configViper.GetDuration("realtime.ping_interval"),
			MaxMessageBytes: configViper.GetInt64("realtime.max_message_bytes"),
		},
		RedisAddress:   strings.TrimSpace(configViper.GetString("redis.address")),
		RedisChannel:   strings.TrimSpace(configViper.GetString("redis.channel")),
		MetricsEnabled: configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.Realtime.BufferSize <= 0 {
		return fmt.Errorf("realtime.buffer_size must be positive")
	}
	if c.Realtime.PingInterval <= 0 || c.Realtime.PongTimeout <= c.Realtime.PingInterval {
		return fmt.Errorf("realtime.pong_timeout must exceed a positive realtime.ping_interval")
	}
	if c.RedisAddress != "" && c.RedisChannel == "" {
		return fmt.Errorf("redis.channel is required when redis.address is set")
	}
	return nil
}

// viper returns comma separated env values as a single element.
func normalizeOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
