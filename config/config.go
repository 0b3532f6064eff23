// Package config loads the bridge configuration from a config file,
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// KV backends selectable with KV_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
	BackendMongo  = "mongo"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// ServerConfig holds all configuration for the bridge binaries.
type ServerConfig struct {
	HTTPPort        string `mapstructure:"HTTP_PORT"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
	LogPretty       bool   `mapstructure:"LOG_PRETTY"`
	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Issuer is the iss claim of issued tokens.
	Issuer string `mapstructure:"ISSUER"`

	// Client registration, shared with the upstream provider.
	ClientID     string `mapstructure:"CLIENT_ID"`
	ClientSecret string `mapstructure:"CLIENT_SECRET"`
	RedirectURL  string `mapstructure:"REDIRECT_URL"`

	// DiscordToken is the bot token used for role lookups.
	DiscordToken    string   `mapstructure:"DISCORD_TOKEN"`
	RoleCheckGuilds []string `mapstructure:"ROLE_CHECK_GUILDS"`

	DiscordAPIURL         string        `mapstructure:"DISCORD_API_URL"`
	DiscordAuthorizeURL   string        `mapstructure:"DISCORD_AUTHORIZE_URL"`
	UpstreamTimeout       time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	RoleLookupConcurrency int           `mapstructure:"ROLE_LOOKUP_CONCURRENCY"`
	TokenTTL              time.Duration `mapstructure:"TOKEN_TTL"`

	KVBackend     string `mapstructure:"KV_BACKEND"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisPrefix   string `mapstructure:"REDIS_PREFIX"`
	BoltPath      string `mapstructure:"BOLT_PATH"`
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDBName   string `mapstructure:"MONGO_DB_NAME"`

	AuditTTL       time.Duration `mapstructure:"AUDIT_TTL"`
	AuditIndexSize int           `mapstructure:"AUDIT_INDEX_SIZE"`
	DebugEndpoints bool          `mapstructure:"DEBUG_ENDPOINTS"`
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("/etc/shadow-bridge/")
	v.AddConfigPath("$HOME/.shadow-bridge")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.RoleCheckGuilds = splitList(cfg.RoleCheckGuilds)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("OTEL_SERVICE_NAME", "shadow-bridge")

	v.SetDefault("ISSUER", "https://cloudflare.com")
	v.SetDefault("CLIENT_ID", "")
	v.SetDefault("CLIENT_SECRET", "")
	v.SetDefault("REDIRECT_URL", "")
	v.SetDefault("DISCORD_TOKEN", "")
	v.SetDefault("ROLE_CHECK_GUILDS", []string{})

	v.SetDefault("DISCORD_API_URL", "https://discord.com/api/v10")
	v.SetDefault("DISCORD_AUTHORIZE_URL", "https://discord.com/oauth2/authorize")
	v.SetDefault("UPSTREAM_TIMEOUT", 10*time.Second)
	v.SetDefault("ROLE_LOOKUP_CONCURRENCY", 8)
	v.SetDefault("TOKEN_TTL", time.Hour)

	v.SetDefault("KV_BACKEND", BackendMemory)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "shadow-bridge")
	v.SetDefault("BOLT_PATH", "shadow-bridge.db")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DB_NAME", "shadow_bridge")

	v.SetDefault("AUDIT_TTL", 24*time.Hour)
	v.SetDefault("AUDIT_INDEX_SIZE", 50)
	v.SetDefault("DEBUG_ENDPOINTS", true)
}

// Validate reports the settings the token endpoint cannot work without.
func (c *ServerConfig) Validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "CLIENT_SECRET")
	}
	if c.RedirectURL == "" {
		missing = append(missing, "REDIRECT_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}

	switch c.KVBackend {
	case BackendMemory, BackendRedis, BackendBolt, BackendMongo:
	default:
		return fmt.Errorf("%w: unknown KV_BACKEND %q", ErrInvalidConfig, c.KVBackend)
	}

	return nil
}

// splitList accepts both list values and a single comma or space separated
// string, as environment variables deliver it.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.FieldsFunc(item, func(r rune) bool {
			return r == ',' || r == ' '
		}) {
			out = append(out, part)
		}
	}

	return out
}
