// Package config loads server settings from the environment, optionally
// seeded from a .env file and a config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/whisper/dmchat/internal/ratelimit"
	"github.com/whisper/dmchat/internal/store"
	"github.com/whisper/dmchat/internal/ws"
)

// Config holds all configuration for the chat server.
type Config struct {
	Env        string
	ListenAddr string
	LogLevel   string
	ServerName string

	DB            store.PoolConfig
	RunMigrations bool

	RedisAddr      string
	NATSURL        string
	KafkaBrokers   []string
	KafkaTopic     string
	AllowedOrigins []string

	WS          ws.ServerConfig
	MessageRate ratelimit.Rule
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present, and CONFIG_FILE may name
// a YAML/TOML/JSON file whose keys match the variable names. DATABASE_URL
// is required outside development.
func Load() (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{
		Env:            v.GetString("ENV"),
		ListenAddr:     v.GetString("LISTEN_ADDR"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		ServerName:     v.GetString("SERVER_NAME"),
		RunMigrations:  v.GetBool("RUN_MIGRATIONS"),
		RedisAddr:      v.GetString("REDIS_ADDR"),
		NATSURL:        v.GetString("NATS_URL"),
		KafkaBrokers:   splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:     v.GetString("KAFKA_TOPIC"),
		AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "chat-1"
	}

	cfg.DB = store.DefaultPoolConfig()
	cfg.DB.URL = v.GetString("DATABASE_URL")
	cfg.DB.MaxOpenConns = v.GetInt("DB_MAX_OPEN_CONNS")
	cfg.DB.MaxIdleConns = v.GetInt("DB_MAX_IDLE_CONNS")
	cfg.DB.ConnMaxLifetime = v.GetDuration("DB_CONN_MAX_LIFETIME")

	cfg.WS = ws.DefaultServerConfig()
	cfg.WS.WorkerPoolSize = v.GetInt("WORKER_POOL_SIZE")
	cfg.WS.MaxConnections = v.GetInt("MAX_CONNECTIONS")
	cfg.WS.ReadTimeout = v.GetDuration("READ_TIMEOUT")
	cfg.WS.WriteTimeout = v.GetDuration("WRITE_TIMEOUT")

	cfg.MessageRate = ratelimit.RuleMessage
	cfg.MessageRate.Limit = v.GetInt("MESSAGE_RATE_LIMIT")
	cfg.MessageRate.Window = v.GetDuration("MESSAGE_RATE_WINDOW")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	pool := store.DefaultPoolConfig()
	server := ws.DefaultServerConfig()

	v.SetDefault("ENV", "development")
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RUN_MIGRATIONS", true)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("KAFKA_TOPIC", "message.created")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("DB_MAX_OPEN_CONNS", pool.MaxOpenConns)
	v.SetDefault("DB_MAX_IDLE_CONNS", pool.MaxIdleConns)
	v.SetDefault("DB_CONN_MAX_LIFETIME", pool.ConnMaxLifetime)
	v.SetDefault("WORKER_POOL_SIZE", server.WorkerPoolSize)
	v.SetDefault("MAX_CONNECTIONS", server.MaxConnections)
	v.SetDefault("READ_TIMEOUT", server.ReadTimeout)
	v.SetDefault("WRITE_TIMEOUT", server.WriteTimeout)
	v.SetDefault("MESSAGE_RATE_LIMIT", ratelimit.RuleMessage.Limit)
	v.SetDefault("MESSAGE_RATE_WINDOW", ratelimit.RuleMessage.Window)
}

func (c *Config) validate() error {
	var errs []error
	if c.DB.URL == "" && !c.IsDevelopment() {
		errs = append(errs, errors.New("DATABASE_URL is required outside development"))
	}
	if c.WS.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be positive"))
	}
	if c.WS.MaxConnections <= 0 {
		errs = append(errs, errors.New("MAX_CONNECTIONS must be positive"))
	}
	if c.MessageRate.Limit <= 0 || c.MessageRate.Window <= 0 {
		errs = append(errs, errors.New("MESSAGE_RATE_LIMIT and MESSAGE_RATE_WINDOW must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// splitList parses a comma-separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
