// Package server hosts the HTTP server: configuration loading, hardened
// http.Server settings and signal-driven graceful shutdown with cleanup
// hooks.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crudkit/crudkit/logging"
)

// DBConfig selects and tunes the SQL backend.
type DBConfig struct {
	// Driver is "pgx", "sqlite3" or "" for the in-memory engine.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// RedisConfig locates the response cache backend. An empty Addr disables
// the read-through cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Config is the full server configuration.
type Config struct {
	Addr string `mapstructure:"addr"`

	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`

	Log   logging.Config `mapstructure:"log"`
	DB    DBConfig       `mapstructure:"db"`
	Redis RedisConfig    `mapstructure:"redis"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":3000")
	v.SetDefault("read_timeout", 15*time.Second)
	v.SetDefault("write_timeout", 15*time.Second)
	v.SetDefault("idle_timeout", 60*time.Second)
	v.SetDefault("read_header_timeout", 10*time.Second)
	v.SetDefault("max_header_bytes", 1<<20)
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("log.format", "json")
	v.SetDefault("log.level", "info")
	v.SetDefault("db.max_open_conns", 100)
	v.SetDefault("db.max_idle_conns", 10)
	v.SetDefault("db.conn_max_lifetime", time.Hour)
	v.SetDefault("db.conn_max_idle_time", 10*time.Minute)
	v.SetDefault("redis.ttl", 5*time.Minute)
}

// LoadConfig reads configuration from the optional file at path plus
// CRUDKIT_* environment variables. Environment wins over the file; both
// win over defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CRUDKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}
