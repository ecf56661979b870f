// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Layered configuration: defaults, .env, config file, HIOLOAD_* environment,
// then command-line flags.

package control

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HIOLOAD_SERVER_PORT.
const EnvPrefix = "HIOLOAD"

// Config is the full runtime configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Workers  int            `mapstructure:"workers"`
	Pin      bool           `mapstructure:"pin_workers"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Session  TimeoutConfig  `mapstructure:"session"`
	Upload   TimeoutConfig  `mapstructure:"upload"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Static   StaticConfig   `mapstructure:"static"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig describes the listening socket.
type ServerConfig struct {
	Addr             string        `mapstructure:"addr"`
	Port             int           `mapstructure:"port"`
	IPVersion        int           `mapstructure:"ip_version"`
	TLS              TLSConfig     `mapstructure:"tls"`
	ReadBuffer       int           `mapstructure:"read_buffer"`
	MaxRequest       int           `mapstructure:"max_request"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

// TLSConfig points at the certificate pair; both empty means plain TCP.
type TLSConfig struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
}

type PathsConfig struct {
	RootDir string `mapstructure:"root_dir"`
	ImgDir  string `mapstructure:"img_dir"`
	VidDir  string `mapstructure:"vid_dir"`
	FileDir string `mapstructure:"file_dir"`
}

type DatabaseConfig struct {
	Name   string `mapstructure:"name"`
	SQLDir string `mapstructure:"sql_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TimeoutConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LimitsConfig sizes the accept limiter. Zero rates disable a level.
type LimitsConfig struct {
	AcceptRate  float64 `mapstructure:"accept_rate"`
	AcceptBurst int     `mapstructure:"accept_burst"`
	IPRate      float64 `mapstructure:"ip_rate"`
	IPBurst     int     `mapstructure:"ip_burst"`
}

type StaticConfig struct {
	CacheEntries  int   `mapstructure:"cache_entries"`
	MaxCachedSize int64 `mapstructure:"max_cached_size"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "any")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ip_version", 6)
	v.SetDefault("server.tls.cert", "")
	v.SetDefault("server.tls.key", "")
	v.SetDefault("server.read_buffer", 64<<10)
	v.SetDefault("server.max_request", 32<<20)
	v.SetDefault("server.handshake_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("workers", 0)
	v.SetDefault("pin_workers", false)

	v.SetDefault("paths.root_dir", "client/public")
	v.SetDefault("paths.img_dir", "client/public/upload/imgs")
	v.SetDefault("paths.vid_dir", "client/public/upload/vids")
	v.SetDefault("paths.file_dir", "client/public/upload/files")

	v.SetDefault("database.name", "chitychat")
	v.SetDefault("database.sql_dir", "")

	v.SetDefault("log.level", "debug")
	v.SetDefault("log.format", "pretty")

	v.SetDefault("session.timeout", 30*time.Minute)
	v.SetDefault("upload.timeout", 30*time.Second)

	v.SetDefault("limits.accept_rate", 200.0)
	v.SetDefault("limits.accept_burst", 400)
	v.SetDefault("limits.ip_rate", 5.0)
	v.SetDefault("limits.ip_burst", 20)

	v.SetDefault("static.cache_entries", 256)
	v.SetDefault("static.max_cached_size", 1<<20)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9095")
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("hioload-chat", pflag.ContinueOnError)
	fs.IntP("port", "p", 8080, "listen port")
	fs.BoolP("verbose", "v", false, "trace logging")
	fs.BoolP("debug", "d", false, "debug logging")
	fs.BoolP("ipv4", "4", false, "listen on IPv4")
	fs.BoolP("ipv6", "6", false, "listen on IPv6 (dual stack)")
	fs.IntP("threads", "T", 0, "worker count, 0 = one per CPU")
	fs.StringP("config", "f", "", "config file (json, yaml, toml)")
	return fs
}

// Load builds the configuration from args (without the program name).
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.BindPFlag("server.port", fs.Lookup("port")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("workers", fs.Lookup("threads")); err != nil {
		return nil, err
	}
	if fs.Changed("ipv4") {
		v.Set("server.ip_version", 4)
	}
	if fs.Changed("ipv6") {
		v.Set("server.ip_version", 6)
	}
	if fs.Changed("debug") {
		v.Set("log.level", "debug")
	}
	if fs.Changed("verbose") {
		v.Set("log.level", "trace")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.IPVersion != 4 && c.Server.IPVersion != 6 {
		errs = append(errs, fmt.Errorf("server.ip_version must be 4 or 6, got %d", c.Server.IPVersion))
	}
	if (c.Server.TLS.Cert == "") != (c.Server.TLS.Key == "") {
		errs = append(errs, errors.New("server.tls.cert and server.tls.key must be set together"))
	}
	if c.Server.ReadBuffer <= 0 || c.Server.MaxRequest < c.Server.ReadBuffer {
		errs = append(errs, fmt.Errorf("server.read_buffer %d / max_request %d invalid", c.Server.ReadBuffer, c.Server.MaxRequest))
	}
	if c.Session.Timeout <= 0 {
		errs = append(errs, errors.New("session.timeout must be positive"))
	}
	if c.Upload.Timeout <= 0 {
		errs = append(errs, errors.New("upload.timeout must be positive"))
	}
	if c.Database.Name == "" {
		errs = append(errs, errors.New("database.name is empty"))
	}
	return errors.Join(errs...)
}
