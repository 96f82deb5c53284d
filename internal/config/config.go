// Package config loads the runtime configuration of funf.
//
// Values come, lowest precedence first, from built-in defaults, an
// optional YAML file, FUNF_* environment variables and command line
// flags. Nested keys map to environment variables with "_" separators,
// so upload.max_item_retries is FUNF_UPLOAD_MAX_ITEM_RETRIES.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/funf-org/funf/internal/archive"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FUNF"

// Config holds the runtime configuration.
type Config struct {
	DataDir     string `mapstructure:"data_dir"`
	Database    string `mapstructure:"database"`
	ArchiveDir  string `mapstructure:"archive_dir"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Upload       UploadConfig       `mapstructure:"upload"`
	Remotes      []RemoteConfig     `mapstructure:"remotes"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
}

// UploadConfig tunes the archive upload worker.
type UploadConfig struct {
	MaxItemRetries        int           `mapstructure:"max_item_retries"`
	MaxDestinationRetries int           `mapstructure:"max_destination_retries"`
	InitialDelay          time.Duration `mapstructure:"initial_delay"`
	MaxDelay              time.Duration `mapstructure:"max_delay"`
	Multiplier            float64       `mapstructure:"multiplier"`
	Jitter                bool          `mapstructure:"jitter"`
	RecheckInterval       time.Duration `mapstructure:"recheck_interval"`
}

// RemoteConfig declares an upload destination available to every
// pipeline.
type RemoteConfig struct {
	ID      string            `mapstructure:"id"`
	Type    string            `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Bucket  string            `mapstructure:"bucket"`
	Headers map[string]string `mapstructure:"headers"`
}

// Remote types.
const (
	RemoteHTTP        = "http"
	RemoteObjectStore = "objectstore"
)

// NATSConfig connects the object store remotes. An empty URL disables
// NATS.
type NATSConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ConnectivityConfig selects how uploads decide they are online. An empty
// CheckAddress means always online.
type ConnectivityConfig struct {
	CheckAddress string        `mapstructure:"check_address"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Options control where Load looks.
type Options struct {
	// File is an explicit config file. When empty, funf.yaml is searched
	// for in SearchPaths.
	File string
	// SearchPaths defaults to DefaultSearchPaths.
	SearchPaths []string
	// Flags, when set, override file and environment values. See
	// BindFlags for the flag names.
	Flags *pflag.FlagSet
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"data-dir":     "data_dir",
	"db":           "database",
	"archive-dir":  "archive_dir",
	"log-level":    "log_level",
	"log-format":   "log_format",
	"metrics-addr": "metrics_addr",
	"nats-url":     "nats.url",
}

// DefaultSearchPaths returns the directories searched for funf.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "funf"))
	}
	return append(paths, "/etc/funf")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("database", "")
	v.SetDefault("archive_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("metrics_addr", "")

	d := archive.DefaultConfig()
	v.SetDefault("upload.max_item_retries", d.MaxItemRetries)
	v.SetDefault("upload.max_destination_retries", d.MaxDestinationRetries)
	v.SetDefault("upload.initial_delay", d.InitialDelay.String())
	v.SetDefault("upload.max_delay", d.MaxDelay.String())
	v.SetDefault("upload.multiplier", d.Multiplier)
	v.SetDefault("upload.jitter", d.AddJitter)
	v.SetDefault("upload.recheck_interval", d.RecheckInterval.String())

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("connectivity.check_address", "")
	v.SetDefault("connectivity.timeout", "3s")
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "funf")
	}
	return ".funf"
}

// BindFlags registers the flags Load understands on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default: funf.yaml in the search path)")
	fs.String("data-dir", "", "directory for the database and the local archive")
	fs.String("db", "", "SQLite database path (default: <data-dir>/funf.db)")
	fs.String("archive-dir", "", "local archive directory (default: <data-dir>/archive)")
	fs.String("log-level", "", "log level (debug|info|warn|error)")
	fs.String("log-format", "", "log format (text|json)")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	fs.String("nats-url", "", "NATS server for object store remotes")
}

// Load reads the configuration.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if opts.File == "" {
			if f := opts.Flags.Lookup("config"); f != nil {
				opts.File = f.Value.String()
			}
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.File, err)
		}
	} else {
		v.SetConfigName("funf")
		v.SetConfigType("yaml")
		paths := opts.SearchPaths
		if paths == nil {
			paths = DefaultSearchPaths()
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve fills paths derived from DataDir.
func (c *Config) resolve() {
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, "funf.db")
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = filepath.Join(c.DataDir, "archive")
	}
	for i := range c.Remotes {
		if c.Remotes[i].Type == "" {
			c.Remotes[i].Type = RemoteHTTP
		}
	}
}

// Validate checks values Load cannot coerce.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q: must be text or json", c.LogFormat))
	}
	seen := make(map[string]bool, len(c.Remotes))
	for i, r := range c.Remotes {
		switch {
		case r.ID == "":
			errs = append(errs, fmt.Errorf("remotes[%d]: id is required", i))
		case seen[r.ID]:
			errs = append(errs, fmt.Errorf("remotes[%d]: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
		switch r.Type {
		case RemoteHTTP:
			if r.URL == "" {
				errs = append(errs, fmt.Errorf("remotes[%d]: url is required", i))
			}
		case RemoteObjectStore:
			if c.NATS.URL == "" {
				errs = append(errs, fmt.Errorf("remotes[%d]: objectstore remote needs nats.url", i))
			}
		default:
			errs = append(errs, fmt.Errorf("remotes[%d]: unknown type %q", i, r.Type))
		}
	}
	return errors.Join(errs...)
}

// ArchiveConfig converts the upload settings.
func (c *Config) ArchiveConfig() archive.Config {
	return archive.Config{
		MaxItemRetries:        c.Upload.MaxItemRetries,
		MaxDestinationRetries: c.Upload.MaxDestinationRetries,
		InitialDelay:          c.Upload.InitialDelay,
		MaxDelay:              c.Upload.MaxDelay,
		Multiplier:            c.Upload.Multiplier,
		AddJitter:             c.Upload.Jitter,
		RecheckInterval:       c.Upload.RecheckInterval,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, err)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
