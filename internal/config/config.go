// Package config loads configuration from environment variables, an
// optional YAML file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. BCLOUD_SERVER_URL.
const EnvPrefix = "BCLOUD"

// Config holds the sync core configuration.
type Config struct {
	// Server
	ServerURL   string
	Token       string
	HTTPTimeout time.Duration

	// Local directories
	TexturesDir string
	CacheDir    string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Metrics (empty disables the endpoint)
	MetricsAddr string

	// Scheduler
	PollTimeout  time.Duration
	TickInterval time.Duration
	MaxInFlight  int

	// Downloads
	ThumbnailSize string
	Revalidate    bool
	MaxCachedBody int64
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"server":     "server_url",
	"token":      "token",
	"textures":   "textures_dir",
	"cache":      "cache_dir",
	"log-level":  "log_level",
	"log-format": "log_format",
	"log-file":   "log_file",
	"metrics":    "metrics_addr",
	"revalidate": "revalidate",
	"size":       "thumbnail_size",
}

func defaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	cacheRoot, err := os.UserCacheDir()
	if err != nil {
		cacheRoot = filepath.Join(home, ".cache")
	}

	v.SetDefault("server_url", "https://cloud.blender.org/api/")
	v.SetDefault("token", "")
	v.SetDefault("http_timeout", 30*time.Second)
	v.SetDefault("textures_dir", filepath.Join(home, "blender_cloud", "textures"))
	v.SetDefault("cache_dir", filepath.Join(cacheRoot, "blender_cloud"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("log_file", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("poll_timeout", 20*time.Millisecond)
	v.SetDefault("tick_interval", 50*time.Millisecond)
	v.SetDefault("max_in_flight", 8)
	v.SetDefault("thumbnail_size", "s")
	v.SetDefault("revalidate", false)
	v.SetDefault("max_cached_body", 8<<20)
}

// Load reads the configuration. Precedence, highest first: flags that were
// set, BCLOUD_* environment variables, the YAML file at path (or
// config.yaml in the user config directory when path is empty), defaults.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// The short names follow the $TEXTURES / $CACHE roots of the add-on.
	_ = v.BindEnv("textures_dir", EnvPrefix+"_TEXTURES_DIR", EnvPrefix+"_TEXTURES")
	_ = v.BindEnv("cache_dir", EnvPrefix+"_CACHE_DIR", EnvPrefix+"_CACHE")

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if dir, err := os.UserConfigDir(); err == nil {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(dir, "blender_cloud"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		ServerURL:     v.GetString("server_url"),
		Token:         v.GetString("token"),
		HTTPTimeout:   v.GetDuration("http_timeout"),
		TexturesDir:   expandHome(v.GetString("textures_dir")),
		CacheDir:      expandHome(v.GetString("cache_dir")),
		LogLevel:      v.GetString("log_level"),
		LogFormat:     v.GetString("log_format"),
		LogFile:       expandHome(v.GetString("log_file")),
		MetricsAddr:   v.GetString("metrics_addr"),
		PollTimeout:   v.GetDuration("poll_timeout"),
		TickInterval:  v.GetDuration("tick_interval"),
		MaxInFlight:   v.GetInt("max_in_flight"),
		ThumbnailSize: v.GetString("thumbnail_size"),
		Revalidate:    v.GetBool("revalidate"),
		MaxCachedBody: v.GetInt64("max_cached_body"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the core cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if c.ServerURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server URL %q is not an absolute URL", c.ServerURL)
	}
	if c.TexturesDir == "" {
		return fmt.Errorf("textures directory is required")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache directory is required")
	}
	for name, d := range map[string]time.Duration{
		"http_timeout":  c.HTTPTimeout,
		"poll_timeout":  c.PollTimeout,
		"tick_interval": c.TickInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("max_in_flight must be positive, got %d", c.MaxInFlight)
	}
	if c.ThumbnailSize == "" {
		return fmt.Errorf("thumbnail size is required")
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
