package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bilbercode/hsec-client/internal/address"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Hub     HubConfig     `yaml:"hub"`
	Profile ProfileConfig `yaml:"profile"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Storage StorageConfig `yaml:"storage"`
}

type HubConfig struct {
	Code                    string        `yaml:"code"`
	Port                    int           `yaml:"port"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	RequestTimeout          time.Duration `yaml:"request_timeout"`
	PingInterval            time.Duration `yaml:"ping_interval"`
	FailPendingOnDisconnect bool          `yaml:"fail_pending_on_disconnect"`
}

type ProfileConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig locates the camera catalog and recorded media.
type StorageConfig struct {
	CatalogDir string `yaml:"catalog_dir"`
	MediaDir   string `yaml:"media_dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, receives logs instead of stderr and is rotated.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	base := "hsec-client"
	if dir, err := os.UserConfigDir(); err == nil {
		base = filepath.Join(dir, "hsec-client")
	}
	return &Config{
		Hub: HubConfig{
			Port:                    address.DefaultPort,
			ConnectTimeout:          5 * time.Second,
			RequestTimeout:          5 * time.Second,
			PingInterval:            30 * time.Second,
			FailPendingOnDisconnect: true,
		},
		Profile: ProfileConfig{Path: filepath.Join(base, "profile.json")},
		Storage: StorageConfig{
			CatalogDir: filepath.Join(base, "cameras"),
			MediaDir:   "media",
		},
		Log:     LogConfig{Level: "info", Format: "text", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 7},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Hub.Port <= 0 || c.Hub.Port > 65535 {
		return fmt.Errorf("hub.port %d out of range", c.Hub.Port)
	}
	if c.Hub.ConnectTimeout <= 0 {
		return errors.New("hub.connect_timeout must be positive")
	}
	if c.Hub.RequestTimeout <= 0 {
		return errors.New("hub.request_timeout must be positive")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// ApplyLogging configures the global logger.
func (c *Config) ApplyLogging() error {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if c.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if c.Log.File == "" {
		log.SetOutput(os.Stderr)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Log.File), 0755); err != nil {
		return fmt.Errorf("failed to create log folder: %w", err)
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
	})
	return nil
}
