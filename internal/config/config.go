// Package config provides YAML configuration loading and validation for
// the ptimage server.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for ptimage-server.
type Config struct {
	// Images is the set of named image instances the server manages.
	// Required: at least one.
	Images []ImageConfig `yaml:"images"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// ListenAddr is the listen address for the REST+SSE API (e.g.
	// "127.0.0.1:8080"). Defaults to "127.0.0.1:8080" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the listen address for the Prometheus text-exposition
	// endpoint. Defaults to "127.0.0.1:9100" when omitted.
	MetricsAddr string `yaml:"metrics_addr"`

	// QueuePath is the filesystem path of the sqlite telemetry queue.
	// Defaults to "ptimage-queue.db" when omitted.
	QueuePath string `yaml:"queue_path"`

	// StorageDSN is the postgres connection string for the long-term
	// audit/telemetry sink. Required.
	StorageDSN string `yaml:"storage_dsn"`

	// JWTPublicKeyPath is the path to the PEM-encoded RSA public key used
	// to verify bearer tokens presented to the REST API. Required.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

// ImageConfig describes one named image instance and the sections to
// preload into it at startup.
type ImageConfig struct {
	// Name is a human-readable identifier for this image (e.g.
	// "pid-4821"). Required.
	Name string `yaml:"name"`

	// CacheCapacity is the soft residency bound (C). Defaults to 10 when
	// omitted (0 is a valid explicit value, meaning "caching disabled").
	CacheCapacity *int `yaml:"cache_capacity"`

	// Sections preloads section mappings into the image at startup.
	Sections []SectionConfig `yaml:"sections"`
}

// SectionConfig describes one section mapping to preload.
type SectionConfig struct {
	// Path is the backing file path. Required.
	Path string `yaml:"path"`

	// FileOffset is the byte offset into Path where the section begins.
	FileOffset int64 `yaml:"file_offset"`

	// Size is the section's length in bytes. Required, must be > 0.
	Size int64 `yaml:"size"`

	// Vaddr is the virtual address at which byte 0 of the section
	// appears.
	Vaddr uint64 `yaml:"vaddr"`

	// CR3 and VMCS identify the address space this mapping belongs to.
	// Omitted fields act as wildcards, per the asid package's sentinel
	// convention.
	CR3  uint64 `yaml:"cr3,omitempty"`
	VMCS uint64 `yaml:"vmcs,omitempty"`
}

const (
	defaultCacheCapacity = 10
	defaultListenAddr    = "127.0.0.1:8080"
	defaultMetricsAddr   = "127.0.0.1:9100"
	defaultQueuePath     = "ptimage-queue.db"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a joined
// error describing every validation failure encountered, not just the
// first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = defaultMetricsAddr
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = defaultQueuePath
	}
	for i := range cfg.Images {
		if cfg.Images[i].CacheCapacity == nil {
			c := defaultCacheCapacity
			cfg.Images[i].CacheCapacity = &c
		}
	}
}

func validate(cfg *Config) error {
	var errs []error

	if len(cfg.Images) == 0 {
		errs = append(errs, errors.New("images: at least one image is required"))
	}
	if cfg.StorageDSN == "" {
		errs = append(errs, errors.New("storage_dsn is required"))
	}
	if cfg.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("jwt_public_key_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	seen := make(map[string]bool, len(cfg.Images))
	for i, img := range cfg.Images {
		prefix := fmt.Sprintf("images[%d]", i)
		if img.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[img.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate image name %q", prefix, img.Name))
		} else {
			seen[img.Name] = true
		}
		if img.CacheCapacity != nil && *img.CacheCapacity < 0 {
			errs = append(errs, fmt.Errorf("%s: cache_capacity must be >= 0", prefix))
		}
		for j, s := range img.Sections {
			sp := fmt.Sprintf("%s.sections[%d]", prefix, j)
			if s.Path == "" {
				errs = append(errs, fmt.Errorf("%s: path is required", sp))
			}
			if s.Size <= 0 {
				errs = append(errs, fmt.Errorf("%s: size must be > 0", sp))
			}
		}
	}

	return errors.Join(errs...)
}
